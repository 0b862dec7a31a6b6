package buildcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/config"
	"github.com/benoit-pierre/buildcache/hasher"
	"github.com/benoit-pierre/buildcache/internal/fileutil"
	"github.com/benoit-pierre/buildcache/local"
	"github.com/benoit-pierre/buildcache/remote"
)

// Cache is the cache engine: the two-tier lookup/insert pipeline, the
// direct-mode shortcut, size-admission control and the fallback-on-failure
// discipline.
//
// A Cache is used by a single invocation (one goroutine); concurrency
// arises from multiple processes sharing the cache directory, which the
// local store serializes with per-shard locks.
type Cache struct {
	cfg    *config.Config
	local  *local.Cache
	remote remote.Cache
	log    *logrus.Logger
	stdout io.Writer
	stderr io.Writer
}

// Option configures a Cache.
type Option func(*Cache)

// WithRemote overrides the remote backend (by default one is built from the
// configuration's remote URL, if any).
func WithRemote(r remote.Cache) Option {
	return func(c *Cache) {
		c.remote = r
	}
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// WithStdout redirects where a hit's captured standard output is replayed.
func WithStdout(w io.Writer) Option {
	return func(c *Cache) {
		c.stdout = w
	}
}

// WithStderr redirects where a hit's captured standard error is replayed.
func WithStderr(w io.Writer) Option {
	return func(c *Cache) {
		c.stderr = w
	}
}

// New creates a cache engine over the configured cache root.
func New(cfg *config.Config, opts ...Option) (*Cache, error) {
	c := &Cache{
		cfg:    cfg,
		log:    logrus.StandardLogger(),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}

	lc, err := local.New(cfg.Dir,
		local.WithMaxSize(cfg.MaxCacheSize),
		local.WithCompression(cfg.Compress),
		local.WithLocalLocks(cfg.LocalLocks),
		local.WithLogger(c.log),
	)
	if err != nil {
		return nil, err
	}
	c.local = lc

	if c.remote == nil && cfg.RemoteURL != "" {
		r, err := remote.NewRedis(cfg.RemoteURL,
			remote.WithReadOnly(cfg.ReadOnlyRemote),
			remote.WithLogger(c.log),
		)
		if err != nil {
			// A bad remote URL degrades to local-only, like any other
			// remote failure.
			c.log.WithError(err).Warn("Ignoring remote cache")
		} else {
			c.remote = r
		}
	}
	return c, nil
}

// LookupOptions tune the retrieval of a hit.
type LookupOptions struct {
	// AllowHardLinks installs uncompressed payloads by hard link when the
	// filesystem allows it.
	AllowHardLinks bool

	// CreateTargetDirs creates missing parent directories of target paths.
	CreateTargetDirs bool
}

// LookupDirect attempts the direct-mode shortcut. The manifest recorded
// under directHash is consulted; if every implicit input still hashes to
// its recorded value, the manifest's preprocessor hash is used for a
// regular Lookup. Any mismatch, missing manifest or error is a miss — the
// caller is expected to fall through to preprocessor-mode lookup.
func (c *Cache) LookupDirect(directHash Hash, expected map[string]ExpectedFile, opts LookupOptions) (bool, int) {
	manifest, err := c.local.LookupDirect(directHash)
	if err != nil {
		c.log.WithField("direct_hash", directHash).WithError(err).Warn("Direct mode lookup failed")
		manifest = nil
	}
	if manifest == nil || !c.manifestMatches(manifest) {
		c.log.WithField("direct_hash", directHash).Debug("Direct mode cache miss")
		c.updateStats(directHash, local.DirectMiss())
		return false, 0
	}

	c.log.WithFields(logrus.Fields{
		"direct_hash": directHash,
		"hash":        manifest.Hash,
	}).Debug("Direct mode cache hit")
	c.updateStats(directHash, local.DirectHit())

	return c.Lookup(manifest.Hash, expected, opts)
}

// Lookup runs the two-tier pipeline for a preprocessor-mode hash. On a hit
// all expected files are materialized, the captured streams are replayed,
// and the cached exit code is returned. Errors never propagate: any failure
// is logged and reported as a miss so the build proceeds by running the
// tool.
func (c *Cache) Lookup(h Hash, expected map[string]ExpectedFile, opts LookupOptions) (bool, int) {
	hit, code, err := c.lookupLocal(h, expected, opts)
	if err != nil {
		c.log.WithField("hash", h).WithError(err).Warn("Local lookup failed")
	} else if hit {
		return true, code
	}

	hit, code, err = c.lookupRemote(h, expected, opts)
	if err != nil {
		c.log.WithField("hash", h).WithError(err).Warn("Remote lookup failed")
	} else if hit {
		return true, code
	}

	return false, 0
}

// Add installs a verified miss (the tool ran and exited 0) into the local
// cache and, when configured, the remote cache. Errors never propagate:
// failures are logged as warnings and the insert is skipped.
func (c *Cache) Add(h Hash, entry *Entry, expected map[string]ExpectedFile, allowHardLinks bool) {
	size, err := entrySize(entry, expected)
	if err != nil {
		c.log.WithField("hash", h).WithError(err).Warn("Not caching entry")
		return
	}

	if admit(size, c.cfg.MaxLocalEntrySize) {
		if err := c.local.Add(h, entry, expected, allowHardLinks); err != nil {
			c.log.WithField("hash", h).WithError(err).Warn("Local insert failed")
		}
	} else {
		c.log.WithFields(logrus.Fields{"hash": h, "size": size}).Warn("Cache entry too large for the local cache")
	}

	if c.remote == nil || c.cfg.ReadOnlyRemote {
		return
	}
	ctx, cancel := c.remoteContext()
	defer cancel()
	if !c.remote.Connect(ctx) {
		return
	}
	if !admit(size, c.cfg.MaxRemoteEntrySize) {
		c.log.WithFields(logrus.Fields{"hash": h, "size": size}).Warn("Cache entry too large for the remote cache")
		return
	}
	if err := c.remote.Add(ctx, h, entry, expected); err != nil {
		c.log.WithField("hash", h).WithError(err).Warn("Remote insert failed")
	}
}

// AddDirect records a direct-mode manifest: the content hashes of all
// implicit input files observed by the run, plus the preprocessor hash the
// run produced. Failures are logged; a missing manifest only costs a
// preprocessor run next time.
func (c *Cache) AddDirect(directHash, h Hash, implicitInputs []string) {
	files := make(map[string]hasher.Hash, len(implicitInputs))
	for _, path := range implicitInputs {
		fh, err := hasher.FileHash(path)
		if err != nil {
			c.log.WithField("direct_hash", directHash).WithError(err).Warn("Not recording direct mode manifest")
			return
		}
		files[path] = fh
	}
	manifest := &codec.Manifest{Hash: h, Files: files}
	if err := c.local.AddDirect(directHash, manifest); err != nil {
		c.log.WithField("direct_hash", directHash).WithError(err).Warn("Recording direct mode manifest failed")
	}
}

// Clear removes all cache contents except the configuration.
func (c *Cache) Clear() error {
	return c.local.Clear()
}

// ShowStats writes an aggregated statistics summary.
func (c *Cache) ShowStats(w io.Writer) error {
	stats, err := c.local.TotalStats()
	if err != nil {
		return err
	}
	size, entries, err := c.local.Usage()
	if err != nil {
		return err
	}

	maxSize := "unlimited"
	if c.cfg.MaxCacheSize > 0 {
		maxSize = config.FormatSize(c.cfg.MaxCacheSize)
	}
	fmt.Fprintf(w, "Cache directory:  %s\n", c.cfg.Dir)
	fmt.Fprintf(w, "Entries:          %d\n", entries)
	fmt.Fprintf(w, "Cache size:       %s (max: %s)\n", config.FormatSize(size), maxSize)
	fmt.Fprintf(w, "Direct hits:      %d\n", stats.DirectHits)
	fmt.Fprintf(w, "Direct misses:    %d\n", stats.DirectMisses)
	fmt.Fprintf(w, "Local hits:       %d\n", stats.LocalHits)
	fmt.Fprintf(w, "Remote hits:      %d\n", stats.RemoteHits)
	fmt.Fprintf(w, "Remote misses:    %d\n", stats.RemoteMisses)
	fmt.Fprintf(w, "Evictions:        %d\n", stats.Evictions)
	return nil
}

// SetMaxSize persists a new cache size budget. The cache is not trimmed
// immediately; shards shrink to the new budget as they are next written.
func (c *Cache) SetMaxSize(size int64) error {
	return config.SetMaxSize(c.cfg.Dir, size)
}

func (c *Cache) lookupLocal(h Hash, expected map[string]ExpectedFile, opts LookupOptions) (bool, int, error) {
	entry, lk, err := c.local.Lookup(h)
	if err != nil {
		return false, 0, err
	}
	if entry == nil {
		return false, 0, nil
	}
	// The shard lock is held while files are materialized so eviction in
	// another process cannot delete them mid-read. It must be dropped
	// before the stats update, which takes the same lock.
	defer lk.Release()

	for _, id := range entry.FileIDs {
		ef, ok := expected[id]
		if !ok {
			return false, 0, fmt.Errorf("%w: unexpected cached file %q", ErrMismatch, id)
		}
		if err := c.prepareTarget(ef.Path, opts); err != nil {
			return false, 0, err
		}
		c.log.WithFields(logrus.Fields{"hash": h, "file": id, "target": ef.Path}).Debug("Local cache hit")
		if err := c.local.GetFile(h, id, ef.Path, entry.Mode == CompressionAll, opts.AllowHardLinks); err != nil {
			return false, 0, err
		}
	}
	_ = lk.Release()

	c.emit(entry)
	c.updateStats(h, local.LocalHit())
	return true, entry.ExitCode, nil
}

func (c *Cache) lookupRemote(h Hash, expected map[string]ExpectedFile, opts LookupOptions) (bool, int, error) {
	if c.remote == nil {
		return false, 0, nil
	}
	ctx, cancel := c.remoteContext()
	defer cancel()
	if !c.remote.Connect(ctx) {
		return false, 0, nil
	}

	entry, err := c.remote.Lookup(ctx, h)
	if err != nil {
		return false, 0, err
	}
	if entry == nil {
		c.updateStats(h, local.RemoteMiss())
		return false, 0, nil
	}

	for _, id := range entry.FileIDs {
		ef, ok := expected[id]
		if !ok {
			return false, 0, fmt.Errorf("%w: unexpected cached file %q", ErrMismatch, id)
		}
		if err := c.prepareTarget(ef.Path, opts); err != nil {
			return false, 0, err
		}
		c.log.WithFields(logrus.Fields{"hash": h, "file": id, "target": ef.Path}).Debug("Remote cache hit")
		if err := c.remote.GetFile(ctx, h, id, ef.Path); err != nil {
			return false, 0, err
		}
	}

	c.emit(entry)
	c.updateStats(h, local.RemoteHit())

	// Promote into the local cache so the next build avoids the network.
	// Another process may have installed the same hash meanwhile; the
	// local insert tolerates losing that race.
	size, err := entrySize(entry, expected)
	if err == nil && admit(size, c.cfg.MaxLocalEntrySize) {
		if err := c.local.Add(h, entry, expected, opts.AllowHardLinks); err != nil {
			c.log.WithField("hash", h).WithError(err).Warn("Promoting remote entry failed")
		}
	} else if err == nil {
		c.log.WithFields(logrus.Fields{"hash": h, "size": size}).Warn("Cache entry too large for the local cache")
	}

	return true, entry.ExitCode, nil
}

func (c *Cache) manifestMatches(manifest *codec.Manifest) bool {
	for path, want := range manifest.Files {
		got, err := hasher.FileHash(path)
		if err != nil || got != want {
			return false
		}
	}
	return true
}

func (c *Cache) prepareTarget(target string, opts LookupOptions) error {
	if !opts.CreateTargetDirs {
		return nil
	}
	return os.MkdirAll(filepath.Dir(target), fileutil.DirPerm)
}

func (c *Cache) emit(entry *Entry) {
	_, _ = c.stdout.Write(entry.Stdout)
	_, _ = c.stderr.Write(entry.Stderr)
}

func (c *Cache) updateStats(h Hash, delta Stats) {
	if err := c.local.UpdateStats(h, delta); err != nil {
		c.log.WithField("hash", h).WithError(err).Warn("Stats update failed")
	}
}

func (c *Cache) remoteContext() (context.Context, context.CancelFunc) {
	if c.cfg.RemoteTimeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), c.cfg.RemoteTimeout)
}

// entrySize is the total uncompressed size of an entry: captured streams
// plus the sizes of the expected files on disk. A missing optional file
// contributes zero; a missing required file is an error.
func entrySize(entry *Entry, expected map[string]ExpectedFile) (int64, error) {
	total := int64(len(entry.Stdout)) + int64(len(entry.Stderr))
	for _, id := range entry.FileIDs {
		ef, ok := expected[id]
		if !ok {
			return 0, fmt.Errorf("%w: unexpected cached file %q", ErrMismatch, id)
		}
		size, err := fileutil.FileSize(ef.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && !ef.Required {
				continue
			}
			return 0, fmt.Errorf("buildcache: size of %s: %w", ef.Path, err)
		}
		total += size
	}
	return total, nil
}

func admit(size, max int64) bool {
	return max <= 0 || size < max
}
