// Package local implements the on-disk cache tier: a content-addressed
// store of cache entries split into 256 shards by the first two hex
// characters of the entry hash, plus the direct-mode manifest sub-store and
// per-shard statistics.
//
// Layout, within the cache root:
//
//	config                      configuration (not touched by this package)
//	<shard>/.lock               shard lock
//	<shard>/stats               shard statistics counters
//	<shard>/<hash-rest>/        one directory per entry (meta + payloads)
//	direct/<shard>/.lock        manifest shard lock
//	direct/<shard>/<hash-rest>  one serialized manifest per direct hash
//
// Every mutation of a shard happens under that shard's lock, and installs
// are staged in a scratch directory and renamed into place, so concurrent
// readers observe either no entry or a complete entry.
package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/hasher"
	"github.com/benoit-pierre/buildcache/internal/fileutil"
	"github.com/benoit-pierre/buildcache/lock"
)

// numShards is the number of top-level shards (two hex characters).
const numShards = 256

const (
	lockFileName  = ".lock"
	statsFileName = "stats"
	directDirName = "direct"
)

// Sentinel errors.
var (
	// ErrCorruptEntry is returned when an entry's metadata cannot be parsed
	// or a declared payload file is missing. Lookup handles this internally
	// (the entry is removed and reported as a miss).
	ErrCorruptEntry = errors.New("local: corrupt cache entry")

	// ErrMissingFile is returned by Add when a required expected file does
	// not exist at its target path.
	ErrMissingFile = errors.New("local: missing required file")
)

// Cache is the local cache tier rooted at a directory shared by all
// concurrent build processes.
type Cache struct {
	root       string
	maxSize    int64
	compress   bool
	localLocks bool
	log        *logrus.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxSize bounds the total cache size in bytes. Each shard is evicted
// down to its share (size/256) after an install. 0 disables the bound.
func WithMaxSize(n int64) Option {
	return func(c *Cache) {
		c.maxSize = n
	}
}

// WithCompression stores payload files zstd-compressed.
func WithCompression(enabled bool) Option {
	return func(c *Cache) {
		c.compress = enabled
	}
}

// WithLocalLocks uses machine-local lock objects instead of lock files on
// the cache filesystem. Only safe when the cache root is not on a network
// share.
func WithLocalLocks(enabled bool) Option {
	return func(c *Cache) {
		c.localLocks = enabled
	}
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(log *logrus.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// New creates (if necessary) and opens the local cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("local: cache dir is empty")
	}
	c := &Cache{
		root: dir,
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(dir, fileutil.DirPerm); err != nil {
		return nil, fmt.Errorf("local: create cache root: %w", err)
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Lookup returns the entry stored under hash, or (nil, nil, nil) on a miss.
// On a hit the shard lock is returned still held, so the caller can
// materialize payload files without racing eviction; the caller must
// Release it. Corrupt entries are removed and reported as a miss.
func (c *Cache) Lookup(h hasher.Hash) (*codec.Entry, *lock.Lock, error) {
	lk, err := c.lockShard(c.shardDir(h))
	if err != nil {
		return nil, nil, err
	}

	dir := c.entryDir(h)
	if _, err := os.Stat(filepath.Join(dir, codec.MetaFileName)); err != nil {
		_ = lk.Release()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("local: stat entry %s: %w", h, err)
	}

	entry, err := c.readEntry(dir)
	if err != nil {
		c.log.WithField("hash", h).WithError(err).Warn("Removing corrupt cache entry")
		_ = os.RemoveAll(dir)
		_ = lk.Release()
		return nil, nil, nil
	}

	// Approximate LRU: a hit refreshes the entry directory's mtime.
	now := time.Now()
	_ = os.Chtimes(dir, now, now)

	return entry, lk, nil
}

// GetFile materializes the payload for one file id of the entry stored
// under hash at target. The caller must hold the shard lock returned by
// Lookup. Hard links are used only for uncompressed payloads on the same
// filesystem.
func (c *Cache) GetFile(h hasher.Hash, id, target string, compressed, hardLinks bool) error {
	src := codec.PayloadPath(c.entryDir(h), id, compressionMode(compressed))
	if err := codec.MaterializeFile(src, target, compressed, hardLinks); err != nil {
		return fmt.Errorf("local: retrieve %s of %s: %w", id, h, err)
	}
	return nil
}

// Add installs an entry under hash. Payload files are read from the
// expected files' target paths (where the tool just wrote them), staged in
// a scratch directory, and renamed into place under the shard lock. Losing
// an install race to another process is not an error. After the install the
// shard is evicted down to its share of the size budget.
//
// The entry's compression mode is decided by this cache's policy, not by
// the mode of the entry passed in.
func (c *Cache) Add(h hasher.Hash, entry *codec.Entry, expected map[string]codec.ExpectedFile, allowHardLinks bool) error {
	shardDir := c.shardDir(h)
	if err := os.MkdirAll(shardDir, fileutil.DirPerm); err != nil {
		return fmt.Errorf("local: create shard: %w", err)
	}

	mode := compressionMode(c.compress)

	// Stage outside the lock; only the rename needs mutual exclusion.
	scratch := filepath.Join(shardDir, h.Rest()+"."+uuid.NewString())
	if err := os.Mkdir(scratch, fileutil.DirPerm); err != nil {
		return fmt.Errorf("local: create scratch dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(scratch)
		}
	}()

	stored := &codec.Entry{
		Stdout:   entry.Stdout,
		Stderr:   entry.Stderr,
		ExitCode: entry.ExitCode,
		Mode:     mode,
	}
	for _, id := range entry.FileIDs {
		ef, ok := expected[id]
		if !ok {
			return fmt.Errorf("local: no expected file for id %q", id)
		}
		if _, err := os.Stat(ef.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) && !ef.Required {
				continue
			}
			return fmt.Errorf("%w: %s (%s)", ErrMissingFile, id, ef.Path)
		}
		if err := c.stagePayload(scratch, id, ef.Path, mode, allowHardLinks); err != nil {
			return err
		}
		stored.FileIDs = append(stored.FileIDs, id)
	}

	meta, err := codec.EncodeMeta(stored)
	if err != nil {
		return fmt.Errorf("local: encode meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, codec.MetaFileName), meta, fileutil.FilePerm); err != nil {
		return fmt.Errorf("local: write meta: %w", err)
	}

	lk, err := c.lockShard(shardDir)
	if err != nil {
		return err
	}
	defer lk.Release()

	dir := c.entryDir(h)
	if err := os.Rename(scratch, dir); err != nil {
		if _, statErr := os.Stat(filepath.Join(dir, codec.MetaFileName)); statErr != nil {
			return fmt.Errorf("local: install entry %s: %w", h, err)
		}
		// Another process installed the same hash first; the deferred
		// cleanup drops our image.
		c.log.WithField("hash", h).Debug("Lost install race, keeping existing entry")
	} else {
		committed = true
	}

	evicted, err := c.evictShard(shardDir, h.Rest())
	if err != nil {
		c.log.WithField("shard", filepath.Base(shardDir)).WithError(err).Warn("Eviction pass failed")
	}
	if evicted > 0 {
		c.bumpStatsLocked(shardDir, Stats{Evictions: evicted})
	}
	return nil
}

// Clear removes all cache entries, manifests and statistics, keeping the
// configuration file. Shards are cleared concurrently, each under its own
// lock.
func (c *Cache) Clear() error {
	var g errgroup.Group
	g.SetLimit(8)

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("local: read cache root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == directDirName {
			continue
		}
		shardDir := filepath.Join(c.root, e.Name())
		g.Go(func() error {
			return c.clearShard(shardDir)
		})
	}

	directShards, err := os.ReadDir(filepath.Join(c.root, directDirName))
	if err == nil {
		for _, e := range directShards {
			if !e.IsDir() {
				continue
			}
			shardDir := filepath.Join(c.root, directDirName, e.Name())
			g.Go(func() error {
				return c.clearShard(shardDir)
			})
		}
	}

	return g.Wait()
}

// Usage walks the store and returns the total size in bytes of all entries
// and manifests, and the number of cache entries.
func (c *Cache) Usage() (size int64, entries int, err error) {
	dirs, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("local: read cache root: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		n, err := fileutil.DirSize(filepath.Join(c.root, d.Name()))
		if err != nil {
			return 0, 0, err
		}
		size += n
		if d.Name() == directDirName {
			continue
		}
		shardEntries, err := os.ReadDir(filepath.Join(c.root, d.Name()))
		if err != nil {
			return 0, 0, err
		}
		for _, se := range shardEntries {
			if se.IsDir() && isEntryName(se.Name()) {
				entries++
			}
		}
	}
	return size, entries, nil
}

func (c *Cache) clearShard(shardDir string) error {
	lk, err := c.lockShard(shardDir)
	if err != nil {
		return err
	}
	defer lk.Release()

	entries, err := os.ReadDir(shardDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(shardDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// readEntry parses an entry directory and verifies every declared payload
// file is present.
func (c *Cache) readEntry(dir string) (*codec.Entry, error) {
	entry, err := codec.ReadMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	for _, id := range entry.FileIDs {
		if _, err := os.Stat(codec.PayloadPath(dir, id, entry.Mode)); err != nil {
			return nil, fmt.Errorf("%w: payload %s missing", ErrCorruptEntry, id)
		}
	}
	return entry, nil
}

func (c *Cache) stagePayload(scratch, id, src string, mode codec.Compression, allowHardLinks bool) error {
	if mode == codec.CompressionNone && allowHardLinks && fileutil.SameDevice(src, scratch) {
		if err := fileutil.LinkOrCopy(src, codec.PayloadPath(scratch, id, mode)); err != nil {
			return fmt.Errorf("local: stage %s: %w", id, err)
		}
		return nil
	}
	if err := codec.WritePayload(scratch, id, src, mode); err != nil {
		return fmt.Errorf("local: stage %s: %w", id, err)
	}
	return nil
}

func (c *Cache) shardDir(h hasher.Hash) string {
	return filepath.Join(c.root, h.Shard())
}

func (c *Cache) entryDir(h hasher.Hash) string {
	return filepath.Join(c.shardDir(h), h.Rest())
}

// lockShard takes the exclusive lock for a shard directory, creating the
// directory if needed.
func (c *Cache) lockShard(shardDir string) (*lock.Lock, error) {
	if err := os.MkdirAll(shardDir, fileutil.DirPerm); err != nil {
		return nil, fmt.Errorf("local: create shard: %w", err)
	}
	var opts []lock.Option
	if c.localLocks {
		opts = append(opts, lock.WithLocal())
	}
	lk, err := lock.Acquire(filepath.Join(shardDir, lockFileName), opts...)
	if err != nil {
		return nil, err
	}
	return lk, nil
}

// isEntryName reports whether a directory entry name is a (rest-of-)hash,
// as opposed to a lock file, stats file or scratch directory.
func isEntryName(name string) bool {
	if len(name) != hasher.HexLen-2 {
		return false
	}
	for _, r := range name {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func compressionMode(compress bool) codec.Compression {
	if compress {
		return codec.CompressionAll
	}
	return codec.CompressionNone
}
