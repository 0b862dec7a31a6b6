package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/hasher"
	"github.com/benoit-pierre/buildcache/internal/fileutil"
)

const keyPrefix = "buildcache"

// Redis is a remote cache backed by a Redis server. Entries are stored as
// one metadata key plus one key per payload file:
//
//	buildcache:<hash>          meta record (compression mode ALL)
//	buildcache:<hash>:f:<id>   zstd-compressed payload
type Redis struct {
	opts     *redis.Options
	client   *redis.Client
	readOnly bool
	log      *logrus.Logger
}

// Interface compliance.
var _ Cache = (*Redis)(nil)

// RedisOption configures a Redis backend.
type RedisOption func(*Redis)

// WithReadOnly suppresses inserts; lookups still work.
func WithReadOnly(readOnly bool) RedisOption {
	return func(r *Redis) {
		r.readOnly = readOnly
	}
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(log *logrus.Logger) RedisOption {
	return func(r *Redis) {
		r.log = log
	}
}

// NewRedis creates a Redis backend for a redis:// URL. The connection is
// not established until Connect.
func NewRedis(rawURL string, opts ...RedisOption) (*Redis, error) {
	parsed, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse url: %w", err)
	}
	r := &Redis{
		opts: parsed,
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Connect dials the server and verifies it with a ping, retrying briefly.
// Idempotent; returns false (never an error) when the backend is down so
// the engine can degrade to local-only.
func (r *Redis) Connect(ctx context.Context) bool {
	if r.client != nil {
		return true
	}

	client := redis.NewClient(r.opts)
	err := retry.Do(
		func() error { return client.Ping(ctx).Err() },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		_ = client.Close()
		r.log.WithField("addr", r.opts.Addr).WithError(err).Warn("Remote cache unreachable")
		return false
	}
	r.client = client
	return true
}

// IsConnected reports whether Connect has succeeded.
func (r *Redis) IsConnected() bool {
	return r.client != nil
}

// Lookup fetches the meta record stored under hash.
func (r *Redis) Lookup(ctx context.Context, h hasher.Hash) (*codec.Entry, error) {
	if r.client == nil {
		return nil, ErrUnavailable
	}
	data, err := r.client.Get(ctx, metaKey(h)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	entry, err := codec.DecodeMeta(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return entry, nil
}

// GetFile fetches and decompresses one payload to target.
func (r *Redis) GetFile(ctx context.Context, h hasher.Hash, id, target string) error {
	if r.client == nil {
		return ErrUnavailable
	}
	data, err := r.client.Get(ctx, fileKey(h, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: payload %s missing", ErrCorruptEntry, id)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	raw, err := codec.Decompress(data)
	if err != nil {
		return fmt.Errorf("%w: payload %s: %v", ErrCorruptEntry, id, err)
	}
	if err := os.WriteFile(target, raw, fileutil.FilePerm); err != nil {
		return fmt.Errorf("remote: write %s: %w", target, err)
	}
	return nil
}

// Add stores an entry: every payload is read from its expected path,
// compressed and written together with the meta record in one pipeline.
func (r *Redis) Add(ctx context.Context, h hasher.Hash, entry *codec.Entry, expected map[string]codec.ExpectedFile) error {
	if r.client == nil {
		return ErrUnavailable
	}
	if r.readOnly {
		return nil
	}

	stored := &codec.Entry{
		Stdout:   entry.Stdout,
		Stderr:   entry.Stderr,
		ExitCode: entry.ExitCode,
		Mode:     codec.CompressionAll,
	}
	payloads := make(map[string][]byte)
	for _, id := range entry.FileIDs {
		ef, ok := expected[id]
		if !ok {
			return fmt.Errorf("remote: no expected file for id %q", id)
		}
		raw, err := os.ReadFile(ef.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && !ef.Required {
				continue
			}
			return fmt.Errorf("remote: read %s: %w", ef.Path, err)
		}
		compressed, err := codec.Compress(raw)
		if err != nil {
			return fmt.Errorf("remote: compress %s: %w", id, err)
		}
		payloads[id] = compressed
		stored.FileIDs = append(stored.FileIDs, id)
	}

	meta, err := codec.EncodeMeta(stored)
	if err != nil {
		return fmt.Errorf("remote: encode meta: %w", err)
	}

	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, data := range payloads {
			pipe.Set(ctx, fileKey(h, id), data, 0)
		}
		pipe.Set(ctx, metaKey(h), meta, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection. Safe to call when never connected.
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func metaKey(h hasher.Hash) string {
	return keyPrefix + ":" + h.String()
}

func fileKey(h hasher.Hash, id string) string {
	return keyPrefix + ":" + h.String() + ":f:" + id
}
