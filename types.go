package buildcache

import (
	"errors"

	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/hasher"
	"github.com/benoit-pierre/buildcache/local"
)

// Re-export the shared vocabulary types for callers of the engine.
type (
	// Entry is a cache entry: payload file ids, captured streams, exit
	// code and compression mode.
	Entry = codec.Entry

	// ExpectedFile declares an output of the wrapped tool.
	ExpectedFile = codec.ExpectedFile

	// Hash is a content-addressed fingerprint in canonical lowercase-hex
	// form.
	Hash = hasher.Hash

	// Stats is a set of cache counters.
	Stats = local.Stats
)

// Re-export compression modes.
const (
	CompressionNone = codec.CompressionNone
	CompressionAll  = codec.CompressionAll
)

// ErrMismatch is returned internally when a cached entry lists a file id
// the caller did not declare. The lookup is treated as a miss; the entry is
// left in place because a caller with different expectations may
// legitimately use it.
var ErrMismatch = errors.New("buildcache: cached entry does not match expected files")
