// Package remote defines the optional network-backed cache tier and its
// Redis implementation.
//
// The remote tier mirrors the local cache's logical interface minus
// eviction: the backend owns its own retention story. Payloads are always
// stored compressed. The engine treats every remote failure as a warning
// and degrades to local-only operation, so a broken or unreachable backend
// can never fail a build.
package remote

import (
	"context"
	"errors"

	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/hasher"
)

// Sentinel errors.
var (
	// ErrUnavailable is returned when the backend is not connected or an
	// operation against it fails.
	ErrUnavailable = errors.New("remote: backend unavailable")

	// ErrCorruptEntry is returned when a remote entry is missing payloads
	// or cannot be decoded.
	ErrCorruptEntry = errors.New("remote: corrupt cache entry")
)

// Cache is a remote cache backend.
//
// Connect is lazy and idempotent; it reports whether the backend is usable
// rather than failing, and implementations must make it cheap to call
// again after a failure. All other methods require a successful Connect.
type Cache interface {
	// Connect establishes the backend connection if not already up.
	Connect(ctx context.Context) bool

	// IsConnected reports whether the backend is usable.
	IsConnected() bool

	// Lookup fetches the entry metadata stored under hash, or (nil, nil)
	// on a miss.
	Lookup(ctx context.Context, h hasher.Hash) (*codec.Entry, error)

	// GetFile materializes the payload for one file id of the entry stored
	// under hash at target, decompressing it.
	GetFile(ctx context.Context, h hasher.Hash, id, target string) error

	// Add installs an entry under hash, reading payload bytes from the
	// expected files' paths and storing them compressed. Implementations
	// configured read-only silently skip the insert.
	Add(ctx context.Context, h hasher.Hash, entry *codec.Entry, expected map[string]codec.ExpectedFile) error
}
