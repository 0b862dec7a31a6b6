// Package codec defines the on-disk forms of a cache entry and of a
// direct-mode manifest, and the payload compression used by both cache
// tiers.
//
// An entry on disk is a directory holding a `meta` record plus one payload
// file per file id. The meta record is a little-endian, length-prefixed
// binary format; see the encoding in meta.go. Payload files are stored
// verbatim (compression NONE) or individually zstd-compressed (compression
// ALL). Captured stdout/stderr live inside the meta record and are never
// compressed.
package codec

import (
	"errors"
	"path/filepath"
)

// Sentinel errors.
var (
	// ErrCorrupt is returned when a meta record or manifest cannot be
	// parsed, or when a compressed payload cannot be decompressed.
	ErrCorrupt = errors.New("codec: corrupt record")

	// ErrUnknownVersion is returned when a record carries a version this
	// reader does not understand. It is a kind of corruption: callers treat
	// the entry as a miss and remove it.
	ErrUnknownVersion = errors.New("codec: unknown record version")
)

// Compression is the payload compression mode of a cache entry.
type Compression uint8

const (
	// CompressionNone stores payload files verbatim.
	CompressionNone Compression = 0

	// CompressionAll stores every payload file independently
	// zstd-compressed.
	CompressionAll Compression = 1
)

// compressedSuffix is appended to payload file names under CompressionAll.
const compressedSuffix = ".zst"

// MetaFileName is the name of the metadata record inside an entry directory.
const MetaFileName = "meta"

// Entry is the decoded form of a cache entry: the ordered file ids of its
// payload, the captured standard streams, the tool's exit code, and the
// payload compression mode.
//
// Entries are immutable once committed to the store.
type Entry struct {
	FileIDs  []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Mode     Compression
}

// ExpectedFile describes a declared output of the wrapped tool: where the
// file lives (or must be materialized) on the caller's filesystem, and
// whether its absence at insert time is an error.
type ExpectedFile struct {
	Path     string
	Required bool
}

// HasFile reports whether the entry carries a payload for the given id.
func (e *Entry) HasFile(id string) bool {
	for _, fid := range e.FileIDs {
		if fid == id {
			return true
		}
	}
	return false
}

// PayloadPath returns the path of the payload file for id inside an entry
// directory, accounting for the compression suffix.
func PayloadPath(dir, id string, mode Compression) string {
	name := id
	if mode == CompressionAll {
		name += compressedSuffix
	}
	return filepath.Join(dir, name)
}
