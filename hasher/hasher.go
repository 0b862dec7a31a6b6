// Package hasher computes the content-addressed fingerprints that key the
// cache. A Hasher absorbs bytes in arbitrary chunks; two invocations that
// absorb the same total byte sequence produce the same Hash regardless of
// chunk boundaries. What gets absorbed, and in which order, is entirely the
// caller's business.
package hasher

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/opencontainers/go-digest"
)

// HexLen is the length of a Hash's canonical lowercase-hex form.
const HexLen = 64 // sha256

// Hash is the canonical lowercase-hex digest of a fingerprint. It is used
// directly as a filesystem key.
type Hash string

// Valid reports whether h is a well-formed lowercase-hex digest.
func (h Hash) Valid() bool {
	if len(h) != HexLen {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Shard returns the shard prefix of the hash (its first two hex characters).
func (h Hash) Shard() string {
	return string(h[:2])
}

// Rest returns the hash with the shard prefix stripped.
func (h Hash) Rest() string {
	return string(h[2:])
}

func (h Hash) String() string {
	return string(h)
}

// Hasher accumulates fingerprint input. The zero value is not usable; call
// New.
type Hasher struct {
	digester digest.Digester
}

// New returns an empty Hasher.
func New() *Hasher {
	return &Hasher{digester: digest.Canonical.Digester()}
}

// Update absorbs p into the running fingerprint.
func (h *Hasher) Update(p []byte) {
	_, _ = h.digester.Hash().Write(p)
}

// UpdateString absorbs s into the running fingerprint.
func (h *Hasher) UpdateString(s string) {
	_, _ = io.WriteString(h.digester.Hash(), s)
}

// UpdateMap absorbs the pairs of m in sorted key order, so the result does
// not depend on map iteration order.
func (h *Hasher) UpdateMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.UpdateString(k)
		h.UpdateString("=")
		h.UpdateString(m[k])
		h.UpdateString("\n")
	}
}

// UpdateFile absorbs the entire content of the file at path, streaming it
// rather than buffering it.
func (h *Hasher) UpdateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hash file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h.digester.Hash(), f); err != nil {
		return fmt.Errorf("hash file %s: %w", path, err)
	}
	return nil
}

// Final returns the accumulated fingerprint. The Hasher must not be updated
// afterwards.
func (h *Hasher) Final() Hash {
	return Hash(h.digester.Digest().Encoded())
}

// FileHash returns the fingerprint of a single file's content.
func FileHash(path string) (Hash, error) {
	h := New()
	if err := h.UpdateFile(path); err != nil {
		return "", err
	}
	return h.Final(), nil
}
