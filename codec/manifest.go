package codec

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/benoit-pierre/buildcache/hasher"
)

// Manifest is a direct-mode manifest: the preprocessor-mode hash recorded by
// a previous successful run, plus the implicit input files observed during
// that run with their content hashes. A manifest matches only if every
// listed file still hashes to the recorded value.
type Manifest struct {
	Hash  hasher.Hash
	Files map[string]hasher.Hash
}

// Manifest record layout (all integers little-endian):
//
//	magic     4 bytes  "BCM\x00"
//	version   uint32
//	hash_len  uint32, hash bytes
//	n_files   uint32
//	per file: path_len uint32, path bytes, hash_len uint32, hash bytes
//
// Files are encoded in sorted path order so equal manifests are
// byte-identical.
var manifestMagic = [4]byte{'B', 'C', 'M', 0}

const manifestVersion = 1

// EncodeManifest serializes a direct-mode manifest.
func EncodeManifest(m *Manifest) ([]byte, error) {
	if !m.Hash.Valid() {
		return nil, fmt.Errorf("codec: invalid manifest hash %q", m.Hash)
	}

	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	buf.Write(manifestMagic[:])
	writeUint32(&buf, manifestVersion)
	writeBytes(&buf, []byte(m.Hash))
	writeUint32(&buf, uint32(len(paths)))
	for _, p := range paths {
		writeBytes(&buf, []byte(p))
		writeBytes(&buf, []byte(m.Files[p]))
	}
	return buf.Bytes(), nil
}

// DecodeManifest parses a direct-mode manifest. An unknown version yields
// ErrUnknownVersion; any other malformation yields ErrCorrupt.
func DecodeManifest(data []byte) (*Manifest, error) {
	r := &reader{data: data}

	var magic [4]byte
	if err := r.read(magic[:]); err != nil {
		return nil, err
	}
	if magic != manifestMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	version, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if version != manifestVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	rawHash, err := r.bytes()
	if err != nil {
		return nil, err
	}
	h := hasher.Hash(rawHash)
	if !h.Valid() {
		return nil, fmt.Errorf("%w: bad manifest hash", ErrCorrupt)
	}

	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.data)) {
		return nil, fmt.Errorf("%w: file count %d", ErrCorrupt, n)
	}
	files := make(map[string]hasher.Hash, n)
	for i := uint32(0); i < n; i++ {
		path, err := r.bytes()
		if err != nil {
			return nil, err
		}
		rawFileHash, err := r.bytes()
		if err != nil {
			return nil, err
		}
		fh := hasher.Hash(rawFileHash)
		if !fh.Valid() {
			return nil, fmt.Errorf("%w: bad file hash for %s", ErrCorrupt, path)
		}
		files[string(path)] = fh
	}
	if !r.empty() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}

	return &Manifest{Hash: h, Files: files}, nil
}
