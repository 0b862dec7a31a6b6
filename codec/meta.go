package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Meta record layout (all integers little-endian):
//
//	magic            4 bytes  "BCE\x00"
//	version          uint32
//	compression_mode uint8
//	return_code      int32
//	stdout_len       uint32, stdout bytes
//	stderr_len       uint32, stderr bytes
//	n_files          uint32
//	per file: id_len uint32, id bytes
var metaMagic = [4]byte{'B', 'C', 'E', 0}

const metaVersion = 1

// EncodeMeta serializes an entry's metadata record.
func EncodeMeta(e *Entry) ([]byte, error) {
	if uint64(len(e.Stdout)) > math.MaxUint32 || uint64(len(e.Stderr)) > math.MaxUint32 {
		return nil, fmt.Errorf("codec: captured stream too large")
	}

	var buf bytes.Buffer
	buf.Write(metaMagic[:])
	writeUint32(&buf, metaVersion)
	buf.WriteByte(byte(e.Mode))
	writeUint32(&buf, uint32(int32(e.ExitCode)))
	writeBytes(&buf, e.Stdout)
	writeBytes(&buf, e.Stderr)
	writeUint32(&buf, uint32(len(e.FileIDs)))
	for _, id := range e.FileIDs {
		writeBytes(&buf, []byte(id))
	}
	return buf.Bytes(), nil
}

// DecodeMeta parses an entry's metadata record. Unknown magic or version,
// or any truncation, yields ErrCorrupt (or ErrUnknownVersion, which callers
// treat the same way).
func DecodeMeta(data []byte) (*Entry, error) {
	r := &reader{data: data}

	var magic [4]byte
	if err := r.read(magic[:]); err != nil {
		return nil, err
	}
	if magic != metaMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	version, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if version != metaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	mode, err := r.byte()
	if err != nil {
		return nil, err
	}
	if Compression(mode) != CompressionNone && Compression(mode) != CompressionAll {
		return nil, fmt.Errorf("%w: bad compression mode %d", ErrCorrupt, mode)
	}
	code, err := r.uint32()
	if err != nil {
		return nil, err
	}
	stdout, err := r.bytes()
	if err != nil {
		return nil, err
	}
	stderr, err := r.bytes()
	if err != nil {
		return nil, err
	}
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.data)) {
		return nil, fmt.Errorf("%w: file count %d", ErrCorrupt, n)
	}
	ids := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := r.bytes()
		if err != nil {
			return nil, err
		}
		ids = append(ids, string(id))
	}
	if !r.empty() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}

	return &Entry{
		FileIDs:  ids,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: int(int32(code)),
		Mode:     Compression(mode),
	}, nil
}

// ReadMeta reads and parses the meta record inside an entry directory.
func ReadMeta(dir string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, err
	}
	return DecodeMeta(data)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, p []byte) {
	writeUint32(buf, uint32(len(p)))
	buf.Write(p)
}

// reader consumes a meta record, turning every short read into ErrCorrupt.
type reader struct {
	data []byte
}

func (r *reader) read(p []byte) error {
	if len(r.data) < len(p) {
		return fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	copy(p, r.data[:len(p)])
	r.data = r.data[len(p):]
	return nil
}

func (r *reader) byte() (byte, error) {
	var b [1]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint32() (uint32, error) {
	var b [4]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.data)) {
		return nil, fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	out := make([]byte, n)
	copy(out, r.data[:n])
	r.data = r.data[n:]
	return out, nil
}

func (r *reader) empty() bool {
	return len(r.data) == 0
}
