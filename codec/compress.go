package codec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/benoit-pierre/buildcache/internal/fileutil"
)

// WritePayload stages the file at src as the payload for id inside dir,
// compressing it when mode is CompressionAll. Streams; never buffers the
// whole file.
func WritePayload(dir, id, src string, mode Compression) error {
	dst := PayloadPath(dir, id, mode)
	if mode == CompressionNone {
		return fileutil.Copy(src, dst)
	}
	return compressFile(src, dst)
}

// MaterializeFile installs the payload at src at target. Compressed payloads
// are streamed through the decoder. Uncompressed payloads are hard-linked
// when hardLink is set and both paths are on the same filesystem, and copied
// otherwise.
func MaterializeFile(src, target string, compressed, hardLink bool) error {
	if compressed {
		return decompressFile(src, target)
	}
	if hardLink && fileutil.SameDevice(src, filepath.Dir(target)) {
		return fileutil.LinkOrCopy(src, target)
	}
	return fileutil.Copy(src, target)
}

// Compress returns the zstd-compressed form of data. Used for payloads bound
// for the remote tier, which always stores compressed.
func Compress(data []byte) ([]byte, error) {
	enc, err := newEncoder(nil)
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(data, nil)
	_ = enc.Close()
	return out, nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := newDecoder(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileutil.FilePerm)
	if err != nil {
		return err
	}

	enc, err := newEncoder(out)
	if err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func decompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := newDecoder(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileutil.FilePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out.Close()
}

// One invocation caches at most one entry, so single-goroutine low-memory
// coders keep the footprint bounded by a single file's window.
func newEncoder(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
}

func newDecoder(r io.Reader) (*zstd.Decoder, error) {
	return zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
}
