// Package fileutil provides the small filesystem primitives shared by the
// cache stores: streamed copies, hard-link-or-copy installs, atomic file
// writes, and directory size accounting.
package fileutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// DirPerm is the permission used for cache directories.
	DirPerm = 0o755

	// FilePerm is the permission used for cache files.
	FilePerm = 0o644
)

// Copy copies src to dst, streaming through a fixed buffer. dst is truncated
// if it already exists.
func Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// LinkOrCopy installs src at dst as a hard link when the filesystem allows
// it, falling back to a streamed copy (e.g. across devices). Any existing
// file at dst is replaced.
func LinkOrCopy(src, dst string) error {
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return Copy(src, dst)
}

// WriteFileAtomic writes data to path via a sibling temp file and rename, so
// readers observe either the old content or the new content, never a partial
// write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// FileSize returns the size of the regular file at path.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// DirSize returns the total size of all regular files under root. A missing
// root counts as empty.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

// SameDevice reports whether the two paths live on the same filesystem, as
// far as hard links are concerned. Both paths must exist; for a
// not-yet-created target, pass its parent directory.
func SameDevice(a, b string) bool {
	return sameDevice(a, b)
}
