// Package lock provides a scoped cross-process exclusive lock bound to a
// filesystem path. It serializes mutations of shared cache directories
// between concurrent build processes.
//
// Two backends are available. The remote backend (the default) places the
// lock file on the filesystem being protected, so that access to network
// shares is serialized correctly across machines. The local backend keeps
// the lock object under the OS temporary directory, which can be cheaper but
// only synchronizes processes on the same machine. Do not mix backends for
// the same path: they live in different namespaces and are unaware of each
// other.
//
// Both backends use advisory kernel locks, so a lock held by a process that
// dies is released by the kernel rather than stranded on disk.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/benoit-pierre/buildcache/hasher"
)

// ErrNotHeld is returned when a try-mode acquisition finds the lock taken.
var ErrNotHeld = errors.New("lock: not held")

// localLockDir is where the local backend keeps its lock files: one
// directory per user under the OS temporary directory.
var localLockDir = filepath.Join(os.TempDir(), fmt.Sprintf("buildcache-locks-%d", os.Getuid()))

// Option configures an acquisition.
type Option func(*options)

type options struct {
	local bool
	try   bool
}

// WithLocal selects the local backend: the lock object lives under the OS
// temporary directory instead of next to the protected path.
func WithLocal() Option {
	return func(o *options) {
		o.local = true
	}
}

// WithTry makes the acquisition non-blocking. If the lock is already taken
// the returned Lock is unheld and the error is ErrNotHeld.
func WithTry() Option {
	return func(o *options) {
		o.try = true
	}
}

// Lock is a held (or, in try mode, possibly unheld) scoped lock. A Lock is
// owned by the goroutine that acquired it and must be released exactly once;
// Release is idempotent.
type Lock struct {
	fl   *flock.Flock
	held bool
}

// Acquire takes the exclusive lock for path. path should name the lock file
// itself (conventionally a ".lock" entry inside the protected directory);
// the file is created if needed and is left behind after release.
//
// In blocking mode Acquire waits until the lock is free. In try mode it
// returns immediately; check Held, or compare the error against ErrNotHeld.
func Acquire(path string, opts ...Option) (*Lock, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	target := path
	if o.local {
		// Key the temp-dir lock file by a digest of the protected path so
		// distinct paths never collide and long paths stay representable.
		h := hasher.New()
		h.UpdateString(absOrSelf(path))
		target = filepath.Join(localLockDir, h.Final().String())
		if err := os.MkdirAll(localLockDir, 0o700); err != nil {
			return nil, fmt.Errorf("lock: create lock dir: %w", err)
		}
	}

	fl := flock.New(target)
	if o.try {
		ok, err := fl.TryLock()
		if err != nil {
			return &Lock{fl: fl}, fmt.Errorf("lock: try %s: %w", path, ErrNotHeld)
		}
		if !ok {
			return &Lock{fl: fl}, ErrNotHeld
		}
		return &Lock{fl: fl, held: true}, nil
	}

	if err := fl.Lock(); err != nil {
		return &Lock{fl: fl}, fmt.Errorf("lock: acquire %s: %w", path, err)
	}
	return &Lock{fl: fl, held: true}, nil
}

// Held reports whether the lock was acquired. It can be false only for
// try-mode acquisitions.
func (l *Lock) Held() bool {
	return l != nil && l.held
}

// Release drops the lock. Releasing an unheld or already-released lock is a
// no-op.
func (l *Lock) Release() error {
	if l == nil || !l.held {
		return nil
	}
	l.held = false
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("lock: release %s: %w", l.fl.Path(), err)
	}
	return nil
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
