// Package config loads and persists the cache configuration.
//
// Configuration lives in a human-readable key=value file named "config" at
// the cache root. Every key can be overridden through a BUILDCACHE_*
// environment variable (e.g. BUILDCACHE_MAX_CACHE_SIZE); the cache root
// itself comes from BUILDCACHE_DIR and defaults to ~/.buildcache.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// FileName is the name of the configuration file inside the cache root.
const FileName = "config"

// ErrInvalid is returned for malformed configuration values.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the resolved cache configuration.
type Config struct {
	// Dir is the cache root directory.
	Dir string

	// MaxCacheSize bounds the total size of the local cache in bytes.
	// 0 means unlimited.
	MaxCacheSize int64

	// MaxLocalEntrySize and MaxRemoteEntrySize are per-entry admission
	// ceilings for the respective tiers. 0 means unlimited.
	MaxLocalEntrySize  int64
	MaxRemoteEntrySize int64

	// Compress stores local payload files zstd-compressed.
	Compress bool

	// HardLinks allows hard-link retrieval of uncompressed payloads.
	HardLinks bool

	// DirectMode enables the direct-mode shortcut for wrappers that
	// support it.
	DirectMode bool

	// Disable bypasses the cache entirely: the wrapped tool always runs.
	Disable bool

	// ReadOnlyRemote suppresses inserts into the remote cache.
	ReadOnlyRemote bool

	// RemoteURL selects the remote cache backend (e.g.
	// "redis://host:6379/0"). Empty disables the remote tier.
	RemoteURL string

	// RemoteTimeout bounds each remote cache operation.
	RemoteTimeout time.Duration

	// LocalLocks uses machine-local lock objects instead of lock files on
	// the cache filesystem. Only safe when the cache is not on a network
	// share.
	LocalLocks bool

	// LogLevel and LogFile configure diagnostic output.
	LogLevel string
	LogFile  string
}

// DefaultDir returns the cache root: $BUILDCACHE_DIR if set, otherwise
// ~/.buildcache.
func DefaultDir() string {
	if dir := os.Getenv("BUILDCACHE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".buildcache"
	}
	return filepath.Join(home, ".buildcache")
}

// Load resolves the configuration for the default cache root.
func Load() (*Config, error) {
	return LoadDir(DefaultDir())
}

// LoadDir resolves the configuration for the given cache root, layering
// environment overrides on top of the root's config file on top of the
// defaults. A missing config file is not an error.
func LoadDir(dir string) (*Config, error) {
	v := newViper(dir)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	}

	cfg := &Config{
		Dir:        dir,
		Compress:   v.GetBool("compress"),
		HardLinks:  v.GetBool("hard_links"),
		DirectMode: v.GetBool("direct_mode"),
		Disable:    v.GetBool("disable"),

		ReadOnlyRemote: v.GetBool("read_only_remote"),
		RemoteURL:      v.GetString("remote"),
		RemoteTimeout:  time.Duration(v.GetInt("remote_timeout")) * time.Second,

		LocalLocks: v.GetBool("local_locks"),
		LogLevel:   v.GetString("log_level"),
		LogFile:    v.GetString("log_file"),
	}

	var err error
	if cfg.MaxCacheSize, err = sizeKey(v, "max_cache_size"); err != nil {
		return nil, err
	}
	if cfg.MaxLocalEntrySize, err = sizeKey(v, "max_local_entry_size"); err != nil {
		return nil, err
	}
	if cfg.MaxRemoteEntrySize, err = sizeKey(v, "max_remote_entry_size"); err != nil {
		return nil, err
	}
	if cfg.RemoteTimeout < 0 {
		return nil, fmt.Errorf("%w: negative remote_timeout", ErrInvalid)
	}
	return cfg, nil
}

// Path returns the configuration file path for the cache root.
func (c *Config) Path() string {
	return filepath.Join(c.Dir, FileName)
}

// SetMaxSize persists a new max_cache_size to the cache root's config file,
// preserving any other keys already in it.
func SetMaxSize(dir string, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative max_cache_size", ErrInvalid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create cache dir: %w", err)
	}

	// A fresh viper without defaults or env bindings, so only keys that are
	// really in the file get written back.
	path := filepath.Join(dir, FileName)
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	v.Set("max_cache_size", fmt.Sprintf("%d", size))
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func newViper(dir string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dir, FileName))
	v.SetConfigType("properties")
	v.SetEnvPrefix("BUILDCACHE")
	v.AutomaticEnv()

	v.SetDefault("max_cache_size", "5G")
	v.SetDefault("max_local_entry_size", "0")
	v.SetDefault("max_remote_entry_size", "0")
	v.SetDefault("compress", false)
	v.SetDefault("hard_links", false)
	v.SetDefault("direct_mode", false)
	v.SetDefault("disable", false)
	v.SetDefault("read_only_remote", false)
	v.SetDefault("remote", "")
	v.SetDefault("remote_timeout", 10)
	v.SetDefault("local_locks", false)
	v.SetDefault("log_level", "warning")
	v.SetDefault("log_file", "")
	return v
}

func sizeKey(v *viper.Viper, key string) (int64, error) {
	n, err := parseSizeBytes(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("%w (%s)", err, key)
	}
	return n, nil
}
