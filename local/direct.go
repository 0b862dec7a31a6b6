package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/hasher"
	"github.com/benoit-pierre/buildcache/internal/fileutil"
)

// LookupDirect returns the direct-mode manifest stored under directHash, or
// nil on a miss. A corrupt manifest is removed and reported as a miss.
func (c *Cache) LookupDirect(directHash hasher.Hash) (*codec.Manifest, error) {
	shardDir := c.directShardDir(directHash)
	lk, err := c.lockShard(shardDir)
	if err != nil {
		return nil, err
	}
	defer lk.Release()

	path := filepath.Join(shardDir, directHash.Rest())
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("local: read manifest %s: %w", directHash, err)
	}

	manifest, err := codec.DecodeManifest(data)
	if err != nil {
		c.log.WithField("direct_hash", directHash).WithError(err).Warn("Removing corrupt direct-mode manifest")
		_ = os.Remove(path)
		return nil, nil
	}
	return manifest, nil
}

// AddDirect stores (or overwrites) the direct-mode manifest for directHash.
// Manifests are rewritten whenever the implicit input set of a compilation
// changes.
func (c *Cache) AddDirect(directHash hasher.Hash, manifest *codec.Manifest) error {
	data, err := codec.EncodeManifest(manifest)
	if err != nil {
		return fmt.Errorf("local: encode manifest: %w", err)
	}

	shardDir := c.directShardDir(directHash)
	lk, err := c.lockShard(shardDir)
	if err != nil {
		return err
	}
	defer lk.Release()

	path := filepath.Join(shardDir, directHash.Rest())
	if err := fileutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("local: write manifest %s: %w", directHash, err)
	}
	return nil
}

func (c *Cache) directShardDir(h hasher.Hash) string {
	return filepath.Join(c.root, directDirName, h.Shard())
}
