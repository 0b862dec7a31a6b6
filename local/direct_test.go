package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/hasher"
)

func TestDirectRoundTrip(t *testing.T) {
	c := newTestCache(t)

	dh := mkHash("1a", '1')
	manifest := &codec.Manifest{
		Hash: mkHash("1b", '2'),
		Files: map[string]hasher.Hash{
			"/src/hdr.h": mkHash("1c", '3'),
		},
	}
	require.NoError(t, c.AddDirect(dh, manifest))

	got, err := c.LookupDirect(dh)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, manifest.Hash, got.Hash)
	assert.Equal(t, manifest.Files, got.Files)
}

func TestDirectMiss(t *testing.T) {
	c := newTestCache(t)

	got, err := c.LookupDirect(mkHash("1d", '4'))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDirectOverwrite(t *testing.T) {
	c := newTestCache(t)

	dh := mkHash("1e", '5')
	require.NoError(t, c.AddDirect(dh, &codec.Manifest{
		Hash:  mkHash("1f", '6'),
		Files: map[string]hasher.Hash{"/src/a.h": mkHash("2a", '7')},
	}))

	// The implicit input set changed; the manifest is rewritten.
	updated := &codec.Manifest{
		Hash: mkHash("2b", '8'),
		Files: map[string]hasher.Hash{
			"/src/a.h": mkHash("2c", '9'),
			"/src/b.h": mkHash("2d", 'a'),
		},
	}
	require.NoError(t, c.AddDirect(dh, updated))

	got, err := c.LookupDirect(dh)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, updated.Hash, got.Hash)
	assert.Len(t, got.Files, 2)
}

func TestDirectRemovesCorruptManifest(t *testing.T) {
	c := newTestCache(t)

	dh := mkHash("2e", 'b')
	shardDir := c.directShardDir(dh)
	require.NoError(t, os.MkdirAll(shardDir, 0o755))
	path := filepath.Join(shardDir, dh.Rest())
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	got, err := c.LookupDirect(dh)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt manifest not removed")
}
