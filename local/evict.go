package local

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/benoit-pierre/buildcache/internal/fileutil"
)

type evictCandidate struct {
	name    string
	size    int64
	modTime time.Time
}

// evictShard removes least-recently-used entries from a shard until its
// size fits within the shard's share of the global budget. The entry named
// by keep (the one just installed) is never removed, so the store can
// transiently exceed the budget by at most one in-flight entry. Must be
// called with the shard lock held.
//
// LRU is approximated by entry-directory mtime (refreshed on every hit);
// ties break by name so the order is deterministic.
func (c *Cache) evictShard(shardDir, keep string) (int64, error) {
	if c.maxSize <= 0 {
		return 0, nil
	}
	budget := c.maxSize / numShards

	dirEntries, err := os.ReadDir(shardDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var total int64
	candidates := make([]evictCandidate, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() || !isEntryName(de.Name()) {
			continue
		}
		size, err := fileutil.DirSize(filepath.Join(shardDir, de.Name()))
		if err != nil {
			return 0, err
		}
		info, err := de.Info()
		if err != nil {
			return 0, err
		}
		total += size
		if de.Name() == keep {
			continue
		}
		candidates = append(candidates, evictCandidate{
			name:    de.Name(),
			size:    size,
			modTime: info.ModTime(),
		})
	}
	if total <= budget {
		return 0, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].name < candidates[j].name
		}
		return candidates[i].modTime.Before(candidates[j].modTime)
	})

	var evicted int64
	for _, cand := range candidates {
		if total <= budget {
			break
		}
		if err := os.RemoveAll(filepath.Join(shardDir, cand.name)); err != nil {
			return evicted, err
		}
		total -= cand.size
		evicted++
	}
	return evicted, nil
}
