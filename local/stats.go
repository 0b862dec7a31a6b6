package local

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/benoit-pierre/buildcache/hasher"
	"github.com/benoit-pierre/buildcache/internal/fileutil"
)

// Stats is a set of cache counters. Counters are kept per shard (the shard
// is picked by the prefix of the hash an event concerns) to avoid a single
// global contention point; aggregate with Add.
type Stats struct {
	DirectHits   int64 `json:"direct_hits"`
	DirectMisses int64 `json:"direct_misses"`
	LocalHits    int64 `json:"local_hits"`
	RemoteHits   int64 `json:"remote_hits"`
	RemoteMisses int64 `json:"remote_misses"`
	Evictions    int64 `json:"evictions"`
}

// Add returns the element-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		DirectHits:   s.DirectHits + o.DirectHits,
		DirectMisses: s.DirectMisses + o.DirectMisses,
		LocalHits:    s.LocalHits + o.LocalHits,
		RemoteHits:   s.RemoteHits + o.RemoteHits,
		RemoteMisses: s.RemoteMisses + o.RemoteMisses,
		Evictions:    s.Evictions + o.Evictions,
	}
}

// Convenience deltas.

func DirectHit() Stats  { return Stats{DirectHits: 1} }
func DirectMiss() Stats { return Stats{DirectMisses: 1} }
func LocalHit() Stats   { return Stats{LocalHits: 1} }
func RemoteHit() Stats  { return Stats{RemoteHits: 1} }
func RemoteMiss() Stats { return Stats{RemoteMisses: 1} }

// UpdateStats adds delta to the counters of the shard named by the hash's
// prefix, under the shard lock.
func (c *Cache) UpdateStats(h hasher.Hash, delta Stats) error {
	shardDir := c.shardDir(h)
	lk, err := c.lockShard(shardDir)
	if err != nil {
		return err
	}
	defer lk.Release()
	c.bumpStatsLocked(shardDir, delta)
	return nil
}

// TotalStats aggregates the counters of all shards.
func (c *Cache) TotalStats() (Stats, error) {
	var total Stats
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return total, nil
		}
		return total, err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == directDirName {
			continue
		}
		s, err := readStatsFile(filepath.Join(c.root, e.Name(), statsFileName))
		if err != nil {
			continue
		}
		total = total.Add(s)
	}
	return total, nil
}

// bumpStatsLocked performs the read-modify-write of a shard's stats file.
// The shard lock must be held. Failures are logged, never propagated: stats
// are diagnostics, not data.
func (c *Cache) bumpStatsLocked(shardDir string, delta Stats) {
	path := filepath.Join(shardDir, statsFileName)
	current, err := readStatsFile(path)
	if err != nil {
		c.log.WithField("shard", filepath.Base(shardDir)).WithError(err).Warn("Resetting unreadable stats file")
		current = Stats{}
	}
	data, err := json.Marshal(current.Add(delta))
	if err != nil {
		return
	}
	if err := fileutil.WriteFileAtomic(path, data); err != nil {
		c.log.WithField("shard", filepath.Base(shardDir)).WithError(err).Warn("Failed to update stats")
	}
}

func readStatsFile(path string) (Stats, error) {
	var s Stats
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Stats{}, err
	}
	return s, nil
}
