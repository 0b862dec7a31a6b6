// Package buildcache implements a compiler-invocation cache: a transparent
// accelerator placed in front of command-line build tools that memoizes
// their outputs keyed by a fingerprint of their inputs.
//
// The engine orchestrates a two-tier store. Lookups try the local on-disk
// cache first and fall back to an optional remote backend; remote hits are
// promoted into the local cache so subsequent builds avoid the network.
// Inserts are admitted by size against per-tier ceilings. A direct-mode
// shortcut keyed by the raw (unpreprocessed) inputs avoids running the
// tool's preprocessor when the recorded implicit inputs are unchanged.
//
// The engine never fails a build. Every error during a lookup degrades to
// a cache miss, and every error during an insert degrades to a warning, so
// a broken cache at worst causes the wrapped tool to run for real. The
// retrieval path is deliberately conservative (hash-keyed, file-id-matched,
// atomically installed) so that a wrong build can never be materialized
// silently.
//
// # Quick start
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	cache, err := buildcache.New(cfg)
//	if err != nil {
//	    return err
//	}
//	hit, code := cache.Lookup(hash, expected, buildcache.LookupOptions{})
//	if !hit {
//	    // run the tool, then:
//	    cache.Add(hash, entry, expected, false)
//	}
//
// Subpackages: hasher (fingerprints), lock (cross-process scoped locks),
// codec (on-disk entry and manifest formats), local and remote (the two
// store tiers), config (configuration), wrapper (the tool-wrapper
// contract).
package buildcache
