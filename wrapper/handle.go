package wrapper

import (
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/benoit-pierre/buildcache"
	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/config"
	"github.com/benoit-pierre/buildcache/hasher"
)

// HandleCommand runs one wrapped invocation through the cache: fingerprint,
// direct-mode shortcut, two-tier lookup, run-on-miss, insert. args is the
// full command line, tool executable first.
//
// The returned wrapped flag reports whether the invocation was handled; on
// false the caller must fall back to executing the command unmodified. When
// wrapped is true the returned code is the tool's exit code, whether the
// result came from the cache or from a real run.
func HandleCommand(c *buildcache.Cache, cfg *config.Config, w Wrapper, args []string) (wrapped bool, exitCode int) {
	log := logrus.StandardLogger()

	if err := w.ResolveArgs(); err != nil {
		log.WithError(err).Debug("Resolving arguments failed")
		return false, 1
	}

	caps := parseCapabilities(w.Capabilities())
	opts := buildcache.LookupOptions{
		AllowHardLinks:   cfg.HardLinks && caps.hardLinks,
		CreateTargetDirs: caps.createTargetDirs,
	}

	expected, err := w.BuildFiles()
	if err != nil {
		log.WithError(err).Debug("Getting build files failed")
		return false, 1
	}
	if len(expected) == 0 {
		// Nothing to cache for this command.
		return false, 1
	}

	// Direct mode: key on the raw sources, skipping the preprocessor when
	// the recorded implicit inputs are unchanged.
	var directHash hasher.Hash
	useDirect := cfg.DirectMode && caps.directMode
	if useDirect {
		directHash, err = directHashFor(w)
		if err != nil {
			log.WithError(err).Debug("Direct mode hash failed")
			useDirect = false
		} else if hit, code := c.LookupDirect(directHash, expected, opts); hit {
			return true, code
		}
	}

	hash, err := preprocessorHashFor(w)
	if err != nil {
		log.WithError(err).Debug("Fingerprinting failed")
		return false, 1
	}

	if hit, code := c.Lookup(hash, expected, opts); hit {
		return true, code
	}
	log.WithField("hash", hash).Debug("Cache miss")

	// Run the actual command to produce the build files.
	result, err := Run(args)
	if err != nil {
		log.WithError(err).Debug("Running command failed")
		return false, 1
	}

	// Failed runs are not cached: that would risk caching intermittent
	// faults.
	if result.ExitCode == 0 {
		entry := &buildcache.Entry{
			FileIDs:  sortedIDs(expected),
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: result.ExitCode,
		}
		c.Add(hash, entry, expected, opts.AllowHardLinks)
		if useDirect {
			c.AddDirect(directHash, hash, w.ImplicitInputFiles())
		}
	}

	_, _ = os.Stdout.Write(result.Stdout)
	_, _ = os.Stderr.Write(result.Stderr)
	return true, result.ExitCode
}

// The fingerprint absorbs, in fixed order: the source (preprocessed or
// raw), the filtered argument list joined with spaces, the sorted relevant
// environment pairs, and the tool identity.

func preprocessorHashFor(w Wrapper) (hasher.Hash, error) {
	src, err := w.PreprocessSource()
	if err != nil {
		return "", err
	}
	h := hasher.New()
	h.UpdateString(src)
	return finishHash(h, w)
}

func directHashFor(w Wrapper) (hasher.Hash, error) {
	h := hasher.New()
	for _, path := range w.SourceFiles() {
		if err := h.UpdateFile(path); err != nil {
			return "", err
		}
	}
	return finishHash(h, w)
}

func finishHash(h *hasher.Hasher, w Wrapper) (hasher.Hash, error) {
	h.UpdateString(strings.Join(w.RelevantArguments(), " "))
	h.UpdateMap(w.RelevantEnvVars())
	id, err := w.ProgramID()
	if err != nil {
		return "", err
	}
	h.UpdateString(id)
	return h.Final(), nil
}

func sortedIDs(expected map[string]codec.ExpectedFile) []string {
	ids := make([]string, 0, len(expected))
	for id := range expected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
