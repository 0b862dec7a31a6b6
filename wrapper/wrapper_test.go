package wrapper

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoit-pierre/buildcache"
	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/config"
)

// fakeTool is a Wrapper for a shell one-liner standing in for a compiler.
// Its "preprocessed source" and tool identity are fixed strings so the
// fingerprint is under test control.
type fakeTool struct {
	Base
	src      string
	outPath  string
	caps     []string
	sources  []string
	implicit []string
}

func (f *fakeTool) Capabilities() []string            { return f.caps }
func (f *fakeTool) SourceFiles() []string             { return f.sources }
func (f *fakeTool) PreprocessSource() (string, error) { return f.src, nil }
func (f *fakeTool) RelevantArguments() []string       { return []string{"-O2", "-c"} }
func (f *fakeTool) ProgramID() (string, error)        { return "fake-tool 1.0", nil }
func (f *fakeTool) ImplicitInputFiles() []string      { return f.implicit }
func (f *fakeTool) BuildFiles() (map[string]codec.ExpectedFile, error) {
	return map[string]codec.ExpectedFile{
		"object": {Path: f.outPath, Required: true},
	}, nil
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test drives /bin/sh")
	}
}

// toolCmd builds a shell command that logs each real run and writes the
// output file, so cached invocations are distinguishable from real ones.
func toolCmd(logPath, outPath, payload string) []string {
	script := "echo run >> " + logPath + " && printf '" + payload + "' > " + outPath
	return []string{"/bin/sh", "-c", script}
}

func runCount(t *testing.T, logPath string) int {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "run")
}

func newTestCache(t *testing.T, cfg *config.Config) *buildcache.Cache {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	c, err := buildcache.New(cfg, buildcache.WithLogger(log))
	require.NoError(t, err)
	return c
}

func TestHandleCommandMissThenHit(t *testing.T) {
	requireShell(t)

	cfg := &config.Config{Dir: t.TempDir(), RemoteTimeout: time.Second}
	c := newTestCache(t, cfg)

	work := t.TempDir()
	logPath := filepath.Join(work, "runs.log")
	outPath := filepath.Join(work, "out.o")
	args := toolCmd(logPath, outPath, "object-bytes")
	w := &fakeTool{src: "int main(){return 0;}\n", outPath: outPath}

	// First invocation: miss, the tool runs.
	wrapped, code := HandleCommand(c, cfg, w, args)
	require.True(t, wrapped)
	assert.Zero(t, code)
	assert.Equal(t, 1, runCount(t, logPath))

	// Second invocation: hit, the tool does not run, the output is
	// reproduced.
	require.NoError(t, os.Remove(outPath))
	wrapped, code = HandleCommand(c, cfg, w, args)
	require.True(t, wrapped)
	assert.Zero(t, code)
	assert.Equal(t, 1, runCount(t, logPath), "tool ran despite cache hit")

	restored, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "object-bytes", string(restored))
}

func TestHandleCommandFailedRunNotCached(t *testing.T) {
	requireShell(t)

	cfg := &config.Config{Dir: t.TempDir(), RemoteTimeout: time.Second}
	c := newTestCache(t, cfg)

	work := t.TempDir()
	logPath := filepath.Join(work, "runs.log")
	outPath := filepath.Join(work, "out.o")
	script := "echo run >> " + logPath + " && exit 3"
	args := []string{"/bin/sh", "-c", script}
	w := &fakeTool{src: "bad source", outPath: outPath}

	wrapped, code := HandleCommand(c, cfg, w, args)
	require.True(t, wrapped)
	assert.Equal(t, 3, code)

	// The failure was not cached: the tool runs again.
	wrapped, code = HandleCommand(c, cfg, w, args)
	require.True(t, wrapped)
	assert.Equal(t, 3, code)
	assert.Equal(t, 2, runCount(t, logPath))
}

func TestHandleCommandDirectMode(t *testing.T) {
	requireShell(t)

	cfg := &config.Config{Dir: t.TempDir(), DirectMode: true, RemoteTimeout: time.Second}
	c := newTestCache(t, cfg)

	work := t.TempDir()
	srcPath := filepath.Join(work, "main.c")
	hdrPath := filepath.Join(work, "hdr.h")
	require.NoError(t, os.WriteFile(srcPath, []byte("#include \"hdr.h\"\nint main(){return X;}\n"), 0o644))
	require.NoError(t, os.WriteFile(hdrPath, []byte("#define X 0\n"), 0o644))

	logPath := filepath.Join(work, "runs.log")
	outPath := filepath.Join(work, "out.o")
	args := toolCmd(logPath, outPath, "obj")
	w := &fakeTool{
		src:      "preprocessed with X 0",
		outPath:  outPath,
		caps:     []string{CapDirectMode},
		sources:  []string{srcPath},
		implicit: []string{hdrPath},
	}

	// Miss: the tool runs, and both the entry and the manifest are
	// recorded.
	wrapped, code := HandleCommand(c, cfg, w, args)
	require.True(t, wrapped)
	assert.Zero(t, code)
	assert.Equal(t, 1, runCount(t, logPath))

	// Hit through direct mode.
	require.NoError(t, os.Remove(outPath))
	wrapped, code = HandleCommand(c, cfg, w, args)
	require.True(t, wrapped)
	assert.Zero(t, code)
	assert.Equal(t, 1, runCount(t, logPath))

	// Touching the implicit input invalidates the shortcut; the unchanged
	// preprocessed source still hits in preprocessor mode.
	require.NoError(t, os.WriteFile(hdrPath, []byte("#define X 1\n"), 0o644))
	wrapped, code = HandleCommand(c, cfg, w, args)
	require.True(t, wrapped)
	assert.Zero(t, code)
	assert.Equal(t, 1, runCount(t, logPath))
}

func TestHandleCommandNoBuildFiles(t *testing.T) {
	cfg := &config.Config{Dir: t.TempDir(), RemoteTimeout: time.Second}
	c := newTestCache(t, cfg)

	base := &Base{Args: []string{"true"}}
	bf, err := base.BuildFiles()
	require.NoError(t, err)
	require.Empty(t, bf)

	wrapped, _ := HandleCommand(c, cfg, base, []string{"true"})
	assert.False(t, wrapped, "command with no build files was wrapped")
}

func TestFindExecutable(t *testing.T) {
	requireShell(t)

	dir := t.TempDir()

	// A tool on PATH.
	tool := filepath.Join(dir, "mycc")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755))

	// A symlink named like the tool but resolving to "buildcache": must be
	// skipped so wrapping never recurses into the cache itself.
	shadowDir := t.TempDir()
	self := filepath.Join(shadowDir, "buildcache")
	require.NoError(t, os.WriteFile(self, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink(self, filepath.Join(shadowDir, "mycc")))

	t.Setenv("PATH", shadowDir+string(os.PathListSeparator)+dir)

	resolved, err := FindExecutable("mycc", "buildcache")
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(tool)
	require.NoError(t, err)
	assert.Equal(t, want, resolved)

	_, err = FindExecutable("no-such-tool-anywhere", "buildcache")
	assert.Error(t, err)
}

func TestRunCaptures(t *testing.T) {
	requireShell(t)

	result, err := Run([]string{"/bin/sh", "-c", "echo out; echo err >&2; exit 2"})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(result.Stdout))
	assert.Equal(t, "err\n", string(result.Stderr))
	assert.Equal(t, 2, result.ExitCode)
}

func TestRegistry(t *testing.T) {
	t.Cleanup(func() { factories = nil })

	cfg := &config.Config{}
	Register(func(args []string, cfg *config.Config) Wrapper {
		if filepath.Base(args[0]) != "mycc" {
			return nil
		}
		return &fakeTool{Base: NewBase(args)}
	})

	assert.Nil(t, Find([]string{"/usr/bin/othercc"}, cfg))
	assert.NotNil(t, Find([]string{"/usr/bin/mycc"}, cfg))
}
