package buildcache_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/benoit-pierre/buildcache"
	"github.com/benoit-pierre/buildcache/codec"
	"github.com/benoit-pierre/buildcache/config"
	"github.com/benoit-pierre/buildcache/hasher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRemote is an in-memory remote.Cache used to exercise the two-tier
// pipeline without a network backend.
type fakeRemote struct {
	connected   bool
	failConnect bool
	failAdd     bool
	entries     map[hasher.Hash]*codec.Entry
	files       map[string][]byte
	addCalls    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entries: make(map[hasher.Hash]*codec.Entry),
		files:   make(map[string][]byte),
	}
}

func (f *fakeRemote) Connect(ctx context.Context) bool {
	if f.failConnect {
		return false
	}
	f.connected = true
	return true
}

func (f *fakeRemote) IsConnected() bool { return f.connected }

func (f *fakeRemote) Lookup(ctx context.Context, h hasher.Hash) (*codec.Entry, error) {
	entry, ok := f.entries[h]
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (f *fakeRemote) GetFile(ctx context.Context, h hasher.Hash, id, target string) error {
	data, ok := f.files[string(h)+"/"+id]
	if !ok {
		return errors.New("fake remote: payload missing")
	}
	return os.WriteFile(target, data, 0o644)
}

func (f *fakeRemote) Add(ctx context.Context, h hasher.Hash, entry *codec.Entry, expected map[string]codec.ExpectedFile) error {
	if f.failAdd {
		return errors.New("fake remote: add failed")
	}
	f.addCalls++
	stored := *entry
	f.entries[h] = &stored
	for _, id := range entry.FileIDs {
		data, err := os.ReadFile(expected[id].Path)
		if err != nil {
			return err
		}
		f.files[string(h)+"/"+id] = data
	}
	return nil
}

type testEngine struct {
	cache  *buildcache.Cache
	cfg    *config.Config
	remote *fakeRemote
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	work   string
}

func newTestEngine(t *testing.T, cfg *config.Config, remote *fakeRemote) *testEngine {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.RemoteTimeout == 0 {
		cfg.RemoteTimeout = time.Second
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	te := &testEngine{
		cfg:    cfg,
		remote: remote,
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		work:   t.TempDir(),
	}
	opts := []buildcache.Option{
		buildcache.WithLogger(log),
		buildcache.WithStdout(te.stdout),
		buildcache.WithStderr(te.stderr),
	}
	if remote != nil {
		opts = append(opts, buildcache.WithRemote(remote))
	}
	c, err := buildcache.New(cfg, opts...)
	require.NoError(t, err)
	te.cache = c
	return te
}

func (te *testEngine) writeOutput(t *testing.T, name string, content []byte) (string, map[string]buildcache.ExpectedFile) {
	t.Helper()
	path := filepath.Join(te.work, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, map[string]buildcache.ExpectedFile{
		"object": {Path: path, Required: true},
	}
}

// invocationHash fingerprints a compilation the way a wrapper would:
// preprocessed source, then flags.
func invocationHash(src string, flags ...string) buildcache.Hash {
	h := hasher.New()
	h.UpdateString(src)
	for _, f := range flags {
		h.UpdateString(" " + f)
	}
	return h.Final()
}

func TestColdMissThenHotHit(t *testing.T) {
	te := newTestEngine(t, &config.Config{MaxCacheSize: 1 << 20}, nil)

	content := bytes.Repeat([]byte{0xab, 0xcd}, 512)
	outPath, expected := te.writeOutput(t, "out.o", content)
	h := invocationHash("int main(){return 0;}\n", "-O2", "-c")

	hit, _ := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	assert.False(t, hit, "cold lookup reported a hit")

	entry := &buildcache.Entry{FileIDs: []string{"object"}, ExitCode: 0}
	te.cache.Add(h, entry, expected, false)

	// Second invocation: the tool's output is reproduced byte-identically.
	require.NoError(t, os.Remove(outPath))
	hit, code := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	require.True(t, hit, "hot lookup missed")
	assert.Zero(t, code)
	assert.Empty(t, te.stdout.Bytes())
	assert.Empty(t, te.stderr.Bytes())

	restored, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, restored)
}

func TestStreamsAndExitCodeReplayed(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	_, expected := te.writeOutput(t, "out.o", []byte("obj"))
	h := invocationHash("source", "-c")

	entry := &buildcache.Entry{
		FileIDs:  []string{"object"},
		Stdout:   []byte("note: compiled\n"),
		Stderr:   []byte("warning: something\n"),
		ExitCode: 0,
	}
	te.cache.Add(h, entry, expected, false)

	hit, code := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	require.True(t, hit)
	assert.Zero(t, code)
	assert.Equal(t, "note: compiled\n", te.stdout.String())
	assert.Equal(t, "warning: something\n", te.stderr.String())
}

func TestCompressedAndPlainRetrievalAgree(t *testing.T) {
	content := bytes.Repeat([]byte("object code "), 200)
	var results [][]byte

	for _, compress := range []bool{false, true} {
		te := newTestEngine(t, &config.Config{Compress: compress}, nil)
		outPath, expected := te.writeOutput(t, "out.o", content)
		h := invocationHash("src", "-c")

		te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)
		require.NoError(t, os.Remove(outPath))

		hit, _ := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
		require.True(t, hit, "compress=%v", compress)

		restored, err := os.ReadFile(outPath)
		require.NoError(t, err)
		results = append(results, restored)
	}

	assert.Equal(t, results[0], results[1], "compression changed retrieved bytes")
	assert.Equal(t, content, results[0])
}

func TestDirectModeShortcut(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	_, expected := te.writeOutput(t, "out.o", []byte("obj"))
	hdrPath := filepath.Join(te.work, "hdr.h")
	require.NoError(t, os.WriteFile(hdrPath, []byte("#define X 1\n"), 0o644))

	h := invocationHash("preprocessed with X 1", "-c")
	dh := invocationHash("raw source", "-c")

	te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)
	te.cache.AddDirect(dh, h, []string{hdrPath})

	// Unmodified implicit input: the shortcut resolves to the recorded
	// preprocessor hash and hits.
	hit, code := te.cache.LookupDirect(dh, expected, buildcache.LookupOptions{})
	require.True(t, hit, "direct lookup missed")
	assert.Zero(t, code)

	// Modified implicit input: direct mode must miss.
	require.NoError(t, os.WriteFile(hdrPath, []byte("#define X 2\n"), 0o644))
	hit, _ = te.cache.LookupDirect(dh, expected, buildcache.LookupOptions{})
	assert.False(t, hit, "direct lookup hit despite modified implicit input")

	// Removed implicit input degrades to a miss as well.
	require.NoError(t, os.Remove(hdrPath))
	hit, _ = te.cache.LookupDirect(dh, expected, buildcache.LookupOptions{})
	assert.False(t, hit)

	var stats bytes.Buffer
	require.NoError(t, te.cache.ShowStats(&stats))
	assert.Contains(t, stats.String(), "Direct hits:      1")
	assert.Contains(t, stats.String(), "Direct misses:    2")
}

func TestDirectModeMissingManifest(t *testing.T) {
	te := newTestEngine(t, nil, nil)
	_, expected := te.writeOutput(t, "out.o", []byte("obj"))

	hit, _ := te.cache.LookupDirect(invocationHash("nothing"), expected, buildcache.LookupOptions{})
	assert.False(t, hit)
}

func TestRemotePromotion(t *testing.T) {
	remote := newFakeRemote()
	te := newTestEngine(t, nil, remote)

	content := []byte("remote object bytes")
	outPath, expected := te.writeOutput(t, "out.o", content)
	h := invocationHash("remote src", "-c")

	// Pre-populate the remote tier only.
	remote.entries[h] = &codec.Entry{
		FileIDs:  []string{"object"},
		Stdout:   []byte("remote stdout"),
		ExitCode: 0,
		Mode:     codec.CompressionAll,
	}
	remote.files[string(h)+"/object"] = content
	require.NoError(t, os.Remove(outPath))

	hit, code := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	require.True(t, hit, "remote lookup missed")
	assert.Zero(t, code)
	assert.Equal(t, "remote stdout", te.stdout.String())

	restored, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, restored)

	// The hit was promoted: with the remote unreachable, the entry is
	// served from the local tier.
	remote.failConnect = true
	te.stdout.Reset()
	require.NoError(t, os.Remove(outPath))

	hit, code = te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	require.True(t, hit, "promoted entry not found locally")
	assert.Zero(t, code)
	assert.Equal(t, "remote stdout", te.stdout.String())

	var stats bytes.Buffer
	require.NoError(t, te.cache.ShowStats(&stats))
	assert.Contains(t, stats.String(), "Remote hits:      1")
	assert.Contains(t, stats.String(), "Local hits:       1")
}

func TestRemoteMissCounted(t *testing.T) {
	remote := newFakeRemote()
	te := newTestEngine(t, nil, remote)
	_, expected := te.writeOutput(t, "out.o", []byte("obj"))

	hit, _ := te.cache.Lookup(invocationHash("nowhere"), expected, buildcache.LookupOptions{})
	assert.False(t, hit)

	var stats bytes.Buffer
	require.NoError(t, te.cache.ShowStats(&stats))
	assert.Contains(t, stats.String(), "Remote misses:    1")
}

func TestOversizeLocalRejection(t *testing.T) {
	remote := newFakeRemote()
	te := newTestEngine(t, &config.Config{MaxLocalEntrySize: 64}, remote)

	_, expected := te.writeOutput(t, "out.o", make([]byte, 128))
	h := invocationHash("big", "-c")

	te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)

	// The remote insert proceeded; the local one was skipped.
	assert.Equal(t, 1, remote.addCalls)

	remote.failConnect = true
	hit, _ := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	assert.False(t, hit, "oversize entry was cached locally")
}

func TestOversizeRemoteRejection(t *testing.T) {
	remote := newFakeRemote()
	te := newTestEngine(t, &config.Config{MaxRemoteEntrySize: 64}, remote)

	_, expected := te.writeOutput(t, "out.o", make([]byte, 128))
	te.cache.Add(invocationHash("big"), &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)

	assert.Zero(t, remote.addCalls)
}

func TestReadOnlyRemoteSkipsInsert(t *testing.T) {
	remote := newFakeRemote()
	te := newTestEngine(t, &config.Config{ReadOnlyRemote: true}, remote)

	_, expected := te.writeOutput(t, "out.o", []byte("obj"))
	te.cache.Add(invocationHash("src"), &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)

	assert.Zero(t, remote.addCalls)
}

func TestRemoteFailuresNeverFailTheBuild(t *testing.T) {
	remote := newFakeRemote()
	remote.failAdd = true
	te := newTestEngine(t, nil, remote)

	_, expected := te.writeOutput(t, "out.o", []byte("obj"))
	h := invocationHash("src")

	te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)

	// The local insert still happened.
	hit, _ := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	assert.True(t, hit)
}

func TestMismatchedFileSetIsAMiss(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	_, expected := te.writeOutput(t, "out.o", []byte("obj"))
	h := invocationHash("src")
	te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)

	// A caller with a different file set must not get the entry...
	other := map[string]buildcache.ExpectedFile{
		"listing": {Path: filepath.Join(te.work, "out.lst"), Required: true},
	}
	hit, _ := te.cache.Lookup(h, other, buildcache.LookupOptions{})
	assert.False(t, hit)

	// ...but the entry survives for callers it does match.
	hit, _ = te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	assert.True(t, hit, "mismatch lookup deleted the entry")
}

func TestMissingRequiredFileSkipsInsert(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	h := invocationHash("src")
	expected := map[string]buildcache.ExpectedFile{
		"object": {Path: filepath.Join(te.work, "never-written.o"), Required: true},
	}
	te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)

	hit, _ := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	assert.False(t, hit)
}

func TestClear(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	_, expected := te.writeOutput(t, "out.o", []byte("obj"))
	h := invocationHash("src")
	te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)

	require.NoError(t, te.cache.Clear())

	hit, _ := te.cache.Lookup(h, expected, buildcache.LookupOptions{})
	assert.False(t, hit)
}

func TestSetMaxSizePersists(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	require.NoError(t, te.cache.SetMaxSize(123_000))

	cfg, err := config.LoadDir(te.cfg.Dir)
	require.NoError(t, err)
	assert.Equal(t, int64(123_000), cfg.MaxCacheSize)
}

func TestCreateTargetDirs(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	outPath, expected := te.writeOutput(t, "out.o", []byte("obj"))
	h := invocationHash("src")
	te.cache.Add(h, &buildcache.Entry{FileIDs: []string{"object"}}, expected, false)
	require.NoError(t, os.Remove(outPath))

	nested := map[string]buildcache.ExpectedFile{
		"object": {Path: filepath.Join(te.work, "deep", "nested", "out.o"), Required: true},
	}
	hit, _ := te.cache.Lookup(h, nested, buildcache.LookupOptions{CreateTargetDirs: true})
	require.True(t, hit)

	_, err := os.Stat(nested["object"].Path)
	assert.NoError(t, err)
}
