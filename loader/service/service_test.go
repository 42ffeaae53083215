package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"contractrag/loader"
	"contractrag/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngester struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeIngester) IngestPath(_ context.Context, path string) (*loader.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, filepath.Base(path))
	if err := f.errs[filepath.Base(path)]; err != nil {
		return nil, err
	}
	return &loader.Result{Document: &types.Document{ID: "doc-" + filepath.Base(path)}, Chunks: 1}, nil
}

func (f *fakeIngester) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testConfig(t *testing.T) types.LoaderConfig {
	root := t.TempDir()
	return types.LoaderConfig{
		MonitoringTime: 50 * time.Millisecond,
		SourceDir:      filepath.Join(root, "source"),
		ArchiveDir:     filepath.Join(root, "archive"),
		BadDir:         filepath.Join(root, "bad"),
	}
}

func today(dir string) string {
	return filepath.Join(dir, time.Now().Format("2006-01-02"))
}

func TestRun_ArchivesAndRejects(t *testing.T) {
	cfg := testConfig(t)
	ing := &fakeIngester{errs: map[string]error{
		"broken.pdf": types.InvalidArgument("malformed"),
	}}
	svc := New(cfg, ing, WithTick(10*time.Millisecond))
	require.NoError(t, svc.CreateDirectories())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, "msa.pdf"), []byte("%PDF"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, "broken.pdf"), []byte("junk"), 0o600))

	assert.Eventually(t, func() bool {
		_, a := os.Stat(filepath.Join(today(cfg.ArchiveDir), "msa.pdf"))
		_, b := os.Stat(filepath.Join(today(cfg.BadDir), "broken.pdf"))
		return a == nil && b == nil
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := os.ReadDir(cfg.SourceDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.ElementsMatch(t, []string{"msa.pdf", "broken.pdf"}, ing.called())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestProcessFile_BackendFailureKeepsFile(t *testing.T) {
	cfg := testConfig(t)
	ing := &fakeIngester{errs: map[string]error{
		"msa.pdf": types.BackendUnavailable("embedder", errors.New("down")),
	}}
	svc := New(cfg, ing)
	require.NoError(t, svc.CreateDirectories())
	path := filepath.Join(cfg.SourceDir, "msa.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o600))

	svc.processFile(context.Background(), path)

	assert.FileExists(t, path)
	assert.NoDirExists(t, today(cfg.BadDir))
	assert.Empty(t, svc.fileFirstSeen)
	assert.Empty(t, svc.filesProcessing)
}

func TestScan_WaitsForSettledFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.MonitoringTime = time.Minute
	svc := New(cfg, &fakeIngester{})
	require.NoError(t, svc.CreateDirectories())

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	path := filepath.Join(cfg.SourceDir, "nda.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o600))

	assert.Empty(t, svc.scan(), "first sighting only starts the timer")

	clock = clock.Add(30 * time.Second)
	svc.touch(path)
	clock = clock.Add(45 * time.Second)
	assert.Empty(t, svc.scan(), "a write restarts the timer")

	clock = clock.Add(30 * time.Second)
	assert.Equal(t, []string{path}, svc.scan())
	assert.Empty(t, svc.scan(), "files in flight are not handed out twice")

	require.NoError(t, os.Remove(path))
	delete(svc.filesProcessing, path)
	svc.scan()
	assert.Empty(t, svc.fileFirstSeen)
}

func TestMoveToArchive_NameConflicts(t *testing.T) {
	cfg := testConfig(t)
	svc := New(cfg, &fakeIngester{})
	require.NoError(t, svc.CreateDirectories())

	var dests []string
	for range 3 {
		src := filepath.Join(cfg.SourceDir, "lease.pdf")
		require.NoError(t, os.WriteFile(src, []byte("%PDF"), 0o600))
		dest, err := svc.MoveToArchive(src, StateArchived)
		require.NoError(t, err)
		assert.NoFileExists(t, src)
		dests = append(dests, filepath.Base(dest))
	}
	assert.Equal(t, []string{"lease.pdf", "lease_1.pdf", "lease_2.pdf"}, dests)
}
