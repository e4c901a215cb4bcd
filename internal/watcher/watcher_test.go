package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshyv/rag-pdf/internal/apperr"
	"github.com/akshyv/rag-pdf/internal/rag"
)

// fakeIngestor records calls and keeps documents in a map. Files ending in
// .bin are rejected like an unsupported upload.
type fakeIngestor struct {
	mu        sync.Mutex
	docs      map[string]rag.Document
	uploads   []string
	processed []string
	deleted   []string
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{docs: make(map[string]rag.Document)}
}

func (f *fakeIngestor) Upload(_ context.Context, filename string, data []byte) (rag.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasSuffix(filename, ".bin") {
		return rag.Document{}, apperr.Validation("fake.upload", "file type not allowed")
	}
	f.uploads = append(f.uploads, filename)
	doc := rag.Document{Name: filename, Size: int64(len(data)), Content: string(data)}
	if old, ok := f.docs[filename]; ok && old.Content == doc.Content {
		doc.Processed = old.Processed
	}
	f.docs[filename] = doc
	return doc, nil
}

func (f *fakeIngestor) Process(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[name]
	if !ok {
		return 0, apperr.NotFound("fake.process", name)
	}
	doc.Processed = true
	f.docs[name] = doc
	f.processed = append(f.processed, name)
	return 1, nil
}

func (f *fakeIngestor) Delete(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[name]; !ok {
		return 0, apperr.NotFound("fake.delete", name)
	}
	delete(f.docs, name)
	f.deleted = append(f.deleted, name)
	return 1, nil
}

func (f *fakeIngestor) List(_ context.Context) ([]rag.DocumentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rag.DocumentInfo, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeIngestor) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[name]
	return ok
}

func (f *fakeIngestor) processedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processed)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestWatcher(t *testing.T, ing Ingestor, cfg *Config) *Watcher {
	t.Helper()
	w, err := New(ing, cfg)
	require.NoError(t, err)
	return w
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "a.txt", "x")

	_, err := New(nil, &Config{Dir: dir})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	_, err = New(newFakeIngestor(), &Config{})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	_, err = New(newFakeIngestor(), &Config{Dir: file})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	_, err = New(newFakeIngestor(), &Config{Dir: filepath.Join(dir, "missing")})
	assert.Error(t, err)

	w, err := New(newFakeIngestor(), &Config{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, w.cfg.Debounce)
}

func TestSync_ImportsVisibleFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "Paris is the capital of France.")
	writeFile(t, dir, "report.txt", "Quarterly numbers.")
	writeFile(t, dir, ".hidden.txt", "secret")
	writeFile(t, dir, "image.bin", "\x00\x01")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub"), "nested.txt", "nested")

	ing := newFakeIngestor()
	w := newTestWatcher(t, ing, &Config{Dir: dir})

	report, err := w.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Imported: 2, Skipped: 1}, report)
	assert.ElementsMatch(t, []string{"notes.txt", "report.txt"}, ing.processed)
	assert.False(t, ing.has(".hidden.txt"))
	assert.False(t, ing.has("nested.txt"))
}

func TestSync_SecondPassIsUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "same content")

	ing := newFakeIngestor()
	w := newTestWatcher(t, ing, &Config{Dir: dir})

	_, err := w.Sync(context.Background())
	require.NoError(t, err)
	report, err := w.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SyncReport{Unchanged: 1}, report)
	assert.Equal(t, 1, ing.processedCount())
}

func TestSync_Prune(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", "keep")

	ing := newFakeIngestor()
	ing.docs["gone.txt"] = rag.Document{Name: "gone.txt", Processed: true}

	w := newTestWatcher(t, ing, &Config{Dir: dir})
	report, err := w.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Removed)
	assert.True(t, ing.has("gone.txt"))

	w = newTestWatcher(t, ing, &Config{Dir: dir, Prune: true})
	report, err = w.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.False(t, ing.has("gone.txt"))
	assert.True(t, ing.has("keep.txt"))
}

func TestSync_PruneMatchesSanitizedNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "my notes.txt", "content")

	ing := newFakeIngestor()
	ing.docs["my_notes.txt"] = rag.Document{Name: "my_notes.txt", Content: "content", Processed: true}

	w := newTestWatcher(t, ing, &Config{Dir: dir, Prune: true})
	report, err := w.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Removed)
	assert.True(t, ing.has("my_notes.txt"))
}

func TestHandleFsEvent(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "doc.txt", "content")
	hidden := writeFile(t, dir, ".doc.txt.swp", "x")
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	w := newTestWatcher(t, newFakeIngestor(), &Config{Dir: dir})

	tests := []struct {
		name string
		ev   fsnotify.Event
		want changeKind
	}{
		{"create", fsnotify.Event{Name: file, Op: fsnotify.Create}, changeUpsert},
		{"write", fsnotify.Event{Name: file, Op: fsnotify.Write}, changeUpsert},
		{"write and chmod", fsnotify.Event{Name: file, Op: fsnotify.Write | fsnotify.Chmod}, changeUpsert},
		{"remove", fsnotify.Event{Name: filepath.Join(dir, "old.txt"), Op: fsnotify.Remove}, changeDelete},
		{"rename", fsnotify.Event{Name: filepath.Join(dir, "old.txt"), Op: fsnotify.Rename}, changeDelete},
		{"chmod only", fsnotify.Event{Name: file, Op: fsnotify.Chmod}, 0},
		{"hidden file", fsnotify.Event{Name: hidden, Op: fsnotify.Write}, 0},
		{"directory", fsnotify.Event{Name: sub, Op: fsnotify.Create}, 0},
		{"nested path", fsnotify.Event{Name: filepath.Join(sub, "x.txt"), Op: fsnotify.Create}, 0},
		{"create of vanished file", fsnotify.Event{Name: filepath.Join(dir, "gone.txt"), Op: fsnotify.Create}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := w.handleFsEvent(tt.ev)
			if tt.want == 0 {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.kind)
			assert.Equal(t, tt.ev.Name, c.path)
		})
	}
}

func TestApply_DeleteMissingDocumentIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, newFakeIngestor(), &Config{Dir: dir})

	err := w.apply(context.Background(), change{kind: changeDelete, path: filepath.Join(dir, "never.txt")})
	assert.NoError(t, err)
}

func TestApply_RenameThenRecreateUpserts(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.txt", "v2")

	ing := newFakeIngestor()
	w := newTestWatcher(t, ing, &Config{Dir: dir})

	require.NoError(t, w.apply(context.Background(), change{kind: changeDelete, path: path}))
	assert.True(t, ing.has("doc.txt"))
	assert.Empty(t, ing.deleted)
}

func TestFlush_WaitsForDebounce(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.txt", "content")

	ing := newFakeIngestor()
	w := newTestWatcher(t, ing, &Config{Dir: dir, Debounce: time.Second})

	now := time.Now()
	pending := map[string]change{path: {kind: changeUpsert, path: path, at: now}}

	w.flush(context.Background(), pending, now.Add(100*time.Millisecond))
	assert.Len(t, pending, 1)
	assert.Zero(t, ing.processedCount())

	w.flush(context.Background(), pending, now.Add(time.Second))
	assert.Empty(t, pending)
	assert.Equal(t, 1, ing.processedCount())
}

func TestRun_FollowsFolderChanges(t *testing.T) {
	dir := t.TempDir()
	ing := newFakeIngestor()
	w := newTestWatcher(t, ing, &Config{Dir: dir, Debounce: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	path := writeFile(t, dir, "live.txt", "fresh content")
	assert.Eventually(t, func() bool { return ing.has("live.txt") }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return !ing.has("live.txt") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
