package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendbackup/internal/storage"
	"lendbackup/internal/storage/local"
)

// trackingStore wraps a store, counting concurrent Gets and failing some keys.
type trackingStore struct {
	storage.ObjectStore
	fail     map[string]bool
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *trackingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail[key] {
		return nil, fmt.Errorf("simulated outage for %s", key)
	}
	return s.ObjectStore.Get(ctx, key)
}

func seed(t *testing.T, objects map[string]string) *local.Backend {
	t.Helper()
	b := local.New(t.TempDir())
	for k, v := range objects {
		require.NoError(t, b.Put(context.Background(), k, strings.NewReader(v), int64(len(v)), nil))
	}
	return b
}

func entries(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func TestBuild_SkipsUnreachableObjects(t *testing.T) {
	store := seed(t, map[string]string{
		"uploads/manual.pdf":   "manual contents",
		"products/42/main.png": "png bytes",
	})
	a := New(store)
	out := filepath.Join(t.TempDir(), "files.zip")

	res, err := a.Build(context.Background(), out, []string{"uploads/manual.pdf", "products/42/main.png", "movements/gone.jpg"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"uploads/manual.pdf", "products/42/main.png"}, res.Added)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "movements/gone.jpg", res.Skipped[0].Key)
	assert.True(t, storage.IsNotExist(res.Skipped[0]))

	got := entries(t, out)
	assert.Equal(t, map[string]string{
		"uploads/manual.pdf":   "manual contents",
		"products/42/main.png": "png bytes",
	}, got)
}

func TestBuild_EmptyKeySetWritesPlaceholder(t *testing.T) {
	a := New(seed(t, nil))
	out := filepath.Join(t.TempDir(), "files.zip")

	res, err := a.Build(context.Background(), out, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Added)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	got := entries(t, out)
	require.Len(t, got, 1)
	assert.Contains(t, got, PlaceholderName)
}

func TestBuild_AllFailedWritesPlaceholder(t *testing.T) {
	a := New(seed(t, nil))
	out := filepath.Join(t.TempDir(), "files.zip")

	res, err := a.Build(context.Background(), out, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, res.Skipped, 2)
	assert.Contains(t, entries(t, out), PlaceholderName)
}

// memStore keeps objects in a map so any key, including ones that cannot
// coexist on a file system, can be stored.
type memStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memStore) Name() string { return "mem" }

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, storage.ErrNotExist)
	}
	return io.NopCloser(strings.NewReader(v)), nil
}

func (m *memStore) Put(_ context.Context, key string, data io.Reader, _ int64, _ map[string]string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = string(b)
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// readEntries maps extracted keys to the content of their staged files.
func readEntries(t *testing.T, entries []Entry) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, e := range entries {
		data, err := os.ReadFile(e.Path)
		require.NoError(t, err)
		out[e.Key] = string(data)
	}
	return out
}

func TestBuild_OpaqueKeysRoundTrip(t *testing.T) {
	objects := map[string]string{
		"products/42":          "parent",
		"products/42/main.png": "child",
		"/abs/lead.png":        "leading slash",
		"a//b.png":             "double slash",
		"./rel.png":            "dot segment",
		"../up.png":            "parent segment",
	}
	store := &memStore{objects: map[string]string{}}
	for k, v := range objects {
		store.objects[k] = v
	}
	a := New(store)
	dir := t.TempDir()
	out := filepath.Join(dir, "files.zip")

	var keys []string
	for k := range objects {
		keys = append(keys, k)
	}
	res, err := a.Build(context.Background(), out, append(keys, "", "folder/"))
	require.NoError(t, err)
	assert.ElementsMatch(t, keys, res.Added)
	require.Len(t, res.Skipped, 2)

	dest := filepath.Join(dir, "extracted")
	entries, err := a.Extract(context.Background(), out, dest)
	require.NoError(t, err)
	assert.Equal(t, objects, readEntries(t, entries))
	for _, e := range entries {
		assert.Equal(t, dest, filepath.Dir(e.Path), "staged outside destination: %s", e.Path)
	}
}

func TestBuild_DuplicateKeysArchivedOnce(t *testing.T) {
	a := New(seed(t, map[string]string{"uploads/a.txt": "a"}))
	out := filepath.Join(t.TempDir(), "files.zip")

	res, err := a.Build(context.Background(), out, []string{"uploads/a.txt", "uploads/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/a.txt"}, res.Added)
	assert.Len(t, entries(t, out), 1)
}

func TestBuild_BoundedConcurrency(t *testing.T) {
	objects := map[string]string{}
	var keys []string
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("uploads/%02d.bin", i)
		objects[k] = strings.Repeat("x", i+1)
		keys = append(keys, k)
	}
	store := &trackingStore{
		ObjectStore: seed(t, objects),
		fail:        map[string]bool{"uploads/07.bin": true, "uploads/21.bin": true},
		delay:       5 * time.Millisecond,
	}
	a := New(store, WithWorkers(3))
	out := filepath.Join(t.TempDir(), "files.zip")

	res, err := a.Build(context.Background(), out, keys)
	require.NoError(t, err)

	assert.LessOrEqual(t, store.maxSeen.Load(), int32(3))
	assert.Len(t, res.Added, 38)
	assert.Len(t, res.Skipped, 2)

	got := entries(t, out)
	assert.Len(t, got, 38)
	for k, v := range got {
		assert.Equal(t, objects[k], v, k)
	}
}

func TestBuild_Cancelled(t *testing.T) {
	store := &trackingStore{ObjectStore: seed(t, map[string]string{"a": "1", "b": "2"}), delay: 50 * time.Millisecond}
	a := New(store, WithWorkers(1))
	out := filepath.Join(t.TempDir(), "files.zip")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Build(ctx, out, []string{"a", "b"})
	require.Error(t, err)
	assert.NoFileExists(t, out)
}

func TestExtract_RoundTrip(t *testing.T) {
	objects := map[string]string{
		"uploads/manual.pdf":        "manual contents",
		"products/42/main.png":      "png bytes",
		"movements/2026/10/a b.jpg": "photo",
	}
	a := New(seed(t, objects))
	dir := t.TempDir()
	out := filepath.Join(dir, "files.zip")

	var keys []string
	for k := range objects {
		keys = append(keys, k)
	}
	_, err := a.Build(context.Background(), out, keys)
	require.NoError(t, err)

	extracted, err := a.Extract(context.Background(), out, filepath.Join(dir, "extracted"))
	require.NoError(t, err)
	assert.Equal(t, objects, readEntries(t, extracted))
}

func TestExtract_PlaceholderOnly(t *testing.T) {
	a := New(seed(t, nil))
	dir := t.TempDir()
	out := filepath.Join(dir, "files.zip")
	_, err := a.Build(context.Background(), out, nil)
	require.NoError(t, err)

	extracted, err := a.Extract(context.Background(), out, filepath.Join(dir, "x"))
	require.NoError(t, err)
	assert.Empty(t, extracted)
}

func TestExtract_TraversalNamesStayInside(t *testing.T) {
	dir := t.TempDir()
	evil := filepath.Join(dir, "evil.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../../outside.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("gotcha"))
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(evil, buf.Bytes(), 0o644))

	dest := filepath.Join(dir, "dest")
	extracted, err := New(seed(t, nil)).Extract(context.Background(), evil, dest)
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	assert.Equal(t, "../../outside.txt", extracted[0].Key)
	assert.Equal(t, dest, filepath.Dir(extracted[0].Path))
	assert.NoFileExists(t, filepath.Join(dir, "outside.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "outside.txt"))
}

func TestBuild_SingleWriterUnderLoad(t *testing.T) {
	// Many tiny objects with many workers; the archive must still be valid.
	objects := map[string]string{}
	var keys []string
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("f/%03d", i)
		objects[k] = k
		keys = append(keys, k)
	}
	a := New(seed(t, objects), WithWorkers(32))
	out := filepath.Join(t.TempDir(), "files.zip")

	res, err := a.Build(context.Background(), out, keys)
	require.NoError(t, err)
	assert.Len(t, res.Added, 200)
	assert.Equal(t, objects, entries(t, out))
}
