package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_UniquePerCall(t *testing.T) {
	m := NewManager(t.TempDir())

	a, err := m.Acquire("backup_1")
	require.NoError(t, err)
	defer a.Close()
	b, err := m.Acquire("backup_1")
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.Dir(), b.Dir())
	assert.DirExists(t, a.Dir())
	assert.DirExists(t, b.Dir())
}

func TestAcquire_RequiresID(t *testing.T) {
	_, err := NewManager(t.TempDir()).Acquire("")
	require.Error(t, err)
}

func TestAcquire_SanitizesID(t *testing.T) {
	root := t.TempDir()
	ws, err := NewManager(root).Acquire("../../evil id")
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, root, filepath.Dir(ws.Dir()))
}

func TestClose_RemovesRecursively(t *testing.T) {
	ws, err := NewManager(t.TempDir()).Acquire("op")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(ws.Path("nested", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(ws.Path("nested", "deeper", "f.txt"), []byte("x"), 0o644))

	require.NoError(t, ws.Close())
	assert.NoDirExists(t, ws.Dir())
	require.NoError(t, ws.Close())
}

func TestWith_CleansUpOnError(t *testing.T) {
	m := NewManager(t.TempDir())
	boom := errors.New("boom")

	var dir string
	err := m.With(context.Background(), "op", func(ctx context.Context, ws *Workspace) error {
		dir = ws.Dir()
		require.NoError(t, os.WriteFile(ws.Path("staged"), []byte("x"), 0o644))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoDirExists(t, dir)
}

func TestWith_CleansUpOnPanic(t *testing.T) {
	m := NewManager(t.TempDir())

	var dir string
	func() {
		defer func() { _ = recover() }()
		_ = m.With(context.Background(), "op", func(ctx context.Context, ws *Workspace) error {
			dir = ws.Dir()
			panic("kaboom")
		})
	}()
	require.NotEmpty(t, dir)
	assert.NoDirExists(t, dir)
}

func TestWith_CleansUpOnCancel(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())

	var dir string
	err := m.With(ctx, "op", func(ctx context.Context, ws *Workspace) error {
		dir = ws.Dir()
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, dir)
}

func TestWith_AlreadyCancelled(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewManager(root).With(ctx, "op", func(ctx context.Context, ws *Workspace) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
