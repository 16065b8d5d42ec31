// Package workspace provides per-operation staging directories that are
// always removed when the operation ends.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Manager hands out workspaces below a root directory.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at root. An empty root uses os.TempDir().
func NewManager(root string) *Manager {
	if root == "" {
		root = os.TempDir()
	}
	return &Manager{root: root}
}

// Workspace is a staging directory owned by a single operation.
type Workspace struct {
	dir  string
	once sync.Once
	err  error
}

// Acquire creates a new directory keyed by the operation id. The directory
// name also carries a random suffix so that two acquisitions with the same id
// never share a path.
func (m *Manager) Acquire(id string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace: operation id is required")
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: failed to create root %s: %w", m.root, err)
	}
	dir := filepath.Join(m.root, fmt.Sprintf("lendbackup-%s-%s", sanitize(id), uuid.NewString()[:8]))
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("workspace: failed to create %s: %w", dir, err)
	}
	return &Workspace{dir: dir}, nil
}

// With acquires a workspace, runs fn inside it and removes the workspace on
// every exit path, including panics and cancellation.
func (m *Manager) With(ctx context.Context, id string, fn func(ctx context.Context, ws *Workspace) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	ws, err := m.Acquire(id)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, ws)
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins name elements onto the workspace directory.
func (w *Workspace) Path(name ...string) string {
	return filepath.Join(append([]string{w.dir}, name...)...)
}

// Close removes the workspace recursively. It is safe to call more than once.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.err = fmt.Errorf("workspace: failed to remove %s: %w", w.dir, err)
		}
	})
	return w.err
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}
