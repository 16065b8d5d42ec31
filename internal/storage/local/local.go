package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lendbackup/internal/storage"
)

// Ensure Backend implements storage.BackupStore at compile time.
var _ storage.BackupStore = (*Backend)(nil)

// metaSuffix marks the sidecar file holding an object's user metadata.
const metaSuffix = ".meta.json"

// Backend stores objects as files below a local directory. Keys map to
// relative paths. It is used for development setups and as the store in tests.
type Backend struct {
	basePath string
	name     string
}

// New creates a new local backend rooted at basePath.
func New(basePath string) *Backend {
	return &Backend{basePath: filepath.Clean(basePath), name: "local:" + basePath}
}

func (b *Backend) Name() string {
	return b.name
}

// SetName overrides the display name returned by Name().
func (b *Backend) SetName(name string) {
	b.name = name
}

// resolve maps key to a path below basePath, rejecting keys that escape it.
func (b *Backend) resolve(key string) (string, error) {
	if key == "" || strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	p := filepath.Join(b.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(p, b.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("key %q escapes %s", key, b.basePath)
	}
	return p, nil
}

// Get opens the file stored under key.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotExist, key)
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// Put writes data to <basePath>/<key>, storing metadata in a sidecar file.
func (b *Backend) Put(ctx context.Context, key string, data io.Reader, size int64, metadata map[string]string) error {
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	// Write beside the target and rename so readers never see a partial object.
	file, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".*.partial")
	if err != nil {
		return fmt.Errorf("failed to create file for %s: %w", key, err)
	}
	tmp := file.Name()
	if _, err := io.Copy(file, data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	metaPath := p + metaSuffix
	if len(metadata) == 0 {
		os.Remove(metaPath)
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", key, err)
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", key, err)
	}
	return nil
}

// Delete removes the file stored under key and its metadata.
func (b *Backend) Delete(ctx context.Context, key string) error {
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", key, storage.ErrNotExist)
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	os.Remove(p + metaSuffix)
	return nil
}

// List walks basePath and returns every object whose key starts with prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	err := filepath.WalkDir(b.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == b.basePath {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		meta, err := readMetadata(p + metaSuffix)
		if err != nil {
			return fmt.Errorf("failed to read metadata for %s: %w", key, err)
		}
		objects = append(objects, storage.ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
			Metadata:     meta,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", b.basePath, err)
	}
	return objects, nil
}

// PresignGet returns a file:// URL; local files carry no expiry.
func (b *Backend) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	p, err := b.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", storage.ErrNotExist, key)
		}
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func readMetadata(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}
