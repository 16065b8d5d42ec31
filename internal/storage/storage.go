package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned (wrapped) by backends when a key is absent.
var ErrNotExist = errors.New("object does not exist")

// ObjectInfo describes a single object stored in a backend.
type ObjectInfo struct {
	// Key is the full object key within the backend (e.g. "backups/backup_20260206T120000.000Z.tar.gz").
	Key string
	// Size is the object size in bytes.
	Size int64
	// LastModified is when the object was written.
	LastModified time.Time
	// Metadata holds user metadata attached at upload time. Keys are lower-case.
	Metadata map[string]string
}

// ObjectStore is the get/put/delete-by-key surface shared by the canonical
// object store and backup storage.
type ObjectStore interface {
	// Name returns a display name for this backend instance.
	Name() string
	// Get opens the object stored under key. Caller must close the reader.
	// Missing keys return an error wrapping ErrNotExist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data io.Reader, size int64, metadata map[string]string) error
	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error
}

// BackupStore is an ObjectStore that can also enumerate objects and hand out
// time-limited download links. Backup storage must implement it.
type BackupStore interface {
	ObjectStore
	// List returns every object whose key starts with prefix, metadata included.
	// Order is unspecified.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// PresignGet returns a URL granting read access to key for ttl.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// IsNotExist reports whether err signals a missing object.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
