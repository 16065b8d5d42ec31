package backup

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"lendbackup/internal/storage"
)

// DownloadURLTTL is how long a download link stays valid.
const DownloadURLTTL = time.Hour

// Catalog lists and resolves artifacts in backup storage.
type Catalog struct {
	store  storage.BackupStore
	logger zerolog.Logger
}

// NewCatalog returns a Catalog over store.
func NewCatalog(store storage.BackupStore, logger zerolog.Logger) *Catalog {
	return &Catalog{store: store, logger: logger.With().Str("component", "catalog").Logger()}
}

// List returns every artifact under backups/, newest first. Objects that are
// not artifacts are ignored.
func (c *Catalog) List(ctx context.Context) ([]Artifact, error) {
	objects, err := c.store.List(ctx, Prefix)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: Prefix, Err: err}
	}

	artifacts := make([]Artifact, 0, len(objects))
	for _, obj := range objects {
		a, ok := decodeArtifact(obj)
		if !ok {
			c.logger.Debug().Str("key", obj.Key).Msg("ignoring non-artifact object")
			continue
		}
		artifacts = append(artifacts, a)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
		}
		return artifacts[i].ID > artifacts[j].ID
	})
	return artifacts, nil
}

// Resolve finds the artifact with the given id.
func (c *Catalog) Resolve(ctx context.Context, id string) (*Artifact, error) {
	if id == "" {
		return nil, &NotFoundError{ID: id}
	}
	artifacts, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range artifacts {
		if artifacts[i].ID == id {
			return &artifacts[i], nil
		}
	}
	return nil, &NotFoundError{ID: id}
}

// DownloadURL returns a time-limited link to the artifact with the given id.
func (c *Catalog) DownloadURL(ctx context.Context, id string) (string, error) {
	a, err := c.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	url, err := c.store.PresignGet(ctx, a.Key, DownloadURLTTL)
	if err != nil {
		if storage.IsNotExist(err) {
			return "", &NotFoundError{ID: id}
		}
		return "", &StorageError{Op: "presign", Key: a.Key, Err: err}
	}
	return url, nil
}
