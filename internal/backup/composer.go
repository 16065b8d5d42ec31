package backup

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"lendbackup/internal/metrics"
	"lendbackup/internal/storage"
	"lendbackup/internal/workspace"
)

// Entry names inside a full artifact.
const (
	dumpEntry     = "database.sql.gz"
	filesEntry    = "files.zip"
	manifestEntry = "manifest.json"
)

// Request describes who asked for a backup.
type Request struct {
	PerformedBy string
	Automatic   bool
}

// Composer produces artifacts and uploads them to backup storage.
type Composer struct {
	store      storage.BackupStore
	dumper     Dumper
	collector  KeyCollector
	archiver   FileArchiver
	workspaces *workspace.Manager
	ids        *IDGenerator
	audit      *auditor
	metrics    metrics.Metrics
	retry      RetryPolicy
	now        func() time.Time
	database   string
	logger     zerolog.Logger
}

// NewComposer builds a Composer from d.
func NewComposer(d Deps) *Composer {
	d = d.withDefaults()
	return &Composer{
		store:      d.Store,
		dumper:     d.Dumper,
		collector:  d.Collector,
		archiver:   d.Archiver,
		workspaces: d.Workspaces,
		ids:        d.IDs,
		audit:      d.auditor(),
		metrics:    d.Metrics,
		retry:      *d.Retry,
		now:        d.Now,
		database:   d.Database,
		logger:     d.Logger.With().Str("component", "composer").Logger(),
	}
}

func (r Request) validate() error {
	if r.PerformedBy == "" {
		return errors.New("performedBy is required")
	}
	return nil
}

// ComposeFull dumps the database, archives every referenced object and
// uploads the bundle as backups/<id>.tar.gz.
func (c *Composer) ComposeFull(ctx context.Context, req Request) (art *Artifact, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := c.now()
	defer func() { observe(c.metrics, c.now, "create", KindFull, start, err) }()

	id, createdAt := c.ids.Next(KindFull)
	logger := c.logger.With().Str("backup_id", id).Logger()
	logger.Info().Str("performed_by", req.PerformedBy).Msg("starting full backup")

	var manifest Manifest
	err = c.workspaces.With(ctx, id, func(ctx context.Context, ws *workspace.Workspace) error {
		if _, err := c.dumper.Dump(ctx, ws.Path(dumpEntry)); err != nil {
			return fmt.Errorf("database dump failed: %w", err)
		}

		keys, err := c.collector.Collect(ctx)
		if err != nil {
			return fmt.Errorf("collecting referenced objects failed: %w", err)
		}

		res, err := c.archiver.Build(ctx, ws.Path(filesEntry), keys)
		if err != nil {
			return fmt.Errorf("archiving objects failed: %w", err)
		}
		c.metrics.AddSkippedObjects(len(res.Skipped))

		manifest = Manifest{
			ID:          id,
			CreatedAt:   createdAt,
			CreatedBy:   req.PerformedBy,
			IsAutomatic: req.Automatic,
			Version:     manifestVersion,
			Kind:        KindFull,
			Database:    c.database,
			Objects: ObjectCounts{
				Referenced: len(keys),
				Archived:   len(res.Added),
				Skipped:    len(res.Skipped),
			},
		}
		if err := writeManifest(ws.Path(manifestEntry), manifest); err != nil {
			return err
		}

		bundle := ws.Path(id + KindFull.Extension())
		if err := writeTarGz(ctx, bundle, ws.Dir(), []string{dumpEntry, filesEntry, manifestEntry}); err != nil {
			return fmt.Errorf("bundling artifact failed: %w", err)
		}

		a := c.artifact(id, KindFull, createdAt, req)
		if a.Size, err = c.upload(ctx, bundle, a); err != nil {
			return err
		}
		art = &a
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("full backup failed")
		c.recordFailure(ctx, req, id, KindFull, err)
		return nil, err
	}

	logger.Info().
		Int64("size", art.Size).
		Int("objects_archived", manifest.Objects.Archived).
		Int("objects_skipped", manifest.Objects.Skipped).
		Msg("full backup complete")
	c.audit.record(ctx, ActionCreate, req.PerformedBy, id, map[string]any{
		"kind":            string(KindFull),
		"status":          "success",
		"fileName":        art.FileName,
		"size":            art.Size,
		"automatic":       art.Automatic,
		"objectsArchived": manifest.Objects.Archived,
		"objectsSkipped":  manifest.Objects.Skipped,
	})
	return art, nil
}

// ComposeDatabaseOnly dumps the database and uploads the dump as
// backups/<id>.sql.gz.
func (c *Composer) ComposeDatabaseOnly(ctx context.Context, req Request) (art *Artifact, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := c.now()
	defer func() { observe(c.metrics, c.now, "create", KindDatabase, start, err) }()

	id, createdAt := c.ids.Next(KindDatabase)
	logger := c.logger.With().Str("backup_id", id).Logger()
	logger.Info().Str("performed_by", req.PerformedBy).Msg("starting database backup")

	err = c.workspaces.With(ctx, id, func(ctx context.Context, ws *workspace.Workspace) error {
		dumpPath := ws.Path(id + KindDatabase.Extension())
		if _, err := c.dumper.Dump(ctx, dumpPath); err != nil {
			return fmt.Errorf("database dump failed: %w", err)
		}
		a := c.artifact(id, KindDatabase, createdAt, req)
		var err error
		if a.Size, err = c.upload(ctx, dumpPath, a); err != nil {
			return err
		}
		art = &a
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("database backup failed")
		c.recordFailure(ctx, req, id, KindDatabase, err)
		return nil, err
	}

	logger.Info().Int64("size", art.Size).Msg("database backup complete")
	c.audit.record(ctx, ActionCreate, req.PerformedBy, id, map[string]any{
		"kind":      string(KindDatabase),
		"status":    "success",
		"fileName":  art.FileName,
		"size":      art.Size,
		"automatic": art.Automatic,
	})
	return art, nil
}

// recordFailure audits a backup that got past request validation but did not
// produce an artifact.
func (c *Composer) recordFailure(ctx context.Context, req Request, id string, kind Kind, err error) {
	c.audit.record(ctx, ActionCreate, req.PerformedBy, id, map[string]any{
		"kind":      string(kind),
		"status":    "failed",
		"automatic": req.Automatic,
		"error":     err.Error(),
	})
}

func (c *Composer) artifact(id string, kind Kind, createdAt time.Time, req Request) Artifact {
	key := KeyFor(id, kind)
	return Artifact{
		ID:        id,
		FileName:  filepath.Base(key),
		Key:       key,
		Kind:      kind,
		CreatedAt: createdAt,
		CreatedBy: req.PerformedBy,
		Automatic: req.Automatic,
	}
}

// upload puts the local file at path under a.Key with the artifact metadata.
// The object becomes visible only once the single Put completes.
func (c *Composer) upload(ctx context.Context, path string, a Artifact) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	md := encodeMetadata(a)

	err = c.retry.Do(ctx, c.logger, "upload "+a.Key, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return c.store.Put(ctx, a.Key, f, info.Size(), md)
	})
	if err != nil {
		return 0, &StorageError{Op: "put", Key: a.Key, Err: err}
	}
	return info.Size(), nil
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// writeTarGz bundles the named files from dir into a gzip-compressed tar at
// outputPath. Entries keep their base names.
func writeTarGz(ctx context.Context, outputPath, dir string, names []string) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	// Members are already compressed.
	gz, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(gz)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addTarFile(tw, filepath.Join(dir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addTarFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
