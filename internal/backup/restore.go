package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"lendbackup/internal/archive"
	"lendbackup/internal/metrics"
	"lendbackup/internal/storage"
	"lendbackup/internal/workspace"
)

// Stage is how far a restore progressed.
type Stage string

const (
	StageResolved         Stage = "resolved"
	StageDownloaded       Stage = "downloaded"
	StageDatabaseRestored Stage = "db-restored"
	StageFilesRestored    Stage = "files-restored"
	StageDone             Stage = "done"
)

// RestoreResult reports a restore. It is returned alongside errors raised
// after the artifact was resolved.
type RestoreResult struct {
	Artifact Artifact
	Stage    Stage
	// Restored lists the object keys written back to the canonical store.
	Restored []string
}

// Restorer replays artifacts into the database and the canonical object store.
type Restorer struct {
	catalog    *Catalog
	store      storage.BackupStore
	objects    storage.ObjectStore
	dumper     Dumper
	archiver   FileArchiver
	workspaces *workspace.Manager
	audit      *auditor
	metrics    metrics.Metrics
	retry      RetryPolicy
	workers    int
	now        func() time.Time
	logger     zerolog.Logger
}

// NewRestorer builds a Restorer from d.
func NewRestorer(d Deps) *Restorer {
	d = d.withDefaults()
	return &Restorer{
		catalog:    NewCatalog(d.Store, d.Logger),
		store:      d.Store,
		objects:    d.Objects,
		dumper:     d.Dumper,
		archiver:   d.Archiver,
		workspaces: d.Workspaces,
		audit:      d.auditor(),
		metrics:    d.Metrics,
		retry:      *d.Retry,
		workers:    d.Workers,
		now:        d.Now,
		logger:     d.Logger.With().Str("component", "restore").Logger(),
	}
}

// Restore replays the artifact with the given id. A database-only artifact
// restores the database; a full artifact also writes every archived object
// back to the canonical store. Failing to write any object is an error
// (*RestoreTransferError) even though the database was already restored.
func (r *Restorer) Restore(ctx context.Context, id, performedBy string) (res *RestoreResult, err error) {
	start := r.now()
	a, err := r.catalog.Resolve(ctx, id)
	if err != nil {
		r.audit.record(ctx, ActionRestore, performedBy, id, map[string]any{"id": id, "status": "failed", "error": err.Error()})
		return nil, err
	}

	res = &RestoreResult{Artifact: *a, Stage: StageResolved}
	logger := r.logger.With().Str("backup_id", a.ID).Str("kind", string(a.Kind)).Logger()
	logger.Info().Str("performed_by", performedBy).Msg("starting restore")

	defer func() {
		observe(r.metrics, r.now, "restore", a.Kind, start, err)
		md := map[string]any{"id": a.ID, "kind": string(a.Kind), "stage": string(res.Stage), "status": "success"}
		if err != nil {
			md["status"] = "failed"
			md["error"] = err.Error()
			logger.Error().Err(err).Str("stage", string(res.Stage)).Msg("restore failed")
		} else {
			logger.Info().Int("objects", len(res.Restored)).Msg("restore complete")
		}
		r.audit.record(ctx, ActionRestore, performedBy, a.ID, md)
	}()

	err = r.workspaces.With(ctx, "restore-"+a.ID, func(ctx context.Context, ws *workspace.Workspace) error {
		local := ws.Path(a.FileName)
		if err := r.download(ctx, a.Key, local); err != nil {
			return err
		}
		res.Stage = StageDownloaded

		if a.Kind == KindDatabase {
			if err := r.dumper.Restore(ctx, local); err != nil {
				return fmt.Errorf("database restore failed: %w", err)
			}
			res.Stage = StageDatabaseRestored
			return nil
		}

		unpacked := ws.Path("unpacked")
		if err := extractBundle(ctx, local, unpacked); err != nil {
			return fmt.Errorf("failed to unpack artifact: %w", err)
		}
		if err := r.dumper.Restore(ctx, filepath.Join(unpacked, dumpEntry)); err != nil {
			return fmt.Errorf("database restore failed: %w", err)
		}
		res.Stage = StageDatabaseRestored

		entries, err := r.archiver.Extract(ctx, filepath.Join(unpacked, filesEntry), ws.Path("files"))
		if err != nil {
			return fmt.Errorf("failed to extract objects: %w", err)
		}
		restored, err := r.reupload(ctx, entries)
		res.Restored = restored
		r.metrics.AddRestoredObjects(len(restored))
		if err != nil {
			return err
		}
		res.Stage = StageFilesRestored
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Stage = StageDone
	return res, nil
}

// download copies the artifact at key into path, retrying transient failures.
func (r *Restorer) download(ctx context.Context, key, path string) error {
	err := r.retry.Do(ctx, r.logger, "download "+key, func(ctx context.Context) error {
		rc, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, rc); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return &StorageError{Op: "get", Key: key, Err: err}
	}
	return nil
}

// reupload writes every extracted object back under its original key with
// bounded concurrency. Each object is retried on its own; failures are
// collected rather than stopping the others.
func (r *Restorer) reupload(ctx context.Context, entries []archive.Entry) ([]string, error) {
	var (
		mu       sync.Mutex
		restored []string
		failed   []*PartialTransferError
	)

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		e := e
		key := e.Key
		g.Go(func() error {
			err := r.retry.Do(ctx, r.logger, "upload "+key, func(ctx context.Context) error {
				return r.putFile(ctx, e.Path, key)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("failed to restore object")
				failed = append(failed, &PartialTransferError{Key: key, Err: err})
				return nil
			}
			restored = append(restored, key)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return restored, err
	}
	if len(failed) > 0 {
		return restored, &RestoreTransferError{Failed: failed}
	}
	return restored, nil
}

func (r *Restorer) putFile(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return r.objects.Put(ctx, key, f, info.Size(), nil)
}

// extractBundle unpacks the members of a full artifact into destDir. Only
// the known member names are accepted; the dump and the object archive must
// both be present.
func extractBundle(ctx context.Context, bundlePath, destDir string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return err
	}

	known := map[string]bool{dumpEntry: true, filesEntry: true, manifestEntry: true}
	seen := map[string]bool{}
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg || !known[hdr.Name] {
			continue
		}
		if err := writeFile(filepath.Join(destDir, hdr.Name), tr); err != nil {
			return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
		}
		seen[hdr.Name] = true
	}

	for _, required := range []string{dumpEntry, filesEntry} {
		if !seen[required] {
			return fmt.Errorf("artifact is missing %s", required)
		}
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
