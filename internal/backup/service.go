// Package backup composes, catalogs, expires and restores point-in-time
// snapshots of the relational store and of every object it references.
package backup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"lendbackup/internal/metrics"
	"lendbackup/internal/storage"
)

// Service is the entry point used by whatever transport exposes backups.
type Service struct {
	composer      *Composer
	catalog       *Catalog
	sweeper       *Sweeper
	restorer      *Restorer
	store         storage.BackupStore
	dumper        Dumper
	audit         *auditor
	metrics       metrics.Metrics
	now           func() time.Time
	retentionDays int
	logger        zerolog.Logger
}

// NewService validates d and builds every component.
func NewService(d Deps, retentionDays int) (*Service, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		return nil, &ConfigurationError{Field: "retentionDays", Err: errors.New("must be a positive number of days")}
	}
	d = d.withDefaults()
	return &Service{
		composer:      NewComposer(d),
		catalog:       NewCatalog(d.Store, d.Logger),
		sweeper:       NewSweeper(d),
		restorer:      NewRestorer(d),
		store:         d.Store,
		dumper:        d.Dumper,
		audit:         d.auditor(),
		metrics:       d.Metrics,
		now:           d.Now,
		retentionDays: retentionDays,
		logger:        d.Logger.With().Str("component", "backup").Logger(),
	}, nil
}

// CreateFull produces a full backup on behalf of performedBy.
func (s *Service) CreateFull(ctx context.Context, performedBy string) (*Artifact, error) {
	return s.composer.ComposeFull(ctx, Request{PerformedBy: performedBy})
}

// CreateDatabaseOnly produces a database-only backup on behalf of performedBy.
func (s *Service) CreateDatabaseOnly(ctx context.Context, performedBy string) (*Artifact, error) {
	return s.composer.ComposeDatabaseOnly(ctx, Request{PerformedBy: performedBy})
}

// CreateAutomatic produces a full backup flagged as automatic.
func (s *Service) CreateAutomatic(ctx context.Context) (*Artifact, error) {
	return s.composer.ComposeFull(ctx, Request{PerformedBy: SystemActor, Automatic: true})
}

// List returns every artifact, newest first.
func (s *Service) List(ctx context.Context) ([]Artifact, error) {
	return s.catalog.List(ctx)
}

// GetDownloadURL returns a one-hour download link for id.
func (s *Service) GetDownloadURL(ctx context.Context, id string) (string, error) {
	return s.catalog.DownloadURL(ctx, id)
}

// Delete removes the artifact with the given id. Every attempt is audited,
// failed ones with status "failed".
func (s *Service) Delete(ctx context.Context, id, performedBy string) (err error) {
	start := s.now()
	a, err := s.catalog.Resolve(ctx, id)
	if err != nil {
		s.audit.record(ctx, ActionDelete, performedBy, id, map[string]any{
			"status": "failed",
			"error":  err.Error(),
		})
		return err
	}
	defer func() { observe(s.metrics, s.now, "delete", a.Kind, start, err) }()

	if err := s.store.Delete(ctx, a.Key); err != nil {
		if storage.IsNotExist(err) {
			err = &NotFoundError{ID: id}
		} else {
			err = &StorageError{Op: "delete", Key: a.Key, Err: err}
		}
		s.logger.Error().Err(err).Str("backup_id", a.ID).Msg("backup delete failed")
		s.audit.record(ctx, ActionDelete, performedBy, a.ID, map[string]any{
			"kind":     string(a.Kind),
			"fileName": a.FileName,
			"status":   "failed",
			"error":    err.Error(),
		})
		return err
	}

	s.logger.Info().Str("backup_id", a.ID).Str("performed_by", performedBy).Msg("backup deleted")
	s.audit.record(ctx, ActionDelete, performedBy, a.ID, map[string]any{
		"kind":     string(a.Kind),
		"fileName": a.FileName,
		"status":   "success",
	})
	return nil
}

// Restore replays the artifact with the given id.
func (s *Service) Restore(ctx context.Context, id, performedBy string) (*RestoreResult, error) {
	return s.restorer.Restore(ctx, id, performedBy)
}

// SweepExpired deletes artifacts older than the configured retention.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.sweeper.Sweep(ctx, s.retentionDays)
}

// Preflight verifies the dump and restore tools are available when the
// database engine supports the check.
func (s *Service) Preflight() error {
	if p, ok := s.dumper.(interface{ Preflight() error }); ok {
		return p.Preflight()
	}
	return nil
}
