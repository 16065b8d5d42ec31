package backup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"lendbackup/internal/metrics"
	"lendbackup/internal/storage"
)

// Sweeper deletes artifacts older than the retention window.
type Sweeper struct {
	catalog *Catalog
	store   storage.BackupStore
	audit   *auditor
	metrics metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewSweeper builds a Sweeper from d.
func NewSweeper(d Deps) *Sweeper {
	d = d.withDefaults()
	return &Sweeper{
		catalog: NewCatalog(d.Store, d.Logger),
		store:   d.Store,
		audit:   d.auditor(),
		metrics: d.Metrics,
		now:     d.Now,
		logger:  d.Logger.With().Str("component", "retention").Logger(),
	}
}

// Sweep deletes every artifact created strictly before now minus
// retentionDays and returns the number deleted. A failed deletion is logged
// and the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, &ConfigurationError{Field: "retentionDays", Err: errors.New("must be a positive number of days")}
	}

	artifacts, err := s.catalog.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(artifacts) == 0 {
		return 0, nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, a := range selectExpired(artifacts, cutoff) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := s.store.Delete(ctx, a.Key); err != nil {
			s.logger.Warn().Err(err).Str("backup_id", a.ID).Msg("failed to delete expired backup")
			continue
		}
		deleted++
		s.logger.Info().Str("backup_id", a.ID).Time("created_at", a.CreatedAt).Msg("expired backup deleted")
		s.audit.record(ctx, ActionExpire, SystemActor, a.ID, map[string]any{
			"kind":          string(a.Kind),
			"fileName":      a.FileName,
			"retentionDays": retentionDays,
		})
	}

	s.metrics.AddExpired(deleted)
	return deleted, nil
}

// selectExpired returns the artifacts created strictly before cutoff.
func selectExpired(artifacts []Artifact, cutoff time.Time) []Artifact {
	var expired []Artifact
	for _, a := range artifacts {
		if a.CreatedAt.Before(cutoff) {
			expired = append(expired, a)
		}
	}
	return expired
}
