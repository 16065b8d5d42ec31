package backup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit actions emitted by the backup subsystem.
const (
	ActionCreate  = "backup.create"
	ActionDelete  = "backup.delete"
	ActionRestore = "backup.restore"
	ActionExpire  = "backup.expire"

	// SystemActor performs automatic backups and retention sweeps.
	SystemActor = "system"

	auditTargetType = "System"
)

// AuditEntry is one record handed to the audit log.
type AuditEntry struct {
	ID          string
	PerformedBy string
	Action      string
	TargetType  string
	TargetID    string
	Metadata    map[string]any
	At          time.Time
}

// AuditRecorder persists audit entries. Persistence format is up to the
// implementation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// LogRecorder writes audit entries to a logger.
type LogRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder returns an AuditRecorder backed by logger.
func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With().Str("component", "audit").Logger()}
}

func (r *LogRecorder) Record(_ context.Context, e AuditEntry) error {
	r.logger.Info().
		Str("audit_id", e.ID).
		Str("action", e.Action).
		Str("performed_by", e.PerformedBy).
		Str("target_type", e.TargetType).
		Str("target_id", e.TargetID).
		Fields(e.Metadata).
		Time("at", e.At).
		Msg("audit")
	return nil
}

// auditor stamps and records entries. A failing recorder is logged and
// never fails the calling operation.
type auditor struct {
	rec    AuditRecorder
	now    func() time.Time
	logger zerolog.Logger
}

func (a *auditor) record(ctx context.Context, action, performedBy, targetID string, metadata map[string]any) {
	if a == nil || a.rec == nil {
		return
	}
	entry := AuditEntry{
		ID:          uuid.NewString(),
		PerformedBy: performedBy,
		Action:      action,
		TargetType:  auditTargetType,
		TargetID:    targetID,
		Metadata:    metadata,
		At:          a.now().UTC(),
	}
	// Audit outlives a cancelled operation context.
	if err := a.rec.Record(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Error().Err(err).
			Str("action", action).
			Str("target_id", targetID).
			Msg("failed to record audit entry")
	}
}
