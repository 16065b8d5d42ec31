package backup

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"lendbackup/internal/archive"
	"lendbackup/internal/metrics"
	"lendbackup/internal/storage"
	"lendbackup/internal/workspace"
)

// Deps wires the collaborators of the backup components. Every component
// reads only the fields it needs.
type Deps struct {
	// Store is backup storage.
	Store storage.BackupStore
	// Objects is the canonical object store written back on restore.
	Objects    storage.ObjectStore
	Dumper     Dumper
	Collector  KeyCollector
	Archiver   FileArchiver
	Workspaces *workspace.Manager
	Audit      AuditRecorder
	Metrics    metrics.Metrics
	Logger     zerolog.Logger
	IDs        *IDGenerator
	Now        func() time.Time
	// Retry governs storage transfers. Nil uses DefaultRetryPolicy;
	// &RetryPolicy{} makes a single attempt.
	Retry *RetryPolicy
	// Database is the database name recorded in manifests.
	Database string
	// Workers bounds concurrent object uploads during restore.
	Workers int
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.IDs == nil {
		d.IDs = NewIDGenerator(d.Now)
	}
	if d.Workspaces == nil {
		d.Workspaces = workspace.NewManager("")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Retry == nil {
		p := DefaultRetryPolicy()
		d.Retry = &p
	}
	if d.Workers <= 0 {
		d.Workers = archive.DefaultWorkers
	}
	return d
}

func (d Deps) auditor() *auditor {
	return &auditor{rec: d.Audit, now: d.Now, logger: d.Logger}
}

func (d Deps) validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, &ConfigurationError{Field: "backupStorage", Err: errors.New("backup storage is required")})
	}
	if d.Objects == nil {
		errs = append(errs, &ConfigurationError{Field: "objectStorage", Err: errors.New("object storage is required")})
	}
	if d.Dumper == nil {
		errs = append(errs, &ConfigurationError{Field: "database", Err: errors.New("database engine is required")})
	}
	if d.Collector == nil {
		errs = append(errs, &ConfigurationError{Field: "inventory", Err: errors.New("object inventory is required")})
	}
	if d.Archiver == nil {
		errs = append(errs, &ConfigurationError{Field: "archiver", Err: errors.New("file archiver is required")})
	}
	return errors.Join(errs...)
}

// observe records the outcome of one operation.
func observe(m metrics.Metrics, now func() time.Time, op string, kind Kind, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ObserveOperation(op, string(kind), status, now().Sub(start).Seconds())
}
