// Package app assembles a ready-to-use backup service from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"lendbackup/internal/archive"
	"lendbackup/internal/backup"
	"lendbackup/internal/config"
	"lendbackup/internal/database"
	"lendbackup/internal/inventory"
	"lendbackup/internal/logging"
	"lendbackup/internal/metrics"
	"lendbackup/internal/storage"
	"lendbackup/internal/storage/local"
	s3backend "lendbackup/internal/storage/s3"
	"lendbackup/internal/workspace"
)

// App owns the backup service and the resources behind it.
type App struct {
	Service *backup.Service
	Logger  zerolog.Logger

	pool *pgxpool.Pool
}

type options struct {
	logger     *zerolog.Logger
	registerer prometheus.Registerer
	audit      backup.AuditRecorder
}

// Option customizes New.
type Option func(*options)

// WithLogger replaces the logger built from the log section.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithRegisterer sets where metrics are registered when enabled.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithAuditRecorder replaces the logging audit recorder.
func WithAuditRecorder(r backup.AuditRecorder) Option {
	return func(o *options) { o.audit = r }
}

// New validates cfg and wires every component. The database pool connects
// lazily; Close releases it.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if o.logger != nil {
		logger = *o.logger
	}

	conn, err := database.ParseConnection(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	backups, err := createBackupStore(ctx, cfg.BackupStorage)
	if err != nil {
		return nil, err
	}
	objects, err := createBackupStore(ctx, cfg.ObjectStorage)
	if err != nil {
		return nil, err
	}

	m := metrics.Metrics(metrics.Noop{})
	if cfg.Metrics.Enabled {
		prom, err := metrics.NewProm(cfg.Metrics.Namespace, o.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		m = prom
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	engine := database.New(conn,
		database.WithDumpBinary(cfg.Database.DumpBinary),
		database.WithRestoreBinary(cfg.Database.RestoreBinary),
		database.WithTimeout(cfg.Database.Timeout),
		database.WithLogger(logger),
	)

	audit := o.audit
	if audit == nil {
		audit = backup.NewLogRecorder(logger)
	}

	svc, err := backup.NewService(backup.Deps{
		Store:      backups,
		Objects:    objects,
		Dumper:     engine,
		Collector:  inventory.NewCollector(logger, inventory.SourcesFor(pool, cfg.Domains())...),
		Archiver:   archive.New(objects, archive.WithWorkers(cfg.Workers), archive.WithLogger(logger)),
		Workspaces: workspace.NewManager(cfg.WorkDir),
		Audit:      audit,
		Metrics:    m,
		Logger:     logger,
		Database:   conn.Database,
		Workers:    cfg.Workers,
	}, cfg.RetentionDays)
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().
		Str("backup_storage", backups.Name()).
		Str("object_storage", objects.Name()).
		Str("database", conn.Database).
		Int("retention_days", cfg.RetentionDays).
		Msg("backup service ready")

	return &App{Service: svc, Logger: logger, pool: pool}, nil
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func createBackupStore(ctx context.Context, cfg config.StorageConfig) (storage.BackupStore, error) {
	switch cfg.Type {
	case "local":
		b := local.New(cfg.Path)
		b.SetName(config.StorageConfigName(cfg))
		return b, nil
	case "s3":
		b, err := s3backend.New(ctx, s3backend.Config{
			Name:            cfg.Name,
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			StorageClass:    cfg.StorageClass,
			ForcePathStyle:  cfg.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
