package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendbackup/internal/database"
)

const sampleConfig = `
database:
  url: postgres://loans:pw@db:5432/loans
  timeout: 45m
backupStorage:
  type: s3
  bucket: loan-backups
  region: eu-west-1
  endpoint: http://minio:9000
  forcePathStyle: true
objectStorage:
  type: local
  path: /data/objects
retentionDays: 14
log:
  format: json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParse(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Parse(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres://loans:pw@db:5432/loans", cfg.Database.URL)
	assert.Equal(t, 45*time.Minute, cfg.Database.Timeout)
	assert.Equal(t, "s3", cfg.BackupStorage.Type)
	assert.Equal(t, "loan-backups", cfg.BackupStorage.Bucket)
	assert.True(t, cfg.BackupStorage.ForcePathStyle)
	assert.Equal(t, "/data/objects", cfg.ObjectStorage.Path)
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.WithDefaults().Validate())
}

func TestParse_DatabaseURLOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://other@db2/loans2")
	cfg, err := Parse(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "postgres://other@db2/loans2", cfg.Database.URL)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)

	_, err = Parse(writeConfig(t, "database: [unclosed"))
	require.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	assert.Equal(t, "pg_dump", cfg.Database.DumpBinary)
	assert.Equal(t, "psql", cfg.Database.RestoreBinary)
	assert.Equal(t, database.DefaultTimeout, cfg.Database.Timeout)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 8, cfg.Workers)
	assert.Len(t, cfg.Inventory, 3)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "lendbackup", cfg.Metrics.Namespace)

	domains := cfg.Domains()
	require.Len(t, domains, 3)
	assert.Equal(t, "movement_photos", domains[2].Table)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing database url", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: true},
		{name: "unknown storage type", mutate: func(c *Config) { c.BackupStorage.Type = "ftp" }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.BackupStorage.Bucket = "" }, wantErr: true},
		{name: "local without path", mutate: func(c *Config) { c.ObjectStorage.Path = "" }, wantErr: true},
		{name: "negative retention", mutate: func(c *Config) { c.RetentionDays = -1 }, wantErr: true},
		{name: "incomplete inventory", mutate: func(c *Config) { c.Inventory = []InventoryDomain{{Name: "x"}} }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Database:      DatabaseConfig{URL: "postgres://loans@db/loans"},
				BackupStorage: StorageConfig{Type: "s3", Bucket: "b"},
				ObjectStorage: StorageConfig{Type: "local", Path: "/data"},
			}.WithDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var ce *database.ConfigurationError
			require.ErrorAs(t, err, &ce)
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("LENDBACKUP_CONFIG", "/etc/lendbackup.yml")
	assert.Equal(t, "/etc/lendbackup.yml", Path())
}

func TestStorageConfigName(t *testing.T) {
	assert.Equal(t, "s3", StorageConfigName(StorageConfig{Type: "s3"}))
	assert.Equal(t, "primary", StorageConfigName(StorageConfig{Type: "s3", Name: "primary"}))
}
