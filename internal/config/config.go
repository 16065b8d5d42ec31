package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"lendbackup/internal/database"
	"lendbackup/internal/inventory"
)

// Config is the top-level configuration.
type Config struct {
	Database      DatabaseConfig    `yaml:"database"`
	BackupStorage StorageConfig     `yaml:"backupStorage"`
	ObjectStorage StorageConfig     `yaml:"objectStorage"`
	Inventory     []InventoryDomain `yaml:"inventory,omitempty"`
	RetentionDays int               `yaml:"retentionDays"`
	Workers       int               `yaml:"workers,omitempty"`
	WorkDir       string            `yaml:"workDir,omitempty"` // defaults to os.TempDir()
	Log           LogConfig         `yaml:"log"`
	Metrics       MetricsConfig     `yaml:"metrics"`
}

// DatabaseConfig locates the relational store and its client tools.
type DatabaseConfig struct {
	URL           string        `yaml:"url"`
	DumpBinary    string        `yaml:"dumpBinary,omitempty"`
	RestoreBinary string        `yaml:"restoreBinary,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// StorageConfig defines a storage backend.
type StorageConfig struct {
	Name string `yaml:"name,omitempty"` // optional display name; defaults to type
	Type string `yaml:"type"`           // "local", "s3"

	// Local backend
	Path string `yaml:"path,omitempty"`

	// S3 backend
	Bucket string `yaml:"bucket,omitempty"`
	// Prefix is an extra root above every key. Artifacts already live under
	// backups/, so prefix "lend" stores them as lend/backups/<file>.
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	StorageClass    string `yaml:"storageClass,omitempty"`
	ForcePathStyle  bool   `yaml:"forcePathStyle,omitempty"`
}

// InventoryDomain names a table column holding object keys.
type InventoryDomain struct {
	Name   string `yaml:"name"`
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // "console" or "json"
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Parse reads and parses the config file at the given path. DATABASE_URL,
// when set, overrides database.url.
func Parse(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	return cfg, nil
}

// Path resolves the config file path from (in order of priority):
// 1. LENDBACKUP_CONFIG environment variable
// 2. /config/config.yml (Docker default)
// 3. ./config.yml (local development fallback)
func Path() string {
	if v := os.Getenv("LENDBACKUP_CONFIG"); v != "" {
		return v
	}
	// Docker default location
	if _, err := os.Stat("/config/config.yml"); err == nil {
		return "/config/config.yml"
	}
	// Local development fallback
	return "config.yml"
}

// WithDefaults fills unset optional fields.
func (c Config) WithDefaults() Config {
	if c.Database.DumpBinary == "" {
		c.Database.DumpBinary = "pg_dump"
	}
	if c.Database.RestoreBinary == "" {
		c.Database.RestoreBinary = "psql"
	}
	if c.Database.Timeout <= 0 {
		c.Database.Timeout = database.DefaultTimeout
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if len(c.Inventory) == 0 {
		for _, d := range inventory.DefaultDomains {
			c.Inventory = append(c.Inventory, InventoryDomain{Name: d.Name, Table: d.Table, Column: d.Column})
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "lendbackup"
	}
	return c
}

// Validate reports every missing or malformed setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := database.ParseConnection(c.Database.URL); err != nil {
		errs = append(errs, err)
	}
	if err := c.BackupStorage.validate("backupStorage"); err != nil {
		errs = append(errs, err)
	}
	if err := c.ObjectStorage.validate("objectStorage"); err != nil {
		errs = append(errs, err)
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, &database.ConfigurationError{Field: "retentionDays", Err: errors.New("must be a positive number of days")})
	}
	for i, d := range c.Inventory {
		if d.Table == "" || d.Column == "" {
			errs = append(errs, &database.ConfigurationError{
				Field: fmt.Sprintf("inventory[%d]", i),
				Err:   errors.New("table and column are required"),
			})
		}
	}
	return errors.Join(errs...)
}

func (s StorageConfig) validate(field string) error {
	switch s.Type {
	case "local":
		if s.Path == "" {
			return &database.ConfigurationError{Field: field + ".path", Err: errors.New("required for local storage")}
		}
	case "s3":
		if s.Bucket == "" {
			return &database.ConfigurationError{Field: field + ".bucket", Err: errors.New("required for s3 storage")}
		}
	case "":
		return &database.ConfigurationError{Field: field + ".type", Err: errors.New("required")}
	default:
		return &database.ConfigurationError{Field: field + ".type", Err: fmt.Errorf("unknown storage type %q", s.Type)}
	}
	return nil
}

// StorageConfigName returns the effective name for a storage config entry.
// If a custom name is set it takes precedence; otherwise the type is used.
func StorageConfigName(sc StorageConfig) string {
	if sc.Name != "" {
		return sc.Name
	}
	return sc.Type
}

// Domains converts the inventory section for the inventory package.
func (c Config) Domains() []inventory.Domain {
	out := make([]inventory.Domain, 0, len(c.Inventory))
	for _, d := range c.Inventory {
		name := d.Name
		if name == "" {
			name = d.Table
		}
		out = append(out, inventory.Domain{Name: name, Table: d.Table, Column: d.Column})
	}
	return out
}
