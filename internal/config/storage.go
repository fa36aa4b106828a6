package config

import (
	"errors"
	"fmt"
	"time"
)

// Storage backend selectors.
const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageFS       = "fs"
	StorageGCS      = "gcs"
)

var (
	// ErrDSNRequired is returned when the postgres backend has no DSN.
	ErrDSNRequired = errors.New("EXPENSABL_DB_DSN is required when EXPENSABL_STORAGE_TYPE is 'postgres'")

	// ErrBucketRequired is returned when the gcs backend has no bucket.
	ErrBucketRequired = errors.New("EXPENSABL_GCS_BUCKET is required when EXPENSABL_STORAGE_TYPE is 'gcs'")
)

// StorageConfig selects and configures the durable store backend.
type StorageConfig struct {
	// Type selects the backend: sqlite (default), postgres, fs, or gcs.
	Type string `env:"EXPENSABL_STORAGE_TYPE" default:"sqlite"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `env:"EXPENSABL_SQLITE_PATH" default:"./expensabl.db"`

	// DSN is the connection string for the postgres backend.
	DSN string `env:"EXPENSABL_DB_DSN"`

	// FSDir is the state directory for the fs backend.
	FSDir string `env:"EXPENSABL_FS_DIR" default:"./expensabl-data"`

	// GCSBucket is the bucket for the gcs backend.
	GCSBucket string `env:"EXPENSABL_GCS_BUCKET"`

	// Connection pool settings (zero = infrastructure defaults).
	MaxOpenConns    int           `env:"EXPENSABL_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"EXPENSABL_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"EXPENSABL_DB_CONN_MAX_LIFETIME"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case StorageSQLite:
		if c.SQLitePath == "" {
			return errors.New("EXPENSABL_SQLITE_PATH is required when EXPENSABL_STORAGE_TYPE is 'sqlite'")
		}
	case StoragePostgres:
		if c.DSN == "" {
			return ErrDSNRequired
		}
	case StorageFS:
		if c.FSDir == "" {
			return errors.New("EXPENSABL_FS_DIR is required when EXPENSABL_STORAGE_TYPE is 'fs'")
		}
	case StorageGCS:
		if c.GCSBucket == "" {
			return ErrBucketRequired
		}
	default:
		return fmt.Errorf("unknown EXPENSABL_STORAGE_TYPE: %s", c.Type)
	}
	return nil
}
