package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("EXPENSABL_API_BASE_URL", "https://api.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, StorageSQLite, cfg.Storage.Type)
	assert.Equal(t, 5, cfg.Limits.MaxTemplates)
	assert.Equal(t, 100, cfg.Limits.MaxNameLen)
	assert.Equal(t, 10, cfg.Limits.MaxTags)
	assert.Equal(t, 30, cfg.Limits.MaxTagLen)
	assert.Equal(t, 100, cfg.Limits.MaxHistory)
	assert.Equal(t, 90, cfg.Limits.RetentionDays)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DedupWindow)
	assert.Equal(t, 30*time.Second, cfg.ExpenseAPI.Timeout)
	assert.Equal(t, 3, cfg.ExpenseAPI.MaxRetries)
	assert.Equal(t, time.Second, cfg.ExpenseAPI.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.ExpenseAPI.MaxDelay)
	assert.True(t, cfg.Observability.OTelEnabled)
}

func TestLoadMissingBaseURL(t *testing.T) {
	os.Clearenv()

	_, err := Load()
	require.ErrorIs(t, err, ErrBaseURLRequired)
}

func TestStorageValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StorageConfig
		wantErr bool
	}{
		{name: "sqlite default", cfg: StorageConfig{Type: StorageSQLite, SQLitePath: "x.db"}},
		{name: "postgres without dsn", cfg: StorageConfig{Type: StoragePostgres}, wantErr: true},
		{name: "postgres with dsn", cfg: StorageConfig{Type: StoragePostgres, DSN: "postgres://localhost/x"}},
		{name: "gcs without bucket", cfg: StorageConfig{Type: StorageGCS}, wantErr: true},
		{name: "fs with dir", cfg: StorageConfig{Type: StorageFS, FSDir: "/tmp/x"}},
		{name: "unknown type", cfg: StorageConfig{Type: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedulerTimezone(t *testing.T) {
	t.Run("invalid zone rejected", func(t *testing.T) {
		cfg := SchedulerConfig{DedupWindow: time.Second, Timezone: "Mars/Olympus"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("valid zone resolves", func(t *testing.T) {
		cfg := SchedulerConfig{DedupWindow: time.Second, Timezone: "Europe/Stockholm"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "Europe/Stockholm", cfg.Location().String())
	})

	t.Run("empty zone falls back to host", func(t *testing.T) {
		cfg := SchedulerConfig{DedupWindow: time.Second}
		assert.Equal(t, time.Local, cfg.Location())
	})
}
