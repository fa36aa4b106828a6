// Command scheduler runs the recurring-expense scheduling daemon: it
// opens the configured store, rebuilds timers from the scheduling queue,
// and executes templates as their slots come due.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/expensabl/internal/application/scheduler"
	"github.com/rezkam/expensabl/internal/application/template"
	"github.com/rezkam/expensabl/internal/config"
	"github.com/rezkam/expensabl/internal/core"
	"github.com/rezkam/expensabl/internal/expense"
	"github.com/rezkam/expensabl/internal/notify"
	"github.com/rezkam/expensabl/internal/storage"
	"github.com/rezkam/expensabl/internal/storage/fs"
	"github.com/rezkam/expensabl/internal/storage/gcs"
	storagesql "github.com/rezkam/expensabl/internal/storage/sql"
	"github.com/rezkam/expensabl/pkg/observability"
)

const (
	serviceName    = "expensabl-scheduler"
	serviceVersion = "1.0.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("scheduler exited: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	providers, logger, err := observability.Setup(ctx, serviceName, serviceVersion, cfg.Observability.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to initialise observability: %w", err)
	}
	slog.SetDefault(logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	kv, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	store := storage.New(kv, storage.WithMaxHistory(cfg.Limits.MaxHistory))
	defer store.Close()

	client := expense.NewClient(expense.Config{
		BaseURL:       cfg.ExpenseAPI.BaseURL,
		Timeout:       cfg.ExpenseAPI.Timeout,
		MaxRetries:    cfg.ExpenseAPI.MaxRetries,
		InitialDelay:  cfg.ExpenseAPI.InitialDelay,
		MaxDelay:      cfg.ExpenseAPI.MaxDelay,
		RatePerSecond: cfg.ExpenseAPI.RatePerSecond,
	}, expense.StaticTokenProvider(cfg.ExpenseAPI.Token))

	engine := scheduler.New(store, client, notify.NewLogNotifier(logger), scheduler.NewInProcessTimers(),
		scheduler.WithDedupWindow(cfg.Scheduler.DedupWindow),
		scheduler.WithLocation(cfg.Scheduler.Location()),
		scheduler.WithLogger(logger),
	)
	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialise engine: %w", err)
	}
	defer engine.Cleanup()

	// The manager is the mutation surface for embedding callers (and the
	// cleanup tick below); binding it to the engine keeps timers in step
	// with every schedule change without waiting for a restart.
	manager := template.NewService(store, template.Config{
		MaxTemplates:  cfg.Limits.MaxTemplates,
		RetentionDays: cfg.Limits.RetentionDays,
		Location:      cfg.Scheduler.Location(),
	}, template.WithBinder(engine))

	logger.InfoContext(ctx, "scheduler started",
		"storage", cfg.Storage.Type,
		"timezone", cfg.Scheduler.Location().String(),
		"registrations", len(engine.Scheduled()))

	cleanupTicker := time.NewTicker(cfg.Scheduler.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-cleanupTicker.C:
			runCleanup(ctx, store, manager, logger)
		case <-ctx.Done():
			logger.Info("received shutdown signal, exiting")
			return nil
		}
	}
}

// runCleanup prunes old execution history when the user has auto-cleanup
// enabled in preferences.
func runCleanup(ctx context.Context, store core.TemplateStore, manager *template.Service, logger *slog.Logger) {
	prefs, err := store.GetPreferences(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load preferences for cleanup", "error", err)
		return
	}
	if !prefs.AutoCleanupEnabled {
		return
	}

	removed, err := manager.Cleanup(ctx, prefs.RetentionDays)
	if err != nil {
		logger.ErrorContext(ctx, "history cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		logger.InfoContext(ctx, "pruned execution history", "removed", removed, "retention_days", prefs.RetentionDays)
	}
}

// openBackend selects the durable store backend from configuration.
func openBackend(ctx context.Context, cfg config.StorageConfig) (storage.KV, error) {
	pool := storagesql.DBConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	switch cfg.Type {
	case config.StorageSQLite:
		return storagesql.OpenSQLiteWithConfig(ctx, cfg.SQLitePath, pool)
	case config.StoragePostgres:
		return storagesql.OpenPostgresWithConfig(ctx, cfg.DSN, pool)
	case config.StorageFS:
		return fs.NewKV(cfg.FSDir)
	case config.StorageGCS:
		return gcs.NewKV(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
