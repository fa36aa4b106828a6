package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rezkam/expensabl/internal/storage"
)

// maxCommitAttempts bounds the retry loop on serialisation conflicts and
// lock contention before the failure surfaces to the caller.
const maxCommitAttempts = 3

// KV implements storage.KV over a SQL kv table.
type KV struct {
	db     *sql.DB
	driver string
}

// NewKV wraps an open database. Driver is "sqlite" or "pgx" and selects
// placeholder syntax and conflict detection.
func NewKV(db *sql.DB, driver string) *KV {
	return &KV{db: db, driver: driver}
}

// DB returns the underlying database connection.
func (k *KV) DB() *sql.DB {
	return k.db
}

// Close closes the database connection.
func (k *KV) Close() error {
	return k.db.Close()
}

// rebind converts ?-placeholders to the $n form PostgreSQL expects.
func (k *KV) rebind(query string) string {
	if k.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isRetryable reports whether the transaction failed on contention rather
// than a hard error. SQLite surfaces lock contention as SQLITE_BUSY;
// PostgreSQL serialisation failures carry SQLSTATE 40001.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "40001") ||
		strings.Contains(msg, "deadlock")
}

type sqlTxn struct {
	kv *KV
	tx *sql.Tx
}

func (t *sqlTxn) Get(key string) ([]byte, bool, error) {
	var value string
	err := t.tx.QueryRow(t.kv.rebind("SELECT v FROM kv WHERE k = ?"), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return []byte(value), true, nil
}

func (t *sqlTxn) Put(key string, value []byte) error {
	_, err := t.tx.Exec(t.kv.rebind(
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v"),
		key, string(value))
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (t *sqlTxn) Delete(key string) error {
	if _, err := t.tx.Exec(t.kv.rebind("DELETE FROM kv WHERE k = ?"), key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Tx implements storage.KV. The callback runs inside a serialisable
// transaction; commits that lose a conflict are retried a bounded number
// of times before the error surfaces.
func (k *KV) Tx(ctx context.Context, fn func(tx storage.Txn) error) error {
	var lastErr error

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		err := k.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", maxCommitAttempts, lastErr)
}

func (k *KV) runOnce(ctx context.Context, fn func(tx storage.Txn) error) error {
	// SQLite transactions are always serialisable; asking the driver for a
	// level it does not implement fails the Begin.
	opts := &sql.TxOptions{}
	if k.driver == "pgx" {
		opts.Isolation = sql.LevelSerializable
	}

	tx, err := k.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTxn{kv: k, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
