// Package fs is a filesystem-based key/value backend. The whole state
// lives in one JSON document that is rewritten atomically (temp file +
// rename) on every commit, so a crash can never leave a half-applied
// transaction behind.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rezkam/expensabl/internal/storage"
)

const stateFile = "state.json"

// KV implements storage.KV on the local filesystem. Transactions are
// serialised by a mutex held by each KV value; multi-process deployments should
// use the sql backend instead.
type KV struct {
	path string
	mu   sync.Mutex
}

// NewKV creates a filesystem store rooted at baseDir.
func NewKV(baseDir string) (*KV, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &KV{path: filepath.Join(baseDir, stateFile)}, nil
}

// Close implements storage.KV.
func (k *KV) Close() error { return nil }

func (k *KV) load() (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	state := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	return state, nil
}

func (k *KV) persist(state map[string]json.RawMessage) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(k.path), stateFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, k.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

type fsTxn struct {
	state map[string]json.RawMessage
}

func (t *fsTxn) Get(key string) ([]byte, bool, error) {
	v, ok := t.state[key]
	return v, ok, nil
}

func (t *fsTxn) Put(key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	t.state[key] = buf
	return nil
}

func (t *fsTxn) Delete(key string) error {
	delete(t.state, key)
	return nil
}

// Tx implements storage.KV.
func (k *KV) Tx(ctx context.Context, fn func(tx storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	state, err := k.load()
	if err != nil {
		return err
	}

	if err := fn(&fsTxn{state: state}); err != nil {
		return err
	}

	return k.persist(state)
}
