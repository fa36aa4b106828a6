// Package storage implements the transactional template store over a
// pluggable key/value backend.
//
// The domain logic (index maintenance, queue derivation, history capping,
// read caching) lives here once; backends only provide atomic multi-key
// transactions: natively (sql), by a mutex-serialised rewrite of a state
// snapshot committed with an atomic rename (fs), or via compare-and-swap on
// a state snapshot (gcs).
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Logical key namespaces. Backends persist these verbatim.
const (
	keyIndex       = "metadata.index"
	keyQueue       = "queue"
	keyPreferences = "preferences"
)

func templateKey(id string) string { return fmt.Sprintf("template.%s", id) }
func historyKey(id string) string  { return fmt.Sprintf("history.%s", id) }

// Txn is a read-your-writes view over the key/value state, valid only for
// the duration of the transaction callback.
type Txn interface {
	// Get returns the value for key, reflecting earlier writes in the same
	// transaction. The second result is false when the key is absent.
	Get(key string) ([]byte, bool, error)

	Put(key string, value []byte) error
	Delete(key string) error
}

// KV is a durable key/value backend with atomic multi-key commit.
//
// Tx runs fn inside a transaction and commits its writes atomically when
// fn returns nil. Backends retry conflicting commits a bounded number of
// times; an exhausted retry budget surfaces as core.ErrStorage from the
// calling store operation. Effects of committed transactions are
// linearizable.
type KV interface {
	Tx(ctx context.Context, fn func(tx Txn) error) error
	Close() error
}

// MemoryKV is an in-process KV used by tests. Transactions are serialised
// by a mutex and buffered until commit.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryKV returns an empty in-memory backend.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

type memoryTxn struct {
	base    map[string][]byte
	writes  map[string][]byte
	deletes map[string]bool
}

func (t *memoryTxn) Get(key string) ([]byte, bool, error) {
	if t.deletes[key] {
		return nil, false, nil
	}
	if v, ok := t.writes[key]; ok {
		return v, true, nil
	}
	v, ok := t.base[key]
	return v, ok, nil
}

func (t *memoryTxn) Put(key string, value []byte) error {
	delete(t.deletes, key)
	buf := make([]byte, len(value))
	copy(buf, value)
	t.writes[key] = buf
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}

// Tx implements KV.
func (m *MemoryKV) Tx(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &memoryTxn{
		base:    m.data,
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
	if err := fn(txn); err != nil {
		return err
	}

	for key := range txn.deletes {
		delete(m.data, key)
	}
	for key, value := range txn.writes {
		m.data[key] = value
	}
	return nil
}

// Close implements KV.
func (m *MemoryKV) Close() error { return nil }
