package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/expensabl/internal/core"
)

// DefaultMaxHistory caps the execution history kept per template.
const DefaultMaxHistory = 100

// Store implements core.TemplateStore over a KV backend. All mutations
// run inside a single backend transaction that also maintains the
// metadata index and the scheduling queue, so the derived state can never
// drift from the template set.
type Store struct {
	kv         KV
	cache      *ReadCache
	maxHistory int
	now        func() time.Time
}

// Option is a functional option for configuring Store.
type Option func(*Store)

// WithMaxHistory overrides the per-template history cap.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a template store over the given backend.
func New(kv KV, opts ...Option) *Store {
	s := &Store{
		kv:         kv,
		cache:      NewReadCache(),
		maxHistory: DefaultMaxHistory,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	s.cache.Clear()
	return s.kv.Close()
}

// wrapStorage classifies a transaction error: domain and context errors
// pass through untouched, everything else is a backend failure.
func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrInvalidData),
		errors.Is(err, core.ErrStorage),
		core.IsLimitExceeded(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", core.ErrStorage, err)
	}
}

func getJSON(tx Txn, key string, v any) (bool, error) {
	raw, ok, err := tx.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(tx Txn, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Put(key, raw)
}

func readTemplate(tx Txn, id string) (*core.Template, error) {
	var t core.Template
	ok, err := getJSON(tx, templateKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	return &t, nil
}

func readHistory(tx Txn, id string) ([]core.ExecutionRecord, error) {
	var history []core.ExecutionRecord
	if _, err := getJSON(tx, historyKey(id), &history); err != nil {
		return nil, err
	}
	return history, nil
}

func readIndex(tx Txn) (map[string]core.MetadataEntry, error) {
	index := make(map[string]core.MetadataEntry)
	if _, err := getJSON(tx, keyIndex, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func readQueue(tx Txn) ([]core.QueueEntry, error) {
	var queue []core.QueueEntry
	if _, err := getJSON(tx, keyQueue, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// writeTemplate persists the template and refreshes its index entry.
// History is persisted separately; the in-memory field is not encoded.
func writeTemplate(tx Txn, t *core.Template) error {
	if err := putJSON(tx, templateKey(t.ID), t); err != nil {
		return err
	}
	index, err := readIndex(tx)
	if err != nil {
		return err
	}
	index[t.ID] = core.ProjectMetadata(t)
	return putJSON(tx, keyIndex, index)
}

// rebuildQueueEntry removes any queue entry for the template and inserts
// a fresh pending one when the schedule is active with a next execution.
func rebuildQueueEntry(tx Txn, t *core.Template) error {
	queue, err := readQueue(tx)
	if err != nil {
		return err
	}

	kept := queue[:0]
	for _, entry := range queue {
		if entry.TemplateID != t.ID {
			kept = append(kept, entry)
		}
	}

	if t.Scheduling.Active() && t.Scheduling.NextExecution != nil {
		kept = append(kept, core.QueueEntry{
			TemplateID:   t.ID,
			ScheduledFor: *t.Scheduling.NextExecution,
			Status:       core.QueuePending,
		})
	}

	return putJSON(tx, keyQueue, kept)
}

// Create implements core.TemplateStore.
func (s *Store) Create(ctx context.Context, t *core.Template, limit int) error {
	err := s.kv.Tx(ctx, func(tx Txn) error {
		index, err := readIndex(tx)
		if err != nil {
			return err
		}
		if limit > 0 && len(index) >= limit {
			return core.LimitExceededError{Limit: limit}
		}
		if _, exists := index[t.ID]; exists {
			return fmt.Errorf("%w: template %s already exists", core.ErrInvalidData, t.ID)
		}

		if err := putJSON(tx, historyKey(t.ID), []core.ExecutionRecord{}); err != nil {
			return err
		}
		return writeTemplate(tx, t)
	})
	if err != nil {
		return wrapStorage(err)
	}

	s.cache.Invalidate(templateKey(t.ID), keyIndex)
	return nil
}

// Get implements core.TemplateStore. The result carries the execution
// history attached.
func (s *Store) Get(ctx context.Context, id string) (*core.Template, error) {
	if raw, ok := s.cache.Get(templateKey(id)); ok {
		var cached cachedTemplate
		if err := json.Unmarshal(raw.([]byte), &cached); err == nil {
			cached.Template.ExecutionHistory = cached.History
			return &cached.Template, nil
		}
	}

	var t *core.Template
	err := s.kv.Tx(ctx, func(tx Txn) error {
		var err error
		if t, err = readTemplate(tx, id); err != nil {
			return err
		}
		t.ExecutionHistory, err = readHistory(tx, id)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	// Cache the encoded form; decoding per read keeps callers from
	// mutating each other's copies.
	if raw, err := encodeCached(t); err == nil {
		s.cache.Set(templateKey(id), raw)
	}
	return t, nil
}

// cachedTemplate is the cache encoding of a template with its history.
type cachedTemplate struct {
	Template core.Template          `json:"template"`
	History  []core.ExecutionRecord `json:"history"`
}

func encodeCached(t *core.Template) ([]byte, error) {
	return json.Marshal(cachedTemplate{Template: *t, History: t.ExecutionHistory})
}

// Update implements core.TemplateStore.
func (s *Store) Update(ctx context.Context, id string, params core.UpdateParams) (*core.Template, error) {
	var updated *core.Template
	err := s.kv.Tx(ctx, func(tx Txn) error {
		t, err := readTemplate(tx, id)
		if err != nil {
			return err
		}

		if params.Name != nil {
			t.Name = *params.Name
		}
		if params.ExpenseData != nil {
			t.ExpenseData = *params.ExpenseData
		}
		if params.Metadata != nil {
			if params.Metadata.SourceExpenseID != nil {
				t.Metadata.SourceExpenseID = *params.Metadata.SourceExpenseID
			}
			if params.Metadata.Tags != nil {
				t.Metadata.Tags = *params.Metadata.Tags
			}
			if params.Metadata.Favorite != nil {
				t.Metadata.Favorite = *params.Metadata.Favorite
			}
		}
		t.UpdatedAt = s.now()
		t.SchemaVersion = core.CurrentSchemaVersion

		updated = t
		return writeTemplate(tx, t)
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	s.cache.Invalidate(templateKey(id), keyIndex)
	return updated, nil
}

// Delete implements core.TemplateStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.kv.Tx(ctx, func(tx Txn) error {
		index, err := readIndex(tx)
		if err != nil {
			return err
		}
		if _, exists := index[id]; !exists {
			return fmt.Errorf("%w: %s", core.ErrNotFound, id)
		}
		delete(index, id)
		if err := putJSON(tx, keyIndex, index); err != nil {
			return err
		}

		queue, err := readQueue(tx)
		if err != nil {
			return err
		}
		kept := queue[:0]
		for _, entry := range queue {
			if entry.TemplateID != id {
				kept = append(kept, entry)
			}
		}
		if err := putJSON(tx, keyQueue, kept); err != nil {
			return err
		}

		if err := tx.Delete(historyKey(id)); err != nil {
			return err
		}
		return tx.Delete(templateKey(id))
	})
	if err != nil {
		return wrapStorage(err)
	}

	s.cache.Invalidate(templateKey(id), keyIndex, keyQueue)
	return nil
}

// Count implements core.TemplateStore.
func (s *Store) Count(ctx context.Context) (int, error) {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	return len(index), nil
}

// Exists implements core.TemplateStore.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return false, err
	}
	_, ok := index[id]
	return ok, nil
}

func (s *Store) loadIndex(ctx context.Context) (map[string]core.MetadataEntry, error) {
	if raw, ok := s.cache.Get(keyIndex); ok {
		index := make(map[string]core.MetadataEntry)
		if err := json.Unmarshal(raw.([]byte), &index); err == nil {
			return index, nil
		}
	}

	var index map[string]core.MetadataEntry
	err := s.kv.Tx(ctx, func(tx Txn) error {
		var err error
		index, err = readIndex(tx)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	if raw, err := json.Marshal(index); err == nil {
		s.cache.Set(keyIndex, raw)
	}
	return index, nil
}

// UpdateScheduling implements core.TemplateStore.
func (s *Store) UpdateScheduling(ctx context.Context, id string, sched *core.Schedule) (*core.Template, error) {
	var updated *core.Template
	err := s.kv.Tx(ctx, func(tx Txn) error {
		t, err := readTemplate(tx, id)
		if err != nil {
			return err
		}

		t.Scheduling = sched
		t.UpdatedAt = s.now()

		if err := writeTemplate(tx, t); err != nil {
			return err
		}
		if err := rebuildQueueEntry(tx, t); err != nil {
			return err
		}

		updated = t
		return nil
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	s.cache.Invalidate(templateKey(id), keyIndex, keyQueue)
	return updated, nil
}

// AppendExecution implements core.TemplateStore.
func (s *Store) AppendExecution(ctx context.Context, id string, rec core.ExecutionRecord) error {
	err := s.kv.Tx(ctx, func(tx Txn) error {
		t, err := readTemplate(tx, id)
		if err != nil {
			return err
		}

		history, err := readHistory(tx, id)
		if err != nil {
			return err
		}
		history = append([]core.ExecutionRecord{rec}, history...)
		if len(history) > s.maxHistory {
			history = history[:s.maxHistory]
		}
		if err := putJSON(tx, historyKey(id), history); err != nil {
			return err
		}

		if rec.Status == core.ExecutionSuccess {
			t.Metadata.ScheduledUseCount++
			executedAt := rec.ExecutedAt
			t.Metadata.LastUsed = &executedAt
			return writeTemplate(tx, t)
		}
		return nil
	})
	if err != nil {
		return wrapStorage(err)
	}

	s.cache.Invalidate(templateKey(id), keyIndex)
	return nil
}

// IncrementUsage implements core.TemplateStore.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	err := s.kv.Tx(ctx, func(tx Txn) error {
		t, err := readTemplate(tx, id)
		if err != nil {
			return err
		}
		t.Metadata.UseCount++
		now := s.now()
		t.Metadata.LastUsed = &now
		return writeTemplate(tx, t)
	})
	if err != nil {
		return wrapStorage(err)
	}

	s.cache.Invalidate(templateKey(id), keyIndex)
	return nil
}

// Queue implements core.TemplateStore.
func (s *Store) Queue(ctx context.Context) ([]core.QueueEntry, error) {
	var queue []core.QueueEntry
	err := s.kv.Tx(ctx, func(tx Txn) error {
		var err error
		queue, err = readQueue(tx)
		return err
	})
	if err != nil {
		return nil, wrapStorage(err)
	}
	return queue, nil
}

// CleanupHistory implements core.TemplateStore.
func (s *Store) CleanupHistory(ctx context.Context, retentionDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	removed := 0

	err := s.kv.Tx(ctx, func(tx Txn) error {
		removed = 0
		index, err := readIndex(tx)
		if err != nil {
			return err
		}

		for id := range index {
			history, err := readHistory(tx, id)
			if err != nil {
				return err
			}
			kept := history[:0]
			for _, rec := range history {
				if rec.ExecutedAt.After(cutoff) {
					kept = append(kept, rec)
				}
			}
			if len(kept) == len(history) {
				continue
			}
			removed += len(history) - len(kept)
			if err := putJSON(tx, historyKey(id), kept); err != nil {
				return err
			}
			s.cache.Invalidate(templateKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, wrapStorage(err)
	}
	return removed, nil
}

// GetPreferences implements core.TemplateStore.
func (s *Store) GetPreferences(ctx context.Context) (core.Preferences, error) {
	prefs := core.DefaultPreferences()
	err := s.kv.Tx(ctx, func(tx Txn) error {
		_, err := getJSON(tx, keyPreferences, &prefs)
		return err
	})
	if err != nil {
		return core.Preferences{}, wrapStorage(err)
	}
	return prefs, nil
}

// UpdatePreferences implements core.TemplateStore.
func (s *Store) UpdatePreferences(ctx context.Context, p core.Preferences) error {
	err := s.kv.Tx(ctx, func(tx Txn) error {
		return putJSON(tx, keyPreferences, p)
	})
	if err != nil {
		return wrapStorage(err)
	}
	s.cache.Invalidate(keyPreferences)
	return nil
}
