// Package gcs is a Google Cloud Storage key/value backend. The whole
// state lives in one JSON object; commits use generation-match
// preconditions as a compare-and-swap, so concurrent writers from
// different processes cannot clobber each other's transactions.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/rezkam/expensabl/internal/storage"
)

const stateObject = "expensabl-state.json"

// maxCommitAttempts bounds the CAS retry loop before the conflict
// surfaces to the caller.
const maxCommitAttempts = 4

// KV implements storage.KV on a GCS bucket.
type KV struct {
	client *gstorage.Client
	bucket string
}

// NewKV creates a GCS store. It assumes the client is authenticated
// (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewKV(ctx context.Context, bucketName string) (*KV, error) {
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &KV{client: client, bucket: bucketName}, nil
}

// Close implements storage.KV.
func (k *KV) Close() error {
	return k.client.Close()
}

// load reads the state object and its generation. Generation zero means
// the object does not exist yet.
func (k *KV) load(ctx context.Context) (map[string]json.RawMessage, int64, error) {
	obj := k.client.Bucket(k.bucket).Object(stateObject)

	r, err := obj.NewReader(ctx)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return make(map[string]json.RawMessage), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read state object: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read state object: %w", err)
	}

	state := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, 0, fmt.Errorf("failed to decode state object: %w", err)
	}
	return state, r.Attrs.Generation, nil
}

// persist writes the state conditionally on the generation observed at
// load time. A generation mismatch means another writer committed first.
func (k *KV) persist(ctx context.Context, state map[string]json.RawMessage, generation int64) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	obj := k.client.Bucket(k.bucket).Object(stateObject)
	if generation == 0 {
		obj = obj.If(gstorage.Conditions{DoesNotExist: true})
	} else {
		obj = obj.If(gstorage.Conditions{GenerationMatch: generation})
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("failed to write state object: %w", err)
	}
	return w.Close()
}

// isPreconditionFailure detects a lost CAS race. The client sometimes
// surfaces the raw googleapi error, so the string form is checked too.
func isPreconditionFailure(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return strings.Contains(err.Error(), "conditionNotMet") ||
		strings.Contains(err.Error(), "412")
}

type gcsTxn struct {
	state map[string]json.RawMessage
}

func (t *gcsTxn) Get(key string) ([]byte, bool, error) {
	v, ok := t.state[key]
	return v, ok, nil
}

func (t *gcsTxn) Put(key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	t.state[key] = buf
	return nil
}

func (t *gcsTxn) Delete(key string) error {
	delete(t.state, key)
	return nil
}

// Tx implements storage.KV. Lost CAS races reload the state and re-run
// the callback, up to the attempt bound.
func (k *KV) Tx(ctx context.Context, fn func(tx storage.Txn) error) error {
	var lastErr error

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		state, generation, err := k.load(ctx)
		if err != nil {
			return err
		}

		if err := fn(&gcsTxn{state: state}); err != nil {
			return err
		}

		err = k.persist(ctx, state, generation)
		if err == nil {
			return nil
		}
		if !isPreconditionFailure(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("commit lost %d consecutive races: %w", maxCommitAttempts, lastErr)
}
