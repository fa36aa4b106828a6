package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/expensabl/internal/core"
	"github.com/rezkam/expensabl/internal/storage"
	"github.com/rezkam/expensabl/internal/storage/compliance"
	"github.com/rezkam/expensabl/internal/storage/fs"
)

func TestFSStoreCompliance(t *testing.T) {
	compliance.RunTemplateStoreComplianceTest(t, func(t *testing.T) (core.TemplateStore, func()) {
		kv, err := fs.NewKV(t.TempDir())
		require.NoError(t, err)
		store := storage.New(kv)
		return store, func() { store.Close() }
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	kv, err := fs.NewKV(dir)
	require.NoError(t, err)
	store := storage.New(kv)

	tmpl := compliance.NewTemplate("Durable")
	require.NoError(t, store.Create(ctx, tmpl, 0))
	require.NoError(t, store.Close())

	kv2, err := fs.NewKV(dir)
	require.NoError(t, err)
	store2 := storage.New(kv2)
	defer store2.Close()

	fetched, err := store2.Get(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Durable", fetched.Name)
}

func TestFailedTransactionLeavesStateUntouched(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	kv, err := fs.NewKV(dir)
	require.NoError(t, err)
	store := storage.New(kv)
	defer store.Close()

	tmpl := compliance.NewTemplate("Steady")
	require.NoError(t, store.Create(ctx, tmpl, 0))

	before, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	// A rejected create commits nothing.
	err = store.Create(ctx, compliance.NewTemplate("Over"), 1)
	require.True(t, core.IsLimitExceeded(err))

	after, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
