// Package compliance holds the shared conformance suite every template
// store backend must pass.
package compliance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/expensabl/internal/core"
	"github.com/rezkam/expensabl/internal/ptr"
)

// NewTemplate builds a minimal valid template for store tests.
func NewTemplate(name string) *core.Template {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &core.Template{
		ID:            core.NewTemplateID(now),
		Name:          name,
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: core.CurrentSchemaVersion,
		ExpenseData: core.ExpenseData{
			Merchant:         core.Merchant{Name: "Acme Coffee"},
			MerchantAmount:   decimal.NewFromFloat(12.50),
			MerchantCurrency: "USD",
		},
		Metadata: core.TemplateMetadata{CreatedFrom: core.CreatedManually},
	}
}

func activeSchedule(next time.Time) *core.Schedule {
	return &core.Schedule{
		Enabled:       true,
		Interval:      core.IntervalDaily,
		ExecutionTime: core.TimeOfDay{Hour: 9},
		NextExecution: &next,
	}
}

// RunTemplateStoreComplianceTest runs the standard conformance tests
// against a TemplateStore implementation. setup returns a fresh (clean)
// store for each subtest plus a teardown function.
func RunTemplateStoreComplianceTest(t *testing.T, setup func(t *testing.T) (core.TemplateStore, func())) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Morning Coffee")
		require.NoError(t, store.Create(ctx, tmpl, 0))

		fetched, err := store.Get(ctx, tmpl.ID)
		require.NoError(t, err)
		assert.Equal(t, tmpl.ID, fetched.ID)
		assert.Equal(t, "Morning Coffee", fetched.Name)
		assert.Empty(t, fetched.ExecutionHistory)
		assert.True(t, fetched.ExpenseData.MerchantAmount.Equal(tmpl.ExpenseData.MerchantAmount))
	})

	t.Run("GetMissing", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()

		_, err := store.Get(context.Background(), "tmpl_0_missing")
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("CreateEnforcesLimitAtomically", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			require.NoError(t, store.Create(ctx, NewTemplate(fmt.Sprintf("t%d", i)), 5))
		}

		err := store.Create(ctx, NewTemplate("overflow"), 5)
		require.True(t, core.IsLimitExceeded(err))

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("UpdatePreservesIdentityAndMergesMetadata", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Before")
		tmpl.Metadata.Tags = []string{"food"}
		require.NoError(t, store.Create(ctx, tmpl, 0))

		updated, err := store.Update(ctx, tmpl.ID, core.UpdateParams{
			Name:     ptr.To("After"),
			Metadata: &core.MetadataPatch{Favorite: ptr.To(true)},
		})
		require.NoError(t, err)

		assert.Equal(t, tmpl.ID, updated.ID)
		assert.True(t, updated.CreatedAt.Equal(tmpl.CreatedAt))
		assert.Equal(t, "After", updated.Name)
		assert.True(t, updated.Metadata.Favorite)
		// Untouched metadata fields survive the patch.
		assert.Equal(t, []string{"food"}, updated.Metadata.Tags)
		assert.False(t, updated.UpdatedAt.Before(tmpl.UpdatedAt))
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()

		_, err := store.Update(context.Background(), "tmpl_0_missing", core.UpdateParams{Name: ptr.To("x")})
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("DeleteRemovesEverything", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Doomed")
		require.NoError(t, store.Create(ctx, tmpl, 0))
		_, err := store.UpdateScheduling(ctx, tmpl.ID, activeSchedule(time.Now().Add(time.Hour)))
		require.NoError(t, err)
		require.NoError(t, store.AppendExecution(ctx, tmpl.ID, core.ExecutionRecord{
			ID: core.NewExecutionID(), ExecutedAt: time.Now().UTC(),
			Status: core.ExecutionSuccess, ExecutionType: core.ExecutionScheduled,
		}))

		require.NoError(t, store.Delete(ctx, tmpl.ID))

		_, err = store.Get(ctx, tmpl.ID)
		require.ErrorIs(t, err, core.ErrNotFound)

		exists, err := store.Exists(ctx, tmpl.ID)
		require.NoError(t, err)
		assert.False(t, exists)

		queue, err := store.Queue(ctx)
		require.NoError(t, err)
		assert.Empty(t, queue)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()

		err := store.Delete(context.Background(), "tmpl_0_missing")
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("SchedulingDrivesQueueAndIndex", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Scheduled")
		require.NoError(t, store.Create(ctx, tmpl, 0))

		next := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Millisecond)
		_, err := store.UpdateScheduling(ctx, tmpl.ID, activeSchedule(next))
		require.NoError(t, err)

		queue, err := store.Queue(ctx)
		require.NoError(t, err)
		require.Len(t, queue, 1)
		assert.Equal(t, tmpl.ID, queue[0].TemplateID)
		assert.True(t, queue[0].ScheduledFor.Equal(next))
		assert.Equal(t, core.QueuePending, queue[0].Status)

		// Pausing removes the queue entry but keeps the schedule.
		paused := activeSchedule(next)
		paused.Paused = true
		_, err = store.UpdateScheduling(ctx, tmpl.ID, paused)
		require.NoError(t, err)

		queue, err = store.Queue(ctx)
		require.NoError(t, err)
		assert.Empty(t, queue)

		fetched, err := store.Get(ctx, tmpl.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched.Scheduling)
		assert.True(t, fetched.Scheduling.Paused)

		// Removing the schedule clears it from the index projection.
		_, err = store.UpdateScheduling(ctx, tmpl.ID, nil)
		require.NoError(t, err)

		list, err := store.List(ctx, core.ListOptions{})
		require.NoError(t, err)
		require.Len(t, list.Items, 1)
		assert.False(t, list.Items[0].HasScheduling)
	})

	t.Run("QueueHoldsOneEntryPerActiveTemplate", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Rescheduled")
		require.NoError(t, store.Create(ctx, tmpl, 0))

		first := time.Now().UTC().Add(time.Hour)
		_, err := store.UpdateScheduling(ctx, tmpl.ID, activeSchedule(first))
		require.NoError(t, err)

		second := first.Add(24 * time.Hour)
		_, err = store.UpdateScheduling(ctx, tmpl.ID, activeSchedule(second))
		require.NoError(t, err)

		queue, err := store.Queue(ctx)
		require.NoError(t, err)
		require.Len(t, queue, 1)
		assert.True(t, queue[0].ScheduledFor.Equal(second))
	})

	t.Run("AppendExecutionCapsHistoryAndBumpsCounters", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Busy")
		require.NoError(t, store.Create(ctx, tmpl, 0))

		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < 105; i++ {
			status := core.ExecutionSuccess
			if i%2 == 1 {
				status = core.ExecutionFailed
			}
			require.NoError(t, store.AppendExecution(ctx, tmpl.ID, core.ExecutionRecord{
				ID:            core.NewExecutionID(),
				ExecutedAt:    base.Add(time.Duration(i) * time.Second),
				Status:        status,
				ExecutionType: core.ExecutionScheduled,
			}))
		}

		fetched, err := store.Get(ctx, tmpl.ID)
		require.NoError(t, err)
		assert.Len(t, fetched.ExecutionHistory, 100)
		// Newest first.
		assert.True(t, fetched.ExecutionHistory[0].ExecutedAt.After(fetched.ExecutionHistory[1].ExecutedAt))
		// 53 successes among 105 alternating records.
		assert.Equal(t, 53, fetched.Metadata.ScheduledUseCount)
		assert.Zero(t, fetched.Metadata.UseCount)
		require.NotNil(t, fetched.Metadata.LastUsed)
	})

	t.Run("IncrementUsage", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Manual")
		require.NoError(t, store.Create(ctx, tmpl, 0))

		require.NoError(t, store.IncrementUsage(ctx, tmpl.ID))
		require.NoError(t, store.IncrementUsage(ctx, tmpl.ID))

		fetched, err := store.Get(ctx, tmpl.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, fetched.Metadata.UseCount)
		assert.NotNil(t, fetched.Metadata.LastUsed)
	})

	t.Run("ListFilterSortPaginate", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		names := []string{"alpha", "bravo", "charlie", "delta"}
		for i, name := range names {
			tmpl := NewTemplate(name)
			tmpl.Metadata.Favorite = i%2 == 0
			tmpl.Metadata.Tags = []string{"team"}
			require.NoError(t, store.Create(ctx, tmpl, 0))
		}

		page, err := store.List(ctx, core.ListOptions{
			Page: 1, Limit: 2, SortBy: core.SortByName, SortOrder: core.SortAsc,
		})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "alpha", page.Items[0].Name)
		assert.Equal(t, "bravo", page.Items[1].Name)
		assert.Equal(t, 4, page.Total)
		assert.True(t, page.HasMore)

		page2, err := store.List(ctx, core.ListOptions{
			Page: 2, Limit: 2, SortBy: core.SortByName, SortOrder: core.SortAsc,
		})
		require.NoError(t, err)
		require.Len(t, page2.Items, 2)
		assert.Equal(t, "charlie", page2.Items[0].Name)
		assert.False(t, page2.HasMore)

		favs, err := store.List(ctx, core.ListOptions{
			Filter: core.ListFilter{Favorite: ptr.To(true)},
		})
		require.NoError(t, err)
		assert.Len(t, favs.Items, 2)

		search, err := store.List(ctx, core.ListOptions{
			Filter: core.ListFilter{Search: "ARL"},
		})
		require.NoError(t, err)
		require.Len(t, search.Items, 1)
		assert.Equal(t, "charlie", search.Items[0].Name)

		tagged, err := store.List(ctx, core.ListOptions{
			Filter: core.ListFilter{Tags: []string{"team"}},
		})
		require.NoError(t, err)
		assert.Len(t, tagged.Items, 4)
	})

	t.Run("ListIncludeData", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Full")
		require.NoError(t, store.Create(ctx, tmpl, 0))

		list, err := store.List(ctx, core.ListOptions{IncludeData: true})
		require.NoError(t, err)
		require.Len(t, list.Items, 1)
		require.NotNil(t, list.Items[0].Data)
		assert.Equal(t, "Acme Coffee", list.Items[0].Data.ExpenseData.Merchant.Name)

		slim, err := store.List(ctx, core.ListOptions{})
		require.NoError(t, err)
		assert.Nil(t, slim.Items[0].Data)
	})

	t.Run("CleanupHistory", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		tmpl := NewTemplate("Stale")
		require.NoError(t, store.Create(ctx, tmpl, 0))

		old := time.Now().UTC().AddDate(0, 0, -120)
		fresh := time.Now().UTC().Add(-time.Hour)
		for _, at := range []time.Time{old, old.Add(time.Hour), fresh} {
			require.NoError(t, store.AppendExecution(ctx, tmpl.ID, core.ExecutionRecord{
				ID: core.NewExecutionID(), ExecutedAt: at,
				Status: core.ExecutionFailed, ExecutionType: core.ExecutionScheduled,
			}))
		}

		removed, err := store.CleanupHistory(ctx, 90)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		fetched, err := store.Get(ctx, tmpl.ID)
		require.NoError(t, err)
		assert.Len(t, fetched.ExecutionHistory, 1)
	})

	t.Run("PreferencesRoundTrip", func(t *testing.T) {
		store, teardown := setup(t)
		defer teardown()
		ctx := context.Background()

		prefs, err := store.GetPreferences(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.DefaultPreferences(), prefs)

		prefs.NotificationsEnabled = false
		prefs.RetentionDays = 30
		prefs.Timezone = "Europe/Stockholm"
		require.NoError(t, store.UpdatePreferences(ctx, prefs))

		got, err := store.GetPreferences(ctx)
		require.NoError(t, err)
		assert.Equal(t, prefs, got)
	})
}
