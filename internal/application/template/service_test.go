package template

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
	"github.com/rezkam/expensabl/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store := storage.New(storage.NewMemoryKV())
	svc := NewService(store, Config{Location: time.UTC})
	return svc, store
}

func createRequest(name string) CreateRequest {
	return CreateRequest{
		Name: name,
		Tags: []string{"Recurring", "office"},
		ExpenseData: core.ExpenseData{
			Merchant:         core.Merchant{Name: "Acme"},
			MerchantAmount:   decimal.NewFromFloat(19.99),
			MerchantCurrency: "usd",
		},
	}
}

func TestCreateAppliesDefaultsAndNormalisation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tmpl, warnings, err := svc.Create(ctx, createRequest("  Team Lunch  "))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "Team Lunch", tmpl.Name)
	assert.Contains(t, tmpl.ID, "tmpl_")
	assert.Equal(t, "USD", tmpl.ExpenseData.MerchantCurrency)
	assert.Equal(t, []string{"recurring", "office"}, tmpl.Metadata.Tags)
	assert.Equal(t, core.CreatedManually, tmpl.Metadata.CreatedFrom)
	assert.Nil(t, tmpl.Scheduling)
	assert.Zero(t, tmpl.Metadata.UseCount)
	assert.False(t, tmpl.Metadata.Favorite)

	stored, err := svc.Get(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ExecutionHistory)
}

func TestCreateEnforcesQuota(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < DefaultMaxTemplates; i++ {
		_, _, err := svc.Create(ctx, createRequest(fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
	}

	_, _, err := svc.Create(ctx, createRequest("one too many"))
	require.True(t, core.IsLimitExceeded(err))

	count, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTemplates, count)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	t.Run("bad name", func(t *testing.T) {
		req := createRequest("nope!")
		_, _, err := svc.Create(ctx, req)
		require.ErrorIs(t, err, core.ErrInvalidName)
	})

	t.Run("bad amount", func(t *testing.T) {
		req := createRequest("fine")
		req.ExpenseData.MerchantAmount = decimal.Zero
		_, _, err := svc.Create(ctx, req)
		require.ErrorIs(t, err, core.ErrInvalidData)
	})

	t.Run("expense-derived without source id", func(t *testing.T) {
		req := createRequest("fine")
		req.CreatedFrom = core.CreatedFromExpense
		_, _, err := svc.Create(ctx, req)
		require.ErrorIs(t, err, core.ErrInvalidData)
	})
}

func TestUpdateValidatesChangedFields(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("original"))
	require.NoError(t, err)

	updated, err := svc.Update(ctx, tmpl.ID, core.UpdateParams{Name: ptr.To("  renamed  ")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, tmpl.ID, updated.ID)

	_, err = svc.Update(ctx, tmpl.ID, core.UpdateParams{Name: ptr.To("bad name!")})
	require.ErrorIs(t, err, core.ErrInvalidName)

	_, err = svc.Update(ctx, "tmpl_0_missing", core.UpdateParams{Name: ptr.To("x")})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestSetScheduleComputesNextExecution(t *testing.T) {
	now := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	store := storage.New(storage.NewMemoryKV())
	svc := NewService(store, Config{Location: time.UTC}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("scheduled"))
	require.NoError(t, err)

	updated, err := svc.SetSchedule(ctx, tmpl.ID, &core.Schedule{
		Enabled:       true,
		Interval:      core.IntervalDaily,
		ExecutionTime: core.TimeOfDay{Hour: 14, Minute: 30},
	})
	require.NoError(t, err)

	require.NotNil(t, updated.Scheduling.NextExecution)
	assert.True(t, updated.Scheduling.NextExecution.Equal(
		time.Date(2025, 8, 1, 14, 30, 0, 0, time.UTC)))

	queue, err := store.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, tmpl.ID, queue[0].TemplateID)
}

func TestSetScheduleRejectsInvalidConfig(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("scheduled"))
	require.NoError(t, err)

	_, err = svc.SetSchedule(ctx, tmpl.ID, &core.Schedule{
		Enabled:       true,
		Interval:      core.IntervalWeekly,
		ExecutionTime: core.TimeOfDay{Hour: 9},
	})
	require.ErrorIs(t, err, core.ErrScheduling)
}

func TestPauseFreezesAndResumeRecomputes(t *testing.T) {
	now := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	clock := &now
	store := storage.New(storage.NewMemoryKV())
	svc := NewService(store, Config{Location: time.UTC}, WithClock(func() time.Time { return *clock }))
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("pausable"))
	require.NoError(t, err)

	scheduled, err := svc.SetSchedule(ctx, tmpl.ID, &core.Schedule{
		Enabled:       true,
		Interval:      core.IntervalDaily,
		ExecutionTime: core.TimeOfDay{Hour: 14, Minute: 30},
	})
	require.NoError(t, err)
	frozen := *scheduled.Scheduling.NextExecution

	paused, err := svc.PauseSchedule(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.True(t, paused.Scheduling.Paused)
	// The cached next execution stays frozen while paused.
	require.NotNil(t, paused.Scheduling.NextExecution)
	assert.True(t, paused.Scheduling.NextExecution.Equal(frozen))

	queue, err := store.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)

	// Two days later, resume recomputes from the new now.
	later := now.Add(48 * time.Hour)
	clock = &later

	resumed, err := svc.ResumeSchedule(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Scheduling.Paused)
	require.NotNil(t, resumed.Scheduling.NextExecution)
	assert.True(t, resumed.Scheduling.NextExecution.Equal(
		time.Date(2025, 8, 3, 14, 30, 0, 0, time.UTC)))

	queue, err = store.Queue(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestPauseWithoutScheduleFails(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("bare"))
	require.NoError(t, err)

	_, err = svc.PauseSchedule(ctx, tmpl.ID)
	require.ErrorIs(t, err, core.ErrScheduling)
}

func TestRemoveSchedule(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("detach"))
	require.NoError(t, err)

	_, err = svc.SetSchedule(ctx, tmpl.ID, &core.Schedule{
		Enabled:       true,
		Interval:      core.IntervalDaily,
		ExecutionTime: core.TimeOfDay{Hour: 9},
	})
	require.NoError(t, err)

	removed, err := svc.RemoveSchedule(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Nil(t, removed.Scheduling)

	queue, err := store.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestDeleteAndCleanupPassthrough(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("short lived"))
	require.NoError(t, err)

	old := time.Now().UTC().AddDate(0, 0, -100)
	require.NoError(t, svc.AppendExecution(ctx, tmpl.ID, core.ExecutionRecord{
		ID: core.NewExecutionID(), ExecutedAt: old,
		Status: core.ExecutionFailed, ExecutionType: core.ExecutionScheduled,
	}))

	removed, err := svc.Cleanup(ctx, 0) // default retention of 90 days
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, svc.Delete(ctx, tmpl.ID))
	_, err = store.Get(ctx, tmpl.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestIncrementUsage(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("manual"))
	require.NoError(t, err)

	require.NoError(t, svc.IncrementUsage(ctx, tmpl.ID))

	stored, err := svc.Get(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Metadata.UseCount)
	assert.NotNil(t, stored.Metadata.LastUsed)
}

type fakeBinder struct {
	bound   []*core.Template
	unbound []string
}

func (f *fakeBinder) Bind(ctx context.Context, t *core.Template) error {
	f.bound = append(f.bound, t)
	return nil
}

func (f *fakeBinder) Unbind(ctx context.Context, id string) error {
	f.unbound = append(f.unbound, id)
	return nil
}

func TestScheduleMutatorsNotifyBinder(t *testing.T) {
	binder := &fakeBinder{}
	store := storage.New(storage.NewMemoryKV())
	svc := NewService(store, Config{Location: time.UTC}, WithBinder(binder))
	ctx := context.Background()

	tmpl, _, err := svc.Create(ctx, createRequest("bound"))
	require.NoError(t, err)

	_, err = svc.SetSchedule(ctx, tmpl.ID, &core.Schedule{
		Enabled:       true,
		Interval:      core.IntervalDaily,
		ExecutionTime: core.TimeOfDay{Hour: 14, Minute: 30},
	})
	require.NoError(t, err)
	require.Len(t, binder.bound, 1)
	require.NotNil(t, binder.bound[0].Scheduling)
	assert.NotNil(t, binder.bound[0].Scheduling.NextExecution)

	_, err = svc.PauseSchedule(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, binder.bound, 2)
	assert.True(t, binder.bound[1].Scheduling.Paused)

	_, err = svc.ResumeSchedule(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, binder.bound, 3)
	assert.False(t, binder.bound[2].Scheduling.Paused)

	_, err = svc.RemoveSchedule(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, binder.bound, 4)
	assert.Nil(t, binder.bound[3].Scheduling)

	require.NoError(t, svc.Delete(ctx, tmpl.ID))
	assert.Equal(t, []string{tmpl.ID}, binder.unbound)
}
