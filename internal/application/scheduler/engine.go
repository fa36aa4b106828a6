// Package scheduler binds template schedules to the host timer facility
// and executes them: it deduplicates concurrent fire callbacks, invokes
// the expense service, records outcomes, notifies the user, and
// reschedules the next slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/rezkam/expensabl/internal/core"
	"github.com/rezkam/expensabl/internal/expense"
	"github.com/rezkam/expensabl/internal/notify"
	"github.com/rezkam/expensabl/internal/schedule"
)

// timerPrefix names the engine's timers; callbacks for timers without
// this prefix belong to someone else and are ignored.
const timerPrefix = "template_schedule_"

// Dedup defaults.
const (
	DefaultDedupWindow = 30 * time.Second
	dedupEvictAfter    = 5 * time.Minute
)

// ExpenseCreator is the slice of the expense client the engine needs.
type ExpenseCreator interface {
	CreateExpense(ctx context.Context, payload expense.Payload) (*expense.Expense, error)
}

// Engine is the scheduling engine. One instance owns the process-wide
// timer handler; Initialize and Cleanup bracket its lifetime.
type Engine struct {
	store    core.TemplateStore
	expenses ExpenseCreator
	notifier notify.Notifier
	timers   TimerFacility
	logger   *slog.Logger

	loc         *time.Location
	dedupWindow time.Duration
	now         func() time.Time

	mu          sync.Mutex
	initialized bool
	recentFires map[string]time.Time
	locks       map[string]*sync.Mutex
	machines    map[string]*fsm.FSM

	fireCounter    metric.Int64Counter
	successCounter metric.Int64Counter
	failureCounter metric.Int64Counter
}

// Option is a functional option for configuring Engine.
type Option func(*Engine)

// WithDedupWindow overrides the duplicate-fire suppression window.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.dedupWindow = d
		}
	}
}

// WithLocation sets the timezone for calendar math.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine. Call Initialize before expecting any firings.
func New(store core.TemplateStore, expenses ExpenseCreator, notifier notify.Notifier, timers TimerFacility, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		expenses:    expenses,
		notifier:    notifier,
		timers:      timers,
		logger:      slog.Default(),
		loc:         time.Local,
		dedupWindow: DefaultDedupWindow,
		now:         func() time.Time { return time.Now().UTC() },
		recentFires: make(map[string]time.Time),
		locks:       make(map[string]*sync.Mutex),
		machines:    make(map[string]*fsm.FSM),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter("expensabl/scheduler")
	e.fireCounter, _ = meter.Int64Counter("scheduler.fires",
		metric.WithDescription("Timer callbacks admitted past deduplication"))
	e.successCounter, _ = meter.Int64Counter("scheduler.executions.success",
		metric.WithDescription("Executions that created an expense"))
	e.failureCounter, _ = meter.Int64Counter("scheduler.executions.failure",
		metric.WithDescription("Executions that failed terminally"))

	return e
}

func timerName(templateID string) string {
	return timerPrefix + templateID
}

// templateIDFromTimer extracts the template id from a timer name;
// ok is false for foreign timers.
func templateIDFromTimer(name string) (string, bool) {
	if !strings.HasPrefix(name, timerPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, timerPrefix), true
}

// Initialize installs the fire handler and rebuilds timer registrations
// from the queue. Entries whose slot passed while the process was down
// fire once immediately (subject to deduplication) before rescheduling.
// Initialize is idempotent.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = true
	e.mu.Unlock()

	e.timers.OnFire(e.handleFire)

	queue, err := e.store.Queue(ctx)
	if err != nil {
		e.timers.OnFire(nil)
		e.mu.Lock()
		e.initialized = false
		e.mu.Unlock()
		return fmt.Errorf("failed to load scheduling queue: %w", err)
	}

	now := e.now()
	for _, entry := range queue {
		if !entry.ScheduledFor.After(now) {
			// Missed while offline: one catch-up execution regardless of how
			// many slots went by, then the fire path reschedules.
			e.logger.InfoContext(ctx, "catching up missed schedule",
				"template_id", entry.TemplateID, "scheduled_for", entry.ScheduledFor)
			e.fire(ctx, entry.TemplateID)
			continue
		}

		if err := e.timers.Create(timerName(entry.TemplateID), entry.ScheduledFor); err != nil {
			e.logger.ErrorContext(ctx, "failed to register timer",
				"template_id", entry.TemplateID, "error", err)
			continue
		}
		transition(ctx, e.machineFor(entry.TemplateID), eventBind)
	}

	return nil
}

// Bind registers, updates, or cancels the timer for one template based on
// its current schedule.
func (e *Engine) Bind(ctx context.Context, t *core.Template) error {
	if !t.Scheduling.Active() || t.Scheduling.NextExecution == nil {
		return e.Unbind(ctx, t.ID)
	}

	if err := e.timers.Create(timerName(t.ID), *t.Scheduling.NextExecution); err != nil {
		return fmt.Errorf("failed to register timer for %s: %w", t.ID, err)
	}

	// Disabled is terminal; binding a re-enabled schedule starts a fresh
	// lifecycle.
	e.mu.Lock()
	if m, ok := e.machines[t.ID]; ok && m.Current() == stateDisabled {
		delete(e.machines, t.ID)
	}
	e.mu.Unlock()

	transition(ctx, e.machineFor(t.ID), eventBind)
	return nil
}

// Unbind cancels the template's timer.
func (e *Engine) Unbind(ctx context.Context, templateID string) error {
	if err := e.timers.Clear(timerName(templateID)); err != nil {
		return err
	}

	e.mu.Lock()
	machine, ok := e.machines[templateID]
	e.mu.Unlock()
	if ok {
		transition(ctx, machine, eventUnbind)
	}
	return nil
}

// Scheduled lists the engine's current timer registrations.
func (e *Engine) Scheduled() []TimerEntry {
	all := e.timers.GetAll()
	own := all[:0]
	for _, entry := range all {
		if _, ok := templateIDFromTimer(entry.Name); ok {
			own = append(own, entry)
		}
	}
	return own
}

// Cleanup removes the handler and clears all engine timers. In-flight
// executions finish on their own; new callbacks are no longer delivered.
func (e *Engine) Cleanup() {
	e.timers.OnFire(nil)
	for _, entry := range e.Scheduled() {
		_ = e.timers.Clear(entry.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentFires = make(map[string]time.Time)
	e.locks = make(map[string]*sync.Mutex)
	e.machines = make(map[string]*fsm.FSM)
	e.initialized = false
}

// handleFire is the process-wide timer callback.
func (e *Engine) handleFire(name string) {
	templateID, ok := templateIDFromTimer(name)
	if !ok {
		return
	}
	e.fire(context.Background(), templateID)
}

// admit applies the dedup window: it returns false when a fire for the
// template was admitted less than dedupWindow ago. Stale entries are
// evicted on the way.
func (e *Engine) admit(templateID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, at := range e.recentFires {
		if now.Sub(at) > dedupEvictAfter {
			delete(e.recentFires, id)
		}
	}

	if last, ok := e.recentFires[templateID]; ok && now.Sub(last) < e.dedupWindow {
		return false
	}
	e.recentFires[templateID] = now
	return true
}

func (e *Engine) lockFor(templateID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[templateID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[templateID] = l
	}
	return l
}

func (e *Engine) machineFor(templateID string) *fsm.FSM {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[templateID]
	if !ok {
		m = newLifecycle()
		e.machines[templateID] = m
	}
	return m
}

// fire runs the full execution path for one timer callback. Timer
// callbacks run on arbitrary goroutines, so everything past the dedup
// gate holds the per-template lock; the dedup map alone cannot exclude
// two callbacks racing through it.
func (e *Engine) fire(ctx context.Context, templateID string) {
	now := e.now()
	if !e.admit(templateID, now) {
		e.logger.DebugContext(ctx, "duplicate fire suppressed", "template_id", templateID)
		return
	}

	lock := e.lockFor(templateID)
	lock.Lock()
	defer lock.Unlock()

	machine := e.machineFor(templateID)
	transition(ctx, machine, eventBind)
	transition(ctx, machine, eventFire)

	t, err := e.store.Get(ctx, templateID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			_ = e.Unbind(ctx, templateID)
			return
		}
		// Backend unavailable: drop this slot, the next callback retries.
		e.logger.ErrorContext(ctx, "failed to load template for firing",
			"template_id", templateID, "error", err)
		transition(ctx, machine, eventRescheduled)
		return
	}
	if !t.Scheduling.Active() {
		e.logger.DebugContext(ctx, "schedule no longer active, dropping fire", "template_id", templateID)
		_ = e.Unbind(ctx, templateID)
		return
	}

	e.fireCounter.Add(ctx, 1)

	payload := expense.BuildPayload(t.ExpenseData, now.In(e.loc))
	created, execErr := e.expenses.CreateExpense(ctx, payload)

	rec := core.ExecutionRecord{
		ID:            core.NewExecutionID(),
		ExecutedAt:    now,
		ExecutionType: core.ExecutionScheduled,
	}
	if execErr != nil {
		rec.Status = core.ExecutionFailed
		rec.Error = execErr.Error()
		e.failureCounter.Add(ctx, 1)
	} else {
		rec.Status = core.ExecutionSuccess
		rec.ExpenseID = created.ExpenseID()
		e.successCounter.Add(ctx, 1)
	}

	if err := e.store.AppendExecution(ctx, templateID, rec); err != nil {
		e.logger.ErrorContext(ctx, "failed to record execution",
			"template_id", templateID, "error", err)
	}

	if execErr != nil {
		e.logger.WarnContext(ctx, "scheduled execution failed",
			"template_id", templateID, "template_name", t.Name, "error", execErr)
		e.notify(ctx, notify.Notification{
			Title:    "Expense creation failed",
			Body:     fmt.Sprintf("%s: %s", t.Name, sanitize(execErr)),
			Context:  map[string]string{"template_id": templateID},
			Priority: notify.PriorityHigh,
		})
	} else {
		e.logger.InfoContext(ctx, "scheduled execution succeeded",
			"template_id", templateID, "template_name", t.Name, "expense_id", rec.ExpenseID)
		e.notify(ctx, notify.Notification{
			Title:    "Expense created",
			Body:     fmt.Sprintf("%s: expense %s", t.Name, rec.ExpenseID),
			Context:  map[string]string{"template_id": templateID, "expense_id": rec.ExpenseID},
			Priority: notify.PriorityNormal,
		})
	}

	e.reschedule(ctx, t, machine)
}

// reschedule computes the template's next slot and re-arms its timer.
// A calculator failure (typically the end date) disables the schedule.
func (e *Engine) reschedule(ctx context.Context, t *core.Template, machine *fsm.FSM) {
	sched := *t.Scheduling
	next, err := schedule.Next(&sched, e.now(), e.loc)
	if err != nil {
		sched.Enabled = false
		sched.NextExecution = nil
		if _, uerr := e.store.UpdateScheduling(ctx, t.ID, &sched); uerr != nil {
			e.logger.ErrorContext(ctx, "failed to disable completed schedule",
				"template_id", t.ID, "error", uerr)
		}
		_ = e.timers.Clear(timerName(t.ID))
		transition(ctx, machine, eventDisable)
		e.notify(ctx, notify.Notification{
			Title:    "Schedule completed",
			Body:     fmt.Sprintf("%s reached its end date and was disabled", t.Name),
			Context:  map[string]string{"template_id": t.ID},
			Priority: notify.PriorityNormal,
		})
		return
	}
	if next == nil {
		// Disabled or paused since loading; nothing to arm.
		_ = e.Unbind(ctx, t.ID)
		return
	}

	sched.NextExecution = next
	if _, err := e.store.UpdateScheduling(ctx, t.ID, &sched); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist next execution",
			"template_id", t.ID, "error", err)
		return
	}

	if err := e.timers.Create(timerName(t.ID), *next); err != nil {
		e.logger.ErrorContext(ctx, "failed to re-arm timer",
			"template_id", t.ID, "error", err)
		return
	}
	transition(ctx, machine, eventRescheduled)
}

// notify delivers a notification unless the user muted them.
func (e *Engine) notify(ctx context.Context, n notify.Notification) {
	prefs, err := e.store.GetPreferences(ctx)
	if err == nil && !prefs.NotificationsEnabled {
		return
	}
	e.notifier.Notify(ctx, n)
}

// sanitize strips request detail from an execution error, keeping the
// classification the user can act on.
func sanitize(err error) string {
	var authErr *expense.AuthError
	if errors.As(err, &authErr) {
		return "authentication failed, please sign in again"
	}
	var valErr *expense.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Error()
	}
	var apiErr *expense.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("the expense service returned status %d", apiErr.Status)
	}
	var timeoutErr *expense.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "the expense service timed out"
	}
	var netErr *expense.NetworkError
	if errors.As(err, &netErr) {
		return "the expense service is unreachable"
	}
	return err.Error()
}
