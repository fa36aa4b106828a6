// Package template provides the application layer for template
// management. It enforces the business rules (validation, creation quota,
// usage counters) on top of the store; protocol concerns and scheduling
// mechanics live elsewhere.
package template

import (
	"context"
	"fmt"
	"time"

	"github.com/rezkam/expensabl/internal/core"
	"github.com/rezkam/expensabl/internal/schedule"
	"github.com/rezkam/expensabl/internal/validate"
)

// Default configuration values.
const (
	DefaultMaxTemplates  = 5
	DefaultRetentionDays = 90
)

// Config holds configuration for the Service.
type Config struct {
	// MaxTemplates caps how many templates may exist. The cap is enforced
	// inside the creation transaction, so racing creates cannot overshoot
	// it.
	MaxTemplates int

	// RetentionDays is the default history retention for Cleanup.
	RetentionDays int

	// Location is the timezone used for calendar math.
	Location *time.Location
}

// Binder reflects schedule mutations into the scheduling engine's timer
// registrations. The engine implements it; without one attached, schedule
// changes only reach the store and timers are rebuilt from the queue on
// the next startup.
type Binder interface {
	Bind(ctx context.Context, t *core.Template) error
	Unbind(ctx context.Context, templateID string) error
}

// Service provides business logic for template management.
type Service struct {
	store     core.TemplateStore
	validator *validate.Validator
	binder    Binder
	config    Config
	now       func() time.Time
}

// Option is a functional option for configuring Service.
type Option func(*Service)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithBinder attaches the scheduling engine so timer registrations follow
// every schedule mutation in-process.
func WithBinder(b Binder) Option {
	return func(s *Service) {
		s.binder = b
	}
}

// NewService creates a new template service. Zero or invalid config
// values fall back to application defaults.
func NewService(store core.TemplateStore, config Config, opts ...Option) *Service {
	if config.MaxTemplates <= 0 {
		config.MaxTemplates = DefaultMaxTemplates
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = DefaultRetentionDays
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	s := &Service{
		store:     store,
		validator: validate.New(),
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest is the input for Create.
type CreateRequest struct {
	Name            string
	ExpenseData     core.ExpenseData
	Tags            []string
	Favorite        bool
	SourceExpenseID string
	CreatedFrom     core.CreatedFrom
}

// Create validates the request, enforces the template quota, and persists
// a new template with defaults. The returned warnings never indicate
// failure.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*core.Template, []string, error) {
	normalized, warnings, err := s.validator.Create(validate.CreateInput{
		Name:        req.Name,
		Tags:        req.Tags,
		ExpenseData: req.ExpenseData,
	})
	if err != nil {
		return nil, nil, err
	}

	createdFrom := req.CreatedFrom
	if createdFrom == "" {
		createdFrom = core.CreatedManually
	}
	if createdFrom == core.CreatedFromExpense && req.SourceExpenseID == "" {
		return nil, nil, fmt.Errorf("%w: source expense id is required for expense-derived templates", core.ErrInvalidData)
	}

	now := s.now()
	t := &core.Template{
		ID:            core.NewTemplateID(now),
		Name:          normalized.Name,
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: core.CurrentSchemaVersion,
		ExpenseData:   normalized.ExpenseData,
		Metadata: core.TemplateMetadata{
			SourceExpenseID: req.SourceExpenseID,
			CreatedFrom:     createdFrom,
			Tags:            normalized.Tags,
			Favorite:        req.Favorite,
		},
	}

	if err := s.store.Create(ctx, t, s.config.MaxTemplates); err != nil {
		return nil, nil, err
	}

	return t, warnings, nil
}

// Get returns a template with its execution history.
func (s *Service) Get(ctx context.Context, id string) (*core.Template, error) {
	return s.store.Get(ctx, id)
}

// Update applies a partial update after validating the changed fields.
func (s *Service) Update(ctx context.Context, id string, params core.UpdateParams) (*core.Template, error) {
	if params.Name != nil {
		name, err := s.validator.Name(*params.Name)
		if err != nil {
			return nil, err
		}
		params.Name = &name
	}
	if params.ExpenseData != nil {
		data, _, err := s.validator.ExpenseData(*params.ExpenseData)
		if err != nil {
			return nil, err
		}
		params.ExpenseData = &data
	}
	if params.Metadata != nil && params.Metadata.Tags != nil {
		tags, err := s.validator.Tags(*params.Metadata.Tags)
		if err != nil {
			return nil, err
		}
		params.Metadata.Tags = &tags
	}

	return s.store.Update(ctx, id, params)
}

// Delete removes a template together with its history, queue entry, and
// timer registration.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.binder != nil {
		return s.binder.Unbind(ctx, id)
	}
	return nil
}

// List returns a page of templates.
func (s *Service) List(ctx context.Context, opts core.ListOptions) (*core.ListResult, error) {
	return s.store.List(ctx, opts)
}

// Count returns the number of stored templates.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// SetSchedule validates the schedule, computes its next firing, persists
// it, and re-arms the engine's timer.
func (s *Service) SetSchedule(ctx context.Context, id string, sched *core.Schedule) (*core.Template, error) {
	if err := s.validator.Schedule(sched); err != nil {
		return nil, err
	}

	next, err := schedule.Next(sched, s.now(), s.config.Location)
	if err != nil {
		return nil, err
	}
	sched.NextExecution = next

	updated, err := s.store.UpdateScheduling(ctx, id, sched)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// RemoveSchedule detaches the schedule from a template and cancels its
// timer.
func (s *Service) RemoveSchedule(ctx context.Context, id string) (*core.Template, error) {
	updated, err := s.store.UpdateScheduling(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// PauseSchedule suspends firing while keeping the schedule configuration.
// The cached next execution stays frozen until resume.
func (s *Service) PauseSchedule(ctx context.Context, id string) (*core.Template, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Scheduling == nil {
		return nil, fmt.Errorf("%w: template %s has no schedule", core.ErrScheduling, id)
	}

	sched := *t.Scheduling
	sched.Paused = true

	updated, err := s.store.UpdateScheduling(ctx, id, &sched)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// ResumeSchedule lifts a pause and recomputes the next firing from now.
func (s *Service) ResumeSchedule(ctx context.Context, id string) (*core.Template, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Scheduling == nil {
		return nil, fmt.Errorf("%w: template %s has no schedule", core.ErrScheduling, id)
	}

	sched := *t.Scheduling
	sched.Paused = false

	next, err := schedule.Next(&sched, s.now(), s.config.Location)
	if err != nil {
		return nil, err
	}
	sched.NextExecution = next

	updated, err := s.store.UpdateScheduling(ctx, id, &sched)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// bind hands the stored template to the engine so its timer registration
// matches the persisted schedule. Without a binder attached this is a
// no-op.
func (s *Service) bind(ctx context.Context, t *core.Template) error {
	if s.binder == nil {
		return nil
	}
	if err := s.binder.Bind(ctx, t); err != nil {
		return fmt.Errorf("schedule persisted but timer registration failed: %w", err)
	}
	return nil
}

// IncrementUsage records a manual application of the template.
func (s *Service) IncrementUsage(ctx context.Context, id string) error {
	return s.store.IncrementUsage(ctx, id)
}

// AppendExecution records an execution outcome.
func (s *Service) AppendExecution(ctx context.Context, id string, rec core.ExecutionRecord) error {
	return s.store.AppendExecution(ctx, id, rec)
}

// Cleanup drops execution records older than the retention window and
// returns how many were removed. Zero retentionDays uses the configured
// default.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = s.config.RetentionDays
	}
	return s.store.CleanupHistory(ctx, retentionDays)
}
