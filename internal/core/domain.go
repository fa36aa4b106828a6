package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CurrentSchemaVersion is stamped on every template at write time and used
// to migrate older persisted shapes on read.
const CurrentSchemaVersion = 1

// IntervalKind identifies the recurrence rule attached to a schedule.
type IntervalKind string

const (
	IntervalDaily   IntervalKind = "daily"
	IntervalWeekly  IntervalKind = "weekly"
	IntervalMonthly IntervalKind = "monthly"
	IntervalCustom  IntervalKind = "custom"
)

// NewIntervalKind validates and creates an IntervalKind.
func NewIntervalKind(s string) (IntervalKind, error) {
	kind := IntervalKind(strings.ToLower(s))

	switch kind {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalCustom:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidInterval, s)
	}
}

// TimeOfDay is a wall-clock execution time.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Valid reports whether the time of day is within range.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MonthDay is a day-of-month selector for monthly schedules:
// either a fixed day (1..31) or the last day of the month.
type MonthDay struct {
	Day  int  `json:"-"`
	Last bool `json:"-"`
}

// LastMonthDay selects the last day of each month.
func LastMonthDay() MonthDay { return MonthDay{Last: true} }

// FixedMonthDay selects a fixed day of each month.
func FixedMonthDay(day int) MonthDay { return MonthDay{Day: day} }

// Valid reports whether the selector is a recognised day.
func (d MonthDay) Valid() bool {
	return d.Last || (d.Day >= 1 && d.Day <= 31)
}

// MarshalJSON encodes a fixed day as a number and the last-day selector as
// the string "last", matching the persisted schedule shape.
func (d MonthDay) MarshalJSON() ([]byte, error) {
	if d.Last {
		return json.Marshal("last")
	}
	return json.Marshal(d.Day)
}

// UnmarshalJSON accepts either a number or the string "last".
func (d *MonthDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if strings.EqualFold(s, "last") {
			*d = MonthDay{Last: true}
			return nil
		}
		return fmt.Errorf("%w: day of month %q", ErrInvalidInterval, s)
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: day of month %s", ErrInvalidInterval, string(data))
	}
	*d = MonthDay{Day: n}
	return nil
}

// Schedule is the recurrence rule attached to a template.
//
// The rule is a tagged variant: Interval selects which of the per-variant
// fields apply (DaysOfWeek for weekly, DayOfMonth for monthly,
// CustomInterval for custom). ExecutionTime is ignored for custom
// intervals, which fire on a fixed lattice anchored at StartDate.
type Schedule struct {
	Enabled bool `json:"enabled"`
	Paused  bool `json:"paused"`

	Interval      IntervalKind `json:"interval"`
	ExecutionTime TimeOfDay    `json:"execution_time"`

	// Per-variant configuration
	DaysOfWeek     []string       `json:"days_of_week,omitempty"`    // weekly
	DayOfMonth     *MonthDay      `json:"day_of_month,omitempty"`    // monthly
	CustomInterval *time.Duration `json:"custom_interval,omitempty"` // custom

	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// NextExecution caches the next firing instant. The queue entry derived
	// from it is authoritative for restart catch-up.
	NextExecution *time.Time `json:"next_execution,omitempty"`
}

// Active reports whether the schedule should currently produce firings.
func (s *Schedule) Active() bool {
	return s != nil && s.Enabled && !s.Paused
}

// Merchant identifies the payee on an expense.
type Merchant struct {
	Name string `json:"name"`
}

// ExpenseDetails carries optional categorisation for an expense.
type ExpenseDetails struct {
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// ExpenseData is the recipe consumed by the expense service when a
// template fires. Policy holds the legacy policy shape (object or string)
// from older template versions; PolicyType is the current field.
type ExpenseData struct {
	Merchant         Merchant        `json:"merchant"`
	MerchantAmount   decimal.Decimal `json:"merchant_amount"`
	MerchantCurrency string          `json:"merchant_currency"`

	PolicyType    string          `json:"policy_type,omitempty"`
	Policy        json.RawMessage `json:"policy,omitempty"`
	Details       *ExpenseDetails `json:"details,omitempty"`
	ReportingData map[string]any  `json:"reporting_data,omitempty"`
}

// ResolvePolicy maps the legacy policy shapes to a policy type:
// an object with an "id" field wins, then the explicit PolicyType,
// then a bare policy string. Empty when none apply.
func (d *ExpenseData) ResolvePolicy() string {
	if len(d.Policy) > 0 {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(d.Policy, &obj); err == nil && obj.ID != "" {
			return obj.ID
		}
	}
	if d.PolicyType != "" {
		return d.PolicyType
	}
	if len(d.Policy) > 0 {
		var s string
		if err := json.Unmarshal(d.Policy, &s); err == nil {
			return s
		}
	}
	return ""
}

// CreatedFrom records how a template came to exist.
type CreatedFrom string

const (
	CreatedManually    CreatedFrom = "manual"
	CreatedFromExpense CreatedFrom = "expense"
)

// TemplateMetadata carries usage counters and organisation fields.
type TemplateMetadata struct {
	SourceExpenseID   string      `json:"source_expense_id,omitempty"`
	CreatedFrom       CreatedFrom `json:"created_from"`
	Tags              []string    `json:"tags,omitempty"`
	Favorite          bool        `json:"favorite"`
	UseCount          int         `json:"use_count"`
	ScheduledUseCount int         `json:"scheduled_use_count"`
	LastUsed          *time.Time  `json:"last_used,omitempty"`
}

// ExecutionStatus is the outcome of one firing.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionType distinguishes scheduled firings from manual applications.
type ExecutionType string

const (
	ExecutionScheduled ExecutionType = "scheduled"
	ExecutionManual    ExecutionType = "manual"
)

// ExecutionRecord is the durable outcome of one firing of a template.
type ExecutionRecord struct {
	ID            string          `json:"id"`
	ExecutedAt    time.Time       `json:"executed_at"`
	Status        ExecutionStatus `json:"status"`
	ExpenseID     string          `json:"expense_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionType ExecutionType   `json:"execution_type"`
}

// Template is the durable user-authored recipe for a recurring expense.
type Template struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	SchemaVersion int       `json:"schema_version"`

	ExpenseData ExpenseData `json:"expense_data"`
	Scheduling  *Schedule   `json:"scheduling,omitempty"`

	// ExecutionHistory is newest-first and capped by the store. It is
	// persisted under its own key and attached on load.
	ExecutionHistory []ExecutionRecord `json:"-"`

	Metadata TemplateMetadata `json:"metadata"`
}

// MetadataEntry is the list-view projection of a template, maintained in
// the metadata index by the store in the same transaction as every
// template mutation.
type MetadataEntry struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	HasScheduling bool       `json:"has_scheduling"`
	NextExecution *time.Time `json:"next_execution,omitempty"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	UseCount      int        `json:"use_count"`
	Tags          []string   `json:"tags,omitempty"`
	Favorite      bool       `json:"favorite"`
}

// ProjectMetadata builds the index entry for a template.
func ProjectMetadata(t *Template) MetadataEntry {
	entry := MetadataEntry{
		ID:        t.ID,
		Name:      t.Name,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		LastUsed:  t.Metadata.LastUsed,
		UseCount:  t.Metadata.UseCount,
		Tags:      t.Metadata.Tags,
		Favorite:  t.Metadata.Favorite,
	}
	if t.Scheduling != nil {
		entry.HasScheduling = true
		entry.NextExecution = t.Scheduling.NextExecution
	}
	return entry
}

// QueueStatus is the state of a scheduling queue entry.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueInFlight QueueStatus = "in-flight"
	QueueFailed   QueueStatus = "failed"
)

// QueueEntry marks an actively scheduled template. The queue holds exactly
// one entry per template whose schedule is enabled, not paused, and has a
// next execution set; it is derived state rebuilt in the same transaction
// that mutates the template.
type QueueEntry struct {
	TemplateID   string      `json:"template_id"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Status       QueueStatus `json:"status"`
	Attempts     int         `json:"attempts"`
}

// Preferences are the user-level settings kept by the store. The engine
// reads NotificationsEnabled and the daemon reads AutoCleanupEnabled and
// RetentionDays; DefaultExecutionTime and Timezone are stored but not read
// (the engine uses the configured EXPENSABL_TIMEZONE location).
type Preferences struct {
	DefaultExecutionTime TimeOfDay `json:"default_execution_time"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	AutoCleanupEnabled   bool      `json:"auto_cleanup_enabled"`
	RetentionDays        int       `json:"retention_days"`
	Timezone             string    `json:"timezone"`
}

// DefaultPreferences returns the preferences used until the user changes
// them.
func DefaultPreferences() Preferences {
	return Preferences{
		DefaultExecutionTime: TimeOfDay{Hour: 9, Minute: 0},
		NotificationsEnabled: true,
		AutoCleanupEnabled:   false,
		RetentionDays:        90,
		Timezone:             "",
	}
}
