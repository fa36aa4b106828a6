package core

import (
	"context"
)

// SortField enumerates the template list sort keys.
type SortField string

const (
	SortByUpdatedAt SortField = "updatedAt"
	SortByCreatedAt SortField = "createdAt"
	SortByName      SortField = "name"
	SortByUseCount  SortField = "useCount"
	SortByLastUsed  SortField = "lastUsed"
)

// SortOrder is the direction of a sort.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListFilter narrows a template listing. Nil pointer fields mean "don't
// care". Tags requires every listed tag to be present. Search matches the
// template name, case-insensitively.
type ListFilter struct {
	HasScheduling *bool
	Favorite      *bool
	Tags          []string
	Search        string
}

// ListOptions controls pagination, sorting, and projection of a listing.
// Filtering is applied before sorting; pagination after.
type ListOptions struct {
	Page        int // 1-based
	Limit       int // 1..1000
	SortBy      SortField
	SortOrder   SortOrder
	IncludeData bool
	Filter      ListFilter
}

// ListItem is one row of a listing: always the index projection, plus the
// full template when IncludeData was requested.
type ListItem struct {
	MetadataEntry
	Data *Template `json:"data,omitempty"`
}

// ListResult is a page of templates.
type ListResult struct {
	Items    []ListItem `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	HasMore  bool       `json:"has_more"`
}

// MetadataPatch is a partial update of template metadata. Nil fields are
// left untouched; counters are never writable through a patch.
type MetadataPatch struct {
	SourceExpenseID *string
	Tags            *[]string
	Favorite        *bool
}

// UpdateParams is a partial template update. Nil fields are left
// untouched. ID and CreatedAt are not updatable.
type UpdateParams struct {
	Name        *string
	ExpenseData *ExpenseData
	Metadata    *MetadataPatch
}

// TemplateStore is the transactional persistence surface for templates,
// their metadata index, the scheduling queue, execution history, and
// preferences.
//
// Every mutation runs in a single transaction that also maintains the
// derived state: the metadata index always mirrors the template set, and
// the queue holds exactly one entry per actively scheduled template.
type TemplateStore interface {
	// Create persists a new template together with its index entry and an
	// empty history. When limit is positive and the stored template count
	// has reached it, Create fails with LimitExceededError without
	// writing; the check runs inside the same transaction as the write.
	Create(ctx context.Context, t *Template, limit int) error

	// Get returns the template with its execution history attached.
	Get(ctx context.Context, id string) (*Template, error)

	// Update applies a partial update, preserving ID and CreatedAt and
	// merging metadata, and returns the stored result.
	Update(ctx context.Context, id string, params UpdateParams) (*Template, error)

	// Delete removes the template, its history, its queue entry, and its
	// index entry in one transaction.
	Delete(ctx context.Context, id string) error

	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	Count(ctx context.Context) (int, error)
	Exists(ctx context.Context, id string) (bool, error)

	// UpdateScheduling replaces the template's schedule (nil removes it),
	// rebuilds its index entry, and replaces its queue entry, all in one
	// transaction. The new queue entry is written only when the schedule
	// is enabled, not paused, and has a next execution set.
	UpdateScheduling(ctx context.Context, id string, s *Schedule) (*Template, error)

	// AppendExecution inserts a record at the head of the template's
	// history and truncates to the history cap. A success record bumps
	// the scheduled-use counter and last-used stamp.
	AppendExecution(ctx context.Context, id string, rec ExecutionRecord) error

	// IncrementUsage bumps the manual-use counter and last-used stamp.
	IncrementUsage(ctx context.Context, id string) error

	// Queue returns the current scheduling queue.
	Queue(ctx context.Context) ([]QueueEntry, error)

	// CleanupHistory drops execution records older than the retention
	// cutoff across all templates and reports how many were removed.
	CleanupHistory(ctx context.Context, retentionDays int) (int, error)

	GetPreferences(ctx context.Context) (Preferences, error)
	UpdatePreferences(ctx context.Context, p Preferences) error

	Close() error
}
