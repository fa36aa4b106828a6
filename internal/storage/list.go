package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/rezkam/expensabl/internal/core"
)

// Listing bounds.
const (
	DefaultListLimit = 25
	MaxListLimit     = 1000
)

// normalizeListOptions applies defaults and bounds-checks the options.
func normalizeListOptions(opts core.ListOptions) (core.ListOptions, error) {
	if opts.Page == 0 {
		opts.Page = 1
	}
	if opts.Page < 1 {
		return opts, fmt.Errorf("%w: page must be >= 1", core.ErrInvalidData)
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit < 1 || opts.Limit > MaxListLimit {
		return opts, fmt.Errorf("%w: limit must be in 1..%d", core.ErrInvalidData, MaxListLimit)
	}
	if opts.SortBy == "" {
		opts.SortBy = core.SortByUpdatedAt
	}
	switch opts.SortBy {
	case core.SortByUpdatedAt, core.SortByCreatedAt, core.SortByName,
		core.SortByUseCount, core.SortByLastUsed:
	default:
		return opts, fmt.Errorf("%w: unknown sort field %q", core.ErrInvalidData, opts.SortBy)
	}
	if opts.SortOrder == "" {
		opts.SortOrder = core.SortDesc
	}
	if opts.SortOrder != core.SortAsc && opts.SortOrder != core.SortDesc {
		return opts, fmt.Errorf("%w: unknown sort order %q", core.ErrInvalidData, opts.SortOrder)
	}
	return opts, nil
}

func matchesFilter(entry core.MetadataEntry, filter core.ListFilter) bool {
	if filter.HasScheduling != nil && entry.HasScheduling != *filter.HasScheduling {
		return false
	}
	if filter.Favorite != nil && entry.Favorite != *filter.Favorite {
		return false
	}
	for _, tag := range filter.Tags {
		if !lo.Contains(entry.Tags, strings.ToLower(strings.TrimSpace(tag))) {
			return false
		}
	}
	if filter.Search != "" &&
		!strings.Contains(strings.ToLower(entry.Name), strings.ToLower(filter.Search)) {
		return false
	}
	return true
}

func sortEntries(entries []core.MetadataEntry, by core.SortField, order core.SortOrder) {
	timeOf := func(t *time.Time) time.Time {
		if t == nil {
			return time.Time{}
		}
		return *t
	}

	less := func(a, b core.MetadataEntry) bool {
		switch by {
		case core.SortByCreatedAt:
			return a.CreatedAt.Before(b.CreatedAt)
		case core.SortByName:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		case core.SortByUseCount:
			return a.UseCount < b.UseCount
		case core.SortByLastUsed:
			return timeOf(a.LastUsed).Before(timeOf(b.LastUsed))
		default:
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if order == core.SortDesc {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}

// List implements core.TemplateStore. Filtering happens before sorting,
// pagination after.
func (s *Store) List(ctx context.Context, opts core.ListOptions) (*core.ListResult, error) {
	opts, err := normalizeListOptions(opts)
	if err != nil {
		return nil, err
	}

	index, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	entries := lo.Filter(lo.Values(index), func(entry core.MetadataEntry, _ int) bool {
		return matchesFilter(entry, opts.Filter)
	})
	sortEntries(entries, opts.SortBy, opts.SortOrder)

	total := len(entries)
	start := (opts.Page - 1) * opts.Limit
	if start > total {
		start = total
	}
	end := start + opts.Limit
	if end > total {
		end = total
	}
	page := entries[start:end]

	items := make([]core.ListItem, 0, len(page))
	for _, entry := range page {
		item := core.ListItem{MetadataEntry: entry}
		if opts.IncludeData {
			t, err := s.Get(ctx, entry.ID)
			if err != nil {
				return nil, err
			}
			item.Data = t
		}
		items = append(items, item)
	}

	return &core.ListResult{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  end < total,
	}, nil
}
