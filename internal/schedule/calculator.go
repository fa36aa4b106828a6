// Package schedule computes firing instants for template schedules.
//
// All functions are pure: they take the schedule, a reference instant, and
// a location, and never touch the clock or any shared state. Calendar math
// is done on the wall clock of the supplied location.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/rezkam/expensabl/internal/core"
)

// Bounds for custom intervals.
const (
	MinCustomInterval = 5 * time.Minute
	MaxCustomInterval = 365 * 24 * time.Hour
)

// monthlyScanLimit bounds the forward scan for a month that accepts the
// configured day. 48 months covers every reachable day-of-month value,
// including 31 across leap boundaries.
const monthlyScanLimit = 48

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday resolves a day name (full or three-letter, any case) to a
// weekday ordinal.
func ParseWeekday(name string) (time.Weekday, bool) {
	day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	return day, ok
}

// Next computes the next firing instant strictly after now for the given
// schedule, interpreted on the wall clock of loc.
//
// It returns (nil, nil) when the schedule is disabled or paused. It
// returns core.ErrScheduling when the configuration is malformed or the
// next candidate falls beyond the schedule's end date.
func Next(s *core.Schedule, now time.Time, loc *time.Location) (*time.Time, error) {
	if !s.Active() {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}

	var (
		next time.Time
		err  error
	)
	switch s.Interval {
	case core.IntervalDaily:
		next, err = nextDaily(s, now, loc)
	case core.IntervalWeekly:
		next, err = nextWeekly(s, now, loc)
	case core.IntervalMonthly:
		next, err = nextMonthly(s, now, loc)
	case core.IntervalCustom:
		next, err = nextCustom(s, now)
	default:
		return nil, fmt.Errorf("%w: unknown interval %q", core.ErrScheduling, s.Interval)
	}
	if err != nil {
		return nil, err
	}

	if s.EndDate != nil && next.After(*s.EndDate) {
		return nil, fmt.Errorf("%w: next firing %s is past end date %s",
			core.ErrScheduling, next.Format(time.RFC3339), s.EndDate.Format(time.RFC3339))
	}

	return &next, nil
}

func nextDaily(s *core.Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(),
		s.ExecutionTime.Hour, s.ExecutionTime.Minute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

func nextWeekly(s *core.Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	if len(s.DaysOfWeek) == 0 {
		return time.Time{}, fmt.Errorf("%w: weekly schedule has no days configured", core.ErrScheduling)
	}

	target := make(map[time.Weekday]bool, len(s.DaysOfWeek))
	for _, name := range s.DaysOfWeek {
		day, ok := ParseWeekday(name)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: unknown day of week %q", core.ErrScheduling, name)
		}
		target[day] = true
	}

	local := now.In(loc)
	for offset := 0; offset < 8; offset++ {
		day := local.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			s.ExecutionTime.Hour, s.ExecutionTime.Minute, 0, 0, loc)
		if candidate.After(now) && target[candidate.Weekday()] {
			return candidate, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: no weekly slot found", core.ErrScheduling)
}

func nextMonthly(s *core.Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	if s.DayOfMonth == nil || !s.DayOfMonth.Valid() {
		return time.Time{}, fmt.Errorf("%w: monthly schedule has no valid day of month", core.ErrScheduling)
	}

	local := now.In(loc)

	if s.DayOfMonth.Last {
		// Last day of the current month, rolling to the next month when the
		// instant has already passed.
		candidate := lastOfMonth(local.Year(), local.Month(), s.ExecutionTime, loc)
		if !candidate.After(now) {
			next := local.AddDate(0, 1, -local.Day()+1) // first of next month
			candidate = lastOfMonth(next.Year(), next.Month(), s.ExecutionTime, loc)
		}
		return candidate, nil
	}

	// Walk months starting from the first of the current month so that
	// setting the day never rolls over. A month that has fewer days than the
	// configured day is skipped (Jan 31 -> Mar 31 in non-leap years).
	year, month := local.Year(), local.Month()
	for i := 0; i < monthlyScanLimit; i++ {
		candidate := time.Date(year, month, s.DayOfMonth.Day,
			s.ExecutionTime.Hour, s.ExecutionTime.Minute, 0, 0, loc)
		if candidate.Day() == s.DayOfMonth.Day && candidate.After(now) {
			return candidate, nil
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}

	return time.Time{}, fmt.Errorf("%w: no month accepts day %d", core.ErrScheduling, s.DayOfMonth.Day)
}

func lastOfMonth(year int, month time.Month, at core.TimeOfDay, loc *time.Location) time.Time {
	firstOfNext := time.Date(year, month, 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	last := firstOfNext.AddDate(0, 0, -1)
	return time.Date(last.Year(), last.Month(), last.Day(), at.Hour, at.Minute, 0, 0, loc)
}

// nextCustom fires on the fixed lattice start + k*interval. Computing the
// slot from the anchor rather than from the previous firing means
// rescheduling never drifts.
func nextCustom(s *core.Schedule, now time.Time) (time.Time, error) {
	if s.CustomInterval == nil || *s.CustomInterval <= 0 {
		return time.Time{}, fmt.Errorf("%w: custom schedule has no interval", core.ErrScheduling)
	}
	if s.StartDate == nil {
		return time.Time{}, fmt.Errorf("%w: custom schedule has no start date", core.ErrScheduling)
	}

	start := *s.StartDate
	interval := *s.CustomInterval

	if now.Before(start) {
		return start, nil
	}

	elapsed := now.Sub(start)
	passed := elapsed / interval
	return start.Add((passed + 1) * interval), nil
}

// Validate checks a schedule configuration without reference to the clock.
// It mirrors the rules Next enforces, so a schedule that validates cleanly
// can only fail Next by exceeding its end date.
func Validate(s *core.Schedule) error {
	if s == nil {
		return fmt.Errorf("%w: schedule is nil", core.ErrScheduling)
	}

	if s.Interval != core.IntervalCustom && !s.ExecutionTime.Valid() {
		return fmt.Errorf("%w: execution time %02d:%02d out of range",
			core.ErrScheduling, s.ExecutionTime.Hour, s.ExecutionTime.Minute)
	}

	switch s.Interval {
	case core.IntervalDaily:
		// No variant configuration.
	case core.IntervalWeekly:
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly schedule requires at least one day", core.ErrScheduling)
		}
		for _, name := range s.DaysOfWeek {
			if _, ok := ParseWeekday(name); !ok {
				return fmt.Errorf("%w: unknown day of week %q", core.ErrScheduling, name)
			}
		}
	case core.IntervalMonthly:
		if s.DayOfMonth == nil || !s.DayOfMonth.Valid() {
			return fmt.Errorf("%w: monthly schedule requires a day of month in 1..31 or \"last\"", core.ErrScheduling)
		}
	case core.IntervalCustom:
		if s.CustomInterval == nil {
			return fmt.Errorf("%w: custom schedule requires an interval", core.ErrScheduling)
		}
		if *s.CustomInterval < MinCustomInterval || *s.CustomInterval > MaxCustomInterval {
			return fmt.Errorf("%w: custom interval %s outside [%s, %s]",
				core.ErrScheduling, *s.CustomInterval, MinCustomInterval, MaxCustomInterval)
		}
		if s.StartDate == nil {
			return fmt.Errorf("%w: custom schedule requires a start date", core.ErrScheduling)
		}
	default:
		return fmt.Errorf("%w: unknown interval %q", core.ErrScheduling, s.Interval)
	}

	if s.StartDate != nil && s.EndDate != nil && !s.StartDate.Before(*s.EndDate) {
		return fmt.Errorf("%w: start date must be before end date", core.ErrScheduling)
	}

	return nil
}
