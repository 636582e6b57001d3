// Package recurrence materializes the next instance of a recurring task when
// a completion event arrives.
package recurrence

import (
	"time"

	"github.com/todostream/project/internal/contracts"
)

// monthScanLimit bounds the monthly search so a by_monthday of 31 with short
// months cannot loop forever.
const monthScanLimit = 48

// NextOccurrence computes the first occurrence strictly after the given time.
// The second return is false when the rule yields nothing within its scan
// bounds. Weekday indices follow time.Weekday (0 = Sunday).
func NextOccurrence(rule contracts.RecurrenceRule, after time.Time) (time.Time, bool) {
	switch rule.Frequency {
	case contracts.FrequencyDaily, contracts.FrequencyInterval:
		return after.AddDate(0, 0, rule.Interval), true

	case contracts.FrequencyWeekly:
		if len(rule.ByWeekday) == 0 {
			return after.AddDate(0, 0, 7*rule.Interval), true
		}
		return nextWeekday(rule, after)

	case contracts.FrequencyMonthly:
		return nextMonthday(rule, after)
	}
	return time.Time{}, false
}

func nextWeekday(rule contracts.RecurrenceRule, after time.Time) (time.Time, bool) {
	allowed := make(map[time.Weekday]bool, len(rule.ByWeekday))
	for _, wd := range rule.ByWeekday {
		allowed[time.Weekday(wd)] = true
	}

	anchor := startOfWeek(after)
	candidate := after.AddDate(0, 0, 1)
	for i := 0; i < 7*rule.Interval+7; i++ {
		weeks := int(startOfWeek(candidate).Sub(anchor).Hours()) / (24 * 7)
		if allowed[candidate.Weekday()] && weeks%rule.Interval == 0 {
			return candidate, true
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

func nextMonthday(rule contracts.RecurrenceRule, after time.Time) (time.Time, bool) {
	day := rule.ByMonthday
	if day == 0 {
		day = after.Day()
	}
	for k := 0; k < monthScanLimit; k++ {
		base := time.Date(after.Year(), after.Month(), 1, after.Hour(), after.Minute(), after.Second(), 0, after.Location())
		base = base.AddDate(0, k*rule.Interval, 0)
		candidate := time.Date(base.Year(), base.Month(), day, base.Hour(), base.Minute(), base.Second(), 0, base.Location())
		// time.Date normalizes overflow, so a 31st in a short month rolls
		// into the next month; skip those like months without the day.
		if candidate.Day() != day {
			continue
		}
		if candidate.After(after) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

func startOfWeek(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(t.Weekday()))
}

// NextInstance applies the rule's end condition on top of NextOccurrence.
// generatedCount is the number of instances already materialized for this
// rule; the origin task counts as the first occurrence.
func NextInstance(rule contracts.RecurrenceRule, completedAt time.Time, generatedCount int) (time.Time, bool) {
	if rule.MaxOccurrences > 0 && 1+generatedCount >= rule.MaxOccurrences {
		return time.Time{}, false
	}
	next, ok := NextOccurrence(rule, completedAt)
	if !ok {
		return time.Time{}, false
	}
	if rule.EndDate != nil && next.After(*rule.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// DueDateForInstance keeps the new instance's due date at the same offset
// from its occurrence as the original due date had from the completion.
func DueDateForInstance(originalDue *time.Time, completedAt, next time.Time) *time.Time {
	if originalDue == nil {
		return nil
	}
	due := next.Add(originalDue.Sub(completedAt))
	return &due
}
