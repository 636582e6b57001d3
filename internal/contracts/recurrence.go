package contracts

import (
	"errors"
	"strings"
	"time"
)

type RecurrenceFrequency string

const (
	FrequencyDaily    RecurrenceFrequency = "daily"
	FrequencyWeekly   RecurrenceFrequency = "weekly"
	FrequencyMonthly  RecurrenceFrequency = "monthly"
	FrequencyInterval RecurrenceFrequency = "interval"
)

var ErrRuleIDRequired = errors.New("rule_id is required")
var ErrUnknownFrequency = errors.New("unknown recurrence frequency")
var ErrInvalidInterval = errors.New("interval must be at least 1")
var ErrInvalidWeekday = errors.New("by_weekday values must be 0 (Sunday) through 6 (Saturday)")
var ErrInvalidMonthday = errors.New("by_monthday must be between 1 and 31")

// ErrEndConditionRequired and ErrEndConditionConflict enforce the hard
// invariant that exactly one of end_date or max_occurrences is set.
var ErrEndConditionRequired = errors.New("recurrence rule needs end_date or max_occurrences")
var ErrEndConditionConflict = errors.New("recurrence rule cannot set both end_date and max_occurrences")

// RecurrenceRule describes a repeating schedule for a task. It is created with
// the parent task, carried read-only inside task event payloads, and never
// mutated by any consumer.
type RecurrenceRule struct {
	RuleID         string              `json:"rule_id"`
	Frequency      RecurrenceFrequency `json:"frequency"`
	Interval       int                 `json:"interval"`
	ByWeekday      []int               `json:"by_weekday,omitempty"`
	ByMonthday     int                 `json:"by_monthday,omitempty"`
	EndDate        *time.Time          `json:"end_date,omitempty"`
	MaxOccurrences int                 `json:"max_occurrences,omitempty"`
}

// Validate rejects malformed rules at creation time so the recurrence
// materializer never has to resolve an ambiguous end condition.
func (r RecurrenceRule) Validate() error {
	if strings.TrimSpace(r.RuleID) == "" {
		return ErrRuleIDRequired
	}
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyInterval:
	default:
		return ErrUnknownFrequency
	}
	if r.Interval < 1 {
		return ErrInvalidInterval
	}
	for _, wd := range r.ByWeekday {
		if wd < 0 || wd > 6 {
			return ErrInvalidWeekday
		}
	}
	if r.ByMonthday != 0 && (r.ByMonthday < 1 || r.ByMonthday > 31) {
		return ErrInvalidMonthday
	}
	hasEnd := r.EndDate != nil
	hasMax := r.MaxOccurrences > 0
	if hasEnd && hasMax {
		return ErrEndConditionConflict
	}
	if !hasEnd && !hasMax {
		return ErrEndConditionRequired
	}
	return nil
}
