// Package planner decides which reminders are due at a given local instant.
package planner

import (
	"errors"
	"time"

	"bdaybot/internal/model"
	"bdaybot/internal/recurrence"
)

// Due is one reminder that should fire now (subject to the dispatch ledger).
type Due struct {
	Rule           model.ReminderRule
	OccurrenceYear int
	// FireAt is the configured local fire time on the trigger date.
	FireAt time.Time
}

// DueReminders evaluates every rule of one birthday against the user's
// local wall clock.
//
// For each rule both the current and the next occurrence year are
// candidates: an offset can push the trigger date into the previous
// calendar year (a Jan 2 birthday with a 7-day offset triggers on Dec 26).
// A rule is due when its trigger date equals today's local date and the
// local time has reached the rule's hour:minute.
//
// Stored dates that fail occurrence computation are skipped; the caller
// logs them. Output is bounded by len(rules) * 2.
func DueReminders(b model.Birthday, rules []model.ReminderRule, localNow time.Time, policy recurrence.Policy) []Due {
	today := recurrence.DateOf(localNow)
	minuteOfDay := localNow.Hour()*60 + localNow.Minute()

	var due []Due
	for _, rule := range rules {
		if rule.OffsetDays < 0 {
			continue
		}
		for _, year := range [2]int{today.Year, today.Year + 1} {
			occ, err := recurrence.Occurrence(b.Month, b.Day, year, policy)
			if err != nil {
				if errors.Is(err, recurrence.ErrInvalidDate) {
					break // same pair fails for the other candidate year too
				}
				continue
			}
			trigger := occ.AddDays(-rule.OffsetDays)
			if !trigger.Equal(today) {
				continue
			}
			if minuteOfDay < rule.Hour*60+rule.Minute {
				continue
			}
			due = append(due, Due{
				Rule:           rule,
				OccurrenceYear: year,
				FireAt: time.Date(trigger.Year, trigger.Month, trigger.Day,
					rule.Hour, rule.Minute, 0, 0, localNow.Location()),
			})
		}
	}
	return due
}
