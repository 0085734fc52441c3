// Package recurrence computes the concrete calendar date a recurring
// birthday falls on in a given year.
//
// Feb 29 birthdays are observed on Feb 28 in non-leap years by default
// (PolicyFeb28). PolicyMar1 moves the observance to Mar 1 instead. The
// policy is fixed per process so a once-every-four-years birthday still
// fires exactly once per year.
package recurrence

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidDate = errors.New("invalid calendar date")

// Policy selects the observed date for Feb 29 birthdays in non-leap years.
type Policy int

const (
	PolicyFeb28 Policy = iota
	PolicyMar1
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "feb28":
		return PolicyFeb28, nil
	case "mar1":
		return PolicyMar1, nil
	default:
		return 0, fmt.Errorf("unknown feb29 policy %q", s)
	}
}

// Date is a calendar date without time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) Equal(o Date) bool { return d == o }

// AddDays walks the calendar, normalizing across month and year boundaries.
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return DateOf(t)
}

func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysIn(month time.Month, year int) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ValidBirthday reports whether (month, day) is a real date in a non-leap
// year, or exactly Feb 29.
func ValidBirthday(month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	if month == 2 && day == 29 {
		return true
	}
	return day <= daysIn(time.Month(month), 2025) // any non-leap year
}

// Occurrence returns the observed date of (month, day) in year.
func Occurrence(month, day, year int, policy Policy) (Date, error) {
	if month == 2 && day == 29 && !IsLeap(year) {
		if policy == PolicyMar1 {
			return Date{Year: year, Month: time.March, Day: 1}, nil
		}
		return Date{Year: year, Month: time.February, Day: 28}, nil
	}
	if month < 1 || month > 12 || day < 1 || day > daysIn(time.Month(month), year) {
		return Date{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return Date{Year: year, Month: time.Month(month), Day: day}, nil
}
