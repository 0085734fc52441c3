package timezone

import (
	"errors"
	"testing"
	"time"

	"bdaybot/internal/recurrence"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	r := NewResolver()
	for _, name := range []string{"UTC", "Europe/Berlin", "America/New_York", ""} {
		if err := r.Validate(name); err != nil {
			t.Fatalf("Validate(%q) error: %v", name, err)
		}
	}
	if err := r.Validate("Mars/Olympus"); !errors.Is(err, ErrUnknownTimezone) {
		t.Fatalf("Validate(bad) = %v, want ErrUnknownTimezone", err)
	}
}

func TestLocalDateCrossesMidnight(t *testing.T) {
	t.Parallel()
	r := NewResolver()
	// 2026-03-10 23:30 UTC is already 2026-03-11 in Tokyo.
	instant := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	d, err := r.LocalDate(instant, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("LocalDate error: %v", err)
	}
	if d != (recurrence.Date{Year: 2026, Month: time.March, Day: 11}) {
		t.Fatalf("Tokyo date = %v", d)
	}

	d, err = r.LocalDate(instant, "America/Los_Angeles")
	if err != nil {
		t.Fatalf("LocalDate error: %v", err)
	}
	if d != (recurrence.Date{Year: 2026, Month: time.March, Day: 10}) {
		t.Fatalf("LA date = %v", d)
	}
}

func TestLocationCacheReuse(t *testing.T) {
	t.Parallel()
	r := NewResolver()
	a, err := r.LocalTime(time.Unix(0, 0).UTC(), "Europe/Paris")
	if err != nil {
		t.Fatalf("LocalTime error: %v", err)
	}
	b, err := r.LocalTime(time.Unix(0, 0).UTC(), "Europe/Paris")
	if err != nil {
		t.Fatalf("LocalTime error: %v", err)
	}
	if a.Location() != b.Location() {
		t.Fatal("expected cached *time.Location to be reused")
	}
}
