// Package timezone converts UTC instants to per-user local time.
//
// Zone names are validated when the user sets them; the scheduler still
// treats a failed lookup as a per-user skip, never as a tick abort (the
// tzdata on disk can change under a running process).
package timezone

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bdaybot/internal/recurrence"
)

var ErrUnknownTimezone = errors.New("unknown timezone")

// Resolver caches time.LoadLocation results. The zero value is not usable;
// call NewResolver.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]*time.Location
}

func NewResolver() *Resolver {
	return &Resolver{cache: map[string]*time.Location{}}
}

func (r *Resolver) location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "UTC"
	}
	r.mu.Lock()
	loc, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, name)
	}
	r.mu.Lock()
	r.cache[name] = loc
	r.mu.Unlock()
	return loc, nil
}

// Validate checks an IANA name. Call this at settings-write time so a bad
// name never reaches the scheduler.
func (r *Resolver) Validate(name string) error {
	_, err := r.location(name)
	return err
}

// LocalTime converts a UTC instant to wall-clock time in the named zone.
func (r *Resolver) LocalTime(instant time.Time, name string) (time.Time, error) {
	loc, err := r.location(name)
	if err != nil {
		return time.Time{}, err
	}
	return instant.In(loc), nil
}

// LocalDate returns the calendar date of a UTC instant in the named zone.
func (r *Resolver) LocalDate(instant time.Time, name string) (recurrence.Date, error) {
	t, err := r.LocalTime(instant, name)
	if err != nil {
		return recurrence.Date{}, err
	}
	return recurrence.DateOf(t), nil
}
