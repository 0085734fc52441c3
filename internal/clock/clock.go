// Package clock abstracts time.Now so scheduling logic is deterministic
// under test.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// Real reads the system clock in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed always reports the same instant.
type Fixed struct{ T time.Time }

func (f Fixed) Now() time.Time { return f.T }
