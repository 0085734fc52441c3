// Package model defines the persistent records shared by storage, the
// scheduler and the command interface.
package model

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a sortable unique record ID.
func NewID() string { return ulid.Make().String() }

// Birthday is a recurring (month, day) owned by one user. (2, 29) is a
// valid pair; how it is observed in non-leap years is a recurrence policy.
type Birthday struct {
	ID     string
	UserID int64
	Month  int // 1-12
	Day    int // 1-31
	Label  string
}

// ReminderRule fires OffsetDays local calendar days before the occurrence,
// at Hour:Minute local time. Several rules may attach to one birthday.
type ReminderRule struct {
	ID         string
	BirthdayID string
	OffsetDays int // >= 0
	Hour       int // 0-23
	Minute     int // 0-59
}

// UserSettings holds the per-user timezone and the offsets materialized as
// rules when a birthday is added.
type UserSettings struct {
	UserID         int64
	Timezone       string // IANA name
	DefaultOffsets []int  // days before, at DefaultHour:00
	DefaultHour    int
}

// Endpoint is a delivery target URL, opaque to the scheduler. Unique per
// user by URL.
type Endpoint struct {
	ID     string
	UserID int64
	URL    string
}

// DispatchKey identifies one reminder-firing event. It is the idempotency
// boundary: once a record under this key is marked sent, no tick re-fires
// it, across restarts and timezone changes.
type DispatchKey struct {
	UserID         int64
	BirthdayID     string
	RuleID         string
	OccurrenceYear int
}

func (k DispatchKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%d", k.UserID, k.BirthdayID, k.RuleID, k.OccurrenceYear)
}

// EndpointOutcome is the result of one delivery attempt to one endpoint.
type EndpointOutcome struct {
	EndpointID string `json:"endpoint_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// DispatchRecord is the durable ledger entry for a DispatchKey.
// Sent flips to true when at least one endpoint succeeded; Attempts counts
// all-failed passes so a persistently broken user eventually stops retrying.
type DispatchRecord struct {
	Key      DispatchKey
	Sent     bool
	Attempts int
	SentAt   time.Time // UTC; zero until first attempt is recorded
	Outcomes []EndpointOutcome
}
