// Package storage persists user settings, birthdays, reminder rules,
// endpoints and the dispatch ledger in sqlite.
//
// The dispatch ledger write is atomic per idempotency key (a unique
// constraint upsert), which is what lets scheduler re-runs and restarts
// stay exactly-once.
package storage

import (
	"context"
	"errors"
	"time"

	"bdaybot/internal/model"
)

var (
	ErrUnavailable = errors.New("storage unavailable")
	ErrNotFound    = errors.New("not found")
	// ErrDuplicateEndpoint is returned when a user re-adds a URL they
	// already have.
	ErrDuplicateEndpoint = errors.New("endpoint already configured")
)

// AuditEntry records a user command action. Keep it compact and
// schema-stable.
type AuditEntry struct {
	At     time.Time
	UserID int64
	Action string
	Target string
	OK     bool
	Error  string
}

// Store is the persistence API used by the scheduler, tracker and the
// command interface.
type Store interface {
	// ListUserIDs enumerates users that own at least one birthday.
	ListUserIDs(ctx context.Context) ([]int64, error)

	GetSettings(ctx context.Context, userID int64) (model.UserSettings, error)
	PutSettings(ctx context.Context, s model.UserSettings) error

	AddBirthday(ctx context.Context, b model.Birthday) error
	ListBirthdays(ctx context.Context, userID int64) ([]model.Birthday, error)
	FindBirthday(ctx context.Context, userID int64, label string) (model.Birthday, bool, error)
	// RemoveBirthday deletes the birthday and, transitively, its rules.
	RemoveBirthday(ctx context.Context, userID int64, birthdayID string) error

	AddRule(ctx context.Context, r model.ReminderRule) error
	ListRules(ctx context.Context, birthdayID string) ([]model.ReminderRule, error)
	ListRulesByUser(ctx context.Context, userID int64) ([]model.ReminderRule, error)
	RemoveRule(ctx context.Context, userID int64, ruleID string) error

	AddEndpoint(ctx context.Context, e model.Endpoint) error
	ListEndpoints(ctx context.Context, userID int64) ([]model.Endpoint, error)
	RemoveEndpoint(ctx context.Context, userID int64, endpointID string) error

	GetDispatch(ctx context.Context, key model.DispatchKey) (model.DispatchRecord, bool, error)
	// RecordDispatch inserts the record on first write; later writes for the
	// same key increment the attempt counter and can only flip sent from
	// false to true. Atomic with respect to concurrent writers of the key.
	RecordDispatch(ctx context.Context, rec model.DispatchRecord) error
	ListRecentDispatches(ctx context.Context, userID int64, limit int) ([]model.DispatchRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
