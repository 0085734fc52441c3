// Package tracker is the durable idempotency boundary between planning and
// dispatch. All state lives in storage; nothing here survives only in
// memory, so restarts and repeated ticks cannot double-send.
package tracker

import (
	"context"
	"time"

	"bdaybot/internal/model"
	"bdaybot/internal/storage"
)

type Tracker struct {
	store       storage.Store
	maxAttempts int
}

// New creates a tracker. maxAttempts bounds how many all-failed passes a
// key gets before it is treated as spent (<=0 means 3).
func New(store storage.Store, maxAttempts int) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Tracker{store: store, maxAttempts: maxAttempts}
}

// IsSpent reports whether the key must not fire again: either a dispatch
// reached at least one endpoint, or every attempt failed and the attempt
// budget is used up.
func (t *Tracker) IsSpent(ctx context.Context, key model.DispatchKey) (bool, error) {
	rec, ok, err := t.store.GetDispatch(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return rec.Sent || rec.Attempts >= t.maxAttempts, nil
}

// MarkAttempted commits one dispatch pass. The key counts as sent when any
// endpoint succeeded; partial failure still spends the key (best-effort
// delivery, per-endpoint errors are surfaced to the user separately).
func (t *Tracker) MarkAttempted(ctx context.Context, key model.DispatchKey, outcomes []model.EndpointOutcome, at time.Time) error {
	sent := false
	for _, o := range outcomes {
		if o.Success {
			sent = true
			break
		}
	}
	return t.store.RecordDispatch(ctx, model.DispatchRecord{
		Key:      key,
		Sent:     sent,
		SentAt:   at.UTC(),
		Outcomes: outcomes,
	})
}
