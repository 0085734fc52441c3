package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bdaybot/internal/clock"
	"bdaybot/internal/dispatch"
	"bdaybot/internal/model"
	"bdaybot/internal/storage"
	"bdaybot/internal/timezone"
	logx "bdaybot/pkg/logx"
)

// memStore is an in-memory storage.Store for scheduler tests.
type memStore struct {
	mu        sync.Mutex
	settings  map[int64]model.UserSettings
	birthdays []model.Birthday
	rules     []model.ReminderRule
	endpoints []model.Endpoint
	records   map[model.DispatchKey]model.DispatchRecord
	listErr   error
}

func newMemStore() *memStore {
	return &memStore{
		settings: map[int64]model.UserSettings{},
		records:  map[model.DispatchKey]model.DispatchRecord{},
	}
}

func (m *memStore) ListUserIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	seen := map[int64]bool{}
	var ids []int64
	for _, b := range m.birthdays {
		if !seen[b.UserID] {
			seen[b.UserID] = true
			ids = append(ids, b.UserID)
		}
	}
	return ids, nil
}

func (m *memStore) GetSettings(_ context.Context, userID int64) (model.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.settings[userID]; ok {
		return s, nil
	}
	return model.UserSettings{UserID: userID, Timezone: "UTC", DefaultOffsets: []int{0}, DefaultHour: 9}, nil
}

func (m *memStore) PutSettings(_ context.Context, s model.UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.UserID] = s
	return nil
}

func (m *memStore) AddBirthday(_ context.Context, b model.Birthday) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.birthdays = append(m.birthdays, b)
	return nil
}

func (m *memStore) ListBirthdays(_ context.Context, userID int64) ([]model.Birthday, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Birthday
	for _, b := range m.birthdays {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) FindBirthday(_ context.Context, userID int64, label string) (model.Birthday, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.birthdays {
		if b.UserID == userID && b.Label == label {
			return b, true, nil
		}
	}
	return model.Birthday{}, false, nil
}

func (m *memStore) RemoveBirthday(context.Context, int64, string) error { return nil }

func (m *memStore) AddRule(_ context.Context, r model.ReminderRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	return nil
}

func (m *memStore) ListRules(_ context.Context, birthdayID string) ([]model.ReminderRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReminderRule
	for _, r := range m.rules {
		if r.BirthdayID == birthdayID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListRulesByUser(context.Context, int64) ([]model.ReminderRule, error) {
	return nil, nil
}

func (m *memStore) RemoveRule(context.Context, int64, string) error { return nil }

func (m *memStore) AddEndpoint(_ context.Context, e model.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = append(m.endpoints, e)
	return nil
}

func (m *memStore) ListEndpoints(_ context.Context, userID int64) ([]model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Endpoint
	for _, e := range m.endpoints {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) RemoveEndpoint(context.Context, int64, string) error { return nil }

func (m *memStore) GetDispatch(_ context.Context, key model.DispatchKey) (model.DispatchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *memStore) RecordDispatch(_ context.Context, rec model.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[rec.Key]; ok {
		prev.Attempts++
		prev.Sent = prev.Sent || rec.Sent
		prev.Outcomes = rec.Outcomes
		m.records[rec.Key] = prev
		return nil
	}
	rec.Attempts = 1
	m.records[rec.Key] = rec
	return nil
}

func (m *memStore) ListRecentDispatches(context.Context, int64, int) ([]model.DispatchRecord, error) {
	return nil, nil
}

func (m *memStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (m *memStore) Close() error                                          { return nil }

// countSink counts deliveries per URL.
type countSink struct {
	mu    sync.Mutex
	sends map[string]int
}

func newCountSink() *countSink { return &countSink{sends: map[string]int{}} }

func (c *countSink) Validate(string) error { return nil }

func (c *countSink) Send(_ context.Context, url, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends[url]++
	return nil
}

func (c *countSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.sends {
		n += v
	}
	return n
}

func newService(store storage.Store, snk *countSink, now time.Time) *Service {
	d := dispatch.New(dispatch.Config{Workers: 2, RatePerSec: 1000}, snk, logx.Nop())
	return New(Config{Workers: 2}, store, d, timezone.NewResolver(), clock.Fixed{T: now}, logx.Nop())
}

func seedUser(st *memStore, userID int64, tz string) (model.Birthday, model.ReminderRule) {
	b := model.Birthday{ID: model.NewID(), UserID: userID, Month: 3, Day: 15, Label: "alice"}
	r := model.ReminderRule{ID: model.NewID(), BirthdayID: b.ID, OffsetDays: 0, Hour: 9, Minute: 0}
	st.birthdays = append(st.birthdays, b)
	st.rules = append(st.rules, r)
	st.endpoints = append(st.endpoints, model.Endpoint{ID: model.NewID(), UserID: userID, URL: "good://u"})
	st.settings[userID] = model.UserSettings{UserID: userID, Timezone: tz}
	return b, r
}

func TestTickIsIdempotentWithinMinute(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedUser(st, 1, "UTC")
	snk := newCountSink()
	svc := newService(st, snk, time.Date(2026, 3, 15, 9, 0, 30, 0, time.UTC))

	svc.Tick(context.Background())
	if snk.total() != 1 {
		t.Fatalf("first tick sends = %d, want 1", snk.total())
	}
	svc.Tick(context.Background())
	if snk.total() != 1 {
		t.Fatalf("second tick at same minute re-sent: sends = %d", snk.total())
	}
}

func TestTimezoneChangeDoesNotResend(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedUser(st, 1, "UTC")
	snk := newCountSink()

	now := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	svc := newService(st, snk, now)
	svc.Tick(context.Background())
	if snk.total() != 1 {
		t.Fatalf("sends = %d, want 1", snk.total())
	}

	// Moving 12 hours west makes local time 2026-03-14 21:30: the trigger
	// day is "ahead" again, but the ledger key is already spent... and once
	// local midnight passes there it is still the same occurrence year.
	set := st.settings[1]
	set.Timezone = "Pacific/Pago_Pago" // UTC-11, no DST
	st.settings[1] = set

	later := time.Date(2026, 3, 15, 20, 5, 0, 0, time.UTC) // local 09:05 Mar 15
	svc2 := newService(st, snk, later)
	svc2.Tick(context.Background())
	if snk.total() != 1 {
		t.Fatalf("timezone change caused a re-send: sends = %d", snk.total())
	}
}

func TestBadTimezoneIsolatesUser(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedUser(st, 1, "Mars/Olympus")
	seedUser(st, 2, "UTC")
	snk := newCountSink()
	svc := newService(st, snk, time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC))

	svc.Tick(context.Background())
	if snk.total() != 1 {
		t.Fatalf("healthy user not processed alongside broken one: sends = %d", snk.total())
	}
}

func TestStorageFailureAbortsTick(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedUser(st, 1, "UTC")
	st.listErr = errors.New("db locked")
	snk := newCountSink()
	svc := newService(st, snk, time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC))

	svc.Tick(context.Background())
	if snk.total() != 0 {
		t.Fatalf("aborted tick still dispatched: sends = %d", snk.total())
	}

	// Next cadence with storage back: fires normally.
	st.mu.Lock()
	st.listErr = nil
	st.mu.Unlock()
	svc.Tick(context.Background())
	if snk.total() != 1 {
		t.Fatalf("recovered tick sends = %d, want 1", snk.total())
	}
}

func TestNoEndpointsLeavesLedgerUntouched(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	b, _ := seedUser(st, 1, "UTC")
	st.endpoints = nil
	snk := newCountSink()
	svc := newService(st, snk, time.Date(2026, 3, 15, 9, 10, 0, 0, time.UTC))

	svc.Tick(context.Background())
	if snk.total() != 0 || len(st.records) != 0 {
		t.Fatalf("endpoint-less user touched ledger: sends=%d records=%d", snk.total(), len(st.records))
	}

	// The user configures an endpoint later the same day: reminder fires.
	st.endpoints = append(st.endpoints, model.Endpoint{ID: model.NewID(), UserID: 1, URL: "good://late"})
	later := newService(st, snk, time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC))
	later.Tick(context.Background())
	if snk.total() != 1 {
		t.Fatalf("late-configured endpoint did not fire: sends = %d", snk.total())
	}
	key := model.DispatchKey{UserID: 1, BirthdayID: b.ID, RuleID: st.rules[0].ID, OccurrenceYear: 2026}
	if rec, ok := st.records[key]; !ok || !rec.Sent {
		t.Fatalf("ledger record = %+v ok=%v", rec, ok)
	}
}

func TestFailedEndpointStillSpendsKeyOnPartialSuccess(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedUser(st, 1, "UTC")
	st.endpoints = append(st.endpoints, model.Endpoint{ID: model.NewID(), UserID: 1, URL: "bad://x"})

	snk := newCountSink()
	failing := &failWrap{inner: snk, fail: "bad://x"}
	d := dispatch.New(dispatch.Config{Workers: 2, RatePerSec: 1000}, failing, logx.Nop())
	svc := New(Config{Workers: 1}, st, d, timezone.NewResolver(),
		clock.Fixed{T: time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)}, logx.Nop())

	svc.Tick(context.Background())
	if snk.sends["good://u"] != 1 {
		t.Fatalf("healthy endpoint sends = %d, want 1", snk.sends["good://u"])
	}
	svc.Tick(context.Background())
	if snk.sends["good://u"] != 1 {
		t.Fatalf("partial success key re-fired: sends = %d", snk.sends["good://u"])
	}
}

type failWrap struct {
	inner *countSink
	fail  string
}

func (f *failWrap) Validate(string) error { return nil }

func (f *failWrap) Send(ctx context.Context, url, title, body string) error {
	if url == f.fail {
		return errors.New("endpoint down")
	}
	return f.inner.Send(ctx, url, title, body)
}
