package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bdaybot/internal/model"
	"bdaybot/internal/storage"
	logx "bdaybot/pkg/logx"
)

func newTest(t *testing.T, maxAttempts int) *Tracker {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, maxAttempts)
}

func TestSpentAfterPartialSuccess(t *testing.T) {
	tr := newTest(t, 3)
	ctx := context.Background()
	key := model.DispatchKey{UserID: 1, BirthdayID: "b", RuleID: "r", OccurrenceYear: 2026}

	spent, err := tr.IsSpent(ctx, key)
	if err != nil || spent {
		t.Fatalf("fresh key spent=%v err=%v", spent, err)
	}

	outcomes := []model.EndpointOutcome{
		{EndpointID: "a", Success: false, Error: "timeout"},
		{EndpointID: "b", Success: true},
	}
	if err := tr.MarkAttempted(ctx, key, outcomes, time.Now()); err != nil {
		t.Fatalf("MarkAttempted: %v", err)
	}
	spent, err = tr.IsSpent(ctx, key)
	if err != nil || !spent {
		t.Fatalf("partial success should spend the key: spent=%v err=%v", spent, err)
	}
}

func TestAttemptBudgetExhaustion(t *testing.T) {
	tr := newTest(t, 2)
	ctx := context.Background()
	key := model.DispatchKey{UserID: 1, BirthdayID: "b", RuleID: "r", OccurrenceYear: 2026}
	fail := []model.EndpointOutcome{{EndpointID: "a", Success: false, Error: "down"}}

	if err := tr.MarkAttempted(ctx, key, fail, time.Now()); err != nil {
		t.Fatalf("MarkAttempted: %v", err)
	}
	spent, err := tr.IsSpent(ctx, key)
	if err != nil || spent {
		t.Fatalf("one failed attempt of two should not spend: spent=%v err=%v", spent, err)
	}

	if err := tr.MarkAttempted(ctx, key, fail, time.Now()); err != nil {
		t.Fatalf("MarkAttempted: %v", err)
	}
	spent, err = tr.IsSpent(ctx, key)
	if err != nil || !spent {
		t.Fatalf("attempt budget exhausted but not spent: spent=%v err=%v", spent, err)
	}
}

func TestKeysIndependentAcrossYears(t *testing.T) {
	tr := newTest(t, 3)
	ctx := context.Background()
	ok := []model.EndpointOutcome{{EndpointID: "a", Success: true}}

	k2026 := model.DispatchKey{UserID: 1, BirthdayID: "b", RuleID: "r", OccurrenceYear: 2026}
	if err := tr.MarkAttempted(ctx, k2026, ok, time.Now()); err != nil {
		t.Fatalf("MarkAttempted: %v", err)
	}

	k2027 := k2026
	k2027.OccurrenceYear = 2027
	spent, err := tr.IsSpent(ctx, k2027)
	if err != nil || spent {
		t.Fatalf("next year's key must be fresh: spent=%v err=%v", spent, err)
	}
}
