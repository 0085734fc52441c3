// Package scheduler runs the periodic tick that evaluates every user's
// birthdays and fires due reminders exactly once.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bdaybot/internal/clock"
	"bdaybot/internal/dispatch"
	"bdaybot/internal/model"
	"bdaybot/internal/planner"
	"bdaybot/internal/recurrence"
	"bdaybot/internal/storage"
	"bdaybot/internal/timezone"
	"bdaybot/internal/tracker"
	logx "bdaybot/pkg/logx"
)

type Config struct {
	// TickSpec is a standard 5-field cron spec; default "* * * * *"
	// (every minute). Changing it requires a Stop/Start cycle.
	TickSpec    string
	Workers     int // per-user concurrency inside one tick, default 4
	MaxAttempts int // all-failed attempt budget per key, default 3
	Feb29Policy recurrence.Policy
}

func (c Config) withDefaults() Config {
	if c.TickSpec == "" {
		c.TickSpec = "* * * * *"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	log        logx.Logger
	clk        clock.Clock
	store      storage.Store
	resolver   *timezone.Resolver
	tracker    *tracker.Tracker
	dispatcher *dispatch.Dispatcher

	c *cron.Cron
	// ticking guards against overlapping ticks; an overlapping cron firing
	// is skipped, not queued.
	ticking atomic.Bool
}

func New(cfg Config, store storage.Store, dispatcher *dispatch.Dispatcher, resolver *timezone.Resolver, clk clock.Clock, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		clk:        clk,
		store:      store,
		resolver:   resolver,
		tracker:    tracker.New(store, cfg.MaxAttempts),
		dispatcher: dispatcher,
	}
}

// Apply retunes per-tick worker count and the observance policy.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.Workers = cfg.Workers
	s.cfg.Feb29Policy = cfg.Feb29Policy
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(s.cfg.TickSpec, func() {
		if !s.ticking.CompareAndSwap(false, true) {
			s.log.Warn("tick still running, skipping this firing")
			return
		}
		defer s.ticking.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in tick", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("tick spec %q: %w", s.cfg.TickSpec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.String("tick_spec", s.cfg.TickSpec), logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Tick runs one evaluation pass over all users. Per-user failures are
// isolated; only a failure to enumerate users aborts the whole pass (to be
// retried at the next cadence).
func (s *Service) Tick(ctx context.Context) {
	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()

	start := s.clk.Now()
	userIDs, err := s.store.ListUserIDs(ctx)
	if err != nil {
		s.log.Error("tick aborted: cannot enumerate users", logx.Err(err))
		return
	}
	if len(userIDs) == 0 {
		return
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var dispatched atomic.Int64

	for _, userID := range userIDs {
		userID := userID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic processing user",
						logx.Int64("user_id", userID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			n, err := s.processUser(ctx, userID)
			if err != nil {
				s.log.Warn("user skipped", logx.Int64("user_id", userID), logx.Err(err))
				return
			}
			dispatched.Add(int64(n))
		}()
	}
	wg.Wait()

	if n := dispatched.Load(); n > 0 {
		s.log.Info("tick done",
			logx.Int("users", len(userIDs)),
			logx.Int64("dispatched", n),
			logx.Duration("dur", time.Since(start)))
	} else {
		s.log.Debug("tick done", logx.Int("users", len(userIDs)), logx.Duration("dur", time.Since(start)))
	}
}

// processUser evaluates one user and returns how many reminders were
// dispatched. Any error means nothing was committed for this user.
func (s *Service) processUser(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	policy := s.cfg.Feb29Policy
	s.mu.Unlock()

	settings, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return 0, err
	}
	localNow, err := s.resolver.LocalTime(s.clk.Now(), settings.Timezone)
	if err != nil {
		// Validated at write time, but tzdata can change under us.
		return 0, err
	}

	birthdays, err := s.store.ListBirthdays(ctx, userID)
	if err != nil {
		return 0, err
	}
	endpoints, err := s.store.ListEndpoints(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(endpoints) == 0 {
		// Nothing to deliver to; leave the ledger untouched so configuring
		// an endpoint later the same day still fires the reminder.
		return 0, nil
	}

	dispatched := 0
	for _, b := range birthdays {
		rules, err := s.store.ListRules(ctx, b.ID)
		if err != nil {
			return dispatched, err
		}
		for _, due := range planner.DueReminders(b, rules, localNow, policy) {
			key := model.DispatchKey{
				UserID:         userID,
				BirthdayID:     b.ID,
				RuleID:         due.Rule.ID,
				OccurrenceYear: due.OccurrenceYear,
			}
			spent, err := s.tracker.IsSpent(ctx, key)
			if err != nil {
				return dispatched, err
			}
			if spent {
				continue
			}

			msg := reminderMessage(b, due)
			outcomes := s.dispatcher.Dispatch(ctx, userID, msg, endpoints)
			if err := s.tracker.MarkAttempted(ctx, key, outcomes, s.clk.Now()); err != nil {
				return dispatched, err
			}
			dispatched++
			s.log.Info("reminder dispatched",
				logx.Int64("user_id", userID),
				logx.String("birthday", b.Label),
				logx.String("key", key.String()),
				logx.Int("endpoints", len(outcomes)))
		}
	}
	return dispatched, nil
}

func reminderMessage(b model.Birthday, due planner.Due) dispatch.Message {
	title := fmt.Sprintf("🎂 Birthday reminder: %s", b.Label)
	if due.Rule.OffsetDays == 0 {
		return dispatch.Message{
			Title: title,
			Body:  fmt.Sprintf("🎉 It's %s's birthday today!", b.Label),
		}
	}
	day := "days"
	if due.Rule.OffsetDays == 1 {
		day = "day"
	}
	return dispatch.Message{
		Title: title,
		Body: fmt.Sprintf("%s's birthday is in %d %s (%02d-%02d).",
			b.Label, due.Rule.OffsetDays, day, b.Month, b.Day),
	}
}
