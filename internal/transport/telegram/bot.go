// Package telegram is the command interface of the bot: birthday, endpoint
// and reminder CRUD, settings, test sends and dispatch status. All
// scheduling happens elsewhere; handlers only read and write storage.
package telegram

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"bdaybot/internal/clock"
	"bdaybot/internal/dispatch"
	"bdaybot/internal/sink"
	"bdaybot/internal/storage"
	"bdaybot/internal/timezone"
	logx "bdaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration // default 10s
	RatePerMin  int           // per-user command budget, default 20
	// HandlerTimeout bounds one command execution, default 30s.
	HandlerTimeout time.Duration
}

type Bot struct {
	cfg Config
	log logx.Logger

	bot        *tele.Bot
	store      storage.Store
	resolver   *timezone.Resolver
	dispatcher *dispatch.Dispatcher
	snk        sink.Sink
	clk        clock.Clock

	limMu    sync.Mutex
	limiters map[int64]*rate.Limiter
}

func New(cfg Config, store storage.Store, dispatcher *dispatch.Dispatcher, snk sink.Sink, resolver *timezone.Resolver, clk clock.Clock, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:        cfg,
		log:        log,
		bot:        tb,
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		snk:        snk,
		clk:        clk,
		limiters:   map[int64]*rate.Limiter{},
	}
	tb.Use(b.recoverMW, b.rateLimitMW)
	b.registerHandlers()
	return b, nil
}

// Start begins long polling. It blocks until Stop (or a poller error), so
// callers run it in a goroutine.
func (b *Bot) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.bot.Stop()
	}()
	b.log.Info("telegram transport started")
	b.bot.Start()
}

func (b *Bot) Stop() { b.bot.Stop() }

func (b *Bot) recoverMW(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("panic in command handler",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		return next(c)
	}
}

func (b *Bot) rateLimitMW(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		if !b.limiter(sender.ID).Allow() {
			b.log.Debug("command rate limited", logx.Int64("user_id", sender.ID))
			return nil
		}
		return next(c)
	}
}

func (b *Bot) limiter(userID int64) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	lim, ok := b.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.cfg.RatePerMin)), 5)
		b.limiters[userID] = lim
	}
	return lim
}

// handlerCtx bounds one command execution.
func (b *Bot) handlerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
}

func (b *Bot) audit(ctx context.Context, userID int64, action, target string, err error) {
	e := storage.AuditEntry{
		At:     b.clk.Now(),
		UserID: userID,
		Action: action,
		Target: target,
		OK:     err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := b.store.AppendAudit(ctx, e); aerr != nil {
		b.log.Debug("audit append failed", logx.Err(aerr))
	}
}
