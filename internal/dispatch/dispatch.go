// Package dispatch fans one reminder out to all of a user's endpoints.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bdaybot/internal/model"
	"bdaybot/internal/sink"
	logx "bdaybot/pkg/logx"
)

type Message struct {
	Title string
	Body  string
}

type Config struct {
	Workers        int           // concurrent sends, default 4
	PerSendTimeout time.Duration // per-endpoint bound, default 15s
	RatePerSec     int           // shared send rate, default 5
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PerSendTimeout <= 0 {
		c.PerSendTimeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	return c
}

// Dispatcher attempts every endpoint independently: one failing or hanging
// endpoint never blocks the rest beyond its own timeout, and there is no
// short-circuit on first failure. No retry happens inside one call; retry
// is the next tick's business, gated by the tracker.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sink sink.Sink
	log  logx.Logger
}

func New(cfg Config, snk sink.Sink, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sink: snk, log: log}
	d.Apply(cfg)
	return d
}

// Apply retunes the pool size, timeout and rate limit (hot reload path).
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	// Burst = rate so short spikes don't stall a whole fan-out.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Dispatch sends msg to every endpoint and reports one outcome per
// endpoint, in input order.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64, msg Message, endpoints []model.Endpoint) []model.EndpointOutcome {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	outcomes := make([]model.EndpointOutcome, len(endpoints))
	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup

	for i, ep := range endpoints {
		i, ep := i, ep
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in endpoint send",
						logx.Int64("user_id", userID),
						logx.String("endpoint_id", ep.ID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
					outcomes[i] = model.EndpointOutcome{EndpointID: ep.ID, Error: fmt.Sprintf("panic: %v", r)}
				}
			}()
			outcomes[i] = d.sendOne(ctx, cfg, lim, userID, msg, ep)
		}()
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, userID int64, msg Message, ep model.Endpoint) model.EndpointOutcome {
	out := model.EndpointOutcome{EndpointID: ep.ID}

	if err := lim.Wait(ctx); err != nil {
		out.Error = err.Error()
		return out
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.PerSendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sink.Send(cctx, ep.URL, msg.Title, msg.Body)
	if err != nil {
		out.Error = err.Error()
		d.log.Warn("endpoint delivery failed",
			logx.Int64("user_id", userID),
			logx.String("endpoint_id", ep.ID),
			logx.Duration("dur", time.Since(start)),
			logx.Err(err))
		return out
	}
	out.Success = true
	d.log.Debug("endpoint delivery ok",
		logx.Int64("user_id", userID),
		logx.String("endpoint_id", ep.ID),
		logx.Duration("dur", time.Since(start)))
	return out
}
