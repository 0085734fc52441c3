package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"bdaybot/internal/clock"
	"bdaybot/internal/config"
	"bdaybot/internal/dispatch"
	"bdaybot/internal/scheduler"
	"bdaybot/internal/sink"
	"bdaybot/internal/storage"
	"bdaybot/internal/timezone"
	"bdaybot/internal/transport/telegram"
	logx "bdaybot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var logFile *os.File
	if cfg.Logging.File != "" {
		logFile, err = os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer logFile.Close()
	}
	var log logx.Logger
	if logFile != nil {
		log = logx.New(cfg.Logging.Level, logFile)
	} else {
		log = logx.NewConsole(cfg.Logging.Level)
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutOr(5 * time.Second),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	defer store.Close()

	snk := sink.NewShoutrrr()
	resolver := timezone.NewResolver()
	clk := clock.Real{}

	dispatcher := dispatch.New(dispatch.Config{
		Workers:        cfg.Dispatch.Workers,
		PerSendTimeout: cfg.Dispatch.PerSendTimeoutOr(15 * time.Second),
		RatePerSec:     cfg.Dispatch.RatePerSec,
	}, snk, log.With(logx.String("comp", "dispatch")))

	sched := scheduler.New(scheduler.Config{
		TickSpec:    cfg.Scheduler.TickSpec,
		Workers:     cfg.Scheduler.Workers,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Feb29Policy: cfg.Scheduler.Policy(),
	}, store, dispatcher, resolver, clk, log.With(logx.String("comp", "scheduler")))

	bot, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOr(10 * time.Second),
		RatePerMin:  cfg.Telegram.RatePerMin,
	}, store, dispatcher, snk, resolver, clk, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	// Hot reload: log level and runtime knobs. Tick spec changes need a
	// restart.
	go func() {
		err := config.Watch(ctx, cfgPath, log.With(logx.String("comp", "config")), func(next *config.Config) {
			logx.SetLevel(next.Logging.Level)
			dispatcher.Apply(dispatch.Config{
				Workers:        next.Dispatch.Workers,
				PerSendTimeout: next.Dispatch.PerSendTimeoutOr(15 * time.Second),
				RatePerSec:     next.Dispatch.RatePerSec,
			})
			sched.Apply(scheduler.Config{
				Workers:     next.Scheduler.Workers,
				Feb29Policy: next.Scheduler.Policy(),
			})
		})
		if err != nil {
			log.Warn("config watch unavailable", logx.Err(err))
		}
	}()

	go bot.Start(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("bdaybot started", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	log.Info("bdaybot stopped")
	return nil
}
