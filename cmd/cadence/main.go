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

	"cadence/internal/config"
	"cadence/internal/engine"
	"cadence/internal/eventbus"
	"cadence/internal/history"
	"cadence/internal/runner"
	"cadence/internal/store"
	logx "cadence/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	defer logSvc.Close()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	waitRecheck, err := cfg.WaitRecheck()
	if err != nil {
		return fmt.Errorf("engine.wait_recheck: %w", err)
	}
	killGrace, err := cfg.RunnerKillGrace()
	if err != nil {
		return fmt.Errorf("runner.kill_grace: %w", err)
	}

	bus := eventbus.New()
	logSvc.SetEventSink(func(level, msg string, fields map[string]any) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Data: map[string]any{
			"level":  level,
			"msg":    msg,
			"fields": fields,
		}})
	})

	histCfg, err := cfg.HistoryStoreConfig()
	if err != nil {
		return fmt.Errorf("history config: %w", err)
	}
	hist, err := history.Open(histCfg, log.With(logx.String("svc", "history")))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if hist != nil {
		defer hist.Close()
	}

	exec := runner.NewExec(runner.ExecConfig{
		Modes:     cfg.Runner.Modes,
		KillGrace: killGrace,
	}, log.With(logx.String("svc", "runner")))

	st := store.New(cfg.Store.Path, log.With(logx.String("svc", "store")))

	eng := engine.New(engine.Config{
		WaitRecheck: waitRecheck,
		Location:    loc,
	}, engine.Deps{
		Log:     log.With(logx.String("svc", "engine")),
		Store:   st,
		Runner:  exec,
		Bus:     bus,
		History: hist,
	})

	eng.Start(ctx)
	defer eng.Stop()

	if cfg.Store.WatchEnabled() {
		go func() {
			if err := eng.WatchStore(ctx); err != nil && ctx.Err() == nil {
				log.Warn("store watch stopped", logx.Err(err))
			}
		}()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("cadence up",
		logx.String("config", cfgPath),
		logx.String("store", cfg.Store.Path),
		logx.String("tz", loc.String()),
	)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Give a task in flight a moment to obey SIGTERM before the process exits.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), killGrace+time.Second)
	defer stopCancel()
	if exec.HasActiveTask() {
		_ = exec.Interrupt(stopCtx)
	}
	return nil
}
