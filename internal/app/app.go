// Package app wires the relay from its config file and runs it until stopped.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tecbrain/internal/channel/telegram"
	"tecbrain/internal/config"
	"tecbrain/internal/dispatch"
	"tecbrain/internal/metrics"
	"tecbrain/internal/ops"
	"tecbrain/internal/orchestrator"
	"tecbrain/internal/runtime/supervisor"
	"tecbrain/internal/scheduler"
	"tecbrain/internal/source"
	"tecbrain/internal/storage"
	logx "tecbrain/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	base logx.Logger
	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	metrics *metrics.Metrics
	runner  *orchestrator.Runner
	trigger *scheduler.Trigger
	ops     *ops.Server
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, base: log, log: log.With(logx.String("comp", "app")), logs: logs}
	if err := a.build(ctx, cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	messenger, err := telegram.New(tc, log)
	if err != nil {
		return err
	}

	files, err := newFileStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("file storage: %w", err)
	}
	if files == nil {
		a.log.Info("file storage disabled; documents are delivered as links")
	}

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return err
	}
	scraper := source.NewScraper(srcCfg, &http.Client{}, log)

	a.metrics = metrics.New()
	engine := dispatch.New(store, messenger,
		dispatch.WithStorage(files),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithLogger(log),
		dispatch.WithFileConcurrency(cfg.Drive.FileConcurrency),
	)

	oc, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return err
	}
	a.runner = orchestrator.New(oc, store, scraper, resolver, engine,
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(log),
	)

	a.trigger, err = scheduler.New(mapSchedulerConfig(cfg), a.runner, log)
	if err != nil {
		return fmt.Errorf("orchestrator.schedule: %w", err)
	}

	opsCfg, enabled, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		a.ops = ops.New(opsCfg, a.runner, store, a.metrics.Handler(), log)
	}
	return nil
}

// Done is closed when the app context ends, including after a fatal component error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err is the first fatal component error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.base)
	a.cfgm.SetValidator(config.Validator)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", a.reloadLoop(sub))
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	if a.ops != nil {
		a.sup.GoRestart("ops", a.ops.Serve, time.Second, 30*time.Second)
	}

	if err := a.trigger.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if every := watchdogInterval(); every > 0 {
		a.sup.Go("systemd.watchdog", a.watchdog(every))
	}
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("started", logx.Int("concurrency", a.runner.Concurrency()), logx.Bool("ops", a.ops != nil))
	return nil
}

// Stop shuts components down in dependency order. Each step is bounded so one component cannot
// stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// cancelling the app context also cancels a cycle in flight
	step("supervisor", 5*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		return a.sup.Stop(c)
	})
	step("scheduler", 5*time.Second, func(c context.Context) error {
		if a.trigger == nil {
			return nil
		}
		return a.trigger.Stop(c)
	})
	step("cycles", 30*time.Second, func(c context.Context) error {
		if a.runner == nil {
			return nil
		}
		done := make(chan struct{})
		go func() {
			a.runner.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
