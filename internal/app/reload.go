package app

import (
	"context"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"tecbrain/internal/config"
	logx "tecbrain/pkg/logx"
)

// reloadLoop applies published configs. Bursts are coalesced to the newest one.
func (a *App) reloadLoop(sub chan *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	}
}

// applyConfig pushes the hot-reloadable sections into the running components.
// Everything else is only logged as needing a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(newCfg))

	if a.runner != nil {
		a.runner.SetConcurrency(newCfg.Orchestrator.Concurrency)
	}
	if a.trigger != nil {
		if err := a.trigger.Apply(newCfg.Orchestrator.Schedule); err != nil {
			a.log.Warn("schedule not applied", logx.String("schedule", newCfg.Orchestrator.Schedule), logx.Err(err))
		}
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
	a.log.Info("config reloaded", fields...)
}
