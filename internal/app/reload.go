package app

import (
	"context"
	"strings"

	"hooknotify/internal/config"
	"hooknotify/pkg/logx"
)

// reloadLoop applies published configs. Logging, dispatcher pacing and the
// report schedule change live; other sections only log that a restart is
// needed.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
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
		if newCfg == nil {
			continue
		}
		a.applyConfig(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg, a.logLevel))
	a.disp.Apply(mapDispatcherConfig(newCfg))
	a.report.Apply(mapReportConfig(newCfg))

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}
