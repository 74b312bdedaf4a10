package app

import (
	"context"
	"strings"

	"testjobs/internal/config"
	"testjobs/internal/jobs"
	logx "testjobs/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable sections of newCfg into the running
// components. Storage and export dir changes only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	if ch.NeedsRestart {
		a.log.Warn("storage or export config changed; restart required for changes to take effect")
	}

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if ch.Has("queues") {
		for _, name := range jobs.Queues {
			qc, err := mapQueueConfig(newCfg, name)
			if err != nil {
				a.log.Warn("invalid queue config; keeping previous", logx.String("queue", name), logx.Err(err))
				continue
			}
			if err := a.queues[name].Apply(ctx, qc); err != nil {
				a.log.Warn("queue apply failed", logx.String("queue", name), logx.Err(err))
			}
		}
	}

	if ch.Has("trigger") {
		if err := a.trig.Apply(ctx, mapTriggerConfig(newCfg)); err != nil {
			a.log.Warn("trigger apply failed", logx.Err(err))
		}
	}

	if ch.Has("ops") {
		oc, err := mapOpsConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, oc)
		}
	}

	a.log.Info("config reloaded", fields...)
}
