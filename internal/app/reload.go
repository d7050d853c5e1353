package app

import (
	"context"
	"strings"

	"carposter/internal/config"
	logx "carposter/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// keep only the newest of a burst
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the hot sections of next into the running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sum := config.SummarizeChange(prev, next)
	if len(sum.Changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if sum.Has("logging") {
		if err := a.logs.Apply(mapLogging(next)); err != nil {
			a.log.Warn("logging config applied without file sink", logx.Err(err))
		}
	}
	if sum.Has("destinations") {
		a.setDestinations(next.Destinations)
	}
	if sum.Has("publish") {
		a.rebuildPublisher(next)
	}
	if sum.Has("cleanup") {
		a.cleaner.SetRate(next.Cleanup.RatePerSec)
	}
	if sum.Has("retention") {
		if err := a.retain.Apply(mapRetention(next)); err != nil {
			a.log.Warn("retention config rejected; keeping previous schedule", logx.Err(err))
		}
	}
	if len(sum.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(sum.RestartRequired, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sum.Changed, ","))}, sum.Fields...)
	a.log.Info("config reloaded", fields...)
}
