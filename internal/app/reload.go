package app

import (
	"context"
	"reflect"
	"strings"

	"chanpost/internal/config"
	"chanpost/pkg/logx"
)

// changedSections lists top-level config sections that differ. Secrets are
// compared but never returned as values.
func changedSections(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil {
		oldCfg = &config.Config{}
	}
	if newCfg == nil {
		newCfg = &config.Config{}
	}
	ov, nv := reflect.ValueOf(*oldCfg), reflect.ValueOf(*newCfg)
	t := ov.Type()
	var out []string
	for i := range t.NumField() {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		out = append(out, name)
	}
	return out
}

// restartOnly are sections read once at startup.
var restartOnly = map[string]bool{
	"telegram": true,
	"storage":  true,
	"verifier": true,
	"compose":  true,
	"bot":      true,
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						break drain
					}
					cfg = newer
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections := changedSections(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	rc, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("config reload not applied", logx.Err(err))
		return
	}

	var restart []string
	for _, s := range sections {
		if restartOnly[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(rc.logging)
	a.pipeline.Apply(rc.delivery)
	a.applyScheduler(ctx, rc)
	a.obs.Reconfigure(ctx, rc.observability)
	a.rc.logging, a.rc.delivery, a.rc.scheduler, a.rc.observability = rc.logging, rc.delivery, rc.scheduler, rc.observability

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) applyScheduler(ctx context.Context, rc runtimeConfig) {
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(rc.scheduler)
	switch {
	case wasEnabled && !rc.scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		a.sched.Stop(ctx)
	case !wasEnabled && rc.scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}
