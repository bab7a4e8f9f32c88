package config

import (
	"reflect"
	"sort"
	"strings"

	logx "haulnotify/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets are reported as set/unset only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.id", newCfg.Session.ID),
			logx.Bool("session.token_set", newCfg.Session.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)),
			logx.Bool("transport.url_set", strings.TrimSpace(newCfg.Transport.URL) != ""),
			logx.Int("transport.max_failures", newCfg.Transport.MaxFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Backend, newCfg.Backend) {
		changed = append(changed, "backend")
		if b := newCfg.Backend; b != nil {
			attrs = append(attrs,
				logx.Bool("backend.enabled", true),
				logx.Int("backend.sources", len(b.Sources)),
				logx.Bool("backend.profiles", strings.TrimSpace(b.ProfilePath) != ""),
			)
		} else {
			attrs = append(attrs, logx.Bool("backend.enabled", false))
		}
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		p := newCfg.Pipeline
		attrs = append(attrs,
			logx.Int("pipeline.capacity", p.Capacity),
			logx.Int("pipeline.ttl_overrides", len(p.TTL)),
			logx.String("pipeline.horizon", strings.TrimSpace(p.Horizon)),
			logx.String("pipeline.poll_schedule", strings.TrimSpace(p.PollSchedule)),
			logx.Int("pipeline.event_names", len(p.Events)),
		)
	}

	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oldS, newS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.redis_set", strings.TrimSpace(newS.RedisAddr) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		a := newCfg.Alerts
		attrs = append(attrs,
			logx.Bool("alerts.bell", a.Bell),
			logx.Bool("alerts.command", a.Command != nil && a.Command.Path != ""),
			logx.Bool("alerts.telegram", a.Telegram != nil && a.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Surface, newCfg.Surface) {
		changed = append(changed, "surface")
		h := newCfg.Surface.HTTP
		attrs = append(attrs,
			logx.Bool("surface.console", newCfg.Surface.Console),
			logx.Bool("surface.http.enabled", h.Enabled),
			logx.String("surface.http.addr", strings.TrimSpace(h.Addr)),
			logx.Bool("surface.http.token_set", h.Token != ""),
			logx.Bool("surface.http.pprof", h.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed settings that only take effect on the
// next start. Logging, the HTTP listener and the queue's capacity, TTLs and
// effect budget are applied live.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("session", oldCfg.Session, newCfg.Session)
	add("transport", oldCfg.Transport, newCfg.Transport)
	add("backend", oldCfg.Backend, newCfg.Backend)
	add("storage", derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage))
	add("alerts", oldCfg.Alerts, newCfg.Alerts)
	add("surface.console", [2]bool{oldCfg.Surface.Console, oldCfg.Surface.Verbose}, [2]bool{newCfg.Surface.Console, newCfg.Surface.Verbose})
	add("surface.navigate", oldCfg.Surface.Navigate, newCfg.Surface.Navigate)

	op, np := oldCfg.Pipeline, newCfg.Pipeline
	// Strip the live fields before comparing.
	op.Capacity, np.Capacity = 0, 0
	op.TTL, np.TTL = nil, nil
	op.EffectsPerSec, np.EffectsPerSec = 0, 0
	op.EffectsBurst, np.EffectsBurst = 0, 0
	add("pipeline", op, np)
	return out
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
