package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"haulnotify/internal/alert"
	"haulnotify/internal/backend/httpapi"
	"haulnotify/internal/config"
	"haulnotify/internal/core"
	"haulnotify/internal/dedup"
	"haulnotify/internal/enrich"
	"haulnotify/internal/normalize"
	"haulnotify/internal/notifier"
	"haulnotify/internal/notifier/telegram"
	"haulnotify/internal/queue"
	"haulnotify/internal/reconcile"
	"haulnotify/internal/storage"
	"haulnotify/internal/surface"
	"haulnotify/internal/transport"
	"haulnotify/internal/transport/natsbus"
	"haulnotify/internal/transport/websocket"
	logx "haulnotify/pkg/logx"
)

func identityFrom(cfg *config.Config) (alert.Identity, error) {
	s := cfg.Session
	id := alert.Identity{
		ID:     strings.TrimSpace(s.ID),
		UserID: strings.TrimSpace(s.UserID),
		EmpID:  strings.TrimSpace(s.EmpID),
		Name:   strings.TrimSpace(s.Name),
		Role:   strings.TrimSpace(s.Role),
	}
	if id.IsZero() {
		return alert.Identity{}, fmt.Errorf("session: at least one of id, user_id, emp_id is required")
	}
	return id, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		if strings.TrimSpace(sc.RedisAddr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis_addr is required when storage.driver=redis")
		}
		if sc.RedisDB < 0 {
			return storage.Config{}, false, fmt.Errorf("storage.redis_db must be >= 0")
		}
		return storage.Config{
			Driver:        "redis",
			RedisAddr:     strings.TrimSpace(sc.RedisAddr),
			RedisPassword: sc.RedisPassword,
			RedisDB:       sc.RedisDB,
			KeyPrefix:     strings.TrimSpace(sc.KeyPrefix),
		}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRunnerConfig(cfg *config.Config) (transport.RunnerConfig, error) {
	tc := cfg.Transport
	minB, err := config.ParseDurationOrDefault("transport.min_backoff", tc.MinBackoff, time.Second)
	if err != nil {
		return transport.RunnerConfig{}, err
	}
	maxB, err := config.ParseDurationOrDefault("transport.max_backoff", tc.MaxBackoff, 30*time.Second)
	if err != nil {
		return transport.RunnerConfig{}, err
	}
	if maxB < minB {
		return transport.RunnerConfig{}, fmt.Errorf("transport.max_backoff must be >= min_backoff")
	}
	if tc.MaxFailures < 0 {
		return transport.RunnerConfig{}, fmt.Errorf("transport.max_failures must be >= 0")
	}
	return transport.RunnerConfig{MinBackoff: minB, MaxBackoff: maxB, MaxFailures: tc.MaxFailures}, nil
}

// buildChannel returns nil for a poll-only configuration.
func buildChannel(cfg *config.Config, id alert.Identity, log logx.Logger) (transport.Channel, error) {
	tc := cfg.Transport
	token := tc.Token
	if token == "" {
		token = cfg.Session.Token
	}
	switch strings.ToLower(strings.TrimSpace(tc.Driver)) {
	case "", "none":
		return nil, nil
	case "websocket", "ws":
		ping, err := config.ParseDurationField("transport.ping_interval", tc.PingInterval)
		if err != nil {
			return nil, err
		}
		ch, err := websocket.New(websocket.Config{
			URL:          tc.URL,
			Token:        token,
			Actor:        id.Primary(),
			JoinEvent:    tc.JoinEvent,
			PingInterval: ping,
		}, log)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "nats":
		ch, err := natsbus.New(natsbus.Config{
			URL:           tc.URL,
			Token:         token,
			SubjectPrefix: tc.SubjectPrefix,
			Actor:         id.Primary(),
			ClientName:    "haulnotify-" + id.Primary(),
		}, log)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown transport.driver: %s", tc.Driver)
	}
}

func mapBackendConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	bc := cfg.Backend
	if bc == nil {
		return httpapi.Config{}, false, nil
	}
	if strings.TrimSpace(bc.BaseURL) == "" {
		return httpapi.Config{}, false, fmt.Errorf("backend.base_url is required")
	}
	timeout, err := config.ParseDurationOrDefault("backend.timeout", bc.Timeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	if bc.RatePerSec < 0 || bc.Burst < 0 || bc.MaxRetries < 0 {
		return httpapi.Config{}, false, fmt.Errorf("backend: rate_per_sec, burst and max_retries must be >= 0")
	}

	var sources []httpapi.ThreadSource
	for i, s := range bc.Sources {
		kind, ok := alert.ParseKind(s.Kind)
		if !ok {
			return httpapi.Config{}, false, fmt.Errorf("backend.sources[%d].kind: unknown kind %q", i, s.Kind)
		}
		if strings.TrimSpace(s.List) == "" || strings.TrimSpace(s.History) == "" {
			return httpapi.Config{}, false, fmt.Errorf("backend.sources[%d]: list and history are required", i)
		}
		sources = append(sources, httpapi.ThreadSource{List: s.List, History: s.History, Kind: kind})
	}
	if len(sources) == 0 {
		sources = httpapi.DefaultSources
	}

	token := bc.Token
	if token == "" {
		token = cfg.Session.Token
	}
	return httpapi.Config{
		BaseURL:     strings.TrimSpace(bc.BaseURL),
		Token:       token,
		Sources:     sources,
		ProfilePath: strings.TrimSpace(bc.ProfilePath),
		Timeout:     timeout,
		RatePerSec:  bc.RatePerSec,
		Burst:       bc.Burst,
		MaxRetries:  bc.MaxRetries,
	}, true, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	p := cfg.Pipeline
	if p.Capacity < 0 {
		return queue.Config{}, fmt.Errorf("pipeline.capacity must be >= 0")
	}
	if p.EffectsPerSec < 0 || p.EffectsBurst < 0 {
		return queue.Config{}, fmt.Errorf("pipeline: effects_per_sec and effects_burst must be >= 0")
	}
	ttl := make(map[alert.Kind]time.Duration, len(p.TTL))
	keys := make([]string, 0, len(p.TTL))
	for k := range p.TTL {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kind, ok := alert.ParseKind(k)
		if !ok {
			return queue.Config{}, fmt.Errorf("pipeline.ttl: unknown kind %q", k)
		}
		d, err := config.ParseDurationField("pipeline.ttl."+k, p.TTL[k])
		if err != nil {
			return queue.Config{}, err
		}
		ttl[kind] = d
	}
	return queue.Config{
		Capacity:      p.Capacity,
		TTL:           ttl,
		EffectsPerSec: p.EffectsPerSec,
		EffectsBurst:  p.EffectsBurst,
	}, nil
}

func mapCoreConfig(cfg *config.Config) (core.Config, error) {
	p := cfg.Pipeline

	table, err := normalize.NewTable(p.Events, p.Ignore)
	if err != nil {
		return core.Config{}, fmt.Errorf("pipeline.%w", err)
	}
	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return core.Config{}, err
	}

	horizon, err := config.ParseSwitchableDuration("pipeline.horizon", p.Horizon, dedup.DefaultHorizon)
	if err != nil {
		return core.Config{}, err
	}
	if p.SeenCapacity < 0 {
		return core.Config{}, fmt.Errorf("pipeline.seen_capacity must be >= 0")
	}
	retention, err := config.ParseDurationOrDefault("pipeline.seen_retention", p.SeenRetention, dedup.DefaultRetention)
	if err != nil {
		return core.Config{}, err
	}

	schedule := strings.TrimSpace(p.PollSchedule)
	if _, err := reconcile.ParseSchedule(schedule); err != nil {
		return core.Config{}, fmt.Errorf("pipeline.poll_schedule: %w", err)
	}
	pollTimeout, err := config.ParseDurationField("pipeline.poll_timeout", p.PollTimeout)
	if err != nil {
		return core.Config{}, err
	}

	enrTimeout, err := config.ParseDurationOrDefault("pipeline.enrich_timeout", p.EnrichTimeout, enrich.DefaultTimeout)
	if err != nil {
		return core.Config{}, err
	}
	enrTTL, err := config.ParseDurationOrDefault("pipeline.enrich_ttl", p.EnrichTTL, enrich.DefaultTTL)
	if err != nil {
		return core.Config{}, err
	}
	if p.EnrichMax < 0 {
		return core.Config{}, fmt.Errorf("pipeline.enrich_max must be >= 0")
	}

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return core.Config{}, err
	}

	return core.Config{
		Table: table,
		Queue: qc,
		Window: dedup.Config{
			Capacity:  p.SeenCapacity,
			Horizon:   horizon,
			Retention: retention,
		},
		Poll:   reconcile.Config{Schedule: schedule, RequestTimeout: pollTimeout},
		Runner: rc,
		Enrich: enrich.Config{Timeout: enrTimeout, TTL: enrTTL, Max: p.EnrichMax},
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, notifier.Config, bool, error) {
	tc := cfg.Alerts.Telegram
	if tc == nil || !tc.Enabled {
		return telegram.Config{}, notifier.Config{}, false, nil
	}
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, notifier.Config{}, false, fmt.Errorf("alerts.telegram.token is required")
	}
	if tc.ChatID == 0 {
		return telegram.Config{}, notifier.Config{}, false, fmt.Errorf("alerts.telegram.chat_id is required")
	}
	poll, err := config.ParseDurationOrDefault("alerts.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, notifier.Config{}, false, err
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return telegram.Config{}, notifier.Config{}, false, err
	}
	return telegram.Config{
		Token:       tc.Token,
		ChatID:      tc.ChatID,
		ThreadID:    tc.ThreadID,
		Buttons:     tc.Buttons,
		PollTimeout: poll,
	}, nc, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	tc := cfg.Alerts.Telegram
	if tc == nil {
		return notifier.Config{}, nil
	}
	if tc.Workers < 0 || tc.QueueSize < 0 || tc.RatePerSec < 0 || tc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("alerts.telegram: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("alerts.telegram.retry_base", tc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("alerts.telegram.retry_max_delay", tc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	var kinds []alert.Kind
	for _, k := range tc.Kinds {
		kind, ok := alert.ParseKind(k)
		if !ok {
			return notifier.Config{}, fmt.Errorf("alerts.telegram.kinds: unknown kind %q", k)
		}
		kinds = append(kinds, kind)
	}
	return notifier.Config{
		Enabled:       tc.Enabled,
		Workers:       tc.Workers,
		QueueSize:     tc.QueueSize,
		RatePerSec:    tc.RatePerSec,
		RetryMax:      tc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		Kinds:         kinds,
	}, nil
}

func mapSurfaceConfig(cfg *config.Config) (surface.Config, error) {
	h := cfg.Surface.HTTP
	read, err := config.ParseDurationField("surface.http.read_timeout", h.ReadTimeout)
	if err != nil {
		return surface.Config{}, err
	}
	write, err := config.ParseDurationField("surface.http.write_timeout", h.WriteTimeout)
	if err != nil {
		return surface.Config{}, err
	}
	idle, err := config.ParseDurationField("surface.http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return surface.Config{}, err
	}
	return surface.Config{
		Enabled:              h.Enabled,
		Addr:                 strings.TrimSpace(h.Addr),
		Token:                h.Token,
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		PprofPrefix:          h.PprofPrefix,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
		MemProfileRate:       h.MemProfileRate,
	}, nil
}

func commandFrom(path, field string, cc *config.CommandConfig) (*queue.Command, error) {
	if cc == nil {
		return nil, nil
	}
	if strings.TrimSpace(cc.Path) == "" {
		return nil, fmt.Errorf("%s.path is required", path+field)
	}
	return &queue.Command{Path: strings.TrimSpace(cc.Path), Args: cc.Args}, nil
}

// validate runs every mapping so a bad reload is rejected before it is
// committed.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := identityFrom(cfg); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "none":
	case "websocket", "ws", "nats":
		if strings.TrimSpace(cfg.Transport.URL) == "" {
			return fmt.Errorf("transport.url is required when transport.driver=%s", cfg.Transport.Driver)
		}
		if _, err := config.ParseDurationField("transport.ping_interval", cfg.Transport.PingInterval); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
	if _, err := mapCoreConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapBackendConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSurfaceConfig(cfg); err != nil {
		return err
	}
	if _, err := commandFrom("alerts", ".command", cfg.Alerts.Command); err != nil {
		return err
	}
	if _, err := commandFrom("surface", ".navigate", cfg.Surface.Navigate); err != nil {
		return err
	}
	return nil
}

// Validate loads the config at path and checks it the way a reload would.
func Validate(path string) error {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return err
	}
	return validate(context.Background(), cfg)
}
