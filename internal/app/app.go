package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"haulnotify/internal/alert"
	"haulnotify/internal/backend/httpapi"
	"haulnotify/internal/config"
	"haulnotify/internal/core"
	"haulnotify/internal/eventbus"
	"haulnotify/internal/notifier"
	"haulnotify/internal/notifier/telegram"
	"haulnotify/internal/queue"
	rtsup "haulnotify/internal/runtime/supervisor"
	"haulnotify/internal/storage"
	"haulnotify/internal/surface"
	logx "haulnotify/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	reg   *prometheus.Registry

	id      alert.Identity
	core    *core.Core
	notif   *notifier.Service
	tg      *telegram.Sender
	server  *surface.Server
	console *surface.Console
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	id, err := identityFrom(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	ch, err := buildChannel(cfg, id, root)
	if err != nil {
		closeStore()
		return nil, err
	}

	coreCfg, err := mapCoreConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	deps := core.Deps{
		Channel:    ch,
		Store:      store,
		Bus:        bus,
		Registerer: reg,
		Logger:     root,
	}

	if bc, enabled, err := mapBackendConfig(cfg); err != nil {
		closeStore()
		return nil, err
	} else if enabled {
		client, err := httpapi.New(bc, root)
		if err != nil {
			closeStore()
			return nil, err
		}
		deps.Backend = client
		if bc.ProfilePath != "" {
			deps.Profiles = client
		}
	}
	if ch == nil && deps.Backend == nil {
		log.Warn("no transport and no backend configured; nothing will be received")
	}

	// Side effects fire for every accepted notification, within the queue's
	// effect budget.
	if cfg.Alerts.Bell {
		deps.Effects = append(deps.Effects, &queue.Bell{W: os.Stdout})
	}
	if cmd, err := commandFrom("alerts", ".command", cfg.Alerts.Command); err != nil {
		closeStore()
		return nil, err
	} else if cmd != nil {
		deps.Effects = append(deps.Effects, *cmd)
	}

	var (
		notifSvc *notifier.Service
		tg       *telegram.Sender
	)
	if tc, nc, enabled, err := mapTelegramConfig(cfg); err != nil {
		closeStore()
		return nil, err
	} else if enabled {
		tg, err = telegram.New(tc, root)
		if err != nil {
			closeStore()
			return nil, err
		}
		notifSvc = notifier.New(nc, tg, root, bus)
		deps.Effects = append(deps.Effects, notifSvc)
	}

	if nav, err := commandFrom("surface", ".navigate", cfg.Surface.Navigate); err != nil {
		closeStore()
		return nil, err
	} else if nav != nil {
		deps.Navigate = nav.Fire
	}

	c := core.New(coreCfg, deps)
	if tg != nil {
		tg.SetActions(&chatActions{core: c, store: store, log: log})
	}

	sc, err := mapSurfaceConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	var audit surface.Auditor
	if store != nil {
		audit = store
	}
	server := surface.New(sc, surface.NewAPI(c, audit, root), reg, reg, root)

	var console *surface.Console
	if cfg.Surface.Console {
		console = surface.NewConsole(os.Stdout, root, surface.WithVerbose(cfg.Surface.Verbose))
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		id:      id,
		core:    c,
		notif:   notifSvc,
		tg:      tg,
		server:  server,
		console: console,
	}, nil
}

// Core exposes the notification core, mainly for tests and embedding.
func (a *App) Core() *core.Core { return a.core }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(validate)

	// Subscribe before anything can publish so the console sees the first
	// connect.
	if a.console != nil {
		a.sup.Go("surface.console", func(c context.Context) error {
			return a.console.Run(c, a.bus)
		})
	}

	// Debug trace of every bus event.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.tg != nil {
		a.tg.Start(a.sup.Context())
	}

	if err := a.core.Init(a.sup.Context(), a.id); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("session init: %w", err)
	}

	a.server.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("actor", a.id.Primary()),
		logx.String("config", a.cfgPath),
	)
	return nil
}

// applyConfig applies the live-reloadable settings of newCfg and warns about
// the rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if qc, err := mapQueueConfig(newCfg); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else {
		a.core.ApplyQueue(qc)
	}

	if a.notif != nil {
		if nc, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			prev := a.notif.Enabled()
			a.notif.Apply(nc)
			switch {
			case prev && !nc.Enabled:
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !prev && nc.Enabled:
				a.notif.Start(ctx)
			}
		}
	}

	if sc, err := mapSurfaceConfig(newCfg); err != nil {
		a.log.Warn("invalid surface config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, sc)
	}

	if cold := config.RestartRequired(oldCfg, newCfg); len(cold) > 0 {
		a.log.Warn("some changes apply on restart", logx.String("sections", strings.Join(cold, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	// Surface first so nothing acts on a queue that is going away.
	step("surface", time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("core", 3*time.Second, func(c context.Context) error {
		err := a.core.Teardown(c)
		if errors.Is(err, core.ErrNotInitialized) {
			return nil
		}
		return err
	})
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			a.tg.Stop(c)
		}
		return nil
	})
	step("notifier", time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, console, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
