// Package app assembles the daemon: configuration, logging, storage, the
// delivery engine and the HTTP surface, with hot reload and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/directory"
	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	"notifyd/internal/transport/httpapi"
	"notifyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	store *storage.Store
	dir   *directory.Static
	bus   eventbus.Bus
	eng   *engine.Engine
	api   *httpapi.Server

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	dir := directory.NewStatic(cfg.Principals)
	bus := eventbus.New()

	eng, err := engine.New(*cfg, engine.Deps{
		Store: store,
		Dir:   dir,
		Gate:  directory.AllowAll{},
		Bus:   bus,
	}, log.With(logx.String("comp", "engine")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("building engine: %w", err)
	}

	api := httpapi.New(cfg.HTTP, eng, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		store: store,
		dir:   dir,
		bus:   bus,
		eng:   eng,
		api:   api,
	}, nil
}

// Engine exposes the engine for action/sender registration before Start.
func (a *App) Engine() *engine.Engine { return a.eng }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	// Reject bad hot-reloads before they are committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if tz := cfg.Engine.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	a.eng.Start(runCtx)
	a.api.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	go func() {
		defer close(a.done)
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.eng.Apply(*newCfg)
				a.log.Info("config reloaded")
			}
		}
	}()

	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// Stop unwinds in dependency order, bounding every step so one stalled
// component cannot hang the shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("http", 5*time.Second, func(c context.Context) { a.api.Stop(c) })
	step("engine", 5*time.Second, func(c context.Context) { a.eng.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing storage", logx.Err(err))
		}
	})

	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
