// Package app wires configuration, storage, the Discord gateway, and the
// notification engine into one lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"highlight/internal/backup"
	"highlight/internal/commands"
	"highlight/internal/config"
	"highlight/internal/engine"
	"highlight/internal/eventbus"
	"highlight/internal/gateway"
	"highlight/internal/gateway/discord"
	"highlight/internal/monitoring"
	rtsup "highlight/internal/runtime/supervisor"
	"highlight/internal/storage"
	"highlight/pkg/logx"
)

const defaultPatience = 2 * time.Minute

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.Store
	gw     gateway.Gateway
	router *commands.Router

	agg   *engine.Aggregator
	disp  *engine.Dispatcher
	coord *engine.Coordinator

	backups *backup.Service
	mon     *monitoring.Service

	events chan gateway.MessageEvent
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	gw, err := discord.New(discord.Config{Token: cfg.Discord.Token}, log.With(logx.String("comp", "discord")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dispCfg, err := dispatcherConfig(cfg.Dispatcher)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	disp := engine.NewDispatcher(dispCfg, gw, gw, store, log.With(logx.String("comp", "dispatcher")), bus)

	patience, err := config.ParseDurationOrDefault("behavior.patience", cfg.Behavior.Patience, defaultPatience)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	agg := engine.NewAggregator(patience, func(userID string, entries []engine.Entry) {
		if err := disp.Enqueue(userID, entries); err != nil {
			log.Warn("digest delivery rejected", logx.String("user", userID), logx.Err(err))
		}
	}, bus, log.With(logx.String("comp", "aggregator")))

	res := engine.NewResolver(store, gw, log.With(logx.String("comp", "resolver")))
	coord := engine.NewCoordinator(engine.CoordinatorConfig{
		Workers:   cfg.Engine.Workers,
		QueueSize: cfg.Engine.QueueSize,
	}, store, res, agg, log.With(logx.String("comp", "coordinator")))

	router := commands.NewRouter(commands.Config{
		Prefix:      cfg.Commands.Prefix,
		MaxKeywords: cfg.Behavior.MaxKeywords,
	}, store, gw, log.With(logx.String("comp", "commands")))

	var backups *backup.Service
	if cfg.Backup != nil {
		backups = backup.New(backup.Config{
			Enabled:  cfg.Backup.Enabled,
			Dir:      cfg.Backup.Dir,
			Schedule: cfg.Backup.Schedule,
		}, store, log.With(logx.String("comp", "backup")))
	}

	var mon *monitoring.Service
	if cfg.Monitoring != nil {
		mon = monitoring.New(monitoring.Config{
			Enabled: cfg.Monitoring.Enabled,
			Addr:    cfg.Monitoring.Addr,
		}, bus, log.With(logx.String("comp", "monitoring")))
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		gw:      gw,
		router:  router,
		agg:     agg,
		disp:    disp,
		coord:   coord,
		backups: backups,
		mon:     mon,
		events:  make(chan gateway.MessageEvent, 512),
	}, nil
}

func dispatcherConfig(c config.DispatcherConfig) (engine.DispatcherConfig, error) {
	retryBase, err := config.ParseDurationField("dispatcher.retry_base", c.RetryBase)
	if err != nil {
		return engine.DispatcherConfig{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("dispatcher.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return engine.DispatcherConfig{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatcher.send_timeout", c.SendTimeout)
	if err != nil {
		return engine.DispatcherConfig{}, err
	}
	return engine.DispatcherConfig{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		RatePerSec:    c.RatePerSec,
		RetryMax:      c.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

// Done is closed when the app run context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// The engine stages get their own root context so Stop can drain them
	// after the run context is canceled.
	a.disp.Start(context.Background())
	a.coord.Start(context.Background())

	if a.mon != nil {
		a.mon.Start(a.sup.Context())
	}
	if a.backups != nil {
		if err := a.backups.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("backup schedule: %w", err)
		}
	}

	if err := a.gw.Start(a.sup.Context(), a.events); err != nil {
		return err
	}

	a.sup.Go("events.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c)
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(cfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable subset of a validated config.
// Gateway token and storage path changes require a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if patience, err := config.ParseDurationOrDefault("behavior.patience", cfg.Behavior.Patience, defaultPatience); err == nil {
		a.agg.Apply(patience)
	}
	a.disp.Apply(cfg.Dispatcher.RatePerSec)
	a.router.Apply(commands.Config{
		Prefix:      cfg.Commands.Prefix,
		MaxKeywords: cfg.Behavior.MaxKeywords,
	})
	if a.backups != nil && cfg.Backup != nil {
		a.backups.Apply(backup.Config{
			Enabled:  cfg.Backup.Enabled,
			Dir:      cfg.Backup.Dir,
			Schedule: cfg.Backup.Schedule,
		})
	}

	a.log.Info("config reloaded")
}

// dispatchLoop routes inbound events: commands to the router, everything
// else to the matching pipeline.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			if ev.AuthorBot {
				continue
			}
			if a.router.HandleMessage(ctx, ev) {
				continue
			}
			if err := a.coord.HandleMessage(ev); err != nil {
				a.log.Debug("message not processed", logx.String("channel", ev.Ref.ChannelID), logx.Err(err))
			}
		}
	}
}

// Stop drains in order: gateway intake, matching shards, open digests,
// delivery queue, then storage.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
		}
		fn(stepCtx)
		if cancel != nil {
			cancel()
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("gateway", 3*time.Second, func(c context.Context) { _ = a.gw.Stop(c) })
	// Coordinator close drains the shards and force-flushes open digests
	// into the dispatcher.
	step("coordinator", 5*time.Second, func(c context.Context) { a.coord.Close(c) })
	step("dispatcher", 5*time.Second, func(c context.Context) { a.disp.Stop(c) })
	if a.backups != nil {
		step("backup", 2*time.Second, func(c context.Context) { a.backups.Stop(c) })
	}
	if a.mon != nil {
		step("monitoring", 2*time.Second, func(c context.Context) { a.mon.Stop(c) })
	}
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	_ = a.logs.Close()

	a.log.Info("stopped")
	return nil
}
