// Package app wires the subsystems together and owns their lifecycle order.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"mailping/internal/config"
	"mailping/internal/engine"
	"mailping/internal/eventbus"
	"mailping/internal/mail"
	"mailping/internal/mail/gmail"
	imapdrv "mailping/internal/mail/imap"
	"mailping/internal/router"
	rtsup "mailping/internal/runtime/supervisor"
	"mailping/internal/state"
	kit "mailping/internal/transport"
	"mailping/internal/transport/telegram"
	logx "mailping/pkg/logx"
)

const envToken = "TELEGRAM_API_TOKEN"

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	adapter *telegram.Adapter
	store   engine.Store
	eng     *engine.Engine
	rt      *router.Router

	sup         *rtsup.Supervisor
	updates     chan kit.Update
	cfgSub      chan *config.Config
	unsubEvents func()
}

// New loads the config, applies env overrides and constructs every subsystem.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		applyEnv(c)
		return c.Validate()
	})

	bus := eventbus.New()

	pollTimeout, err := config.ParseDurationOrDefault(
		"telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		logs.Close()
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	store, err := state.Open(state.Config{
		Driver:        cfg.Storage.Driver,
		Path:          cfg.Storage.Path,
		BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
	}, log.With(logx.String("comp", "state")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("state store: %w", err)
	}

	registry := mail.NewRegistry()
	var gmailEx mail.Exchanger
	if cfg.Gmail.Enabled {
		g, err := gmail.New(gmail.Config{
			CredentialsFile: cfg.Gmail.CredentialsFile,
			PageSize:        cfg.Gmail.PageSize,
		}, log.With(logx.String("comp", "gmail")))
		if err != nil {
			_ = store.Close()
			logs.Close()
			return nil, fmt.Errorf("gmail driver: %w", err)
		}
		registry.Register(gmail.Provider, g)
		gmailEx = g
	}
	if cfg.Imap.Enabled {
		registry.Register(imapdrv.Provider, imapdrv.New(imapdrv.Config{
			PageSize: cfg.Imap.PageSize,
		}, log.With(logx.String("comp", "imap"))))
	}

	disp := engine.NewDispatcher(adapter, cfg.Notify.RatePerSec,
		log.With(logx.String("comp", "dispatch")), bus)
	eng := engine.New(engine.Config{
		DefaultIntervalSeconds: cfg.Poll.DefaultIntervalSeconds,
		MinIntervalSeconds:     cfg.Poll.MinIntervalSeconds,
	}, store, registry, disp, log.With(logx.String("comp", "engine")), bus)

	rt := router.New(log.With(logx.String("comp", "router")), adapter, eng, router.Options{
		Gmail:       gmailEx,
		ImapEnabled: cfg.Imap.Enabled,
	})

	return &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		adapter: adapter,
		store:   store,
		eng:     eng,
		rt:      rt,
	}, nil
}

// Start brings the subsystems up: state load, poll scheduling, chat intake,
// command dispatch, config watch.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	if err := a.eng.Load(runCtx); err != nil {
		return err
	}
	if err := a.eng.Start(runCtx); err != nil {
		return err
	}

	a.updates = make(chan kit.Update, 128)
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.rt.DispatchLoop(c, a.updates)
	})

	a.sup.Go0("config.watch", func(c context.Context) {
		_ = a.cfgm.Watch(c)
	})

	// Engine events (cycle done, dispatches, auth flags, persist errors) feed
	// the debug log; the bus drops on overflow, so a slow log never blocks a
	// cycle.
	events, unsub := a.bus.Subscribe(32)
	a.unsubEvents = unsub
	evLog := a.log.With(logx.String("comp", "events"))
	a.sup.Go0("events.log", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				evLog.Debug("engine event",
					logx.String("type", ev.Type),
					logx.Time("at", ev.Time),
					logx.Any("data", ev.Data))
			}
		}
	})

	// Hot-reload: only logging settings apply live; everything else needs a
	// restart and reload events for those are just logged.
	a.cfgSub = a.cfgm.Subscribe(4)
	sub := a.cfgSub
	a.sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok || cfg == nil {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	})

	a.log.Info("mailping started")
	return nil
}

// Stop shuts down in dependency order: intake first, then the engine (with a
// final state flush), then background goroutines and handles.
func (a *App) Stop(ctx context.Context) {
	if a.adapter != nil {
		_ = a.adapter.Stop(ctx)
	}
	if a.eng != nil {
		a.eng.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}
	if a.unsubEvents != nil {
		a.unsubEvents()
		a.unsubEvents = nil
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("mailping stopped")
	if a.logs != nil {
		a.logs.Close()
	}
}

// applyEnv lets the token come from the environment instead of the file, so
// the config can be committed without secrets.
func applyEnv(cfg *config.Config) {
	if tok := strings.TrimSpace(os.Getenv(envToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
}
