// Package app is the composition root: it owns construction order, config
// reload plumbing, and ordered teardown of everything under cmd/notifyd.
package app

import (
	"context"
	"fmt"
	"strings"

	"notifyd/internal/config"
	"notifyd/internal/dedup"
	"notifyd/internal/delivery"
	"notifyd/internal/eventbus"
	"notifyd/internal/ipc"
	"notifyd/internal/push"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	"notifyd/internal/transport"
	"notifyd/pkg/logx"
)

type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	store *storage.Store
	bus   eventbus.Bus

	deliverySvc *delivery.Service
	pushMgr     *push.Manager

	ipcServer *ipc.Server
	ipcClient *ipc.Client

	sup *supervisor.Supervisor
}

// New loads and validates the config, then builds the full graph:
// config -> logging -> storage -> bus/dedup -> transports -> delivery ->
// push -> ipc. Nothing runs yet; Start owns the goroutines.
func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewConfigManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))
	cfgMgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		return c.Validate()
	})

	srv, err := cfg.Server.Resolve()
	if err != nil {
		return nil, err
	}
	del, err := cfg.Delivery.Resolve()
	if err != nil {
		return nil, err
	}
	pushSet, err := cfg.Push.Resolve(srv.BaseURL)
	if err != nil {
		return nil, err
	}
	ipcSet, err := cfg.IPC.Resolve()
	if err != nil {
		return nil, err
	}
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	dd := dedup.New(dedup.WithTTLs(del.IDDedupTTL, del.FingerprintDedupTTL))

	client := transport.NewClient(srv.BaseURL, srv.HTTPTimeout, log.With(logx.String("comp", "transport")))
	stream := transport.NewStream(srv.BaseURL, del.HandshakeTimeout, log.With(logx.String("comp", "stream")))
	poller := transport.NewPoller(client, del.PollInterval, log.With(logx.String("comp", "poll")))

	a := &App{
		cfgMgr: cfgMgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		bus:    bus,
	}

	a.deliverySvc = delivery.New(delivery.Options{
		Stream:   stream,
		Poll:     poller,
		Store:    store,
		Bus:      bus,
		Dedup:    dd,
		Settings: del,
		Log:      log.With(logx.String("comp", "delivery")),
		PushRegister: func(ctx context.Context, topic string) {
			if a.pushMgr == nil {
				return
			}
			if err := a.pushMgr.Register(ctx, topic); err != nil {
				log.Warn("push registration failed", logx.String("topic", topic), logx.Err(err))
			}
		},
		PushUnregister: func(ctx context.Context) {
			if a.pushMgr == nil {
				return
			}
			if err := a.pushMgr.Unregister(ctx); err != nil {
				log.Warn("push unregister failed", logx.Err(err))
			}
		},
	})

	if pushSet.Enabled {
		a.pushMgr = push.New(push.Options{
			ServerBase: srv.BaseURL,
			Settings:   pushSet,
			Store:      store,
			Bus:        bus,
			Log:        log.With(logx.String("comp", "push")),
			Deliver:    a.deliverySvc.Deliver,
		})
	}

	pipe := ipc.NewPipe()
	var renewer ipc.Renewer
	if a.pushMgr != nil {
		renewer = a.pushMgr
	}
	a.ipcServer = ipc.NewServer(ipc.ServerOptions{
		Pipe:     pipe,
		Delivery: a.deliverySvc,
		Store:    store,
		Push:     renewer,
		Tester:   client,
		Settings: ipcSet,
		Log:      log.With(logx.String("comp", "ipc")),
	})
	a.ipcClient = ipc.NewClient(pipe, ipcSet, log.With(logx.String("comp", "ipc")))

	return a, nil
}

// Client is the foreground handle onto the running daemon.
func (a *App) Client() *ipc.Client { return a.ipcClient }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.sup.GoRestart("ipc.server", a.ipcServer.Serve)
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.reload", a.consumeConfigUpdates)

	if a.pushMgr != nil {
		if err := a.pushMgr.StartRenewalLoop(a.sup.Context()); err != nil {
			a.log.Warn("renewal schedule rejected", logx.Err(err))
		}
		// a handle that died while the daemon was down gets re-minted
		a.sup.Go0("push.ensure", func(ctx context.Context) {
			if err := a.pushMgr.EnsureValid(ctx); err != nil {
				a.log.Warn("push validation failed", logx.Err(err))
			}
		})
	}

	if err := a.deliverySvc.Start(a.sup.Context()); err != nil {
		return err
	}
	a.log.Info("notifyd started")
	return nil
}

// consumeConfigUpdates applies what can change at runtime (logging) and logs
// the rest; transport and storage settings take effect on the next start.
func (a *App) consumeConfigUpdates(ctx context.Context) {
	updates := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(updates)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config reloaded",
				append([]logx.Field{logx.Any("sections", changed)}, attrs...)...,
			)
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			prev = cfg
		}
	}
}

// Stop tears the daemon down in dependency order: schedules first, then the
// delivery transport, then the shared goroutines, storage last.
func (a *App) Stop(ctx context.Context) error {
	if a.pushMgr != nil {
		a.pushMgr.StopRenewalLoop()
	}
	if err := a.deliverySvc.Stop(ctx); err != nil {
		a.log.Warn("delivery stop failed", logx.Err(err))
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			a.log.Warn("supervisor stop failed", logx.Err(err))
		}
	}
	err := a.store.Close()
	a.log.Info("notifyd stopped")
	_ = a.logSvc.Close()
	return err
}
