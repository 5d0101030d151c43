// Package app wires configuration, storage, the Telegram adapter, the job
// store and the delivery engine into one process with a clean start/stop
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"eventbot/internal/config"
	"eventbot/internal/deeplink"
	"eventbot/internal/events"
	"eventbot/internal/mailer"
	"eventbot/internal/observability"
	"eventbot/internal/router"
	"eventbot/internal/scheduler"
	"eventbot/internal/storage"
	"eventbot/internal/transport"
	telegram "eventbot/internal/transport/telegram"
	logx "eventbot/pkg/logx"
)

const defaultPruneSpec = "0 4 * * *"

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter *telegram.Adapter
	metrics *observability.Metrics
	ops     *observability.Server
	sched   *scheduler.Service
	mail    *mailer.Mailer
	links   *deeplink.Service
	orch    *events.Orchestrator
	rt      *router.Router

	updates chan transport.Update

	cancel   context.CancelFunc
	routerCh chan error
	watchCh  chan struct{}
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
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
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	store, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: cfg.Storage.BusyTimeoutOr(5 * time.Second),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOr(10 * time.Second),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	metrics := observability.NewMetrics()
	ops := observability.NewServer(observability.ServerConfig{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}, metrics, log.With(logx.String("comp", "ops")))

	sched := scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		DefaultTimeout: cfg.Scheduler.DefaultTimeoutOr(2 * time.Minute),
	}, metrics, log.With(logx.String("comp", "scheduler")))

	mail := mailer.New(mailer.Config{
		Concurrency: cfg.Mailer.Concurrency,
		BaseDelay:   cfg.Mailer.BaseDelayOr(time.Second),
		MaxAttempts: cfg.Mailer.MaxAttempts,
		RatePerSec:  cfg.Mailer.RatePerSec,
	}, adapter, metrics, log.With(logx.String("comp", "mailer")))

	links := deeplink.New(deeplink.Config{
		BotUsername: cfg.Telegram.BotUsername,
		TTL:         cfg.Deeplink.TTLOr(0),
	}, store, log.With(logx.String("comp", "deeplink")))

	orch := events.NewOrchestrator(events.Config{
		BroadcastChatID: cfg.Telegram.BroadcastChatID,
	}, store, sched, mail, links, log.With(logx.String("comp", "events")))

	rt := router.New(router.Config{
		SuperAdminIDs: cfg.Telegram.SuperAdminIDs,
	}, router.Deps{
		Store:   store,
		Adapter: adapter,
		Links:   links,
		Orch:    orch,
		Mail:    mail,
		Jobs:    sched,
	}, log.With(logx.String("comp", "router")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: adapter,
		metrics: metrics,
		ops:     ops,
		sched:   sched,
		mail:    mail,
		links:   links,
		orch:    orch,
		rt:      rt,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.ops.Start(runCtx)
	a.sched.Start(runCtx)

	// Token cleanup runs on the job store's cron side.
	cfg := a.cfgm.Get()
	pruneSpec := defaultPruneSpec
	if cfg != nil && cfg.Deeplink.PruneSpec != "" {
		pruneSpec = cfg.Deeplink.PruneSpec
	}
	if err := a.sched.AddCron("deeplink_prune", pruneSpec, time.Minute, func(c context.Context) error {
		return a.links.Prune(c)
	}); err != nil {
		a.log.Warn("token prune schedule rejected", logx.Err(err))
	}

	// Restore one-shot jobs for events that still have future obligations.
	n, err := a.orch.RearmAll(runCtx)
	if err != nil {
		a.stopStarted(ctx)
		return fmt.Errorf("rearm jobs: %w", err)
	}
	a.log.Info("startup recovery done", logx.Int("events", n))

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		a.stopStarted(ctx)
		return fmt.Errorf("start adapter: %w", err)
	}

	a.routerCh = make(chan error, 1)
	go func() {
		a.routerCh <- a.rt.Run(runCtx, a.updates)
	}()

	a.watchCh = make(chan struct{})
	go func() {
		defer close(a.watchCh)
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go a.reloadLoop(runCtx)

	a.log.Info("started")
	return nil
}

// Stop shuts components down in reverse dependency order: inbound traffic
// first, then the executors, then storage.
func (a *App) Stop(ctx context.Context) {
	start := time.Now()
	a.log.Info("stopping")

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.routerCh != nil {
		select {
		case <-a.routerCh:
		case <-ctx.Done():
		}
	}
	if a.watchCh != nil {
		select {
		case <-a.watchCh:
		case <-ctx.Done():
		}
	}
	a.sched.Stop(ctx)
	a.ops.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	_ = a.logs.Close()
}

// stopStarted tears down the parts Start already brought up after a
// failure partway through.
func (a *App) stopStarted(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Stop(ctx)
	a.ops.Stop(ctx)
}
