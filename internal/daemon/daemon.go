// Package daemon wires the server: storage, dispatcher, aggregator, surge
// monitor, git poller, config watcher, and the HTTP API, with lifecycle
// bound to one context.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/jobserv/internal/aggregate"
	"git.home.luguber.info/inful/jobserv/internal/artifacts"
	"git.home.luguber.info/inful/jobserv/internal/config"
	"git.home.luguber.info/inful/jobserv/internal/dispatch"
	"git.home.luguber.info/inful/jobserv/internal/gitpoller"
	"git.home.luguber.info/inful/jobserv/internal/locks"
	"git.home.luguber.info/inful/jobserv/internal/logfields"
	"git.home.luguber.info/inful/jobserv/internal/metrics"
	"git.home.luguber.info/inful/jobserv/internal/notify"
	"git.home.luguber.info/inful/jobserv/internal/secrets"
	"git.home.luguber.info/inful/jobserv/internal/server"
	"git.home.luguber.info/inful/jobserv/internal/store"
	"git.home.luguber.info/inful/jobserv/internal/surge"
	"git.home.luguber.info/inful/jobserv/internal/trigger"
	"git.home.luguber.info/inful/jobserv/internal/urls"
)

// Daemon is the assembled server process.
type Daemon struct {
	cfg        *config.Config
	cfgPath    string
	logger     *slog.Logger
	store      *store.Store
	artifacts  *artifacts.LocalStore
	httpServer *server.Server
	monitor    *surge.Monitor
	poller     *gitpoller.Poller
	events     *notify.EventPublisher
}

// New assembles a daemon from configuration. cfgPath enables hot reload and
// may be empty.
func New(cfg *config.Config, cfgPath string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	signKey := cfg.SignedURLKey
	if signKey == "" {
		signKey = cfg.SecretsKey
	}
	arts, err := artifacts.NewLocalStore(cfg.ArtifactsDir, cfg.JobsDir, cfg.PublicURL, []byte(signKey))
	if err != nil {
		return nil, err
	}
	workerDir, err := surge.NewWorkerDir(cfg.WorkerDir)
	if err != nil {
		return nil, err
	}

	var vault *secrets.Vault
	if cfg.SecretsKey != "" {
		if vault, err = secrets.NewVault(cfg.SecretsKey); err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	var events *notify.EventPublisher
	if cfg.NATSURL != "" {
		if events, err = notify.NewEventPublisher(cfg.NATSURL, logger); err != nil {
			// the bus is an optional mirror; run without it
			logger.Warn("NATS unavailable; events disabled", logfields.Err(err))
			events = nil
		}
	}
	notifier := &notify.Composite{
		Email: notify.NewEmailNotifier(notify.SMTPConfig{
			Server:             cfg.SMTP.Server,
			User:               cfg.SMTP.User,
			Password:           cfg.SMTP.Password,
			NotificationEmails: cfg.NotificationEmails,
		}, logger),
		Webhooks: notify.NewWebhookNotifier(logger),
		Events:   events,
	}

	u := urls.Builder{Public: cfg.PublicURL, BuildFmt: cfg.BuildURLFmt, RunFmt: cfg.RunURLFmt}
	engine := trigger.New(st, arts, u, logger)
	agg := aggregate.New(st, locks.NewRegistry(), arts, engine, notifier, recorder, u, logger)
	disp := dispatch.New(st, workerDir, logger)
	monitor := surge.NewMonitor(st, workerDir, notifier, recorder,
		clockwork.NewRealClock(), cfg.SurgeSupportRatio, logger)
	poller := gitpoller.New(st, arts, engine, vault, logger)

	httpServer := server.New(server.Deps{
		Config:     cfg,
		Store:      st,
		Artifacts:  arts,
		Dispatcher: disp,
		Aggregator: agg,
		Engine:     engine,
		Vault:      vault,
		WorkerDir:  workerDir,
		URLs:       u,
		Recorder:   recorder,
		Registry:   registry,
		Logger:     logger,
	})

	return &Daemon{
		cfg:        cfg,
		cfgPath:    cfgPath,
		logger:     logger,
		store:      st,
		artifacts:  arts,
		httpServer: httpServer,
		monitor:    monitor,
		poller:     poller,
		events:     events,
	}, nil
}

// Run blocks until the context is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.store.Close()
	if d.events != nil {
		defer d.events.Close()
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(d.cfg.MonitorPeriod()),
		gocron.NewTask(func() {
			tickCtx, cancel := context.WithTimeout(ctx, d.cfg.MonitorPeriod())
			defer cancel()
			if err := d.monitor.Tick(tickCtx); err != nil {
				d.logger.Error("surge monitor tick failed", logfields.Err(err))
			}
		}),
		gocron.WithName("surge-monitor"),
	)
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(d.cfg.GitPollerPeriod()),
		gocron.NewTask(func() {
			tickCtx, cancel := context.WithTimeout(ctx, d.cfg.GitPollerPeriod())
			defer cancel()
			if err := d.poller.Tick(tickCtx); err != nil {
				d.logger.Error("git poller tick failed", logfields.Err(err))
			}
		}),
		gocron.WithName("git-poller"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	defer func() { _ = scheduler.Shutdown() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("API server listening", "addr", d.cfg.Listen)
		return d.httpServer.ListenAndServe(gctx)
	})
	if d.cfgPath != "" {
		watcher := config.NewWatcher(d.cfgPath, d.applyConfig, d.logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	err = g.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// applyConfig absorbs the hot-reloadable settings from a changed config
// file; everything else needs a restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.monitor.SetRatio(cfg.SurgeSupportRatio)
}

// TickMonitor runs one surge monitor pass immediately; exposed for
// operational tooling.
func (d *Daemon) TickMonitor(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return d.monitor.Tick(tickCtx)
}
