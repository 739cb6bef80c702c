// Package app wires configuration, storage, and services into one process
// and owns startup/shutdown ordering.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/config"
	"github.com/mykytatishkin/content-fabric-sub000/internal/eventbus"
	"github.com/mykytatishkin/content-fabric-sub000/internal/notifier"
	"github.com/mykytatishkin/content-fabric-sub000/internal/publisher"
	"github.com/mykytatishkin/content-fabric-sub000/internal/repair"
	"github.com/mykytatishkin/content-fabric-sub000/internal/report"
	"github.com/mykytatishkin/content-fabric-sub000/internal/runtime/supervisor"
	"github.com/mykytatishkin/content-fabric-sub000/internal/scheduler"
	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	kit "github.com/mykytatishkin/content-fabric-sub000/internal/transport"
	"github.com/mykytatishkin/content-fabric-sub000/internal/transport/telegram"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   store.Store
	adapter kit.Adapter
	notif   *notifier.Service
	bridge  *notifier.Bridge
	repairs *repair.Orchestrator
	sched   *scheduler.Service
	rep     *report.Service

	repairStopTimeout time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	st, err := store.Open(mapStoreConfig(cfg), log)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
	}
	if err := a.buildServices(cfg); err != nil {
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildServices(cfg *config.Config) error {
	log := a.log

	var target kit.ChatTarget
	if cfg.Telegram.Enabled {
		sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			ThreadID:    cfg.Telegram.ThreadID,
			SendTimeout: sendTimeout,
		}, log)
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		a.adapter = ad
		target = ad.DefaultTarget()
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if a.adapter == nil {
		// No transport, nowhere to deliver.
		ncfg.Enabled = false
	}
	a.notif = notifier.New(ncfg, a.adapter, log)
	a.bridge = notifier.NewBridge(a.notif, a.bus, target, log)

	pubTimeout, err := config.ParseDurationOrDefault("publisher.timeout", cfg.Publisher.Timeout, 15*time.Minute)
	if err != nil {
		return err
	}
	pub, err := publisher.NewCommand(publisher.CommandConfig{
		Command: cfg.Publisher.Command,
		Timeout: pubTimeout,
	}, log)
	if err != nil {
		return err
	}

	loginTimeout, err := config.ParseDurationOrDefault("repair.login_timeout", cfg.Repair.LoginTimeout, 5*time.Minute)
	if err != nil {
		return err
	}
	a.repairStopTimeout, err = config.ParseDurationOrDefault("repair.stop_timeout", cfg.Repair.StopTimeout, 2*time.Minute)
	if err != nil {
		return err
	}
	sessions := repair.NewCommandSessionFactory(repair.CommandSessionConfig{
		Command:      cfg.Repair.Command,
		LoginTimeout: loginTimeout,
	}, log)
	a.repairs = repair.New(a.store, sessions, repair.NewActiveSet(), a.bus, log)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(scfg, a.store, pub, a.repairs, a.bus, log)

	rcfg, err := mapReportConfig(cfg)
	if err != nil {
		return err
	}
	a.rep = report.New(rcfg, a.store, a.notif, target, log)
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.notif.Start(a.sup.Context())
	a.bridge.Start(a.sup.Context())

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.rep.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies the parts of a hot-reloaded config that can change at
// runtime. Structural sections (storage, publisher, telegram) need a restart.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLoggingConfig(cfg))
	a.log.Info("config reloaded; logging applied, structural changes need a restart")
}

// Stop shuts the app down: the scheduler loop first so no new publishes or
// repairs start, then a longer join for in-flight repairs, then delivery and
// storage.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 5*time.Second, a.sched.Stop)
	step("repairs", a.repairStopTimeout, a.repairs.Stop)
	step("report", 2*time.Second, func(c context.Context) error { a.rep.Stop(c); return nil })
	step("bridge", 2*time.Second, func(c context.Context) error { a.bridge.Stop(c); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, a.adapter.Stop)
	}

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// Status is a point-in-time operational snapshot.
type Status struct {
	Scheduler scheduler.Snapshot     `json:"scheduler"`
	Repairs   []int64                `json:"repairs_in_flight"`
	Goroutine supervisor.Counters    `json:"goroutines"`
	Recent    []notifier.HistoryItem `json:"recent_notifications,omitempty"`
}

func (a *App) Status() Status {
	if a.sup == nil {
		return Status{}
	}
	return Status{
		Scheduler: a.sched.Status(),
		Repairs:   a.repairs.Active(),
		Goroutine: a.sup.Counters(),
		Recent:    a.notif.Snapshot(),
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
	}
}

func mapStoreConfig(cfg *config.Config) store.Config {
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("scheduler.stale_after", cfg.Scheduler.StaleAfter, 30*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PollInterval:   poll,
		StaleAfter:     stale,
		CleanupUploads: cfg.Scheduler.CleanupUploads,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapReportConfig(cfg *config.Config) (report.Config, error) {
	r := cfg.Report
	if r == nil {
		return report.Config{}, nil
	}
	window, err := config.ParseDurationOrDefault("report.window", r.Window, 24*time.Hour)
	if err != nil {
		return report.Config{}, err
	}
	return report.Config{
		Enabled:  r.Enabled,
		Schedule: r.Schedule,
		Location: r.Location,
		Window:   window,
	}, nil
}
