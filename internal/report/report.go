// Package report sends a daily summary of publish and repair activity.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	kit "github.com/mykytatishkin/content-fabric-sub000/internal/transport"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec, default "0 9 * * *"
	Location string // IANA name, default UTC
	Window   time.Duration
}

// Notifier is the slice of the notification service the reporter needs.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Service struct {
	cfg    Config
	log    logx.Logger
	store  store.Store
	notify Notifier
	target kit.ChatTarget

	c *cron.Cron
}

func New(cfg Config, st store.Store, n Notifier, target kit.ChatTarget, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 9 * * *"
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("component", "report")),
		store:  st,
		notify: n,
		target: target,
	}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	loc := time.UTC
	if s.cfg.Location != "" {
		l, err := time.LoadLocation(s.cfg.Location)
		if err != nil {
			return fmt.Errorf("report location %q: %w", s.cfg.Location, err)
		}
		loc = l
	}

	s.c = cron.New(cron.WithLocation(loc))
	_, err := s.c.AddFunc(s.cfg.Schedule, func() {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.Send(cctx); err != nil {
			s.log.Error("daily report failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("report schedule %q: %w", s.cfg.Schedule, err)
	}
	s.c.Start()
	s.log.Info("daily report scheduled", logx.String("spec", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Send composes and delivers the summary for the configured window. Exposed
// separately from the cron trigger so it can be invoked on demand.
func (s *Service) Send(ctx context.Context) error {
	since := time.Now().UTC().Add(-s.cfg.Window)
	stats, err := s.store.Stats(ctx, since)
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}
	audits, err := s.store.RecentRepairAudits(ctx, since)
	if err != nil {
		return fmt.Errorf("collect repair audits: %w", err)
	}

	return s.notify.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: 5,
		Target:   s.target,
		Text:     render(stats, audits, s.cfg.Window),
	})
}

func render(stats store.Stats, audits []store.RepairAudit, window time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Publication report (last %s)\n\n", window)
	fmt.Fprintf(&b, "Completed: %d\n", stats.Completed)
	fmt.Fprintf(&b, "Failed: %d\n", stats.Failed)
	fmt.Fprintf(&b, "Pending: %d\n", stats.Pending)
	fmt.Fprintf(&b, "Processing: %d\n", stats.Processing)

	if stats.RepairsSince > 0 {
		fmt.Fprintf(&b, "\nCredential repairs: %d (%d failed)\n", stats.RepairsSince, stats.RepairFailures)
		for _, a := range audits {
			took := a.CompletedAt.Sub(a.StartedAt).Round(time.Second)
			mark := "✅"
			if a.Outcome != "success" {
				mark = "🚫"
			}
			fmt.Fprintf(&b, "%s account %d, %s", mark, a.AccountID, took)
			if a.Error != "" {
				fmt.Fprintf(&b, " (%s)", a.Error)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
