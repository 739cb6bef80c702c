package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/eventbus"
	"github.com/mykytatishkin/content-fabric-sub000/internal/publisher"
	"github.com/mykytatishkin/content-fabric-sub000/internal/runtime/supervisor"
	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

// RepairCoordinator is the slice of the repair orchestrator the scheduler
// needs: start a repair, and ask whether one is in flight.
type RepairCoordinator interface {
	Trigger(account store.Account) bool
	InRepair(accountID int64) bool
	Active() []int64
}

// Config tunes the poll loop.
type Config struct {
	PollInterval   time.Duration // default 30s
	StaleAfter     time.Duration // processing rows older than this requeue at startup, default 30m
	CleanupUploads bool          // delete source files after a completed publish
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

// Snapshot is a point-in-time view of the scheduler for status surfaces.
type Snapshot struct {
	Running             bool      `json:"running"`
	LastPoll            time.Time `json:"last_poll"`
	Dispatched          uint64    `json:"dispatched"`
	AccountsUnderRepair []int64   `json:"accounts_under_repair"`
}

// Service is the publication scheduler: a single poll loop that claims due
// tasks and walks each through one publish attempt.
//
// The loop never dies to a bad task. Each dispatch is individually recovered,
// and the loop iteration around the batch is recovered again, so one
// malformed row costs one attempt, not the process.
type Service struct {
	cfg     Config
	log     logx.Logger
	store   store.Store
	pub     publisher.Publisher
	repairs RepairCoordinator
	bus     eventbus.Bus

	sup *supervisor.Supervisor

	mu         sync.Mutex
	running    bool
	lastPoll   time.Time
	dispatched uint64
}

func New(cfg Config, st store.Store, pub publisher.Publisher, repairs RepairCoordinator, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("component", "scheduler")),
		store:   st,
		pub:     pub,
		repairs: repairs,
		bus:     bus,
	}
}

// Start requeues tasks stranded in Processing by a previous crash, then
// launches the poll loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	s.running = true
	s.mu.Unlock()

	n, err := s.store.RequeueStale(ctx, time.Now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("requeue stale tasks: %w", err)
	}
	if n > 0 {
		s.log.Warn("requeued stale tasks from previous run", logx.Int("count", n))
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go("scheduler.poll", s.loop)
	s.log.Info("scheduler started", logx.Duration("poll_interval", s.cfg.PollInterval))
	return nil
}

// Stop halts the poll loop. In-flight repairs are not touched; the repair
// orchestrator owns their shutdown.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.mu.Unlock()

	return sup.Stop(ctx)
}

func (s *Service) Status() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:    s.running,
		LastPoll:   s.lastPoll,
		Dispatched: s.dispatched,
	}
	s.mu.Unlock()
	if s.repairs != nil {
		snap.AccountsUnderRepair = s.repairs.Active()
	}
	return snap
}

func (s *Service) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.cycleSafe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cycleSafe(ctx)
		}
	}
}

func (s *Service) cycleSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("poll cycle panicked", logx.Any("panic", r))
		}
	}()
	s.cycle(ctx, time.Now().UTC())
}

func (s *Service) cycle(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastPoll = now
	s.mu.Unlock()

	tasks, err := s.store.FetchDueTasks(ctx, now)
	if err != nil {
		s.log.Error("fetch due tasks failed", logx.Err(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	s.log.Debug("due tasks fetched", logx.Int("count", len(tasks)))

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.dispatchSafe(ctx, t, now)
	}
}

func (s *Service) dispatchSafe(ctx context.Context, t store.Task, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task dispatch panicked",
				logx.String("task_id", t.ID), logx.Any("panic", r))
			s.fail(ctx, t, fmt.Sprintf("internal error: %v", r))
		}
	}()
	s.dispatch(ctx, t, now)
}

func (s *Service) dispatch(ctx context.Context, t store.Task, now time.Time) {
	log := s.log.With(logx.String("task_id", t.ID), logx.Int64("account_id", t.AccountID))

	account, err := s.store.GetAccount(ctx, t.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(ctx, t, "account not found")
			return
		}
		log.Error("account lookup failed", logx.Err(err))
		return
	}
	if !account.Enabled {
		s.fail(ctx, t, "account disabled")
		return
	}

	// Tasks for an account mid-repair stay Pending and get picked up again
	// once the repair finishes.
	if s.repairs != nil && s.repairs.InRepair(account.ID) {
		log.Debug("account under repair, task parked")
		return
	}

	// A credential known to be expired will fail the upload anyway; go
	// straight to repair and leave the task Pending at no retry cost.
	if account.Credential.Expired(now) {
		log.Info("credential expired, triggering repair before publish")
		s.triggerRepair(ctx, t, account, "access token expired")
		return
	}

	if err := s.store.SetStatus(ctx, t.ID, store.StatusProcessing, store.StatusUpdate{}); err != nil {
		log.Error("mark processing failed", logx.Err(err))
		return
	}
	s.mu.Lock()
	s.dispatched++
	s.mu.Unlock()

	res, err := s.pub.Publish(ctx, account, publisher.PayloadFromTask(t))
	if err != nil {
		// Transport-level failure with no structured result: classify the
		// error text like any other message.
		res = publisher.Result{Message: err.Error()}
	}

	if res.OK {
		s.complete(ctx, t, res, log)
		return
	}

	switch kind := publisher.Classify(res); kind {
	case publisher.KindCredential:
		log.Warn("publish blocked on credential", logx.String("reason", res.Message))
		s.triggerRepair(ctx, t, account, res.Message)
	case publisher.KindTransient:
		log.Warn("publish failed, will retry", logx.String("reason", res.Message),
			logx.Int("retry_count", t.RetryCount))
		s.retryOrFail(ctx, t, res.Message)
	default:
		log.Error("publish failed permanently", logx.String("reason", res.Message))
		s.fail(ctx, t, res.Message)
	}
}

func (s *Service) complete(ctx context.Context, t store.Task, res publisher.Result, log logx.Logger) {
	if err := s.store.SetStatus(ctx, t.ID, store.StatusCompleted, store.StatusUpdate{UploadID: res.UploadID}); err != nil {
		log.Error("mark completed failed", logx.Err(err))
		return
	}
	log.Info("task completed", logx.String("upload_id", res.UploadID))
	s.publish(eventbus.TypeTaskCompleted, t, res.UploadID)

	if s.cfg.CleanupUploads {
		s.removeUploadFiles(t, log)
	}
}

func (s *Service) removeUploadFiles(t store.Task, log logx.Logger) {
	for _, p := range []string{t.FilePath, t.CoverPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn("upload file cleanup failed", logx.String("path", p), logx.Err(err))
		}
	}
}

// retryOrFail consumes one unit of retry budget, failing the task once the
// budget is exhausted.
func (s *Service) retryOrFail(ctx context.Context, t store.Task, reason string) {
	if t.RetryCount >= t.MaxRetries {
		s.fail(ctx, t, fmt.Sprintf("retries exhausted: %s", reason))
		return
	}
	if err := s.store.IncrementRetry(ctx, t.ID, reason); err != nil {
		s.log.Error("increment retry failed", logx.String("task_id", t.ID), logx.Err(err))
		return
	}
	s.publish(eventbus.TypeTaskRetried, t, reason)
}

func (s *Service) fail(ctx context.Context, t store.Task, reason string) {
	if err := s.store.SetStatus(ctx, t.ID, store.StatusFailed, store.StatusUpdate{ErrorMessage: reason}); err != nil {
		s.log.Error("mark failed failed", logx.String("task_id", t.ID), logx.Err(err))
		return
	}
	s.publish(eventbus.TypeTaskFailed, t, reason)
}

// triggerRepair parks the task back to Pending without consuming retry
// budget and asks the orchestrator for a repair. Duplicate triggers while a
// repair is in flight are no-ops.
func (s *Service) triggerRepair(ctx context.Context, t store.Task, account store.Account, reason string) {
	if err := s.store.SetStatus(ctx, t.ID, store.StatusPending, store.StatusUpdate{ErrorMessage: reason}); err != nil {
		s.log.Error("park task failed", logx.String("task_id", t.ID), logx.Err(err))
	}
	if s.repairs != nil {
		s.repairs.Trigger(account)
	}
}

// TaskEvent is the payload carried on task lifecycle bus events.
type TaskEvent struct {
	TaskID    string
	AccountID int64
	Title     string
	Detail    string // upload id on completion, reason otherwise
}

func (s *Service) publish(typ string, t store.Task, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Data: TaskEvent{TaskID: t.ID, AccountID: t.AccountID, Title: t.Title, Detail: detail},
	})
}
