package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/eventbus"
	"github.com/mykytatishkin/content-fabric-sub000/internal/runtime/supervisor"
	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

// Event is the payload carried on repair lifecycle bus events.
type Event struct {
	AccountID int64
	Account   string
	Outcome   string // "success" or "failed", empty on started
	Detail    string
}

// Orchestrator owns every in-flight credential repair.
//
// A repair is triggered by the scheduler when a publish attempt fails with a
// credential signal. Each repair runs as a named goroutine under the
// orchestrator's supervisor so shutdown can join them; a session mid-login is
// never abandoned by a publish cycle ending.
type Orchestrator struct {
	log      logx.Logger
	store    store.Store
	sessions SessionFactory
	bus      eventbus.Bus
	active   *ActiveSet
	sup      *supervisor.Supervisor

	mu     sync.Mutex
	closed bool
}

func New(st store.Store, sessions SessionFactory, active *ActiveSet, bus eventbus.Bus, log logx.Logger) *Orchestrator {
	if active == nil {
		active = NewActiveSet()
	}
	return &Orchestrator{
		log:      log.With(logx.String("component", "repair")),
		store:    st,
		sessions: sessions,
		bus:      bus,
		active:   active,
		// Repairs are deliberately detached from the request/poll context:
		// a login flow in progress keeps running until it finishes or
		// shutdown joins it.
		sup: supervisor.New(context.Background(), supervisor.WithLogger(log)),
	}
}

// Active returns the IDs of accounts currently under repair, sorted.
func (o *Orchestrator) Active() []int64 { return o.active.Members() }

// InRepair reports whether the account has a repair in flight. The scheduler
// consults this to park credential-blocked tasks instead of dispatching them.
func (o *Orchestrator) InRepair(accountID int64) bool { return o.active.Contains(accountID) }

// Trigger starts a repair for the account unless one is already in flight or
// the orchestrator is shutting down. It returns immediately; the repair runs
// in the background. The return value reports whether a new repair started.
func (o *Orchestrator) Trigger(account store.Account) bool {
	// Held across TryAdd+Go so a trigger racing Stop cannot start a repair
	// after the join began.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if !o.active.TryAdd(account.ID) {
		return false
	}

	name := fmt.Sprintf("repair.account-%d", account.ID)
	o.sup.Go(name, func(ctx context.Context) error {
		o.run(ctx, account)
		return nil
	})
	return true
}

// Stop refuses new triggers and joins all in-flight repairs, bounded by ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	if err := o.sup.Wait(ctx); err != nil {
		o.log.Warn("repairs did not drain before deadline",
			logx.Any("active", o.active.Members()), logx.Err(err))
		return err
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, account store.Account) {
	started := time.Now().UTC()
	log := o.log.With(logx.Int64("account_id", account.ID), logx.String("account", account.Name))
	log.Info("credential repair started")
	o.publish(eventbus.TypeRepairStarted, account, "", "")

	var (
		sess    Session
		outcome = "failed"
		detail  string
	)

	// Cleanup always runs, in order: release the session, drop the
	// membership so the account becomes repairable again, record the audit
	// row. Secondary errors are logged and swallowed so they can never mask
	// the repair outcome.
	defer func() {
		if r := recover(); r != nil {
			outcome = "failed"
			detail = fmt.Sprintf("panic: %v", r)
			log.Error("repair panicked", logx.Any("panic", r))
		}
		if sess != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Warn("session release panicked", logx.Any("panic", r))
					}
				}()
				if err := sess.Release(); err != nil {
					log.Warn("session release failed", logx.Err(err))
				}
			}()
		}
		o.active.Remove(account.ID)

		audit := store.RepairAudit{
			AccountID:   account.ID,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
			Outcome:     outcome,
			Error:       detail,
		}
		if err := o.store.AppendRepairAudit(context.Background(), audit); err != nil {
			log.Warn("repair audit write failed", logx.Err(err))
		}

		if outcome == "success" {
			log.Info("credential repair succeeded", logx.Duration("took", time.Since(started)))
			o.publish(eventbus.TypeRepairSucceeded, account, outcome, detail)
		} else {
			log.Error("credential repair failed",
				logx.String("detail", detail), logx.Duration("took", time.Since(started)))
			o.publish(eventbus.TypeRepairFailed, account, outcome, detail)
		}
	}()

	var err error
	sess, err = o.sessions.Acquire(ctx, account)
	if err != nil {
		detail = err.Error()
		if errors.Is(err, ErrSessionUnavailable) {
			detail = "session unavailable: " + detail
		}
		return
	}

	cred, err := sess.RunLoginFlow(ctx)
	if err != nil {
		detail = err.Error()
		return
	}

	if err := o.store.SetCredential(ctx, account.ID, cred); err != nil {
		detail = "persist credential: " + err.Error()
		return
	}
	outcome = "success"
}

func (o *Orchestrator) publish(typ string, account store.Account, outcome, detail string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Type: typ,
		Data: Event{AccountID: account.ID, Account: account.Name, Outcome: outcome, Detail: detail},
	})
}
