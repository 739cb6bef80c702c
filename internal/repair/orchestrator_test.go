package repair

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/eventbus"
	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

// fakeStore implements only the store methods repairs touch; anything else
// panics via the embedded nil interface.
type fakeStore struct {
	store.Store

	mu     sync.Mutex
	creds  map[int64]store.Credential
	audits []store.RepairAudit

	credErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{creds: map[int64]store.Credential{}}
}

func (s *fakeStore) SetCredential(_ context.Context, accountID int64, cred store.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credErr != nil {
		return s.credErr
	}
	s.creds[accountID] = cred
	return nil
}

func (s *fakeStore) AppendRepairAudit(_ context.Context, e store.RepairAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *fakeStore) auditOutcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.audits))
	for i, a := range s.audits {
		out[i] = a.Outcome
	}
	return out
}

type fakeSession struct {
	cred     store.Credential
	loginErr error
	block    chan struct{} // if set, RunLoginFlow waits on it

	mu       sync.Mutex
	released int
	panicRun bool
}

func (s *fakeSession) RunLoginFlow(ctx context.Context) (store.Credential, error) {
	if s.panicRun {
		panic("blown session")
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return store.Credential{}, ctx.Err()
		}
	}
	return s.cred, s.loginErr
}

func (s *fakeSession) Release() error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeFactory struct {
	sess       *fakeSession
	acquireErr error
}

func (f *fakeFactory) Acquire(context.Context, store.Account) (Session, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.sess, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testAccount() store.Account {
	return store.Account{ID: 7, Name: "studio-main", Enabled: true}
}

func TestTriggerRunsRepairAndPersistsCredential(t *testing.T) {
	st := newFakeStore()
	sess := &fakeSession{cred: store.Credential{AccessToken: "fresh"}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	o := New(st, &fakeFactory{sess: sess}, NewActiveSet(), bus, logx.Nop())
	if !o.Trigger(testAccount()) {
		t.Fatal("first trigger should start a repair")
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	st.mu.Lock()
	cred, ok := st.creds[7]
	st.mu.Unlock()
	if !ok || cred.AccessToken != "fresh" {
		t.Fatalf("credential not persisted: %+v ok=%v", cred, ok)
	}
	if got := st.auditOutcomes(); len(got) != 1 || got[0] != "success" {
		t.Fatalf("audit outcomes = %v, want [success]", got)
	}
	if sess.releaseCount() != 1 {
		t.Fatalf("release count = %d, want 1", sess.releaseCount())
	}
	if o.InRepair(7) {
		t.Fatal("account still marked in repair after completion")
	}

	var types []string
drain:
	for {
		select {
		case e := <-events:
			types = append(types, e.Type)
		default:
			break drain
		}
	}
	if len(types) != 2 || types[0] != eventbus.TypeRepairStarted || types[1] != eventbus.TypeRepairSucceeded {
		t.Fatalf("event types = %v", types)
	}
}

func TestTriggerIsIdempotentWhileRepairInFlight(t *testing.T) {
	st := newFakeStore()
	block := make(chan struct{})
	sess := &fakeSession{block: block}

	o := New(st, &fakeFactory{sess: sess}, NewActiveSet(), eventbus.New(), logx.Nop())
	if !o.Trigger(testAccount()) {
		t.Fatal("first trigger should win")
	}
	for i := 0; i < 5; i++ {
		if o.Trigger(testAccount()) {
			t.Fatal("duplicate trigger started a second repair")
		}
	}
	if !o.InRepair(7) {
		t.Fatal("account should be in repair while blocked")
	}

	close(block)
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := st.auditOutcomes(); len(got) != 1 {
		t.Fatalf("audits = %v, want exactly one", got)
	}

	// After completion the account is repairable again, but the orchestrator
	// is closed, so triggers are refused without touching the set.
	if o.Trigger(testAccount()) {
		t.Fatal("trigger after Stop should be refused")
	}
}

func TestFailedLoginRecordsFailureAndReleases(t *testing.T) {
	st := newFakeStore()
	sess := &fakeSession{loginErr: &AuthFlowError{Reason: "consent page changed"}}

	o := New(st, &fakeFactory{sess: sess}, NewActiveSet(), eventbus.New(), logx.Nop())
	o.Trigger(testAccount())
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := st.auditOutcomes(); len(got) != 1 || got[0] != "failed" {
		t.Fatalf("audit outcomes = %v, want [failed]", got)
	}
	st.mu.Lock()
	_, wrote := st.creds[7]
	st.mu.Unlock()
	if wrote {
		t.Fatal("failed repair must not persist a credential")
	}
	if sess.releaseCount() != 1 {
		t.Fatalf("release count = %d, want 1", sess.releaseCount())
	}
	if o.InRepair(7) {
		t.Fatal("membership not cleaned up after failure")
	}
}

func TestAcquireFailureSkipsRelease(t *testing.T) {
	st := newFakeStore()
	o := New(st, &fakeFactory{acquireErr: ErrSessionUnavailable}, NewActiveSet(), eventbus.New(), logx.Nop())
	o.Trigger(testAccount())
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := st.auditOutcomes(); len(got) != 1 || got[0] != "failed" {
		t.Fatalf("audit outcomes = %v, want [failed]", got)
	}
	if o.InRepair(7) {
		t.Fatal("membership not cleaned up after acquire failure")
	}
}

func TestPanicDuringLoginStillCleansUp(t *testing.T) {
	st := newFakeStore()
	sess := &fakeSession{panicRun: true}

	o := New(st, &fakeFactory{sess: sess}, NewActiveSet(), eventbus.New(), logx.Nop())
	o.Trigger(testAccount())
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got := st.auditOutcomes()
	if len(got) != 1 || got[0] != "failed" {
		t.Fatalf("audit outcomes = %v, want [failed]", got)
	}
	if sess.releaseCount() != 1 {
		t.Fatalf("release count = %d, want 1", sess.releaseCount())
	}
	if o.InRepair(7) {
		t.Fatal("panic left account stuck in repair")
	}
}

func TestCredentialPersistFailureIsFailedOutcome(t *testing.T) {
	st := newFakeStore()
	st.credErr = errors.New("disk full")
	sess := &fakeSession{cred: store.Credential{AccessToken: "fresh"}}

	o := New(st, &fakeFactory{sess: sess}, NewActiveSet(), eventbus.New(), logx.Nop())
	o.Trigger(testAccount())
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := st.auditOutcomes(); len(got) != 1 || got[0] != "failed" {
		t.Fatalf("audit outcomes = %v, want [failed]", got)
	}
}

func TestStopJoinsInFlightRepairs(t *testing.T) {
	st := newFakeStore()
	block := make(chan struct{})
	sess := &fakeSession{block: block, cred: store.Credential{AccessToken: "late"}}

	o := New(st, &fakeFactory{sess: sess}, NewActiveSet(), eventbus.New(), logx.Nop())
	o.Trigger(testAccount())

	// Stop with a short deadline while the login is blocked: it must report
	// the deadline, not pretend the repair finished.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	err := o.Stop(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop while blocked = %v, want deadline exceeded", err)
	}

	close(block)
	waitFor(t, func() bool { return len(st.auditOutcomes()) == 1 })
	if got := st.auditOutcomes(); got[0] != "success" {
		t.Fatalf("audit outcome = %v, want success", got)
	}
}

func TestTriggerAfterStopIsRefused(t *testing.T) {
	st := newFakeStore()
	sess := &fakeSession{cred: store.Credential{AccessToken: "fresh"}}
	o := New(st, &fakeFactory{sess: sess}, NewActiveSet(), eventbus.New(), logx.Nop())

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if o.Trigger(testAccount()) {
		t.Fatal("trigger accepted after stop")
	}
	if o.InRepair(testAccount().ID) {
		t.Fatal("refused trigger must not leave active set membership")
	}
}

func TestActiveSetTryAddIsExclusive(t *testing.T) {
	s := NewActiveSet()
	var wg sync.WaitGroup
	wins := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAdd(42) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}
	s.Remove(42)
	if !s.TryAdd(42) {
		t.Fatal("TryAdd after Remove should win")
	}
}
