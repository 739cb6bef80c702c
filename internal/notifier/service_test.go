package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/eventbus"
	"github.com/mykytatishkin/content-fabric-sub000/internal/repair"
	"github.com/mykytatishkin/content-fabric-sub000/internal/scheduler"
	kit "github.com/mykytatishkin/content-fabric-sub000/internal/transport"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

type captureAdapter struct {
	mu       sync.Mutex
	sent     []string
	failures int // fail this many sends before succeeding
}

func (a *captureAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		return kit.MessageRef{}, errors.New("telegram: 502 bad gateway")
	}
	a.sent = append(a.sent, text)
	return kit.MessageRef{MessageID: len(a.sent)}, nil
}

func (a *captureAdapter) Stop(context.Context) error { return nil }

func (a *captureAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func waitSent(t *testing.T, a *captureAdapter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.texts()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d of %d notifications delivered", len(a.texts()), n)
}

func enabledConfig() Config {
	return Config{
		Enabled:    true,
		Workers:    2,
		RatePerSec: 1000,
		RetryBase:  time.Millisecond,
	}
}

func TestNotifyDeliversThroughWorkers(t *testing.T) {
	ad := &captureAdapter{}
	s := New(enabledConfig(), ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Channel: "telegram", Text: "hello"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitSent(t, ad, 1)
	if got := ad.texts()[0]; got != "hello" {
		t.Fatalf("sent %q", got)
	}
	if len(s.Snapshot()) != 1 {
		t.Fatalf("history = %d, want 1", len(s.Snapshot()))
	}
}

func TestNotifyWhenDisabled(t *testing.T) {
	s := New(Config{}, &captureAdapter{}, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	s := New(enabledConfig(), &captureAdapter{}, logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), kit.Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestPriorityPrefix(t *testing.T) {
	ad := &captureAdapter{}
	s := New(enabledConfig(), ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Channel: "telegram", Priority: 9, Text: "db gone"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitSent(t, ad, 1)
	if got := ad.texts()[0]; !strings.HasPrefix(got, "🚨 ") {
		t.Fatalf("sent %q, want alarm prefix", got)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	ad := &captureAdapter{}
	cfg := enabledConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := kit.Notification{Channel: "telegram", Text: "same alert"}
	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	waitSent(t, ad, 1)
	time.Sleep(50 * time.Millisecond)
	if got := len(ad.texts()); got != 1 {
		t.Fatalf("sent %d, want 1 after dedup", got)
	}

	// A different text is not suppressed.
	if err := s.Notify(context.Background(), kit.Notification{Channel: "telegram", Text: "other alert"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitSent(t, ad, 2)
}

func TestRetryEventuallyDelivers(t *testing.T) {
	ad := &captureAdapter{failures: 2}
	cfg := enabledConfig()
	cfg.RetryMax = 3
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Channel: "telegram", Text: "flaky"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitSent(t, ad, 1)
}

func TestStopDrainsQueue(t *testing.T) {
	ad := &captureAdapter{}
	cfg := enabledConfig()
	cfg.Workers = 1
	s := New(cfg, ad, logx.Nop())
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		if err := s.Notify(context.Background(), kit.Notification{Channel: "telegram", Text: strings.Repeat("x", i+1)}); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := len(ad.texts()); got != 10 {
		t.Fatalf("delivered %d of 10 before stop returned", got)
	}
}

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		name     string
		event    eventbus.Event
		contains string
		priority int
	}{
		{
			name:     "completed",
			event:    eventbus.Event{Type: eventbus.TypeTaskCompleted, Data: scheduler.TaskEvent{Title: "clip", Detail: "up-9"}},
			contains: "up-9",
			priority: 3,
		},
		{
			name:     "failed",
			event:    eventbus.Event{Type: eventbus.TypeTaskFailed, Data: scheduler.TaskEvent{Title: "clip", TaskID: "t1", Detail: "unsupported format"}},
			contains: "unsupported format",
			priority: 7,
		},
		{
			name:     "repair failed",
			event:    eventbus.Event{Type: eventbus.TypeRepairFailed, Data: repair.Event{Account: "studio", Detail: "consent revoked"}},
			contains: "Manual intervention",
			priority: 9,
		},
		{
			name:  "unknown type",
			event: eventbus.Event{Type: "something.else"},
		},
		{
			name:  "wrong payload type",
			event: eventbus.Event{Type: eventbus.TypeTaskCompleted, Data: 42},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, prio := formatEvent(tc.event)
			if tc.contains == "" {
				if text != "" {
					t.Fatalf("text = %q, want empty", text)
				}
				return
			}
			if !strings.Contains(text, tc.contains) {
				t.Fatalf("text %q missing %q", text, tc.contains)
			}
			if prio != tc.priority {
				t.Fatalf("priority = %d, want %d", prio, tc.priority)
			}
		})
	}
}

func TestBridgeDeliversBusEvents(t *testing.T) {
	ad := &captureAdapter{}
	s := New(enabledConfig(), ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus := eventbus.New()
	b := NewBridge(s, bus, kit.ChatTarget{ChatID: 1}, logx.Nop())
	b.Start(context.Background())
	defer b.Stop(context.Background())

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeRepairStarted,
		Data: repair.Event{AccountID: 1, Account: "studio"},
	})
	waitSent(t, ad, 1)
	if got := ad.texts()[0]; !strings.Contains(got, "studio") {
		t.Fatalf("sent %q", got)
	}
}
