package notifier

import (
	"context"
	"fmt"

	"github.com/mykytatishkin/content-fabric-sub000/internal/eventbus"
	"github.com/mykytatishkin/content-fabric-sub000/internal/repair"
	"github.com/mykytatishkin/content-fabric-sub000/internal/runtime/supervisor"
	"github.com/mykytatishkin/content-fabric-sub000/internal/scheduler"
	kit "github.com/mykytatishkin/content-fabric-sub000/internal/transport"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

// Bridge subscribes to task and repair lifecycle events and turns them into
// operator notifications. It is the only place message wording lives.
type Bridge struct {
	svc    *Service
	bus    eventbus.Bus
	target kit.ChatTarget
	log    logx.Logger

	sup   *supervisor.Supervisor
	unsub func()
}

func NewBridge(svc *Service, bus eventbus.Bus, target kit.ChatTarget, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{svc: svc, bus: bus, target: target, log: log.With(logx.String("component", "notifier.bridge"))}
}

func (b *Bridge) Start(ctx context.Context) {
	if b.sup != nil {
		return
	}
	ch, unsub := b.bus.Subscribe(64)
	b.unsub = unsub
	b.sup = supervisor.New(ctx, supervisor.WithLogger(b.log))
	b.sup.Go0("notifier.bridge", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				b.handle(ctx, e)
			}
		}
	})
}

func (b *Bridge) Stop(ctx context.Context) {
	if b.sup == nil {
		return
	}
	if b.unsub != nil {
		b.unsub()
	}
	_ = b.sup.Stop(ctx)
	b.sup = nil
}

func (b *Bridge) handle(ctx context.Context, e eventbus.Event) {
	text, priority := formatEvent(e)
	if text == "" {
		return
	}
	err := b.svc.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: priority,
		Target:   b.target,
		Text:     text,
	})
	if err != nil && err != ErrDisabled {
		b.log.Debug("event notification not sent", logx.String("type", e.Type), logx.Err(err))
	}
}

// formatEvent maps a bus event to message text and priority. Unknown event
// types produce no message.
func formatEvent(e eventbus.Event) (string, int) {
	switch e.Type {
	case eventbus.TypeTaskCompleted:
		t, ok := e.Data.(scheduler.TaskEvent)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("✅ Published «%s»\nupload: %s", t.Title, t.Detail), 3

	case eventbus.TypeTaskFailed:
		t, ok := e.Data.(scheduler.TaskEvent)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("❌ Publish failed: «%s»\ntask: %s\nreason: %s", t.Title, t.TaskID, t.Detail), 7

	case eventbus.TypeTaskRetried:
		t, ok := e.Data.(scheduler.TaskEvent)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("Publish retry scheduled: «%s»\nreason: %s", t.Title, t.Detail), 3

	case eventbus.TypeRepairStarted:
		r, ok := e.Data.(repair.Event)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("🔑 Re-authorization started for %s", r.Account), 7

	case eventbus.TypeRepairSucceeded:
		r, ok := e.Data.(repair.Event)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("✅ Re-authorization completed for %s, publishing resumes", r.Account), 5

	case eventbus.TypeRepairFailed:
		r, ok := e.Data.(repair.Event)
		if !ok {
			return "", 0
		}
		return fmt.Sprintf("🚫 Re-authorization FAILED for %s\n%s\nManual intervention required.", r.Account, r.Detail), 9
	}
	return "", 0
}
