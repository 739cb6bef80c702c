package publisher

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

func shCommand(t *testing.T, script string) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh helper not available")
	}
	return []string{"sh", "-c", script}
}

func testPublisherAccount() store.Account {
	return store.Account{Name: "studio", Credential: store.Credential{AccessToken: "tok"}}
}

func TestNewCommandRequiresCommand(t *testing.T) {
	if _, err := NewCommand(CommandConfig{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCommandPublishSuccess(t *testing.T) {
	p, err := NewCommand(CommandConfig{
		Command: shCommand(t, `cat >/dev/null; echo '{"ok":true,"upload_id":"up-42"}'`),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Publish(context.Background(), testPublisherAccount(), Payload{Title: "clip"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.OK || res.UploadID != "up-42" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCommandPublishStructuredFailureWithNonZeroExit(t *testing.T) {
	p, err := NewCommand(CommandConfig{
		Command: shCommand(t, `cat >/dev/null; echo '{"ok":false,"signal":"credential","message":"invalid_grant"}'; exit 3`),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Publish(context.Background(), testPublisherAccount(), Payload{})
	if err != nil {
		t.Fatalf("structured failure should not be a transport error: %v", err)
	}
	if res.OK || res.Signal != SignalCredential || res.Message != "invalid_grant" {
		t.Fatalf("result = %+v", res)
	}
	if Classify(res) != KindCredential {
		t.Fatal("credential signal should classify as credential")
	}
}

func TestCommandPublishHelperCrash(t *testing.T) {
	p, err := NewCommand(CommandConfig{
		Command: shCommand(t, `echo "boom" >&2; exit 1`),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Publish(context.Background(), testPublisherAccount(), Payload{}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestCommandPublishTimeout(t *testing.T) {
	p, err := NewCommand(CommandConfig{
		Command: shCommand(t, `sleep 5`),
		Timeout: 50 * time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := p.Publish(context.Background(), testPublisherAccount(), Payload{}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestCommandPublishTimeoutKillsHelperChildren(t *testing.T) {
	// The background child inherits stdout; only a group kill unblocks Run.
	p, err := NewCommand(CommandConfig{
		Command: shCommand(t, `sleep 5 & sleep 5`),
		Timeout: 50 * time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := p.Publish(context.Background(), testPublisherAccount(), Payload{}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("helper children outlived the timeout")
	}
}

func TestCommandPublishForwardsRequest(t *testing.T) {
	// The helper echoes the request title back as the upload id.
	p, err := NewCommand(CommandConfig{
		Command: shCommand(t, `printf '{"ok":true,"upload_id":"%s"}' "$(cat | grep -o '"title":"[^"]*"' | cut -d'"' -f4)"`),
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Publish(context.Background(), testPublisherAccount(), Payload{Title: "clip-7"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.UploadID != "clip-7" {
		t.Fatalf("upload id = %q", res.UploadID)
	}
}
