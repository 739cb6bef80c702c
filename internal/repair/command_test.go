package repair

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/mykytatishkin/content-fabric-sub000/pkg/logx"
)

func shSession(t *testing.T, script string) *CommandSessionFactory {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh helper not available")
	}
	return NewCommandSessionFactory(CommandSessionConfig{Command: []string{"sh", "-c", script}}, logx.Nop())
}

func TestAcquireWithoutCommandIsUnavailable(t *testing.T) {
	f := NewCommandSessionFactory(CommandSessionConfig{}, logx.Nop())
	if _, err := f.Acquire(context.Background(), testAccount()); !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("err = %v, want ErrSessionUnavailable", err)
	}
}

func TestCommandLoginFlowSuccess(t *testing.T) {
	f := shSession(t, `cat >/dev/null; echo '{"access_token":"new","refresh_token":"r2","expires_at":"2026-09-02T10:00:00Z"}'`)
	sess, err := f.Acquire(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sess.Release()

	cred, err := sess.RunLoginFlow(context.Background())
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if cred.AccessToken != "new" || cred.RefreshToken != "r2" {
		t.Fatalf("cred = %+v", cred)
	}
	want := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	if !cred.ExpiresAt.Equal(want) {
		t.Fatalf("expires = %v, want %v", cred.ExpiresAt, want)
	}
	if err := sess.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestCommandLoginFlowStructuredError(t *testing.T) {
	f := shSession(t, `cat >/dev/null; echo '{"error":"consent screen changed"}'`)
	sess, _ := f.Acquire(context.Background(), testAccount())

	_, err := sess.RunLoginFlow(context.Background())
	var authErr *AuthFlowError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthFlowError", err)
	}
	if authErr.Reason != "consent screen changed" {
		t.Fatalf("reason = %q", authErr.Reason)
	}
}

func TestCommandLoginFlowHelperCrash(t *testing.T) {
	f := shSession(t, `echo "browser died" >&2; exit 1`)
	sess, _ := f.Acquire(context.Background(), testAccount())

	_, err := sess.RunLoginFlow(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *AuthFlowError
	if errors.As(err, &authErr) {
		t.Fatal("a crash is not a structured auth failure")
	}
}

func TestCommandLoginFlowTimeoutKillsHelperTree(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh helper not available")
	}
	// The background child inherits stdout; only a group kill unblocks Run.
	f := NewCommandSessionFactory(CommandSessionConfig{
		Command:      []string{"sh", "-c", `sleep 5 & sleep 5`},
		LoginTimeout: 50 * time.Millisecond,
	}, logx.Nop())
	sess, _ := f.Acquire(context.Background(), testAccount())

	start := time.Now()
	if _, err := sess.RunLoginFlow(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("helper tree outlived the login timeout")
	}
}

func TestCommandLoginFlowEmptyResponse(t *testing.T) {
	f := shSession(t, `cat >/dev/null; echo '{}'`)
	sess, _ := f.Acquire(context.Background(), testAccount())

	_, err := sess.RunLoginFlow(context.Background())
	var authErr *AuthFlowError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthFlowError", err)
	}
}
