package repair

import (
	"context"
	"errors"
	"fmt"

	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
)

// ErrSessionUnavailable is returned by a SessionFactory when the browser
// environment cannot be brought up at all (binary missing, display broken).
var ErrSessionUnavailable = errors.New("repair: session unavailable")

// AuthFlowError reports a login flow that ran but did not produce a usable
// credential, for example a revoked account or a consent screen change.
type AuthFlowError struct {
	Reason string
}

func (e *AuthFlowError) Error() string {
	return fmt.Sprintf("repair: auth flow failed: %s", e.Reason)
}

// Session is one acquired browser-automation session driving an interactive
// re-authorization for a single account.
type Session interface {
	// RunLoginFlow drives the provider login pages to completion and returns
	// the refreshed credential. It respects ctx for cancellation.
	RunLoginFlow(ctx context.Context) (store.Credential, error)

	// Release tears the session down. It must be idempotent and must never
	// panic; orchestrator cleanup calls it unconditionally.
	Release() error
}

// SessionFactory acquires sessions. Implementations wrap whatever automation
// stack performs the actual login; the orchestrator only sees this surface.
type SessionFactory interface {
	Acquire(ctx context.Context, account store.Account) (Session, error)
}
