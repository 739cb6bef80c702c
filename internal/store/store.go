package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Store is the durable record of tasks, accounts and repair audits.
//
// The scheduler and repair orchestrator hold no durable state of their own;
// everything that must survive a restart lives behind this interface. The
// implementation is expected to serialize conflicting writes to the same
// task/account row (single writer per row is sufficient).
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	// ListTasks returns tasks filtered by status ("" means all), newest first.
	ListTasks(ctx context.Context, st Status, limit int) ([]Task, error)
	FetchDueTasks(ctx context.Context, now time.Time) ([]Task, error)
	SetStatus(ctx context.Context, id string, st Status, upd StatusUpdate) error
	// IncrementRetry bumps retry_count, records errMsg, and returns the task
	// to Pending so the next poll picks it up again.
	IncrementRetry(ctx context.Context, id string, errMsg string) error
	// RequeueStale returns tasks stuck in Processing since before olderThan
	// to Pending. Run once at startup; a crash mid-dispatch otherwise leaves
	// them in flight forever.
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)

	// Accounts.
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context, enabledOnly bool) ([]Account, error)
	UpsertAccount(ctx context.Context, a Account) (Account, error)
	SetCredential(ctx context.Context, accountID int64, cred Credential) error

	// Repair audit trail.
	AppendRepairAudit(ctx context.Context, e RepairAudit) error
	RecentRepairAudits(ctx context.Context, since time.Time) ([]RepairAudit, error)

	Stats(ctx context.Context, since time.Time) (Stats, error)

	Close() error
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}
