package store

import (
	"encoding/json"
	"time"
)

// Status is the task lifecycle state.
//
//	Pending ──► Processing ──► Completed
//	   ▲            │
//	   └────────────┼────────► Failed
//	    (retry / repair wait)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Credential is a delegated-access token pair for one account.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past its expiry at now.
// A zero expiry means "unknown" and is treated as not expired; the platform
// rejects it if it is, and classification handles the rest.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Account is an identity with delegated access to the external platform.
type Account struct {
	ID         int64
	Name       string
	Enabled    bool
	Credential Credential
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Task is one scheduled publish job against one account.
type Task struct {
	ID        string
	AccountID int64

	FilePath    string
	CoverPath   string
	Title       string
	Description string
	Tags        string
	Extra       json.RawMessage // free-form publish metadata

	ScheduledAt  time.Time
	Status       Status
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	UploadID     string // platform-assigned id on success

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusUpdate carries the optional columns written together with a status
// transition. Empty fields are left untouched.
type StatusUpdate struct {
	ErrorMessage string
	UploadID     string
}

// RepairAudit is the persisted trace of one credential repair attempt.
type RepairAudit struct {
	ID          int64
	AccountID   int64
	StartedAt   time.Time
	CompletedAt time.Time
	Outcome     string // "success" | "failed"
	Error       string
}

// Stats is an aggregate view used by the daily report.
type Stats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int

	RepairsSince   int // repair attempts within the stats window
	RepairFailures int
}
