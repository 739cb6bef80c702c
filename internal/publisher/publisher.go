package publisher

import (
	"context"
	"encoding/json"

	"github.com/mykytatishkin/content-fabric-sub000/internal/store"
)

// Payload is what the platform upload needs from a task.
type Payload struct {
	FilePath    string          `json:"file_path"`
	CoverPath   string          `json:"cover_path,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Tags        string          `json:"tags,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// Result is the structured outcome of one publish attempt.
//
// The publisher is responsible for translating transport-level errors into
// Signal + Message; the scheduler never inspects raw platform errors.
type Result struct {
	OK       bool
	UploadID string
	Signal   Signal
	Message  string
}

// Publisher performs the platform-specific upload with the account's current
// credential. Implementations live outside this core (the real one wraps the
// platform's resumable-upload API); tests use fakes.
type Publisher interface {
	Publish(ctx context.Context, account store.Account, p Payload) (Result, error)
}

// PayloadFromTask maps a stored task onto the publisher payload.
func PayloadFromTask(t store.Task) Payload {
	return Payload{
		FilePath:    t.FilePath,
		CoverPath:   t.CoverPath,
		Title:       t.Title,
		Description: t.Description,
		Tags:        t.Tags,
		Extra:       t.Extra,
	}
}
