// Package job persists async plan-generation jobs and owns their lifecycle.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// AsyncJob is one plan-generation request.
type AsyncJob struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Payload   json.RawMessage `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Metadata  Metadata        `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (j *AsyncJob) Clone() *AsyncJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	c.Metadata = j.Metadata.clone()
	return &c
}

// Store is the job persistence boundary. Update is an unconditional
// last-write-wins write of the whole row keyed by id.
type Store interface {
	Create(ctx context.Context, j *AsyncJob) error
	Get(ctx context.Context, id string) (*AsyncJob, error)
	Update(ctx context.Context, j *AsyncJob) error
	FindActiveBySignature(ctx context.Context, userID, signature string) (*AsyncJob, error)
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
