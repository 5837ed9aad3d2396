package job

import (
	"encoding/json"
	"time"
)

// MetadataVersion is bumped whenever the metadata layout changes shape.
const MetadataVersion = 1

const (
	DefaultEventLimit = 50
	DefaultFaultLimit = 20
)

// Metadata replaces the open key/value bag with named sub-structures.
type Metadata struct {
	Version    int             `json:"version"`
	Signature  string          `json:"signature,omitempty"`
	Events     []Event         `json:"events,omitempty"`
	Faults     []Fault         `json:"faults,omitempty"`
	Checkpoint *Checkpoint     `json:"checkpoint,omitempty"`
	LastState  json.RawMessage `json:"last_state,omitempty"`
}

// Event is one entry of the job's event history.
type Event struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// Fault records a failed step.
type Fault struct {
	At      time.Time `json:"at"`
	Step    string    `json:"step"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Item    *int      `json:"item,omitempty"`
}

// Checkpoint is what a fresh invocation needs to continue a chunked run.
type Checkpoint struct {
	Version          int             `json:"version"`
	State            json.RawMessage `json:"state"`
	RemainingIndexes []int           `json:"remaining_indexes,omitempty"`
	Invocation       int             `json:"invocation"`
	SavedAt          time.Time       `json:"saved_at"`
}

// MetaPatch is shallow-merged into Metadata. Pointer and raw fields replace,
// Events and Faults append and are truncated to the configured limits.
type MetaPatch struct {
	Signature       *string
	Events          []Event
	Faults          []Fault
	Checkpoint      *Checkpoint
	ClearCheckpoint bool
	LastState       json.RawMessage
}

// Merge applies p to m and returns the result. m is not modified.
func (m Metadata) Merge(p MetaPatch, eventLimit, faultLimit int) Metadata {
	out := m.clone()
	if out.Version == 0 {
		out.Version = MetadataVersion
	}
	if p.Signature != nil {
		out.Signature = *p.Signature
	}
	if len(p.Events) > 0 {
		out.Events = AppendBounded(out.Events, eventLimit, p.Events...)
	}
	if len(p.Faults) > 0 {
		out.Faults = AppendBounded(out.Faults, faultLimit, p.Faults...)
	}
	if p.ClearCheckpoint {
		out.Checkpoint = nil
	}
	if p.Checkpoint != nil {
		cp := *p.Checkpoint
		cp.State = cloneRaw(p.Checkpoint.State)
		cp.RemainingIndexes = append([]int(nil), p.Checkpoint.RemainingIndexes...)
		out.Checkpoint = &cp
	}
	if p.LastState != nil {
		out.LastState = cloneRaw(p.LastState)
	}
	return out
}

func (m Metadata) clone() Metadata {
	c := m
	c.Events = append([]Event(nil), m.Events...)
	c.Faults = append([]Fault(nil), m.Faults...)
	if m.Checkpoint != nil {
		cp := *m.Checkpoint
		cp.State = cloneRaw(m.Checkpoint.State)
		cp.RemainingIndexes = append([]int(nil), m.Checkpoint.RemainingIndexes...)
		c.Checkpoint = &cp
	}
	c.LastState = cloneRaw(m.LastState)
	return c
}

// AppendBounded appends items and keeps only the last limit entries.
// A non-positive limit keeps everything.
func AppendBounded[T any](s []T, limit int, items ...T) []T {
	s = append(s, items...)
	if limit > 0 && len(s) > limit {
		s = append([]T(nil), s[len(s)-limit:]...)
	}
	return s
}
