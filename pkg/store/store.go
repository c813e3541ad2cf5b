// Package store defines persistence for task runs and their journal events.
// Implementations must provide identical semantics across backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunRecord is one submitted task run. Result holds the task payload once
// the run finished.
type RunRecord struct {
	RunID     string          `json:"run_id"`
	Task      string          `json:"task"`
	Status    string          `json:"status"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventRecord is one journal entry of a run. Seq is assigned per run,
// starting at 1.
type EventRecord struct {
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunStore persists run lifecycle.
type RunStore interface {
	CreateRun(ctx context.Context, r RunRecord) error
	UpdateRun(ctx context.Context, runID, status string, result json.RawMessage, errMsg string) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
}

// EventStore defines operations for run journals.
type EventStore interface {
	// AppendEvent assigns the next sequence. Appending an EventID that
	// already exists returns the stored record.
	AppendEvent(ctx context.Context, e EventRecord) (EventRecord, error)
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]EventRecord, error)
	LastSeq(ctx context.Context, runID string) (int64, error)
}

// Store aggregates run and event stores.
type Store interface {
	RunStore
	EventStore
}
