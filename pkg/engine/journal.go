package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Run is the journal record of one seek.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Status is the worker status the seek ended in, or the current one
	// while it runs.
	Status WorkerStatus `json:"status"`

	// Target is the target document.
	Target json.RawMessage `json:"target"`

	// Exact is true if the target had to be matched exactly.
	Exact bool `json:"exact"`

	// Initial is the state when the seek started.
	Initial json.RawMessage `json:"initial"`

	// Final is the state when the seek ended.
	Final json.RawMessage `json:"final,omitempty"`

	// Replans is the number of plans discarded during the seek.
	Replans int `json:"replans"`

	// Error is the error the seek failed with, if any.
	Error *Error `json:"error,omitempty"`

	// StartedAt is when the seek started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the seek ended.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PlanRecord is the journal record of one plan found during a seek.
type PlanRecord struct {
	// RunID is the seek the plan belongs to.
	RunID string `json:"run_id"`

	// PlanID is the plan identifier.
	PlanID string `json:"plan_id"`

	// Attempt counts planning passes in the run, starting at 0.
	Attempt int `json:"attempt"`

	// Nodes is the number of nodes in the plan.
	Nodes int `json:"nodes"`

	// Summary is the serialized plan.
	Summary json.RawMessage `json:"summary"`

	// CreatedAt is when the plan was found.
	CreatedAt time.Time `json:"created_at"`
}

// NodeRecord is the outcome of one node of a wave.
type NodeRecord struct {
	ID       string          `json:"id"`
	Task     string          `json:"task"`
	Path     string          `json:"path"`
	Status   NodeStatus      `json:"status"`
	Patch    json.RawMessage `json:"patch,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// WaveRecord is the journal record of one executed wave.
type WaveRecord struct {
	// RunID is the seek the wave belongs to.
	RunID string `json:"run_id"`

	// PlanID is the plan the wave belongs to.
	PlanID string `json:"plan_id"`

	// Index is the wave position in its plan, starting at 0.
	Index int `json:"index"`

	// Nodes holds the outcome of every node of the wave.
	Nodes []NodeRecord `json:"nodes"`

	// Version is the state version after the wave was committed.
	Version uint64 `json:"version"`

	// Diverged is true if the committed changes differed from the plan.
	Diverged bool `json:"diverged"`

	// StartedAt is when the wave started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the wave was committed.
	CompletedAt time.Time `json:"completed_at"`
}

// Journal records the progress of seeks. Implementations must be safe for
// use by one seek at a time.
type Journal interface {
	// CreateRun records the start of a seek.
	CreateRun(ctx context.Context, run *Run) error

	// RecordPlan records a plan found during a seek.
	RecordPlan(ctx context.Context, plan *PlanRecord) error

	// RecordWave records an executed wave.
	RecordWave(ctx context.Context, wave *WaveRecord) error

	// FinishRun records the end of a seek.
	FinishRun(ctx context.Context, run *Run) error
}
