package engine

import (
	"fmt"
)

// WorkerStatus is the state of a worker's seek loop.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates no seek has started yet.
	WorkerStatusIdle WorkerStatus = "idle"

	// WorkerStatusPlanning indicates the planner is searching for a plan.
	WorkerStatusPlanning WorkerStatus = "planning"

	// WorkerStatusExecutingWave indicates a wave of nodes is running.
	WorkerStatusExecutingWave WorkerStatus = "executing_wave"

	// WorkerStatusReplanning indicates execution diverged from the prediction
	// and the current plan was discarded.
	WorkerStatusReplanning WorkerStatus = "replanning"

	// WorkerStatusConverged indicates the state satisfies the target.
	WorkerStatusConverged WorkerStatus = "converged"

	// WorkerStatusFailed indicates the seek stopped on an error.
	WorkerStatusFailed WorkerStatus = "failed"

	// WorkerStatusCancelled indicates the caller cancelled the seek.
	WorkerStatusCancelled WorkerStatus = "cancelled"
)

// IsTerminal returns true if the status ends a seek.
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerStatusConverged || s == WorkerStatusFailed || s == WorkerStatusCancelled
}

// IsActive returns true if a seek is in progress.
func (s WorkerStatus) IsActive() bool {
	return s == WorkerStatusPlanning || s == WorkerStatusExecutingWave || s == WorkerStatusReplanning
}

// Validate checks if the worker status is valid.
func (s WorkerStatus) Validate() error {
	switch s {
	case WorkerStatusIdle, WorkerStatusPlanning, WorkerStatusExecutingWave,
		WorkerStatusReplanning, WorkerStatusConverged, WorkerStatusFailed,
		WorkerStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid worker status: %s", s)
	}
}

// NodeStatus is the execution status of a single plan node.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not started.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates the node handler is running.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusSucceeded indicates the handler returned a patch.
	NodeStatusSucceeded NodeStatus = "succeeded"

	// NodeStatusFailed indicates the handler or its inputs failed.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusAborted indicates the node was never started because another
	// node of its wave failed first.
	NodeStatusAborted NodeStatus = "aborted"
)

// IsTerminal returns true if the node will not change status again.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed || s == NodeStatusAborted
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusSucceeded,
		NodeStatusFailed, NodeStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}
