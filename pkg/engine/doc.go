// Package engine provides the types shared by every gustav package.
//
// # Overview
//
// gustav drives a JSON state document towards a target. A seek runs in
// phases:
//
//  1. Compare - List the mismatches between the state and the target (state)
//  2. Plan - Pick the tasks that remove them and order them in a DAG (planner)
//  3. Admit - Offer the plan to the configured policies (policy)
//  4. Execute - Run the DAG in waves and commit each wave (worker)
//  5. Replan - Plan again from the committed state when it diverged from the
//     prediction, until the target is satisfied
//
// # Errors
//
// Every package returns *Error. The class tells which phase failed:
//
//   - ErrorClassInput: a handler input could not be extracted
//   - ErrorClassPlanning: no plan reaches the target, or it was denied
//   - ErrorClassTask: a handler failed while running
//   - ErrorClassCancelled: the caller cancelled the seek
//   - ErrorClassInvalid: a construction API was misused
//
// Codes refine the class. Match them with errors.Is and a sentinel:
//
//	if errors.Is(err, engine.ErrUnreachable) {
//	    // no task reduces the distance to the target
//	}
//
// # Status
//
// WorkerStatus is the state machine of a worker:
//
//	idle -> planning -> executing_wave -> (replanning -> planning ...) -> converged
//	                                                                  \-> failed | cancelled
//
// NodeStatus is the outcome of one node of a wave.
//
// # Journal
//
// Journal records seeks: one Run per seek, a PlanRecord per plan and a
// WaveRecord per committed wave. The stores package implements it on
// SQLite.
package engine
