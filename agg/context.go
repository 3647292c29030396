// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agg

import (
	"github.com/AleutianAI/taskgraph/store"
)

// ScheduleReason explains why a task is being scheduled.
type ScheduleReason int

const (
	// ReasonInitial schedules a task that has never produced output.
	ReasonInitial ScheduleReason = iota

	// ReasonInvalidated schedules a task whose state was made dirty.
	ReasonInvalidated

	// ReasonDirtyContainer schedules a task surfaced by
	// find-and-schedule walking an active subtree.
	ReasonDirtyContainer

	// ReasonStale reschedules a task invalidated while executing.
	ReasonStale
)

// String returns the reason name for logs.
func (r ScheduleReason) String() string {
	switch r {
	case ReasonInitial:
		return "initial"
	case ReasonInvalidated:
		return "invalidated"
	case ReasonDirtyContainer:
		return "dirty-container"
	case ReasonStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Priority orders scheduled tasks in the runtime's queue.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Operation is an in-flight graph mutation that can be cooperatively
// suspended. The snapshot coordinator records suspended operations with
// their summary so crash recovery can replay them.
type Operation interface {
	// SnapshotSummary describes the operation's pending work.
	SnapshotSummary() (kind string, pending int)
}

// ExecutionContext is the runtime collaborator of the aggregation core.
//
// One context is bound per top-level operation. ChildContext hands out
// contexts for parallel fan-out workers; OperationSuspendPoint is the
// cooperative checkpoint called between bounded units of queue work.
type ExecutionContext interface {
	// ShouldTrackActiveness reports whether activeness records are
	// maintained at all.
	ShouldTrackActiveness() bool

	// ShouldTrackDependencies reports whether cell/output dependency
	// edges are recorded on reads.
	ShouldTrackDependencies() bool

	// Schedule requests execution of a task. Already-scheduled tasks are
	// deduplicated by the caller; the runtime may dedup again.
	Schedule(id store.TaskId, reason ScheduleReason, priority Priority)

	// BeginOperation brackets a mutating operation for the snapshot
	// coordinator. The returned func must be called when the operation
	// completes. A no-op when persistence is disabled.
	BeginOperation() (done func())

	// OperationSuspendPoint may park the calling goroutine while a
	// snapshot is in progress. Must never be called while holding a task
	// guard.
	OperationSuspendPoint(op Operation)

	// ChildContext returns a context for a parallel fan-out worker.
	ChildContext() ExecutionContext
}

// NopContext is an ExecutionContext that tracks everything and schedules
// nothing. Useful for tests and offline graph manipulation.
type NopContext struct{}

func (NopContext) ShouldTrackActiveness() bool   { return true }
func (NopContext) ShouldTrackDependencies() bool { return true }
func (NopContext) Schedule(store.TaskId, ScheduleReason, Priority) {
}
func (NopContext) BeginOperation() func()        { return func() {} }
func (NopContext) OperationSuspendPoint(Operation) {
}
func (n NopContext) ChildContext() ExecutionContext { return n }
