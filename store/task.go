// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds the mutable per-task state of the aggregation graph
// and exposes guarded, lock-ordered access to it.
//
// Tasks are addressable only by integer id through the central table; edges
// between tasks are id-indexed multiplicity maps, never direct pointers, so
// the graph contains no reference cycles and any task can be dropped by the
// table without chasing object links.
package store

import (
	"math"
)

// TransientTaskBit marks the transient id range. Transient task ids never
// appear in a persisted snapshot.
const TransientTaskBit uint32 = 1 << 31

// TaskId identifies a task. Persistent and transient tasks occupy disjoint
// id ranges distinguished by the top bit.
type TaskId uint32

// IsTransient reports whether the id belongs to the transient range.
func (id TaskId) IsTransient() bool {
	return uint32(id)&TransientTaskBit != 0
}

// Aggregation number thresholds.
const (
	// LeafNumber is the smallest effective aggregation number of an
	// aggregating node. Anything below is a leaf.
	LeafNumber uint32 = 16

	// RootNumber marks a root: an aggregator of its whole reachable
	// subgraph.
	RootNumber uint32 = math.MaxUint32
)

// AggregationNumber ranks a task in the aggregation hierarchy.
//
// Base only ever increases. Effective is Base plus a distance hint and
// decides the task's role: Effective >= LeafNumber makes it aggregating,
// Effective == RootNumber makes it a root.
type AggregationNumber struct {
	Base      uint32
	Distance  uint32
	Effective uint32
}

// IsAggregating reports whether the task summarizes a subtree rather than
// merely forwarding state.
func (a AggregationNumber) IsAggregating() bool {
	return a.Effective >= LeafNumber
}

// IsRoot reports whether the task aggregates its whole reachable subgraph.
func (a AggregationNumber) IsRoot() bool {
	return a.Effective == RootNumber
}

// CellTypeId identifies a cell type within a task.
type CellTypeId uint32

// CellRef addresses one cell of a task: a type and an index within that
// type's slot list.
type CellRef struct {
	Type  CellTypeId
	Index uint32
}

// Collectible is a side-channel value a task can emit. It is identified by
// a trait type and the task cell holding the value, and is counted rather
// than stored by value so that aggregation stays cheap.
type Collectible struct {
	Type CellTypeId
	Cell CellRef
	Task TaskId
}

// ExecState is the lifecycle state of a task's execution.
type ExecState int32

const (
	// ExecNotStarted means the task has never been scheduled.
	ExecNotStarted ExecState = iota

	// ExecScheduled means the task is queued for execution.
	ExecScheduled

	// ExecInProgress means the task is currently executing.
	ExecInProgress

	// ExecDone means the last execution completed and its output is
	// installed.
	ExecDone

	// ExecCanceled is terminal; reads and completions short-circuit.
	ExecCanceled
)

// String returns the state name for logs.
func (s ExecState) String() string {
	switch s {
	case ExecNotStarted:
		return "not-started"
	case ExecScheduled:
		return "scheduled"
	case ExecInProgress:
		return "in-progress"
	case ExecDone:
		return "done"
	case ExecCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Dependency is one tracked dependency edge of a consuming task: either an
// output dependency on Target or a cell dependency on (Target, Cell).
type Dependency struct {
	Target TaskId
	Cell   CellRef
	Output bool
}

// Output is the installed result of a task execution. User computation
// errors are ordinary data here, not core failures.
type Output struct {
	Value any
	Err   error
}

// InProgressState carries the bookkeeping of a currently-executing task:
// the children connected during this execution, the dependency snapshot
// taken at execution start, and the staleness flag set by a concurrent
// invalidation.
type InProgressState struct {
	NewChildren  map[TaskId]struct{}
	OutdatedDeps map[Dependency]struct{}
	Stale        bool
	DoneWaiters  []chan struct{}
	SessionDep   bool
}

// DirtyContribution is one contributor's entry in a task's aggregated
// dirty-container table. A contributor counts as a dirty container iff
// Dirty > 0 and SessionClean <= 0.
type DirtyContribution struct {
	Dirty        int32
	SessionClean int32
}

// ActivenessState keeps a task (and through find-and-schedule, its dirty
// containers) scheduled until clean.
//
// ActiveCounter is reference counted from active uppers. AllClean waiters
// are closed when the task's aggregated dirty state crosses to clean.
type ActivenessState struct {
	ActiveCounter    int32
	ActiveUntilClean bool
	allCleanWaiters  []chan struct{}
}

// IsActive reports whether the task must stay scheduled.
func (a *ActivenessState) IsActive() bool {
	return a != nil && (a.ActiveCounter > 0 || a.ActiveUntilClean)
}

// IsEmpty reports whether the state carries no information and can be
// dropped from the task.
func (a *ActivenessState) IsEmpty() bool {
	return a == nil || (a.ActiveCounter == 0 && !a.ActiveUntilClean && len(a.allCleanWaiters) == 0)
}

// AllCleanEvent returns a channel closed when the task becomes clean.
func (a *ActivenessState) AllCleanEvent() <-chan struct{} {
	ch := make(chan struct{})
	a.allCleanWaiters = append(a.allCleanWaiters, ch)
	return ch
}

// NotifyAllClean closes all registered all-clean waiters.
func (a *ActivenessState) NotifyAllClean() {
	for _, ch := range a.allCleanWaiters {
		close(ch)
	}
	a.allCleanWaiters = nil
}

// Task is the mutable record of one memoized computation node.
//
// Fields are only accessed under the task's guard (see Store.Access). Edge
// maps hold integer multiplicities; an edge exists iff its count is
// non-zero, and upper-side and follower-side bookkeeping is symmetric
// across any completed edge operation.
type Task struct {
	Id TaskId

	// Aggregation role.
	Agg AggregationNumber

	// Uppers counts inner edges: Uppers[u] > 0 means u aggregates this
	// task directly.
	Uppers map[TaskId]int32

	// Followers counts follower edges: Followers[f] > 0 means f is
	// forwarded through this (aggregating) task. FollowedBy is the exact
	// mirror on the follower side, so a follower can notify the tasks
	// holding it when its aggregated contribution changes.
	Followers  map[TaskId]int32
	FollowedBy map[TaskId]int32

	// Children are the direct structural children connected by execution.
	Children map[TaskId]struct{}

	// Dirty state. SelfDirty marks this task's own state invalid;
	// SelfSessionClean suppresses it for the current session.
	SelfDirty        bool
	SelfSessionClean bool

	// DirtyContainers is the aggregated per-contributor breakdown;
	// DirtyContainerCount is the maintained number of contributors that
	// currently count as dirty containers.
	DirtyContainers     map[TaskId]DirtyContribution
	DirtyContainerCount int32

	// Collectibles this task emitted itself (signed counts), and the
	// aggregated view over its subtree.
	Collectibles    map[Collectible]int32
	AggCollectibles map[Collectible]int32

	// Activeness is allocated lazily and dropped when empty. ActiveRefs
	// counts, per target, the active-count references this task pushed
	// downward (to children and inner tasks) while it was active; edge
	// teardown withdraws exactly the recorded references, so a task that
	// deactivates while edges exist cannot strand counts on its children.
	Activeness *ActivenessState
	ActiveRefs map[TaskId]int32

	// Execution.
	State      ExecState
	InProgress *InProgressState
	Output     *Output

	// Cells store per-type value slots; OutputDependents and
	// Dependencies track who reads what when dependency tracking is on.
	Cells            map[CellTypeId][]any
	OutputDependents map[TaskId]struct{}
	CellDependents   map[CellRef]map[TaskId]struct{}
	Dependencies     map[Dependency]struct{}

	// Immutable tasks never re-execute; dirty propagation skips them.
	Immutable bool

	// SessionDependent tasks are re-treated as dirty every new session.
	SessionDependent bool

	// HasInvalidator marks tasks holding an external invalidator, which
	// disqualifies them from immutability.
	HasInvalidator bool
}

// IsDirtyContainer reports whether this task counts as a dirty container
// from its uppers' point of view: self-dirty without a session-clean mark,
// or aggregating at least one dirty contributor.
func (t *Task) IsDirtyContainer() bool {
	if t.Immutable {
		return false
	}
	if t.SelfDirty && !t.SelfSessionClean {
		return true
	}
	return t.DirtyContainerCount > 0
}

// EnsureActiveness returns the task's activeness state, allocating it if
// needed.
func (t *Task) EnsureActiveness() *ActivenessState {
	if t.Activeness == nil {
		t.Activeness = &ActivenessState{}
	}
	return t.Activeness
}

// DropActivenessIfEmpty frees the activeness record once it carries no
// information.
func (t *Task) DropActivenessIfEmpty() {
	if t.Activeness != nil && t.Activeness.IsEmpty() {
		t.Activeness = nil
	}
}

// AddActiveRef records one active-count reference pushed to target.
func (t *Task) AddActiveRef(target TaskId) {
	t.ActiveRefs[target]++
}

// TakeActiveRef withdraws one recorded active-count reference to target,
// reporting whether one was held.
func (t *Task) TakeActiveRef(target TaskId) bool {
	n := t.ActiveRefs[target]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(t.ActiveRefs, target)
	} else {
		t.ActiveRefs[target] = n - 1
	}
	return true
}

func newTask(id TaskId) *Task {
	return &Task{
		Id:               id,
		Uppers:           make(map[TaskId]int32),
		Followers:        make(map[TaskId]int32),
		FollowedBy:       make(map[TaskId]int32),
		Children:         make(map[TaskId]struct{}),
		DirtyContainers:  make(map[TaskId]DirtyContribution),
		ActiveRefs:       make(map[TaskId]int32),
		Collectibles:     make(map[Collectible]int32),
		AggCollectibles:  make(map[Collectible]int32),
		Cells:            make(map[CellTypeId][]any),
		OutputDependents: make(map[TaskId]struct{}),
		CellDependents:   make(map[CellRef]map[TaskId]struct{}),
		Dependencies:     make(map[Dependency]struct{}),
	}
}
