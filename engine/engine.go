// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives task execution lifecycle over the aggregation
// graph: starting executions, tracking reads and children, and the
// four-phase completion pipeline that finalizes a task's result.
package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/taskgraph/agg"
	"github.com/AleutianAI/taskgraph/store"
)

// ErrTaskCanceled short-circuits reads and completions of a canceled
// task. It signals control flow, not a failure.
var ErrTaskCanceled = errors.New("task is canceled")

// ErrOutputMissing is returned when reading a task that has not produced
// output yet.
var ErrOutputMissing = errors.New("task output not available")

// Engine coordinates task execution over a task store.
//
// # Thread Safety
//
// Safe for concurrent use; every method brackets itself as an operation
// with the snapshot coordinator via the execution context and touches
// task state only under store guards.
type Engine struct {
	store  *store.Store
	graph  *agg.Graph
	exec   agg.ExecutionContext
	logger *slog.Logger
}

// New creates an engine over the given store and execution context.
func New(s *store.Store, exec agg.ExecutionContext, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		graph:  agg.NewGraph(s, exec, logger),
		exec:   exec,
		logger: logger,
	}
}

// Graph returns the aggregation graph bound to this engine.
func (e *Engine) Graph() *agg.Graph { return e.graph }

// Store returns the underlying task store.
func (e *Engine) Store() *store.Store { return e.store }

// StartExecution transitions a task into the in-progress state and
// snapshots its dependencies so completion can compute outdated edges.
//
// Outputs:
//
//	bool - False if the task is canceled or already executing.
func (e *Engine) StartExecution(id store.TaskId) bool {
	done := e.exec.BeginOperation()
	defer done()

	guard := e.store.Access(id, store.CategoryAll)
	defer guard.Release()
	t := guard.Task
	if t.State == store.ExecCanceled || t.State == store.ExecInProgress {
		return false
	}

	outdated := make(map[store.Dependency]struct{}, len(t.Dependencies))
	if e.exec.ShouldTrackDependencies() {
		for d := range t.Dependencies {
			outdated[d] = struct{}{}
		}
	}
	t.InProgress = &store.InProgressState{
		NewChildren:  make(map[store.TaskId]struct{}),
		OutdatedDeps: outdated,
	}
	t.State = store.ExecInProgress
	return true
}

// TrackChild records that a child task was referenced during the parent's
// current execution. The edge is attached at completion, not here.
func (e *Engine) TrackChild(parent, child store.TaskId) {
	guard := e.store.Access(parent, store.CategoryMeta)
	defer guard.Release()
	t := guard.Task
	if t.InProgress == nil {
		panic(fmt.Sprintf("taskgraph: task %d tracked child %d outside an execution", parent, child))
	}
	t.InProgress.NewChildren[child] = struct{}{}
}

// ReadOutput reads a task's output, registering an output dependency for
// the consumer when dependency tracking is enabled.
//
// Outputs:
//
//	store.Output - The installed output. User computation errors travel
//	inside it as data.
//	error - ErrTaskCanceled or ErrOutputMissing.
func (e *Engine) ReadOutput(consumer, target store.TaskId) (store.Output, error) {
	guard := e.store.Access(target, store.CategoryData)
	t := guard.Task
	if t.State == store.ExecCanceled {
		guard.Release()
		return store.Output{}, ErrTaskCanceled
	}
	if t.Output == nil {
		guard.Release()
		return store.Output{}, fmt.Errorf("task %d: %w", target, ErrOutputMissing)
	}
	out := *t.Output
	track := e.exec.ShouldTrackDependencies() && consumer != 0
	if track {
		t.OutputDependents[consumer] = struct{}{}
	}
	guard.Release()

	if track {
		e.recordDependency(consumer, store.Dependency{Target: target, Output: true})
	}
	return out, nil
}

// ReadCell reads one cell of a task, registering a cell dependency for
// the consumer when dependency tracking is enabled. A missing index is a
// recoverable error: the caller may hold a stale cell reference.
func (e *Engine) ReadCell(consumer, target store.TaskId, ref store.CellRef) (any, error) {
	guard := e.store.Access(target, store.CategoryData)
	t := guard.Task
	if t.State == store.ExecCanceled {
		guard.Release()
		return nil, ErrTaskCanceled
	}
	value, err := guard.ReadCell(ref)
	track := err == nil && e.exec.ShouldTrackDependencies() && consumer != 0
	if track {
		deps := t.CellDependents[ref]
		if deps == nil {
			deps = make(map[store.TaskId]struct{})
			t.CellDependents[ref] = deps
		}
		deps[consumer] = struct{}{}
	}
	guard.Release()
	if err != nil {
		return nil, err
	}

	if track {
		e.recordDependency(consumer, store.Dependency{Target: target, Cell: ref})
	}
	return value, nil
}

// recordDependency stores a dependency on the consumer side and unmarks
// it as outdated if the consumer is mid-execution.
func (e *Engine) recordDependency(consumer store.TaskId, dep store.Dependency) {
	guard := e.store.Access(consumer, store.CategoryData)
	defer guard.Release()
	t := guard.Task
	t.Dependencies[dep] = struct{}{}
	if t.InProgress != nil {
		delete(t.InProgress.OutdatedDeps, dep)
	}
}

// Cancel moves a task into the terminal canceled state and wakes anyone
// waiting on its completion.
func (e *Engine) Cancel(id store.TaskId) {
	guard := e.store.Access(id, store.CategoryMeta)
	defer guard.Release()
	t := guard.Task
	if t.State == store.ExecCanceled {
		return
	}
	t.State = store.ExecCanceled
	if t.InProgress != nil {
		for _, ch := range t.InProgress.DoneWaiters {
			close(ch)
		}
		t.InProgress = nil
	}
	e.logger.Debug("task canceled", "task", id)
}

// DoneEvent returns a channel closed when the task's current execution
// finishes (or the task is canceled). Returns a closed channel if no
// execution is in flight.
func (e *Engine) DoneEvent(id store.TaskId) <-chan struct{} {
	guard := e.store.Access(id, store.CategoryMeta)
	defer guard.Release()
	t := guard.Task
	if t.InProgress == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	t.InProgress.DoneWaiters = append(t.InProgress.DoneWaiters, ch)
	return ch
}

// InvalidateTask marks a task dirty and drains the resulting aggregation
// work. This is the shared entry point for external invalidators.
func (e *Engine) InvalidateTask(id store.TaskId) {
	done := e.exec.BeginOperation()
	defer done()

	q := e.graph.NewQueue()
	e.graph.MakeDirty(q, id)
	q.Run()
}

// ConnectChild attaches a child outside an execution (e.g. root setup)
// and drains the resulting aggregation work.
func (e *Engine) ConnectChild(parent, child store.TaskId) {
	done := e.exec.BeginOperation()
	defer done()

	q := e.graph.NewQueue()
	e.graph.ConnectChild(q, parent, child)
	q.Run()
}

// FindAndScheduleDirty activates a task's subtree and schedules its dirty
// work, draining the resulting queue.
func (e *Engine) FindAndScheduleDirty(id store.TaskId) {
	done := e.exec.BeginOperation()
	defer done()

	q := e.graph.NewQueue()
	e.graph.FindAndScheduleDirty(q, id)
	q.Run()
}
