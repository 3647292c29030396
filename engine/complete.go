// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/taskgraph/agg"
	"github.com/AleutianAI/taskgraph/store"
)

// TaskResult is the outcome of one task execution, handed to
// TaskExecutionCompleted by the runtime.
type TaskResult struct {
	// Output is the value (or user error) the execution produced.
	Output store.Output

	// CellCounts gives, per cell type, how many cells this execution
	// wrote. Cells beyond these counts are dropped at cleanup.
	CellCounts map[store.CellTypeId]uint32

	// Collectibles is the full set the execution emitted; completion
	// diffs it against the previous execution's set.
	Collectibles map[store.Collectible]int32

	// SessionDependent marks the result valid only for the current
	// session.
	SessionDependent bool
}

// TaskExecutionCompleted finalizes a finished execution.
//
// # Description
//
// Runs the completion pipeline in four phases: prepare (diff children,
// dependencies and output under the task guard), connect (attach new
// children, detach outdated ones, invalidate output dependents), finish
// (install the output, clear in-progress state, settle dirty flags, diff
// collectibles, promote immutability) and cleanup (truncate stale
// cells). Staleness is re-checked at the start of prepare and finish; a
// stale completion is discarded and the task rescheduled with its
// previous output intact.
//
// # Outputs
//
//	bool - True when the result was discarded and the task rescheduled.
//
// # Thread Safety
//
// Safe for concurrent use. No task guard is held across phases.
func (e *Engine) TaskExecutionCompleted(id store.TaskId, res TaskResult) bool {
	done := e.exec.BeginOperation()
	defer done()

	initMetrics()
	ctx, span := tracer.Start(context.Background(), "TaskExecutionCompleted",
		trace.WithAttributes(attribute.Int64("task", int64(id))))
	defer span.End()

	q := e.graph.NewQueue()

	p, restarted := e.prepareCompletion(id, res)
	if restarted {
		recordCompletion("stale")
		return true
	}
	if p == nil {
		recordCompletion("canceled")
		return false
	}

	// Connect phase. New children first so shared subgraphs stay
	// reachable while outdated edges come down.
	for _, c := range p.newChildren {
		e.graph.ConnectChild(q, id, c)
	}
	for _, c := range p.outdatedChildren {
		e.graph.RemoveChild(q, id, c)
	}
	if len(p.invalidate) > 0 {
		e.invalidateDependents(ctx, q, p.invalidate)
	}

	if e.finishCompletion(q, id, p) {
		q.Run()
		recordCompletion("stale")
		return true
	}

	e.dropOutdatedDependencies(id, p.outdatedDeps)
	if !p.sessionDep {
		e.maybePromoteImmutable(id)
	}
	e.cleanupCells(id, res.CellCounts)

	q.Run()
	recordCompletion("done")
	return false
}

// prepared carries the diffs computed by the prepare phase into the later
// phases.
type prepared struct {
	newChildren      []store.TaskId
	outdatedChildren []store.TaskId
	outdatedDeps     []store.Dependency
	invalidate       []store.TaskId
	collectibleDiff  []agg.CollectibleDelta
	output           store.Output
	sessionDep       bool
}

// prepareCompletion diffs the execution's observations against the task's
// stored state. The new output is only carried in the result here; it is
// installed during finish, after the second staleness check, so a
// completion that goes stale mid-pipeline never exposes it. Returns
// (nil, true) when the task was stale and has been rescheduled,
// (nil, false) when canceled.
func (e *Engine) prepareCompletion(id store.TaskId, res TaskResult) (*prepared, bool) {
	guard := e.store.Access(id, store.CategoryAll)
	t := guard.Task
	if t.State == store.ExecCanceled {
		guard.Release()
		return nil, false
	}
	ip := t.InProgress
	if ip == nil {
		guard.Release()
		panic(fmt.Sprintf("taskgraph: completion for task %d with no execution in progress", id))
	}
	if ip.Stale {
		e.restartLocked(guard)
		return nil, true
	}

	p := &prepared{sessionDep: res.SessionDependent || ip.SessionDep}

	for c := range ip.NewChildren {
		if _, ok := t.Children[c]; !ok {
			p.newChildren = append(p.newChildren, c)
		}
	}
	for c := range t.Children {
		if _, ok := ip.NewChildren[c]; !ok {
			p.outdatedChildren = append(p.outdatedChildren, c)
		}
	}
	for d := range ip.OutdatedDeps {
		p.outdatedDeps = append(p.outdatedDeps, d)
	}

	outputChanged := t.Output == nil || !outputsEqual(*t.Output, res.Output)
	p.output = res.Output
	if outputChanged {
		for dep := range t.OutputDependents {
			p.invalidate = append(p.invalidate, dep)
		}
	}

	// Collectible diff against the previous execution. The delta is
	// emitted during finish so it rides the same queue drain.
	for c, n := range res.Collectibles {
		if d := n - t.Collectibles[c]; d != 0 {
			p.collectibleDiff = append(p.collectibleDiff, agg.CollectibleDelta{Collectible: c, Count: d})
		}
	}
	for c, n := range t.Collectibles {
		if _, ok := res.Collectibles[c]; !ok && n != 0 {
			p.collectibleDiff = append(p.collectibleDiff, agg.CollectibleDelta{Collectible: c, Count: -n})
		}
	}

	guard.Release()
	return p, false
}

// restartLocked discards the current execution's observations and
// reschedules the task. Consumes the guard.
func (e *Engine) restartLocked(guard *store.Guard) {
	t := guard.Task
	ip := t.InProgress
	ip.Stale = false
	ip.NewChildren = make(map[store.TaskId]struct{})
	ip.OutdatedDeps = make(map[store.Dependency]struct{}, len(t.Dependencies))
	if e.exec.ShouldTrackDependencies() {
		for d := range t.Dependencies {
			ip.OutdatedDeps[d] = struct{}{}
		}
	}
	id := t.Id
	priority := agg.PriorityNormal
	if t.Agg.IsRoot() {
		priority = agg.PriorityHigh
	}
	guard.Release()
	e.logger.Debug("completion discarded, task stale", "task", id)
	e.exec.Schedule(id, agg.ReasonStale, priority)
}

// finishCompletion installs the output, transitions the task to done,
// settles its dirty flags and emits the collectible diff. Returns true if
// a concurrent invalidation made the task stale during the connect phase.
// Does not run the queue.
func (e *Engine) finishCompletion(q *agg.Queue, id store.TaskId, p *prepared) bool {
	guard := e.store.Access(id, store.CategoryMeta)
	t := guard.Task
	ip := t.InProgress
	if ip == nil || t.State == store.ExecCanceled {
		guard.Release()
		return false
	}
	if ip.Stale {
		e.restartLocked(guard)
		return true
	}

	waiters := ip.DoneWaiters
	t.InProgress = nil
	t.State = store.ExecDone
	out := p.output
	t.Output = &out
	if p.sessionDep {
		t.SessionDependent = true
	}

	guard.Release()

	for _, ch := range waiters {
		close(ch)
	}

	if p.sessionDep {
		e.graph.MakeSessionClean(q, id)
	} else {
		e.graph.MakeClean(q, id)
	}
	for _, cd := range p.collectibleDiff {
		e.graph.EmitCollectible(q, id, cd.Collectible, cd.Count)
	}
	return false
}

// maybePromoteImmutable marks a task immutable when nothing can ever
// invalidate it again: no dependencies left, no invalidator, not session
// dependent. Immutable tasks are skipped by dirty propagation. Must run
// after outdated dependencies were dropped.
func (e *Engine) maybePromoteImmutable(id store.TaskId) {
	if !e.exec.ShouldTrackDependencies() {
		return
	}
	guard := e.store.Access(id, store.CategoryMeta)
	defer guard.Release()
	t := guard.Task
	if t.Immutable || t.HasInvalidator || t.SessionDependent {
		return
	}
	// A cancel or restart racing in since finish leaves the task in a
	// non-done state; it must not be frozen.
	if t.State != store.ExecDone || len(t.Dependencies) > 0 || t.InProgress != nil {
		return
	}
	t.Immutable = true
	e.logger.Debug("task promoted to immutable", "task", id)
}

// dropOutdatedDependencies removes dependencies the last execution did not
// re-read, on both the consumer and the target side.
func (e *Engine) dropOutdatedDependencies(id store.TaskId, deps []store.Dependency) {
	if len(deps) == 0 {
		return
	}
	guard := e.store.Access(id, store.CategoryData)
	for _, d := range deps {
		delete(guard.Task.Dependencies, d)
	}
	guard.Release()

	for _, d := range deps {
		tg := e.store.Access(d.Target, store.CategoryData)
		t := tg.Task
		if d.Output {
			delete(t.OutputDependents, id)
		} else if m := t.CellDependents[d.Cell]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(t.CellDependents, d.Cell)
			}
		}
		tg.Release()
	}
}

// cleanupCells truncates cell slots past what the last execution wrote so
// stale values become collectible.
func (e *Engine) cleanupCells(id store.TaskId, counts map[store.CellTypeId]uint32) {
	guard := e.store.Access(id, store.CategoryData)
	defer guard.Release()
	t := guard.Task
	for ct, cells := range t.Cells {
		keep := int(counts[ct])
		if keep >= len(cells) {
			continue
		}
		if keep == 0 {
			delete(t.Cells, ct)
			continue
		}
		clear(cells[keep:])
		t.Cells[ct] = cells[:keep:keep]
	}
}

// outputsEqual compares two outputs structurally. Unchanged outputs do
// not invalidate dependents.
func outputsEqual(a, b store.Output) bool {
	if (a.Err == nil) != (b.Err == nil) {
		return false
	}
	if a.Err != nil && a.Err.Error() != b.Err.Error() {
		return false
	}
	return reflect.DeepEqual(a.Value, b.Value)
}
