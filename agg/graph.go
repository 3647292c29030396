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
	"log/slog"

	"github.com/AleutianAI/taskgraph/store"
)

// Graph binds the aggregation operations to a task store and a runtime
// execution context.
//
// # Description
//
// All operations take the Queue of the calling top-level operation and
// enqueue follow-up work onto it; nothing mutates shared state outside a
// task guard. The Graph itself is stateless apart from its collaborators.
//
// # Thread Safety
//
// Safe for concurrent use; concurrency control lives entirely in the
// store's per-task guards.
type Graph struct {
	store  *store.Store
	exec   ExecutionContext
	logger *slog.Logger
}

// NewGraph creates a Graph over the given store.
//
// Inputs:
//
//	s - The task store. Must not be nil.
//	exec - The runtime execution context. Must not be nil.
//	logger - Logger for aggregation events. If nil, uses slog.Default().
func NewGraph(s *store.Store, exec ExecutionContext, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{store: s, exec: exec, logger: logger}
}

// Store returns the underlying task store.
func (g *Graph) Store() *store.Store { return g.store }

// Exec returns the bound execution context.
func (g *Graph) Exec() ExecutionContext { return g.exec }

// NewQueue creates an operation queue bound to this graph.
func (g *Graph) NewQueue() *Queue { return NewQueue(g) }

// MakeDirty invalidates a task.
//
// # Description
//
// Marks the task's own state dirty. Immutable and canceled tasks are
// untouched. A task currently executing is marked stale so its completion
// will be discarded. If the task's dirty-container status flips, the delta
// is propagated to all aggregation parents; if the task is active it is
// (re)scheduled.
func (g *Graph) MakeDirty(q *Queue, id store.TaskId) {
	guard := g.store.Access(id, store.CategoryMeta)
	t := guard.Task
	if t.Immutable || t.State == store.ExecCanceled {
		guard.Release()
		return
	}
	if t.State == store.ExecInProgress && t.InProgress != nil {
		t.InProgress.Stale = true
	}
	if t.SelfDirty && !t.SelfSessionClean {
		guard.Release()
		return
	}

	was := t.IsDirtyContainer()
	t.SelfDirty = true
	t.SelfSessionClean = false

	schedule := false
	if t.Activeness.IsActive() && (t.State == store.ExecDone || t.State == store.ExecNotStarted) {
		t.State = store.ExecScheduled
		schedule = true
	}
	priority := schedulePriority(t)
	parents := guard.ParentIds()
	now := t.IsDirtyContainer()
	guard.Release()

	if now != was {
		q.pushDataUpdate(parents, DataUpdate{Container: id, DirtyDelta: 1})
	}
	if schedule {
		g.exec.Schedule(id, ReasonInvalidated, priority)
	}
}

// MakeSessionClean marks a dirty task as clean for the current session
// without clearing the underlying dirty flag. Session-dependent tasks use
// this after executing: they are clean now but dirty again next session.
func (g *Graph) MakeSessionClean(q *Queue, id store.TaskId) {
	guard := g.store.Access(id, store.CategoryMeta)
	t := guard.Task
	if !t.SelfDirty || t.SelfSessionClean {
		guard.Release()
		return
	}

	was := t.IsDirtyContainer()
	t.SelfSessionClean = true
	now := t.IsDirtyContainer()
	if !now && t.Activeness != nil {
		t.Activeness.NotifyAllClean()
		t.Activeness.ActiveUntilClean = false
		t.DropActivenessIfEmpty()
	}
	parents := guard.ParentIds()
	guard.Release()

	upd := DataUpdate{Container: id, CleanDelta: 1}
	if now != was {
		upd.DirtyDelta = -1
	}
	q.pushDataUpdate(parents, upd)
}

// makeClean fully clears a task's dirty state after a successful,
// non-session-dependent execution. Must be called while holding the
// task's guard; returns the outward update targets and delta.
func makeCleanLocked(guard *store.Guard) (parents []store.TaskId, upd DataUpdate, changed bool) {
	t := guard.Task
	if !t.SelfDirty {
		return nil, DataUpdate{}, false
	}
	was := t.IsDirtyContainer()
	wasSessionClean := t.SelfSessionClean
	t.SelfDirty = false
	t.SelfSessionClean = false
	now := t.IsDirtyContainer()
	if !now && t.Activeness != nil {
		t.Activeness.NotifyAllClean()
		t.Activeness.ActiveUntilClean = false
		t.DropActivenessIfEmpty()
	}

	upd = DataUpdate{Container: t.Id}
	if wasSessionClean {
		upd.CleanDelta = -1
	}
	if now != was {
		upd.DirtyDelta = -1
	}
	if upd.IsEmpty() {
		return nil, DataUpdate{}, false
	}
	return guard.ParentIds(), upd, true
}

// MakeClean fully clears a task's dirty state after a successful,
// non-session-dependent execution and propagates the downward delta.
func (g *Graph) MakeClean(q *Queue, id store.TaskId) {
	guard := g.store.Access(id, store.CategoryMeta)
	parents, upd, changed := makeCleanLocked(guard)
	guard.Release()
	if changed {
		q.pushDataUpdate(parents, upd)
	}
}

// EmitCollectible records count references to a collectible at the task
// and propagates the delta upward. Negative counts retract.
func (g *Graph) EmitCollectible(q *Queue, id store.TaskId, c store.Collectible, count int32) {
	if count == 0 {
		return
	}
	guard := g.store.Access(id, store.CategoryData)
	t := guard.Task
	n := t.Collectibles[c] + count
	if n == 0 {
		delete(t.Collectibles, c)
	} else {
		t.Collectibles[c] = n
	}
	parents := guard.ParentIds()
	guard.Release()

	q.pushDataUpdate(parents, DataUpdate{
		Container:    id,
		Collectibles: []CollectibleDelta{{Collectible: c, Count: count}},
	})
}

// ConnectChild attaches child as a direct child of parent and wires it
// into the aggregation hierarchy: an aggregating parent takes it as a new
// follower/inner task, a leaf parent raises the child's aggregation number
// above its own and forwards the child to its aggregation parents.
func (g *Graph) ConnectChild(q *Queue, parent, child store.TaskId) {
	if parent == child {
		panic("taskgraph: task cannot be its own child")
	}
	pg, cg := g.store.AccessPair(parent, child, store.CategoryMeta)
	p := pg.Task
	if _, ok := p.Children[child]; ok {
		pg.Release()
		cg.Release()
		return
	}
	p.Children[child] = struct{}{}

	agg := p.Agg
	active := p.Activeness.IsActive()
	if active {
		p.AddActiveRef(child)
	}
	var forwardTo []store.TaskId
	if !agg.IsAggregating() {
		forwardTo = pg.ParentIds()
	}
	pg.Release()
	cg.Release()

	if agg.IsAggregating() {
		q.pushNewFollower([]store.TaskId{parent}, child)
	} else {
		// Keep descendant aggregation numbers strictly increasing.
		q.PushNumberUpdate(child, saturatingAdd(agg.Effective, 1), 0)
		q.pushNewFollower(forwardTo, child)
	}
	if active {
		q.pushActiveCount([]store.TaskId{child}, 1)
		q.PushFindAndSchedule(child)
	}
}

// RemoveChild detaches child from parent, tearing down whichever
// aggregation edge connected the pair.
func (g *Graph) RemoveChild(q *Queue, parent, child store.TaskId) {
	pg, cg := g.store.AccessPair(parent, child, store.CategoryMeta)
	p, c := pg.Task, cg.Task
	if _, ok := p.Children[child]; !ok {
		pg.Release()
		cg.Release()
		return
	}
	delete(p.Children, child)
	// Withdraw the reference recorded at connect time, not the parent's
	// current activeness; the parent may have deactivated since.
	withdraw := p.TakeActiveRef(child)

	switch {
	case c.Uppers[parent] > 0:
		g.removeInnerLocked(q, pg, cg)
	case p.Followers[child] > 0:
		g.removeFollowerLocked(q, pg, cg)
	default:
		// The child was forwarded past this leaf parent.
		parents := pg.ParentIds()
		pg.Release()
		cg.Release()
		q.pushLostFollower(parents, child)
	}

	if withdraw {
		q.pushActiveCount([]store.TaskId{child}, -1)
	}
}

// NotifyNewFollower records that upper gained follower as a new follower
// or inner task, depending on their aggregation numbers. This is the
// single (non-batched) propagation form.
func (g *Graph) NotifyNewFollower(q *Queue, upper, follower store.TaskId) {
	g.innerOfUpperHasNewFollower(q, upper, follower)
}

// AddFollower unconditionally records a follower edge from upper to
// follower, merging the follower's aggregated contribution and forwarding
// the gain to upper's aggregation parents. A balance check is enqueued
// when the pair's numbers call for an inner edge instead.
func (g *Graph) AddFollower(q *Queue, upper, follower store.TaskId) {
	ug, fg := g.store.AccessPair(upper, follower, store.CategoryMeta)
	needBalance := ug.Task.Agg.IsRoot() || ug.Task.Agg.Effective >= fg.Task.Agg.Effective
	g.addFollowerLocked(q, ug, fg)
	if needBalance {
		q.PushBalance(upper, follower)
	}
}

func schedulePriority(t *store.Task) Priority {
	if t.Agg.IsRoot() {
		return PriorityHigh
	}
	return PriorityNormal
}

func saturatingAdd(a, b uint32) uint32 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint32(0)
}

// isPowerOfTwo reports whether n is a power of two; edge-set sizes
// crossing a power of two trigger an optimize check.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
