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

// processBatchSize bounds how many same-kind units one Process call may
// handle, so draining yields to the suspend check periodically.
const processBatchSize = 100

// edgeKey identifies one (upper, task) pair for dedup sets.
type edgeKey struct {
	upper store.TaskId
	task  store.TaskId
}

// job is one generic unit of queue work.
type job interface {
	run(q *Queue)
}

// numberUpdate is a pending aggregation-number raise. Updates for the same
// task merge associatively by taking the maximum.
type numberUpdate struct {
	base     uint32
	distance uint32
}

// Queue drains aggregation work to a fixed point for one top-level
// operation.
//
// # Description
//
// Holds a generic FIFO job list plus dedup sets for aggregation-number
// updates, balance checks, optimize checks, and find-and-schedule visits.
// Process performs exactly one unit of work per call in priority order;
// Run loops Process with a cooperative suspend check before each
// iteration.
//
// # Thread Safety
//
// A Queue is owned by a single goroutine and must not be shared. Parallel
// fan-out gives each worker its own Queue and merges it back (see Merge).
type Queue struct {
	graph *Graph

	jobs []job

	numberUpdates map[store.TaskId]numberUpdate
	numberOrder   []store.TaskId

	balance      map[edgeKey]struct{}
	balanceOrder []edgeKey

	optimize      map[store.TaskId]struct{}
	optimizeOrder []store.TaskId

	findSchedule map[store.TaskId]struct{}
	findOrder    []store.TaskId
}

// NewQueue creates an empty queue bound to a graph.
func NewQueue(g *Graph) *Queue {
	initMetrics()
	return &Queue{
		graph:         g,
		numberUpdates: make(map[store.TaskId]numberUpdate),
		balance:       make(map[edgeKey]struct{}),
		optimize:      make(map[store.TaskId]struct{}),
		findSchedule:  make(map[store.TaskId]struct{}),
	}
}

// IsEmpty reports whether no work is pending.
func (q *Queue) IsEmpty() bool {
	return len(q.jobs) == 0 &&
		len(q.numberOrder) == 0 &&
		len(q.balanceOrder) == 0 &&
		len(q.optimizeOrder) == 0 &&
		len(q.findOrder) == 0
}

// Len returns the number of pending units of work.
func (q *Queue) Len() int {
	return len(q.jobs) + len(q.numberOrder) + len(q.balanceOrder) +
		len(q.optimizeOrder) + len(q.findOrder)
}

// SnapshotSummary implements Operation for the snapshot coordinator.
func (q *Queue) SnapshotSummary() (string, int) {
	return "aggregation-queue", q.Len()
}

func (q *Queue) push(j job) {
	q.jobs = append(q.jobs, j)
}

// PushNumberUpdate requests that a task's aggregation number be raised to
// at least base (+ distance). Merges with a pending update by maximum.
func (q *Queue) PushNumberUpdate(id store.TaskId, base, distance uint32) {
	if cur, ok := q.numberUpdates[id]; ok {
		q.numberUpdates[id] = numberUpdate{base: max(cur.base, base), distance: max(cur.distance, distance)}
		return
	}
	q.numberUpdates[id] = numberUpdate{base: base, distance: distance}
	q.numberOrder = append(q.numberOrder, id)
}

// PushBalance requests a balance-edge check for the (upper, task) pair.
func (q *Queue) PushBalance(upper, task store.TaskId) {
	k := edgeKey{upper: upper, task: task}
	if _, ok := q.balance[k]; ok {
		return
	}
	q.balance[k] = struct{}{}
	q.balanceOrder = append(q.balanceOrder, k)
}

// PushOptimize requests a fan-out check for a task.
func (q *Queue) PushOptimize(id store.TaskId) {
	if _, ok := q.optimize[id]; ok {
		return
	}
	q.optimize[id] = struct{}{}
	q.optimizeOrder = append(q.optimizeOrder, id)
}

// PushFindAndSchedule requests a find-and-schedule-dirty visit of a task.
func (q *Queue) PushFindAndSchedule(id store.TaskId) {
	if _, ok := q.findSchedule[id]; ok {
		return
	}
	q.findSchedule[id] = struct{}{}
	q.findOrder = append(q.findOrder, id)
}

func (q *Queue) pushDataUpdate(uppers []store.TaskId, u DataUpdate) {
	if len(uppers) == 0 || u.IsEmpty() {
		return
	}
	q.push(&dataUpdateJob{uppers: uppers, update: u})
}

// PushDataUpdate enqueues an aggregated-data delta for a set of parents.
// Used by the completion pipeline, which computes deltas under its own
// task guard.
func (q *Queue) PushDataUpdate(parents []store.TaskId, u DataUpdate) {
	q.pushDataUpdate(parents, u)
}

// PushActiveCount enqueues an active-counter adjustment for a set of
// tasks.
func (q *Queue) PushActiveCount(tasks []store.TaskId, delta int32) {
	q.pushActiveCount(tasks, delta)
}

func (q *Queue) pushNewFollower(uppers []store.TaskId, follower store.TaskId) {
	if len(uppers) == 0 {
		return
	}
	q.push(&newFollowerJob{uppers: uppers, follower: follower})
}

func (q *Queue) pushNewFollowers(upper store.TaskId, followers []store.TaskId) {
	if len(followers) == 0 {
		return
	}
	q.push(&newFollowersJob{upper: upper, followers: followers})
}

func (q *Queue) pushLostFollower(uppers []store.TaskId, follower store.TaskId) {
	if len(uppers) == 0 {
		return
	}
	q.push(&lostFollowerJob{uppers: uppers, follower: follower})
}

func (q *Queue) pushLostFollowers(upper store.TaskId, followers []store.TaskId) {
	if len(followers) == 0 {
		return
	}
	q.push(&lostFollowersJob{upper: upper, followers: followers})
}

func (q *Queue) pushActiveCount(tasks []store.TaskId, delta int32) {
	if len(tasks) == 0 || delta == 0 || !q.graph.exec.ShouldTrackActiveness() {
		return
	}
	q.push(&activeCountJob{tasks: tasks, delta: delta})
}

// Merge appends all pending work of another queue. Used to fold a fan-out
// worker's sub-queue back into its parent.
func (q *Queue) Merge(other *Queue) {
	q.jobs = append(q.jobs, other.jobs...)
	for id, u := range other.numberUpdates {
		q.PushNumberUpdate(id, u.base, u.distance)
	}
	for _, k := range other.balanceOrder {
		q.PushBalance(k.upper, k.task)
	}
	for _, id := range other.optimizeOrder {
		q.PushOptimize(id)
	}
	for _, id := range other.findOrder {
		q.PushFindAndSchedule(id)
	}
}

// Process performs exactly one unit of work, checked in priority order:
// one generic job, else up to processBatchSize aggregation-number updates,
// else up to processBatchSize balance checks, else one optimize check,
// else up to processBatchSize find-and-schedule visits.
//
// Outputs:
//
//	bool - True when the queue is empty after this call.
func (q *Queue) Process() bool {
	switch {
	case len(q.jobs) > 0:
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		j.run(q)
		recordJob("generic")

	case len(q.numberOrder) > 0:
		n := min(processBatchSize, len(q.numberOrder))
		for i := 0; i < n; i++ {
			id := q.numberOrder[i]
			u := q.numberUpdates[id]
			delete(q.numberUpdates, id)
			q.graph.updateAggregationNumber(q, id, u.base, u.distance)
		}
		q.numberOrder = q.numberOrder[n:]
		recordJobN("number-update", n)

	case len(q.balanceOrder) > 0:
		n := min(processBatchSize, len(q.balanceOrder))
		for i := 0; i < n; i++ {
			k := q.balanceOrder[i]
			delete(q.balance, k)
			q.graph.balanceEdge(q, k.upper, k.task)
		}
		q.balanceOrder = q.balanceOrder[n:]
		recordJobN("balance", n)

	case len(q.optimizeOrder) > 0:
		id := q.optimizeOrder[0]
		q.optimizeOrder = q.optimizeOrder[1:]
		delete(q.optimize, id)
		q.graph.optimizeTask(q, id)
		recordJob("optimize")

	case len(q.findOrder) > 0:
		n := min(processBatchSize, len(q.findOrder))
		for i := 0; i < n; i++ {
			id := q.findOrder[i]
			delete(q.findSchedule, id)
			q.graph.findAndScheduleDirty(q, id)
		}
		q.findOrder = q.findOrder[n:]
		recordJobN("find-and-schedule", n)
	}

	return q.IsEmpty()
}

// Run drains the queue to a fixed point, calling the cooperative suspend
// check before each unit of work.
func (q *Queue) Run() {
	for !q.IsEmpty() {
		q.graph.exec.OperationSuspendPoint(q)
		q.Process()
	}
}
