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

// BalanceEdge re-checks the role of the edge between upper and task and
// converts it when the aggregation numbers call for the other kind.
func (g *Graph) BalanceEdge(q *Queue, upper, task store.TaskId) {
	g.balanceEdge(q, upper, task)
}

// balanceEdge locks the pair and converts between follower and inner.
//
// Conversions move the full multiplicity in one step and leave the task's
// aggregated contribution in place at the upper, since both edge kinds
// carry it; only the forwarding topology changes. Equal aggregation
// numbers cannot be resolved structurally, so the task's base is bumped
// and re-queued, forcing asymmetry on the next pass.
func (g *Graph) balanceEdge(q *Queue, upper, task store.TaskId) {
	if upper == task {
		return
	}
	ug, tg := g.store.AccessPair(upper, task, store.CategoryMeta)
	u, t := ug.Task, tg.Task

	shouldInner := u.Agg.IsRoot() || u.Agg.Effective > t.Agg.Effective
	shouldFollower := t.Agg.Effective > u.Agg.Effective

	switch {
	case shouldInner:
		count := u.Followers[task]
		if count == 0 {
			// Already inner (or no edge at all); nothing to convert.
			ug.Release()
			tg.Release()
			return
		}
		delete(u.Followers, task)
		delete(t.FollowedBy, upper)
		if t.Uppers[upper] != 0 {
			panic("taskgraph: edge recorded as both inner and follower")
		}
		t.Uppers[upper] = count

		followersOfTask := tg.FollowerIds()
		parents := ug.ParentIds()
		upperActive := u.Activeness.IsActive()
		if upperActive {
			u.AddActiveRef(task)
		}
		checkOptimize := isPowerOfTwo(len(t.Uppers))
		ug.Release()
		tg.Release()

		// The task's own followers become visible to the upper, and the
		// upper's parents stop seeing the task as a pass-through
		// follower: it is now represented by the upper itself.
		q.pushNewFollowers(upper, followersOfTask)
		q.pushLostFollower(parents, task)
		if upperActive {
			q.pushActiveCount([]store.TaskId{task}, 1)
		}
		if checkOptimize {
			q.PushOptimize(task)
		}

	case shouldFollower:
		count := t.Uppers[upper]
		if count == 0 {
			ug.Release()
			tg.Release()
			return
		}
		delete(t.Uppers, upper)
		if u.Followers[task] != 0 {
			panic("taskgraph: edge recorded as both inner and follower")
		}
		u.Followers[task] = count
		t.FollowedBy[upper] = t.FollowedBy[upper] + count

		followersOfTask := tg.FollowerIds()
		parents := ug.ParentIds()
		withdraw := u.TakeActiveRef(task)
		checkOptimize := isPowerOfTwo(len(u.Followers))
		ug.Release()
		tg.Release()

		// The task's followers are no longer aggregated into the upper,
		// and the upper's parents regain the task as a pass-through
		// follower.
		q.pushLostFollowers(upper, followersOfTask)
		q.pushNewFollower(parents, task)
		if withdraw {
			q.pushActiveCount([]store.TaskId{task}, -1)
		}
		if checkOptimize {
			q.PushOptimize(upper)
		}

	default:
		// Equal numbers: bump the task's base and re-run the number
		// update, which re-queues balance checks for its edges.
		base := saturatingAdd(t.Agg.Base, 1)
		ug.Release()
		tg.Release()
		recordBalanceConflict()
		q.PushNumberUpdate(task, base, 0)
		q.PushBalance(upper, task)
	}
}
