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

// maxFollowersAndUppers bounds a task's upper-count x follower-count
// product (together with its effective aggregation number). The value
// trades aggregation-tree depth against propagation fan-out; it is a
// tunable, not a correctness requirement.
const maxFollowersAndUppers = 31

// OptimizeTask checks the fan-out invariant for a task and requeues an
// aggregation-number raise when it is violated.
func (g *Graph) OptimizeTask(q *Queue, id store.TaskId) {
	q.PushOptimize(id)
}

// optimizeTask enforces uppers x followers <= max(31, effective).
//
// On violation the task gets a number strictly above every neighboring
// non-root node, bounding future propagation fan-out at the cost of
// aggregating a bigger subgraph.
func (g *Graph) optimizeTask(q *Queue, id store.TaskId) {
	guard := g.store.Access(id, store.CategoryMeta)
	t := guard.Task

	upperCount := len(t.Uppers) + len(t.FollowedBy)
	followerCount := len(t.Followers)
	if !t.Agg.IsAggregating() {
		// A leaf's children are all forwarded; they weigh like followers.
		followerCount = len(t.Children)
	}

	limit := uint64(maxFollowersAndUppers)
	if eff := uint64(t.Agg.Effective); eff > limit {
		limit = eff
	}
	if uint64(upperCount)*uint64(followerCount) <= limit {
		guard.Release()
		return
	}

	neighbors := make([]store.TaskId, 0, upperCount+followerCount)
	neighbors = append(neighbors, guard.UpperIds()...)
	neighbors = append(neighbors, keysOf(t.FollowedBy)...)
	neighbors = append(neighbors, guard.FollowerIds()...)
	guard.Release()

	// Pick a number strictly above all non-root neighbors.
	highest := uint32(0)
	g.store.ForEach(neighbors, store.CategoryMeta, func(ng *store.Guard) {
		if a := ng.Task.Agg; !a.IsRoot() && a.Effective > highest {
			highest = a.Effective
		}
	})

	recordOptimize()
	q.PushNumberUpdate(id, saturatingAdd(highest, 1), 0)
}
