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

// UpdateAggregationNumber raises a task's aggregation number to at least
// base (+ distance). Queued updates for the same task merge by maximum.
func (g *Graph) UpdateAggregationNumber(q *Queue, id store.TaskId, base, distance uint32) {
	q.PushNumberUpdate(id, base, distance)
}

// updateAggregationNumber applies one pending number update.
//
// effective = base + distance (saturating), except that an update which
// would newly cross the aggregating threshold purely through the distance
// hint clamps both base and effective to LeafNumber: crossing into the
// aggregating range is always deliberate.
//
// Role transitions fan out: leaf->aggregating converts all direct
// children to followers in bulk; an aggregating node that moved re-queues
// balance checks for its uppers and followers; a still-leaf node
// re-queues its children with a raised base requirement so descendant
// numbers stay strictly increasing.
func (g *Graph) updateAggregationNumber(q *Queue, id store.TaskId, base, distance uint32) {
	guard := g.store.Access(id, store.CategoryMeta)
	t := guard.Task
	cur := t.Agg

	// Base only increases; the distance hint keeps its maximum.
	newBase := max(cur.Base, base)
	newDistance := max(cur.Distance, distance)
	newEffective := saturatingAdd(newBase, newDistance)

	if newEffective >= store.LeafNumber && cur.Effective < store.LeafNumber && newBase < store.LeafNumber {
		newBase = store.LeafNumber
		newEffective = store.LeafNumber
	}
	if newEffective < cur.Effective {
		newEffective = cur.Effective
	}
	if newBase == cur.Base && newEffective == cur.Effective {
		t.Agg.Distance = newDistance
		guard.Release()
		return
	}

	t.Agg = store.AggregationNumber{Base: newBase, Distance: newDistance, Effective: newEffective}
	wasAggregating := cur.IsAggregating()
	isAggregating := t.Agg.IsAggregating()

	switch {
	case !wasAggregating && isAggregating:
		children := guard.ChildIds()
		uppers := guard.UpperIds()
		followedBy := keysOf(t.FollowedBy)
		guard.Release()
		q.pushNewFollowers(id, children)
		// Existing edges may need their roles re-checked against the
		// task's new aggregating role.
		for _, u := range uppers {
			q.PushBalance(u, id)
		}
		for _, u := range followedBy {
			q.PushBalance(u, id)
		}

	case wasAggregating && isAggregating:
		uppers := guard.UpperIds()
		followedBy := keysOf(t.FollowedBy)
		followers := guard.FollowerIds()
		guard.Release()
		for _, u := range uppers {
			q.PushBalance(u, id)
		}
		for _, u := range followedBy {
			q.PushBalance(u, id)
		}
		for _, f := range followers {
			q.PushBalance(id, f)
		}

	default:
		// Still a leaf: descendants must stay strictly above.
		children := guard.ChildIds()
		guard.Release()
		raised := saturatingAdd(newEffective, 1)
		for _, c := range children {
			q.PushNumberUpdate(c, raised, 0)
		}
	}
}

func keysOf(m map[store.TaskId]int32) []store.TaskId {
	ids := make([]store.TaskId, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}
