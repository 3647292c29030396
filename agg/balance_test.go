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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/taskgraph/store"
)

func TestBalanceEdge_FollowerToInnerPreservesData(t *testing.T) {
	g, s, _ := newTestGraph()

	q := g.NewQueue()
	g.UpdateAggregationNumber(q, 1, store.LeafNumber, 0)
	g.UpdateAggregationNumber(q, 2, store.LeafNumber+4, 0)
	q.Run()

	// Three references plus a dirty contribution riding the edge.
	q = g.NewQueue()
	g.MakeDirty(q, 2)
	g.AddFollower(q, 1, 2)
	g.AddFollower(q, 1, 2)
	g.AddFollower(q, 1, 2)
	q.Run()

	// Raising the upper above the follower flips the edge role. The
	// aggregating->aggregating transition requeues the balance check
	// itself.
	q = g.NewQueue()
	g.UpdateAggregationNumber(q, 1, store.LeafNumber+10, 0)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Equal(t, int32(3), task.Uppers[store.TaskId(1)])
		assert.Empty(t, task.FollowedBy)
	})
	taskSnapshot(s, 1, func(upper *store.Task) {
		assert.Empty(t, upper.Followers)
		// The multiplicity moved in one step without touching the data.
		assert.Equal(t, int32(1), upper.DirtyContainerCount)
		assert.Equal(t, store.DirtyContribution{Dirty: 1}, upper.DirtyContainers[store.TaskId(2)])
	})
}

func TestBalanceEdge_InnerToFollowerPreservesData(t *testing.T) {
	g, s, _ := newTestGraph()

	q := g.NewQueue()
	g.UpdateAggregationNumber(q, 1, store.LeafNumber+10, 0)
	g.UpdateAggregationNumber(q, 2, store.LeafNumber, 0)
	q.Run()

	q = g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	// Upper outranks the task, so NotifyNewFollower takes the inner path.
	q = g.NewQueue()
	g.NotifyNewFollower(q, 1, 2)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Equal(t, int32(1), task.Uppers[store.TaskId(1)])
	})

	// Raise the task above the upper and re-check the edge.
	q = g.NewQueue()
	g.UpdateAggregationNumber(q, 2, store.LeafNumber+20, 0)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Empty(t, task.Uppers)
		assert.Equal(t, int32(1), task.FollowedBy[store.TaskId(1)])
	})
	taskSnapshot(s, 1, func(upper *store.Task) {
		assert.Equal(t, int32(1), upper.Followers[store.TaskId(2)])
		assert.Equal(t, int32(1), upper.DirtyContainerCount)
	})
}

func TestBalanceEdge_EqualNumbersForceAsymmetry(t *testing.T) {
	g, s, _ := newTestGraph()

	q := g.NewQueue()
	g.UpdateAggregationNumber(q, 1, store.LeafNumber, 0)
	g.UpdateAggregationNumber(q, 2, store.LeafNumber, 0)
	q.Run()

	q = g.NewQueue()
	g.AddFollower(q, 1, 2)
	q.Run()

	var upperEff, taskEff uint32
	taskSnapshot(s, 1, func(upper *store.Task) { upperEff = upper.Agg.Effective })
	taskSnapshot(s, 2, func(task *store.Task) { taskEff = task.Agg.Effective })

	// The tie is broken by bumping the task's base.
	assert.NotEqual(t, upperEff, taskEff)
	assert.Greater(t, taskEff, upperEff)

	// Exactly one edge kind connects the pair afterwards.
	taskSnapshot(s, 2, func(task *store.Task) {
		inner := task.Uppers[store.TaskId(1)]
		follower := task.FollowedBy[store.TaskId(1)]
		assert.True(t, (inner > 0) != (follower > 0),
			"edge must be exactly one of inner or follower")
	})
}

func TestBalanceEdge_NoEdgeIsNoop(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)

	q := g.NewQueue()
	g.BalanceEdge(q, 1, 2)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Empty(t, task.Uppers)
		assert.Empty(t, task.FollowedBy)
	})
}

func TestBalanceEdge_RootAlwaysTakesInner(t *testing.T) {
	g, s, _ := newTestGraph()

	q := g.NewQueue()
	g.UpdateAggregationNumber(q, 2, store.LeafNumber+4, 0)
	q.Run()

	// Build a follower edge directly, then make the upper a root and
	// re-check the edge.
	taskSnapshot(s, 1, func(upper *store.Task) { upper.Followers[2] = 1 })
	taskSnapshot(s, 2, func(task *store.Task) { task.FollowedBy[1] = 1 })
	makeRoot(g, 1)

	q = g.NewQueue()
	g.BalanceEdge(q, 1, 2)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Equal(t, int32(1), task.Uppers[store.TaskId(1)])
		assert.Empty(t, task.FollowedBy)
	})
}
