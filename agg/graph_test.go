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
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskgraph/store"
)

// makeRoot raises a task to root aggregation number and drains.
func makeRoot(g *Graph, id store.TaskId) {
	q := g.NewQueue()
	g.UpdateAggregationNumber(q, id, store.RootNumber, 0)
	q.Run()
}

// connect attaches child under parent and drains.
func connect(g *Graph, parent, child store.TaskId) {
	q := g.NewQueue()
	g.ConnectChild(q, parent, child)
	q.Run()
}

func taskSnapshot(s *store.Store, id store.TaskId, fn func(*store.Task)) {
	guard := s.Access(id, store.CategoryMeta)
	fn(guard.Task)
	guard.Release()
}

func TestConnectChild_LeafParentRaisesChildNumber(t *testing.T) {
	g, s, _ := newTestGraph()

	connect(g, 1, 2)

	taskSnapshot(s, 1, func(p *store.Task) {
		assert.Contains(t, p.Children, store.TaskId(2))
	})
	taskSnapshot(s, 2, func(c *store.Task) {
		// Descendant numbers stay strictly above the leaf parent's.
		assert.Equal(t, uint32(1), c.Agg.Effective)
		assert.Empty(t, c.Uppers)
	})
}

func TestConnectChild_AggregatingParentTakesInnerEdge(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)

	connect(g, 1, 2)

	taskSnapshot(s, 2, func(c *store.Task) {
		assert.Equal(t, int32(1), c.Uppers[store.TaskId(1)])
	})
}

func TestConnectChild_Idempotent(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)

	connect(g, 1, 2)
	connect(g, 1, 2)

	taskSnapshot(s, 2, func(c *store.Task) {
		assert.Equal(t, int32(1), c.Uppers[store.TaskId(1)])
	})
}

func TestConnectChild_SelfPanics(t *testing.T) {
	g, _, _ := newTestGraph()
	q := g.NewQueue()
	assert.Panics(t, func() { g.ConnectChild(q, 1, 1) })
}

func TestMakeDirty_PropagatesToRoot(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)

	q := g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	taskSnapshot(s, 1, func(root *store.Task) {
		assert.Equal(t, int32(1), root.DirtyContainerCount)
		assert.Equal(t, store.DirtyContribution{Dirty: 1}, root.DirtyContainers[store.TaskId(2)])
		assert.True(t, root.IsDirtyContainer())
	})
}

func TestMakeDirty_AlreadyDirtyIsSilent(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)

	for i := 0; i < 3; i++ {
		q := g.NewQueue()
		g.MakeDirty(q, 2)
		q.Run()
	}

	taskSnapshot(s, 1, func(root *store.Task) {
		assert.Equal(t, store.DirtyContribution{Dirty: 1}, root.DirtyContainers[store.TaskId(2)])
	})
}

func TestMakeDirty_SkipsImmutableAndCanceled(t *testing.T) {
	g, s, _ := newTestGraph()

	taskSnapshot(s, 1, func(task *store.Task) { task.Immutable = true })
	taskSnapshot(s, 2, func(task *store.Task) { task.State = store.ExecCanceled })

	q := g.NewQueue()
	g.MakeDirty(q, 1)
	g.MakeDirty(q, 2)
	q.Run()

	taskSnapshot(s, 1, func(task *store.Task) { assert.False(t, task.SelfDirty) })
	taskSnapshot(s, 2, func(task *store.Task) { assert.False(t, task.SelfDirty) })
}

func TestMakeDirty_MarksInProgressStale(t *testing.T) {
	g, s, _ := newTestGraph()
	taskSnapshot(s, 1, func(task *store.Task) {
		task.State = store.ExecInProgress
		task.InProgress = &store.InProgressState{}
		task.SelfDirty = true
	})

	q := g.NewQueue()
	g.MakeDirty(q, 1)
	q.Run()

	taskSnapshot(s, 1, func(task *store.Task) {
		assert.True(t, task.InProgress.Stale)
	})
}

func TestMakeDirty_SchedulesActiveTask(t *testing.T) {
	g, s, exec := newTestGraph()
	taskSnapshot(s, 1, func(task *store.Task) {
		task.EnsureActiveness().ActiveCounter = 1
	})

	q := g.NewQueue()
	g.MakeDirty(q, 1)
	q.Run()

	require.Len(t, exec.scheduled, 1)
	assert.Equal(t, scheduledCall{id: 1, reason: ReasonInvalidated, priority: PriorityNormal}, exec.scheduled[0])
	taskSnapshot(s, 1, func(task *store.Task) {
		assert.Equal(t, store.ExecScheduled, task.State)
	})
}

func TestMakeClean_UndoesPropagation(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)

	q := g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	q = g.NewQueue()
	g.MakeClean(q, 2)
	q.Run()

	taskSnapshot(s, 1, func(root *store.Task) {
		assert.Equal(t, int32(0), root.DirtyContainerCount)
		assert.Empty(t, root.DirtyContainers)
		assert.False(t, root.IsDirtyContainer())
	})
	taskSnapshot(s, 2, func(task *store.Task) {
		assert.False(t, task.SelfDirty)
	})
}

func TestMakeSessionClean_KeepsDirtyFlag(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)

	q := g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	q = g.NewQueue()
	g.MakeSessionClean(q, 2)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.True(t, task.SelfDirty)
		assert.True(t, task.SelfSessionClean)
		assert.False(t, task.IsDirtyContainer())
	})
	taskSnapshot(s, 1, func(root *store.Task) {
		// Contribution is suppressed, not removed.
		assert.Equal(t, int32(0), root.DirtyContainerCount)
		assert.Equal(t, store.DirtyContribution{Dirty: 1, SessionClean: 1}, root.DirtyContainers[store.TaskId(2)])
	})
}

func TestEmitCollectible_PropagatesAndRetracts(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)

	c := testCollectible(2)
	q := g.NewQueue()
	g.EmitCollectible(q, 2, c, 2)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Equal(t, int32(2), task.Collectibles[c])
	})
	taskSnapshot(s, 1, func(root *store.Task) {
		assert.Equal(t, int32(2), root.AggCollectibles[c])
	})

	q = g.NewQueue()
	g.EmitCollectible(q, 2, c, -2)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		assert.NotContains(t, task.Collectibles, c)
	})
	taskSnapshot(s, 1, func(root *store.Task) {
		assert.NotContains(t, root.AggCollectibles, c)
	})
}

func TestRemoveChild_TearsDownInnerEdgeAndData(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)

	q := g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	q = g.NewQueue()
	g.RemoveChild(q, 1, 2)
	q.Run()

	taskSnapshot(s, 1, func(root *store.Task) {
		assert.NotContains(t, root.Children, store.TaskId(2))
		assert.Empty(t, root.DirtyContainers)
		assert.Equal(t, int32(0), root.DirtyContainerCount)
	})
	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Empty(t, task.Uppers)
		// The task itself stays dirty; only the aggregation is gone.
		assert.True(t, task.SelfDirty)
	})
}

func TestRemoveChild_UnknownChildIsNoop(t *testing.T) {
	g, s, _ := newTestGraph()

	q := g.NewQueue()
	g.RemoveChild(q, 1, 2)
	q.Run()

	taskSnapshot(s, 1, func(task *store.Task) {
		assert.Empty(t, task.Children)
	})
}

func TestAddFollower_MergesFollowerData(t *testing.T) {
	g, s, _ := newTestGraph()

	// Follower outranks the upper, so the edge stays a follower edge.
	q := g.NewQueue()
	g.UpdateAggregationNumber(q, 1, store.LeafNumber, 0)
	g.UpdateAggregationNumber(q, 2, store.LeafNumber+4, 0)
	q.Run()

	q = g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	q = g.NewQueue()
	g.AddFollower(q, 1, 2)
	q.Run()

	taskSnapshot(s, 1, func(upper *store.Task) {
		assert.Equal(t, int32(1), upper.Followers[store.TaskId(2)])
		assert.Equal(t, int32(1), upper.DirtyContainerCount)
		assert.Equal(t, store.DirtyContribution{Dirty: 1}, upper.DirtyContainers[store.TaskId(2)])
	})
	taskSnapshot(s, 2, func(follower *store.Task) {
		assert.Equal(t, int32(1), follower.FollowedBy[store.TaskId(1)])
		assert.Empty(t, follower.Uppers)
	})
}

func TestAddFollower_AbsorbedIntoInnerEdge(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)

	q := g.NewQueue()
	g.AddFollower(q, 1, 2)
	q.Run()

	taskSnapshot(s, 2, func(task *store.Task) {
		// A pair is never both inner and follower.
		assert.Equal(t, int32(2), task.Uppers[store.TaskId(1)])
		assert.Empty(t, task.FollowedBy)
	})
	taskSnapshot(s, 1, func(upper *store.Task) {
		assert.Empty(t, upper.Followers)
	})
}

func TestFollowerDataChange_ReachesUpperThroughFollowedBy(t *testing.T) {
	g, s, _ := newTestGraph()

	q := g.NewQueue()
	g.UpdateAggregationNumber(q, 1, store.LeafNumber, 0)
	g.UpdateAggregationNumber(q, 2, store.LeafNumber+4, 0)
	q.Run()

	q = g.NewQueue()
	g.AddFollower(q, 1, 2)
	q.Run()

	// Dirtying the follower after the edge exists must still reach the
	// upper: follower edges carry aggregated data.
	q = g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	taskSnapshot(s, 1, func(upper *store.Task) {
		assert.Equal(t, int32(1), upper.DirtyContainerCount)
	})

	q = g.NewQueue()
	g.MakeClean(q, 2)
	q.Run()

	taskSnapshot(s, 1, func(upper *store.Task) {
		assert.Equal(t, int32(0), upper.DirtyContainerCount)
	})
}

func TestConnectChild_ActiveParentActivatesChild(t *testing.T) {
	g, s, exec := newTestGraph()
	makeRoot(g, 1)
	taskSnapshot(s, 1, func(root *store.Task) {
		root.EnsureActiveness().ActiveUntilClean = true
	})

	connect(g, 1, 2)

	taskSnapshot(s, 2, func(child *store.Task) {
		require.NotNil(t, child.Activeness)
		assert.Positive(t, child.Activeness.ActiveCounter)
	})
	// The child never executed, so find-and-schedule picks it up.
	assert.Contains(t, exec.scheduledIds(), store.TaskId(2))
}

func TestRemoveChild_ActiveParentDeactivatesChild(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	taskSnapshot(s, 1, func(root *store.Task) {
		root.EnsureActiveness().ActiveUntilClean = true
	})
	connect(g, 1, 2)

	q := g.NewQueue()
	g.RemoveChild(q, 1, 2)
	q.Run()

	taskSnapshot(s, 2, func(child *store.Task) {
		// Active-until-clean persists until the child runs clean; only
		// the reference count from the parent is withdrawn.
		assert.Equal(t, int32(0), child.Activeness.ActiveCounter)
	})
}

func TestRemoveChild_DeactivatedParentStillWithdrawsCount(t *testing.T) {
	g, s, _ := newTestGraph()
	makeRoot(g, 1)
	taskSnapshot(s, 1, func(root *store.Task) {
		root.EnsureActiveness().ActiveUntilClean = true
	})
	connect(g, 1, 2)

	taskSnapshot(s, 2, func(child *store.Task) {
		assert.Positive(t, child.Activeness.ActiveCounter)
	})

	// The parent runs clean and deactivates while the edge still
	// exists.
	taskSnapshot(s, 1, func(root *store.Task) {
		root.Activeness.ActiveUntilClean = false
		root.DropActivenessIfEmpty()
	})

	q := g.NewQueue()
	g.RemoveChild(q, 1, 2)
	q.Run()

	taskSnapshot(s, 2, func(child *store.Task) {
		// The references recorded at connect time are withdrawn even
		// though the parent is no longer active.
		assert.Equal(t, int32(0), child.Activeness.ActiveCounter)
	})
}

func TestFindAndScheduleDirty_WalksDirtyContainers(t *testing.T) {
	g, s, exec := newTestGraph()
	makeRoot(g, 1)
	connect(g, 1, 2)
	connect(g, 1, 3)

	// Give every task an output so only dirtiness drives scheduling.
	for _, id := range []store.TaskId{1, 2, 3} {
		taskSnapshot(s, id, func(task *store.Task) {
			task.Output = &store.Output{Value: "v"}
			task.State = store.ExecDone
		})
	}

	q := g.NewQueue()
	g.MakeDirty(q, 2)
	q.Run()

	exec.scheduled = nil
	q = g.NewQueue()
	g.FindAndScheduleDirty(q, 1)
	q.Run()

	// Only the dirty chain is visited: task 3 is clean and stays idle.
	assert.Contains(t, exec.scheduledIds(), store.TaskId(2))
	assert.NotContains(t, exec.scheduledIds(), store.TaskId(3))
	assert.NotContains(t, exec.scheduledIds(), store.TaskId(1))

	taskSnapshot(s, 1, func(root *store.Task) {
		assert.True(t, root.Activeness.ActiveUntilClean)
	})
	taskSnapshot(s, 2, func(task *store.Task) {
		assert.Equal(t, store.ExecScheduled, task.State)
		assert.True(t, task.Activeness.ActiveUntilClean)
	})
}

func TestFindAndScheduleDirty_RootPriority(t *testing.T) {
	g, _, exec := newTestGraph()
	makeRoot(g, 1)

	q := g.NewQueue()
	g.FindAndScheduleDirty(q, 1)
	q.Run()

	require.NotEmpty(t, exec.scheduled)
	assert.Equal(t, scheduledCall{id: 1, reason: ReasonInitial, priority: PriorityHigh}, exec.scheduled[0])
}

func TestFindAndScheduleDirty_SkipsCanceled(t *testing.T) {
	g, s, exec := newTestGraph()
	taskSnapshot(s, 1, func(task *store.Task) {
		task.State = store.ExecCanceled
	})

	q := g.NewQueue()
	g.FindAndScheduleDirty(q, 1)
	q.Run()

	assert.Empty(t, exec.scheduled)
}
