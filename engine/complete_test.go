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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskgraph/agg"
	"github.com/AleutianAI/taskgraph/store"
)

func TestTaskExecutionCompleted_Done(t *testing.T) {
	e, s, _ := newTestEngine()
	require.True(t, e.StartExecution(1))
	e.TrackChild(1, 2)
	e.TrackChild(1, 3)

	c := store.Collectible{Type: 7, Cell: store.CellRef{Type: 7}, Task: 1}
	restarted := e.TaskExecutionCompleted(1, TaskResult{
		Output:       store.Output{Value: "result"},
		Collectibles: map[store.Collectible]int32{c: 2},
	})

	assert.False(t, restarted)
	withTask(s, 1, func(task *store.Task) {
		assert.Equal(t, store.ExecDone, task.State)
		assert.Nil(t, task.InProgress)
		require.NotNil(t, task.Output)
		assert.Equal(t, "result", task.Output.Value)
		assert.Contains(t, task.Children, store.TaskId(2))
		assert.Contains(t, task.Children, store.TaskId(3))
		assert.False(t, task.SelfDirty)
		assert.Equal(t, int32(2), task.Collectibles[c])
	})
}

func TestTaskExecutionCompleted_WithoutExecutionPanics(t *testing.T) {
	e, _, _ := newTestEngine()
	assert.Panics(t, func() { e.TaskExecutionCompleted(1, TaskResult{}) })
}

func TestTaskExecutionCompleted_StaleRestarts(t *testing.T) {
	e, s, exec := newTestEngine()
	require.True(t, e.StartExecution(1))
	e.TrackChild(1, 2)

	// Invalidation during execution marks the run stale.
	e.InvalidateTask(1)

	restarted := e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: "discarded"}})

	assert.True(t, restarted)
	require.Len(t, exec.scheduled, 1)
	assert.Equal(t, scheduledCall{id: 1, reason: agg.ReasonStale}, exec.scheduled[0])
	withTask(s, 1, func(task *store.Task) {
		// Still executing; the observations were reset for the re-run.
		assert.Equal(t, store.ExecInProgress, task.State)
		require.NotNil(t, task.InProgress)
		assert.False(t, task.InProgress.Stale)
		assert.Empty(t, task.InProgress.NewChildren)
		assert.Nil(t, task.Output)
		assert.NotContains(t, task.Children, store.TaskId(2))
	})
}

func TestTaskExecutionCompleted_StaleAfterConnectKeepsOldOutput(t *testing.T) {
	e, s, exec := newTestEngine()

	// A task depending on its own output makes the connect phase's
	// dependent invalidation mark the run stale between the two
	// staleness checks.
	withTask(s, 1, func(task *store.Task) {
		task.Output = &store.Output{Value: "old"}
		task.State = store.ExecDone
		task.OutputDependents[1] = struct{}{}
	})
	require.True(t, e.StartExecution(1))

	restarted := e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: "new"}})

	assert.True(t, restarted)
	require.Len(t, exec.scheduled, 1)
	assert.Equal(t, scheduledCall{id: 1, reason: agg.ReasonStale}, exec.scheduled[0])
	withTask(s, 1, func(task *store.Task) {
		// The discarded run's output must not leak to readers; the
		// previous output stays installed until the re-run finishes.
		require.NotNil(t, task.Output)
		assert.Equal(t, "old", task.Output.Value)
		require.NotNil(t, task.InProgress)
		assert.False(t, task.InProgress.Stale)
	})
}

func TestTaskExecutionCompleted_CanceledIsDiscarded(t *testing.T) {
	e, s, _ := newTestEngine()
	withTask(s, 1, func(task *store.Task) {
		task.State = store.ExecCanceled
		task.InProgress = &store.InProgressState{}
	})

	restarted := e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: "late"}})

	assert.False(t, restarted)
	withTask(s, 1, func(task *store.Task) {
		assert.Nil(t, task.Output)
	})
}

func TestTaskExecutionCompleted_OutdatedChildRemoved(t *testing.T) {
	e, s, _ := newTestEngine()

	require.True(t, e.StartExecution(1))
	e.TrackChild(1, 2)
	e.TrackChild(1, 3)
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 1}}))

	// Second run only references child 2.
	e.InvalidateTask(1)
	require.True(t, e.StartExecution(1))
	e.TrackChild(1, 2)
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 1}}))

	withTask(s, 1, func(task *store.Task) {
		assert.Contains(t, task.Children, store.TaskId(2))
		assert.NotContains(t, task.Children, store.TaskId(3))
	})
}

func TestTaskExecutionCompleted_OutputChangeInvalidatesDependents(t *testing.T) {
	e, s, _ := newTestEngine()

	// Task 2 depends on task 1's output.
	withTask(s, 1, func(task *store.Task) {
		task.Output = &store.Output{Value: 1}
		task.State = store.ExecDone
	})
	require.True(t, e.StartExecution(2))
	_, err := e.ReadOutput(2, 1)
	require.NoError(t, err)
	require.False(t, e.TaskExecutionCompleted(2, TaskResult{Output: store.Output{Value: "derived"}}))

	// Task 1 re-executes with a different output.
	e.InvalidateTask(1)
	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 2}}))

	withTask(s, 2, func(task *store.Task) {
		assert.True(t, task.SelfDirty)
	})
}

func TestTaskExecutionCompleted_UnchangedOutputKeepsDependents(t *testing.T) {
	e, s, _ := newTestEngine()

	withTask(s, 1, func(task *store.Task) {
		task.Output = &store.Output{Value: 1}
		task.State = store.ExecDone
	})
	require.True(t, e.StartExecution(2))
	_, err := e.ReadOutput(2, 1)
	require.NoError(t, err)
	require.False(t, e.TaskExecutionCompleted(2, TaskResult{Output: store.Output{Value: "derived"}}))

	// Re-execution produces the identical output; dependents stay clean.
	e.InvalidateTask(1)
	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 1}}))

	withTask(s, 2, func(task *store.Task) {
		assert.False(t, task.SelfDirty)
	})
}

func TestTaskExecutionCompleted_CollectibleDiff(t *testing.T) {
	e, s, _ := newTestEngine()
	c1 := store.Collectible{Type: 7, Cell: store.CellRef{Type: 7, Index: 0}, Task: 1}
	c2 := store.Collectible{Type: 7, Cell: store.CellRef{Type: 7, Index: 1}, Task: 1}

	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{
		Output:       store.Output{Value: 1},
		Collectibles: map[store.Collectible]int32{c1: 1, c2: 3},
	}))

	// The second run keeps c2 at a lower count and drops c1.
	e.InvalidateTask(1)
	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{
		Output:       store.Output{Value: 2},
		Collectibles: map[store.Collectible]int32{c2: 1},
	}))

	withTask(s, 1, func(task *store.Task) {
		assert.NotContains(t, task.Collectibles, c1)
		assert.Equal(t, int32(1), task.Collectibles[c2])
	})
}

func TestTaskExecutionCompleted_PromotesImmutable(t *testing.T) {
	e, s, _ := newTestEngine()

	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 1}}))

	withTask(s, 1, func(task *store.Task) {
		assert.True(t, task.Immutable)
	})

	// Invalidation no longer touches it.
	e.InvalidateTask(1)
	withTask(s, 1, func(task *store.Task) {
		assert.False(t, task.SelfDirty)
	})
}

func TestTaskExecutionCompleted_DependenciesBlockPromotion(t *testing.T) {
	e, s, _ := newTestEngine()
	withTask(s, 2, func(task *store.Task) {
		task.Output = &store.Output{Value: 1}
		task.State = store.ExecDone
	})

	require.True(t, e.StartExecution(1))
	_, err := e.ReadOutput(1, 2)
	require.NoError(t, err)
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 2}}))

	withTask(s, 1, func(task *store.Task) {
		assert.False(t, task.Immutable)
	})
}

func TestTaskExecutionCompleted_InvalidatorBlocksPromotion(t *testing.T) {
	e, s, _ := newTestEngine()
	withTask(s, 1, func(task *store.Task) {
		task.HasInvalidator = true
	})

	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 1}}))

	withTask(s, 1, func(task *store.Task) {
		assert.False(t, task.Immutable)
	})
}

func TestMaybePromoteImmutable_SkipsCanceled(t *testing.T) {
	e, s, _ := newTestEngine()

	// A cancel racing in between finish and promotion must not freeze
	// the task.
	e.Cancel(1)
	e.maybePromoteImmutable(1)

	withTask(s, 1, func(task *store.Task) {
		assert.False(t, task.Immutable)
	})
}

func TestTaskExecutionCompleted_SessionDependent(t *testing.T) {
	e, s, _ := newTestEngine()

	e.InvalidateTask(1)
	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{
		Output:           store.Output{Value: 1},
		SessionDependent: true,
	}))

	withTask(s, 1, func(task *store.Task) {
		assert.True(t, task.SessionDependent)
		assert.False(t, task.Immutable)
		// Session-clean, not clean: the dirty flag survives for the next
		// session.
		assert.True(t, task.SelfDirty)
		assert.True(t, task.SelfSessionClean)
		assert.False(t, task.IsDirtyContainer())
	})
}

func TestTaskExecutionCompleted_DropsOutdatedDependencies(t *testing.T) {
	e, s, _ := newTestEngine()
	withTask(s, 2, func(task *store.Task) {
		task.Output = &store.Output{Value: 1}
		task.State = store.ExecDone
	})
	withTask(s, 3, func(task *store.Task) {
		task.Output = &store.Output{Value: 1}
		task.State = store.ExecDone
	})

	// First run reads both targets.
	require.True(t, e.StartExecution(1))
	_, err := e.ReadOutput(1, 2)
	require.NoError(t, err)
	_, err = e.ReadOutput(1, 3)
	require.NoError(t, err)
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 1}}))

	// Second run only re-reads task 2.
	e.InvalidateTask(1)
	require.True(t, e.StartExecution(1))
	_, err = e.ReadOutput(1, 2)
	require.NoError(t, err)
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 1}}))

	withTask(s, 1, func(task *store.Task) {
		assert.Contains(t, task.Dependencies, store.Dependency{Target: 2, Output: true})
		assert.NotContains(t, task.Dependencies, store.Dependency{Target: 3, Output: true})
	})
	withTask(s, 3, func(task *store.Task) {
		assert.Empty(t, task.OutputDependents)
	})
}

func TestTaskExecutionCompleted_CleansUpCells(t *testing.T) {
	e, s, _ := newTestEngine()
	withTask(s, 1, func(task *store.Task) {
		task.Cells[3] = []any{"a", "b", "c"}
		task.Cells[4] = []any{"x"}
	})

	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{
		Output:     store.Output{Value: 1},
		CellCounts: map[store.CellTypeId]uint32{3: 2},
	}))

	withTask(s, 1, func(task *store.Task) {
		assert.Equal(t, []any{"a", "b"}, task.Cells[3])
		assert.NotContains(t, task.Cells, store.CellTypeId(4))
	})
}

func TestInvalidateDependents_ParallelFanOut(t *testing.T) {
	e, s, _ := newTestEngine()

	var dependents []store.TaskId
	withTask(s, 1, func(task *store.Task) {
		task.Output = &store.Output{Value: 1}
		task.State = store.ExecDone
	})
	for id := store.TaskId(100); id < 100+2*invalidateParallelThreshold; id++ {
		withTask(s, id, func(task *store.Task) {
			task.Output = &store.Output{Value: 1}
			task.State = store.ExecDone
		})
		withTask(s, 1, func(task *store.Task) {
			task.OutputDependents[id] = struct{}{}
		})
		withTask(s, id, func(task *store.Task) {
			task.Dependencies[store.Dependency{Target: 1, Output: true}] = struct{}{}
		})
		dependents = append(dependents, id)
	}

	e.InvalidateTask(1)
	require.True(t, e.StartExecution(1))
	require.False(t, e.TaskExecutionCompleted(1, TaskResult{Output: store.Output{Value: 2}}))

	for _, id := range dependents {
		withTask(s, id, func(task *store.Task) {
			assert.True(t, task.SelfDirty, "dependent %d not invalidated", id)
		})
	}
}

func TestOutputsEqual(t *testing.T) {
	errA := errors.New("boom")
	errB := errors.New("boom")

	tests := []struct {
		name string
		a, b store.Output
		want bool
	}{
		{"equal values", store.Output{Value: 1}, store.Output{Value: 1}, true},
		{"different values", store.Output{Value: 1}, store.Output{Value: 2}, false},
		{"nil vs value", store.Output{}, store.Output{Value: 1}, false},
		{"equal errors", store.Output{Err: errA}, store.Output{Err: errB}, true},
		{"different errors", store.Output{Err: errA}, store.Output{Err: errors.New("other")}, false},
		{"error vs none", store.Output{Err: errA}, store.Output{}, false},
		{"deep equal slices", store.Output{Value: []int{1, 2}}, store.Output{Value: []int{1, 2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outputsEqual(tt.a, tt.b))
		})
	}
}
