// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrCellMissing is returned for reads of a cell index that does not (or no
// longer does) exist. The caller may hold a stale logical reference, so this
// is recoverable, unlike internal invariant violations which panic.
var ErrCellMissing = errors.New("cell does not exist")

// Category labels the purpose of a task access for metrics and debugging.
type Category int

const (
	// CategoryMeta accesses aggregation/edge bookkeeping.
	CategoryMeta Category = iota

	// CategoryData accesses outputs, cells, and collectibles.
	CategoryData

	// CategoryAll accesses both partitions (e.g. snapshotting).
	CategoryAll
)

const shardCount = 64

type taskEntry struct {
	mu   sync.Mutex
	task *Task
}

type shard struct {
	mu    sync.RWMutex
	tasks map[TaskId]*taskEntry
}

// Store is the central id-indexed task table.
//
// # Description
//
// Tasks are created on first access with a default leaf aggregation number
// and live until the owner of the store evicts them. The store hands out
// guards that hold the per-task lock; all mutation of task state happens
// under a guard. Pair access is internally lock-ordered so callers can
// never deadlock two tasks against each other.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Guards themselves must stay on
// the goroutine that acquired them.
type Store struct {
	shards [shardCount]shard

	persistentNext atomic.Uint32
	transientNext  atomic.Uint32

	taskCount atomic.Int64
}

// NewStore creates an empty task table.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].tasks = make(map[TaskId]*taskEntry)
	}
	// Id 0 is reserved so that the zero TaskId is never a live task.
	s.persistentNext.Store(1)
	s.transientNext.Store(1)
	return s
}

// NextPersistentId allocates a fresh id in the persistent range.
func (s *Store) NextPersistentId() TaskId {
	id := s.persistentNext.Add(1) - 1
	if id&TransientTaskBit != 0 {
		panic("taskgraph: persistent task id space exhausted")
	}
	return TaskId(id)
}

// ReservePersistentIds advances the persistent id allocator past max.
// Used when restoring a snapshot so fresh ids never collide with
// restored tasks.
func (s *Store) ReservePersistentIds(max TaskId) {
	for {
		cur := s.persistentNext.Load()
		if cur > uint32(max) {
			return
		}
		if s.persistentNext.CompareAndSwap(cur, uint32(max)+1) {
			return
		}
	}
}

// NextTransientId allocates a fresh id in the transient range.
func (s *Store) NextTransientId() TaskId {
	return TaskId((s.transientNext.Add(1) - 1) | TransientTaskBit)
}

// TaskCount returns the number of live tasks.
func (s *Store) TaskCount() int64 {
	return s.taskCount.Load()
}

func (s *Store) shardFor(id TaskId) *shard {
	return &s.shards[uint32(id)%shardCount]
}

func (s *Store) entry(id TaskId) *taskEntry {
	sh := s.shardFor(id)

	sh.mu.RLock()
	e, ok := sh.tasks[id]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.tasks[id]; ok {
		return e
	}
	e = &taskEntry{task: newTask(id)}
	sh.tasks[id] = e
	s.taskCount.Add(1)
	return e
}

// Guard provides exclusive access to one task. Task fields may only be read
// or written while the guard is held. Release must be called exactly once.
type Guard struct {
	Task     *Task
	entry    *taskEntry
	category Category
	released bool
}

// Release unlocks the task.
func (g *Guard) Release() {
	if g.released {
		panic(fmt.Sprintf("taskgraph: double release of task %d guard", g.Task.Id))
	}
	g.released = true
	g.entry.mu.Unlock()
}

// Access locks a single task, creating it on first reference.
//
// Inputs:
//
//	id - The task id. Created with default leaf aggregation number if new.
//	category - Access purpose, recorded for metrics.
//
// Outputs:
//
//	*Guard - Held lock on the task. Caller must Release.
func (s *Store) Access(id TaskId, category Category) *Guard {
	e := s.entry(id)
	e.mu.Lock()
	return &Guard{Task: e.task, entry: e, category: category}
}

// AccessPair locks two distinct tasks together, always in ascending id
// order regardless of argument order, so that concurrent pair accesses can
// never deadlock. The returned guards correspond to the argument order.
func (s *Store) AccessPair(id1, id2 TaskId, category Category) (*Guard, *Guard) {
	if id1 == id2 {
		panic(fmt.Sprintf("taskgraph: pair access of task %d with itself", id1))
	}
	e1 := s.entry(id1)
	e2 := s.entry(id2)
	if id1 < id2 {
		e1.mu.Lock()
		e2.mu.Lock()
	} else {
		e2.mu.Lock()
		e1.mu.Lock()
	}
	return &Guard{Task: e1.task, entry: e1, category: category},
		&Guard{Task: e2.task, entry: e2, category: category}
}

// ForEach visits each listed task under its guard, one at a time, in
// ascending id order. The id slice is not modified.
func (s *Store) ForEach(ids []TaskId, category Category, fn func(*Guard)) {
	sorted := make([]TaskId, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		g := s.Access(id, category)
		fn(g)
		g.Release()
	}
}

// ForEachTask visits every live task under its guard. Intended for the
// snapshot writer, which runs while the mutation stream is drained.
func (s *Store) ForEachTask(category Category, fn func(*Guard)) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		ids := make([]TaskId, 0, len(sh.tasks))
		for id := range sh.tasks {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()

		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		for _, id := range ids {
			g := s.Access(id, category)
			fn(g)
			g.Release()
		}
	}
}

// ReadCell returns the value stored in one cell of the guarded task.
//
// Outputs:
//
//	any - The cell value.
//	error - ErrCellMissing (wrapped) if the type or index does not exist.
func (g *Guard) ReadCell(ref CellRef) (any, error) {
	slots, ok := g.Task.Cells[ref.Type]
	if !ok || uint32(len(slots)) <= ref.Index {
		return nil, fmt.Errorf("task %d cell %d/%d: %w", g.Task.Id, ref.Type, ref.Index, ErrCellMissing)
	}
	return slots[ref.Index], nil
}

// WriteCell stores a value into one cell, growing the type's slot list as
// needed.
func (g *Guard) WriteCell(ref CellRef, value any) {
	slots := g.Task.Cells[ref.Type]
	for uint32(len(slots)) <= ref.Index {
		slots = append(slots, nil)
	}
	slots[ref.Index] = value
	g.Task.Cells[ref.Type] = slots
}

// UpperIds returns a snapshot of the guarded task's upper edge targets.
func (g *Guard) UpperIds() []TaskId {
	return keysOfCounts(g.Task.Uppers)
}

// FollowerIds returns a snapshot of the guarded task's follower edge
// targets.
func (g *Guard) FollowerIds() []TaskId {
	return keysOfCounts(g.Task.Followers)
}

// ParentIds returns every aggregating task directly above the guarded
// task: its uppers (inner edges) and the holders of its follower edges.
func (g *Guard) ParentIds() []TaskId {
	ids := make([]TaskId, 0, len(g.Task.Uppers)+len(g.Task.FollowedBy))
	for id := range g.Task.Uppers {
		ids = append(ids, id)
	}
	for id := range g.Task.FollowedBy {
		ids = append(ids, id)
	}
	return ids
}

// ChildIds returns a snapshot of the guarded task's direct children.
func (g *Guard) ChildIds() []TaskId {
	ids := make([]TaskId, 0, len(g.Task.Children))
	for id := range g.Task.Children {
		ids = append(ids, id)
	}
	return ids
}

func keysOfCounts(m map[TaskId]int32) []TaskId {
	ids := make([]TaskId, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}
