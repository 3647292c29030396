// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot implements the cooperative stop/resume protocol that
// brackets graph mutation for persistence, and the BadgerDB-backed
// snapshot writer.
package snapshot

import (
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/taskgraph/agg"
)

// requestedFlag is the top bit of the coordinator state word. The lower
// 63 bits count operations in flight.
const requestedFlag = uint64(1) << 63

// SuspendedOperation is the crash-recovery record of one operation parked
// at a suspend point while a snapshot ran.
type SuspendedOperation struct {
	Kind    string `json:"kind"`
	Pending int    `json:"pending"`
}

// Coordinator implements a stop-the-world barrier through voluntary
// checkpoints.
//
// # Description
//
// Every mutating operation brackets itself with StartOperation; long
// operations additionally call OperationSuspendPoint between bounded
// units of work. Snapshot sets the requested flag and waits for the
// in-flight count to drain to zero; operations reaching a suspend point
// while the flag is set record a summary of their pending work, leave
// the count, park, and rejoin once the snapshot completes. No thread is
// ever suspended externally.
//
// # Thread Safety
//
// Safe for concurrent use. The state word is the only process-wide
// shared mutable primitive; the mutex only guards the condition
// variables and the suspended set.
type Coordinator struct {
	enabled bool

	state atomic.Uint64

	mu        sync.Mutex
	drained   *sync.Cond
	resume    *sync.Cond
	suspended []SuspendedOperation

	// snapMu serializes snapshots.
	snapMu sync.Mutex
}

// NewCoordinator creates a coordinator. When enabled is false every
// method is a no-op, so graphs without persistence pay nothing.
func NewCoordinator(enabled bool) *Coordinator {
	c := &Coordinator{enabled: enabled}
	c.drained = sync.NewCond(&c.mu)
	c.resume = sync.NewCond(&c.mu)
	return c
}

// Enabled reports whether the coordinator is active.
func (c *Coordinator) Enabled() bool { return c.enabled }

// InFlight returns the current number of operations in flight.
func (c *Coordinator) InFlight() int {
	return int(c.state.Load() &^ requestedFlag)
}

// StartOperation enters an operation, blocking while a snapshot is in
// progress. The returned func must be called exactly once when the
// operation completes; calling it again is a no-op.
func (c *Coordinator) StartOperation() func() {
	if !c.enabled {
		return func() {}
	}
	c.enter()
	var once sync.Once
	return func() { once.Do(c.leave) }
}

func (c *Coordinator) enter() {
	for {
		s := c.state.Load()
		if s&requestedFlag == 0 {
			if c.state.CompareAndSwap(s, s+1) {
				return
			}
			continue
		}
		c.mu.Lock()
		for c.state.Load()&requestedFlag != 0 {
			c.resume.Wait()
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) leave() {
	if c.state.Add(^uint64(0)) == requestedFlag {
		// Last one out; wake the snapshotter.
		c.mu.Lock()
		c.drained.Signal()
		c.mu.Unlock()
	}
}

// OperationSuspendPoint parks the calling operation while a snapshot is
// pending. Must not be called while holding any task guard. When no
// snapshot is requested this is a single atomic load.
func (c *Coordinator) OperationSuspendPoint(op agg.Operation) {
	if !c.enabled || c.state.Load()&requestedFlag == 0 {
		return
	}

	kind, pending := op.SnapshotSummary()
	c.mu.Lock()
	c.suspended = append(c.suspended, SuspendedOperation{Kind: kind, Pending: pending})
	if c.state.Add(^uint64(0)) == requestedFlag {
		c.drained.Signal()
	}
	for c.state.Load()&requestedFlag != 0 {
		c.resume.Wait()
	}
	c.mu.Unlock()

	c.enter()
}

// Snapshot drains in-flight operations and runs fn over a consistent
// graph, passing the summaries of operations parked at suspend points.
// Mutation resumes when fn returns; fn's error is returned as-is.
func (c *Coordinator) Snapshot(fn func(suspended []SuspendedOperation) error) error {
	if !c.enabled {
		return fn(nil)
	}
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	c.state.Or(requestedFlag)
	c.mu.Lock()
	for c.state.Load() != requestedFlag {
		c.drained.Wait()
	}
	suspended := make([]SuspendedOperation, len(c.suspended))
	copy(suspended, c.suspended)
	c.mu.Unlock()

	err := fn(suspended)

	c.mu.Lock()
	c.suspended = c.suspended[:0]
	c.state.And(^requestedFlag)
	c.resume.Broadcast()
	c.mu.Unlock()
	return err
}
