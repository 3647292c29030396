// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOperation is a minimal agg.Operation for suspend-point tests.
type fakeOperation struct {
	kind    string
	pending int
}

func (f fakeOperation) SnapshotSummary() (string, int) { return f.kind, f.pending }

func TestCoordinator_Disabled(t *testing.T) {
	c := NewCoordinator(false)
	assert.False(t, c.Enabled())

	done := c.StartOperation()
	done()
	c.OperationSuspendPoint(fakeOperation{})

	// Snapshot still runs the callback, with no suspended operations.
	ran := false
	err := c.Snapshot(func(suspended []SuspendedOperation) error {
		ran = true
		assert.Nil(t, suspended)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCoordinator_StartOperationCountsInFlight(t *testing.T) {
	c := NewCoordinator(true)

	done1 := c.StartOperation()
	done2 := c.StartOperation()
	assert.Equal(t, 2, c.InFlight())

	done1()
	assert.Equal(t, 1, c.InFlight())

	// The leave func is idempotent.
	done1()
	assert.Equal(t, 1, c.InFlight())

	done2()
	assert.Equal(t, 0, c.InFlight())
}

func TestCoordinator_SnapshotWaitsForDrain(t *testing.T) {
	c := NewCoordinator(true)

	done := c.StartOperation()

	var snapshotRan atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Snapshot(func([]SuspendedOperation) error {
			snapshotRan.Store(true)
			return nil
		})
	}()

	// The snapshot cannot start while the operation is in flight.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, snapshotRan.Load())

	done()
	wg.Wait()
	assert.True(t, snapshotRan.Load())
}

func TestCoordinator_StartBlocksDuringSnapshot(t *testing.T) {
	c := NewCoordinator(true)

	release := make(chan struct{})
	snapshotEntered := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Snapshot(func([]SuspendedOperation) error {
			close(snapshotEntered)
			<-release
			return nil
		})
	}()
	<-snapshotEntered

	var entered atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		done := c.StartOperation()
		entered.Store(true)
		done()
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, entered.Load(), "operation entered during snapshot")

	close(release)
	wg.Wait()
	assert.True(t, entered.Load())
}

func TestCoordinator_SuspendPointParksAndRecords(t *testing.T) {
	c := NewCoordinator(true)

	done := c.StartOperation()

	var got []SuspendedOperation
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Snapshot(func(suspended []SuspendedOperation) error {
			got = append([]SuspendedOperation(nil), suspended...)
			return nil
		})
	}()

	// Wait until the snapshot request is observable, then suspend. The
	// operation holds the only in-flight slot, so the snapshot proceeds
	// exactly when the suspend point gives it up.
	for c.state.Load()&requestedFlag == 0 {
		time.Sleep(time.Millisecond)
	}
	resumed := make(chan struct{})
	go func() {
		c.OperationSuspendPoint(fakeOperation{kind: "aggregation-queue", pending: 7})
		close(resumed)
	}()

	require.NoError(t, <-errCh)
	require.Len(t, got, 1)
	assert.Equal(t, SuspendedOperation{Kind: "aggregation-queue", Pending: 7}, got[0])

	<-resumed
	assert.Equal(t, 1, c.InFlight())
	done()
	assert.Equal(t, 0, c.InFlight())
}

func TestCoordinator_SuspendPointIsCheapWithoutRequest(t *testing.T) {
	c := NewCoordinator(true)
	done := c.StartOperation()
	defer done()

	// No snapshot pending: must return immediately without recording.
	c.OperationSuspendPoint(fakeOperation{kind: "x", pending: 1})
	assert.Empty(t, c.suspended)
	assert.Equal(t, 1, c.InFlight())
}

func TestCoordinator_ConcurrentOperationsAndSnapshots(t *testing.T) {
	c := NewCoordinator(true)

	var (
		wg      sync.WaitGroup
		counter atomic.Int64
	)
	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				done := c.StartOperation()
				counter.Add(1)
				c.OperationSuspendPoint(fakeOperation{kind: "worker", pending: 1})
				counter.Add(1)
				done()
			}
		}()
	}

	// The workers must be making progress before snapshots contend with
	// them, or everything below can finish unchallenged on one CPU.
	for counter.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		err := c.Snapshot(func([]SuspendedOperation) error {
			// While the snapshot runs nothing else is in flight.
			if got := c.InFlight(); got != 0 {
				t.Errorf("snapshot observed %d in-flight operations", got)
			}
			return nil
		})
		require.NoError(t, err)
	}

	close(stop)
	wg.Wait()
	assert.Positive(t, counter.Load())
}
