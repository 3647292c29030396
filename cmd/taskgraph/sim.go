// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/taskgraph/engine"
	"github.com/AleutianAI/taskgraph/snapshot"
	"github.com/AleutianAI/taskgraph/storage/badger"
	"github.com/AleutianAI/taskgraph/store"
)

var (
	simTasks            int
	simWorkers          int
	simInvalidators     int
	simDuration         time.Duration
	simSnapshotInterval time.Duration
	simDataDir          string
	simSeed             int64

	simCmd = &cobra.Command{
		Use:   "sim",
		Short: "Stress the aggregation graph under concurrent mutation",
		Long: `Builds a binary task tree, executes it on a worker pool, and
invalidates random tasks from concurrent mutator goroutines while
periodic snapshots pause the mutation stream through the cooperative
coordinator.`,
		RunE: runSim,
	}
)

func init() {
	simCmd.Flags().IntVar(&simTasks, "tasks", 2000, "number of tasks in the tree")
	simCmd.Flags().IntVar(&simWorkers, "workers", 8, "executor worker goroutines")
	simCmd.Flags().IntVar(&simInvalidators, "invalidators", 4, "concurrent invalidator goroutines")
	simCmd.Flags().DurationVar(&simDuration, "duration", 10*time.Second, "how long to run")
	simCmd.Flags().DurationVar(&simSnapshotInterval, "snapshot-interval", 2*time.Second, "time between snapshots (0 disables)")
	simCmd.Flags().StringVar(&simDataDir, "data-dir", "", "snapshot database directory (in-memory when empty)")
	simCmd.Flags().Int64Var(&simSeed, "seed", 0, "random seed (0 picks one)")
}

// simulator wires one engine, runtime, and snapshot writer together and
// provides the executor body run by the worker pool.
type simulator struct {
	eng     *engine.Engine
	tasks   int
	session uuid.UUID

	executions atomic.Int64
	staleRuns  atomic.Int64
	revision   atomic.Int64
}

// execute runs one task: read the children's outputs, produce a value,
// and complete. Children are the binary-tree successors inside the task
// range.
func (s *simulator) execute(id store.TaskId) {
	if !s.eng.StartExecution(id) {
		return
	}

	var childSum int64
	for _, child := range s.children(id) {
		s.eng.TrackChild(id, child)
		out, err := s.eng.ReadOutput(id, child)
		if err == nil {
			if v, ok := out.Value.(int64); ok {
				childSum += v
			}
		}
	}

	res := engine.TaskResult{
		Output: store.Output{Value: childSum + s.revision.Add(1)},
	}
	if s.eng.TaskExecutionCompleted(id, res) {
		s.staleRuns.Add(1)
	}
	s.executions.Add(1)
}

func (s *simulator) children(id store.TaskId) []store.TaskId {
	var out []store.TaskId
	for _, c := range []store.TaskId{id * 2, id*2 + 1} {
		if int(c) <= s.tasks {
			out = append(out, c)
		}
	}
	return out
}

func runSim(cmd *cobra.Command, args []string) error {
	logger := newLogger("sim")
	defer logger.Close()
	log := logger.Slog()

	shutdown, err := setupTelemetry(cmd.Context())
	if err != nil {
		return err
	}
	defer shutdown()

	seed := simSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	session := uuid.New()
	log.Info("simulation starting",
		"session", session.String(),
		"tasks", simTasks, "workers", simWorkers,
		"invalidators", simInvalidators, "duration", simDuration,
		"seed", seed)

	cfg := badger.InMemoryConfig()
	if simDataDir != "" {
		cfg = badger.DefaultConfig()
		cfg.Path = simDataDir
		cfg.Logger = log
	}
	db, err := badger.OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("open snapshot database: %w", err)
	}
	defer db.Close()

	st := store.NewStore()
	coord := snapshot.NewCoordinator(true)
	rt := NewRuntime(coord, log)
	eng := engine.New(st, rt, log)
	writer := snapshot.NewWriter(db, st, log)

	sim := &simulator{
		eng:     eng,
		tasks:   simTasks,
		session: session,
	}

	// Allocate the task range up front so simulated ids are live.
	for i := 0; i < simTasks; i++ {
		st.NextPersistentId()
	}

	// Task 1 is the root: raise it to root aggregation number, then
	// activate and schedule its dirty subtree. Everything below it gets
	// scheduled transitively as edges are connected.
	rootId := store.TaskId(1)
	{
		done := rt.BeginOperation()
		q := eng.Graph().NewQueue()
		eng.Graph().UpdateAggregationNumber(q, rootId, store.RootNumber, 0)
		eng.Graph().MakeDirty(q, rootId)
		q.Run()
		done()
	}
	func() {
		g := st.Access(rootId, store.CategoryMeta)
		defer g.Release()
		g.Task.EnsureActiveness().ActiveUntilClean = true
	}()
	eng.FindAndScheduleDirty(rootId)

	ctx, cancel := context.WithTimeout(cmd.Context(), simDuration)
	defer cancel()

	var (
		invalidations atomic.Int64
		snapshots     atomic.Int64
		bg            sync.WaitGroup
	)

	for i := 0; i < simInvalidators; i++ {
		bg.Add(1)
		go func(n int) {
			defer bg.Done()
			rng := rand.New(rand.NewSource(seed + int64(n)))
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(rng.Intn(20)+1) * time.Millisecond):
				}
				id := store.TaskId(rng.Intn(simTasks) + 1)
				eng.InvalidateTask(id)
				eng.FindAndScheduleDirty(rootId)
				invalidations.Add(1)
			}
		}(i)
	}

	if simSnapshotInterval > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			ticker := time.NewTicker(simSnapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				err := coord.Snapshot(func(suspended []snapshot.SuspendedOperation) error {
					_, werr := writer.Write(ctx, suspended)
					return werr
				})
				if err != nil {
					log.Error("snapshot failed", "error", err.Error())
					continue
				}
				snapshots.Add(1)
			}
		}()
	}

	rt.Run(ctx, simWorkers, sim.execute)
	bg.Wait()

	log.Info("simulation finished",
		"executions", sim.executions.Load(),
		"stale_runs", sim.staleRuns.Load(),
		"invalidations", invalidations.Load(),
		"snapshots", snapshots.Load(),
		"scheduled", rt.ScheduledTotal(),
		"tasks_live", st.TaskCount())
	return nil
}
