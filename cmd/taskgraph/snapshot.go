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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/taskgraph/engine"
	"github.com/AleutianAI/taskgraph/snapshot"
	"github.com/AleutianAI/taskgraph/storage/badger"
	"github.com/AleutianAI/taskgraph/store"
)

var (
	snapDataDir string
	snapRestore bool

	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Write or restore a task graph snapshot",
		Long: `Builds a small demonstration graph and writes it through the
snapshot coordinator, or restores the latest snapshot from --data-dir
and prints what came back.`,
		RunE: runSnapshot,
	}
)

func init() {
	snapshotCmd.Flags().StringVar(&snapDataDir, "data-dir", "", "snapshot database directory (required)")
	snapshotCmd.Flags().BoolVar(&snapRestore, "restore", false, "restore the latest snapshot instead of writing one")
	_ = snapshotCmd.MarkFlagRequired("data-dir")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	logger := newLogger("snapshot")
	defer logger.Close()
	log := logger.Slog()

	cfg := badger.DefaultConfig()
	cfg.Path = snapDataDir
	cfg.Logger = log
	db, err := badger.OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("open snapshot database: %w", err)
	}
	defer db.Close()

	st := store.NewStore()
	writer := snapshot.NewWriter(db, st, log)

	if snapRestore {
		suspended, err := writer.Restore(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("restored %d tasks\n", st.TaskCount())
		for _, op := range suspended {
			fmt.Printf("suspended operation: %s (%d pending)\n", op.Kind, op.Pending)
		}
		return nil
	}

	coord := snapshot.NewCoordinator(true)
	rt := NewRuntime(coord, log)
	eng := engine.New(st, rt, log)

	// A small chain with collectibles and dirty state, enough to see
	// every partition populated.
	root := st.NextPersistentId()
	mid := st.NextPersistentId()
	leaf := st.NextPersistentId()
	{
		done := rt.BeginOperation()
		q := eng.Graph().NewQueue()
		eng.Graph().UpdateAggregationNumber(q, root, store.RootNumber, 0)
		eng.Graph().ConnectChild(q, root, mid)
		eng.Graph().ConnectChild(q, mid, leaf)
		eng.Graph().MakeDirty(q, leaf)
		eng.Graph().EmitCollectible(q, leaf, store.Collectible{
			Type: 7,
			Cell: store.CellRef{Type: 7},
			Task: leaf,
		}, 1)
		q.Run()
		done()
	}

	err = coord.Snapshot(func(suspended []snapshot.SuspendedOperation) error {
		id, werr := writer.Write(cmd.Context(), suspended)
		if werr == nil {
			fmt.Printf("snapshot %s written (%d tasks)\n", id, st.TaskCount())
		}
		return werr
	})
	return err
}
