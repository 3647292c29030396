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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/taskgraph/store"
	storagebadger "github.com/AleutianAI/taskgraph/storage/badger"
)

// Key layout. Task records are split into a meta partition (aggregation
// and edge bookkeeping) and a data partition (outputs, cells,
// collectibles); snapshot headers carry the suspended-operation log.
const (
	metaPrefix   = "m/"
	dataPrefix   = "d/"
	headerPrefix = "s/"
)

// writeBatchSize bounds the number of task records per transaction.
const writeBatchSize = 128

// taskMeta is the persisted meta partition of one task.
type taskMeta struct {
	Id               store.TaskId                `json:"id"`
	Base             uint32                      `json:"base"`
	Distance         uint32                      `json:"distance"`
	Effective        uint32                      `json:"effective"`
	Uppers           map[store.TaskId]int32      `json:"uppers,omitempty"`
	Followers        map[store.TaskId]int32      `json:"followers,omitempty"`
	FollowedBy       map[store.TaskId]int32      `json:"followed_by,omitempty"`
	Children         []store.TaskId              `json:"children,omitempty"`
	SelfDirty        bool                        `json:"self_dirty,omitempty"`
	SessionDependent bool                        `json:"session_dependent,omitempty"`
	Immutable        bool                        `json:"immutable,omitempty"`
	DirtyContainers  map[store.TaskId]dirtyEntry `json:"dirty_containers,omitempty"`
}

type dirtyEntry struct {
	Dirty        int32 `json:"dirty"`
	SessionClean int32 `json:"session_clean,omitempty"`
}

// taskData is the persisted data partition of one task. Cell and output
// values round-trip through JSON, so only JSON-encodable values survive a
// restore.
type taskData struct {
	Id           store.TaskId       `json:"id"`
	OutputValue  any                `json:"output,omitempty"`
	OutputErr    string             `json:"output_err,omitempty"`
	HasOutput    bool               `json:"has_output,omitempty"`
	Cells        map[uint32][]any   `json:"cells,omitempty"`
	Collectibles []collectibleEntry `json:"collectibles,omitempty"`
	Aggregated   []collectibleEntry `json:"agg_collectibles,omitempty"`
	Dependencies []dependencyEntry  `json:"dependencies,omitempty"`
}

// dependencyEntry is one tracked dependency of the task. Only the forward
// direction is persisted; the dependent indexes on the target side are
// rebuilt from these on restore.
type dependencyEntry struct {
	Target store.TaskId `json:"target"`
	Type   uint32       `json:"type,omitempty"`
	Index  uint32       `json:"index,omitempty"`
	Output bool         `json:"output,omitempty"`
}

type collectibleEntry struct {
	Type  uint32       `json:"type"`
	Cell  cellRefEntry `json:"cell"`
	Count int32        `json:"count"`
}

type cellRefEntry struct {
	Task  store.TaskId `json:"task"`
	Type  uint32       `json:"type"`
	Index uint32       `json:"index"`
}

// header is the per-snapshot record written last; a snapshot without a
// header is treated as incomplete on restore.
type header struct {
	Id        uuid.UUID            `json:"id"`
	CreatedAt time.Time            `json:"created_at"`
	Tasks     int                  `json:"tasks"`
	Suspended []SuspendedOperation `json:"suspended,omitempty"`
}

// Writer persists point-in-time snapshots of a task store to Badger.
//
// # Thread Safety
//
// Not safe for concurrent use; callers serialize writes through
// Coordinator.Snapshot, which already admits one snapshot at a time.
type Writer struct {
	db     *storagebadger.DB
	store  *store.Store
	logger *slog.Logger
}

// NewWriter creates a snapshot writer over an open database.
func NewWriter(db *storagebadger.DB, s *store.Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{db: db, store: s, logger: logger}
}

// Write persists every persistent task and the suspended-operation log,
// returning the new snapshot's id. Transient tasks are skipped. Must be
// called while the graph is quiesced (inside Coordinator.Snapshot).
func (w *Writer) Write(ctx context.Context, suspended []SuspendedOperation) (uuid.UUID, error) {
	start := time.Now()
	id := uuid.New()

	type record struct {
		key   []byte
		value []byte
	}
	var (
		batch []record
		tasks int
		err   error
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		pending := batch
		batch = nil
		return w.db.WithTxn(ctx, func(txn *badger.Txn) error {
			for _, r := range pending {
				if err := txn.Set(r.key, r.value); err != nil {
					return err
				}
			}
			return nil
		})
	}

	w.store.ForEachTask(store.CategoryAll, func(g *store.Guard) {
		if err != nil || g.Task.Id.IsTransient() {
			return
		}
		var meta, data []byte
		meta, data, err = encodeTask(g.Task)
		if err != nil {
			return
		}
		batch = append(batch,
			record{key: taskKey(metaPrefix, g.Task.Id), value: meta},
			record{key: taskKey(dataPrefix, g.Task.Id), value: data},
		)
		tasks++
		if len(batch) >= writeBatchSize {
			err = flush()
		}
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("writing snapshot %s: %w", id, err)
	}

	hdr, err := json.Marshal(header{
		Id:        id,
		CreatedAt: start.UTC(),
		Tasks:     tasks,
		Suspended: suspended,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding snapshot header: %w", err)
	}
	err = w.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(headerPrefix+id.String()), hdr)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("writing snapshot header: %w", err)
	}
	if err := w.db.Sync(); err != nil {
		return uuid.Nil, fmt.Errorf("syncing snapshot: %w", err)
	}

	recordSnapshotDuration(ctx, time.Since(start), tasks)
	w.logger.Info("snapshot written",
		slog.String("snapshot", id.String()),
		slog.Int("tasks", tasks),
		slog.Int("suspended_ops", len(suspended)),
		slog.Duration("elapsed", time.Since(start)))
	return id, nil
}

// Restore loads every persisted task back into the store and returns the
// suspended-operation log of the latest complete snapshot. Dependent
// indexes (output and cell) are rebuilt from the restored dependency
// sets. The store should be empty; restored state overwrites on
// collision.
func (w *Writer) Restore(ctx context.Context) ([]SuspendedOperation, error) {
	type restoredDep struct {
		consumer store.TaskId
		dep      store.Dependency
	}
	var (
		latest  *header
		maxTask store.TaskId
		deps    []restoredDep
	)
	err := w.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(headerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var h header
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &h)
			}); err != nil {
				return err
			}
			if latest == nil || h.CreatedAt.After(latest.CreatedAt) {
				cp := h
				latest = &cp
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning snapshot headers: %w", err)
	}
	if latest == nil {
		return nil, nil
	}

	err = w.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m taskMeta
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			var d taskData
			item, err := txn.Get(taskKey(dataPrefix, m.Id))
			if err == nil {
				if err := item.Value(func(v []byte) error {
					return json.Unmarshal(v, &d)
				}); err != nil {
					return err
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			restoreTask(w.store, &m, &d)
			for _, e := range d.Dependencies {
				deps = append(deps, restoredDep{consumer: m.Id, dep: store.Dependency{
					Target: e.Target,
					Cell:   store.CellRef{Type: store.CellTypeId(e.Type), Index: e.Index},
					Output: e.Output,
				}})
			}
			if m.Id > maxTask {
				maxTask = m.Id
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restoring snapshot %s: %w", latest.Id, err)
	}
	w.store.ReservePersistentIds(maxTask)

	// Second pass: rebuild the inverse dependency indexes now that every
	// target task exists.
	for _, rd := range deps {
		g := w.store.Access(rd.dep.Target, store.CategoryData)
		t := g.Task
		if rd.dep.Output {
			t.OutputDependents[rd.consumer] = struct{}{}
		} else {
			m := t.CellDependents[rd.dep.Cell]
			if m == nil {
				m = make(map[store.TaskId]struct{})
				t.CellDependents[rd.dep.Cell] = m
			}
			m[rd.consumer] = struct{}{}
		}
		g.Release()
	}

	w.logger.Info("snapshot restored",
		slog.String("snapshot", latest.Id.String()),
		slog.Int("tasks", latest.Tasks))
	return latest.Suspended, nil
}

func taskKey(prefix string, id store.TaskId) []byte {
	return []byte(fmt.Sprintf("%s%08x", prefix, uint32(id)))
}

func encodeTask(t *store.Task) (meta, data []byte, err error) {
	m := taskMeta{
		Id:               t.Id,
		Base:             t.Agg.Base,
		Distance:         t.Agg.Distance,
		Effective:        t.Agg.Effective,
		SelfDirty:        t.SelfDirty,
		SessionDependent: t.SessionDependent,
		Immutable:        t.Immutable,
	}
	if len(t.Uppers) > 0 {
		m.Uppers = t.Uppers
	}
	if len(t.Followers) > 0 {
		m.Followers = t.Followers
	}
	if len(t.FollowedBy) > 0 {
		m.FollowedBy = t.FollowedBy
	}
	for c := range t.Children {
		m.Children = append(m.Children, c)
	}
	if len(t.DirtyContainers) > 0 {
		m.DirtyContainers = make(map[store.TaskId]dirtyEntry, len(t.DirtyContainers))
		for id, c := range t.DirtyContainers {
			m.DirtyContainers[id] = dirtyEntry{Dirty: c.Dirty, SessionClean: c.SessionClean}
		}
	}
	meta, err = json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding task %d meta: %w", t.Id, err)
	}

	d := taskData{Id: t.Id}
	if t.Output != nil {
		d.HasOutput = true
		d.OutputValue = t.Output.Value
		if t.Output.Err != nil {
			d.OutputErr = t.Output.Err.Error()
		}
	}
	if len(t.Cells) > 0 {
		d.Cells = make(map[uint32][]any, len(t.Cells))
		for ct, cells := range t.Cells {
			d.Cells[uint32(ct)] = cells
		}
	}
	d.Collectibles = encodeCollectibles(t.Collectibles)
	d.Aggregated = encodeCollectibles(t.AggCollectibles)
	for dep := range t.Dependencies {
		if dep.Target.IsTransient() {
			continue
		}
		d.Dependencies = append(d.Dependencies, dependencyEntry{
			Target: dep.Target,
			Type:   uint32(dep.Cell.Type),
			Index:  dep.Cell.Index,
			Output: dep.Output,
		})
	}
	data, err = json.Marshal(d)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding task %d data: %w", t.Id, err)
	}
	return meta, data, nil
}

func encodeCollectibles(m map[store.Collectible]int32) []collectibleEntry {
	if len(m) == 0 {
		return nil
	}
	out := make([]collectibleEntry, 0, len(m))
	for c, n := range m {
		out = append(out, collectibleEntry{
			Type: uint32(c.Type),
			Cell: cellRefEntry{
				Task:  c.Task,
				Type:  uint32(c.Cell.Type),
				Index: c.Cell.Index,
			},
			Count: n,
		})
	}
	return out
}

func decodeCollectibles(entries []collectibleEntry) map[store.Collectible]int32 {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[store.Collectible]int32, len(entries))
	for _, e := range entries {
		out[store.Collectible{
			Type: store.CellTypeId(e.Type),
			Task: e.Cell.Task,
			Cell: store.CellRef{Type: store.CellTypeId(e.Cell.Type), Index: e.Cell.Index},
		}] = e.Count
	}
	return out
}

func restoreTask(s *store.Store, m *taskMeta, d *taskData) {
	g := s.Access(m.Id, store.CategoryAll)
	defer g.Release()
	t := g.Task

	t.Agg = store.AggregationNumber{Base: m.Base, Distance: m.Distance, Effective: m.Effective}
	t.SelfDirty = m.SelfDirty
	t.SessionDependent = m.SessionDependent
	t.Immutable = m.Immutable
	for id, n := range m.Uppers {
		t.Uppers[id] = n
	}
	for id, n := range m.Followers {
		t.Followers[id] = n
	}
	for id, n := range m.FollowedBy {
		t.FollowedBy[id] = n
	}
	for _, c := range m.Children {
		t.Children[c] = struct{}{}
	}
	t.DirtyContainerCount = 0
	for id, e := range m.DirtyContainers {
		t.DirtyContainers[id] = store.DirtyContribution{Dirty: e.Dirty, SessionClean: e.SessionClean}
		if e.Dirty > 0 && e.SessionClean <= 0 {
			t.DirtyContainerCount++
		}
	}

	if d.HasOutput {
		out := store.Output{Value: d.OutputValue}
		if d.OutputErr != "" {
			out.Err = fmt.Errorf("%s", d.OutputErr)
		}
		t.Output = &out
		t.State = store.ExecDone
	}
	for ct, cells := range d.Cells {
		t.Cells[store.CellTypeId(ct)] = cells
	}
	for c, n := range decodeCollectibles(d.Collectibles) {
		t.Collectibles[c] = n
	}
	for c, n := range decodeCollectibles(d.Aggregated) {
		t.AggCollectibles[c] = n
	}
	for _, e := range d.Dependencies {
		t.Dependencies[store.Dependency{
			Target: e.Target,
			Cell:   store.CellRef{Type: store.CellTypeId(e.Type), Index: e.Index},
			Output: e.Output,
		}] = struct{}{}
	}
}
