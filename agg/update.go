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

// CollectibleDelta is one signed collectible count change.
type CollectibleDelta struct {
	Collectible store.Collectible
	Count       int32
}

// DataUpdate is an immutable, invertible, composable delta of aggregated
// data, attributed to one contributing task.
//
// DirtyDelta and CleanDelta adjust the contributor's entry in the
// receiver's dirty-container table; Collectibles adjust the receiver's
// aggregated collectible counts.
type DataUpdate struct {
	Container    store.TaskId
	DirtyDelta   int32
	CleanDelta   int32
	Collectibles []CollectibleDelta
}

// IsEmpty reports whether applying the update would be a no-op.
func (u DataUpdate) IsEmpty() bool {
	return u.DirtyDelta == 0 && u.CleanDelta == 0 && len(u.Collectibles) == 0
}

// Invert returns the update that exactly undoes this one.
func (u DataUpdate) Invert() DataUpdate {
	inv := DataUpdate{
		Container:  u.Container,
		DirtyDelta: -u.DirtyDelta,
		CleanDelta: -u.CleanDelta,
	}
	if len(u.Collectibles) > 0 {
		inv.Collectibles = make([]CollectibleDelta, len(u.Collectibles))
		for i, cd := range u.Collectibles {
			inv.Collectibles[i] = CollectibleDelta{Collectible: cd.Collectible, Count: -cd.Count}
		}
	}
	return inv
}

// applyUpdate merges an update into a task's aggregated data.
//
// The task must be held under its guard. Returns the outward delta to send
// to the task's uppers, which is non-empty only when the task's own totals
// actually changed: a dirty-container zero crossing re-attributes the
// change to the task itself, collectible deltas pass through unchanged.
// A downward crossing to "no longer dirty" fires the task's all-clean
// notification and clears active-until-clean.
func applyUpdate(t *store.Task, u DataUpdate) (out DataUpdate, changed bool) {
	wasDirty := t.IsDirtyContainer()

	if u.DirtyDelta != 0 || u.CleanDelta != 0 {
		c := t.DirtyContainers[u.Container]
		wasCounted := c.Dirty > 0 && c.SessionClean <= 0
		c.Dirty += u.DirtyDelta
		c.SessionClean += u.CleanDelta
		if c == (store.DirtyContribution{}) {
			delete(t.DirtyContainers, u.Container)
		} else {
			t.DirtyContainers[u.Container] = c
		}
		nowCounted := c.Dirty > 0 && c.SessionClean <= 0
		switch {
		case !wasCounted && nowCounted:
			t.DirtyContainerCount++
		case wasCounted && !nowCounted:
			t.DirtyContainerCount--
		}
		if t.DirtyContainerCount < 0 {
			panic("taskgraph: negative aggregated dirty container count")
		}
	}

	out = DataUpdate{Container: t.Id}
	for _, cd := range u.Collectibles {
		if cd.Count == 0 {
			continue
		}
		n := t.AggCollectibles[cd.Collectible] + cd.Count
		if n == 0 {
			delete(t.AggCollectibles, cd.Collectible)
		} else {
			t.AggCollectibles[cd.Collectible] = n
		}
		out.Collectibles = append(out.Collectibles, cd)
	}

	nowDirty := t.IsDirtyContainer()
	if nowDirty != wasDirty {
		if nowDirty {
			out.DirtyDelta = 1
		} else {
			out.DirtyDelta = -1
			if t.Activeness != nil {
				t.Activeness.NotifyAllClean()
				t.Activeness.ActiveUntilClean = false
				t.DropActivenessIfEmpty()
			}
		}
	}

	return out, !out.IsEmpty()
}

// contributionOf builds the full aggregated contribution a task brings to
// a brand-new upper: itself as a dirty container when applicable, plus its
// own and aggregated collectible counts. The task must be held under its
// guard.
func contributionOf(t *store.Task) DataUpdate {
	u := DataUpdate{Container: t.Id}
	if t.IsDirtyContainer() {
		u.DirtyDelta = 1
	}
	for c, n := range t.Collectibles {
		if n != 0 {
			u.Collectibles = append(u.Collectibles, CollectibleDelta{Collectible: c, Count: n})
		}
	}
	for c, n := range t.AggCollectibles {
		if n != 0 {
			u.Collectibles = append(u.Collectibles, CollectibleDelta{Collectible: c, Count: n})
		}
	}
	return u
}
