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
	"fmt"

	"github.com/AleutianAI/taskgraph/store"
)

// Edge primitives. Each takes the pair of guards (upper first) acquired by
// the caller via AccessPair and releases both before enqueueing follow-up
// work. Follower edges are mirrored on both sides (upper.Followers /
// follower.FollowedBy) and carry the follower's aggregated contribution at
// the upper; inner edges live on the task side (task.Uppers) and carry the
// same contribution. A reference arriving while the opposite edge kind
// already connects the pair is absorbed into that edge's multiplicity, so
// a pair is never both inner and follower.

// addFollowerLocked adds one follower-edge multiplicity from upper to
// follower.
func (g *Graph) addFollowerLocked(q *Queue, ug, fg *store.Guard) {
	u, f := ug.Task, fg.Task
	upper, follower := u.Id, f.Id

	if n := f.Uppers[upper]; n > 0 {
		// Already aggregated as inner; absorb the reference there.
		f.Uppers[upper] = n + 1
		ug.Release()
		fg.Release()
		return
	}

	n := u.Followers[follower] + 1
	u.Followers[follower] = n
	f.FollowedBy[upper] = f.FollowedBy[upper] + 1
	if n > 1 {
		ug.Release()
		fg.Release()
		return
	}

	// First multiplicity: merge the follower's contribution and forward
	// the new follower to everything above the upper.
	out, changed := applyUpdate(u, contributionOf(f))
	parents := ug.ParentIds()
	checkOptimize := isPowerOfTwo(len(u.Followers))
	ug.Release()
	fg.Release()

	if changed {
		q.pushDataUpdate(parents, out)
	}
	q.pushNewFollower(parents, follower)
	if checkOptimize {
		q.PushOptimize(upper)
	}
}

// addInnerLocked adds one inner-edge multiplicity: upper aggregates task.
func (g *Graph) addInnerLocked(q *Queue, ug, tg *store.Guard) {
	u, t := ug.Task, tg.Task
	upper, task := u.Id, t.Id

	if n := u.Followers[task]; n > 0 {
		// Already connected as follower; absorb the reference there.
		u.Followers[task] = n + 1
		t.FollowedBy[upper]++
		ug.Release()
		tg.Release()
		return
	}

	n := t.Uppers[upper] + 1
	t.Uppers[upper] = n
	if n > 1 {
		ug.Release()
		tg.Release()
		return
	}

	out, changed := applyUpdate(u, contributionOf(t))
	parents := ug.ParentIds()
	followersOfTask := tg.FollowerIds()
	upperActive := u.Activeness.IsActive()
	if upperActive {
		u.AddActiveRef(task)
	}
	checkOptimize := isPowerOfTwo(len(t.Uppers))
	ug.Release()
	tg.Release()

	if changed {
		q.pushDataUpdate(parents, out)
	}
	// The task's own followers become visible to the new upper.
	q.pushNewFollowers(upper, followersOfTask)
	if upperActive {
		q.pushActiveCount([]store.TaskId{task}, 1)
	}
	if checkOptimize {
		q.PushOptimize(task)
	}
}

// edgeRemoval is the outcome of a remove primitive.
type edgeRemoval int

const (
	// removalMissing means no edge multiplicity was found; the matching
	// addition may still be in flight and the caller should retry.
	removalMissing edgeRemoval = iota

	// removalDecremented means the edge survives with a lower count.
	removalDecremented

	// removalComplete means the last multiplicity was removed and
	// follow-up notifications were enqueued.
	removalComplete
)

// removeFollowerLocked removes one follower-edge multiplicity from upper
// to follower.
func (g *Graph) removeFollowerLocked(q *Queue, ug, fg *store.Guard) edgeRemoval {
	u, f := ug.Task, fg.Task
	upper, follower := u.Id, f.Id

	n := u.Followers[follower]
	if n == 0 {
		if f.Uppers[upper] > 0 {
			// The reference was absorbed into the inner edge.
			return g.removeInnerLocked(q, ug, fg)
		}
		ug.Release()
		fg.Release()
		return removalMissing
	}

	if mirror := f.FollowedBy[upper]; mirror != n {
		panic(fmt.Sprintf("taskgraph: asymmetric follower edge %d->%d (%d vs %d)", upper, follower, n, mirror))
	}

	if n > 1 {
		u.Followers[follower] = n - 1
		f.FollowedBy[upper] = n - 1
		ug.Release()
		fg.Release()
		return removalDecremented
	}

	delete(u.Followers, follower)
	delete(f.FollowedBy, upper)
	out, changed := applyUpdate(u, contributionOf(f).Invert())
	parents := ug.ParentIds()
	ug.Release()
	fg.Release()

	if changed {
		q.pushDataUpdate(parents, out)
	}
	q.pushLostFollower(parents, follower)
	return removalComplete
}

// removeInnerLocked removes one inner-edge multiplicity between upper and
// task.
func (g *Graph) removeInnerLocked(q *Queue, ug, tg *store.Guard) edgeRemoval {
	u, t := ug.Task, tg.Task
	upper, task := u.Id, t.Id

	n := t.Uppers[upper]
	if n == 0 {
		if u.Followers[task] > 0 {
			return g.removeFollowerLocked(q, ug, tg)
		}
		ug.Release()
		tg.Release()
		return removalMissing
	}

	if n > 1 {
		t.Uppers[upper] = n - 1
		ug.Release()
		tg.Release()
		return removalDecremented
	}

	delete(t.Uppers, upper)
	out, changed := applyUpdate(u, contributionOf(t).Invert())
	parents := ug.ParentIds()
	followersOfTask := tg.FollowerIds()
	withdraw := u.TakeActiveRef(task)
	ug.Release()
	tg.Release()

	if changed {
		q.pushDataUpdate(parents, out)
	}
	q.pushLostFollowers(upper, followersOfTask)
	if withdraw {
		q.pushActiveCount([]store.TaskId{task}, -1)
	}
	return removalComplete
}
