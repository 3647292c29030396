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

// innerOfUpperHasNewFollower decides, for the current aggregation numbers
// of the pair, whether the follower stays a true follower of upper
// (agg(upper) <= agg(follower), not a root) or upper becomes a new upper
// of the follower (recursing inward via forwarded follower sets). Equal
// numbers additionally trigger a balance-edge check, which forces
// asymmetry by bumping the follower's base.
func (g *Graph) innerOfUpperHasNewFollower(q *Queue, upper, follower store.TaskId) {
	if upper == follower {
		return
	}
	ug, fg := g.store.AccessPair(upper, follower, store.CategoryMeta)
	uAgg, fAgg := ug.Task.Agg, fg.Task.Agg

	if !uAgg.IsRoot() && uAgg.Effective <= fAgg.Effective {
		equal := uAgg.Effective == fAgg.Effective
		g.addFollowerLocked(q, ug, fg)
		if equal {
			q.PushBalance(upper, follower)
		}
		return
	}

	g.addInnerLocked(q, ug, fg)
}

// newFollowerJob notifies a set of uppers that they gained one follower.
type newFollowerJob struct {
	uppers   []store.TaskId
	follower store.TaskId
}

func (j *newFollowerJob) run(q *Queue) {
	for _, upper := range j.uppers {
		q.graph.innerOfUpperHasNewFollower(q, upper, j.follower)
	}
}

// newFollowersJob is the batched form: one upper gains many followers.
//
// The followers are partitioned by whether the upper's number already
// qualifies it as a direct follower-holder versus an inner-node for each
// of them; both partitions shrink as a worklist, so each qualifying pair
// merges its contribution and forwards its follower set exactly once
// while the upper is locked at most once per partition pass.
type newFollowersJob struct {
	upper     store.TaskId
	followers []store.TaskId
}

func (j *newFollowersJob) run(q *Queue) {
	g := q.graph
	work := j.followers
	for len(work) > 0 {
		ug := g.store.Access(j.upper, store.CategoryMeta)
		uAgg := ug.Task.Agg
		ug.Release()

		var rest []store.TaskId
		for i, follower := range work {
			if follower == j.upper {
				continue
			}
			ug, fg := g.store.AccessPair(j.upper, follower, store.CategoryMeta)
			if ug.Task.Agg != uAgg {
				// The upper's number moved under us; re-partition the
				// remaining pairs against the fresh value.
				ug.Release()
				fg.Release()
				rest = append(rest, work[i:]...)
				break
			}
			fAgg := fg.Task.Agg
			if !uAgg.IsRoot() && uAgg.Effective <= fAgg.Effective {
				equal := uAgg.Effective == fAgg.Effective
				g.addFollowerLocked(q, ug, fg)
				if equal {
					q.PushBalance(j.upper, follower)
				}
			} else {
				g.addInnerLocked(q, ug, fg)
			}
		}
		work = rest
	}
}

// lostFollowerJob notifies a set of uppers that one follower was removed.
// The removal may race ahead of the matching addition, so missing edges
// are retried and eventually re-enqueued rather than blocked on.
type lostFollowerJob struct {
	retryState
	uppers   []store.TaskId
	follower store.TaskId
}

func (j *lostFollowerJob) run(q *Queue) {
	g := q.graph
	q.retryLoop(j, "lost-follower", func() bool {
		var missing []store.TaskId
		for _, upper := range j.uppers {
			if upper == j.follower {
				continue
			}
			ug, fg := g.store.AccessPair(upper, j.follower, store.CategoryMeta)
			if g.removeFollowerLocked(q, ug, fg) == removalMissing {
				missing = append(missing, upper)
			}
		}
		j.uppers = missing
		return len(missing) == 0
	})
}

// lostFollowersJob is the batched form: one upper lost many followers.
type lostFollowersJob struct {
	retryState
	upper     store.TaskId
	followers []store.TaskId
}

func (j *lostFollowersJob) run(q *Queue) {
	g := q.graph
	q.retryLoop(j, "lost-followers", func() bool {
		var missing []store.TaskId
		for _, follower := range j.followers {
			if follower == j.upper {
				continue
			}
			ug, fg := g.store.AccessPair(j.upper, follower, store.CategoryMeta)
			if g.removeFollowerLocked(q, ug, fg) == removalMissing {
				missing = append(missing, follower)
			}
		}
		j.followers = missing
		return len(missing) == 0
	})
}
