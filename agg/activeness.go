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

// activeCountJob adjusts the reference-counted active counter of a set of
// tasks. The counter may be transiently negative when a decrement
// overtakes its matching increment; activeness only considers positive
// counts.
type activeCountJob struct {
	tasks []store.TaskId
	delta int32
}

func (j *activeCountJob) run(q *Queue) {
	g := q.graph
	for _, id := range j.tasks {
		guard := g.store.Access(id, store.CategoryMeta)
		t := guard.Task
		act := t.EnsureActiveness()
		was := act.IsActive()
		act.ActiveCounter += j.delta
		now := act.IsActive()
		t.DropActivenessIfEmpty()
		dirty := t.IsDirtyContainer()
		guard.Release()

		if !was && now && dirty {
			q.PushFindAndSchedule(id)
		}
	}
}

// FindAndScheduleDirty activates a task and surfaces its dirty work.
//
// # Description
//
// Schedules the task itself when its own state is dirty or it has never
// produced output. Unless the task is already active-until-clean, walks
// its tracked dirty-container index (not the whole subtree) and recurses
// into exactly the contributing tasks, then marks the task
// active-until-clean. A single leaf change therefore re-activates only
// the affected chain.
func (g *Graph) FindAndScheduleDirty(q *Queue, id store.TaskId) {
	q.PushFindAndSchedule(id)
}

func (g *Graph) findAndScheduleDirty(q *Queue, id store.TaskId) {
	guard := g.store.Access(id, store.CategoryMeta)
	t := guard.Task
	if t.State == store.ExecCanceled {
		guard.Release()
		return
	}

	schedule := false
	reason := ReasonDirtyContainer
	if (t.SelfDirty && !t.SelfSessionClean) || t.Output == nil {
		if t.Output == nil {
			reason = ReasonInitial
		}
		if t.State == store.ExecNotStarted || t.State == store.ExecDone {
			t.State = store.ExecScheduled
			schedule = true
		}
	}
	priority := schedulePriority(t)

	var contributors []store.TaskId
	if g.exec.ShouldTrackActiveness() {
		act := t.EnsureActiveness()
		if !act.ActiveUntilClean {
			act.ActiveUntilClean = true
			for c, contrib := range t.DirtyContainers {
				if contrib.Dirty > 0 && contrib.SessionClean <= 0 {
					contributors = append(contributors, c)
				}
			}
		}
	}
	guard.Release()

	if schedule {
		g.exec.Schedule(id, reason, priority)
	}
	for _, c := range contributors {
		q.PushFindAndSchedule(c)
	}
}
