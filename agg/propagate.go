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

// dataUpdateJob merges one aggregated-data delta into a set of parents.
// Each application recomputes that parent's own totals and forwards a new
// outward delta only when they actually changed, which keeps an update's
// total cost close to the size of the affected subtree.
type dataUpdateJob struct {
	uppers []store.TaskId
	update DataUpdate
}

func (j *dataUpdateJob) run(q *Queue) {
	for _, id := range j.uppers {
		guard := q.graph.store.Access(id, store.CategoryMeta)
		out, changed := applyUpdate(guard.Task, j.update)
		parents := guard.ParentIds()
		guard.Release()
		if changed {
			q.pushDataUpdate(parents, out)
		}
	}
}

// ApplyUpdate merges a delta into a task and propagates the resulting
// outward deltas through the queue. Exposed for the completion pipeline
// and tests; normal aggregation flows enqueue dataUpdateJobs directly.
func (g *Graph) ApplyUpdate(q *Queue, id store.TaskId, u DataUpdate) {
	if u.IsEmpty() {
		return
	}
	guard := g.store.Access(id, store.CategoryMeta)
	out, changed := applyUpdate(guard.Task, u)
	parents := guard.ParentIds()
	guard.Release()
	if changed {
		q.pushDataUpdate(parents, out)
	}
}
