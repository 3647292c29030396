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
	"runtime"
	"time"
)

// Retry budget for edge-removal jobs racing an edge addition that has not
// propagated yet. Exhausting the budget re-enqueues the job so still-in-
// flight jobs can complete first; only when re-enqueuing has also been
// exhausted is the invariant genuinely violated.
const (
	maxRetryAttempts = 100
	retryWallBudget  = 100 * time.Millisecond
	maxRequeues      = 3
)

// requeueable is a job that the retry loop may push back onto the queue.
type requeueable interface {
	job
	requeueCount() int
	incRequeue()
}

// retryState embeds requeue bookkeeping into a job.
type retryState struct {
	requeues int
}

func (r *retryState) requeueCount() int { return r.requeues }
func (r *retryState) incRequeue()       { r.requeues++ }

// retryLoop retries attempt until it reports progress, bounded by both an
// iteration cap and a wall-clock budget, yielding between attempts. On
// exhaustion the job is re-enqueued instead of blocking; after maxRequeues
// re-enqueues the retry panics, since the missing counterpart update can
// no longer be merely not-yet-observed.
func (q *Queue) retryLoop(j requeueable, what string, attempt func() bool) {
	start := time.Now()
	for i := 0; i < maxRetryAttempts; i++ {
		if attempt() {
			return
		}
		if time.Since(start) > retryWallBudget {
			break
		}
		runtime.Gosched()
	}

	if j.requeueCount() >= maxRequeues {
		panic(fmt.Sprintf("taskgraph: %s retry budget exhausted after %d re-enqueues", what, maxRequeues))
	}
	j.incRequeue()
	recordRetryRequeue(what)
	q.push(j)
}
