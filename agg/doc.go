// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agg implements the aggregation graph of the task engine.
//
// Every task carries an aggregation number that decides its role: leaves
// forward state, aggregating nodes summarize a subtree, roots summarize
// everything they can reach. Edges between an aggregating "upper" and a
// task come in two flavors, inner (the upper aggregates the task) and
// follower (the upper merely forwards it), and are converted between the
// two as aggregation numbers change. Aggregated dirty-container and
// collectible counts flow along both edge kinds as invertible deltas that
// stop propagating as soon as totals stop changing.
//
// All mutation runs through a Queue owned by a single top-level
// operation: jobs are drained to a fixed point, one bounded unit of work
// at a time, with a cooperative suspend check between units so that the
// snapshot coordinator can pause the mutation stream without suspending
// threads. Tasks are only ever locked one or two at a time through the
// store's guards; races between an edge addition and a removal that
// overtook it are resolved by a bounded retry loop, never by blocking.
package agg
