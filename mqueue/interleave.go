package mqueue

import "github.com/justapithecus/multiqueue/rtime"

const (
	interleaveGrowStepNs = 500_000_000
	interleaveGrowCapNs  = 5_000_000_000
	interleaveShrinkWindowCapNs = 1_000_000_000
)

// recomputeInterleave recomputes interleave_ns per spec.md §4.2 and, when
// it changes, pushes the new value onto every SingleQueue's time limit.
// This is grounded on calculate_interleave in gstmultiqueue.c: partition
// streams by producer group, take (high-low)*1.5 + min_interleave, and
// only actually adopt the new value under the grow/shrink-hysteresis rule
// so a momentary skew doesn't thrash every queue's time cap.
func (mq *MultiQueue) recomputeInterleave() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.recomputeInterleaveLocked()
}

// recomputeInterleaveLocked partitions queues by producer_group (spec.md
// §9's "Interleave calculation over multiple producer threads": the source
// partitions by the OS thread that last pushed StreamStart; the rewrite
// uses an explicit producer_group id supplied at request_input time
// instead) and computes each group's own (high-low)*1.5 + min_interleave
// window candidate, exactly like calculate_interleave does per streaming
// thread (gstmultiqueue.c:1592-1645).
//
// But the result mq->interleave / mq->max_size.time is a SINGLE value
// shared by every queue, not a per-group one: each group's candidate is
// floored by other_interleave, the largest candidate recorded by every
// OTHER group (gstmultiqueue.c:1645, "interleave = MAX(interleave,
// other_interleave)"), and it's that combined value — not the raw
// per-group window — that is adopted and pushed to every SingleQueue via
// SET_CHILD_PROPERTY. Recomputing every group in one pass rather than one
// group per triggering event (as the original does per-sq), the
// other_interleave floor collapses to the max across all groups' own
// candidates.
func (mq *MultiQueue) recomputeInterleaveLocked() {
	if !mq.useInterleave.Load() {
		return
	}

	groups := make(map[uint64][]*SingleQueue)
	anyInactive := false
	for _, sq := range mq.queues {
		if sq.sparse {
			continue
		}
		if !sq.active {
			anyInactive = true
		}
		groups[sq.producerGroup] = append(groups[sq.producerGroup], sq)
	}
	if len(groups) == 0 {
		return
	}

	shared := mq.minInterleaveNs.Load()
	for gid, members := range groups {
		candidate, _ := mq.groupCandidateLocked(members)
		mq.groupInterleaves[gid] = candidate
		if candidate > shared {
			shared = candidate
		}
	}

	prev := mq.interleaveNs
	doUpdate := prev == 0

	if anyInactive && shared <= prev {
		grown := prev + interleaveGrowStepNs
		if grown > interleaveGrowCapNs {
			grown = interleaveGrowCapNs
		}
		if grown > shared {
			shared = grown
		}
		doUpdate = true
	}

	if mq.interleaveIncomplete != anyInactive {
		doUpdate = true
	}
	mq.interleaveIncomplete = anyInactive

	shrinkWindow := int64(interleaveShrinkWindowCapNs)
	if prev < shrinkWindow {
		shrinkWindow = prev
	}
	shouldShrink := mq.observedSinceUpdateNs > 2*shrinkWindow && shared < (prev*3)/4

	if !doUpdate && shared <= prev && !shouldShrink {
		return
	}

	mq.interleaveNs = shared
	mq.observedSinceUpdateNs = 0
	for _, sq := range mq.queues {
		sq.maxTimeNs.Store(shared)
		sq.fifo.LimitsChanged()
	}

	if mq.logger != nil {
		mq.logger.Debug("interleave updated", map[string]any{
			"interleave_ns": shared,
			"incomplete":    anyInactive,
		})
	}
}

// groupCandidateLocked computes (high-low)*1.5 + min_interleave_ns for one
// producer group's active, non-sparse members — calculate_interleave's
// per-streaming-thread low/high accumulation (gstmultiqueue.c:1592-1611).
// The "grow while some stream is inactive" treatment is applied once, at
// the shared/global level in recomputeInterleaveLocked, mirroring how the
// original only grows mq->interleave itself rather than each thread's raw
// window value.
func (mq *MultiQueue) groupCandidateLocked(members []*SingleQueue) (candidate int64, incomplete bool) {
	var low, high rtime.Time = rtime.None, rtime.None
	for _, sq := range members {
		if !sq.active {
			incomplete = true
		}
		if sq.cachedSinkTime.Defined() {
			if !low.Defined() || sq.cachedSinkTime < low {
				low = sq.cachedSinkTime
			}
			if !high.Defined() || sq.cachedSinkTime > high {
				high = sq.cachedSinkTime
			}
		}
	}

	minInterleave := mq.minInterleaveNs.Load()
	if low.Defined() && high.Defined() {
		candidate = int64(float64(high-low)*1.5) + minInterleave
	} else {
		candidate = minInterleave
	}

	for _, sq := range members {
		sq.interleaveNs = candidate
	}
	return candidate, incomplete
}

// PostLatency implements spec.md §4.2's latency event handling: raise
// min_interleave_ns if the event's latency is larger, then recompute
// interleave once.
func (mq *MultiQueue) PostLatency(latencyNs int64) {
	mq.mu.Lock()
	if latencyNs > mq.minInterleaveNs.Load() {
		mq.minInterleaveNs.Store(latencyNs)
	}
	mq.recomputeInterleaveLocked()
	mq.mu.Unlock()
}
