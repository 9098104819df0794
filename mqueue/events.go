package mqueue

import (
	"context"

	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/rtime"
)

// handleFlushStart forwards a FlushStart downstream first, then marks the
// queue flushing and wakes everything parked on it. Neither FlushStart nor
// FlushStop is ever enqueued — spec.md §4.3 describes both as forwarded
// immediately from the producer side, mirroring the fact that a queue
// about to be flushed has no use queuing the flush markers themselves.
func (mq *MultiQueue) handleFlushStart(ctx context.Context, sq *SingleQueue, it *item.Item) item.FlowStatus {
	fs := sq.pusher.Push(ctx, it)

	mq.mu.Lock()
	sq.flushing = true
	sq.setFlowStatus(item.FlowFlushing)
	sq.turnCV.Broadcast()
	sq.queryHandledCV.Broadcast()
	mq.mu.Unlock()

	sq.fifo.SetFlushing(true)
	return fs
}

// handleFlushStop forwards a FlushStop downstream, resets the queue's
// counters and re-arms it for normal operation.
func (mq *MultiQueue) handleFlushStop(ctx context.Context, sq *SingleQueue, it *item.Item) item.FlowStatus {
	fs := sq.pusher.Push(ctx, it)

	sq.fifo.Flush()
	sq.fifo.SetFlushing(false)
	sq.curTimeNs.Store(0)

	mq.mu.Lock()
	sq.flushing = false
	sq.dropping = false
	sq.hasOldID = false
	sq.hasLastOldID = false
	sq.hasNextID = false
	sq.nextTime = rtime.None
	sq.lastTime = rtime.None
	sq.groupHighTime = rtime.None
	sq.hasGroupHighTime = false
	sq.setFlowStatus(item.FlowOK)
	mq.recomputeHighIDLocked()
	mq.recomputeHighTimeLocked()
	mq.wakeUnlinkedLocked()
	sq.turnCV.Broadcast()
	mq.mu.Unlock()

	mq.replaySticky(ctx, sq)
	return fs
}

// replaySticky re-issues the cached StreamStart and SegmentStart markers
// downstream after FlushStop, per spec.md §9's sticky-marker rule.
func (mq *MultiQueue) replaySticky(ctx context.Context, sq *SingleQueue) {
	mq.mu.Lock()
	streamStart := sq.stickyStreamStart
	segmentStart := sq.stickySegmentStart
	mq.mu.Unlock()
	if streamStart != nil {
		sq.pusher.Push(ctx, streamStart)
	}
	if segmentStart != nil {
		sq.pusher.Push(ctx, segmentStart)
	}
}

// handleProducerSideEvent applies the producer-side bookkeeping steps of
// spec.md §4.3 ("Items other than DATA") that happen as an item enters the
// queue, before it is enqueued: StreamStart group tracking, SegmentStart's
// sink_segment rebase, and Gap's sink-side position advance. It also
// refreshes the sticky-marker cache used by replaySticky.
func (mq *MultiQueue) handleProducerSideEvent(sq *SingleQueue, it *item.Item) {
	if it.Kind != item.Marker {
		return
	}
	switch it.MarkerKind {
	case item.StreamStart:
		mq.mu.Lock()
		newGroup := it.StreamStart.GroupID
		changed := !sq.hasStreamGroupIDIn || sq.streamGroupIDIn != newGroup
		sq.streamGroupIDIn = newGroup
		sq.hasStreamGroupIDIn = true
		sq.streamGroupChangedIn = changed
		sq.stickyStreamStart = it
		mq.mu.Unlock()

	case item.SegmentStart:
		mq.mu.Lock()
		seg := it.Segment
		if sq.streamGroupChangedIn {
			seg.Base = sq.runningTime(sq.sinkSegment, sq.sinkSegment.Position)
			sq.streamGroupChangedIn = false
		}
		sq.sinkSegment = seg
		sq.sinkTainted = true
		sq.cachedSinkTime = sq.runningTime(seg, seg.Position)
		sq.stickySegmentStart = it
		mq.mu.Unlock()
		mq.recomputeInterleave()

	case item.Gap:
		mq.mu.Lock()
		if it.Gap.Duration.Defined() {
			sq.sinkSegment.Position = it.Gap.Timestamp + it.Gap.Duration
		} else {
			sq.sinkSegment.Position = it.Gap.Timestamp
		}
		sq.sinkTainted = true
		sq.cachedSinkTime = sq.runningTime(sq.sinkSegment, sq.sinkSegment.Position)
		mq.mu.Unlock()
		mq.recomputeInterleave()
	}
}

// handleMarkerPop implements the worker-side handling of spec.md §4.3's
// "Items other than DATA" for every marker kind except FlushStart/FlushStop,
// which never reach the worker (see handleFlushStart/handleFlushStop above).
// It reports true when it has fully handled the item (pushed downstream and
// bookkept), telling runWorker to skip the generic DATA path.
func (mq *MultiQueue) handleMarkerPop(ctx context.Context, sq *SingleQueue, it *item.Item, newID uint64) bool {
	switch it.MarkerKind {
	case item.StreamStart:
		mq.mu.Lock()
		sq.streamGroupIDOut = it.StreamStart.GroupID
		sq.hasStreamGroupIDOut = true
		mq.mu.Unlock()
		mq.pushAndBookkeep(ctx, sq, it, newID, rtime.None)
		return true

	case item.SegmentStart:
		mq.mu.Lock()
		sq.srcSegment = it.Segment
		mq.mu.Unlock()
		mq.recomputeInterleave()
		mq.pushAndBookkeep(ctx, sq, it, newID, rtime.None)
		return true

	case item.Gap:
		nextTime := sq.runningTime(sq.srcSegment, it.Gap.Timestamp)
		mq.mu.Lock()
		if it.Gap.Duration.Defined() {
			sq.srcSegment.Position = it.Gap.Timestamp + it.Gap.Duration
		} else {
			sq.srcSegment.Position = it.Gap.Timestamp
		}
		mq.mu.Unlock()
		mq.pushAndBookkeep(ctx, sq, it, newID, nextTime)
		return true

	case item.SegmentDone:
		// Counts toward the buffering level like EOS while in flight, but
		// does not terminate the worker and clears drop-mode once forwarded.
		mq.mu.Lock()
		sq.isSegDone.Store(true)
		mq.recomputeBufferingLocked(sq)
		mq.mu.Unlock()

		mq.pushAndBookkeep(ctx, sq, it, newID, rtime.None)

		mq.mu.Lock()
		sq.isSegDone.Store(false)
		sq.dropping = false
		mq.recomputeBufferingLocked(sq)
		mq.mu.Unlock()
		return true

	case item.EndOfStream:
		mq.mu.Lock()
		sq.isEOS.Store(true)
		mq.mu.Unlock()
		mq.pushAndBookkeep(ctx, sq, it, newID, rtime.None)
		return true

	default: // OtherSerialized and any other forwarded-as-is marker
		mq.pushAndBookkeep(ctx, sq, it, newID, rtime.None)
		return true
	}
}

// handleQueryPop forwards a serialized QUERY item to the downstream
// collaborator, records the result and wakes up whatever external caller is
// parked in PushQuery's query_handled_cv wait.
func (mq *MultiQueue) handleQueryPop(ctx context.Context, sq *SingleQueue, it *item.Item) {
	fs := sq.pusher.Push(ctx, it)

	mq.mu.Lock()
	sq.queryResult = fs
	sq.queryDone = true
	sq.queryHandledCV.Broadcast()
	mq.mu.Unlock()
}
