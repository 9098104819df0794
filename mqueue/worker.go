package mqueue

import (
	"context"
	"errors"

	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/rtime"
)

// runWorker is the per-SingleQueue worker loop of spec.md §4.3. One
// goroutine runs this for the lifetime of a registered SingleQueue; it is
// the Go analogue of gstmultiqueue.c's gst_multi_queue_loop, structured
// the way the teacher's runtime.Operator.Run worker pool separates "pop
// work", "decide", "do work", "bookkeep" into distinct, re-enterable
// steps.
func (mq *MultiQueue) runWorker(sq *SingleQueue) {
	ctx := context.Background()
	defer close(sq.stopped)

	for {
		// 1. Cancellation check. A terminal flow status (step 9) keeps the
		// worker paused here until a flush or release.
		mq.mu.Lock()
		for sq.flowStatus().Terminal() && !sq.flushing {
			sq.turnCV.Wait()
		}
		flushing := sq.flushing
		mq.mu.Unlock()
		if flushing {
			if !mq.waitOutFlush(sq) {
				return // released while flushing
			}
			continue
		}

		// EOS-drain exit: once EndOfStream has been marked and the FIFO
		// has been fully drained, the worker has nothing left to do.
		if sq.isEOS.Load() && sq.fifo.IsEmpty() {
			return
		}

		// 2. Pop (blocking).
		it, cost, ok := sq.fifo.Pop()
		if !ok {
			continue // became flushing mid-pop; loop re-evaluates step 1
		}
		sq.curTimeNs.Add(-cost.TimeNs)

		newID, hasNewID := it.ID()

		// 3. Classify.
		nextTime := mq.runningTimeFor(sq, it)

		// 4. Ordering decision under the MultiQueue lock.
		mq.mu.Lock()
		needsOrdering := sq.flowStatus() == item.FlowNotLinked || !sq.hasLastOldID
		if !needsOrdering {
			if hasNewID && newID != sq.lastOldID+1 {
				needsOrdering = true
			}
			if mq.highID != noID && sq.lastOldID > mq.highID {
				needsOrdering = true
			}
		}

		if needsOrdering {
			sq.nextID = newID
			sq.hasNextID = hasNewID
			sq.nextTime = nextTime
			if nextTime.Defined() && sq.flowStatus() == item.FlowNotLinked {
				sq.nextTime = nextTime + rtime.Time(mq.unlinkedCacheTimeNs.Load())
			}
			if sq.hasLastOldID {
				sq.oldID = sq.lastOldID
				sq.hasOldID = true
			}

			if sq.flowStatus() == item.FlowNotLinked {
				mq.recomputeHighIDLocked()
				mq.recomputeHighTimeLocked()
				shouldWait := mq.shouldWaitLocked(sq)
				for shouldWait && sq.flowStatus() == item.FlowNotLinked && !sq.flushing {
					mq.numWaiting++
					sq.turnCV.Wait()
					mq.numWaiting--
					shouldWait = mq.shouldWaitLocked(sq)
				}
			} else {
				mq.recomputeHighIDLocked()
				mq.recomputeHighTimeLocked()
				mq.wakeUnlinkedLocked()
			}

			sq.hasNextID = false
			sq.nextTime = rtime.None
		}
		flushedDuringWait := sq.flushing
		mq.mu.Unlock()

		// 5. If flushing, go to teardown path.
		if flushedDuringWait {
			continue
		}

		// Non-DATA items get their dedicated handling; DATA falls through
		// to the common push/bookkeeping path below.
		if it.Kind == item.Marker {
			if done := mq.handleMarkerPop(ctx, sq, it, newID); done {
				continue
			}
		} else if it.Kind == item.Query {
			mq.handleQueryPop(ctx, sq, it)
			continue
		}

		mq.pushAndBookkeep(ctx, sq, it, newID, nextTime)
	}
}

// runningTimeFor computes running_time(item): undefined for non-timed
// markers, per spec.md §4.3 step 3.
func (mq *MultiQueue) runningTimeFor(sq *SingleQueue, it *item.Item) rtime.Time {
	switch it.Kind {
	case item.Data:
		return sq.runningTime(sq.srcSegment, it.Timestamp)
	case item.Marker:
		if it.MarkerKind == item.Gap {
			return sq.runningTime(sq.srcSegment, it.Gap.Timestamp)
		}
		return rtime.None
	default:
		return rtime.None
	}
}

// pushAndBookkeep implements spec.md §4.3 steps 6-9 for an item that has
// cleared the ordering decision.
func (mq *MultiQueue) pushAndBookkeep(ctx context.Context, sq *SingleQueue, it *item.Item, newID uint64, nextTime rtime.Time) {
	// 6. Pre-push bookkeeping.
	endTime := mq.runningTimeEnd(sq, it, nextTime)
	mq.mu.Lock()
	if endTime.Defined() && endTime > mq.highTime {
		sq.lastTime = endTime
		mq.recomputeHighTimeLocked()
		mq.wakeUnlinkedLocked()
	} else if endTime.Defined() {
		sq.lastTime = endTime
	}
	mq.mu.Unlock()

	// 7. Push item downstream.
	fs := sq.pusher.Push(ctx, it)

	// 8. Post-push bookkeeping.
	mq.mu.Lock()
	wasActive := sq.pushed
	if wasActive && fs == item.FlowNotLinked {
		for _, other := range mq.queues {
			if other == sq {
				continue
			}
			other.pushed = false
			other.setFlowStatus(item.FlowOK)
			other.turnCV.Signal()
		}
	}
	if it.Kind == item.Data {
		sq.pushed = true
		sq.active = true
	}

	enteringDropMode := fs == item.FlowEOS && !sq.dropping
	if enteringDropMode {
		sq.dropping = true
	}

	sq.setFlowStatus(fs)
	sq.lastOldID = newID
	sq.hasLastOldID = true

	mq.recomputeBufferingLocked(sq)
	terminal := fs.Terminal()
	mq.mu.Unlock()

	mq.recomputeInterleave()

	if mq.collector != nil {
		mq.collector.IncItemsPushed()
	}

	// 9. Loop termination on non-OK/NOT_LINKED/EOS flow statuses: report
	// it here; the worker then pauses at step 1.
	if terminal {
		mq.reportTerminal(sq, fs)
	}
}

// runningTimeEnd computes running_time_end(item): start + duration when
// both are defined, else the start time itself.
func (mq *MultiQueue) runningTimeEnd(sq *SingleQueue, it *item.Item, start rtime.Time) rtime.Time {
	if !start.Defined() {
		return rtime.None
	}
	if it.Kind == item.Data && it.Duration.Defined() {
		return start + it.Duration
	}
	return start
}

func (mq *MultiQueue) reportTerminal(sq *SingleQueue, fs item.FlowStatus) {
	if mq.logger != nil {
		mq.logger.Warn("worker pausing on terminal flow status", map[string]any{"id": sq.id, "flow_status": fs.String()})
	}
	kind := ErrorKindDownstreamClosed
	if fs == item.FlowFatal {
		kind = ErrorKindDownstreamFatal
	}
	if mq.errorPosted.CompareAndSwap(false, true) {
		select {
		case mq.errorCh <- &SchedulerError{QueueID: sq.id, Kind: kind, Err: errors.New("downstream flow status " + fs.String())}:
		default:
		}
	}
}

// waitOutFlush blocks the worker until FlushStop re-arms the queue or the
// queue is released. It returns false when released (the worker should
// exit and let ReleaseInput's wait on sq.stopped complete).
func (mq *MultiQueue) waitOutFlush(sq *SingleQueue) bool {
	mq.mu.Lock()
	for sq.flushing && !sq.released {
		sq.turnCV.Wait()
	}
	released := sq.released
	mq.mu.Unlock()
	return !released
}
