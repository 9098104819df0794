package mqueue

import (
	"github.com/justapithecus/multiqueue/adapter"
	"github.com/justapithecus/multiqueue/item"
)

// bufferingLevelLocked computes buffering_level for sq per spec.md §4.2.
// Caller must hold mq.mu.
func (mq *MultiQueue) bufferingLevelLocked(sq *SingleQueue) int64 {
	if sq.flowStatus() == item.FlowNotLinked || sq.isEOS.Load() || sq.isSegDone.Load() || sq.sparse {
		return MaxBufferingLevel
	}

	level := sq.fifo.Level()
	maxBytes := sq.maxBytes.Load()
	maxTimeNs := sq.maxTimeNs.Load()

	var bytesRatio, timeRatio int64
	if maxBytes > 0 {
		bytesRatio = level.Bytes * MaxBufferingLevel / maxBytes
	}
	if maxTimeNs > 0 {
		timeRatio = sq.curTimeNs.Load() * MaxBufferingLevel / maxTimeNs
	}

	lvl := bytesRatio
	if timeRatio > lvl {
		lvl = timeRatio
	}
	if lvl > MaxBufferingLevel {
		lvl = MaxBufferingLevel
	}
	if lvl < 0 {
		lvl = 0
	}
	return lvl
}

// recomputeBufferingLocked re-evaluates the global buffering state after a
// level-affecting event on sq, implementing the hysteresis of spec.md §4.2.
// The published percent is always scaled from sq's own buffering_level, not
// the minimum across queues, and while already buffering it only ever moves
// up: percent = MAX(previous percent, new percent). Caller must hold mq.mu.
func (mq *MultiQueue) recomputeBufferingLocked(sq *SingleQueue) {
	if !mq.useBuffering.Load() {
		return
	}

	high := mq.highWatermarkPPM.Load()
	if high <= 0 {
		high = MaxBufferingLevel
	}
	low := mq.lowWatermarkPPM.Load()

	level := mq.bufferingLevelLocked(sq)

	percent := level * 100 / high
	if percent > 100 {
		percent = 100
	}

	if mq.buffering {
		if level >= high {
			mq.buffering = false
		}
		if int(percent) < mq.bufferingPercent {
			percent = int64(mq.bufferingPercent)
		}
		mq.setPercentLocked(int(percent))
		return
	}

	anyAtHigh := false
	for _, q := range mq.queues {
		if mq.bufferingLevelLocked(q) >= high {
			anyAtHigh = true
			break
		}
	}
	if !anyAtHigh && level < low {
		mq.buffering = true
		mq.setPercentLocked(int(percent))
	}
}

// setPercentLocked records a buffering percent change for the publisher
// goroutine to drain; it is a no-op if the percent is unchanged. Caller
// must hold mq.mu.
func (mq *MultiQueue) setPercentLocked(percent int) {
	if percent == mq.bufferingPercent {
		return
	}
	mq.bufferingPercent = percent
	mq.pendingPercent = percent
	mq.percentChanged = true
	select {
	case mq.bufferNotify <- struct{}{}:
	default:
	}
}

// runBufferingPublisher drains percent-changed notifications under pubMu,
// a mutex distinct from qlock, so emitting the buffering message to the
// host can never block a scheduling decision (spec.md §4.2/§5/§9).
func (mq *MultiQueue) runBufferingPublisher() {
	for range mq.bufferNotify {
		mq.pubMu.Lock()
		mq.mu.Lock()
		changed := mq.percentChanged
		percent := mq.pendingPercent
		mq.percentChanged = false
		mq.mu.Unlock()

		if changed {
			select {
			case mq.bufferingCh <- percent:
			default:
			}
			mq.notifyAdapter(adapter.SignalBuffering, percent)
		}
		mq.pubMu.Unlock()
	}
}
