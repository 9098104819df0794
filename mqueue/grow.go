package mqueue

// onOverrun is the BoundedItemQueue overrun callback: it runs whenever sq
// is about to block a pusher, under the MultiQueue lock. This is spec.md
// §4.3's "grow to avoid deadlock" rule — the single most important
// liveness guarantee in the whole scheduler: a slow or not-yet-consumed
// stream can never wedge a fast one forever.
func (mq *MultiQueue) onOverrun(sq *SingleQueue) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if sq.isEOS.Load() {
		mq.emitOverrun()
		return
	}
	if mq.overHardLimitsLocked(sq) {
		mq.emitOverrun()
		return
	}

	grew := false
	for _, other := range mq.queues {
		if other == sq || other.sparse {
			continue
		}
		if other.flowStatus().Linked() && other.fifo.IsEmpty() {
			sq.maxItems.Store(sq.fifo.Level().Items + 1)
			grew = true
			break
		}
	}
	if !grew {
		mq.emitOverrun()
		return
	}
	if mq.logger != nil {
		mq.logger.Debug("grew queue to avoid deadlock", map[string]any{"id": sq.id, "new_max_items": sq.maxItems.Load()})
	}
	if mq.collector != nil {
		mq.collector.IncGrow()
	}
}

// overHardLimitsLocked reports whether sq is over its byte or time hard
// limit, in which case overrun must not grow it further. Caller must hold
// mq.mu.
func (mq *MultiQueue) overHardLimitsLocked(sq *SingleQueue) bool {
	level := sq.fifo.Level()
	maxBytes := sq.maxBytes.Load()
	maxTimeNs := sq.maxTimeNs.Load()
	if maxBytes > 0 && level.Bytes >= maxBytes {
		return true
	}
	if maxTimeNs > 0 && sq.curTimeNs.Load() >= maxTimeNs {
		return true
	}
	return false
}

// onUnderrun is the BoundedItemQueue underrun callback: it runs whenever
// sq transitions to empty, under the MultiQueue lock. For every other
// queue that is full at the item axis, it raises that queue's item cap;
// if every queue is now empty, it emits the underrun notification.
func (mq *MultiQueue) onUnderrun(sq *SingleQueue) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	allEmpty := true
	for _, other := range mq.queues {
		if !other.fifo.IsEmpty() {
			allEmpty = false
		}
		if other == sq {
			continue
		}
		if other.sparse {
			continue
		}
		level := other.fifo.Level()
		maxItems := other.maxItems.Load()
		if maxItems > 0 && level.Items >= maxItems {
			other.maxItems.Store(level.Items + 1)
			other.fifo.LimitsChanged()
		}
	}
	if allEmpty {
		mq.emitUnderrun()
	}
	mq.wakeUnlinkedLocked()
}
