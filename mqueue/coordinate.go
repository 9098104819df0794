package mqueue

import (
	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/rtime"
)

// recomputeHighIDLocked recomputes high_id per spec.md §4.2. Caller must
// hold mq.mu.
func (mq *MultiQueue) recomputeHighIDLocked() {
	var best uint64
	hasBest := false
	var lowestWaitingNext uint64
	hasLowestWaiting := false

	for _, sq := range mq.queues {
		if sq.flowStatus() == item.FlowNotLinked {
			if sq.hasNextID {
				if !hasLowestWaiting || sq.nextID < lowestWaitingNext {
					lowestWaitingNext = sq.nextID
					hasLowestWaiting = true
				}
			}
			continue
		}
		if sq.isEOS.Load() {
			continue
		}
		if sq.hasOldID {
			if !hasBest || sq.oldID > best {
				best = sq.oldID
				hasBest = true
			}
		}
	}
	if hasBest {
		mq.highID = best
		return
	}
	if hasLowestWaiting {
		mq.highID = lowestWaitingNext
		return
	}
	mq.highID = noID
}

// recomputeHighTimeLocked recomputes high_time (and every group's
// group_high_time) per spec.md §4.2. Caller must hold mq.mu.
func (mq *MultiQueue) recomputeHighTimeLocked() {
	if !mq.syncByRunningTime.Load() {
		mq.highTime = rtime.None
		return
	}

	var best rtime.Time = rtime.None
	var lowestWaiting rtime.Time = rtime.None

	groups := make(map[uint64][]*SingleQueue)

	for _, sq := range mq.queues {
		groups[sq.groupID] = append(groups[sq.groupID], sq)

		if sq.flowStatus() == item.FlowNotLinked {
			if sq.nextTime.Defined() {
				if !lowestWaiting.Defined() || sq.nextTime < lowestWaiting {
					lowestWaiting = sq.nextTime
				}
			}
			continue
		}
		if sq.isEOS.Load() {
			continue
		}
		if sq.lastTime.Defined() && sq.lastTime > best {
			best = sq.lastTime
		}
	}

	if best.Defined() {
		mq.highTime = best
	} else if lowestWaiting.Defined() {
		mq.highTime = lowestWaiting
	} else {
		mq.highTime = rtime.None
	}

	for gid, members := range groups {
		if len(members) < 2 {
			for _, sq := range members {
				sq.groupHighTime = mq.highTime
				sq.hasGroupHighTime = mq.highTime.Defined()
			}
			continue
		}
		var gbest rtime.Time = rtime.None
		var glowest rtime.Time = rtime.None
		for _, sq := range members {
			if sq.flowStatus() == item.FlowNotLinked {
				if sq.nextTime.Defined() && (!glowest.Defined() || sq.nextTime < glowest) {
					glowest = sq.nextTime
				}
				continue
			}
			if sq.isEOS.Load() {
				continue
			}
			if sq.lastTime.Defined() && sq.lastTime > gbest {
				gbest = sq.lastTime
			}
		}
		var groupTime rtime.Time
		if gbest.Defined() {
			groupTime = gbest
		} else if glowest.Defined() {
			groupTime = glowest
		} else {
			groupTime = mq.highTime
		}
		_ = gid
		for _, sq := range members {
			sq.groupHighTime = groupTime
			sq.hasGroupHighTime = groupTime.Defined()
		}
	}
}

// highID / highTime return the current frontier values. Caller must hold
// mq.mu.
func (mq *MultiQueue) highIDLocked() uint64    { return mq.highID }
func (mq *MultiQueue) highTimeLocked() rtime.Time { return mq.highTime }

// wakeUnlinkedLocked implements spec.md §4.2's wake-up policy: walk
// queues and signal turn_cv for every NOT_LINKED stream whose parking
// condition no longer holds. Caller must hold mq.mu.
func (mq *MultiQueue) wakeUnlinkedLocked() {
	for _, sq := range mq.queues {
		if sq.flowStatus() != item.FlowNotLinked {
			continue
		}
		if !sq.hasNextID {
			continue
		}
		shouldWait := mq.shouldWaitLocked(sq)
		if !shouldWait {
			sq.turnCV.Signal()
		}
	}
}

// shouldWaitLocked implements the should_wait predicate of spec.md §4.3
// step 4c. Caller must hold mq.mu.
func (mq *MultiQueue) shouldWaitLocked(sq *SingleQueue) bool {
	if mq.syncByRunningTime.Load() {
		if !sq.nextTime.Defined() {
			return false
		}
		frontier := mq.highTime
		if sq.hasGroupHighTime {
			frontier = sq.groupHighTime
		}
		return !frontier.Defined() || sq.nextTime > frontier
	}
	if !sq.hasNextID {
		return false
	}
	if mq.highID == noID {
		return false
	}
	return sq.nextID > mq.highID
}
