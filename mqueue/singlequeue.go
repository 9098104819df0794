package mqueue

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/queue"
	"github.com/justapithecus/multiqueue/rtime"
)

// SingleQueue is one stream's FIFO, its segment state, and its wait cell.
//
// Fields are grouped by owner. Most cross-queue-visible state is guarded
// by the owning MultiQueue's mu (qlock), exactly as spec.md §5 describes.
// One subset — isEOS, isSegmentDone, flowStatus, curTimeNs and maxSize —
// is additionally mirrored into atomics: the BoundedItemQueue capacity
// check (checkFull) runs while the queue's own internal mutex is held,
// never mq.mu, so it cannot safely take mq.mu without risking a lock-order
// inversion against the places that call fifo.LimitsChanged()/Flush()
// while already holding mq.mu. Reading the check's inputs through atomics
// sidesteps that without widening the queue package's lock surface.
type SingleQueue struct {
	id            uint64
	debugID       string // uuid, the Go analogue of gstreamer's sq->debug_id
	groupID       uint64
	producerGroup uint64
	sparse        bool

	fifo *queue.BoundedItemQueue[*item.Item]

	pusher      Pusher
	runningTime rtime.Func

	mq *MultiQueue

	// capacity-check inputs, atomic (see doc above)
	maxItems  atomic.Int64
	maxBytes  atomic.Int64
	maxTimeNs atomic.Int64
	curTimeNs atomic.Int64
	isEOS     atomic.Bool
	isSegDone atomic.Bool
	flowStat  atomic.Int32

	// --- qlock-guarded scheduling state ---
	isSparse      bool
	flushing      bool
	released      bool // true once ReleaseInput has torn this queue down
	active        bool
	pushed        bool
	dropping      bool // EOS drop-mode

	nextID       uint64
	hasNextID    bool
	oldID        uint64
	hasOldID     bool
	lastOldID    uint64
	hasLastOldID bool

	nextTime rtime.Time
	lastTime rtime.Time

	groupHighTime    rtime.Time
	hasGroupHighTime bool

	interleaveNs int64

	turnCV         *sync.Cond
	queryHandledCV *sync.Cond
	queryResult    item.FlowStatus
	queryDone      bool

	streamGroupIDIn, streamGroupIDOut       uint64
	hasStreamGroupIDIn, hasStreamGroupIDOut bool
	streamGroupChangedIn                    bool

	// --- producer-owned (one producer goroutine per stream) ---
	sinkSegment    rtime.Segment
	sinkTime       rtime.Time
	sinkStartTime  rtime.Time
	cachedSinkTime rtime.Time
	sinkTainted    bool

	// --- worker-owned ---
	srcSegment rtime.Segment

	// sticky marker cache, replayed on FlushStop (spec.md §9)
	stickyStreamStart  *item.Item
	stickySegmentStart *item.Item

	stopped chan struct{}
}

func newSingleQueue(mq *MultiQueue, id uint64, opts RequestInputOptions, fifo *queue.BoundedItemQueue[*item.Item]) *SingleQueue {
	rt := opts.RunningTime
	if rt == nil {
		rt = rtime.Linear
	}
	def := mq.defaultMaxSize()
	sq := &SingleQueue{
		id:             id,
		debugID:        uuid.NewString(),
		groupID:        opts.GroupID,
		producerGroup:  opts.ProducerGroup,
		sparse:         opts.Sparse,
		fifo:           fifo,
		pusher:         opts.Pusher,
		runningTime:    rt,
		mq:             mq,
		nextTime:       rtime.None,
		lastTime:       rtime.None,
		groupHighTime:  rtime.None,
		sinkSegment:    rtime.Segment{Rate: 1, Start: rtime.None, Stop: rtime.None, Position: rtime.None, Base: rtime.None},
		srcSegment:     rtime.Segment{Rate: 1, Start: rtime.None, Stop: rtime.None, Position: rtime.None, Base: rtime.None},
		sinkTime:       rtime.None,
		sinkStartTime:  rtime.None,
		cachedSinkTime: rtime.None,
		stopped:        make(chan struct{}),
	}
	sq.maxItems.Store(def.Items)
	sq.maxBytes.Store(def.Bytes)
	sq.maxTimeNs.Store(def.TimeNs)
	sq.flowStat.Store(int32(item.FlowOK))
	sq.turnCV = sync.NewCond(&mq.mu)
	sq.queryHandledCV = sync.NewCond(&mq.mu)
	return sq
}

// DebugID returns the stream's stable debug identifier.
func (sq *SingleQueue) DebugID() string { return sq.debugID }

// ID returns the stream's stable numeric id.
func (sq *SingleQueue) ID() uint64 { return sq.id }

func (sq *SingleQueue) flowStatus() item.FlowStatus {
	return item.FlowStatus(sq.flowStat.Load())
}

// setFlowStatus must be called with mq.mu held; it keeps the atomic mirror
// used by checkFull in sync.
func (sq *SingleQueue) setFlowStatus(fs item.FlowStatus) {
	sq.flowStat.Store(int32(fs))
}

func (sq *SingleQueue) maxSize() Limits {
	return Limits{
		Items:  sq.maxItems.Load(),
		Bytes:  sq.maxBytes.Load(),
		TimeNs: sq.maxTimeNs.Load(),
	}
}

// checkFull is the BoundedItemQueue capacity-check callback, implementing
// spec.md §4.1's rule set. It reads only atomic state (see struct doc) and
// runs without mq.mu held.
func (sq *SingleQueue) checkFull(level queue.Level) bool {
	if sq.isEOS.Load() || sq.isSegDone.Load() {
		return true
	}
	useBuffering := sq.mq.useBuffering.Load()
	maxItems := sq.maxItems.Load()
	maxBytes := sq.maxBytes.Load()
	maxTimeNs := sq.maxTimeNs.Load()

	if !useBuffering && maxItems > 0 && level.Items >= maxItems {
		return true
	}
	if maxBytes > 0 && level.Bytes >= maxBytes {
		return true
	}
	if !sq.sparse || !sq.mq.syncByRunningTime.Load() {
		curTimeNs := sq.curTimeNs.Load()
		if maxTimeNs > 0 && curTimeNs >= maxTimeNs {
			return true
		}
		if sq.mq.syncByRunningTime.Load() && sq.flowStatus() == item.FlowNotLinked && maxTimeNs > 0 &&
			curTimeNs-sq.mq.unlinkedCacheTimeNs.Load() >= maxTimeNs {
			return true
		}
	}
	return false
}
