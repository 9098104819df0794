// Package queue implements BoundedItemQueue, the bounded producer/consumer
// FIFO each SingleQueue owns.
//
// spec.md treats the lock-free queue primitive itself as an external
// service ("the underlying lock-free byte-sized queue primitive is assumed
// available as a BoundedItemQueue service") — so the physical ring here is
// code.hybscloud.com/lfq's MPSC, the one real lock-free queue library in
// reach. lfq's Enqueue/Dequeue are non-blocking (they return
// lfq.ErrWouldBlock instead of parking), so the blocking push/pop, the
// three-axis accounting (items/bytes/time) and the flush/capacity-check
// semantics spec.md actually asks for are layered on top with a mutex and
// two condition variables, in the same push/pop-under-lock style the
// teacher's policy.BufferedPolicy uses around its own buffer.
package queue

import (
	"sync"

	"code.hybscloud.com/lfq"
)

// Level is the queue's current accounted usage along the three axes the
// capacity check reasons about.
type Level struct {
	Items  int64
	Bytes  int64
	TimeNs int64
}

// CheckFullFunc reports whether the queue should be considered full given
// its current level. It is supplied by the owning SingleQueue and may
// close over additional state (EOS, sparse, unlinked cache time) the queue
// itself does not track — see spec.md §4.1's capacity-check callback.
type CheckFullFunc func(level Level) bool

// Options configures a new BoundedItemQueue.
type Options struct {
	// PhysicalCapacity bounds the backing lock-free ring. It is rounded up
	// to a power of two by lfq and is independent of the logical
	// (items/bytes/time) limits CheckFull enforces — a generous fixed
	// physical capacity decoupled from the dynamically-growable logical
	// limit is the one necessary departure from a literal GstDataQueue
	// (an unbounded linked list), see DESIGN.md.
	PhysicalCapacity int
	CheckFull        CheckFullFunc

	// OnFull, if set, is invoked at most once per blocking Push call, the
	// moment CheckFull first reports full — and crucially, outside this
	// queue's own internal mutex, so it is free to take whatever locks its
	// owner needs (e.g. the MultiQueue's qlock to grow another queue's
	// limit) without risking a lock-order inversion against code that
	// calls back into this queue while already holding that lock. Once it
	// returns, the capacity check is re-evaluated.
	OnFull func()

	// OnEmpty, if set, is invoked outside the internal mutex immediately
	// after a Pop leaves the queue with zero items.
	OnEmpty func()
}

const defaultPhysicalCapacity = 4096

type entry[T any] struct {
	val  T
	cost Level
}

// BoundedItemQueue is a FIFO with push(force?), blocking pop, flush, and
// full/empty/level introspection, per spec.md §4.1.
type BoundedItemQueue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	ring      *lfq.MPSC[entry[T]]
	checkFull CheckFullFunc
	onFull    func()
	onEmpty   func()

	level    Level
	flushing bool
}

// New constructs a BoundedItemQueue.
func New[T any](opts Options) *BoundedItemQueue[T] {
	capacity := opts.PhysicalCapacity
	if capacity <= 0 {
		capacity = defaultPhysicalCapacity
	}
	q := &BoundedItemQueue[T]{
		ring:      lfq.NewMPSC[entry[T]](capacity),
		checkFull: opts.CheckFull,
		onFull:    opts.OnFull,
		onEmpty:   opts.OnEmpty,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues val with the given accounting cost. If force is false and
// the capacity check reports full, Push blocks until room is available or
// the queue starts flushing. force=true skips the capacity check (used for
// control items such as Gap/SegmentStart that must never be dropped for
// capacity) but can still briefly block if the physical ring itself is
// momentarily exhausted.
//
// Push returns false if the queue became flushing while the caller was
// blocked (or already was), in which case val was not enqueued.
func (q *BoundedItemQueue[T]) Push(val T, cost Level, force bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !force {
		triedOnFull := false
		for !q.flushing && q.checkFull != nil && q.checkFull(q.level) {
			if !triedOnFull && q.onFull != nil {
				onFull := q.onFull
				q.mu.Unlock()
				onFull()
				q.mu.Lock()
				triedOnFull = true
				continue
			}
			q.notFull.Wait()
		}
	}
	if q.flushing {
		return false
	}

	e := entry[T]{val: val, cost: cost}
	for {
		if err := q.ring.Enqueue(&e); err == nil {
			break
		}
		if q.flushing {
			return false
		}
		q.notFull.Wait()
	}

	q.level.Items++
	q.level.Bytes += cost.Bytes
	q.level.TimeNs += cost.TimeNs
	q.notEmpty.Signal()
	return true
}

// Pop blocks until an item is available or the queue becomes flushing, in
// which case ok is false and val is the zero value.
func (q *BoundedItemQueue[T]) Pop() (val T, cost Level, ok bool) {
	q.mu.Lock()
	for {
		if q.flushing {
			q.mu.Unlock()
			return val, Level{}, false
		}
		e, err := q.ring.Dequeue()
		if err == nil {
			q.level.Items--
			q.level.Bytes -= e.cost.Bytes
			q.level.TimeNs -= e.cost.TimeNs
			becameEmpty := q.level.Items == 0
			q.notFull.Broadcast()
			onEmpty := q.onEmpty
			q.mu.Unlock()
			if becameEmpty && onEmpty != nil {
				onEmpty()
			}
			return e.val, e.cost, true
		}
		q.notEmpty.Wait()
	}
}

// Flush drops all queued items atomically and resets the level to zero,
// waking any blocked pusher or popper.
func (q *BoundedItemQueue[T]) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if _, err := q.ring.Dequeue(); err != nil {
			break
		}
	}
	q.level = Level{}
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// SetFlushing toggles flushing mode. Setting it true unblocks every
// blocked Push/Pop immediately (they return ok=false); setting it false
// re-arms the queue for normal operation.
func (q *BoundedItemQueue[T]) SetFlushing(flushing bool) {
	q.mu.Lock()
	q.flushing = flushing
	q.mu.Unlock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// LimitsChanged re-evaluates the capacity check for blocked pushers. The
// owner calls this every time max_size grows or cur_time_ns decreases.
func (q *BoundedItemQueue[T]) LimitsChanged() {
	q.notFull.Broadcast()
}

// Level returns a snapshot of the current accounted usage.
func (q *BoundedItemQueue[T]) Level() Level {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level
}

// IsEmpty reports whether the queue currently holds zero items.
func (q *BoundedItemQueue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level.Items == 0
}

// IsFull reports whether the capacity check currently considers the queue
// full.
func (q *BoundedItemQueue[T]) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkFull != nil && q.checkFull(q.level)
}
