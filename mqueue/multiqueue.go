// Package mqueue implements the MultiQueue core: the synchronization and
// scheduling engine of spec.md, coordinating a dynamic set of SingleQueue
// FIFOs so that independent per-queue limits, cross-stream ordering,
// running-time alignment, interleave sizing and buffering-level signalling
// all hold simultaneously.
//
// The package is grounded on gstmultiqueue.c (see original_source in the
// retrieval pack) for exact coordination semantics, and on the teacher
// repo's worker-pool (runtime.Operator.Run) and mutex-guarded-buffer
// (policy.BufferedPolicy) idioms for Go concurrency style.
package mqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/justapithecus/multiqueue/adapter"
	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/log"
	"github.com/justapithecus/multiqueue/metrics"
	"github.com/justapithecus/multiqueue/queue"
	"github.com/justapithecus/multiqueue/rtime"
)

// Config is the construction-time configuration of a MultiQueue; it seeds
// every set_property default named in spec.md §6.
type Config struct {
	MaxSizeBytes  int64
	MaxSizeItems  int64
	MaxSizeTimeNs int64

	UseBuffering  bool
	LowWatermark  float64 // 0..1
	HighWatermark float64 // 0..1

	SyncByRunningTime   bool
	UseInterleave       bool
	MinInterleaveTimeNs int64
	UnlinkedCacheTimeNs int64

	Logger    *log.Logger
	Collector *metrics.Collector
	Adapter   adapter.Adapter
}

// DefaultConfig mirrors gstmultiqueue.c's documented property defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes:        2 * 1024 * 1024,
		MaxSizeItems:        200,
		MaxSizeTimeNs:       0,
		UseBuffering:        false,
		LowWatermark:        0.10,
		HighWatermark:       0.99,
		SyncByRunningTime:   false,
		UseInterleave:       false,
		MinInterleaveTimeNs: 0,
		UnlinkedCacheTimeNs: int64(250 * 1_000_000), // 250ms, gstreamer's default
	}
}

// MultiQueue is the coordinator owning every registered SingleQueue.
type MultiQueue struct {
	mu      sync.Mutex // qlock: guards queues, counter-adjacent state, per-queue scheduling fields
	pubMu   sync.Mutex // serializes buffering message emission, independent of mu
	reconfMu sync.Mutex // serializes RequestInput/ReleaseInput; acquired before mu

	queues []*SingleQueue // ordered by id, per spec.md's invariant
	byID   map[uint64]*SingleQueue
	nextHandle uint64

	counter atomic.Uint64

	// defaults copied to each new SingleQueue
	defItems, defBytes, defTimeNs atomic.Int64

	useBuffering      atomic.Bool
	lowWatermarkPPM   atomic.Int64
	highWatermarkPPM  atomic.Int64
	syncByRunningTime atomic.Bool
	useInterleave     atomic.Bool
	minInterleaveNs   atomic.Int64
	unlinkedCacheTimeNs atomic.Int64

	// high_id / high_time frontier, guarded by mu
	highID   uint64
	highTime rtime.Time

	// interleave state, guarded by mu. interleaveNs is the single shared
	// value applied to every SingleQueue's max_size.time_ns; groupInterleaves
	// records each producer group's own window-based candidate so other
	// groups can be used as its other_interleave floor.
	interleaveNs          int64
	interleaveIncomplete  bool
	observedSinceUpdateNs int64
	groupInterleaves      map[uint64]int64 // per producer_group current interleave_ns

	// buffering state, guarded by mu except bufferingPercentChanged's
	// drain which happens under pubMu in the publisher goroutine
	buffering        bool
	bufferingPercent int
	pendingPercent   int
	percentChanged   bool

	numWaiting int

	// epoch is incremented by RequestInput and ReleaseInput (bumpEpoch).
	// No turnCV wait reads it: a parked worker re-checks its own
	// predicates under mu each time it wakes.
	epoch atomic.Uint64

	logger    *log.Logger
	collector *metrics.Collector
	adapter   adapter.Adapter

	overrunCh    chan struct{}
	underrunCh   chan struct{}
	bufferingCh  chan int
	bufferNotify chan struct{}
	errorCh      chan *SchedulerError
	errorPosted  atomic.Bool

	closed bool
}

// New constructs a MultiQueue from cfg.
func New(cfg Config) *MultiQueue {
	mq := &MultiQueue{
		byID:             make(map[uint64]*SingleQueue),
		highID:           noID,
		highTime:         rtime.None,
		logger:           cfg.Logger,
		collector:        cfg.Collector,
		adapter:          cfg.Adapter,
		overrunCh:        make(chan struct{}, 1),
		underrunCh:       make(chan struct{}, 1),
		bufferingCh:      make(chan int, 16),
		bufferNotify:     make(chan struct{}, 1),
		errorCh:          make(chan *SchedulerError, 1),
		groupInterleaves: make(map[uint64]int64),
	}
	mq.defItems.Store(cfg.MaxSizeItems)
	mq.defBytes.Store(cfg.MaxSizeBytes)
	mq.defTimeNs.Store(cfg.MaxSizeTimeNs)
	mq.useBuffering.Store(cfg.UseBuffering)
	mq.lowWatermarkPPM.Store(ppm(cfg.LowWatermark))
	mq.highWatermarkPPM.Store(ppm(cfg.HighWatermark))
	mq.syncByRunningTime.Store(cfg.SyncByRunningTime)
	mq.useInterleave.Store(cfg.UseInterleave)
	mq.minInterleaveNs.Store(cfg.MinInterleaveTimeNs)
	mq.unlinkedCacheTimeNs.Store(cfg.UnlinkedCacheTimeNs)
	go mq.runBufferingPublisher()
	return mq
}

func ppm(frac float64) int64 {
	if frac > 1 {
		frac = frac / 100
	}
	return int64(frac * float64(MaxBufferingLevel))
}

func (mq *MultiQueue) defaultMaxSize() Limits {
	return Limits{
		Items:  mq.defItems.Load(),
		Bytes:  mq.defBytes.Load(),
		TimeNs: mq.defTimeNs.Load(),
	}
}

func (mq *MultiQueue) bumpEpoch() {
	mq.epoch.Add(1)
}

// OverrunCh signals whenever any queue fills (spec.md §6 "overrun" signal).
func (mq *MultiQueue) OverrunCh() <-chan struct{} { return mq.overrunCh }

// UnderrunCh signals whenever all queues are empty (spec.md §6 "underrun").
func (mq *MultiQueue) UnderrunCh() <-chan struct{} { return mq.underrunCh }

// BufferingCh delivers buffering(percent) messages (spec.md §6).
func (mq *MultiQueue) BufferingCh() <-chan int { return mq.bufferingCh }

// ErrorCh delivers the first SchedulerError raised by a worker hitting a
// terminal, non-EOS flow status (spec.md §7: "post at most one error
// message per terminal condition"). Subsequent terminal conditions are
// logged but not re-posted once the channel already holds an error.
func (mq *MultiQueue) ErrorCh() <-chan *SchedulerError { return mq.errorCh }

func (mq *MultiQueue) emitOverrun() {
	if mq.collector != nil {
		mq.collector.IncOverrun()
	}
	select {
	case mq.overrunCh <- struct{}{}:
	default:
	}
	mq.notifyAdapter(adapter.SignalOverrun, 0)
}

func (mq *MultiQueue) emitUnderrun() {
	if mq.collector != nil {
		mq.collector.IncUnderrun()
	}
	select {
	case mq.underrunCh <- struct{}{}:
	default:
	}
	mq.notifyAdapter(adapter.SignalUnderrun, 0)
}

func (mq *MultiQueue) notifyAdapter(signal adapter.Signal, percent int) {
	if mq.adapter == nil {
		return
	}
	go func() {
		evt := &adapter.SchedulerEvent{Signal: signal, Percent: percent}
		if err := mq.adapter.Publish(context.Background(), evt); err != nil && mq.logger != nil {
			mq.logger.Warn("adapter publish failed", map[string]any{"error": err.Error(), "signal": signal.String()})
		}
	}()
}

// RequestInput allocates a SingleQueue, per spec.md §6.
func (mq *MultiQueue) RequestInput(opts RequestInputOptions) (Handle, error) {
	mq.reconfMu.Lock()
	defer mq.reconfMu.Unlock()

	mq.mu.Lock()
	var id uint64
	if opts.HasRequestedID {
		if _, taken := mq.byID[opts.RequestedID]; taken {
			mq.mu.Unlock()
			return 0, ErrHandleInUse
		}
		id = opts.RequestedID
	} else {
		id = mq.nextHandle
		mq.nextHandle++
	}
	mq.mu.Unlock()

	physCap := opts.PhysicalCapacity
	sq := newSingleQueue(mq, id, opts, nil)
	fifo := queue.New[*item.Item](queue.Options{
		PhysicalCapacity: physCap,
		CheckFull:        sq.checkFull,
		OnFull:           func() { mq.onOverrun(sq) },
		OnEmpty:          func() { mq.onUnderrun(sq) },
	})
	sq.fifo = fifo

	mq.mu.Lock()
	mq.queues = append(mq.queues, sq)
	mq.byID[id] = sq
	mq.recomputeHighIDLocked()
	mq.recomputeHighTimeLocked()
	mq.bumpEpoch()
	mq.mu.Unlock()

	go mq.runWorker(sq)

	if mq.logger != nil {
		mq.logger.Info("single queue registered", map[string]any{"id": id, "debug_id": sq.debugID, "group_id": opts.GroupID})
	}
	return Handle(id), nil
}

// ReleaseInput removes the SingleQueue for h, flushing and joining its
// worker.
func (mq *MultiQueue) ReleaseInput(h Handle) error {
	mq.reconfMu.Lock()
	defer mq.reconfMu.Unlock()

	mq.mu.Lock()
	sq, ok := mq.byID[uint64(h)]
	if !ok {
		mq.mu.Unlock()
		return ErrUnknownHandle
	}
	sq.flushing = true
	sq.released = true
	sq.setFlowStatus(item.FlowFlushing)
	sq.turnCV.Broadcast()
	sq.queryHandledCV.Broadcast()
	mq.mu.Unlock()

	sq.fifo.SetFlushing(true)
	<-sq.stopped

	mq.mu.Lock()
	delete(mq.byID, uint64(h))
	for i, q := range mq.queues {
		if q.id == sq.id {
			mq.queues = append(mq.queues[:i], mq.queues[i+1:]...)
			break
		}
	}
	mq.recomputeHighIDLocked()
	mq.recomputeHighTimeLocked()
	mq.bumpEpoch()
	mq.mu.Unlock()

	if mq.logger != nil {
		mq.logger.Info("single queue released", map[string]any{"id": uint64(h)})
	}
	return nil
}

// PushData pushes a DATA item into the SingleQueue named by h.
func (mq *MultiQueue) PushData(ctx context.Context, h Handle, it *item.Item) item.FlowStatus {
	return mq.push(ctx, h, it)
}

// PushEvent pushes a MARKER item (event) into the SingleQueue named by h.
func (mq *MultiQueue) PushEvent(ctx context.Context, h Handle, it *item.Item) item.FlowStatus {
	return mq.push(ctx, h, it)
}

// PushQuery pushes a serialized QUERY and waits for the worker to handle
// it, returning the forwarded result, or refuses it synchronously per
// spec.md §4.3's deadlock-avoidance rule.
func (mq *MultiQueue) PushQuery(ctx context.Context, h Handle, it *item.Item) (item.FlowStatus, error) {
	mq.mu.Lock()
	sq, ok := mq.byID[uint64(h)]
	if !ok {
		mq.mu.Unlock()
		return item.FlowClosed, ErrUnknownHandle
	}
	if mq.useBuffering.Load() && mq.buffering && !sq.fifo.IsEmpty() {
		mq.mu.Unlock()
		return item.FlowFatal, ErrQueryRefused
	}
	mq.mu.Unlock()

	if !it.QuerySerialized {
		fs := sq.pusher.Push(ctx, it)
		return fs, nil
	}

	fs := mq.push(ctx, h, it)
	if fs != item.FlowOK {
		return fs, nil
	}

	mq.mu.Lock()
	for !sq.queryDone && !sq.flushing {
		sq.queryHandledCV.Wait()
	}
	result := sq.queryResult
	sq.queryDone = false
	flushed := sq.flushing
	mq.mu.Unlock()
	if flushed {
		return item.FlowFlushing, nil
	}
	return result, nil
}

func (mq *MultiQueue) push(ctx context.Context, h Handle, it *item.Item) item.FlowStatus {
	mq.mu.Lock()
	sq, ok := mq.byID[uint64(h)]
	if !ok {
		mq.mu.Unlock()
		return item.FlowClosed
	}
	fs := sq.flowStatus()
	mq.mu.Unlock()
	if fs == item.FlowEOS || sq.isEOS.Load() {
		return item.FlowEOS
	}
	if fs == item.FlowFlushing && !(it.Kind == item.Marker && it.MarkerKind == item.FlushStop) {
		return item.FlowFlushing
	}

	// FlushStart/FlushStop are never enqueued: they are handled inline on
	// the producer thread, the way gst_single_queue_flush_start/-stop do
	// not go through the data queue at all (spec.md §4.3, §9).
	if it.Kind == item.Marker {
		switch it.MarkerKind {
		case item.FlushStart:
			return mq.handleFlushStart(ctx, sq, it)
		case item.FlushStop:
			return mq.handleFlushStop(ctx, sq, it)
		}
	}

	mq.handleProducerSideEvent(sq, it)

	force := it.Kind == item.Marker && !it.MarkerKind.Serialized()
	if it.Kind == item.Marker {
		switch it.MarkerKind {
		case item.Gap, item.SegmentStart:
			force = true
		}
	}

	id := mq.counter.Add(1) - 1
	it.SetID(id)

	cost := queue.Level{Items: 1, Bytes: it.SizeBytes, TimeNs: itemDurationNs(it)}
	if !sq.fifo.Push(it, cost, force) {
		return item.FlowFlushing
	}

	sq.curTimeNs.Add(cost.TimeNs)

	mq.mu.Lock()
	mq.observedSinceUpdateNs += cost.TimeNs
	mq.mu.Unlock()

	mq.recomputeInterleave()

	return item.FlowOK
}

func itemDurationNs(it *item.Item) int64 {
	if it.Duration.Defined() {
		return int64(it.Duration)
	}
	return 0
}

// SetProperty applies a set_property call, per spec.md §6.
func (mq *MultiQueue) SetProperty(key PropertyKey, value any) error {
	switch key {
	case PropMaxSizeBytes:
		mq.defBytes.Store(mustInt64(value))
	case PropMaxSizeItems:
		mq.defItems.Store(mustInt64(value))
	case PropMaxSizeTimeNs:
		mq.defTimeNs.Store(mustInt64(value))
	case PropExtraSizeBytes, PropExtraSizeItems, PropExtraSizeTimeNs:
		// reserved: carried through but not enforced, per spec.md §6.
	case PropUseBuffering:
		mq.useBuffering.Store(mustBool(value))
	case PropLowWatermark:
		mq.lowWatermarkPPM.Store(ppm(mustFloat(value)))
	case PropHighWatermark:
		mq.highWatermarkPPM.Store(ppm(mustFloat(value)))
	case PropSyncByRunningTime:
		mq.syncByRunningTime.Store(mustBool(value))
	case PropUseInterleave:
		mq.useInterleave.Store(mustBool(value))
	case PropUnlinkedCacheTimeNs:
		mq.unlinkedCacheTimeNs.Store(mustInt64(value))
	case PropMinInterleaveTimeNs:
		v := mustInt64(value)
		mq.mu.Lock()
		if v > mq.minInterleaveNs.Load() {
			mq.minInterleaveNs.Store(v)
		}
		mq.mu.Unlock()
		mq.recomputeInterleave()
	default:
		return fmt.Errorf("mqueue: unknown property key %d", key)
	}

	mq.mu.Lock()
	for _, sq := range mq.queues {
		sq.fifo.LimitsChanged()
	}
	mq.mu.Unlock()
	return nil
}

// GetProperty reads back a property set via SetProperty.
func (mq *MultiQueue) GetProperty(key PropertyKey) (any, error) {
	switch key {
	case PropMaxSizeBytes:
		return mq.defBytes.Load(), nil
	case PropMaxSizeItems:
		return mq.defItems.Load(), nil
	case PropMaxSizeTimeNs:
		return mq.defTimeNs.Load(), nil
	case PropUseBuffering:
		return mq.useBuffering.Load(), nil
	case PropLowWatermark:
		return float64(mq.lowWatermarkPPM.Load()) / float64(MaxBufferingLevel), nil
	case PropHighWatermark:
		return float64(mq.highWatermarkPPM.Load()) / float64(MaxBufferingLevel), nil
	case PropSyncByRunningTime:
		return mq.syncByRunningTime.Load(), nil
	case PropUseInterleave:
		return mq.useInterleave.Load(), nil
	case PropUnlinkedCacheTimeNs:
		return mq.unlinkedCacheTimeNs.Load(), nil
	case PropMinInterleaveTimeNs:
		return mq.minInterleaveNs.Load(), nil
	default:
		return nil, fmt.Errorf("mqueue: unknown property key %d", key)
	}
}

// Stats returns the read-only per-queue `stats` property.
func (mq *MultiQueue) Stats() []QueueStats {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	out := make([]QueueStats, 0, len(mq.queues))
	for _, sq := range mq.queues {
		level := sq.fifo.Level()
		out = append(out, QueueStats{
			ID:             sq.id,
			GroupID:        sq.groupID,
			Items:          level.Items,
			Bytes:          level.Bytes,
			TimeNs:         sq.curTimeNs.Load(),
			FlowStatus:     sq.flowStatus(),
			IsEOS:          sq.isEOS.Load(),
			BufferingLevel: mq.bufferingLevelLocked(sq),
			MaxItems:       sq.maxItems.Load(),
			MaxBytes:       sq.maxBytes.Load(),
			MaxTimeNs:      sq.maxTimeNs.Load(),
		})
	}
	return out
}

func mustInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	case uint:
		return int64(x)
	default:
		return 0
	}
}

func mustBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func mustFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}
