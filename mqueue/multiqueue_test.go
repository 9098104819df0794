package mqueue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/rtime"
)

func noopPusher() Pusher {
	return PusherFunc(func(_ context.Context, _ *item.Item) item.FlowStatus { return item.FlowOK })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestInput_SequentialHandles(t *testing.T) {
	mq := New(DefaultConfig())
	for i := 0; i < 3; i++ {
		h, err := mq.RequestInput(RequestInputOptions{Pusher: noopPusher()})
		if err != nil {
			t.Fatalf("RequestInput(%d): %v", i, err)
		}
		if h != Handle(i) {
			t.Errorf("handle %d = %d, want %d", i, h, i)
		}
	}
}

func TestRequestInput_RequestedIDConflict(t *testing.T) {
	mq := New(DefaultConfig())
	if _, err := mq.RequestInput(RequestInputOptions{RequestedID: 5, HasRequestedID: true, Pusher: noopPusher()}); err != nil {
		t.Fatalf("first RequestInput: %v", err)
	}
	_, err := mq.RequestInput(RequestInputOptions{RequestedID: 5, HasRequestedID: true, Pusher: noopPusher()})
	if !errors.Is(err, ErrHandleInUse) {
		t.Errorf("err = %v, want ErrHandleInUse", err)
	}
}

func TestReleaseInput_UnknownHandle(t *testing.T) {
	mq := New(DefaultConfig())
	if err := mq.ReleaseInput(Handle(999)); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("err = %v, want ErrUnknownHandle", err)
	}
}

func TestStats_ReflectsGroupID(t *testing.T) {
	mq := New(DefaultConfig())
	h, err := mq.RequestInput(RequestInputOptions{GroupID: 7, Pusher: noopPusher()})
	if err != nil {
		t.Fatal(err)
	}

	stats := mq.Stats()
	if len(stats) != 1 || stats[0].ID != uint64(h) || stats[0].GroupID != 7 {
		t.Errorf("Stats() = %+v, want one entry with ID=%d GroupID=7", stats, uint64(h))
	}
}

func TestSetGetProperty_Roundtrip(t *testing.T) {
	mq := New(DefaultConfig())

	if err := mq.SetProperty(PropMaxSizeItems, int64(500)); err != nil {
		t.Fatal(err)
	}
	got, err := mq.GetProperty(PropMaxSizeItems)
	if err != nil {
		t.Fatal(err)
	}
	if got.(int64) != 500 {
		t.Errorf("PropMaxSizeItems = %v, want 500", got)
	}

	if err := mq.SetProperty(PropUseBuffering, true); err != nil {
		t.Fatal(err)
	}
	got, err = mq.GetProperty(PropUseBuffering)
	if err != nil {
		t.Fatal(err)
	}
	if got.(bool) != true {
		t.Errorf("PropUseBuffering = %v, want true", got)
	}
}

// TestPushData_FIFOOrderSingleQueue grounds spec.md §8's per-queue FIFO
// ordering invariant: items leave a SingleQueue in the order they arrived.
func TestPushData_FIFOOrderSingleQueue(t *testing.T) {
	var mu sync.Mutex
	var got []int64
	pusher := PusherFunc(func(_ context.Context, it *item.Item) item.FlowStatus {
		if it.Kind == item.Data {
			mu.Lock()
			got = append(got, int64(it.Timestamp))
			mu.Unlock()
		}
		return item.FlowOK
	})

	mq := New(DefaultConfig())
	h, err := mq.RequestInput(RequestInputOptions{Pusher: pusher})
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		fs := mq.PushData(context.Background(), h, item.NewData(8, rtime.Time(i), rtime.Time(1)))
		if fs != item.FlowOK {
			t.Fatalf("PushData(%d) = %v, want FlowOK", i, fs)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, ts := range got {
		if ts != int64(i) {
			t.Fatalf("delivery order broken at index %d: got timestamp %d, want %d", i, ts, i)
		}
	}
}

// TestPushData_UnlinkedDoesNotBlockLinked grounds spec.md §8's liveness
// invariant: a NOT_LINKED stream parked waiting its ordering turn must not
// prevent a linked stream's data from being pushed and delivered.
func TestPushData_UnlinkedDoesNotBlockLinked(t *testing.T) {
	linkedPusher := PusherFunc(func(_ context.Context, _ *item.Item) item.FlowStatus { return item.FlowOK })
	unlinkedPusher := PusherFunc(func(_ context.Context, _ *item.Item) item.FlowStatus { return item.FlowNotLinked })

	mq := New(DefaultConfig())
	hLinked, err := mq.RequestInput(RequestInputOptions{GroupID: 0, Pusher: linkedPusher})
	if err != nil {
		t.Fatal(err)
	}
	hUnlinked, err := mq.RequestInput(RequestInputOptions{GroupID: 0, Pusher: unlinkedPusher})
	if err != nil {
		t.Fatal(err)
	}

	// Give the unlinked stream one item; delivering it flips its flow
	// status to NOT_LINKED, and its worker then idles waiting on its own
	// empty fifo rather than on anything tied to the linked stream.
	mq.PushData(context.Background(), hUnlinked, item.NewData(8, rtime.Time(0), rtime.Time(1)))

	const n = 20
	for i := 0; i < n; i++ {
		fs := mq.PushData(context.Background(), hLinked, item.NewData(8, rtime.Time(i), rtime.Time(1)))
		if fs != item.FlowOK {
			t.Fatalf("PushData(linked, %d) = %v, want FlowOK", i, fs)
		}
	}

	waitFor(t, func() bool {
		for _, qs := range mq.Stats() {
			if qs.ID == uint64(hLinked) {
				return qs.Items == 0
			}
		}
		return false
	})
}

// TestOnOverrun_GrowsToAvoidDeadlock grounds spec.md §8's "grow to unstick"
// liveness invariant, mirroring gstmultiqueue.c's single_queue_overrun_cb:
// a queue that would otherwise block forever has its item cap raised when
// another linked queue is empty, rather than wedging its producer.
func TestOnOverrun_GrowsToAvoidDeadlock(t *testing.T) {
	poppedFirst := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	pusherA := PusherFunc(func(_ context.Context, it *item.Item) item.FlowStatus {
		if it.Kind == item.Data {
			once.Do(func() { close(poppedFirst) })
			<-release
		}
		return item.FlowOK
	})

	cfg := DefaultConfig()
	cfg.MaxSizeItems = 2
	mq := New(cfg)

	hA, err := mq.RequestInput(RequestInputOptions{Pusher: pusherA})
	if err != nil {
		t.Fatal(err)
	}
	// hB is empty and linked: the only queue onOverrun may grow hA against.
	if _, err := mq.RequestInput(RequestInputOptions{Pusher: noopPusher()}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	mq.PushData(ctx, hA, item.NewData(8, rtime.Time(0), rtime.Time(1)))

	// Wait for the worker to pop the first item and park on release, so
	// the fifo's level is back to zero before the next two pushes.
	<-poppedFirst

	mq.PushData(ctx, hA, item.NewData(8, rtime.Time(1), rtime.Time(1)))
	mq.PushData(ctx, hA, item.NewData(8, rtime.Time(2), rtime.Time(1)))

	// A third push against a 2-item cap must trigger onOverrun, which finds
	// hB empty and linked and raises hA's cap rather than blocking forever.
	fs := mq.PushData(ctx, hA, item.NewData(8, rtime.Time(3), rtime.Time(1)))
	if fs != item.FlowOK {
		t.Fatalf("PushData after grow = %v, want FlowOK", fs)
	}

	found := false
	for _, qs := range mq.Stats() {
		if qs.ID == uint64(hA) {
			found = true
			if qs.MaxItems <= 2 {
				t.Errorf("MaxItems = %d, want > 2 after grow-to-unstick", qs.MaxItems)
			}
		}
	}
	if !found {
		t.Fatal("hA missing from Stats()")
	}

	close(release)
	waitFor(t, func() bool {
		for _, qs := range mq.Stats() {
			if qs.ID == uint64(hA) {
				return qs.Items == 0
			}
		}
		return false
	})
}

// TestFlushStartStop_ReplaysStickyMarkers grounds spec.md §8's round-trip
// law: FlushStart and FlushStop bypass the data queue and are delivered
// immediately, and FlushStop replays the cached StreamStart/SegmentStart
// sticky markers downstream.
func TestFlushStartStop_ReplaysStickyMarkers(t *testing.T) {
	var mu sync.Mutex
	var got []string
	record := func(it *item.Item) {
		mu.Lock()
		defer mu.Unlock()
		if it.Kind == item.Marker {
			got = append(got, it.MarkerKind.String())
		} else {
			got = append(got, "DATA")
		}
	}
	pusher := PusherFunc(func(_ context.Context, it *item.Item) item.FlowStatus {
		record(it)
		return item.FlowOK
	})

	mq := New(DefaultConfig())
	h, err := mq.RequestInput(RequestInputOptions{Pusher: pusher})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	streamStart := item.NewStreamStart(item.StreamStartInfo{GroupID: 1, HasGroupID: true})
	mq.PushEvent(ctx, h, streamStart)
	segStart := item.NewSegmentStart(rtime.Segment{Rate: 1, Start: 0, Base: 0})
	mq.PushEvent(ctx, h, segStart)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mq.PushEvent(ctx, h, item.NewMarker(item.FlushStart))
	mq.PushEvent(ctx, h, item.NewMarker(item.FlushStop))

	mu.Lock()
	gotCopy := append([]string(nil), got...)
	mu.Unlock()

	want := []string{"StreamStart", "SegmentStart", "FlushStart", "FlushStop", "StreamStart", "SegmentStart"}
	if !reflect.DeepEqual(gotCopy, want) {
		t.Errorf("delivery sequence = %v, want %v", gotCopy, want)
	}
}

// TestPushData_RejectedAfterFlushing grounds spec.md §9's flush semantics:
// once FlushStart has run, further DATA pushes are refused rather than
// silently queued.
func TestPushData_RejectedAfterFlushing(t *testing.T) {
	mq := New(DefaultConfig())
	h, err := mq.RequestInput(RequestInputOptions{Pusher: noopPusher()})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	mq.PushEvent(ctx, h, item.NewMarker(item.FlushStart))

	fs := mq.PushData(ctx, h, item.NewData(8, rtime.Time(0), rtime.Time(1)))
	if fs != item.FlowFlushing {
		t.Errorf("PushData after FlushStart = %v, want FlowFlushing", fs)
	}
}

// TestRecomputeBuffering_UsesTriggeringQueueLevelAndClampsMonotonic grounds
// update_buffering (gstmultiqueue.c:1474-1518): the published percent is
// scaled from the triggering queue's own buffering_level, not the minimum
// across every queue, and once buffering has started the percent only ever
// moves up until the high watermark is reached.
func TestRecomputeBuffering_UsesTriggeringQueueLevelAndClampsMonotonic(t *testing.T) {
	poppedFirst := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	stuckPusher := PusherFunc(func(_ context.Context, it *item.Item) item.FlowStatus {
		if it.Kind == item.Data {
			once.Do(func() { close(poppedFirst) })
			<-release
		}
		return item.FlowOK
	})

	cfg := DefaultConfig()
	cfg.UseBuffering = true
	cfg.MaxSizeBytes = 1000
	cfg.MaxSizeItems = 0
	cfg.LowWatermark = 0.6
	cfg.HighWatermark = 0.8
	mq := New(cfg)

	hA, err := mq.RequestInput(RequestInputOptions{Pusher: stuckPusher})
	if err != nil {
		t.Fatal(err)
	}
	hB, err := mq.RequestInput(RequestInputOptions{Pusher: noopPusher()})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	// Stick the worker mid-delivery of the first item so later pushes
	// accumulate in the fifo instead of being drained immediately.
	mq.PushData(ctx, hA, item.NewData(1, rtime.Time(0), rtime.Time(1)))
	<-poppedFirst

	mq.mu.Lock()
	sqA := mq.byID[uint64(hA)]
	sqB := mq.byID[uint64(hB)]
	mq.mu.Unlock()

	// 500 of 1000 bytes queued on hA: buffering_level = 50%, below the 60%
	// low watermark and no queue at the 80% high watermark, so entry at 62%
	// (50/80) is expected — not 0%, which a minimum-across-queues
	// computation would report for hB's 0 bytes.
	mq.PushData(ctx, hA, item.NewData(500, rtime.Time(1), rtime.Time(1)))

	mq.mu.Lock()
	mq.recomputeBufferingLocked(sqA)
	if !mq.buffering {
		t.Fatal("expected buffering to have started")
	}
	midPercent := mq.bufferingPercent
	mq.mu.Unlock()
	if midPercent < 60 || midPercent > 64 {
		t.Fatalf("buffering percent at 500/1000 bytes = %d, want ~62", midPercent)
	}

	// Recomputing off an unrelated, empty queue must not pull the percent
	// back down: the clamp protects the session high-water mark.
	mq.mu.Lock()
	mq.recomputeBufferingLocked(sqB)
	afterUnrelated := mq.bufferingPercent
	mq.mu.Unlock()
	if afterUnrelated < midPercent {
		t.Fatalf("buffering percent regressed from %d to %d after an unrelated queue's recompute", midPercent, afterUnrelated)
	}

	// Fill hA to 900/1000 bytes (90%, above the 80% high watermark): must
	// exit buffering and publish 100%.
	mq.PushData(ctx, hA, item.NewData(400, rtime.Time(2), rtime.Time(1)))

	mq.mu.Lock()
	mq.recomputeBufferingLocked(sqA)
	exitBuffering := mq.buffering
	finalPercent := mq.bufferingPercent
	mq.mu.Unlock()
	if exitBuffering {
		t.Error("expected buffering to have exited at 90% level")
	}
	if finalPercent != 100 {
		t.Errorf("final buffering percent = %d, want 100", finalPercent)
	}

	close(release)
}

// TestSyncByRunningTime_UnlinkedWaitsForGroupTime grounds
// gst_multi_queue_loop / single_queue_check_full's running-time alignment:
// with sync_by_running_time on, a stream whose downstream reports
// NOT_LINKED is parked until the group's high running time catches up with
// its next running time plus the unlinked cache time, rather than racing
// arbitrarily far ahead.
func TestSyncByRunningTime_UnlinkedWaitsForGroupTime(t *testing.T) {
	var deliveredMu sync.Mutex
	var delivered []rtime.Time

	recorder := func(fs item.FlowStatus) Pusher {
		return PusherFunc(func(_ context.Context, it *item.Item) item.FlowStatus {
			if it.Kind == item.Data {
				deliveredMu.Lock()
				delivered = append(delivered, it.Timestamp)
				deliveredMu.Unlock()
			}
			return fs
		})
	}

	cfg := DefaultConfig()
	cfg.SyncByRunningTime = true
	mq := New(cfg)

	hLinked, err := mq.RequestInput(RequestInputOptions{GroupID: 0, Pusher: recorder(item.FlowOK)})
	if err != nil {
		t.Fatal(err)
	}
	hWaiting, err := mq.RequestInput(RequestInputOptions{GroupID: 0, Pusher: recorder(item.FlowNotLinked)})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	seg := rtime.Segment{Rate: 1, Start: 0, Base: 0, Position: 0}
	mq.PushEvent(ctx, hLinked, item.NewSegmentStart(seg))
	mq.PushEvent(ctx, hWaiting, item.NewSegmentStart(seg))

	// Establish real progress on the linked stream first, so the waiting
	// stream's frontier isn't just its own nextTime.
	mq.PushData(ctx, hLinked, item.NewData(8, rtime.Time(0), rtime.Time(1)))
	waitFor(t, func() bool {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		return len(delivered) == 1
	})

	const farAhead = rtime.Time(10_000_000_000)
	mq.PushData(ctx, hWaiting, item.NewData(8, farAhead, rtime.Time(1)))

	time.Sleep(20 * time.Millisecond)
	deliveredMu.Lock()
	stillParked := len(delivered) == 1
	deliveredMu.Unlock()
	if !stillParked {
		t.Fatal("far-ahead item on the waiting stream was delivered before the group frontier caught up")
	}

	// Advance the linked stream past farAhead plus the unlinked cache time:
	// the parked item must now be released.
	mq.PushData(ctx, hLinked, item.NewData(8, farAhead+rtime.Time(cfg.UnlinkedCacheTimeNs)+1, rtime.Time(1)))

	waitFor(t, func() bool {
		deliveredMu.Lock()
		defer deliveredMu.Unlock()
		return len(delivered) == 3
	})
}

// TestInterleave_SharedAcrossProducerGroups grounds calculate_interleave's
// other_interleave floor (gstmultiqueue.c:1643-1674): the adopted interleave
// value is one shared value pushed to every SingleQueue's max_size.time_ns,
// not applied only within the producer group whose window produced it.
func TestInterleave_SharedAcrossProducerGroups(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseInterleave = true
	mq := New(cfg)

	newQueue := func(group uint64) Handle {
		h, err := mq.RequestInput(RequestInputOptions{ProducerGroup: group, Pusher: noopPusher()})
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	hA0 := newQueue(0)
	hA1 := newQueue(0)
	hB0 := newQueue(1)
	hB1 := newQueue(1)

	ctx := context.Background()
	sendSinkTime := func(h Handle, ns int64) {
		seg := rtime.Segment{Rate: 1, Start: 0, Base: 0, Position: rtime.Time(ns)}
		mq.PushEvent(ctx, h, item.NewSegmentStart(seg))
	}

	// Group 0: a narrow 100ms window.
	sendSinkTime(hA0, 0)
	sendSinkTime(hA1, 100_000_000)
	// Group 1: a much wider 1s window.
	sendSinkTime(hB0, 0)
	sendSinkTime(hB1, 1_000_000_000)

	mq.mu.Lock()
	queues := append([]*SingleQueue(nil), mq.queues...)
	mq.mu.Unlock()

	if len(queues) != 4 {
		t.Fatalf("len(queues) = %d, want 4", len(queues))
	}
	shared := queues[0].maxTimeNs.Load()
	for i, sq := range queues {
		if got := sq.maxTimeNs.Load(); got != shared {
			t.Errorf("queue %d max_size.time_ns = %d, want %d (shared across every queue)", i, got, shared)
		}
	}
	// Group 0's own window alone would only reach ~150ms: if the shared
	// value were stuck there, group 1's wider window never crossed over.
	const groupOneFloor = int64(1_500_000_000)
	if shared < groupOneFloor {
		t.Errorf("shared interleave = %d, want >= %d (group 1's window must raise every queue's cap)", shared, groupOneFloor)
	}
}

// TestPostLatency_RaisesMinInterleaveAndRecomputes grounds PostLatency's
// latency-event handling: a larger latency raises min_interleave_ns, a
// smaller one is ignored, and the recompute it triggers floors every
// queue's max_size.time_ns at the new minimum.
func TestPostLatency_RaisesMinInterleaveAndRecomputes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseInterleave = true
	mq := New(cfg)

	h, err := mq.RequestInput(RequestInputOptions{Pusher: noopPusher()})
	if err != nil {
		t.Fatal(err)
	}

	const latencyNs = int64(300_000_000)
	mq.PostLatency(latencyNs)

	if got := mq.minInterleaveNs.Load(); got != latencyNs {
		t.Fatalf("minInterleaveNs = %d, want %d", got, latencyNs)
	}

	mq.mu.Lock()
	sq := mq.byID[uint64(h)]
	mq.mu.Unlock()
	if got := sq.maxTimeNs.Load(); got < latencyNs {
		t.Errorf("max_size.time_ns = %d, want >= latency floor %d", got, latencyNs)
	}

	// A smaller latency must not lower the floor.
	mq.PostLatency(latencyNs / 2)
	if got := mq.minInterleaveNs.Load(); got != latencyNs {
		t.Errorf("minInterleaveNs = %d after a smaller PostLatency, want unchanged %d", got, latencyNs)
	}
}
