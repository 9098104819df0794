package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/multiqueue/adapter"
	redisadapter "github.com/justapithecus/multiqueue/adapter/redis"
	"github.com/justapithecus/multiqueue/adapter/webhook"
	"github.com/justapithecus/multiqueue/cli/tui"
	mqconfig "github.com/justapithecus/multiqueue/config"
	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/log"
	"github.com/justapithecus/multiqueue/metrics"
	"github.com/justapithecus/multiqueue/mqueue"
	"github.com/justapithecus/multiqueue/rtime"
	"github.com/justapithecus/multiqueue/trace"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Register synthetic producer streams and drive them through a MultiQueue",
		Flags:  runFlags(),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	instanceID := uuid.NewString()
	logger := log.NewLogger(log.InstanceMeta{InstanceID: instanceID})
	collector := metrics.NewCollector(instanceID)

	cfg := mqueue.DefaultConfig()
	if path := c.String("config"); path != "" {
		fileCfg, err := mqconfig.Load(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("load config: %v", err), 1)
		}
		cfg = fileCfg.ToMultiQueueConfig()
	}
	if c.IsSet("max-size-bytes") {
		cfg.MaxSizeBytes = c.Int64("max-size-bytes")
	}
	if c.IsSet("max-size-items") {
		cfg.MaxSizeItems = c.Int64("max-size-items")
	}
	if c.Bool("use-buffering") {
		cfg.UseBuffering = true
	}
	if c.Bool("use-interleave") {
		cfg.UseInterleave = true
	}
	cfg.Logger = logger
	cfg.Collector = collector

	var adp adapter.Adapter
	switch c.String("adapter") {
	case "webhook":
		a, err := webhook.New(webhook.Config{URL: c.String("adapter-url")})
		if err != nil {
			return cli.Exit(fmt.Sprintf("webhook adapter: %v", err), 1)
		}
		adp = a
	case "redis":
		a, err := redisadapter.New(redisadapter.Config{URL: c.String("adapter-url")})
		if err != nil {
			return cli.Exit(fmt.Sprintf("redis adapter: %v", err), 1)
		}
		adp = a
	case "", "none":
	default:
		return cli.Exit(fmt.Sprintf("unknown adapter %q", c.String("adapter")), 1)
	}
	if adp != nil {
		cfg.Adapter = adp
		defer adp.Close()
	}

	mq := mqueue.New(cfg)

	var traceWriter *trace.Writer
	var traceFile *os.File
	if path := c.String("trace-out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("create trace file: %v", err), 1)
		}
		traceFile = f
		traceWriter = trace.NewWriter(f)
	}
	if traceFile != nil {
		defer traceFile.Close()
	}

	numStreams := c.Int("streams")
	if numStreams < 1 {
		numStreams = 1
	}

	ctx := context.Background()
	if d := c.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var tuiDone chan struct{}
	if c.Bool("tui") {
		tuiDone = startDashboard(mq)
	}

	var wg sync.WaitGroup
	var consumed atomic.Int64
	for i := 0; i < numStreams; i++ {
		wg.Add(1)
		go func(streamIdx int) {
			defer wg.Done()
			runProducerStream(ctx, mq, uint64(streamIdx), traceWriter, &consumed)
		}(i)
	}
	wg.Wait()

	if tuiDone != nil {
		<-tuiDone
	}

	fmt.Fprintf(os.Stdout, "streams=%d items_consumed=%d\n", numStreams, consumed.Load())
	snap := collector.Snapshot()
	fmt.Fprintf(os.Stdout, "pushed=%d overruns=%d underruns=%d grows=%d flushes=%d eos=%d\n",
		snap.ItemsPushed, snap.OverrunCount, snap.UnderrunCount, snap.GrowCount, snap.FlushCount, snap.EOSCount)

	return nil
}

// runProducerStream registers one SingleQueue and pushes a StreamStart,
// SegmentStart, a run of DATA items and an EndOfStream marker, mirroring
// one gst pad's worth of traffic. The downstream side is a Pusher that
// simply counts items and reports FlowOK, simulating an always-ready sink.
func runProducerStream(ctx context.Context, mq *mqueue.MultiQueue, idx uint64, tw *trace.Writer, consumed *atomic.Int64) {
	pusher := mqueue.PusherFunc(func(_ context.Context, it *item.Item) item.FlowStatus {
		if it.Kind == item.Data {
			consumed.Add(1)
		}
		return item.FlowOK
	})

	h, err := mq.RequestInput(mqueue.RequestInputOptions{
		GroupID:       idx,
		ProducerGroup: idx,
		Pusher:        pusher,
		RunningTime:   rtime.Linear,
	})
	if err != nil {
		return
	}
	defer func() {
		waitDrained(mq, h)
		mq.ReleaseInput(h)
	}()

	record := func(it *item.Item) {
		if tw != nil {
			tw.WriteRecord(trace.RecordFromItem(uint64(h), it))
		}
	}

	streamStart := item.NewStreamStart(item.StreamStartInfo{GroupID: idx, HasGroupID: true})
	record(streamStart)
	mq.PushEvent(ctx, h, streamStart)

	seg := rtime.Segment{Rate: 1, Start: 0, Stop: rtime.None, Base: 0}
	segStart := item.NewSegmentStart(seg)
	record(segStart)
	mq.PushEvent(ctx, h, segStart)

	const itemCount = 50
	const itemDurationNs = 20 * 1_000_000 // 20ms
	for i := 0; i < itemCount; i++ {
		if ctx.Err() != nil {
			break
		}
		ts := rtime.Time(int64(i) * itemDurationNs)
		data := item.NewData(4096, ts, itemDurationNs)
		record(data)
		fs := mq.PushData(ctx, h, data)
		if fs != item.FlowOK {
			break
		}
	}

	eos := item.NewMarker(item.EndOfStream)
	record(eos)
	mq.PushEvent(ctx, h, eos)
}

// waitDrained blocks until h's FIFO has emptied out, so ReleaseInput's
// flush doesn't discard items the worker hasn't delivered to the pusher
// yet. Gives up after a bounded number of polls rather than hanging
// forever on a stuck downstream.
func waitDrained(mq *mqueue.MultiQueue, h mqueue.Handle) {
	for i := 0; i < 2000; i++ {
		for _, qs := range mq.Stats() {
			if qs.ID == uint64(h) {
				if qs.Items == 0 {
					return
				}
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// startDashboard launches the live dashboard in the background, returning
// a channel closed once the user quits it (q / ctrl+c).
func startDashboard(mq *mqueue.MultiQueue) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tui.Run(mq.Stats)
	}()
	return done
}
