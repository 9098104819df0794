package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/log"
	"github.com/justapithecus/multiqueue/metrics"
	"github.com/justapithecus/multiqueue/mqueue"
	"github.com/justapithecus/multiqueue/rtime"
	"github.com/justapithecus/multiqueue/trace"
)

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:   "replay",
		Usage:  "Re-feed a trace file recorded by `run --trace-out` through a fresh MultiQueue",
		Flags:  replayFlags(),
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	f, err := os.Open(c.String("trace-in"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("open trace file: %v", err), 1)
	}
	defer f.Close()

	records, err := trace.NewReader(f).ReadAll()
	if err != nil && err != io.EOF {
		return cli.Exit(fmt.Sprintf("read trace file: %v", err), 1)
	}

	instanceID := uuid.NewString()
	logger := log.NewLogger(log.InstanceMeta{InstanceID: instanceID})
	collector := metrics.NewCollector(instanceID)

	cfg := mqueue.DefaultConfig()
	cfg.Logger = logger
	cfg.Collector = collector
	mq := mqueue.New(cfg)

	byQueue := make(map[uint64][]trace.Record)
	order := make([]uint64, 0)
	for _, r := range records {
		if _, seen := byQueue[r.QueueID]; !seen {
			order = append(order, r.QueueID)
		}
		byQueue[r.QueueID] = append(byQueue[r.QueueID], r)
	}

	var tuiDone chan struct{}
	if c.Bool("tui") {
		tuiDone = startDashboard(mq)
	}

	ctx := context.Background()
	for _, qid := range order {
		h, err := mq.RequestInput(mqueue.RequestInputOptions{
			RequestedID:    qid,
			HasRequestedID: true,
			Pusher:         mqueue.PusherFunc(func(_ context.Context, _ *item.Item) item.FlowStatus { return item.FlowOK }),
			RunningTime:    rtime.Linear,
		})
		if err != nil {
			continue
		}
		for _, r := range byQueue[qid] {
			it := r.ToItem()
			switch it.Kind {
			case item.Data:
				mq.PushData(ctx, h, it)
			case item.Query:
				mq.PushQuery(ctx, h, it)
			default:
				mq.PushEvent(ctx, h, it)
			}
		}
		waitDrained(mq, h)
		mq.ReleaseInput(h)
	}

	if tuiDone != nil {
		<-tuiDone
	}

	fmt.Fprintf(os.Stdout, "replayed %d records across %d queues\n", len(records), len(order))
	return nil
}
