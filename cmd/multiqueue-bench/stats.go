package main

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/multiqueue/cli/render"
	"github.com/justapithecus/multiqueue/item"
	"github.com/justapithecus/multiqueue/mqueue"
	"github.com/justapithecus/multiqueue/rtime"
)

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Register a couple of demo queues and print (or watch) their QueueStats shape",
		Flags:  append(readOnlyFlags(), tuiFlag, &cli.IntFlag{Name: "streams", Value: 2}),
		Action: statsAction,
	}
}

// statsAction exists to exercise render.Renderer and the live dashboard
// without requiring a --trace-in file or a full run. It registers
// --streams idle queues, pushes one item into each so Stats() has
// something non-zero to show, and renders the snapshot.
func statsAction(c *cli.Context) error {
	mq := mqueue.New(mqueue.DefaultConfig())

	n := c.Int("streams")
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		h, err := mq.RequestInput(mqueue.RequestInputOptions{
			GroupID: uint64(i),
			Pusher:  mqueue.PusherFunc(func(_ context.Context, _ *item.Item) item.FlowStatus { return item.FlowOK }),
		})
		if err != nil {
			continue
		}
		mq.PushData(context.Background(), h, item.NewData(1024, rtime.Time(0), rtime.Time(0)))
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI(mq.Stats)
	}
	return r.Render(mq.Stats())
}
