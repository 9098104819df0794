package main

import "github.com/urfave/cli/v2"

// Shared flags across the run/replay/stats commands.
var (
	formatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	noColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	tuiFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Show a live dashboard of per-queue buffering levels while running",
	}
)

func readOnlyFlags() []cli.Flag {
	return []cli.Flag{formatFlag, noColorFlag}
}

func runFlags() []cli.Flag {
	return append(readOnlyFlags(), tuiFlag,
		&cli.IntFlag{Name: "streams", Value: 3, Usage: "Number of producer streams to register"},
		&cli.DurationFlag{Name: "duration", Value: 0, Usage: "Stop after this long (0 = run until all streams reach EOS)"},
		&cli.Int64Flag{Name: "max-size-bytes", Value: 2 * 1024 * 1024, Usage: "Per-queue max_size_bytes"},
		&cli.Int64Flag{Name: "max-size-items", Value: 200, Usage: "Per-queue max_size_items"},
		&cli.BoolFlag{Name: "use-buffering", Usage: "Enable buffering-message hysteresis"},
		&cli.BoolFlag{Name: "use-interleave", Usage: "Enable per-producer-group interleave limiting"},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to a multiqueue.yaml config file"},
		&cli.StringFlag{Name: "trace-out", Usage: "Record every pushed item to this trace file"},
		&cli.StringFlag{Name: "adapter", Usage: "Signal adapter: none, webhook, redis"},
		&cli.StringFlag{Name: "adapter-url", Usage: "Webhook URL or Redis address for --adapter"},
	)
}

func replayFlags() []cli.Flag {
	return append(readOnlyFlags(), tuiFlag,
		&cli.StringFlag{Name: "trace-in", Required: true, Usage: "Trace file to replay"},
	)
}
