// Package main provides the multiqueue-bench CLI: a thin driver that
// registers synthetic producer streams against a mqueue.MultiQueue, so the
// scheduling core has something to run under.
//
// Usage:
//
//	multiqueue-bench <command> [options]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// commit is set via ldflags at build time.
var commit = "unknown"

// version is the CLI's own version string, independent of any host
// application embedding the mqueue package.
const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:           "multiqueue-bench",
		Usage:          "Drive a MultiQueue with synthetic or recorded traffic",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			runCommand(),
			replayCommand(),
			statsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
