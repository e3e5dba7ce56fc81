package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/armgic/internal/scenario"
)

func run() error {
	verbose := flag.Bool("verbose", false, "log every passing step")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `gicrun - run interrupt controller scenario files

USAGE:
  gicrun [flags] <scenario.yaml> [more scenarios...]

FLAGS:
  -verbose       Log every passing step, not just scenario results

A scenario file describes a controller shape and a script of register
accesses, input line changes and expected output line levels. gicrun
constructs the controller, runs the script and reports the first
failing step.

EXAMPLES:
  gicrun spi_lifecycle.yaml              Run one scenario
  gicrun -verbose scenarios/*.yaml       Run a directory of scenarios
`)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: level})))

	failed := 0
	for _, path := range flag.Args() {
		if err := scenario.RunFile(path); err != nil {
			slog.Error("scenario failed", "file", path, "error", err)
			failed++
			continue
		}
		slog.Info("scenario passed", "file", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, flag.NArg())
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
