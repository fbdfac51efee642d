// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Command tischsim runs the 6TiSCH mesh scheduling simulator: one or more
// independent simulation runs over a randomly generated topology, writing per-cycle CSV records and a final JSON summary.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/runner"
	"github.com/heistp/tischsim/internal/simlog"
	"github.com/heistp/tischsim/internal/stats"
	"github.com/heistp/tischsim/internal/topology"
)

func main() {
	log.SetFlags(0)

	var (
		configPath   = flag.StringP("config", "c", "", "YAML config file")
		seed         = flag.Int64P("seed", "s", 0, "PRNG seed (0: derived from a random UUID)")
		numRuns      = flag.IntP("runs", "r", 0, "override numRuns (0: use config)")
		numCycles    = flag.IntP("cycles", "n", 0, "override numCyclesPerRun (0: use config)")
		scheduler    = flag.String("scheduler", "", "override scheduler: none, cen, opt2, deBras")
		numMotes     = flag.IntP("motes", "m", 0, "override numMotes (0: use config)")
		out          = flag.StringP("out", "o", "tischsim-out", "output directory for CSV/JSON results")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
		plot         = flag.Bool("plot", false, "enable decimated throughput/latency .xpl plots")
		dumpSchedule = flag.Bool("dump-schedule", false, "write one mote-<id>-schedule.csv per mote at run end")
		help         = flag.BoolP("help", "h", false, "display this help text")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tischsim [flags]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *seed != 0 {
		cfg.Seed = *seed
	} else if cfg.Seed == 0 {
		id := uuid.New()
		cfg.Seed = int64(binary.BigEndian.Uint64(id[:8]) &^ (1 << 63))
	}
	if *numRuns > 0 {
		cfg.NumRuns = *numRuns
	}
	if *numCycles > 0 {
		cfg.NumCyclesPerRun = *numCycles
	}
	if *scheduler != "" {
		cfg.Scheduler = config.Scheduler(*scheduler)
	}
	if *numMotes > 0 {
		cfg.NumMotes = *numMotes
	}
	if *plot {
		cfg.PlotThroughput = true
		cfg.PlotLatency = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger := simlog.New(*logLevel)

	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatal(err)
	}
	var dumpDir string
	if *dumpSchedule {
		dumpDir = filepath.Join(*out, "schedules")
	}

	oracleFactory := func(rng *rand.Rand) topology.Oracle {
		return topology.GenerateRandom(rng, cfg.NumMotes, cfg.SquareSide)
	}
	seedOracle := topology.GenerateRandom(rand.New(rand.NewSource(cfg.Seed)), cfg.NumMotes, cfg.SquareSide)

	runs, err := runner.Sweep(cfg, oracleFactory, seedOracle, func(run int) string {
		return filepath.Join(*out, fmt.Sprintf("run-%d.csv", run))
	}, dumpDir, logger)
	if err != nil {
		log.Fatal(err)
	}

	summaryPath := filepath.Join(*out, "summary.json")
	if err := stats.WriteSummaryJSON(summaryPath, runs); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d run(s) complete, seed=%d, summary written to %s\n", len(runs), cfg.Seed, summaryPath)
}
