// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package runner wires the event engine, propagation, routing, OTF,
// 6top, and application components together into one runnable
// simulation (spec.md describes each component in isolation; this
// package is the "main.go"-equivalent orchestration the teacher's own
// main.go, config.go and sim.go provide for its congestion-control sim).
package runner

import (
	"math"
	"math/rand"

	"github.com/heistp/tischsim/internal/app"
	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/otf"
	"github.com/heistp/tischsim/internal/propagation"
	"github.com/heistp/tischsim/internal/routing"
	"github.com/heistp/tischsim/internal/simlog"
	"github.com/heistp/tischsim/internal/sixtop"
	"github.com/heistp/tischsim/internal/stats"
	"github.com/heistp/tischsim/internal/topology"
)

// priEndSim runs after every other per-ASN priority, so a cycle-boundary
// record always captures a cycle's events before the run-ending event
// at the same ASN stops the engine.
const priEndSim = engine.PriSixtopHousekeeping + 1

// buildMotes constructs the run's mote population from the oracle's
// population size and locations. Per-mote clock drift is drawn
// uniformly in ±ClockDriftPPMRange (per the data model's "clock drift
// (ppm, uniform in ±30)"); the root never drifts, since every other
// mote's propagation delay is expressed relative to it.
func buildMotes(cfg config.Settings, oracle topology.Oracle, rng *rand.Rand) map[mote.MoteID]*mote.Mote {
	motes := make(map[mote.MoteID]*mote.Mote, cfg.NumMotes)
	for i := 0; i < cfg.NumMotes; i++ {
		id := mote.MoteID(i)
		x, y := oracle.Location(topology.MoteID(id))
		var drift float64
		if id != 0 {
			drift = (rng.Float64()*2 - 1) * config.ClockDriftPPMRange
		}
		m := mote.New(id, x, y, config.DefaultTxQueueSize, drift, config.DefaultParentSetSize)
		if id == 0 {
			m.Rank = 0
			m.DagRank = 0
		}
		motes[id] = m
	}
	return motes
}

// installBroadcastCells installs the fixed deBras SHARED-cell layout on
// every mote (component C9): numBroadcastCells offsets per channel,
// numChans channels, each a distinct broadCell_id, and assigns each mote
// to exactly one of them per §4.3/§4.8.
func installBroadcastCells(cfg config.Settings, motes map[mote.MoteID]*mote.Mote) {
	total := cfg.NumBroadcastCells * cfg.NumChans
	if total == 0 {
		return
	}
	keyForID := make(map[int]mote.CellKey, total)
	for b := 0; b < cfg.NumBroadcastCells; b++ {
		ts := b * cfg.SlotframeLength / cfg.NumBroadcastCells
		for ch := 0; ch < cfg.NumChans; ch++ {
			id := b*cfg.NumChans + ch
			key := mote.CellKey{Timeslot: ts, Channel: ch}
			keyForID[id] = key
			for _, m := range motes {
				_, _ = m.AddCell(key.Timeslot, key.Channel, mote.Shared, mote.Broadcast)
			}
		}
	}
	maxWin := int(math.Ceil(float64(len(motes)) / float64(total)))
	for _, m := range motes {
		assigned := int(m.ID) % total
		m.AssignedBroadcastSlot = keyForID[assigned]
		m.BroadcastCellID = assigned
		m.MaxWin = maxWin
		m.BroadcastWaitCounter = int(m.ID) / total
	}
}

// scheduleCycleRecords arranges one stats.Recorder.RecordCycle call per
// slotframe, for the lifetime of the run.
func scheduleCycleRecords(e *engine.Engine, cfg config.Settings, motes map[mote.MoteID]*mote.Mote, rec *stats.Recorder) {
	cycle := 0
	var tick engine.Callback
	tick = func(eng *engine.Engine) {
		cycle++
		_ = rec.RecordCycle(cycle, eng.Now(), motes)
		if cycle < cfg.NumCyclesPerRun {
			eng.Schedule(eng.Now()+engine.ASN(cfg.SlotframeLength), engine.PriSixtopHousekeeping, "cycle-record", tick)
		}
	}
	e.Schedule(engine.ASN(cfg.SlotframeLength), engine.PriSixtopHousekeeping, "cycle-record", tick)
}

// One runs a single simulation to completion: builds the mote population
// against oracle, wires every component, runs cfg.NumCyclesPerRun
// slotframes, and returns the final per-mote summary. csvPath names the
// file that receives the per-cycle CSV record stream, and One fails if it
// cannot be created, an empty path included (and, if the
// corresponding config flags are set, decimated .xpl series alongside
// it). dumpScheduleDir, if non-empty, receives one
// mote-<id>-schedule.csv per mote at run end, for the -dump-schedule CLI
// introspection command.
func One(cfg config.Settings, oracle topology.Oracle, seed int64, csvPath, dumpScheduleDir string, logger *simlog.Logger) (stats.RunSummary, error) {
	e := engine.New(seed)
	motes := buildMotes(cfg, oracle, e.Rand)
	ids := stats.SortedIDs(motes)

	prop := propagation.New(oracle, cfg, motes)
	rte := routing.New(oracle, cfg, motes)
	six := sixtop.New(oracle, cfg, motes, e.Rand)
	otfc := otf.New(oracle, cfg, six)

	rec, err := stats.NewRecorder(csvPath, cfg)
	if err != nil {
		return stats.RunSummary{}, err
	}
	defer rec.Close()

	prop.OnDeliver = func(pkt mote.Packet, deliveredAt engine.ASN) {
		rec.RecordDelivery(app.Latency(deliveredAt, pkt))
		if logger != nil {
			logger.Event(int64(deliveredAt), int(pkt.Source), "delivered", "hop=%d", pkt.HopCount)
		}
	}

	if cfg.Scheduler == config.SchedulerDeBras {
		installBroadcastCells(cfg, motes)
	}

	prop.ScheduleFirst(e)
	for _, id := range ids {
		m := motes[id]
		m.ScheduleNextActivation(e, cfg, prop)
		rte.ScheduleFirst(e, m)
		six.ScheduleFirst(e, m)
		if !m.IsRoot() {
			otfc.ScheduleFirst(e, m)
			app.ScheduleFirst(e, cfg, m)
		}
	}

	scheduleCycleRecords(e, cfg, motes, rec)
	endASN := engine.ASN(cfg.SlotframeLength * cfg.NumCyclesPerRun)
	e.Schedule(endASN, priEndSim, "end-sim", func(eng *engine.Engine) {
		eng.Stop()
	})

	if err := e.Run(); err != nil {
		return stats.RunSummary{}, err
	}
	if dumpScheduleDir != "" {
		if err := stats.DumpSchedules(dumpScheduleDir, motes, ids); err != nil {
			return stats.RunSummary{}, err
		}
	}
	return stats.Summarize(seed, cfg.NumCyclesPerRun, motes, ids), nil
}

// Sweep runs cfg.NumRuns independent runs, each with an independent PRNG
// substream seeded cfg.Seed+runIndex (spec.md §6's numRuns loop is not
// otherwise specified; this is the open-question resolution recorded in
// DESIGN.md), against a fresh oracle when oracleFactory is non-nil
// (letting callers vary the topology per run) or the same oracle
// otherwise.
func Sweep(cfg config.Settings, oracleFactory func(rng *rand.Rand) topology.Oracle, oracle topology.Oracle, csvPathForRun func(run int) string, dumpScheduleDir string, logger *simlog.Logger) ([]stats.RunSummary, error) {
	runs := make([]stats.RunSummary, 0, cfg.NumRuns)
	for i := 0; i < cfg.NumRuns; i++ {
		seed := cfg.Seed + int64(i)
		runOracle := oracle
		if oracleFactory != nil {
			runOracle = oracleFactory(rand.New(rand.NewSource(seed)))
		}
		path := csvPathForRun(i)
		rs, err := One(cfg, runOracle, seed, path, dumpScheduleDir, logger)
		if err != nil {
			return runs, err
		}
		runs = append(runs, rs)
	}
	return runs, nil
}
