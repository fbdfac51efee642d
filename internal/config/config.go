// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package config holds the immutable run parameters for one simulation
// run. Settings is loaded from an optional YAML file and may be overridden
// by CLI flags in cmd/tischsim; once a run starts, it is never mutated.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scheduler selects a 6top cell-selection policy.
type Scheduler string

// Recognized Scheduler values.
const (
	SchedulerNone   Scheduler = "none"   // random
	SchedulerCen    Scheduler = "cen"    // centralized, no overlap
	SchedulerOpt2   Scheduler = "opt2"   // centralized, optimized
	SchedulerDeBras Scheduler = "deBras" // decentralized, gossip-based
)

// Settings is the full set of recognized run parameters from the external
// interfaces section. Field names match the configuration options named
// there; YAML tags are lowerCamelCase to match the common TiSCH-simulator
// convention of verbatim field names in config files.
type Settings struct {
	NumMotes   int     `yaml:"numMotes"`
	SquareSide float64 `yaml:"squareSide"` // km

	PkPeriod    float64 `yaml:"pkPeriod"`    // s
	PkPeriodVar float64 `yaml:"pkPeriodVar"` // fraction
	DioPeriod   float64 `yaml:"dioPeriod"`   // s

	OtfThreshold          int     `yaml:"otfThreshold"` // cells
	OtfHousekeepingPeriod float64 `yaml:"otfHousekeepingPeriod"`
	OtfEnabled            bool    `yaml:"otfEnabled"`

	SixtopHousekeepingPeriod float64 `yaml:"sixtopHousekeepingPeriod"`
	SixtopPdrThreshold       float64 `yaml:"sixtopPdrThreshold"`
	SixtopNoHousekeeping     bool    `yaml:"sixtopNoHousekeeping"`
	SixtopNoRemoveWorstCell  bool    `yaml:"sixtopNoRemoveWorstCell"`

	SlotDuration    float64 `yaml:"slotDuration"` // s
	SlotframeLength int     `yaml:"slotframeLength"`
	NumChans        int     `yaml:"numChans"`

	MinRssi        float64 `yaml:"minRssi"` // dBm
	NoInterference bool    `yaml:"noInterference"`

	Scheduler          Scheduler `yaml:"scheduler"`
	NumBroadcastCells  int       `yaml:"numBroadcastCells"`

	NumRuns         int `yaml:"numRuns"`
	NumCyclesPerRun int `yaml:"numCyclesPerRun"`

	Seed int64 `yaml:"seed"`

	// Optional per-cycle xplot series, each gated by its own bool+interval
	// pair the way the teacher gates PlotSojourn/PlotSojournInterval.
	PlotThroughput         bool    `yaml:"plotThroughput"`
	PlotThroughputInterval float64 `yaml:"plotThroughputInterval"` // s
	PlotLatency            bool    `yaml:"plotLatency"`
	PlotLatencyInterval    float64 `yaml:"plotLatencyInterval"` // s
}

// RPL and protocol constants fixed by the spec, not configurable per run.
const (
	RplMinHopRankIncrease             = 1536
	RplMaxRankIncrease      float64   = 1.3 * RplMinHopRankIncrease * 2
	RplParentSwitchThreshold          = 384
	RplMaxTotalRank                   = 0xFFFF * RplMinHopRankIncrease
	NumSufficientTx                   = 10
	DefaultParentSetSize              = 1
	DefaultTxQueueSize                = 10
	DefaultRetriesLeft                = 5
	HistoryLen                        = 32
	TrafficAlpha                      = 0.5
	ClockDriftPPMRange                = 30
	ReceiverGuardDB                   = 8
	NoiseIdlePowerDBm                 = -105
	WarmDownASNCycle                  = 96
	ProbeWindowStartCycle             = 64
	ProbeWindowEndCycle               = 96
)

// Default returns the Settings matching the default scenario preconditions
// used throughout the testable-property scenarios: slotDuration=0.01s,
// slotframeLength=101, numChans=4, minRssi=-97dBm.
func Default() Settings {
	return Settings{
		NumMotes:   2,
		SquareSide: 2.0,

		PkPeriod:    1.0,
		PkPeriodVar: 0.05,
		DioPeriod:   60.0,

		OtfThreshold:          4,
		OtfHousekeepingPeriod: 1.0,
		OtfEnabled:            true,

		SixtopHousekeepingPeriod: 60.0,
		SixtopPdrThreshold:       1.5,
		SixtopNoHousekeeping:     false,
		SixtopNoRemoveWorstCell:  false,

		SlotDuration:    0.01,
		SlotframeLength: 101,
		NumChans:        4,

		MinRssi:        -97,
		NoInterference: false,

		Scheduler:         SchedulerNone,
		NumBroadcastCells: 1,

		NumRuns:         1,
		NumCyclesPerRun: 100,

		Seed: 5,

		PlotThroughput:         false,
		PlotThroughputInterval: 1.0,
		PlotLatency:            false,
		PlotLatencyInterval:    1.0,
	}
}

// Load reads YAML settings from path, overlaying them on Default().
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("config: %w", err)
	}
	return s, s.Validate()
}

// InProbeWindow reports whether the given ASN falls within the
// instrumented probe cycle range [ProbeWindowStartCycle,
// ProbeWindowEndCycle).
func (s Settings) InProbeWindow(asn int64) bool {
	cycle := asn / int64(s.SlotframeLength)
	return cycle >= ProbeWindowStartCycle && cycle < ProbeWindowEndCycle
}

// Validate rejects combinations the simulator cannot support.
func (s Settings) Validate() error {
	if s.NoInterference {
		return fmt.Errorf("config: noInterference=true is not implemented (see open question 4)")
	}
	if s.NumMotes < 1 {
		return fmt.Errorf("config: numMotes must be >= 1")
	}
	switch s.Scheduler {
	case SchedulerNone, SchedulerCen, SchedulerOpt2, SchedulerDeBras:
	default:
		return fmt.Errorf("config: unrecognized scheduler %q", s.Scheduler)
	}
	if s.Scheduler == SchedulerDeBras && s.NumBroadcastCells < 1 {
		return fmt.Errorf("config: deBras requires numBroadcastCells >= 1")
	}
	return nil
}
