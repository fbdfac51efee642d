// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package runner

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/heistp/tischsim/internal/app"
	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/otf"
	"github.com/heistp/tischsim/internal/propagation"
	"github.com/heistp/tischsim/internal/routing"
	"github.com/heistp/tischsim/internal/sixtop"
	"github.com/heistp/tischsim/internal/stats"
	"github.com/heistp/tischsim/internal/topology"
	"github.com/stretchr/testify/assert"
)

// runFull wires every component the way One does, but hands back the live
// mote map instead of only a stats.RunSummary, for scenario tests that
// need per-cell schedule detail One's summary doesn't expose.
func runFull(cfg config.Settings, oracle topology.Oracle, seed int64) map[mote.MoteID]*mote.Mote {
	e := engine.New(seed)
	motes := buildMotes(cfg, oracle, e.Rand)
	ids := stats.SortedIDs(motes)

	prop := propagation.New(oracle, cfg, motes)
	rte := routing.New(oracle, cfg, motes)
	six := sixtop.New(oracle, cfg, motes, e.Rand)
	otfc := otf.New(oracle, cfg, six)

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

	endASN := engine.ASN(cfg.SlotframeLength * cfg.NumCyclesPerRun)
	e.Schedule(endASN, priEndSim, "end-sim", func(eng *engine.Engine) {
		eng.Stop()
	})
	_ = e.Run()
	return motes
}

// twoMoteOracle matches S1's preconditions: root 0 and leaf 1, RSSI -80
// dBm both directions.
func twoMoteOracle() topology.Oracle {
	return topology.NewMatrixOracle(topology.Symmetric(2, func(i, j topology.MoteID) float64 { return -80 }), nil, nil)
}

// TestS1TwoMoteBasicDelivery exercises spec.md §8 scenario S1.
func TestS1TwoMoteBasicDelivery(t *testing.T) {
	cfg := config.Default()
	cfg.NumMotes = 2
	cfg.PkPeriod = 1.0
	cfg.Scheduler = config.SchedulerNone
	cfg.NumCyclesPerRun = 100

	dir := t.TempDir()
	rs, err := One(cfg, twoMoteOracle(), 5, filepath.Join(dir, "s1.csv"), "", nil)
	assert.NoError(t, err)
	assert.Len(t, rs.Motes, 2)

	var leaf, root stats.MoteSummary
	for _, m := range rs.Motes {
		if m.MoteID == 1 {
			leaf = m
		} else {
			root = m
		}
	}
	assert.GreaterOrEqual(t, leaf.PacketsGenerated, 90)
	assert.GreaterOrEqual(t, root.ProbeNumPacketReceived, 20)
	assert.LessOrEqual(t, root.ProbeNumPacketReceived, 40)
	assert.Equal(t, 1, leaf.RplChurnPrefParent)
}

// TestDeterminismSameSeedSameSummary checks §8 property 8: identical
// settings and seed produce identical output.
func TestDeterminismSameSeedSameSummary(t *testing.T) {
	cfg := config.Default()
	cfg.NumMotes = 2
	cfg.NumCyclesPerRun = 20

	dir := t.TempDir()
	a, err := One(cfg, twoMoteOracle(), 5, filepath.Join(dir, "a.csv"), "", nil)
	assert.NoError(t, err)
	b, err := One(cfg, twoMoteOracle(), 5, filepath.Join(dir, "b.csv"), "", nil)
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}

// TestInstallBroadcastCellsAssignsDistinctSlots checks §4.8's deBras
// boot-time cell installation.
func TestInstallBroadcastCellsAssignsDistinctSlots(t *testing.T) {
	cfg := config.Default()
	cfg.NumMotes = 4
	cfg.NumBroadcastCells = 2
	motes := buildMotes(cfg, twoMoteOracleN(4), rand.New(rand.NewSource(1)))
	installBroadcastCells(cfg, motes)
	total := cfg.NumBroadcastCells * cfg.NumChans
	for _, m := range motes {
		assert.Equal(t, int(m.ID)%total, m.BroadcastCellID)
		var sharedCount int
		for _, c := range m.Schedule {
			if c.Direction.String() == "SHARED" {
				sharedCount++
			}
		}
		assert.Equal(t, total, sharedCount)
	}
}

func twoMoteOracleN(n int) topology.Oracle {
	return topology.NewMatrixOracle(topology.Symmetric(n, func(i, j topology.MoteID) float64 { return -80 }), nil, nil)
}

// chainOracle builds a linear n-mote chain: adjacent motes hear each other
// at -80 dBm (above the default curve's High and so PDR 1.0); every other
// pair is below the curve's Low and so unreachable, forcing a strict chain
// topology regardless of scheduler or routing choices.
func chainOracle(n int) topology.Oracle {
	return topology.NewMatrixOracle(topology.Symmetric(n, func(i, j topology.MoteID) float64 {
		d := int(i) - int(j)
		if d == 1 || d == -1 {
			return -80
		}
		return -150
	}), nil, nil)
}

// subtreeSize returns how many motes (including i itself) are at or below
// i in a 0..n-1 linear chain rooted at 0.
func subtreeSize(i, n int) int {
	return n - i
}

// TestS2CenChainSubtreeCellsNoOverlap exercises spec.md §8 scenario S2: a
// linear 5-mote chain under the "cen" scheduler converges to per-link TX
// cell counts that cover each mote's subtree, and no two links anywhere in
// the run ever share a (ts,ch) key.
func TestS2CenChainSubtreeCellsNoOverlap(t *testing.T) {
	cfg := config.Default()
	cfg.NumMotes = 5
	cfg.Scheduler = config.SchedulerCen
	cfg.NumCyclesPerRun = 800

	motes := runFull(cfg, chainOracle(5), 5)

	for i := 1; i < 5; i++ {
		m := motes[mote.MoteID(i)]
		if !assert.NotNil(t, m.PreferredParent, "mote %d never acquired a parent", i) {
			continue
		}
		assert.Equal(t, mote.MoteID(i-1), *m.PreferredParent, "mote %d's parent should be its chain predecessor", i)
		got := len(m.TxCellsTo(*m.PreferredParent))
		want := subtreeSize(i, 5)
		assert.GreaterOrEqual(t, got, want, "mote %d has %d TX cells to its parent, want >= subtree size %d", i, got, want)
	}

	keyMotes := map[mote.CellKey]map[mote.MoteID]bool{}
	for id, m := range motes {
		for key, c := range m.Schedule {
			if c.Direction == mote.Shared {
				continue
			}
			if keyMotes[key] == nil {
				keyMotes[key] = map[mote.MoteID]bool{}
			}
			keyMotes[key][id] = true
		}
	}
	for key, ids := range keyMotes {
		if key == (mote.CellKey{Timeslot: 0, Channel: 0}) {
			continue
		}
		assert.LessOrEqual(t, len(ids), 2, "key %+v is used by more than one link: %v", key, ids)
	}
}

// TestS3DeBrasGossipReachesAllNeighbors exercises spec.md §8 scenario S3:
// 20 fully-reachable motes under "deBras" gossip every neighbor's schedule
// snapshot within numMotes*maxWin slotframes.
func TestS3DeBrasGossipReachesAllNeighbors(t *testing.T) {
	cfg := config.Default()
	cfg.NumMotes = 20
	cfg.Scheduler = config.SchedulerDeBras
	cfg.NumBroadcastCells = 2

	total := cfg.NumBroadcastCells * cfg.NumChans
	maxWin := (cfg.NumMotes + total - 1) / total
	cfg.NumCyclesPerRun = 2 + cfg.NumMotes*maxWin + 10 // warm-up + full round + margin

	oracle := topology.NewMatrixOracle(topology.Symmetric(cfg.NumMotes, func(i, j topology.MoteID) float64 { return -70 }), nil, nil)
	motes := runFull(cfg, oracle, 5)

	for id, m := range motes {
		assert.Len(t, m.ScheduleNeighborhood, cfg.NumMotes-1, "mote %d did not hear from every neighbor", id)
	}
}

// TestS4ForcedCongestionDropsAndThroughputBound exercises spec.md §8
// scenario S4: 10 motes all directly under root with an aggregate offered
// load far above link capacity produce queue/retry drops and collisions,
// and root's measured throughput never exceeds the channel/slot ceiling.
func TestS4ForcedCongestionDropsAndThroughputBound(t *testing.T) {
	cfg := config.Default()
	cfg.NumMotes = 10
	cfg.PkPeriod = 0.2
	cfg.Scheduler = config.SchedulerNone
	cfg.NumCyclesPerRun = 300

	oracle := topology.NewMatrixOracle(topology.Symmetric(cfg.NumMotes, func(i, j topology.MoteID) float64 {
		if i == 0 || j == 0 {
			return -80 // every leaf hears (and is heard by) root directly
		}
		return -150 // leaves can't hear each other: no multi-hop routes
	}), nil, nil)
	motes := runFull(cfg, oracle, 5)

	var drops, collisions int
	for _, m := range motes {
		drops += m.Counters.DroppedQueueFull + m.Counters.DroppedMacRetries
		collisions += m.Counters.DropByCollision
	}
	assert.Greater(t, drops, 0, "forced congestion should produce queue-full or retry-exhausted drops")
	assert.Greater(t, collisions, 0, "forced congestion should produce collisions")

	root := motes[0]
	cycleSeconds := float64(cfg.SlotframeLength) * cfg.SlotDuration
	totalSeconds := float64(cfg.NumCyclesPerRun) * cycleSeconds
	throughput := float64(root.Counters.PacketsReceivedAsRoot) / totalSeconds
	bound := float64(cfg.NumChans) / float64(cfg.SlotframeLength) / cfg.SlotDuration
	assert.LessOrEqual(t, throughput, bound)
}

// TestS5BadLinkRelocatesExactlyOnce exercises spec.md §8 scenario S5: a TX
// cell with a pre-seeded all-failure history is relocated exactly once by
// the next 6top housekeeping round, using a narrow two-mote setup (rather
// than the full runFull pipeline) so the relocation isn't muddied by
// concurrent OTF/application traffic.
func TestS5BadLinkRelocatesExactlyOnce(t *testing.T) {
	cfg := config.Default()
	oracle := twoMoteOracle()
	e := engine.New(5)
	root := mote.New(0, 0, 0, 10, 0, 1)
	leaf := mote.New(1, 1, 0, 10, 0, 1)
	motes := map[mote.MoteID]*mote.Mote{0: root, 1: leaf}
	mgr := sixtop.New(oracle, cfg, motes, e.Rand)

	badKey := mote.CellKey{Timeslot: 5, Channel: 0}
	bad, err := leaf.AddCell(badKey.Timeslot, badKey.Channel, mote.TX, mote.Neighbor(0))
	assert.NoError(t, err)
	_, err = root.AddCell(badKey.Timeslot, badKey.Channel, mote.RX, mote.Neighbor(1))
	assert.NoError(t, err)
	bad.NumTx = 32
	bad.NumTxAck = 0
	for i := 0; i < 32; i++ {
		bad.RecordHistory(false)
	}

	mgr.ScheduleFirst(e, leaf)
	housekeepASN := engine.ASN(cfg.SixtopHousekeepingPeriod / cfg.SlotDuration)
	e.Schedule(housekeepASN+10, priEndSim, "end-sim", func(eng *engine.Engine) {
		eng.Stop()
	})
	assert.NoError(t, e.Run())

	assert.Equal(t, 1, leaf.Counters.TopTxRelocatedCells)
	if _, stillThere := leaf.Schedule[badKey]; stillThere {
		t.Errorf("bad cell at %+v should have been relocated away", badKey)
	}
	assert.Len(t, leaf.TxCellsTo(0), 1, "relocation should replace, not add to, the bundle")
}
