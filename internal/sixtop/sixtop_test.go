// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package sixtop

import (
	"math/rand"
	"testing"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/topology"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func twoMoteManager(scheduler config.Scheduler) (*Manager, *mote.Mote, *mote.Mote) {
	cfg := config.Default()
	cfg.Scheduler = scheduler
	oracle := topology.NewMatrixOracle(topology.Symmetric(2, func(i, j topology.MoteID) float64 { return -80 }), nil, nil)
	a := mote.New(0, 0, 0, 10, 0, 1)
	b := mote.New(1, 1, 0, 10, 0, 1)
	motes := map[mote.MoteID]*mote.Mote{0: a, 1: b}
	return New(oracle, cfg, motes, rand.New(rand.NewSource(1))), a, b
}

func TestReserveInstallsSymmetricPair(t *testing.T) {
	mgr, a, b := twoMoteManager(config.SchedulerNone)
	granted := mgr.Reserve(a, 1, 2, mote.TX)
	assert.Equal(t, 2, granted)
	assert.Len(t, a.TxCellsTo(1), 2)
	var rxCount int
	for _, c := range b.Schedule {
		if c.Direction == mote.RX {
			rxCount++
		}
	}
	assert.Equal(t, 2, rxCount)
}

func TestCentralizedExcludesZeroZero(t *testing.T) {
	mgr, a, _ := twoMoteManager(config.SchedulerCen)
	cands := mgr.candidates(a, mgr.motes[1])
	for _, k := range cands {
		assert.False(t, k.Timeslot == 0 && k.Channel == 0)
	}
}

func TestRemoveWorstPrefersWorseThanTheoretical(t *testing.T) {
	mgr, a, _ := twoMoteManager(config.SchedulerNone)
	good, _ := a.AddCell(0, 0, mote.TX, mote.Neighbor(1))
	bad, _ := a.AddCell(1, 0, mote.TX, mote.Neighbor(1))
	for i := 0; i < 10; i++ {
		good.RecordHistory(true)
		bad.RecordHistory(false)
	}
	good.NumTx, good.NumTxAck = 10, 10
	bad.NumTx, bad.NumTxAck = 10, 0

	removed := mgr.RemoveWorst(a, 1, 1)
	assert.Equal(t, 1, removed)
	assert.Len(t, a.TxCellsTo(1), 1)
	assert.Equal(t, mote.CellKey{Timeslot: 0, Channel: 0}, a.TxCellsTo(1)[0].Key)
}

// TestReserveRemovePairingProperty checks property 2: for every TX cell A
// has to B there is a matching RX cell on B to A, for any sequence of
// random Reserve/RemoveWorst calls against a two-mote population.
func TestReserveRemovePairingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mgr, a, b := twoMoteManager(config.SchedulerNone)
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "remove") {
				mgr.RemoveWorst(a, b.ID, rapid.IntRange(1, 3).Draw(t, "n"))
			} else {
				mgr.Reserve(a, b.ID, rapid.IntRange(1, 3).Draw(t, "n"), mote.TX)
			}
			assertPaired(t, a, b)
		}
	})
}

// assertPaired checks that a's TX cells to b and b's RX cells to a are in
// 1:1 correspondence by (timeslot, channel).
func assertPaired(t *rapid.T, a, b *mote.Mote) {
	txKeys := map[mote.CellKey]bool{}
	for _, c := range a.TxCellsTo(b.ID) {
		txKeys[c.Key] = true
	}
	rxKeys := map[mote.CellKey]bool{}
	for key, c := range b.Schedule {
		if c.Direction == mote.RX {
			if id, ok := c.Neighbor.ID(); ok && id == a.ID {
				rxKeys[key] = true
			}
		}
	}
	assert.Equal(t, txKeys, rxKeys)
}
