// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package otf

import (
	"testing"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/topology"
	"github.com/stretchr/testify/assert"
)

type fakeSixtop struct {
	grant   int
	removed int
}

func (f *fakeSixtop) Reserve(requester *mote.Mote, neighbor mote.MoteID, n int, dir mote.Direction) int {
	granted := n
	if granted > f.grant {
		granted = f.grant
	}
	for i := 0; i < granted; i++ {
		_, _ = requester.AddCell(i, 0, dir, mote.Neighbor(neighbor))
	}
	return granted
}

func (f *fakeSixtop) RemoveWorst(m *mote.Mote, neighbor mote.MoteID, n int) int {
	f.removed += n
	return n
}

func setup(grant int) (*Controller, *mote.Mote, *fakeSixtop) {
	cfg := config.Default()
	cfg.OtfThreshold = 2
	oracle := topology.NewMatrixOracle(topology.Symmetric(2, func(i, j topology.MoteID) float64 { return -80 }), nil, nil)
	m := mote.New(1, 0, 0, 10, 0, 1)
	parent := mote.MoteID(0)
	m.PreferredParent = &parent
	m.ParentSet = []mote.MoteID{0}
	m.TrafficPortionPerParent = map[mote.MoteID]float64{0: 1.0}
	// hasRxCellFrom requires an RX cell from the traffic source, or round
	// drops the simulated traffic as stale before sizing demand from it.
	_, _ = m.AddCell(99, 3, mote.RX, mote.Neighbor(0))
	m.InTraffic[0] = 20
	fs := &fakeSixtop{grant: grant}
	return New(oracle, cfg, fs), m, fs
}

func TestUnderProvisionedRequestsCells(t *testing.T) {
	c, m, fs := setup(5)
	c.round(engine.New(1), m)
	assert.Greater(t, len(m.TxCellsTo(0)), 0)
	_ = fs
}

func TestOverProvisionedReleasesCells(t *testing.T) {
	c, m, fs := setup(0)
	for i := 0; i < 10; i++ {
		_, _ = m.AddCell(i, 0, mote.TX, mote.Neighbor(0))
	}
	m.InTraffic[0] = 0
	c.round(engine.New(1), m)
	assert.Greater(t, fs.removed, 0)
}
