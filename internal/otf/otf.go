// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package otf implements the on-the-fly cell-demand controller (component
// C6): it turns smoothed inbound traffic and per-parent ETX into a
// required TX cell count per parent, and drives 6top to add or remove
// cells to match it.
package otf

import (
	"math"
	"sort"
	"strconv"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/topology"
)

// maxDemandETX caps the ETX factor used when sizing required cells, per
// §4.5.
const maxDemandETX = 1.3

// CellRequester is the subset of 6top's behavior OTF drives: requesting
// new TX cells to a parent, and releasing the worst-PDR ones.
type CellRequester interface {
	Reserve(requester *mote.Mote, neighbor mote.MoteID, n int, dir mote.Direction) (granted int)
	RemoveWorst(m *mote.Mote, neighbor mote.MoteID, n int) (removed int)
}

// Controller runs the periodic OTF round for every non-root mote.
type Controller struct {
	oracle topology.Oracle
	cfg    config.Settings
	sixtop CellRequester
}

// New returns a Controller bound to the given oracle, settings, and 6top
// cell requester.
func New(oracle topology.Oracle, cfg config.Settings, sixtop CellRequester) *Controller {
	return &Controller{oracle: oracle, cfg: cfg, sixtop: sixtop}
}

func otfTag(id mote.MoteID) string { return "otf-" + strconv.Itoa(int(id)) }

// ScheduleFirst arranges m's first OTF round, jittered per §4.5 (first
// invocation uses a wider 0.5+U multiplier).
func (c *Controller) ScheduleFirst(e *engine.Engine, m *mote.Mote) {
	jitter := 0.5 + e.Rand.Float64()
	e.ScheduleIn(c.cfg.OtfHousekeepingPeriod*jitter, c.cfg.SlotDuration, engine.PriOTFHousekeeping, otfTag(m.ID), func(eng *engine.Engine) {
		c.round(eng, m)
		c.scheduleNext(eng, m)
	})
}

func (c *Controller) scheduleNext(e *engine.Engine, m *mote.Mote) {
	jitter := 0.9 + 0.2*e.Rand.Float64()
	e.ScheduleIn(c.cfg.OtfHousekeepingPeriod*jitter, c.cfg.SlotDuration, engine.PriOTFHousekeeping, otfTag(m.ID), func(eng *engine.Engine) {
		c.round(eng, m)
		c.scheduleNext(eng, m)
	})
}

// round runs one OTF pass for m: refresh smoothed traffic, compute
// per-parent demand, and request or release cells to match it.
func (c *Controller) round(e *engine.Engine, m *mote.Mote) {
	if m.IsRoot() || m.PreferredParent == nil {
		return
	}

	for n, observed := range m.InTraffic {
		prev := m.InTrafficMovingAve[n]
		m.InTrafficMovingAve[n] = config.TrafficAlpha*float64(observed) + (1-config.TrafficAlpha)*prev
	}
	for n := range m.InTrafficMovingAve {
		if n != m.ID && !hasRxCellFrom(m, n) {
			delete(m.InTrafficMovingAve, n)
		}
	}
	for n := range m.InTraffic {
		m.InTraffic[n] = 0
	}

	var sumAve float64
	for _, v := range m.InTrafficMovingAve {
		sumAve += v
	}
	cycleSeconds := float64(c.cfg.SlotframeLength) * c.cfg.SlotDuration
	gen := sumAve / c.cfg.OtfHousekeepingPeriod * cycleSeconds

	parents := append([]mote.MoteID(nil), m.ParentSet...)
	sort.Slice(parents, func(i, j int) bool {
		return m.TrafficPortionPerParent[parents[i]] > m.TrafficPortionPerParent[parents[j]]
	})

	carry := 0
	for _, p := range parents {
		portion := m.TrafficPortionPerParent[p]
		threshold := int(math.Ceil(portion * float64(c.cfg.OtfThreshold)))
		var reqCells int
		if c.cfg.OtfEnabled {
			etx := c.etxTo(m, p)
			if etx > maxDemandETX {
				etx = maxDemandETX
			}
			reqCells = int(math.Ceil(portion * gen * etx))
		} else {
			reqCells = int(math.Ceil(portion * float64(c.cfg.OtfThreshold)))
		}
		now := len(m.TxCellsTo(p))

		switch {
		case now < reqCells:
			toRequest := reqCells - now + (threshold+1)/2 + carry
			granted := c.sixtop.Reserve(m, p, toRequest, mote.TX)
			if granted < toRequest {
				carry = toRequest - granted
			} else {
				carry = 0
			}
		case reqCells < now-threshold:
			toRelease := now - reqCells
			if reqCells == 0 && toRelease >= now {
				toRelease = now - 1
			}
			if toRelease > 0 {
				c.sixtop.RemoveWorst(m, p, toRelease)
			}
			carry = 0
		default:
			carry = 0
		}
	}
}

// etxTo blends a NUM_SUFFICIENT_TX-trial static-PDR prior with observed TX
// attempts, matching the estimator used by routing's rank increase.
func (c *Controller) etxTo(m *mote.Mote, neighbor mote.MoteID) float64 {
	staticPDR := c.oracle.PDRFromRSSI(c.oracle.RSSI(topology.MoteID(neighbor), topology.MoteID(m.ID)))
	var obsTx, obsAck int
	for _, cell := range m.TxCellsTo(neighbor) {
		obsTx += cell.NumTx
		obsAck += cell.NumTxAck
	}
	trials := float64(config.NumSufficientTx) + float64(obsTx)
	acks := float64(config.NumSufficientTx)*staticPDR + float64(obsAck)
	if acks <= 0 {
		return trials
	}
	return trials / acks
}

func hasRxCellFrom(m *mote.Mote, n mote.MoteID) bool {
	for _, c := range m.Schedule {
		if c.Direction == mote.RX {
			if id, ok := c.Neighbor.ID(); ok && id == n {
				return true
			}
		}
	}
	return false
}
