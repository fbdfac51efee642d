// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package routing implements the rank-based DAG routing layer (component
// C5): DIO broadcast, rank/ETX computation, and parent-set housekeeping
// with loop avoidance and churn damping.
package routing

import (
	"math"
	"sort"
	"strconv"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/topology"
)

// Controller runs the DIO/housekeeping round for every mote in a run. DIO
// broadcast is modeled as an idealized logical exchange (direct delivery
// to every reachable neighbor), independent of the cell schedule and
// propagation engine, consistent with the routing layer being a control
// plane distinct from the data plane it configures.
type Controller struct {
	oracle topology.Oracle
	cfg    config.Settings
	motes  map[mote.MoteID]*mote.Mote
}

// New returns a Controller bound to the given oracle, settings, and mote
// population.
func New(oracle topology.Oracle, cfg config.Settings, motes map[mote.MoteID]*mote.Mote) *Controller {
	return &Controller{oracle: oracle, cfg: cfg, motes: motes}
}

func dioTag(id mote.MoteID) string { return "dio-" + strconv.Itoa(int(id)) }

// periodASN returns the DIO/housekeeping period, in slots, rounded up to
// the nearest whole slotframe.
func (c *Controller) periodASN() engine.ASN {
	slotframeSeconds := float64(c.cfg.SlotframeLength) * c.cfg.SlotDuration
	slotframes := int(math.Ceil(c.cfg.DioPeriod / slotframeSeconds))
	if slotframes < 1 {
		slotframes = 1
	}
	return engine.ASN(slotframes * c.cfg.SlotframeLength)
}

// ScheduleFirst starts the periodic DIO/housekeeping round for m.
func (c *Controller) ScheduleFirst(e *engine.Engine, m *mote.Mote) {
	c.scheduleNext(e, m)
}

func (c *Controller) scheduleNext(e *engine.Engine, m *mote.Mote) {
	e.Schedule(e.Now()+c.periodASN(), engine.PriDIO, dioTag(m.ID), func(eng *engine.Engine) {
		c.round(eng, m)
		c.scheduleNext(eng, m)
	})
}

// round runs one DIO broadcast plus parent-set housekeeping for m.
func (c *Controller) round(e *engine.Engine, m *mote.Mote) {
	c.emitDIO(m)
	if !m.IsRoot() {
		c.housekeep(m)
	}
}

// emitDIO delivers m's current rank to every reachable neighbor (PDR>0 in
// both directions is not required; reachability is judged from the
// listener's side). A mote with infinite rank does not emit.
func (c *Controller) emitDIO(m *mote.Mote) {
	if m.Rank >= mote.NoRank {
		return
	}
	for id, other := range c.motes {
		if id == m.ID {
			continue
		}
		if c.oracle.PDRFromRSSI(c.oracle.RSSI(topology.MoteID(m.ID), topology.MoteID(id))) <= 0 {
			continue
		}
		info, ok := other.Neighbors[m.ID]
		if !ok {
			info = &mote.NeighborInfo{}
			other.Neighbors[m.ID] = info
		}
		info.Rank = m.Rank
		info.DagRank = m.DagRank
		info.DIOCount++
	}
}

// rankIncrease computes the link cost from m to neighbor, per §4.4: ETX
// blended from a NUM_SUFFICIENT_TX-trial static-PDR prior and observed TX
// cell attempts, times 2*RPL_MIN_HOP_RANK_INCREASE.
func (c *Controller) rankIncrease(m *mote.Mote, neighbor mote.MoteID) int {
	staticPDR := c.oracle.PDRFromRSSI(c.oracle.RSSI(topology.MoteID(neighbor), topology.MoteID(m.ID)))
	var obsTx, obsAck int
	for _, cell := range m.TxCellsTo(neighbor) {
		obsTx += cell.NumTx
		obsAck += cell.NumTxAck
	}
	trials := float64(config.NumSufficientTx) + float64(obsTx)
	acks := float64(config.NumSufficientTx)*staticPDR + float64(obsAck)
	etx := trials
	if acks > 0 {
		etx = trials / acks
	}
	return int(math.Round(2 * config.RplMinHopRankIncrease * etx))
}

// createsLoop reports whether candidate's parent chain, as currently
// known, passes through self.
func (c *Controller) createsLoop(self, candidate mote.MoteID) bool {
	seen := map[mote.MoteID]bool{}
	cur := candidate
	for i := 0; i < len(c.motes)+1; i++ {
		if cur == self {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
		m, ok := c.motes[cur]
		if !ok || m.PreferredParent == nil {
			return false
		}
		cur = *m.PreferredParent
	}
	return false
}

type rankedCandidate struct {
	id   mote.MoteID
	rank int
}

// housekeep runs parent-set selection for a non-root mote: admits
// candidates per the rank-increase and loop-avoidance rules, switches the
// preferred parent only past the hysteresis threshold, bounds the parent
// set, and recomputes traffic portions.
func (c *Controller) housekeep(m *mote.Mote) {
	var candidates []rankedCandidate
	for nid, info := range m.Neighbors {
		if info.Rank >= mote.NoRank {
			continue
		}
		if m.PreferredParent == nil || nid != *m.PreferredParent {
			if m.Rank < mote.NoRank && info.Rank >= m.Rank {
				continue // neighborRank < self.rank required once joined
			}
		}
		inc := c.rankIncrease(m, nid)
		if float64(inc) > config.RplMaxRankIncrease {
			continue
		}
		potential := info.Rank + inc
		if potential > config.RplMaxTotalRank {
			continue
		}
		if c.createsLoop(m.ID, nid) {
			continue
		}
		candidates = append(candidates, rankedCandidate{id: nid, rank: potential})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rank < candidates[j].rank })
	if len(candidates) == 0 {
		return
	}

	best := candidates[0]
	if m.PreferredParent == nil {
		c.adoptParent(m, best.id, best.rank)
	} else if best.id != *m.PreferredParent {
		incumbentRank := config.RplMaxTotalRank + 1
		for _, cand := range candidates {
			if cand.id == *m.PreferredParent {
				incumbentRank = cand.rank
				break
			}
		}
		if best.rank < incumbentRank-config.RplParentSwitchThreshold {
			c.switchParent(m, best.id, best.rank)
		} else {
			m.Rank = incumbentRank
			m.DagRank = m.Rank / config.RplMinHopRankIncrease
		}
	} else {
		m.Rank = best.rank
		m.DagRank = m.Rank / config.RplMinHopRankIncrease
	}

	c.rebuildParentSet(m, candidates)
	c.recomputeTrafficPortions(m)
}

func (c *Controller) adoptParent(m *mote.Mote, id mote.MoteID, rank int) {
	m.PreferredParent = &id
	m.Rank = rank
	m.DagRank = rank / config.RplMinHopRankIncrease
	m.ParentSet = []mote.MoteID{id}
	m.Counters.RplChurnPrefParent++
}

// switchParent replaces the preferred parent, and removes TX cells to the
// old parent only when at least one TX cell to the new parent already
// exists (per §4.4's "only if a replacement cell exists" rule).
func (c *Controller) switchParent(m *mote.Mote, id mote.MoteID, rank int) {
	old := *m.PreferredParent
	if len(m.TxCellsTo(id)) > 0 {
		for _, cell := range m.TxCellsTo(old) {
			_ = m.RemoveCell(cell.Key.Timeslot, cell.Key.Channel)
		}
	}
	m.PreferredParent = &id
	m.Rank = rank
	m.DagRank = rank / config.RplMinHopRankIncrease
	m.Counters.RplChurnPrefParent++
}

// rebuildParentSet keeps the preferred parent first and fills the
// remaining slots, up to ParentSetSize, from the next best candidates.
func (c *Controller) rebuildParentSet(m *mote.Mote, candidates []rankedCandidate) {
	size := m.ParentSetSize
	if size < 1 {
		size = 1
	}
	set := make([]mote.MoteID, 0, size)
	if m.PreferredParent != nil {
		set = append(set, *m.PreferredParent)
	}
	for _, cand := range candidates {
		if len(set) >= size {
			break
		}
		if m.PreferredParent != nil && cand.id == *m.PreferredParent {
			continue
		}
		set = append(set, cand.id)
	}
	m.ParentSet = set
}

// recomputeTrafficPortions sets trafficPortionPerParent proportional to
// 1/(neighborRank + rankIncrease), normalized over the parent set.
func (c *Controller) recomputeTrafficPortions(m *mote.Mote) {
	weights := make(map[mote.MoteID]float64, len(m.ParentSet))
	var total float64
	for _, p := range m.ParentSet {
		info, ok := m.Neighbors[p]
		if !ok {
			continue
		}
		denom := float64(info.Rank + c.rankIncrease(m, p))
		if denom <= 0 {
			denom = 1
		}
		w := 1 / denom
		weights[p] = w
		total += w
	}
	m.TrafficPortionPerParent = make(map[mote.MoteID]float64, len(weights))
	if total <= 0 {
		return
	}
	for p, w := range weights {
		m.TrafficPortionPerParent[p] = w / total
	}
}
