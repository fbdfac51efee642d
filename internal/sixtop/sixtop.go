// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package sixtop implements cell reservation, relocation housekeeping, and
// the four pluggable allocation policies (component C7).
package sixtop

import (
	"math/rand"
	"sort"
	"strconv"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/topology"
)

// Manager runs cell reservation and housekeeping for a mote population. It
// implements otf.CellRequester without importing the otf package (the
// dependency points the other way: otf depends on this interface shape).
type Manager struct {
	oracle topology.Oracle
	cfg    config.Settings
	motes  map[mote.MoteID]*mote.Mote
	rng    *rand.Rand
}

// New returns a Manager bound to the given oracle, settings, mote
// population, and PRNG (shared with the owning run's engine, so
// allocation draws stay within the run's reproducible seed stream).
func New(oracle topology.Oracle, cfg config.Settings, motes map[mote.MoteID]*mote.Mote, rng *rand.Rand) *Manager {
	return &Manager{oracle: oracle, cfg: cfg, motes: motes, rng: rng}
}

func sixtopTag(id mote.MoteID) string { return "sixtop-" + strconv.Itoa(int(id)) }

// ScheduleFirst starts m's periodic tx/rx housekeeping round.
func (mgr *Manager) ScheduleFirst(e *engine.Engine, m *mote.Mote) {
	mgr.scheduleNext(e, m)
}

func (mgr *Manager) scheduleNext(e *engine.Engine, m *mote.Mote) {
	e.ScheduleIn(mgr.cfg.SixtopHousekeepingPeriod, mgr.cfg.SlotDuration, engine.PriSixtopHousekeeping, sixtopTag(m.ID), func(eng *engine.Engine) {
		if !mgr.cfg.SixtopNoHousekeeping {
			mgr.rxHousekeep(eng, m)
			mgr.txHousekeep(eng, m)
		}
		mgr.scheduleNext(eng, m)
	})
}

// Reserve installs up to n new cells between requester and neighbor, dir
// naming requester's side (TX: requester transmits, peer receives; RX:
// requester receives, peer transmits). It implements otf.CellRequester.
func (mgr *Manager) Reserve(requester *mote.Mote, neighbor mote.MoteID, n int, dir mote.Direction) int {
	if n <= 0 {
		return 0
	}
	peer, ok := mgr.motes[neighbor]
	if !ok {
		return 0
	}
	candidates := mgr.candidates(requester, peer)
	mgr.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) < n {
		// Random fallback for the unmet remainder: the other mutually free
		// slots follow the policy's own picks, shuffled among themselves.
		picked := len(candidates)
		candidates = mgr.filterShortfall(mgr.intersectFree(requester, peer), candidates)
		rest := candidates[picked:]
		mgr.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	}
	take := n
	if take > len(candidates) {
		take = len(candidates)
	}
	granted := 0
	for i := 0; i < take; i++ {
		key := candidates[i]
		reqDir, peerDir := dir, mote.RX
		if dir == mote.RX {
			peerDir, reqDir = mote.TX, mote.RX
		}
		if _, err := requester.AddCell(key.Timeslot, key.Channel, reqDir, mote.Neighbor(neighbor)); err != nil {
			continue
		}
		if _, err := peer.AddCell(key.Timeslot, key.Channel, peerDir, mote.Neighbor(requester.ID)); err != nil {
			_ = requester.RemoveCell(key.Timeslot, key.Channel)
			continue
		}
		granted++
	}
	return granted
}

// candidates returns the free (ts,ch) pairs requester may reserve with
// peer, filtered per the configured allocation policy. Reserve falls back
// to plain random free slots when these are fewer than requested.
func (mgr *Manager) candidates(requester, peer *mote.Mote) []mote.CellKey {
	freeBoth := mgr.intersectFree(requester, peer)
	switch mgr.cfg.Scheduler {
	case config.SchedulerCen:
		return mgr.filterCentralized(freeBoth)
	case config.SchedulerOpt2:
		return mgr.filterOptimized(freeBoth, requester)
	case config.SchedulerDeBras:
		return mgr.filterGossip(freeBoth, requester)
	default: // SchedulerNone: uniform random among mutually free slots
		return freeBoth
	}
}

func (mgr *Manager) intersectFree(requester, peer *mote.Mote) []mote.CellKey {
	peerFree := make(map[mote.CellKey]bool)
	for _, k := range peer.FreeSlots(mgr.cfg.SlotframeLength, mgr.cfg.NumChans) {
		peerFree[k] = true
	}
	var out []mote.CellKey
	for _, k := range requester.FreeSlots(mgr.cfg.SlotframeLength, mgr.cfg.NumChans) {
		if peerFree[k] {
			out = append(out, k)
		}
	}
	return out
}

// filterShortfall returns filtered if it has at least as many candidates
// as free, otherwise pads it out with the remaining free slots (random
// fallback for the unmet remainder), preserving filtered's earlier
// members first.
func (mgr *Manager) filterShortfall(free, filtered []mote.CellKey) []mote.CellKey {
	if len(filtered) >= len(free) {
		return filtered
	}
	seen := make(map[mote.CellKey]bool, len(filtered))
	for _, k := range filtered {
		seen[k] = true
	}
	out := append([]mote.CellKey(nil), filtered...)
	for _, k := range free {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// isGloballyUsed reports whether any mote in the population already
// occupies (ts,ch).
func (mgr *Manager) isGloballyUsed(key mote.CellKey) bool {
	for _, m := range mgr.motes {
		if _, ok := m.Schedule[key]; ok {
			return true
		}
	}
	return false
}

func (mgr *Manager) filterCentralized(free []mote.CellKey) []mote.CellKey {
	var out []mote.CellKey
	for _, k := range free {
		if k.Timeslot == 0 && k.Channel == 0 {
			continue
		}
		if !mgr.isGloballyUsed(k) {
			out = append(out, k)
		}
	}
	return out
}

// filterOptimized excludes a candidate only when a third mote's existing
// cell there could genuinely interfere with requester: a TX cell at that
// key blocks both directions; an RX cell blocks only if requester's own
// transmission would be audible above minRssi+guard at the occupant.
func (mgr *Manager) filterOptimized(free []mote.CellKey, requester *mote.Mote) []mote.CellKey {
	var out []mote.CellKey
	for _, k := range free {
		if k.Timeslot == 0 && k.Channel == 0 {
			continue
		}
		blocked := false
		for id, other := range mgr.motes {
			if id == requester.ID {
				continue
			}
			c, ok := other.Schedule[k]
			if !ok {
				continue
			}
			if c.Direction == mote.TX {
				blocked = true
				break
			}
			if c.Direction == mote.RX {
				if mgr.oracle.RSSI(topology.MoteID(requester.ID), topology.MoteID(id)) > mgr.cfg.MinRssi+config.ReceiverGuardDB {
					blocked = true
					break
				}
			}
		}
		if !blocked {
			out = append(out, k)
		}
	}
	return out
}

// filterGossip mirrors filterOptimized but judges interference only
// against neighbors requester has actually heard a schedule snapshot
// from, per the deBras decentralized allocator.
func (mgr *Manager) filterGossip(free []mote.CellKey, requester *mote.Mote) []mote.CellKey {
	var out []mote.CellKey
	for _, k := range free {
		blocked := false
		for nid, snap := range requester.ScheduleNeighborhood {
			entry, ok := snap[k]
			if !ok {
				continue
			}
			if entry.Direction == mote.TX {
				blocked = true
				break
			}
			if entry.Direction == mote.RX {
				if mgr.oracle.RSSI(topology.MoteID(requester.ID), topology.MoteID(nid)) > mgr.cfg.MinRssi+config.ReceiverGuardDB {
					blocked = true
					break
				}
			}
		}
		if !blocked {
			out = append(out, k)
		}
	}
	return out
}

// RemoveWorst removes up to n TX cells from requester's bundle to
// neighbor, worst-PDR first, and reports how many were actually removed.
// It implements otf.CellRequester.
func (mgr *Manager) RemoveWorst(m *mote.Mote, neighbor mote.MoteID, n int) int {
	ordered := mgr.orderedForRemoval(m, neighbor)
	take := n
	if take > len(ordered) {
		take = len(ordered)
	}
	for i := 0; i < take; i++ {
		mgr.removePair(m, neighbor, ordered[i].Key)
	}
	return take
}

// orderedForRemoval returns m's TX cells to neighbor shuffled, then
// partitioned: cells worse than the neighbor's theoretical PDR come
// first, ordered by descending numTxAck; the rest follow ordered by
// ascending numTxAck (open question 3's documented fix).
func (mgr *Manager) orderedForRemoval(m *mote.Mote, neighbor mote.MoteID) []*mote.Cell {
	bundle := m.TxCellsTo(neighbor)
	mgr.rng.Shuffle(len(bundle), func(i, j int) { bundle[i], bundle[j] = bundle[j], bundle[i] })
	theoretical := topology.PDR(mgr.oracle, topology.MoteID(m.ID), topology.MoteID(neighbor))

	var worse, better []*mote.Cell
	for _, c := range bundle {
		if weightedPDR(c) < theoretical {
			worse = append(worse, c)
		} else {
			better = append(better, c)
		}
	}
	sort.SliceStable(worse, func(i, j int) bool { return worse[i].NumTxAck > worse[j].NumTxAck })
	sort.SliceStable(better, func(i, j int) bool { return better[i].NumTxAck < better[j].NumTxAck })
	return append(worse, better...)
}

// weightedPDR blends observed ack ratio with a 10-trial neutral prior, per
// §4.6's removal-selection formula.
func weightedPDR(c *mote.Cell) float64 {
	ratio := 0.0
	if c.HistoryLen() > 0 {
		ratio = float64(c.HistorySum()) / float64(c.HistoryLen())
	}
	return (float64(c.NumTxAck) + ratio*10) / (float64(c.NumTx) + 10)
}

func (mgr *Manager) removePair(requester *mote.Mote, neighbor mote.MoteID, key mote.CellKey) {
	_ = requester.RemoveCell(key.Timeslot, key.Channel)
	if peer, ok := mgr.motes[neighbor]; ok {
		_ = peer.RemoveCell(key.Timeslot, key.Channel)
	}
}

// txHousekeep implements per-neighbor worst-cell and bundle relocation.
func (mgr *Manager) txHousekeep(e *engine.Engine, m *mote.Mote) {
	neighbors := map[mote.MoteID]bool{}
	for _, c := range m.Schedule {
		if c.Direction == mote.TX {
			if id, ok := c.Neighbor.ID(); ok {
				neighbors[id] = true
			}
		}
	}
	for neighbor := range neighbors {
		mgr.txHousekeepNeighbor(e, m, neighbor)
	}
}

func (mgr *Manager) txHousekeepNeighbor(e *engine.Engine, m *mote.Mote, neighbor mote.MoteID) {
	bundle := m.TxCellsTo(neighbor)
	var eligible []*mote.Cell
	var sumTx, sumAck int
	for _, c := range bundle {
		if c.NumTx >= config.NumSufficientTx {
			eligible = append(eligible, c)
		}
		sumTx += c.NumTx
		sumAck += c.NumTxAck
	}
	relocatedPerCell := false
	if len(eligible) >= 2 && !mgr.cfg.SixtopNoRemoveWorstCell {
		worst := eligible[0]
		for _, c := range eligible[1:] {
			if pdrOf(c) < pdrOf(worst) {
				worst = c
			}
		}
		var othersSum float64
		for _, c := range eligible {
			if c != worst {
				othersSum += pdrOf(c)
			}
		}
		avgOthers := othersSum / float64(len(eligible)-1)
		if avgOthers > 0 && pdrOf(worst)*mgr.cfg.SixtopPdrThreshold < avgOthers {
			if mgr.Reserve(m, neighbor, 1, mote.TX) >= 1 {
				mgr.removePair(m, neighbor, worst.Key)
				m.Counters.TopTxRelocatedCells++
				relocatedPerCell = true
			}
		}
	}
	if relocatedPerCell || sumTx < config.NumSufficientTx {
		return
	}
	bundlePDR := float64(sumAck) / float64(sumTx)
	theoretical := topology.PDR(mgr.oracle, topology.MoteID(m.ID), topology.MoteID(neighbor))
	if theoretical > 0 && bundlePDR*mgr.cfg.SixtopPdrThreshold < theoretical {
		for _, c := range bundle {
			if mgr.Reserve(m, neighbor, 1, mote.TX) >= 1 {
				mgr.removePair(m, neighbor, c.Key)
				m.Counters.TopTxRelocatedCells++
			}
		}
	}
}

func pdrOf(c *mote.Cell) float64 {
	if c.HistoryLen() == 0 {
		return 0
	}
	return float64(c.HistorySum()) / float64(c.HistoryLen())
}

// rxHousekeep relocates RX cells that detected a collision: the owner
// asks the sender to reserve a replacement TX cell to it, and deletes the
// colliding pair only once that succeeds.
func (mgr *Manager) rxHousekeep(e *engine.Engine, m *mote.Mote) {
	for key, c := range m.Schedule {
		if c.Direction != mote.RX || !c.RxDetectedCollision {
			continue
		}
		senderID, ok := c.Neighbor.ID()
		if !ok {
			continue
		}
		sender, ok := mgr.motes[senderID]
		if !ok {
			continue
		}
		if mgr.Reserve(sender, m.ID, 1, mote.TX) >= 1 {
			mgr.removePair(sender, m.ID, key)
			m.Counters.TopRxRelocatedCells++
		}
		c.RxDetectedCollision = false
	}
}
