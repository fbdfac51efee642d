// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package propagation implements the single shared physical-layer engine
// (component C3): it resolves, once per slot, every concurrent
// transmission and reception intent registered by mote activations into
// deliveries, collisions, and propagation losses.
package propagation

import (
	"math"
	"sort"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/heistp/tischsim/internal/topology"
)

// txIntent is one registered transmission for the slot being resolved.
type txIntent struct {
	channel int
	src     mote.MoteID
	dst     mote.NeighborHandle
	pkt     mote.Packet
	cell    *mote.Cell
}

// rxIntent is one registered listen for the slot being resolved.
type rxIntent struct {
	moteID  mote.MoteID
	channel int
	cell    *mote.Cell
}

// Propagation is the run-scoped physical layer. One instance exists per
// simulation run and is shared read/write by every mote's activation (slot
// t) and drained by propagate (slot t+1); between those two points, no
// concurrent reader exists, so no lock is needed.
type Propagation struct {
	oracle topology.Oracle
	cfg    config.Settings
	motes  map[mote.MoteID]*mote.Mote

	tx []txIntent
	rx []rxIntent

	// OnDeliver, if set, is called once for every DATA packet delivered to
	// the root, so a caller (the runner) can record end-to-end latency
	// without this package needing to know about stats output.
	OnDeliver func(pkt mote.Packet, deliveredAt engine.ASN)
}

// New returns a Propagation bound to the given oracle, settings, and mote
// population (keyed by id).
func New(oracle topology.Oracle, cfg config.Settings, motes map[mote.MoteID]*mote.Mote) *Propagation {
	return &Propagation{oracle: oracle, cfg: cfg, motes: motes}
}

// StartTx implements mote.Radio.
func (p *Propagation) StartTx(asn engine.ASN, channel int, src mote.MoteID, dst mote.NeighborHandle, pkt mote.Packet, cell *mote.Cell) {
	p.tx = append(p.tx, txIntent{channel: channel, src: src, dst: dst, pkt: pkt, cell: cell})
}

// StartRx implements mote.Radio.
func (p *Propagation) StartRx(moteID mote.MoteID, channel int, cell *mote.Cell) {
	p.rx = append(p.rx, rxIntent{moteID: moteID, channel: channel, cell: cell})
}

// ScheduleFirst arranges for Propagate to run every ASN at PriPropagation,
// one slot behind activation, for the lifetime of the run.
func (p *Propagation) ScheduleFirst(e *engine.Engine) {
	e.Schedule(e.Now()+1, engine.PriPropagation, "propagate", p.propagate)
}

// propagate resolves every transmission and reception registered since the
// last call, notifies transmitters of their outcome, and reschedules
// itself one ASN later.
func (p *Propagation) propagate(e *engine.Engine) {
	arrival := make(map[mote.MoteID]float64, len(p.motes))
	for id := range p.motes {
		arrival[id] = p.arrivalSeconds(e, id, make(map[mote.MoteID]bool))
	}

	byChannel := make(map[int][]txIntent)
	for _, t := range p.tx {
		byChannel[t.channel] = append(byChannel[t.channel], t)
	}
	rxByChannel := make(map[int][]rxIntent)
	for _, r := range p.rx {
		rxByChannel[r.channel] = append(rxByChannel[r.channel], r)
	}

	outcomes := make(map[mote.MoteID]map[mote.CellKey]mote.TxOutcome)
	for _, t := range p.tx {
		if outcomes[t.src] == nil {
			outcomes[t.src] = make(map[mote.CellKey]mote.TxOutcome)
		}
		outcomes[t.src][t.cell.Key] = mote.TxNeither
	}

	for ch, txs := range byChannel {
		sort.SliceStable(txs, func(i, j int) bool {
			return arrival[txs[i].src] < arrival[txs[j].src]
		})
		for _, rxi := range rxByChannel[ch] {
			p.resolveListener(e, rxi, txs, arrival, outcomes)
		}
	}
	// Listeners on channels with no transmissions at all still need their
	// wait state cleared.
	for ch, rxs := range rxByChannel {
		if _, ok := byChannel[ch]; ok {
			continue
		}
		for _, r := range rxs {
			r.cell.WaitingFor = mote.WaitNone
		}
	}

	for src, out := range outcomes {
		if m, ok := p.motes[src]; ok {
			m.RadioTxDone(e, out)
		}
	}

	p.tx = nil
	p.rx = nil
	e.Schedule(e.Now()+1, engine.PriPropagation, "propagate", p.propagate)
}

// resolveListener implements one listener's slot resolution: §4.2 steps
// 3-4.
func (p *Propagation) resolveListener(e *engine.Engine, rxi rxIntent, txs []txIntent, arrival map[mote.MoteID]float64, outcomes map[mote.MoteID]map[mote.CellKey]mote.TxOutcome) {
	cell := rxi.cell
	locked, lockedIdx := p.locked(txs, rxi.moteID, arrival)

	switch cell.Direction {
	case mote.Shared:
		cell.WaitingFor = mote.WaitNone
		if locked == nil || locked.dst.IsBroadcast() == false {
			return // idle: nothing broadcast-addressed captured this listener
		}
		interferers := without(txs, lockedIdx)
		sinr := sinrDB(p.oracle, locked.src, rxi.moteID, interferers)
		pdr := p.oracle.PDRFromRSSI(equivalentRSSI(sinr))
		if e.Rand.Float64() < pdr {
			if m, ok := p.motes[rxi.moteID]; ok {
				_, _, _ = m.RadioRxDone(e, p.cfg, cell, locked.src, locked.pkt)
			}
		}
		return
	case mote.RX:
		cell.WaitingFor = mote.WaitNone
		targetIdx := indexOfUnicastTo(txs, cell.Neighbor, rxi.moteID)
		if targetIdx < 0 {
			// Nothing addressed this cell; still check for a missed
			// collision per §4.2 step 4.
			if locked != nil {
				interferers := without(txs, lockedIdx)
				if p.pseudoDecodeSucceeds(e, locked.src, rxi.moteID, interferers) {
					cell.RxDetectedCollision = true
				}
			}
			return
		}
		target := txs[targetIdx]
		if lockedIdx == targetIdx {
			interferers := without(txs, targetIdx)
			sinr := sinrDB(p.oracle, target.src, rxi.moteID, interferers)
			pdr := p.oracle.PDRFromRSSI(equivalentRSSI(sinr))
			if e.Rand.Float64() < pdr {
				out := mote.TxAcked
				if m, ok := p.motes[rxi.moteID]; ok {
					delivered, isRoot, nacked := m.RadioRxDone(e, p.cfg, cell, target.src, target.pkt)
					if nacked {
						out = mote.TxNacked
					}
					if isRoot && p.OnDeliver != nil {
						p.OnDeliver(delivered, e.Now())
					}
				}
				setOutcome(outcomes, target, out)
				return
			}
			// Locked on target but failed to decode: genuine
			// collision if other transmissions existed, else loss.
			if m, ok := p.motes[rxi.moteID]; ok {
				if len(interferers) > 0 {
					m.Counters.DropByCollision++
				} else {
					m.Counters.DropByPropagation++
				}
			}
			setOutcome(outcomes, target, mote.TxNeither)
			return
		}
		if locked == nil {
			if m, ok := p.motes[rxi.moteID]; ok {
				m.Counters.DropByPropagation++
			}
			setOutcome(outcomes, target, mote.TxNeither)
			return
		}
		// Locked onto an interferer rather than the intended sender:
		// pseudo-decode it with the target added to the interference
		// set to see whether it would trigger RX-side relocation.
		interferers := without(txs, lockedIdx)
		if p.pseudoDecodeSucceeds(e, locked.src, rxi.moteID, interferers) {
			cell.RxDetectedCollision = true
		}
		if m, ok := p.motes[rxi.moteID]; ok {
			m.Counters.DropByCollision++
		}
		setOutcome(outcomes, target, mote.TxNeither)
		return
	default:
		cell.WaitingFor = mote.WaitNone
	}
}

// pseudoDecodeSucceeds re-evaluates whether `locked` would still decode
// successfully with an extra interferer added (used to detect that a
// collision occurred even though this listener locked onto someone else).
func (p *Propagation) pseudoDecodeSucceeds(e *engine.Engine, src, dst mote.MoteID, interferers []txIntent) bool {
	sinr := sinrDB(p.oracle, src, dst, interferers)
	pdr := p.oracle.PDRFromRSSI(equivalentRSSI(sinr))
	return e.Rand.Float64() < pdr
}

// locked returns the earliest-arriving transmission (by src arrival time)
// on txs whose RSSI at listener exceeds the applicable threshold: minRssi,
// or minRssi+receiverGuardDB when the transmission is unicast addressed to
// this listener.
func (p *Propagation) locked(txs []txIntent, listener mote.MoteID, arrival map[mote.MoteID]float64) (*txIntent, int) {
	bestIdx := -1
	var bestArrival float64
	for i, t := range txs {
		threshold := p.cfg.MinRssi
		if id, ok := t.dst.ID(); ok && id == listener {
			threshold += config.ReceiverGuardDB
		}
		if p.oracle.RSSI(topology.MoteID(t.src), topology.MoteID(listener)) <= threshold {
			continue
		}
		a := arrival[t.src]
		if bestIdx < 0 || a < bestArrival {
			bestIdx, bestArrival = i, a
		}
	}
	if bestIdx < 0 {
		return nil, -1
	}
	return &txs[bestIdx], bestIdx
}

func indexOfUnicastTo(txs []txIntent, expectedSender mote.NeighborHandle, listener mote.MoteID) int {
	senderID, ok := expectedSender.ID()
	if !ok {
		return -1
	}
	for i, t := range txs {
		if t.src != senderID {
			continue
		}
		if id, ok := t.dst.ID(); ok && id == listener {
			return i
		}
	}
	return -1
}

func without(txs []txIntent, idx int) []txIntent {
	out := make([]txIntent, 0, len(txs)-1)
	for i, t := range txs {
		if i != idx {
			out = append(out, t)
		}
	}
	return out
}

func setOutcome(outcomes map[mote.MoteID]map[mote.CellKey]mote.TxOutcome, t txIntent, out mote.TxOutcome) {
	if outcomes[t.src] == nil {
		outcomes[t.src] = make(map[mote.CellKey]mote.TxOutcome)
	}
	outcomes[t.src][t.cell.Key] = out
}

// arrivalSeconds computes a transmitter's wall-clock arrival offset: zero
// at the root, and otherwise the preferred parent's offset plus this
// mote's own drift accumulated since its last resync, summed recursively
// up the parent chain. visiting guards against a transient parent cycle
// during routing churn.
func (p *Propagation) arrivalSeconds(e *engine.Engine, id mote.MoteID, visiting map[mote.MoteID]bool) float64 {
	m, ok := p.motes[id]
	if !ok || m.IsRoot() || visiting[id] {
		return 0
	}
	visiting[id] = true
	base := float64(e.Now()) * p.cfg.SlotDuration
	if m.PreferredParent == nil {
		return base
	}
	parentOffset := p.arrivalSeconds(e, *m.PreferredParent, visiting)
	sinceResync := float64(e.Now()-m.TimeCorrectedSlot) * p.cfg.SlotDuration
	return parentOffset + m.ClockDriftPPM*1e-6*sinceResync
}

// dBmToMw converts decibel-milliwatts to milliwatts.
func dBmToMw(dbm float64) float64 { return math.Pow(10, dbm/10) }

// mWToDbm converts milliwatts to decibel-milliwatts, with a floor to avoid
// taking the log of a non-positive value.
func mWToDbm(mw float64) float64 {
	if mw <= 1e-12 {
		return -1000
	}
	return 10 * math.Log10(mw)
}

// sinrDB implements the SINR model from §4.2.
func sinrDB(o topology.Oracle, src, dst mote.MoteID, interferers []txIntent) float64 {
	noise := dBmToMw(config.NoiseIdlePowerDBm)
	signal := dBmToMw(o.RSSI(topology.MoteID(src), topology.MoteID(dst))) - noise
	if signal < 0 {
		return -10
	}
	var interf float64
	for _, it := range interferers {
		v := dBmToMw(o.RSSI(topology.MoteID(it.src), topology.MoteID(dst))) - noise
		if v > 0 {
			interf += v
		}
	}
	return mWToDbm(signal / (interf + noise))
}

// equivalentRSSI folds the SINR value back into an RSSI-shaped input for
// the topology's PDR curve, per §4.2.
func equivalentRSSI(sinrDB float64) float64 {
	return mWToDbm(dBmToMw(sinrDB+config.NoiseIdlePowerDBm) + dBmToMw(config.NoiseIdlePowerDBm))
}
