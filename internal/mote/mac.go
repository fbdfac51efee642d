// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package mote

import (
	"errors"
	"strconv"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/simerr"
)

// Radio is implemented by the propagation engine; a Mote's MAC layer
// registers intents against it during activation and never talks to
// another mote directly.
type Radio interface {
	StartTx(asn engine.ASN, channel int, src MoteID, dst NeighborHandle, pkt Packet, cell *Cell)
	StartRx(mote MoteID, channel int, cell *Cell)
}

// TxOutcome is the result of one TX cell's registered transmission,
// delivered by the propagation engine at ASN+1.
type TxOutcome int

// Recognized TxOutcome values.
const (
	TxNeither TxOutcome = iota // no ack, no nack: collision or propagation loss
	TxAcked
	TxNacked // peer's queue was full
)

// activateTag returns the idempotent rescheduling tag for this mote's
// next-activation timer.
func activateTag(id MoteID) string {
	return "mote-activate-" + strconv.Itoa(int(id))
}

// slotReservation records which TX cell claimed which queue index during
// an activation, so the matching radio_txDone call can resolve outcomes
// back to the right queue entry. It only needs to survive from Activate
// to the following ASN's delivery callback; nothing else touches this
// mote's queue in between under the single-threaded event loop.
type slotReservation struct {
	cellKey CellKey
	index   int
}

// ScheduleNextActivation finds the next ASN at or after e.Now() at which
// this mote has at least one occupied timeslot, and schedules Activate to
// run there at PriActivateCell. Each activation then schedules the next one
// strictly after its own ASN. While the schedule has no cell, the search is
// repeated one slotframe later, so cells installed during the run are found.
func (m *Mote) ScheduleNextActivation(e *engine.Engine, cfg config.Settings, radio Radio) {
	m.scheduleActivationFrom(e, cfg, radio, 0)
}

func (m *Mote) scheduleActivationFrom(e *engine.Engine, cfg config.Settings, radio Radio, first int) {
	cur := int(e.Now()) % cfg.SlotframeLength
	for off := first; off < first+cfg.SlotframeLength; off++ {
		ts := (cur + off) % cfg.SlotframeLength
		if m.hasCellAtTimeslot(ts) {
			asn := e.Now() + engine.ASN(off)
			e.Schedule(asn, engine.PriActivateCell, activateTag(m.ID), func(eng *engine.Engine) {
				m.Activate(eng, cfg, radio)
				m.scheduleActivationFrom(eng, cfg, radio, 1)
			})
			return
		}
	}
	e.Schedule(e.Now()+engine.ASN(cfg.SlotframeLength), engine.PriActivateCell, activateTag(m.ID), func(eng *engine.Engine) {
		m.scheduleActivationFrom(eng, cfg, radio, 0)
	})
}

func (m *Mote) hasCellAtTimeslot(ts int) bool {
	for k := range m.Schedule {
		if k.Timeslot == ts {
			return true
		}
	}
	return false
}

// Activate runs this mote's per-slot MAC behavior for every cell whose
// timeslot matches the engine's current ASN mod slotframeLength.
func (m *Mote) Activate(e *engine.Engine, cfg config.Settings, radio Radio) {
	ts := int(e.Now()) % cfg.SlotframeLength
	var reservations []slotReservation
	claimed := 0

	for key, c := range m.Schedule {
		if key.Timeslot != ts {
			continue
		}
		switch c.Direction {
		case Shared:
			m.activateShared(e, cfg, radio, c)
		case RX:
			c.WaitingFor = WaitRx
			radio.StartRx(m.ID, key.Channel, c)
		case TX:
			pkt, ok := m.PeekAt(claimed)
			if !ok {
				continue
			}
			c.WaitingFor = WaitTx
			c.NumTx++
			m.Charge += ChargeTxDataRxAckUC
			radio.StartTx(e.Now(), key.Channel, m.ID, c.Neighbor, pkt, c)
			reservations = append(reservations, slotReservation{cellKey: key, index: claimed})
			claimed++
		}
	}
	m.pending = reservations
}

// activateShared implements the SHARED cell behavior from the data model:
// after ASN >= 2*slotframeLength, the mote's assigned broadcast slot sends
// a schedule-gossip packet when its wait counter reaches zero; all other
// SHARED cells, and this one while waiting, just listen.
func (m *Mote) activateShared(e *engine.Engine, cfg config.Settings, radio Radio, c *Cell) {
	if int(e.Now()) < 2*cfg.SlotframeLength {
		c.WaitingFor = WaitShared
		radio.StartRx(m.ID, c.Key.Channel, c)
		return
	}
	if c.Key == m.AssignedBroadcastSlot && m.BroadcastWaitCounter == 0 {
		c.WaitingFor = WaitShared
		radio.StartTx(e.Now(), c.Key.Channel, m.ID, Broadcast, NewGossipPacket(m.ID, e.Now(), m.snapshotSchedule()), c)
		m.BroadcastWaitCounter = m.MaxWin - 1
		return
	}
	if c.Key == m.AssignedBroadcastSlot {
		m.BroadcastWaitCounter--
	}
	c.WaitingFor = WaitShared
	radio.StartRx(m.ID, c.Key.Channel, c)
}

// snapshotSchedule returns an opaque copy of this mote's current schedule
// for gossiping.
func (m *Mote) snapshotSchedule() ScheduleSnapshot {
	snap := make(ScheduleSnapshot, len(m.Schedule))
	for k, c := range m.Schedule {
		snap[k] = SnapshotEntry{Direction: c.Direction, Neighbor: c.Neighbor}
	}
	return snap
}

// RadioTxDone resolves the outcomes of every TX cell that registered a
// transmission during the most recent Activate call, per the tx outcome
// rules: acked cells credit numTxAck and clear the packet from queue and
// cell wait state; nacked cells (peer queue full) do the same MAC
// accounting as acked (open question 2: this inflates measured PDR, kept
// for parity); cells with neither outcome decrement the packet's retries
// and drop it once exhausted.
func (m *Mote) RadioTxDone(e *engine.Engine, outcomes map[CellKey]TxOutcome) {
	var toRemove []int
	for _, res := range m.pending {
		c, ok := m.Schedule[res.cellKey]
		if !ok {
			continue
		}
		c.WaitingFor = WaitNone
		outcome, ok := outcomes[res.cellKey]
		if !ok {
			continue
		}
		switch outcome {
		case TxAcked:
			c.NumTxAck++
			c.RecordHistory(true)
			if pid, okp := c.Neighbor.ID(); okp && m.PreferredParent != nil && *m.PreferredParent == pid {
				m.TimeCorrectedSlot = e.Now()
			}
			toRemove = append(toRemove, res.index)
		case TxNacked:
			c.NumTxAck++
			c.RecordHistory(true)
			toRemove = append(toRemove, res.index)
		case TxNeither:
			c.RecordHistory(false)
			if m.DecrementRetriesAt(res.index) {
				m.Counters.DroppedMacRetries++
				toRemove = append(toRemove, res.index)
			}
		}
	}
	m.RemoveIndices(toRemove)
	m.pending = nil
}

// RadioRxDone delivers a packet received on the given cell. For GOSSIP
// packets it updates the neighborhood snapshot; for DATA packets, a root
// records the delivery (latency/hop-count are read by the caller from the
// returned Packet) and a relay increments inbound traffic from the sender
// and re-enqueues a relayed copy. nacked reports whether the relay's queue
// was full, which the caller folds back into the sending cell's tx outcome
// as TxNacked (open question 2); a relay failing with NoRoute or NoTxCells
// is a distinct error kind (spec §7) that drops the packet without nacking
// the sender, since it's already counted by Enqueue itself.
func (m *Mote) RadioRxDone(e *engine.Engine, cfg config.Settings, cell *Cell, sender MoteID, pkt Packet) (delivered Packet, isDataAtRoot bool, nacked bool) {
	cell.WaitingFor = WaitNone
	cell.NumRx++
	m.Charge += ChargeRxDataTxAckUC
	if pkt.Kind == Gossip {
		m.ScheduleNeighborhood[pkt.GossipSender] = pkt.GossipSnapshot
		return Packet{}, false, false
	}
	if m.IsRoot() {
		m.Counters.PacketsReceivedAsRoot++
		if cfg.InProbeWindow(int64(e.Now())) {
			m.Counters.ProbeNumPacketReceived++
		}
		return pkt, true, false
	}
	m.InTraffic[sender]++
	relayed := pkt.Relayed(e.Now())
	if err := m.Enqueue(relayed); err != nil {
		if errors.Is(err, simerr.ErrQueueFull) {
			m.Counters.DroppedAppFailedEnqueue++
			return Packet{}, false, true
		}
		return Packet{}, false, false
	}
	return Packet{}, false, false
}
