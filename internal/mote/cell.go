// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package mote implements the per-mote cell table, transmit queue, and MAC
// slot activation (component C4), plus the routing, traffic, and charge
// state a mote accumulates over a run (the Mote entry of the data model).
// Every mote owns its own schedule, queue, and counters; only its own
// callbacks write them, except cell reservation and removal, which touch
// both the requester's and the peer's schedule atomically within a single
// callback (there is no concurrent reader to race with under the
// single-threaded event loop; see design notes).
package mote

import "fmt"

// MoteID identifies a mote; 0 is always the root. Aliased locally so this
// package does not need to import topology just for the id type.
type MoteID int

// Direction classifies a Cell's role in the schedule.
type Direction int

// Recognized Directions.
const (
	TX Direction = iota
	RX
	Shared
)

func (d Direction) String() string {
	switch d {
	case TX:
		return "TX"
	case RX:
		return "RX"
	case Shared:
		return "SHARED"
	default:
		return "?"
	}
}

// NeighborHandle names the other end of a Cell: either a specific mote or
// the broadcast sentinel, as a distinct variant rather than a magic MoteID
// value, so SHARED-cell code paths are statically distinguishable from
// unicast ones.
type NeighborHandle struct {
	id        MoteID
	broadcast bool
}

// Broadcast is the sentinel NeighborHandle used by SHARED cells.
var Broadcast = NeighborHandle{broadcast: true}

// Neighbor wraps a concrete mote id as a unicast NeighborHandle.
func Neighbor(id MoteID) NeighborHandle { return NeighborHandle{id: id} }

// IsBroadcast reports whether this handle is the broadcast sentinel.
func (n NeighborHandle) IsBroadcast() bool { return n.broadcast }

// ID returns the concrete mote id and true, or (0, false) if this handle
// is the broadcast sentinel.
func (n NeighborHandle) ID() (MoteID, bool) {
	if n.broadcast {
		return 0, false
	}
	return n.id, true
}

func (n NeighborHandle) String() string {
	if n.broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("mote %d", n.id)
}

// CellKey identifies a schedule entry by timeslot and channel. Within one
// mote no two cells share a CellKey.
type CellKey struct {
	Timeslot int
	Channel  int
}

// WaitKind is set on a Cell while a slot's transmission or reception is
// outstanding, and cleared by the delivery callback.
type WaitKind int

// Recognized WaitKind values.
const (
	WaitNone WaitKind = iota
	WaitTx
	WaitRx
	WaitShared
)

// historyLen bounds the ring of recent ack/no-ack outcomes kept per TX
// cell, per the data model (last 32 attempts).
const historyLen = 32

// Cell is one (timeslot, channel) entry in a mote's schedule.
type Cell struct {
	Key       CellKey
	Direction Direction
	Neighbor  NeighborHandle

	NumTx   int
	NumTxAck int
	NumRx   int

	history    [historyLen]int
	historyLen int
	historyPos int

	RxDetectedCollision bool
	WaitingFor          WaitKind
}

// NewCell returns a Cell for the given key, direction and neighbor, with
// empty counters and history.
func NewCell(key CellKey, dir Direction, neighbor NeighborHandle) *Cell {
	return &Cell{Key: key, Direction: dir, Neighbor: neighbor}
}

// RecordHistory appends a 1 (ack) or 0 (no-ack) outcome to the cell's
// bounded history ring, evicting the oldest entry once full.
func (c *Cell) RecordHistory(ok bool) {
	v := 0
	if ok {
		v = 1
	}
	if c.historyLen < historyLen {
		c.history[c.historyLen] = v
		c.historyLen++
		return
	}
	c.history[c.historyPos] = v
	c.historyPos = (c.historyPos + 1) % historyLen
}

// HistorySum returns sum(history).
func (c *Cell) HistorySum() int {
	s := 0
	for i := 0; i < c.historyLen; i++ {
		s += c.history[i]
	}
	return s
}

// HistoryLen returns len(history), capped at 32.
func (c *Cell) HistoryLen() int { return c.historyLen }

// PDR returns the cell's measured packet delivery ratio over its history,
// or ok=false if it has fewer than NumSufficientTx attempts recorded.
func (c *Cell) PDR(numSufficient int) (pdr float64, ok bool) {
	if c.historyLen < numSufficient {
		return 0, false
	}
	return float64(c.HistorySum()) / float64(c.historyLen), true
}
