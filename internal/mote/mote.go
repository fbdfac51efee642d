// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package mote

import (
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/simerr"
)

// Charge is an accumulated radio energy cost, in microcoulombs, using the
// per-outcome constants below (a standard CC2420-class charge model, as
// used throughout the 6TiSCH simulator literature).
type Charge float64

// Per-slot-outcome charge constants.
const (
	ChargeIdleListenUC   Charge = 6.4
	ChargeTxDataRxAckUC  Charge = 54.5
	ChargeTxDataRxNackUC Charge = 54.5
	ChargeTxDataNoAckUC  Charge = 54.5
	ChargeRxDataTxAckUC  Charge = 32.6
	ChargeRxDataUC       Charge = 22.6
	ChargeSleepUC        Charge = 0.0
)

// NeighborInfo is a mote's view of one neighbor's routing advertisements.
type NeighborInfo struct {
	Rank     int
	DagRank  int
	DIOCount int
}

// Counters accumulates the run's error-handling and drop classification
// from spec §7, plus the churn and relocation counts from §8.
type Counters struct {
	DroppedAppFailedEnqueue int
	DroppedNoRoute          int
	DroppedNoTxCells        int
	DroppedQueueFull        int
	DroppedMacRetries       int
	DropByCollision         int
	DropByPropagation       int

	RplChurnPrefParent int
	TopTxRelocatedCells int
	TopRxRelocatedCells int

	PacketsGenerated      int
	PacketsReceivedAsRoot int

	ProbePacketsGenerated  int
	ProbeNumPacketReceived int
}

// Mote is the full per-node state: identity, location, routing state,
// traffic accounting, cell schedule, tx queue, clock drift and charge.
type Mote struct {
	ID MoteID
	X, Y float64

	Rank    int // RPL rank; 0 at the root, NoRank means "no rank yet"
	DagRank int

	PreferredParent *MoteID
	ParentSet       []MoteID
	ParentSetSize   int
	Neighbors       map[MoteID]*NeighborInfo

	InTraffic            map[MoteID]int
	InTrafficMovingAve   map[MoteID]float64
	TrafficPortionPerParent map[MoteID]float64

	TxQueue     []Packet
	TxQueueCap  int

	ClockDriftPPM     float64
	TimeCorrectedSlot engine.ASN

	Charge Charge

	Schedule             map[CellKey]*Cell
	ScheduleNeighborhood map[MoteID]ScheduleSnapshot

	NumCellsToNeighbors   map[MoteID]int
	NumCellsFromNeighbors map[MoteID]int

	// Neighborhood broadcast (C9) assignment, set once at boot when the
	// deBras allocator is in use.
	AssignedBroadcastSlot CellKey
	BroadcastCellID       int
	BroadcastWaitCounter  int
	MaxWin                int

	Counters Counters

	// pending records which TX cells claimed which queue index during the
	// most recent Activate call, consumed by RadioTxDone one ASN later.
	pending []slotReservation
}

// NoRank is the Rank/DagRank sentinel for "infinite rank" (mote has not
// joined the DAG, or its last candidate parent set emptied).
const NoRank = 1 << 30

// New returns a Mote with empty schedule, queue and counters. Root (id 0)
// must have its Rank set to 0 by the caller; every other mote starts at
// NoRank until routing converges.
func New(id MoteID, x, y float64, txQueueCap int, clockDriftPPM float64, parentSetSize int) *Mote {
	return &Mote{
		ID:                      id,
		X:                       x,
		Y:                       y,
		Rank:                    NoRank,
		DagRank:                 NoRank,
		ParentSetSize:           parentSetSize,
		Neighbors:               make(map[MoteID]*NeighborInfo),
		InTraffic:               make(map[MoteID]int),
		InTrafficMovingAve:      make(map[MoteID]float64),
		TrafficPortionPerParent: make(map[MoteID]float64),
		TxQueueCap:              txQueueCap,
		ClockDriftPPM:           clockDriftPPM,
		Schedule:                make(map[CellKey]*Cell),
		ScheduleNeighborhood:    make(map[MoteID]ScheduleSnapshot),
		NumCellsToNeighbors:     make(map[MoteID]int),
		NumCellsFromNeighbors:   make(map[MoteID]int),
	}
}

// IsRoot reports whether this mote is the DAG root.
func (m *Mote) IsRoot() bool { return m.ID == 0 }

// HasParent reports whether a preferred parent has been selected.
func (m *Mote) HasParent() bool { return m.PreferredParent != nil }

// TxCellsTo returns the TX cells this mote has to the given neighbor.
func (m *Mote) TxCellsTo(n MoteID) []*Cell {
	var cells []*Cell
	for _, c := range m.Schedule {
		if c.Direction == TX {
			if id, ok := c.Neighbor.ID(); ok && id == n {
				cells = append(cells, c)
			}
		}
	}
	return cells
}

// AddCell inserts a fresh Cell at (ts, ch), rejecting the add if that key
// is already occupied in this mote's schedule.
func (m *Mote) AddCell(ts, ch int, dir Direction, neighbor NeighborHandle) (*Cell, error) {
	key := CellKey{Timeslot: ts, Channel: ch}
	if _, exists := m.Schedule[key]; exists {
		return nil, simerr.ErrCellOccupied
	}
	c := NewCell(key, dir, neighbor)
	m.Schedule[key] = c
	if dir == TX {
		if id, ok := neighbor.ID(); ok {
			m.NumCellsToNeighbors[id]++
		}
	} else if dir == RX {
		if id, ok := neighbor.ID(); ok {
			m.NumCellsFromNeighbors[id]++
		}
	}
	return c, nil
}

// RemoveCell deletes the cell at (ts, ch). SHARED cells can never be
// removed, per the data model invariant.
func (m *Mote) RemoveCell(ts, ch int) error {
	key := CellKey{Timeslot: ts, Channel: ch}
	c, ok := m.Schedule[key]
	if !ok {
		return nil
	}
	if c.Direction == Shared {
		return simerr.ErrSharedCellImmutable
	}
	if c.Direction == TX {
		if id, ok := c.Neighbor.ID(); ok {
			m.NumCellsToNeighbors[id]--
		}
	} else if c.Direction == RX {
		if id, ok := c.Neighbor.ID(); ok {
			m.NumCellsFromNeighbors[id]--
		}
	}
	delete(m.Schedule, key)
	return nil
}

// FreeSlots returns every (ts, ch) pair across slotframeLength timeslots
// and numChans channels not already occupied in this mote's schedule.
func (m *Mote) FreeSlots(slotframeLength, numChans int) []CellKey {
	var free []CellKey
	for ts := 0; ts < slotframeLength; ts++ {
		for ch := 0; ch < numChans; ch++ {
			k := CellKey{Timeslot: ts, Channel: ch}
			if _, occupied := m.Schedule[k]; !occupied {
				free = append(free, k)
			}
		}
	}
	return free
}

// Enqueue appends pkt to the tx queue, failing per the error table when
// there is no route, no TX cell to any parent, or the queue is full.
func (m *Mote) Enqueue(pkt Packet) error {
	if !m.HasParent() {
		m.Counters.DroppedNoRoute++
		return simerr.ErrNoRoute
	}
	if len(m.txCellsToAnyParent()) == 0 {
		m.Counters.DroppedNoTxCells++
		return simerr.ErrNoTxCells
	}
	if len(m.TxQueue) >= m.TxQueueCap {
		m.Counters.DroppedQueueFull++
		return simerr.ErrQueueFull
	}
	m.TxQueue = append(m.TxQueue, pkt)
	return nil
}

func (m *Mote) txCellsToAnyParent() []*Cell {
	var cells []*Cell
	for _, p := range m.ParentSet {
		cells = append(cells, m.TxCellsTo(p)...)
	}
	return cells
}

// PeekAt returns the queue entry at index i without removing it. A packet
// stays at the head of the queue across repeated transmission attempts
// until it is acked, nacked, or its retries are exhausted; popping happens
// only via RemoveAt, driven by the MAC's tx outcome handling.
func (m *Mote) PeekAt(i int) (pkt Packet, ok bool) {
	if i < 0 || i >= len(m.TxQueue) {
		return Packet{}, false
	}
	return m.TxQueue[i], true
}

// QueueLen returns the number of packets currently queued.
func (m *Mote) QueueLen() int { return len(m.TxQueue) }

// DecrementRetriesAt decrements retriesLeft on the queued packet at index
// i and reports whether it has reached zero (retries exhausted).
func (m *Mote) DecrementRetriesAt(i int) (exhausted bool) {
	if i < 0 || i >= len(m.TxQueue) {
		return false
	}
	m.TxQueue[i].RetriesLeft--
	return m.TxQueue[i].RetriesLeft <= 0
}

// RemoveIndices deletes the queue entries at the given indices (ack, nack,
// or retry exhaustion), which must be processed in descending order so
// earlier indices stay valid as later ones are removed.
func (m *Mote) RemoveIndices(indices []int) {
	sorted := append([]int(nil), indices...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	for _, idx := range sorted {
		if idx < 0 || idx >= len(m.TxQueue) {
			continue
		}
		m.TxQueue = append(m.TxQueue[:idx], m.TxQueue[idx+1:]...)
	}
}
