// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package mote

import "github.com/heistp/tischsim/internal/engine"

// Kind distinguishes the two packet kinds the simulator carries.
type Kind int

// Recognized Kinds.
const (
	Data Kind = iota
	Gossip
)

// ScheduleSnapshot is an opaque copy of a mote's schedule as gossiped in a
// SCHEDULE-GOSSIP packet; deBras only inspects which CellKeys are occupied
// and by which Direction, never mutates it.
type ScheduleSnapshot map[CellKey]SnapshotEntry

// SnapshotEntry is one occupied cell as seen in a gossiped snapshot.
type SnapshotEntry struct {
	Direction Direction
	Neighbor  NeighborHandle
}

// Packet is an immutable simulation payload. Relaying a DATA packet copies
// the struct and increments HopCount rather than sharing any mutable state
// between sender and receiver (design note: deep-copy on relay).
type Packet struct {
	Kind Kind

	// DATA fields
	Source      MoteID
	EmissionASN engine.ASN
	HopCount    int

	// SCHEDULE-GOSSIP fields
	GossipSender   MoteID
	GossipASN      engine.ASN
	GossipSnapshot ScheduleSnapshot

	// MAC bookkeeping
	RetriesLeft int
	EnqueueASN  engine.ASN
}

// DefaultRetries is the retry budget a freshly generated DATA packet
// starts with.
const DefaultRetries = 5

// NewDataPacket returns a DATA packet originated by source at the given
// ASN, with a fresh retry budget.
func NewDataPacket(source MoteID, asn engine.ASN) Packet {
	return Packet{
		Kind:        Data,
		Source:      source,
		EmissionASN: asn,
		HopCount:    0,
		RetriesLeft: DefaultRetries,
	}
}

// Relayed returns a copy of p with HopCount incremented and a fresh retry
// budget for the next hop, and the enqueue timestamp set to asn so per-hop
// queue delay is measured fresh.
func (p Packet) Relayed(asn engine.ASN) Packet {
	p.HopCount++
	p.RetriesLeft = DefaultRetries
	p.EnqueueASN = asn
	return p
}

// NewGossipPacket returns a SCHEDULE-GOSSIP packet announcing sender's
// schedule snapshot at asn.
func NewGossipPacket(sender MoteID, asn engine.ASN, snap ScheduleSnapshot) Packet {
	return Packet{
		Kind:           Gossip,
		GossipSender:   sender,
		GossipASN:      asn,
		GossipSnapshot: snap,
		RetriesLeft:    DefaultRetries,
	}
}
