// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package simerr defines the sentinel error kinds a simulation run
// classifies drops and housekeeping failures into. None of these ever
// abort a run in progress; the event loop only ever drops a packet or
// skips a housekeeping step and continues, per the error handling table.
package simerr

import "errors"

var (
	// ErrNoRoute is returned by enqueue when the mote has no preferred
	// parent yet. The original simulator treats this as fatal; this
	// implementation counts and drops instead, per the documented design
	// decision (open question 1).
	ErrNoRoute = errors.New("no preferred parent")

	// ErrNoTxCells is returned by enqueue when no TX cell exists to any
	// parent.
	ErrNoTxCells = errors.New("no tx cells to any parent")

	// ErrQueueFull is returned by enqueue when the mote's tx queue is at
	// capacity.
	ErrQueueFull = errors.New("tx queue full")

	// ErrMacRetriesExhausted marks a packet dropped after retriesLeft
	// reached zero.
	ErrMacRetriesExhausted = errors.New("mac retries exhausted")

	// ErrLoopDetected marks a candidate parent skipped because its
	// parent chain revisits the evaluating mote.
	ErrLoopDetected = errors.New("loop detected in candidate parent chain")

	// ErrReservationShortfall reports that 6top returned fewer cells
	// than requested.
	ErrReservationShortfall = errors.New("cell reservation returned fewer cells than requested")

	// ErrCellOccupied is returned when adding a cell to a (ts, ch) pair
	// that is already occupied in the mote's schedule.
	ErrCellOccupied = errors.New("timeslot/channel already occupied")

	// ErrSharedCellImmutable is returned when code attempts to remove or
	// redirect a SHARED cell outside of boot-time installation.
	ErrSharedCellImmutable = errors.New("shared cells cannot be removed or redirected")
)
