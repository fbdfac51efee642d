// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package topology is the external collaborator the rest of the simulator
// treats as a black box: for every ordered pair of motes it supplies a
// static RSSI value and a deterministic RSSI->PDR curve. Topology
// generation and curve fitting from real measurements are explicitly
// out of scope (spec §1 Non-goals); this package supplies only the fixed
// oracles the testable scenarios require, plus one synthetic generator
// for exploratory runs.
package topology

import (
	"math"
	"math/rand"
)

// MoteID identifies a mote; 0 is always the root.
type MoteID int

// NoLink is the RSSI value an Oracle returns for a pair with no usable
// radio link (PDR will evaluate to zero for it).
const NoLink = -1000.0

// Oracle is the static neighbor graph: a pairwise RSSI value and a
// deterministic RSSI->PDR curve, computed once before the run and never
// mutated by it.
type Oracle interface {
	// NumMotes returns the population size, including the root.
	NumMotes() int
	// RSSI returns the static received signal strength, in dBm, that j
	// would measure from a transmission by i (not necessarily symmetric).
	RSSI(i, j MoteID) float64
	// PDRFromRSSI maps an (equivalent) RSSI value, in dBm, to a packet
	// delivery ratio in [0, 1].
	PDRFromRSSI(rssiDBm float64) float64
	// Location returns the (x, y) position of a mote, in km, for
	// reporting purposes only; nothing in propagation recomputes RSSI
	// from distance.
	Location(i MoteID) (x, y float64)
}

// PDR is a convenience that composes RSSI and PDRFromRSSI for the static,
// non-interfered link PDR between i and j.
func PDR(o Oracle, i, j MoteID) float64 {
	return o.PDRFromRSSI(o.RSSI(i, j))
}

// linearCurve is a deterministic, monotonic RSSI->PDR ramp: 0 at or below
// Low, 1 at or above High, linear in between. This stands in for the
// measurement-fitted curve the original system builds from RSSI/PDR trace
// data, which is explicitly out of scope here.
type linearCurve struct {
	Low, High float64
}

func (c linearCurve) pdr(rssi float64) float64 {
	if rssi <= c.Low {
		return 0
	}
	if rssi >= c.High {
		return 1
	}
	return (rssi - c.Low) / (c.High - c.Low)
}

// DefaultCurve is the RSSI->PDR ramp used by every Oracle in this package
// unless overridden: a 20 dB transition region is a common rule-of-thumb
// width for short-range sub-GHz/2.4GHz indoor links.
var DefaultCurve = linearCurve{Low: -97 - 10, High: -97 + 10}

// matrixOracle is an Oracle backed by a fixed pairwise RSSI matrix, for
// scenario fixtures (S1-S6) where the neighbor graph must be exact and
// reproducible.
type matrixOracle struct {
	rssi  [][]float64
	locX  []float64
	locY  []float64
	curve linearCurve
}

// NewMatrixOracle returns an Oracle over an explicit n x n RSSI matrix.
// rssi[i][j] is the signal j measures from a transmission by i. Locations
// are optional and only used for reporting; pass nil to default to zero.
func NewMatrixOracle(rssi [][]float64, locX, locY []float64) Oracle {
	n := len(rssi)
	if locX == nil {
		locX = make([]float64, n)
	}
	if locY == nil {
		locY = make([]float64, n)
	}
	return &matrixOracle{rssi: rssi, locX: locX, locY: locY, curve: DefaultCurve}
}

func (m *matrixOracle) NumMotes() int { return len(m.rssi) }

func (m *matrixOracle) RSSI(i, j MoteID) float64 {
	if int(i) >= len(m.rssi) || int(j) >= len(m.rssi) {
		return NoLink
	}
	return m.rssi[i][j]
}

func (m *matrixOracle) PDRFromRSSI(rssi float64) float64 { return m.curve.pdr(rssi) }

func (m *matrixOracle) Location(i MoteID) (float64, float64) {
	return m.locX[i], m.locY[i]
}

// Symmetric builds an n x n matrix from a symmetric pairwise RSSI function,
// with NoLink on the diagonal (a mote does not hear itself).
func Symmetric(n int, rssiFor func(i, j MoteID) float64) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			if i == j {
				m[i][j] = NoLink
				continue
			}
			m[i][j] = rssiFor(MoteID(i), MoteID(j))
		}
	}
	return m
}

// GenerateRandom returns a synthetic Oracle: numMotes motes placed
// uniformly at random in a squareSide x squareSide km square (mote 0, the
// root, fixed at the center), with RSSI derived from a simple log-distance
// path-loss model. This is additive plumbing so numRuns>1 exploratory runs
// have something to simulate against; it is not a reimplementation of the
// original curve-fitting pipeline.
func GenerateRandom(rng *rand.Rand, numMotes int, squareSide float64) Oracle {
	x := make([]float64, numMotes)
	y := make([]float64, numMotes)
	x[0], y[0] = squareSide/2, squareSide/2
	for i := 1; i < numMotes; i++ {
		x[i] = rng.Float64() * squareSide
		y[i] = rng.Float64() * squareSide
	}
	const (
		txPowerDBm  = 0
		pathLossAt1 = 40 // dB path loss at 1 meter reference distance
		pathLossExp = 3.5
	)
	rssi := Symmetric(numMotes, func(i, j MoteID) float64 {
		dx := x[i] - x[j]
		dy := y[i] - y[j]
		distKm := dx*dx + dy*dy
		if distKm <= 0 {
			return txPowerDBm - pathLossAt1
		}
		distM := math.Sqrt(distKm) * 1000
		if distM < 1 {
			distM = 1
		}
		loss := pathLossAt1 + 10*pathLossExp*math.Log10(distM)
		return txPowerDBm - loss
	})
	return &matrixOracle{rssi: rssi, locX: x, locY: y, curve: DefaultCurve}
}
