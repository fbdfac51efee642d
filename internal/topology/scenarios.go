// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package topology

// TwoMote returns the S1 fixture: root (0) and one leaf (1), rssiDBm in
// both directions.
func TwoMote(rssiDBm float64) Oracle {
	return NewMatrixOracle(Symmetric(2, func(i, j MoteID) float64 {
		return rssiDBm
	}), nil, nil)
}

// Chain returns the S2 fixture: a linear chain of n motes (0 is the root)
// where only adjacent motes are in range, at the given RSSI, with all
// other pairs unreachable.
func Chain(n int, rssiDBm float64) Oracle {
	return NewMatrixOracle(Symmetric(n, func(i, j MoteID) float64 {
		d := int(i) - int(j)
		if d == 1 || d == -1 {
			return rssiDBm
		}
		return NoLink
	}), nil, nil)
}

// Mesh returns a fully-connected mesh of n motes at a uniform RSSI,
// suitable for the S3/S4 scenarios where every mote can directly reach
// every other mote (deBras neighbor gossip, or forced root congestion).
func Mesh(n int, rssiDBm float64) Oracle {
	return NewMatrixOracle(Symmetric(n, func(i, j MoteID) float64 {
		return rssiDBm
	}), nil, nil)
}

// StarToRoot returns a fixture where every non-root mote reaches the root
// directly at rssiDBm, but non-root motes cannot hear each other. Used by
// S4 (forced congestion: 10 direct children of root).
func StarToRoot(n int, rssiDBm float64) Oracle {
	return NewMatrixOracle(Symmetric(n, func(i, j MoteID) float64 {
		if i == 0 || j == 0 {
			return rssiDBm
		}
		return NoLink
	}), nil, nil)
}
