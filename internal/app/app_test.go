// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package app

import (
	"testing"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
	"github.com/stretchr/testify/assert"
)

func TestGenerateStopsAfterWarmDown(t *testing.T) {
	cfg := config.Default()
	e := engine.New(1)
	m := mote.New(1, 0, 0, 100, 0, 1)
	parent := mote.MoteID(0)
	m.PreferredParent = &parent
	m.ParentSet = []mote.MoteID{0}
	_, _ = m.AddCell(0, 0, mote.TX, mote.Neighbor(0))

	// Stop two packet periods past warm-down, after any packet scheduled
	// before warm-down has had its turn to fire.
	e.Schedule(warmDownASN(cfg)+engine.ASN(2*cfg.PkPeriod/cfg.SlotDuration), engine.PriApp, "", func(eng *engine.Engine) { eng.Stop() })
	ScheduleFirst(e, cfg, m)
	assert.NoError(t, e.Run())
	assert.Equal(t, 0, e.Pending())
}

func TestProbeWindowGating(t *testing.T) {
	cfg := config.Default()
	assert.False(t, cfg.InProbeWindow(0))
	assert.True(t, cfg.InProbeWindow(int64(config.ProbeWindowStartCycle*cfg.SlotframeLength)))
	assert.False(t, cfg.InProbeWindow(int64(config.ProbeWindowEndCycle*cfg.SlotframeLength)))
}
