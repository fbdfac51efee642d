// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package app implements the non-root application traffic source and the
// probe-window counters (component C8).
package app

import (
	"strconv"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
)

// warmDownASN is the ASN at which data generation ceases.
func warmDownASN(cfg config.Settings) engine.ASN {
	return engine.ASN(config.WarmDownASNCycle * cfg.SlotframeLength)
}

func appTag(id mote.MoteID) string { return "app-" + strconv.Itoa(int(id)) }

// ScheduleFirst arranges m's first DATA packet at a random offset in
// [slotDuration+slotframeLength/6, slotDuration+slotframeLength/3], in
// slots, per §4.7.
func ScheduleFirst(e *engine.Engine, cfg config.Settings, m *mote.Mote) {
	if m.IsRoot() {
		return
	}
	low := 1.0 + float64(cfg.SlotframeLength)/6
	high := 1.0 + float64(cfg.SlotframeLength)/3
	offset := low + e.Rand.Float64()*(high-low)
	e.Schedule(e.Now()+engine.ASN(offset), engine.PriApp, appTag(m.ID), func(eng *engine.Engine) {
		generate(eng, cfg, m)
	})
}

// generate emits one DATA packet, records it in the probe window if
// active, and reschedules the next one unless the warm-down ASN has
// passed.
func generate(e *engine.Engine, cfg config.Settings, m *mote.Mote) {
	if e.Now() >= warmDownASN(cfg) {
		return
	}
	m.Counters.PacketsGenerated++
	if cfg.InProbeWindow(int64(e.Now())) {
		m.Counters.ProbePacketsGenerated++
	}
	// Counts against OTF's own inbound-traffic tracking (keyed by this
	// mote's own id) so cell demand also sizes for locally generated
	// traffic, not just relayed traffic from descendants.
	m.InTraffic[m.ID]++
	_ = m.Enqueue(mote.NewDataPacket(m.ID, e.Now()))

	jitter := 1 + cfg.PkPeriodVar*(2*e.Rand.Float64()-1)
	delaySeconds := cfg.PkPeriod * jitter
	e.ScheduleIn(delaySeconds, cfg.SlotDuration, engine.PriApp, appTag(m.ID), func(eng *engine.Engine) {
		generate(eng, cfg, m)
	})
}

// Latency returns a delivered DATA packet's end-to-end latency in slots.
func Latency(deliveredAt engine.ASN, pkt mote.Packet) engine.ASN {
	return deliveredAt - pkt.EmissionASN
}
