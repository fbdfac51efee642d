// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package engine implements the single-threaded, ASN-ordered discrete-event
// scheduler that drives a simulation run.
//
// There is exactly one event queue per run, owned by one Engine. All
// "suspension" in the simulation is explicit re-scheduling; no callback
// yields mid-computation and no two callbacks ever execute concurrently, so
// the locks that a multi-threaded design would need are simply absent here.
package engine

import (
	"container/heap"
	"fmt"
	"math/rand"
)

// ASN is the Absolute Slot Number: an integer count of slots since the start
// of the simulation.
type ASN int64

// ASNInfinity is larger than any ASN a real run reaches.
const ASNInfinity = ASN(1<<63 - 1)

// Priority orders callbacks scheduled at the same ASN; smaller runs first.
type Priority int

// Priorities for events sharing an ASN, smallest-first, per the data model.
const (
	PriActivateCell Priority = iota
	PriPropagation
	PriApp
	PriDIO
	PriOTFHousekeeping
	PriSixtopHousekeeping
)

// Callback is run by the Engine when a scheduled event fires.
type Callback func(e *Engine)

// event is one entry in the queue.
type event struct {
	asn      ASN
	priority Priority
	seq      uint64 // insertion order, for FIFO tie-break
	tag      string // "" means not idempotently cancellable
	cb       Callback
	index    int // heap index, maintained by container/heap
}

// eventQueue is a container/heap.Interface ordering events by (asn,
// priority, seq) ascending.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].asn != q[j].asn {
		return q[i].asn < q[j].asn
	}
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}

// Engine is the run-scoped event scheduler. One Engine exists per
// simulation run; tests create independent Engines rather than sharing a
// package-level singleton.
type Engine struct {
	Rand *rand.Rand

	now     ASN
	queue   eventQueue
	byTag   map[string]*event
	seq     uint64
	current *event // the event presently executing, immune to cancellation
	stopped bool
}

// New returns a new Engine seeded for deterministic, reproducible runs.
func New(seed int64) *Engine {
	return &Engine{
		Rand:  rand.New(rand.NewSource(seed)),
		queue: make(eventQueue, 0),
		byTag: make(map[string]*event),
	}
}

// Now returns the current ASN.
func (e *Engine) Now() ASN { return e.now }

// Schedule queues cb to run at the given asn and priority. If tag is
// non-empty and an event with the same tag is already pending, it is
// replaced (idempotent rescheduling) unless that event is the one
// currently executing, which is left alone (it has already fired).
func (e *Engine) Schedule(asn ASN, priority Priority, tag string, cb Callback) {
	if tag != "" {
		if old, ok := e.byTag[tag]; ok && old != e.current {
			e.removeEvent(old)
		}
	}
	ev := &event{asn: asn, priority: priority, seq: e.seq, tag: tag, cb: cb}
	e.seq++
	heap.Push(&e.queue, ev)
	if tag != "" {
		e.byTag[tag] = ev
	}
}

// ScheduleIn is a convenience that converts a delay in seconds to an ASN
// offset, given a slot duration in seconds.
func (e *Engine) ScheduleIn(delaySeconds, slotDurationSeconds float64, priority Priority, tag string, cb Callback) {
	delta := ASN(roundHalfAwayFromZero(delaySeconds / slotDurationSeconds))
	if delta < 0 {
		delta = 0
	}
	e.Schedule(e.now+delta, priority, tag, cb)
}

// Cancel removes any pending event with the given tag. It has no effect on
// the event currently executing.
func (e *Engine) Cancel(tag string) {
	if old, ok := e.byTag[tag]; ok && old != e.current {
		e.removeEvent(old)
	}
}

// removeEvent drops ev from the queue and the tag index.
func (e *Engine) removeEvent(ev *event) {
	if ev.index >= 0 {
		heap.Remove(&e.queue, ev.index)
	}
	if ev.tag != "" && e.byTag[ev.tag] == ev {
		delete(e.byTag, ev.tag)
	}
}

// Stop requests that Run terminate after the event currently executing
// returns.
func (e *Engine) Stop() { e.stopped = true }

// Run drains the event queue, executing callbacks in non-decreasing
// (asn, priority) order, FIFO within ties, until Stop is called or the
// queue empties.
func (e *Engine) Run() error {
	for !e.stopped {
		if len(e.queue) == 0 {
			return fmt.Errorf("engine: event queue emptied before Stop at asn %d", e.now)
		}
		ev := heap.Pop(&e.queue).(*event)
		if ev.tag != "" && e.byTag[ev.tag] == ev {
			delete(e.byTag, ev.tag)
		}
		e.now = ev.asn
		e.current = ev
		ev.cb(e)
		e.current = nil
	}
	return nil
}

// Pending reports the number of events currently queued, for tests.
func (e *Engine) Pending() int { return len(e.queue) }

func roundHalfAwayFromZero(x float64) int64 {
	if x >= 0 {
		return int64(x + 0.5)
	}
	return int64(x - 0.5)
}
