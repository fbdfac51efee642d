// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package stats collects per-cycle records and final per-run summaries
// (component C8's output half), and aggregates per-mote counters across
// a multi-run sweep. Output is CSV for the per-cycle series and JSON for
// the final summary (stdlib encoding/csv, encoding/json), replacing the
// teacher's gnuplot-oriented Xplot file format for the bulk of reporting;
// Xplot itself is kept and reused for the optional per-cycle
// throughput/latency series.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/heistp/tischsim/internal/config"
	"github.com/heistp/tischsim/internal/engine"
	"github.com/heistp/tischsim/internal/mote"
)

// CycleRecord is one row of the per-run, per-cycle CSV output.
type CycleRecord struct {
	Cycle              int
	ASN                engine.ASN
	PacketsDelivered   int
	MeanLatencyASN      float64
	DroppedQueueFull   int
	DroppedMacRetries  int
	DropByCollision    int
	DropByPropagation  int
	TotalCells         int
}

var cycleHeader = []string{
	"cycle", "asn", "packetsDelivered", "meanLatencyAsn",
	"droppedQueueFull", "droppedMacRetries", "dropByCollision",
	"dropByPropagation", "totalCells",
}

func (r CycleRecord) row() []string {
	return []string{
		strconv.Itoa(r.Cycle),
		strconv.FormatInt(int64(r.ASN), 10),
		strconv.Itoa(r.PacketsDelivered),
		strconv.FormatFloat(r.MeanLatencyASN, 'f', 3, 64),
		strconv.Itoa(r.DroppedQueueFull),
		strconv.Itoa(r.DroppedMacRetries),
		strconv.Itoa(r.DropByCollision),
		strconv.Itoa(r.DropByPropagation),
		strconv.Itoa(r.TotalCells),
	}
}

// MoteSummary is one mote's final per-run counters, per the "final
// summary contains per-mote generated/received packet counts, charge
// consumed, cell counts, and churn counts" output contract.
type MoteSummary struct {
	MoteID                 int     `json:"moteId"`
	PacketsGenerated       int     `json:"packetsGenerated"`
	PacketsReceivedAsRoot  int     `json:"packetsReceivedAsRoot"`
	ProbePacketsGenerated  int     `json:"probePacketsGenerated"`
	ProbeNumPacketReceived int     `json:"probeNumPacketReceived"`
	Charge                 float64 `json:"charge"`
	NumTxCells             int     `json:"numTxCells"`
	NumRxCells             int     `json:"numRxCells"`
	RplChurnPrefParent     int     `json:"rplChurnPrefParent"`
	TopTxRelocatedCells    int     `json:"topTxRelocatedCells"`
	TopRxRelocatedCells    int     `json:"topRxRelocatedCells"`
	DroppedAppFailedEnqueue int    `json:"droppedAppFailedEnqueue"`
	DroppedNoRoute         int     `json:"droppedNoRoute"`
	DroppedNoTxCells       int     `json:"droppedNoTxCells"`
	DroppedQueueFull       int     `json:"droppedQueueFull"`
	DroppedMacRetries      int     `json:"droppedMacRetries"`
	DropByCollision        int     `json:"dropByCollision"`
	DropByPropagation      int     `json:"dropByPropagation"`
}

// RunSummary is one run's final output: the seed that produced it (for
// the determinism property, §8.8) and every mote's counters.
type RunSummary struct {
	Seed      int64         `json:"seed"`
	NumCycles int           `json:"numCycles"`
	Motes     []MoteSummary `json:"motes"`
}

// Summarize reads final counters out of the mote population. ids must be
// supplied in population order so output is reproducible across runs with
// the same seed (map iteration order is not).
func Summarize(seed int64, numCycles int, motes map[mote.MoteID]*mote.Mote, ids []mote.MoteID) RunSummary {
	rs := RunSummary{Seed: seed, NumCycles: numCycles}
	for _, id := range ids {
		m, ok := motes[id]
		if !ok {
			continue
		}
		var numTx, numRx int
		for _, c := range m.Schedule {
			switch c.Direction {
			case mote.TX:
				numTx++
			case mote.RX:
				numRx++
			}
		}
		rs.Motes = append(rs.Motes, MoteSummary{
			MoteID:                  int(m.ID),
			PacketsGenerated:        m.Counters.PacketsGenerated,
			PacketsReceivedAsRoot:   m.Counters.PacketsReceivedAsRoot,
			ProbePacketsGenerated:   m.Counters.ProbePacketsGenerated,
			ProbeNumPacketReceived:  m.Counters.ProbeNumPacketReceived,
			Charge:                  float64(m.Charge),
			NumTxCells:              numTx,
			NumRxCells:              numRx,
			RplChurnPrefParent:      m.Counters.RplChurnPrefParent,
			TopTxRelocatedCells:     m.Counters.TopTxRelocatedCells,
			TopRxRelocatedCells:     m.Counters.TopRxRelocatedCells,
			DroppedAppFailedEnqueue: m.Counters.DroppedAppFailedEnqueue,
			DroppedNoRoute:          m.Counters.DroppedNoRoute,
			DroppedNoTxCells:        m.Counters.DroppedNoTxCells,
			DroppedQueueFull:        m.Counters.DroppedQueueFull,
			DroppedMacRetries:       m.Counters.DroppedMacRetries,
			DropByCollision:         m.Counters.DropByCollision,
			DropByPropagation:       m.Counters.DropByPropagation,
		})
	}
	return rs
}

// WriteSummaryJSON writes one or more RunSummary values as a JSON array.
func WriteSummaryJSON(path string, runs []RunSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(runs)
}

// Aggregate is the unweighted mean and sample standard deviation of a
// metric across runs (open question: spec.md §6 does not specify an
// aggregation method for numRuns>1, resolved in DESIGN.md).
type Aggregate struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// AggregateValues computes the unweighted mean and sample standard
// deviation of values. A single value or an empty slice yields StdDev 0.
func AggregateValues(values []float64) Aggregate {
	n := len(values)
	if n == 0 {
		return Aggregate{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	if n < 2 {
		return Aggregate{Mean: mean}
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return Aggregate{Mean: mean, StdDev: math.Sqrt(sumSq / float64(n-1))}
}

// Recorder accumulates per-cycle records for one run and writes them to
// a CSV file, plus optional decimated Xplot series gated by config.
type Recorder struct {
	w   *csv.Writer
	f   *os.File
	cfg config.Settings

	throughputPlot *Xplot
	latencyPlot    *Xplot

	cycleDelivered int
	cycleLatencySum float64
}

// NewRecorder opens csvPath for the per-cycle record stream, writing the
// header row immediately.
func NewRecorder(csvPath string, cfg config.Settings) (*Recorder, error) {
	f, err := os.Create(csvPath)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(cycleHeader); err != nil {
		f.Close()
		return nil, err
	}
	r := &Recorder{w: w, f: f, cfg: cfg}
	if cfg.PlotThroughput {
		r.throughputPlot = &Xplot{
			Title:      "packets delivered per cycle",
			X:          Axis{Label: "asn"},
			Y:          Axis{Label: "packets"},
			Decimation: engine.ASN(cfg.PlotThroughputInterval / cfg.SlotDuration),
		}
		if err := r.throughputPlot.Open(csvPath + ".throughput.xpl"); err != nil {
			return nil, err
		}
	}
	if cfg.PlotLatency {
		r.latencyPlot = &Xplot{
			Title:      "mean delivery latency per cycle",
			X:          Axis{Label: "asn"},
			Y:          Axis{Label: "slots"},
			Decimation: engine.ASN(cfg.PlotLatencyInterval / cfg.SlotDuration),
		}
		if err := r.latencyPlot.Open(csvPath + ".latency.xpl"); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RecordDelivery accumulates one delivered DATA packet's latency into the
// current cycle's running totals, read out by RecordCycle.
func (r *Recorder) RecordDelivery(latencyASN engine.ASN) {
	r.cycleDelivered++
	r.cycleLatencySum += float64(latencyASN)
}

// RecordCycle writes one row for a completed cycle and resets the
// delivery accumulators for the next one.
func (r *Recorder) RecordCycle(cycle int, asn engine.ASN, motes map[mote.MoteID]*mote.Mote) error {
	var meanLatency float64
	if r.cycleDelivered > 0 {
		meanLatency = r.cycleLatencySum / float64(r.cycleDelivered)
	}
	var droppedQueueFull, droppedMacRetries, dropByCollision, dropByPropagation, totalCells int
	for _, m := range motes {
		droppedQueueFull += m.Counters.DroppedQueueFull
		droppedMacRetries += m.Counters.DroppedMacRetries
		dropByCollision += m.Counters.DropByCollision
		dropByPropagation += m.Counters.DropByPropagation
		totalCells += len(m.Schedule)
	}
	rec := CycleRecord{
		Cycle:             cycle,
		ASN:               asn,
		PacketsDelivered:  r.cycleDelivered,
		MeanLatencyASN:    meanLatency,
		DroppedQueueFull:  droppedQueueFull,
		DroppedMacRetries: droppedMacRetries,
		DropByCollision:   dropByCollision,
		DropByPropagation: dropByPropagation,
		TotalCells:        totalCells,
	}
	if err := r.w.Write(rec.row()); err != nil {
		return err
	}
	if r.throughputPlot != nil {
		r.throughputPlot.Dot(asn, r.cycleDelivered, colorGreen)
	}
	if r.latencyPlot != nil {
		r.latencyPlot.Dot(asn, meanLatency, colorBlue)
	}
	r.cycleDelivered = 0
	r.cycleLatencySum = 0
	return nil
}

// Close flushes the CSV writer and any open plot files.
func (r *Recorder) Close() error {
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return err
	}
	if r.throughputPlot != nil {
		if err := r.throughputPlot.Close(); err != nil {
			return err
		}
	}
	if r.latencyPlot != nil {
		if err := r.latencyPlot.Close(); err != nil {
			return err
		}
	}
	return r.f.Close()
}

// SortedIDs returns a population's mote ids in ascending order, for
// deterministic iteration over the map the runner owns.
func SortedIDs(motes map[mote.MoteID]*mote.Mote) []mote.MoteID {
	ids := make([]mote.MoteID, 0, len(motes))
	for id := range motes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

var scheduleDumpHeader = []string{"timeslot", "channel", "direction", "neighbor", "numTx", "numTxAck", "numRx"}

// DumpSchedules writes one mote-<id>-schedule.csv per mote into dir, for
// the -dump-schedule CLI introspection command (the same debugging role
// the teacher's .xpl plots serve, for a system whose state of interest is
// a cell table rather than a congestion-window trace).
func DumpSchedules(dir string, motes map[mote.MoteID]*mote.Mote, ids []mote.MoteID) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, id := range ids {
		m, ok := motes[id]
		if !ok {
			continue
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("mote-%d-schedule.csv", id)))
		if err != nil {
			return err
		}
		w := csv.NewWriter(f)
		if err := w.Write(scheduleDumpHeader); err != nil {
			f.Close()
			return err
		}
		keys := make([]mote.CellKey, 0, len(m.Schedule))
		for k := range m.Schedule {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Timeslot != keys[j].Timeslot {
				return keys[i].Timeslot < keys[j].Timeslot
			}
			return keys[i].Channel < keys[j].Channel
		})
		for _, k := range keys {
			c := m.Schedule[k]
			neighbor := "broadcast"
			if nid, ok := c.Neighbor.ID(); ok {
				neighbor = strconv.Itoa(int(nid))
			}
			row := []string{
				strconv.Itoa(k.Timeslot),
				strconv.Itoa(k.Channel),
				c.Direction.String(),
				neighbor,
				strconv.Itoa(c.NumTx),
				strconv.Itoa(c.NumTxAck),
				strconv.Itoa(c.NumRx),
			}
			if err := w.Write(row); err != nil {
				f.Close()
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
