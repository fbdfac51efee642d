// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package stats

import (
	"bufio"
	"fmt"
	"os"
	"text/template"

	"github.com/heistp/tischsim/internal/engine"
)

// xplotHeader matches the teacher's xplot.go template, adapted from a
// Clock-keyed format to an ASN-keyed one.
const xplotHeader = `double double
title
{{.Title}}
{{if .X.Label -}}
xlabel
{{.X.Label}}
{{end -}}
{{if .Y.Label -}}
ylabel
{{.Y.Label}}
{{end -}}
{{if not .NonzeroAxis -}}
invisible 0 0
{{end -}}
`

// Axis labels one plot dimension.
type Axis struct {
	Label string
}

// Xplot writes one xplot-format (.xpl) time series, decimated to avoid
// dense per-event output. Adapted from the teacher's Xplot type: same
// Open/Dot/Plus/Close shape and decimation-by-interval pattern,
// retargeted from a per-packet Clock axis to a per-cycle ASN axis, since
// this simulator reports scalar time series (throughput, latency) rather
// than dense per-packet traces.
type Xplot struct {
	Title       string
	X           Axis
	Y           Axis
	NonzeroAxis bool
	Decimation  engine.ASN

	file   *os.File
	writer *bufio.Writer
	prior  map[int]engine.ASN
}

type symbology int

// Recognized symbologies, matching the xplot format's point markers.
const (
	symbologyDot symbology = (iota + 1) * 1024
	symbologyPlus
)

type color int

// Recognized xplot colors.
const (
	colorWhite color = iota
	colorGreen
	colorRed
	colorBlue
)

// Open creates the .xpl file at name and writes its header.
func (p *Xplot) Open(name string) (err error) {
	var t *template.Template
	if t, err = template.New("XplotHeader").Parse(xplotHeader); err != nil {
		return
	}
	if p.file, err = os.Create(name); err != nil {
		return
	}
	p.writer = bufio.NewWriter(p.file)
	p.prior = make(map[int]engine.ASN)
	err = t.Execute(p.writer, p)
	return
}

// Dot plots one decimated point.
func (p *Xplot) Dot(now engine.ASN, y any, c color) {
	if !p.decimate(now, symbologyDot, c) {
		fmt.Fprintf(p.writer, "dot %d %v %d\n", now, y, c)
	}
}

// Plus plots one decimated point with a + marker.
func (p *Xplot) Plus(now engine.ASN, y any, c color) {
	if !p.decimate(now, symbologyPlus, c) {
		fmt.Fprintf(p.writer, "+ %d %v %d\n", now, y, c)
	}
}

// decimate reports whether the given symbology/color was already plotted
// within the last Decimation ASNs.
func (p *Xplot) decimate(now engine.ASN, sym symbology, c color) bool {
	i := int(sym) * int(c)
	prior, ok := p.prior[i]
	if !ok || now-prior > p.Decimation {
		p.prior[i] = now
		return false
	}
	return true
}

// Close flushes and closes the .xpl file.
func (p *Xplot) Close() error {
	fmt.Fprintf(p.writer, "go\n")
	p.writer.Flush()
	return p.file.Close()
}
