// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

// Package simlog wraps logrus with the call shape the rest of the
// simulator uses: a timestamp expressed as an ASN plus a mote id, mirroring
// the teacher's logf(now, id, format, args...) helper but as structured
// fields instead of a formatted string, so a run's log can be filtered or
// aggregated by tool instead of only read.
package simlog

import (
	"github.com/sirupsen/logrus"
)

// Logger emits simulation events with asn/mote context attached.
type Logger struct {
	l *logrus.Logger
}

// New returns a Logger at the given level ("debug", "info", "warn", "error").
func New(level string) *Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: false})
	return &Logger{l: l}
}

// Event logs one simulation-notable occurrence at the given ASN and mote.
func (lg *Logger) Event(asn int64, mote int, event string, format string, a ...any) {
	lg.l.WithFields(logrus.Fields{
		"asn":  asn,
		"mote": mote,
	}).Infof("%s: "+format, append([]any{event}, a...)...)
}

// Warn logs a housekeeping or drop condition worth surfacing above Event.
func (lg *Logger) Warn(asn int64, mote int, event string, format string, a ...any) {
	lg.l.WithFields(logrus.Fields{
		"asn":  asn,
		"mote": mote,
	}).Warnf("%s: "+format, append([]any{event}, a...)...)
}

// Debugf logs at debug level with no structured fields, for hot-path
// tracing that would otherwise be too costly to tag per call.
func (lg *Logger) Debugf(format string, a ...any) {
	lg.l.Debugf(format, a...)
}
