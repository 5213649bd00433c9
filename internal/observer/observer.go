// Package observer fans router samples and status reports out to sinks.
package observer

import (
	"log/slog"

	"github.com/vibrouter/router/pkg/core"
)

// Observer receives sampled vibrations.
type Observer interface {
	ObserveVibration(v core.Vibration)
}

// Reporter receives lifecycle status reports.
type Reporter interface {
	ReportStatus(s core.Status)
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(s core.Status)

func (f ReporterFunc) ReportStatus(s core.Status) {
	f(s)
}

// Multi forwards samples to every non-nil observer.
type Multi []Observer

// NewMulti drops nil observers.
func NewMulti(observers ...Observer) Multi {
	out := make(Multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m Multi) ObserveVibration(v core.Vibration) {
	for _, o := range m {
		o.ObserveVibration(v)
	}
}

// Reporters forwards status reports to every non-nil reporter.
type Reporters []Reporter

// NewReporters drops nil reporters.
func NewReporters(reporters ...Reporter) Reporters {
	out := make(Reporters, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (rs Reporters) ReportStatus(s core.Status) {
	for _, r := range rs {
		r.ReportStatus(s)
	}
}

// Log writes samples at debug level and status reports at info level.
// Samples with both motors stopped are not logged.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) ObserveVibration(v core.Vibration) {
	if v.IsZero() {
		return
	}
	l.logger().Debug("Vibration sample", "left", v.LeftMotorSpeed, "right", v.RightMotorSpeed)
}

func (l Log) ReportStatus(s core.Status) {
	l.logger().Info("Status", "message", s.Message, "state", s.State.String(), "reason", string(s.Reason))
}
