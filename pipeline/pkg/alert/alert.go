// Package alert reports storage failures that stall a stream.
package alert

import (
	"context"
	"log/slog"
	"time"
)

type Alert struct {
	Stream  string
	Op      string
	Err     error
	Attempt int
	Time    time.Time
}

type Reporter interface {
	Report(ctx context.Context, a Alert)
}

// Reporters fans an alert out to every reporter in order.
type Reporters []Reporter

func (rs Reporters) Report(ctx context.Context, a Alert) {
	for _, r := range rs {
		r.Report(ctx, a)
	}
}

type LogReporter struct {
	log *slog.Logger
}

func NewLogReporter(log *slog.Logger) *LogReporter {
	return &LogReporter{log: log}
}

func (r *LogReporter) Report(_ context.Context, a Alert) {
	r.log.Error("alert: storage failure", "stream", a.Stream, "op", a.Op, "attempt", a.Attempt, "error", a.Err)
}
