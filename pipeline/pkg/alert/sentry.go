package alert

import (
	"context"

	"github.com/getsentry/sentry-go"
)

type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter reports through hub, or the global hub when nil.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

func (r *SentryReporter) Report(_ context.Context, a Alert) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("stream", a.Stream)
		scope.SetTag("op", a.Op)
		scope.SetContext("storage_failure", sentry.Context{
			"attempt": a.Attempt,
			"time":    a.Time,
		})
		r.hub.CaptureException(a.Err)
	})
}
