package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"
)

type SlackConfig struct {
	Logger     *slog.Logger
	WebhookURL string
	// MinInterval throttles repeat alerts for the same stream and op.
	MinInterval time.Duration
	Clock       clockwork.Clock
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.WebhookURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SlackReporter posts alerts to an incoming webhook.
type SlackReporter struct {
	cfg SlackConfig

	mu   sync.Mutex
	last map[string]time.Time
}

func NewSlackReporter(cfg SlackConfig) (*SlackReporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SlackReporter{cfg: cfg, last: make(map[string]time.Time)}, nil
}

func (r *SlackReporter) Report(ctx context.Context, a Alert) {
	if !r.allow(a.Stream + "/" + a.Op) {
		return
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("silverlake: %s failed on stream %s (attempt %d)", a.Op, a.Stream, a.Attempt),
		Attachments: []slack.Attachment{{
			Color: "danger",
			Text:  a.Err.Error(),
			Fields: []slack.AttachmentField{
				{Title: "stream", Value: a.Stream, Short: true},
				{Title: "op", Value: a.Op, Short: true},
			},
			Footer: a.Time.UTC().Format(time.RFC3339),
		}},
	}
	if err := slack.PostWebhookContext(ctx, r.cfg.WebhookURL, msg); err != nil {
		r.cfg.Logger.Warn("alert: failed to post slack webhook", "stream", a.Stream, "error", err)
	}
}

func (r *SlackReporter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.cfg.Clock.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.cfg.MinInterval {
		return false
	}
	r.last[key] = now
	return true
}
