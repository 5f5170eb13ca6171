package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Record outcomes counted per stream.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeApplied   = "applied"
	OutcomeStale     = "stale"
	OutcomeJoined    = "joined"
	OutcomeUnmatched = "unmatched"
	OutcomeReplayed  = "replayed"
	OutcomeEvicted   = "evicted"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silverlake_build_info",
			Help: "Build information of the silverlake pipeline",
		},
		[]string{"version", "commit", "date"},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silverlake_records_total",
			Help: "Records processed per stream by outcome",
		},
		[]string{"stream", "outcome"},
	)

	RuleViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silverlake_rule_violations_total",
			Help: "Quality rule violations per stream and rule",
		},
		[]string{"stream", "rule"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "silverlake_cycle_duration_seconds",
			Help:    "Duration of one batch cycle per stream",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"stream"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silverlake_cycles_total",
			Help: "Batch cycles per stream by result",
		},
		[]string{"stream", "result"},
	)

	CheckpointAdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silverlake_checkpoint_advances_total",
			Help: "Checkpoint saves per stream",
		},
		[]string{"stream"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silverlake_queue_depth",
			Help: "Batches waiting between reader and applier per stream",
		},
		[]string{"stream"},
	)

	StateRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silverlake_state_rows",
			Help: "Current rows held in each entity state store",
		},
		[]string{"entity"},
	)

	ParkedFacts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silverlake_parked_facts",
			Help: "Unmatched facts waiting for replay per stream",
		},
		[]string{"stream"},
	)
)

// Push sends the default registry to a Pushgateway, for runs that exit
// before they could be scraped.
func Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
