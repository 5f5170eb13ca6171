package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/alert"
	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/silverlake/pipeline/pkg/neo4j"
	"github.com/malbeclabs/silverlake/pipeline/pkg/parking"
	"github.com/malbeclabs/silverlake/pipeline/pkg/quality"
	"github.com/malbeclabs/silverlake/pipeline/pkg/sink"
	"github.com/malbeclabs/silverlake/pipeline/pkg/source"
)

const defaultParkingCapacity = 100_000

// Sinks are extra outputs written alongside the configured stores.
type Sinks struct {
	// Dimensions is keyed by entity.
	Dimensions map[string]sink.DimensionSink
	Bookings   sink.FactSink
	Business   sink.FactSink
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Checkpoints checkpoint.Store
	Alerts      alert.Reporter

	// Sources is keyed by entity and must hold every entity.
	Sources map[string]source.Source

	// Rules replaces the default rule set of an entity.
	Rules map[string]map[string]string

	// ClickHouse receives the current-state and silver fact tables (optional).
	ClickHouse clickhouse.Client
	// Neo4j receives the booking graph (optional).
	Neo4j neo4j.Client
	Sinks Sinks

	// Env locks ClickHouse and Neo4j to one deployment when set.
	Env string

	// Hydrate loads the dimension stores from their current-state tables
	// before any stream is read.
	Hydrate bool

	// Parking holds unmatched bookings. A memory lot is used when nil.
	Parking         parking.Lot
	ParkingCapacity int
	MaxParkAttempts int
	ReplayInterval  time.Duration

	StateShards     int
	BatchSize       int
	QueueSize       int
	PollInterval    time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	MaxRetries      int
	ShutdownTimeout time.Duration

	// SkipReadyWait makes Ready return true as soon as the pipeline starts.
	SkipReadyWait bool

	rules map[string]quality.RuleSet
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Checkpoints == nil {
		return errors.New("checkpoint store is required")
	}
	for _, e := range Entities() {
		if c.Sources[e] == nil {
			return fmt.Errorf("source for %s is required", e)
		}
	}
	for e := range c.Sources {
		if _, ok := DefaultRules()[e]; !ok {
			return fmt.Errorf("source for unknown entity %q", e)
		}
	}
	if c.ClickHouse == nil && c.Neo4j == nil && c.Sinks.Business == nil {
		return errors.New("clickhouse, neo4j or a business sink is required")
	}
	if c.Hydrate && c.ClickHouse == nil && len(c.Sinks.Dimensions) == 0 {
		return errors.New("hydrate requires clickhouse or dimension sinks")
	}
	if c.ParkingCapacity < 0 {
		return errors.New("parking capacity must not be negative")
	}

	rules := DefaultRules()
	for e, exprs := range c.Rules {
		if _, ok := rules[e]; !ok {
			return fmt.Errorf("rules for unknown entity %q", e)
		}
		rules[e] = exprs
	}
	c.rules = make(map[string]quality.RuleSet, len(rules))
	for e, exprs := range rules {
		if len(exprs) == 0 {
			return fmt.Errorf("rules for %s are empty", e)
		}
		rs, err := quality.Compile(exprs)
		if err != nil {
			return fmt.Errorf("rules for %s: %w", e, err)
		}
		c.rules[e] = rs
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ParkingCapacity == 0 {
		c.ParkingCapacity = defaultParkingCapacity
	}
	if c.Parking == nil {
		c.Parking = parking.NewMemoryLot(c.Clock, c.ParkingCapacity)
	}
	return nil
}
