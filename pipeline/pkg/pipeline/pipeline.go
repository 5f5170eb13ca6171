// Package pipeline assembles the flights silver layer: three SCD1 dimension
// streams (flights, passengers, airports) and the bookings fact stream that
// is validated, stored as silver_bookings and star-joined into
// silver_business.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/silverlake/pipeline/pkg/graph"
	"github.com/malbeclabs/silverlake/pipeline/pkg/join"
	"github.com/malbeclabs/silverlake/pipeline/pkg/metrics"
	"github.com/malbeclabs/silverlake/pipeline/pkg/sink"
	"github.com/malbeclabs/silverlake/pipeline/pkg/state"
)

type Pipeline struct {
	log    *slog.Logger
	cfg    Config
	graph  *graph.Graph
	stores *state.Registry

	loaders map[string]sink.DimensionLoader

	startedAt time.Time
}

func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Env != "" {
		if cfg.ClickHouse != nil {
			if err := checkClickHouseEnvLock(ctx, cfg.ClickHouse, cfg.Env); err != nil {
				return nil, fmt.Errorf("clickhouse env lock check failed: %w", err)
			}
		}
		if cfg.Neo4j != nil {
			if err := checkNeo4jEnvLock(ctx, cfg.Neo4j, cfg.Env); err != nil {
				return nil, fmt.Errorf("neo4j env lock check failed: %w", err)
			}
		}
		cfg.Logger.Info("pipeline: env lock held", "env", cfg.Env)
	}

	g, err := graph.New(graph.Config{
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Checkpoints:     cfg.Checkpoints,
		Alerts:          cfg.Alerts,
		BatchSize:       cfg.BatchSize,
		QueueSize:       cfg.QueueSize,
		PollInterval:    cfg.PollInterval,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		MaxRetries:      cfg.MaxRetries,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ReplayInterval:  cfg.ReplayInterval,
		MaxParkAttempts: cfg.MaxParkAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create graph: %w", err)
	}

	p := &Pipeline{
		log:     cfg.Logger,
		cfg:     cfg,
		graph:   g,
		stores:  state.NewRegistry(),
		loaders: make(map[string]sink.DimensionLoader),
	}
	if err := p.register(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) register() error {
	cfg := p.cfg
	refs := make([]join.DimensionRef, 0, len(Dimensions))
	reads := make([]string, 0, len(Dimensions))

	for _, d := range Dimensions {
		store, err := state.NewStore(state.StoreConfig{Entity: d.Entity, Shards: cfg.StateShards, Clock: cfg.Clock})
		if err != nil {
			return fmt.Errorf("failed to create %s store: %w", d.Entity, err)
		}
		if err := p.stores.Register(store); err != nil {
			return err
		}
		dimSink, err := p.dimensionSink(d.Entity)
		if err != nil {
			return err
		}

		streams := []graph.Stream{
			{
				Name:      StagingStream(d.Entity),
				Kind:      graph.KindStaging,
				Source:    cfg.Sources[d.Entity],
				Transform: StagingTransform(d.Entity, cfg.Clock),
			},
			{
				Name:     validatedStream(d.Entity),
				Kind:     graph.KindValidated,
				Upstream: StagingStream(d.Entity),
				Rules:    cfg.rules[d.Entity],
			},
			{
				Name:          d.StateStream(),
				Kind:          graph.KindState,
				Upstream:      validatedStream(d.Entity),
				Schema:        d.Schema(),
				Store:         store,
				DimensionSink: dimSink,
			},
		}
		for _, s := range streams {
			if err := p.graph.Register(s); err != nil {
				return err
			}
		}
		p.log.Debug("pipeline: dimension registered", "entity", d.Entity, "rules", cfg.rules[d.Entity].Names())

		refs = append(refs, join.DimensionRef{
			Name:          d.Entity,
			FactField:     d.KeyField,
			KeyField:      d.KeyField,
			ModifiedField: ModifiedField,
			Lookup:        store,
		})
		reads = append(reads, d.StateStream())
	}

	m, err := join.NewMaterializer(join.Config{Dimensions: refs, ModifiedField: ModifiedField, Clock: cfg.Clock})
	if err != nil {
		return fmt.Errorf("failed to create join materializer: %w", err)
	}
	p.log.Debug("pipeline: star join configured", "stream", BusinessStream, "dimensions", m.Dimensions(), "rules", cfg.rules[EntityBookings].Names())
	bookings, business, err := p.factSinks()
	if err != nil {
		return err
	}

	streams := []graph.Stream{
		{
			Name:      StagingStream(EntityBookings),
			Kind:      graph.KindStaging,
			Source:    cfg.Sources[EntityBookings],
			Transform: StagingTransform(EntityBookings, cfg.Clock),
		},
		{
			Name:     BookingsStream,
			Kind:     graph.KindValidated,
			Upstream: StagingStream(EntityBookings),
			Rules:    cfg.rules[EntityBookings],
			Sink:     bookings,
		},
		{
			Name:         BusinessStream,
			Kind:         graph.KindJoined,
			Upstream:     BookingsStream,
			Materializer: m,
			Reads:        reads,
			Sink:         business,
			KeyField:     sink.BookingIDField,
			Parking:      cfg.Parking,
		},
	}
	for _, s := range streams {
		if err := p.graph.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) dimensionSink(entity string) (sink.DimensionSink, error) {
	var sinks sink.FanoutDimensionSink
	if p.cfg.ClickHouse != nil {
		ch, err := sink.NewClickHouseDimensionSink(p.log, p.cfg.ClickHouse, entity)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s dimension sink: %w", entity, err)
		}
		sinks = append(sinks, ch)
		p.loaders[entity] = ch
	}
	if extra := p.cfg.Sinks.Dimensions[entity]; extra != nil {
		sinks = append(sinks, extra)
		if l, ok := extra.(sink.DimensionLoader); ok && p.loaders[entity] == nil {
			p.loaders[entity] = l
		}
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func (p *Pipeline) factSinks() (sink.FactSink, sink.FactSink, error) {
	var bookings, business sink.FanoutFactSink
	if p.cfg.ClickHouse != nil {
		b, err := sink.NewClickHouseFactSink(p.log, p.cfg.ClickHouse, BookingsStream, p.cfg.Clock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create bookings sink: %w", err)
		}
		j, err := sink.NewClickHouseFactSink(p.log, p.cfg.ClickHouse, BusinessStream, p.cfg.Clock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create business sink: %w", err)
		}
		bookings = append(bookings, b)
		business = append(business, j)
	}
	if p.cfg.Neo4j != nil {
		business = append(business, sink.NewBookingGraphSink(p.log, p.cfg.Neo4j))
	}
	if p.cfg.Sinks.Bookings != nil {
		bookings = append(bookings, p.cfg.Sinks.Bookings)
	}
	if p.cfg.Sinks.Business != nil {
		business = append(business, p.cfg.Sinks.Business)
	}

	var bookingsSink sink.FactSink
	if len(bookings) > 0 {
		bookingsSink = bookings
	}
	return bookingsSink, business, nil
}

// hydrate seeds each dimension store from its current-state table and
// returns the number of rows loaded per entity that has a loader.
func (p *Pipeline) hydrate(ctx context.Context) (map[string]int, error) {
	loaded := make(map[string]int, len(Dimensions))
	for _, d := range Dimensions {
		loader, ok := p.loaders[d.Entity]
		if !ok {
			continue
		}
		states, err := loader.LoadCurrent(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load current %s: %w", d.Entity, err)
		}
		store, _ := p.stores.Store(d.Entity)
		n, err := store.Commit(states)
		if err != nil {
			return nil, fmt.Errorf("failed to hydrate %s: %w", d.Entity, err)
		}
		loaded[d.Entity] = store.Len()
		metrics.StateRows.WithLabelValues(d.Entity).Set(float64(store.Len()))
		p.log.Info("pipeline: hydrated dimension", "entity", d.Entity, "rows", n)
	}
	return loaded, nil
}

// rewindUnhydrated replays every dimension whose store starts empty. Its
// checkpoint may be ahead of state that only lived in a previous process
// or in a table that has since been dropped.
func (p *Pipeline) rewindUnhydrated(loaded map[string]int) error {
	for _, d := range Dimensions {
		if loaded[d.Entity] > 0 {
			continue
		}
		if err := p.graph.Rewind(StagingStream(d.Entity)); err != nil {
			return err
		}
		p.log.Info("pipeline: dimension starts empty, reading its source from the start", "entity", d.Entity)
	}
	return nil
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.startedAt = p.cfg.Clock.Now()
	var loaded map[string]int
	if p.cfg.Hydrate {
		var err error
		if loaded, err = p.hydrate(ctx); err != nil {
			return err
		}
	}
	if err := p.rewindUnhydrated(loaded); err != nil {
		return err
	}
	if err := p.graph.Start(ctx); err != nil {
		return fmt.Errorf("failed to start graph: %w", err)
	}
	p.log.Info("pipeline: started", "entities", Entities(), "env", p.cfg.Env)
	return nil
}

// Ready returns true once every stream has caught up with its source.
func (p *Pipeline) Ready() bool {
	if p.cfg.SkipReadyWait {
		return true
	}
	return p.graph.Ready()
}

func (p *Pipeline) WaitReady(ctx context.Context) error {
	if p.cfg.SkipReadyWait {
		return nil
	}
	return p.graph.WaitReady(ctx)
}

func (p *Pipeline) Stats() []graph.StreamStats {
	return p.graph.Stats()
}

// Store returns the current-state store of a dimension.
func (p *Pipeline) Store(entity string) (*state.Store, bool) {
	return p.stores.Store(entity)
}

func (p *Pipeline) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed when the pipeline has stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.graph.Done()
}

func (p *Pipeline) Err() error {
	return p.graph.Err()
}

// Close stops reading, lets in-flight batches finish and returns the error
// that stopped the pipeline, if any.
func (p *Pipeline) Close() error {
	return p.graph.Close()
}
