package graph_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/alert"
	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"github.com/malbeclabs/silverlake/pipeline/pkg/graph"
	"github.com/malbeclabs/silverlake/pipeline/pkg/join"
	"github.com/malbeclabs/silverlake/pipeline/pkg/parking"
	"github.com/malbeclabs/silverlake/pipeline/pkg/quality"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
	"github.com/malbeclabs/silverlake/pipeline/pkg/sink"
	"github.com/malbeclabs/silverlake/pipeline/pkg/source"
	"github.com/malbeclabs/silverlake/pipeline/pkg/state"
	"github.com/malbeclabs/silverlake/pipeline/pkg/transform"
	laketesting "github.com/malbeclabs/silverlake/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingReporter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingReporter) Report(_ context.Context, a alert.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingReporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func testConfig(cp checkpoint.Store) graph.Config {
	return graph.Config{
		Logger:          laketesting.NewLogger(),
		Checkpoints:     cp,
		PollInterval:    tick,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
		ReplayInterval:  tick,
		ShutdownTimeout: time.Second,
	}
}

func compileRules(t *testing.T, exprs map[string]string) quality.RuleSet {
	t.Helper()
	rs, err := quality.Compile(exprs)
	require.NoError(t, err)
	return rs
}

func newStore(t *testing.T, entity string) *state.Store {
	t.Helper()
	s, err := state.NewStore(state.StoreConfig{Entity: entity, Shards: 4})
	require.NoError(t, err)
	return s
}

func stateStream(name, upstream, entity, key string, store *state.Store, dim sink.DimensionSink) graph.Stream {
	return graph.Stream{
		Name:          name,
		Kind:          graph.KindState,
		Upstream:      upstream,
		Schema:        cdc.Schema{Entity: entity, KeyField: key, SequenceField: "modified_date"},
		Store:         store,
		DimensionSink: dim,
	}
}

func startGraph(t *testing.T, cfg graph.Config, streams ...graph.Stream) *graph.Graph {
	t.Helper()
	g, err := graph.New(cfg)
	require.NoError(t, err)
	for _, s := range streams {
		require.NoError(t, g.Register(s))
	}
	require.NoError(t, g.Start(t.Context()))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func statsFor(g *graph.Graph, name string) graph.StreamStats {
	for _, s := range g.Stats() {
		if s.Name == name {
			return s
		}
	}
	return graph.StreamStats{}
}

func TestSilverlake_Graph_Config(t *testing.T) {
	t.Parallel()

	t.Run("requires logger and checkpoints", func(t *testing.T) {
		t.Parallel()
		cfg := graph.Config{Checkpoints: checkpoint.NewMemoryStore(nil, "")}
		require.ErrorContains(t, cfg.Validate(), "logger is required")

		cfg = graph.Config{Logger: laketesting.NewLogger()}
		require.ErrorContains(t, cfg.Validate(), "checkpoint store is required")
	})

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		cfg := graph.Config{Logger: laketesting.NewLogger(), Checkpoints: checkpoint.NewMemoryStore(nil, "")}
		require.NoError(t, cfg.Validate())
		assert.NotNil(t, cfg.Clock)
		assert.NotNil(t, cfg.Alerts)
		assert.Equal(t, 500, cfg.BatchSize)
		assert.Equal(t, 4, cfg.QueueSize)
		assert.Equal(t, time.Second, cfg.PollInterval)
		assert.Equal(t, 100, cfg.MaxParkAttempts)
		assert.Zero(t, cfg.MaxRetries)
	})
}

func TestSilverlake_Graph_Topology(t *testing.T) {
	t.Parallel()

	staging := func(name string) graph.Stream {
		return graph.Stream{Name: name, Kind: graph.KindStaging, Source: source.NewMemorySource()}
	}
	rules := compileRules(t, map[string]string{"rule1": "id IS NOT NULL"})

	startErr := func(t *testing.T, streams ...graph.Stream) error {
		t.Helper()
		g, err := graph.New(testConfig(checkpoint.NewMemoryStore(nil, "")))
		require.NoError(t, err)
		for _, s := range streams {
			if err := g.Register(s); err != nil {
				return err
			}
		}
		err = g.Start(t.Context())
		if err == nil {
			_ = g.Close()
		}
		return err
	}

	t.Run("rejects duplicate names", func(t *testing.T) {
		t.Parallel()
		err := startErr(t, staging("a"), staging("a"))
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "duplicate stream name")
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		t.Parallel()
		err := startErr(t, graph.Stream{Name: "a", Kind: graph.KindStaging})
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "source is required")

		err = startErr(t, staging("a"), graph.Stream{Name: "v", Kind: graph.KindValidated, Upstream: "a"})
		require.ErrorContains(t, err, "rules are required")

		err = startErr(t, staging("a"), graph.Stream{Name: "v", Kind: graph.KindValidated, Rules: rules})
		require.ErrorContains(t, err, "upstream is required")
	})

	t.Run("rejects unknown upstream", func(t *testing.T) {
		t.Parallel()
		err := startErr(t, staging("a"), graph.Stream{Name: "v", Kind: graph.KindValidated, Upstream: "nope", Rules: rules})
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, `unknown upstream "nope"`)
	})

	t.Run("rejects a state stream feeding another stream", func(t *testing.T) {
		t.Parallel()
		err := startErr(t,
			staging("a"),
			stateStream("s", "a", "flights", "flight_id", newStore(t, "flights"), nil),
			graph.Stream{Name: "v", Kind: graph.KindValidated, Upstream: "s", Rules: rules},
		)
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "cannot feed another stream")
	})

	t.Run("rejects upstream cycles", func(t *testing.T) {
		t.Parallel()
		err := startErr(t,
			staging("a"),
			graph.Stream{Name: "v1", Kind: graph.KindValidated, Upstream: "v2", Rules: rules},
			graph.Stream{Name: "v2", Kind: graph.KindValidated, Upstream: "v1", Rules: rules},
		)
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "cycle")
	})

	t.Run("rejects two writers for one store", func(t *testing.T) {
		t.Parallel()
		store := newStore(t, "flights")
		err := startErr(t,
			staging("a"),
			staging("b"),
			stateStream("s1", "a", "flights", "flight_id", store, nil),
			stateStream("s2", "b", "flights", "flight_id", store, nil),
		)
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "already written by stream")
	})

	t.Run("rejects schema and store mismatch", func(t *testing.T) {
		t.Parallel()
		err := startErr(t, staging("a"), stateStream("s", "a", "flights", "flight_id", newStore(t, "airports"), nil))
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "does not match schema entity")
	})

	joinOn := func(t *testing.T, store *state.Store) *join.Materializer {
		t.Helper()
		m, err := join.NewMaterializer(join.Config{Dimensions: []join.DimensionRef{{Name: "flights", FactField: "flight_id", Lookup: store}}})
		require.NoError(t, err)
		return m
	}

	t.Run("rejects joins reading non-state streams", func(t *testing.T) {
		t.Parallel()
		err := startErr(t,
			staging("facts"),
			staging("dims"),
			graph.Stream{Name: "j", Kind: graph.KindJoined, Upstream: "facts", Materializer: joinOn(t, newStore(t, "flights")), Sink: sink.NewMemoryFactSink(), Reads: []string{"dims"}},
		)
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "not a state stream")
	})

	t.Run("rejects joins reading their own source", func(t *testing.T) {
		t.Parallel()
		store := newStore(t, "flights")
		err := startErr(t,
			staging("a"),
			stateStream("s", "a", "flights", "flight_id", store, nil),
			graph.Stream{Name: "j", Kind: graph.KindJoined, Upstream: "a", Materializer: joinOn(t, store), Sink: sink.NewMemoryFactSink(), Reads: []string{"s"}},
		)
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "shares source")
	})

	t.Run("rejects readiness cycles", func(t *testing.T) {
		t.Parallel()
		sa, sb := newStore(t, "ea"), newStore(t, "eb")
		err := startErr(t,
			staging("a"),
			staging("b"),
			stateStream("sa", "a", "ea", "id", sa, nil),
			stateStream("sb", "b", "eb", "id", sb, nil),
			graph.Stream{Name: "ja", Kind: graph.KindJoined, Upstream: "a", Materializer: joinOn(t, sb), Sink: sink.NewMemoryFactSink(), Reads: []string{"sb"}},
			graph.Stream{Name: "jb", Kind: graph.KindJoined, Upstream: "b", Materializer: joinOn(t, sa), Sink: sink.NewMemoryFactSink(), Reads: []string{"sa"}},
		)
		require.ErrorIs(t, err, graph.ErrConfig)
		require.ErrorContains(t, err, "readiness dependencies form a cycle")
	})

	t.Run("rejects an empty graph", func(t *testing.T) {
		t.Parallel()
		require.ErrorIs(t, startErr(t), graph.ErrConfig)
	})
}

func TestSilverlake_Graph_OutOfOrderConvergence(t *testing.T) {
	t.Parallel()

	src := source.NewMemorySource(
		record.Record{"flight_id": 100, "modified_date": 1, "status": "scheduled"},
		record.Record{"flight_id": 100, "modified_date": 3, "status": "delayed"},
		record.Record{"flight_id": 100, "modified_date": 2, "status": "boarding"},
		record.Record{"flight_id": 200, "modified_date": 1, "status": "scheduled"},
	)
	store := newStore(t, "flights")
	dim := sink.NewMemoryDimensionSink()
	cp := checkpoint.NewMemoryStore(nil, "run-1")
	cfg := testConfig(cp)
	cfg.BatchSize = 1

	g := startGraph(t, cfg,
		graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: src},
		stateStream("silver_flights", "staging_flights", "flights", "flight_id", store, dim),
	)
	require.NoError(t, g.WaitReady(t.Context()))

	st, ok := store.Get("100")
	require.True(t, ok)
	assert.Equal(t, "delayed", st.Fields["status"])
	assert.Equal(t, int64(3), st.Seq)
	assert.Equal(t, 2, store.Len())

	row, ok := dim.Get("100")
	require.True(t, ok)
	assert.Equal(t, "delayed", row.Fields["status"])

	stats := statsFor(g, "silver_flights")
	assert.Equal(t, int64(3), stats.Applied)
	assert.Equal(t, int64(1), stats.Stale)
	assert.True(t, stats.Ready)

	root := statsFor(g, "staging_flights")
	assert.Equal(t, int64(4), root.Read)
	assert.Equal(t, "4", root.Cursor)

	cursor, err := cp.Load(t.Context(), "staging_flights")
	require.NoError(t, err)
	assert.Equal(t, "4", cursor)
}

func TestSilverlake_Graph_RedeliveryIsNoop(t *testing.T) {
	t.Parallel()

	events := []record.Record{
		{"flight_id": 100, "modified_date": 3, "status": "delayed"},
		{"flight_id": 100, "modified_date": 3, "status": "delayed"},
	}
	store := newStore(t, "flights")
	dim := sink.NewMemoryDimensionSink()

	first := startGraph(t, testConfig(checkpoint.NewMemoryStore(nil, "")),
		graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: source.NewMemorySource(events...)},
		stateStream("silver_flights", "staging_flights", "flights", "flight_id", store, dim),
	)
	require.NoError(t, first.WaitReady(t.Context()))
	require.NoError(t, first.Close())

	assert.Equal(t, int64(1), statsFor(first, "silver_flights").Applied)
	assert.Equal(t, int64(1), statsFor(first, "silver_flights").Stale)
	before, ok := store.Get("100")
	require.True(t, ok)
	calls := dim.Calls()

	// A fresh checkpoint replays the whole stream into the same store.
	second := startGraph(t, testConfig(checkpoint.NewMemoryStore(nil, "")),
		graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: source.NewMemorySource(events...)},
		stateStream("silver_flights", "staging_flights", "flights", "flight_id", store, dim),
	)
	require.NoError(t, second.WaitReady(t.Context()))

	after, ok := store.Get("100")
	require.True(t, ok)
	assert.Same(t, before, after)
	assert.Equal(t, calls, dim.Calls())
	assert.Zero(t, statsFor(second, "silver_flights").Applied)
	assert.Equal(t, int64(2), statsFor(second, "silver_flights").Stale)
}

func TestSilverlake_Graph_ValidationGate(t *testing.T) {
	t.Parallel()

	src := source.NewMemorySource(
		record.Record{"booking_id": 1, "flight_id": 100, "amount": "12.5"},
		record.Record{"booking_id": nil, "flight_id": 100},
		record.Record{"booking_id": 3},
		record.Record{"booking_id": 4, "flight_id": 101, "_rescued_data": "x"},
	)
	out := sink.NewMemoryFactSink()
	rules := compileRules(t, map[string]string{
		"rule1": "BOOKING_ID IS NOT NULL",
		"rule2": "FLIGHT_ID IS NOT NULL",
	})

	g := startGraph(t, testConfig(checkpoint.NewMemoryStore(nil, "")),
		graph.Stream{
			Name:      "staging_bookings",
			Kind:      graph.KindStaging,
			Source:    src,
			Transform: transform.Chain{transform.CastFloat("amount"), transform.Drop(transform.RescuedDataField)},
		},
		graph.Stream{Name: "silver_bookings", Kind: graph.KindValidated, Upstream: "staging_bookings", Rules: rules, Sink: out},
	)
	require.NoError(t, g.WaitReady(t.Context()))

	rows := out.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 12.5, rows[0]["amount"])
	assert.NotContains(t, rows[1], transform.RescuedDataField)

	stats := statsFor(g, "silver_bookings")
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(2), stats.Rejected)
	assert.Equal(t, int64(2), stats.Written)
}

// lossySource reports skipped input on its first non-empty batch.
type lossySource struct {
	source.Source
	skipped int
	done    atomic.Bool
}

func (s *lossySource) Read(ctx context.Context, cursor string, limit int) (source.Batch, error) {
	b, err := s.Source.Read(ctx, cursor, limit)
	if err == nil && len(b.Records) > 0 && s.done.CompareAndSwap(false, true) {
		b.Skipped = s.skipped
	}
	return b, err
}

func TestSilverlake_Graph_SkippedInputIsRejected(t *testing.T) {
	t.Parallel()

	src := &lossySource{
		Source:  source.NewMemorySource(record.Record{"booking_id": 1}, record.Record{"booking_id": 2}),
		skipped: 3,
	}
	out := sink.NewMemoryFactSink()
	cp := checkpoint.NewMemoryStore(nil, "")

	g := startGraph(t, testConfig(cp),
		graph.Stream{Name: "staging_bookings", Kind: graph.KindStaging, Source: src},
		graph.Stream{
			Name:     "silver_bookings",
			Kind:     graph.KindValidated,
			Upstream: "staging_bookings",
			Rules:    compileRules(t, map[string]string{"rule1": "BOOKING_ID IS NOT NULL"}),
			Sink:     out,
		},
	)
	require.NoError(t, g.WaitReady(t.Context()))

	assert.Len(t, out.Rows(), 2)
	staging := statsFor(g, "staging_bookings")
	assert.Equal(t, int64(5), staging.Read)
	assert.Equal(t, int64(3), staging.Rejected)
	assert.Equal(t, int64(2), statsFor(g, "silver_bookings").Accepted)

	cursor, err := cp.Load(t.Context(), "staging_bookings")
	require.NoError(t, err)
	assert.Equal(t, "2", cursor)
}

func TestSilverlake_Graph_StarJoin(t *testing.T) {
	t.Parallel()

	flights := source.NewMemorySource(record.Record{"flight_id": 100, "modified_date": 1, "status": "delayed", "origin": "JFK"})
	passengers := source.NewMemorySource(record.Record{"passenger_id": 8, "modified_date": 1, "name": "Bo"})
	bookings := source.NewMemorySource(
		record.Record{"booking_id": 1, "flight_id": 100, "passenger_id": 7, "amount": 10.0},
		record.Record{"booking_id": 2, "flight_id": 100, "passenger_id": 8, "amount": 20.0},
	)
	flightStore, passengerStore := newStore(t, "flights"), newStore(t, "passengers")
	joined := sink.NewMemoryFactSink()
	lot := parking.NewMemoryLot(nil, 0)

	m, err := join.NewMaterializer(join.Config{Dimensions: []join.DimensionRef{
		{Name: "flights", FactField: "flight_id", Lookup: flightStore},
		{Name: "passengers", FactField: "passenger_id", Lookup: passengerStore},
	}})
	require.NoError(t, err)

	cfg := testConfig(checkpoint.NewMemoryStore(nil, ""))
	cfg.MaxParkAttempts = 1 << 20

	g := startGraph(t, cfg,
		graph.Stream{Name: "staging_bookings", Kind: graph.KindStaging, Source: bookings},
		graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: flights},
		graph.Stream{Name: "staging_passengers", Kind: graph.KindStaging, Source: passengers},
		stateStream("silver_flights", "staging_flights", "flights", "flight_id", flightStore, nil),
		stateStream("silver_passengers", "staging_passengers", "passengers", "passenger_id", passengerStore, nil),
		graph.Stream{
			Name:         "silver_business",
			Kind:         graph.KindJoined,
			Upstream:     "staging_bookings",
			Materializer: m,
			Reads:        []string{"silver_flights", "silver_passengers"},
			Sink:         joined,
			KeyField:     "booking_id",
			Parking:      lot,
		},
	)
	require.NoError(t, g.WaitReady(t.Context()))

	require.Eventually(t, func() bool {
		return statsFor(g, "silver_business").Unmatched == 1 && len(joined.Rows()) == 1
	}, waitFor, tick)
	first := joined.Rows()[0]
	assert.Equal(t, 2, first["booking_id"])
	assert.Equal(t, "Bo", first["name"])
	assert.Equal(t, "JFK", first["origin"])
	assert.Contains(t, first, "modified_date")
	n, err := lot.Len(t.Context(), "silver_business")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	passengers.Append(record.Record{"passenger_id": 7, "modified_date": 1, "name": "Ann"})

	require.Eventually(t, func() bool {
		return len(joined.Rows()) == 2
	}, waitFor, tick)
	late := joined.Rows()[1]
	assert.Equal(t, 1, late["booking_id"])
	assert.Equal(t, "Ann", late["name"])
	assert.Equal(t, "delayed", late["status"])

	require.Eventually(t, func() bool {
		return statsFor(g, "silver_business").Replayed == 1
	}, waitFor, tick)
	assert.Equal(t, int64(1), statsFor(g, "silver_business").Joined)
	n, err = lot.Len(t.Context(), "silver_business")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSilverlake_Graph_ParkedFactsAreEvicted(t *testing.T) {
	t.Parallel()

	store := newStore(t, "flights")
	m, err := join.NewMaterializer(join.Config{Dimensions: []join.DimensionRef{{Name: "flights", FactField: "flight_id", Lookup: store}}})
	require.NoError(t, err)
	lot := parking.NewMemoryLot(nil, 0)
	cfg := testConfig(checkpoint.NewMemoryStore(nil, ""))
	cfg.MaxParkAttempts = 2

	g := startGraph(t, cfg,
		graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: source.NewMemorySource()},
		stateStream("silver_flights", "staging_flights", "flights", "flight_id", store, nil),
		graph.Stream{Name: "staging_bookings", Kind: graph.KindStaging, Source: source.NewMemorySource(record.Record{"booking_id": 1, "flight_id": 999})},
		graph.Stream{
			Name: "silver_business", Kind: graph.KindJoined, Upstream: "staging_bookings",
			Materializer: m, Reads: []string{"silver_flights"}, Sink: sink.NewMemoryFactSink(),
			KeyField: "booking_id", Parking: lot,
		},
	)

	require.Eventually(t, func() bool {
		return statsFor(g, "silver_business").Evicted == 1
	}, waitFor, tick)
	n, err := lot.Len(t.Context(), "silver_business")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSilverlake_Graph_StorageFailure(t *testing.T) {
	t.Parallel()

	t.Run("retries the batch until the sink recovers", func(t *testing.T) {
		t.Parallel()
		dim := sink.NewMemoryDimensionSink()
		dim.FailNext(3, errors.New("connection reset"))
		reporter := &recordingReporter{}
		cp := checkpoint.NewMemoryStore(nil, "")
		cfg := testConfig(cp)
		cfg.Alerts = reporter

		g := startGraph(t, cfg,
			graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: source.NewMemorySource(
				record.Record{"flight_id": 100, "modified_date": 1, "status": "scheduled"},
			)},
			stateStream("silver_flights", "staging_flights", "flights", "flight_id", newStore(t, "flights"), dim),
		)
		require.NoError(t, g.WaitReady(t.Context()))

		_, ok := dim.Get("100")
		assert.True(t, ok)
		assert.Equal(t, 3, reporter.Len())
		assert.Equal(t, int64(3), statsFor(g, "staging_flights").Errors)
		assert.Equal(t, int64(1), statsFor(g, "silver_flights").Applied)

		cursor, err := cp.Load(t.Context(), "staging_flights")
		require.NoError(t, err)
		assert.Equal(t, "1", cursor)
	})

	t.Run("stops without advancing the checkpoint when retries run out", func(t *testing.T) {
		t.Parallel()
		dim := sink.NewMemoryDimensionSink()
		dim.FailNext(100, errors.New("connection reset"))
		store := newStore(t, "flights")
		cp := checkpoint.NewMemoryStore(nil, "")
		cfg := testConfig(cp)
		cfg.MaxRetries = 2

		g := startGraph(t, cfg,
			graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: source.NewMemorySource(
				record.Record{"flight_id": 100, "modified_date": 1, "status": "scheduled"},
			)},
			stateStream("silver_flights", "staging_flights", "flights", "flight_id", store, dim),
		)

		select {
		case <-g.Done():
		case <-time.After(waitFor):
			t.Fatal("graph did not stop")
		}
		err := g.Err()
		require.ErrorIs(t, err, graph.ErrStorage)
		var se *graph.StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "silver_flights", se.Stream)
		assert.Equal(t, "upsert", se.Op)

		cursor, err := cp.Load(t.Context(), "staging_flights")
		require.NoError(t, err)
		assert.Empty(t, cursor)
		assert.Zero(t, store.Len())
		assert.False(t, g.Ready())
	})
}

func TestSilverlake_Graph_PanicIsRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	explode := func(r record.Record) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}
	out := sink.NewMemoryFactSink()

	g := startGraph(t, testConfig(checkpoint.NewMemoryStore(nil, "")),
		graph.Stream{Name: "staging", Kind: graph.KindStaging, Transform: transform.Chain{explode}, Source: source.NewMemorySource(record.Record{"id": 1})},
		graph.Stream{Name: "validated", Kind: graph.KindValidated, Upstream: "staging", Rules: compileRules(t, map[string]string{"r": "id IS NOT NULL"}), Sink: out},
	)
	require.NoError(t, g.WaitReady(t.Context()))
	assert.Len(t, out.Rows(), 1)
	assert.Equal(t, int64(1), statsFor(g, "staging").Errors)
}

func TestSilverlake_Graph_Readiness(t *testing.T) {
	t.Parallel()

	t.Run("join waits for its dimensions", func(t *testing.T) {
		t.Parallel()
		dims := source.NewMemorySource(record.Record{"flight_id": 100, "modified_date": 1})
		dims.ReadErr = errors.New("bucket unavailable")
		store := newStore(t, "flights")
		m, err := join.NewMaterializer(join.Config{Dimensions: []join.DimensionRef{{Name: "flights", FactField: "flight_id", Lookup: store}}})
		require.NoError(t, err)
		out := sink.NewMemoryFactSink()

		g := startGraph(t, testConfig(checkpoint.NewMemoryStore(nil, "")),
			graph.Stream{Name: "staging_bookings", Kind: graph.KindStaging, Source: source.NewMemorySource(record.Record{"booking_id": 1, "flight_id": 100})},
			graph.Stream{Name: "staging_flights", Kind: graph.KindStaging, Source: dims},
			stateStream("silver_flights", "staging_flights", "flights", "flight_id", store, nil),
			graph.Stream{Name: "silver_business", Kind: graph.KindJoined, Upstream: "staging_bookings", Materializer: m, Reads: []string{"silver_flights"}, Sink: out},
		)

		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		require.Error(t, g.WaitReady(ctx))
		assert.False(t, g.Ready())
		assert.False(t, g.StreamReady("silver_business"))
		assert.Empty(t, out.Rows())
		assert.Zero(t, statsFor(g, "silver_business").Unmatched)
	})

	t.Run("unknown stream is never ready", func(t *testing.T) {
		t.Parallel()
		g := startGraph(t, testConfig(checkpoint.NewMemoryStore(nil, "")),
			graph.Stream{Name: "staging", Kind: graph.KindStaging, Source: source.NewMemorySource()},
		)
		require.NoError(t, g.WaitReady(t.Context()))
		assert.True(t, g.StreamReady("staging"))
		assert.False(t, g.StreamReady("missing"))
	})

	t.Run("resumes from the saved checkpoint", func(t *testing.T) {
		t.Parallel()
		cp := checkpoint.NewMemoryStore(clockwork.NewFakeClock(), "")
		require.NoError(t, cp.Save(t.Context(), "staging", "2"))
		out := sink.NewMemoryFactSink()
		src := source.NewMemorySource(record.Record{"id": 1}, record.Record{"id": 2}, record.Record{"id": 3})

		g := startGraph(t, testConfig(cp),
			graph.Stream{Name: "staging", Kind: graph.KindStaging, Source: src},
			graph.Stream{Name: "validated", Kind: graph.KindValidated, Upstream: "staging", Rules: compileRules(t, map[string]string{"r": "id IS NOT NULL"}), Sink: out},
		)
		require.NoError(t, g.WaitReady(t.Context()))
		rows := out.Rows()
		require.Len(t, rows, 1)
		assert.Equal(t, 3, rows[0]["id"])
	})
	t.Run("rewound stream ignores the saved checkpoint", func(t *testing.T) {
		t.Parallel()
		cp := checkpoint.NewMemoryStore(clockwork.NewFakeClock(), "")
		require.NoError(t, cp.Save(t.Context(), "staging", "2"))
		out := sink.NewMemoryFactSink()
		src := source.NewMemorySource(record.Record{"id": 1}, record.Record{"id": 2}, record.Record{"id": 3})

		g, err := graph.New(testConfig(cp))
		require.NoError(t, err)
		require.NoError(t, g.Register(graph.Stream{Name: "staging", Kind: graph.KindStaging, Source: src}))
		require.NoError(t, g.Register(graph.Stream{Name: "validated", Kind: graph.KindValidated, Upstream: "staging", Rules: compileRules(t, map[string]string{"r": "id IS NOT NULL"}), Sink: out}))

		require.ErrorIs(t, g.Rewind("validated"), graph.ErrConfig)
		require.ErrorIs(t, g.Rewind("missing"), graph.ErrConfig)
		require.NoError(t, g.Rewind("staging"))

		require.NoError(t, g.Start(t.Context()))
		t.Cleanup(func() { _ = g.Close() })
		require.NoError(t, g.WaitReady(t.Context()))
		require.Len(t, out.Rows(), 3)
		require.ErrorIs(t, g.Rewind("staging"), graph.ErrConfig)

		cursor, err := cp.Load(t.Context(), "staging")
		require.NoError(t, err)
		assert.Equal(t, "3", cursor)
	})
}
