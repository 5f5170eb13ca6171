package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
	"github.com/malbeclabs/silverlake/pipeline/pkg/graph"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
	"github.com/malbeclabs/silverlake/pipeline/pkg/sink"
	"github.com/malbeclabs/silverlake/pipeline/pkg/source"
	laketesting "github.com/malbeclabs/silverlake/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sources  map[string]*source.MemorySource
	bookings *sink.MemoryFactSink
	business *sink.MemoryFactSink
	dims     map[string]*sink.MemoryDimensionSink
	cfg      Config
}

func newFixture() *fixture {
	f := &fixture{
		sources: map[string]*source.MemorySource{
			EntityBookings: source.NewMemorySource(
				record.Record{"booking_id": "B1", "flight_id": "F100", "passenger_id": "P7", "airport_id": "A1", "amount": "12.50", "booking_date": "2025-03-01T10:15:00Z", "_rescued_data": nil},
				record.Record{"booking_id": "B2", "flight_id": "F100", "passenger_id": "P8", "airport_id": "A1", "amount": "20", "booking_date": "2025-03-02"},
				record.Record{"booking_id": "B3", "flight_id": "F100", "airport_id": "A1", "amount": "5"},
			),
			EntityFlights: source.NewMemorySource(
				record.Record{"flight_id": "F100", "modified_date": 1, "status": "scheduled", "flight_date": "2025-03-01T08:00:00Z"},
				record.Record{"flight_id": "F100", "modified_date": 3, "status": "delayed", "flight_date": "2025-03-01T08:00:00Z"},
				record.Record{"flight_id": "F100", "modified_date": 2, "status": "boarding", "flight_date": "2025-03-01T08:00:00Z"},
			),
			EntityPassengers: source.NewMemorySource(
				record.Record{"passenger_id": "P8", "modified_date": 1, "name": "Bo"},
			),
			EntityAirports: source.NewMemorySource(
				record.Record{"airport_id": "A1", "modified_date": 1, "airport_name": "JFK", "city": "New York"},
			),
		},
		bookings: sink.NewMemoryFactSink(),
		business: sink.NewMemoryFactSink(),
		dims:     map[string]*sink.MemoryDimensionSink{},
	}

	sources := make(map[string]source.Source, len(f.sources))
	for e, s := range f.sources {
		sources[e] = s
	}
	dims := make(map[string]sink.DimensionSink)
	for _, d := range Dimensions {
		f.dims[d.Entity] = sink.NewMemoryDimensionSink()
		dims[d.Entity] = f.dims[d.Entity]
	}
	f.cfg = Config{
		Logger:          laketesting.NewLogger(),
		Checkpoints:     checkpoint.NewMemoryStore(nil, "run-1"),
		Sources:         sources,
		Sinks:           Sinks{Dimensions: dims, Bookings: f.bookings, Business: f.business},
		PollInterval:    5 * time.Millisecond,
		ReplayInterval:  5 * time.Millisecond,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
		MaxParkAttempts: 1 << 20,
	}
	return f
}

func startPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(t.Context(), cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func streamStats(p *Pipeline, name string) graph.StreamStats {
	for _, s := range p.Stats() {
		if s.Name == name {
			return s
		}
	}
	return graph.StreamStats{}
}

func TestSilverlake_Pipeline_Config(t *testing.T) {
	t.Parallel()

	t.Run("names the missing source", func(t *testing.T) {
		t.Parallel()
		cfg := newFixture().cfg
		delete(cfg.Sources, EntityAirports)
		require.ErrorContains(t, cfg.Validate(), "source for airports is required")
	})

	t.Run("requires a business output", func(t *testing.T) {
		t.Parallel()
		cfg := newFixture().cfg
		cfg.Sinks.Business = nil
		require.ErrorContains(t, cfg.Validate(), "business sink is required")
	})

	t.Run("rejects malformed rules", func(t *testing.T) {
		t.Parallel()
		cfg := newFixture().cfg
		cfg.Rules = map[string]map[string]string{EntityBookings: {"rule1": "BOOKING_ID IS MAYBE NULL"}}
		require.ErrorContains(t, cfg.Validate(), "rules for bookings")
	})

	t.Run("rejects rules for unknown entities", func(t *testing.T) {
		t.Parallel()
		cfg := newFixture().cfg
		cfg.Rules = map[string]map[string]string{"crew": {"rule1": "crew_id IS NOT NULL"}}
		require.ErrorContains(t, cfg.Validate(), `unknown entity "crew"`)
	})

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		cfg := newFixture().cfg
		require.NoError(t, cfg.Validate())
		assert.NotNil(t, cfg.Clock)
		assert.NotNil(t, cfg.Parking)
		assert.Equal(t, defaultParkingCapacity, cfg.ParkingCapacity)
		assert.Len(t, cfg.rules, 4)
		assert.Equal(t, []string{"rule1", "rule2", "rule3", "rule4"}, cfg.rules[EntityBookings].Names())
	})
}

func TestSilverlake_Pipeline_DefaultRules(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	assert.Equal(t, "PASSENGER_ID IS NOT NULL", rules[EntityBookings]["rule4"])
	assert.Equal(t, "flight_id IS NOT NULL", rules[EntityFlights]["rule1"])
	assert.Equal(t, "modified_date IS NOT NULL", rules[EntityAirports]["rule2"])
	assert.Equal(t, []string{EntityBookings, EntityFlights, EntityPassengers, EntityAirports}, Entities())
}

func TestSilverlake_Pipeline_StagingTransform(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	t.Run("bookings", func(t *testing.T) {
		t.Parallel()
		out := StagingTransform(EntityBookings, clock).Apply(record.Record{
			"BOOKING_ID":    "B1",
			"Amount":        "3.5",
			"booking_date":  "2025-03-01T23:59:00Z",
			"modified_date": int64(7),
			"_rescued_data": "{}",
		})
		assert.Equal(t, record.Record{
			"booking_id":    "B1",
			"amount":        3.5,
			"booking_date":  time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			"modified_date": now,
		}, out)
	})

	t.Run("dimensions keep their sequence", func(t *testing.T) {
		t.Parallel()
		out := StagingTransform(EntityPassengers, clock).Apply(record.Record{"Passenger_ID": "P1", "modified_date": int64(7)})
		assert.Equal(t, record.Record{"passenger_id": "P1", "modified_date": int64(7)}, out)

		out = StagingTransform(EntityAirports, clock).Apply(record.Record{"airport_id": "A1"})
		assert.Equal(t, now, out[ModifiedField])
	})
}

func TestSilverlake_Pipeline_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture()
	p := startPipeline(t, f.cfg)
	require.NoError(t, p.WaitReady(t.Context()))
	require.True(t, p.Ready())

	flights, ok := p.Store(EntityFlights)
	require.True(t, ok)
	st, ok := flights.Get("F100")
	require.True(t, ok)
	assert.Equal(t, "delayed", st.Fields["status"])
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), st.Fields["flight_date"])
	row, ok := f.dims[EntityFlights].Get("F100")
	require.True(t, ok)
	assert.Equal(t, "delayed", row.Fields["status"])

	require.Eventually(t, func() bool {
		return len(f.business.Rows()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	silver := f.bookings.Rows()
	require.Len(t, silver, 2)
	assert.Equal(t, 12.5, silver[0]["amount"])
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), silver[0]["booking_date"])
	assert.NotContains(t, silver[0], "_rescued_data")
	assert.IsType(t, time.Time{}, silver[0][ModifiedField])

	joined := f.business.Rows()[0]
	assert.Equal(t, "B2", joined["booking_id"])
	assert.Equal(t, 20.0, joined["amount"])
	assert.Equal(t, "delayed", joined["status"])
	assert.Equal(t, "Bo", joined["name"])
	assert.Equal(t, "JFK", joined["airport_name"])
	assert.Equal(t, "F100", joined["flight_id"])
	assert.IsType(t, time.Time{}, joined[ModifiedField])

	bookingStats := streamStats(p, BookingsStream)
	assert.Equal(t, int64(2), bookingStats.Accepted)
	assert.Equal(t, int64(1), bookingStats.Rejected)
	flightStats := streamStats(p, "silver_flights")
	assert.Equal(t, int64(2), flightStats.Applied)
	assert.Equal(t, int64(1), flightStats.Stale)

	// The passenger for B1 arrives late; the parked booking is replayed.
	f.sources[EntityPassengers].Append(record.Record{"passenger_id": "P7", "modified_date": 1, "name": "Ann"})
	require.Eventually(t, func() bool {
		return len(f.business.Rows()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	late := f.business.Rows()[1]
	assert.Equal(t, "B1", late["booking_id"])
	assert.Equal(t, "Ann", late["name"])
	assert.Equal(t, 12.5, late["amount"])

	require.Eventually(t, func() bool {
		return streamStats(p, BusinessStream).Replayed == 1
	}, 5*time.Second, 5*time.Millisecond)
	business := streamStats(p, BusinessStream)
	assert.Equal(t, int64(1), business.Joined)
	assert.Equal(t, int64(1), business.Unmatched)

	require.NoError(t, p.Close())
	cps, err := f.cfg.Checkpoints.List(context.Background())
	require.NoError(t, err)
	require.Len(t, cps, 4)
	for _, cp := range cps {
		assert.NotEmpty(t, cp.Cursor, cp.Stream)
		assert.Equal(t, "run-1", cp.RunID)
	}
}

func TestSilverlake_Pipeline_RestartWithoutHydration(t *testing.T) {
	t.Parallel()

	f := newFixture()
	first := startPipeline(t, f.cfg)
	require.NoError(t, first.WaitReady(t.Context()))
	require.Eventually(t, func() bool {
		return len(f.business.Rows()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Close())

	// No dimension sink means nothing to hydrate from, while the dimension
	// checkpoints already sit at the end of their sources.
	cursor, err := f.cfg.Checkpoints.Load(t.Context(), StagingStream(EntityFlights))
	require.NoError(t, err)
	require.Equal(t, "3", cursor)
	cfg := f.cfg
	cfg.Sinks.Dimensions = nil

	second := startPipeline(t, cfg)
	require.NoError(t, second.WaitReady(t.Context()))

	flights, ok := second.Store(EntityFlights)
	require.True(t, ok)
	st, ok := flights.Get("F100")
	require.True(t, ok)
	assert.Equal(t, "delayed", st.Fields["status"])
	assert.Equal(t, int64(2), streamStats(second, "silver_flights").Applied)

	f.sources[EntityBookings].Append(record.Record{"booking_id": "B9", "flight_id": "F100", "passenger_id": "P8", "airport_id": "A1", "amount": "7"})
	require.Eventually(t, func() bool {
		return streamStats(second, BusinessStream).Joined == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, streamStats(second, BusinessStream).Unmatched)
	rows := f.business.Rows()
	assert.Equal(t, "B9", rows[len(rows)-1]["booking_id"])

	cursor, err = cfg.Checkpoints.Load(t.Context(), StagingStream(EntityBookings))
	require.NoError(t, err)
	assert.Equal(t, "4", cursor)
}

func TestSilverlake_Pipeline_Hydrate(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.sources[EntityPassengers] = source.NewMemorySource()
	f.cfg.Sources[EntityPassengers] = f.sources[EntityPassengers]
	lm := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.dims[EntityPassengers].Upsert(t.Context(), []*cdc.EntityState{
		{Key: "P7", Seq: int64(1), Fields: record.Record{"passenger_id": "P7", "name": "Ann", "modified_date": 1}, LastModified: lm},
		{Key: "P8", Seq: int64(1), Fields: record.Record{"passenger_id": "P8", "name": "Bo", "modified_date": 1}, LastModified: lm},
	}))
	f.cfg.Hydrate = true

	p := startPipeline(t, f.cfg)
	require.NoError(t, p.WaitReady(t.Context()))

	passengers, ok := p.Store(EntityPassengers)
	require.True(t, ok)
	assert.Equal(t, 2, passengers.Len())

	require.Eventually(t, func() bool {
		return len(f.business.Rows()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, streamStats(p, BusinessStream).Unmatched)
}

func TestSilverlake_Pipeline_SkipReadyWait(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.sources[EntityFlights].ReadErr = assert.AnError
	f.cfg.SkipReadyWait = true

	p := startPipeline(t, f.cfg)
	assert.True(t, p.Ready())
	require.NoError(t, p.WaitReady(t.Context()))
	assert.False(t, p.graph.Ready())
}
