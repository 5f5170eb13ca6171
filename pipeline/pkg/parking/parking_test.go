package parking_test

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/silverlake/pipeline/pkg/parking"
	postgrestesting "github.com/malbeclabs/silverlake/pipeline/pkg/postgres/testing"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

func booking(id int, passenger int) record.Record {
	return record.Record{"booking_id": json.Number(strconv.Itoa(id)), "passenger_id": json.Number(strconv.Itoa(passenger)), "amount": json.Number("12.5")}
}

// exerciseLot runs the shared contract. advance moves the lot's notion of
// time forward so parked_at ordering is deterministic.
func exerciseLot(t *testing.T, lot parking.Lot, advance func()) {
	t.Helper()
	ctx := t.Context()

	n, err := lot.Len(ctx, "bookings")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, lot.Park(ctx, "bookings", "2", booking(2, 7), []string{"passengers"}))
	advance()
	require.NoError(t, lot.Park(ctx, "bookings", "1", booking(1, 8), []string{"flights", "passengers"}))
	advance()
	require.NoError(t, lot.Park(ctx, "other", "1", booking(1, 9), nil))

	due, err := lot.Due(ctx, "bookings", 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "2", due[0].Key)
	assert.Equal(t, "1", due[1].Key)
	assert.Equal(t, []string{"flights", "passengers"}, due[1].Missing)
	assert.Equal(t, "8", string(due[1].Record["passenger_id"].(json.Number)))
	assert.Equal(t, "12.5", string(due[1].Record["amount"].(json.Number)))
	assert.Zero(t, due[0].Attempts)

	limited, err := lot.Due(ctx, "bookings", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "2", limited[0].Key)

	attempts, err := lot.Attempt(ctx, "bookings", "2", []string{"passengers"})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	attempts, err = lot.Attempt(ctx, "bookings", "2", []string{"passengers"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts, err = lot.Attempt(ctx, "bookings", "missing", nil)
	require.NoError(t, err)
	assert.Zero(t, attempts)

	// Re-parking replaces the payload and resets attempts.
	advance()
	require.NoError(t, lot.Park(ctx, "bookings", "2", booking(2, 70), []string{"passengers"}))
	due, err = lot.Due(ctx, "bookings", 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "1", due[0].Key)
	assert.Equal(t, "2", due[1].Key)
	assert.Zero(t, due[1].Attempts)
	assert.Equal(t, "70", string(due[1].Record["passenger_id"].(json.Number)))

	require.NoError(t, lot.Remove(ctx, "bookings", "1", "2", "nope"))
	n, err = lot.Len(ctx, "bookings")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = lot.Len(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSilverlake_Parking_Memory(t *testing.T) {
	t.Parallel()

	t.Run("contract", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		exerciseLot(t, parking.NewMemoryLot(clock, 0), func() { clock.Advance(time.Second) })
	})

	t.Run("capacity", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		lot := parking.NewMemoryLot(nil, 1)
		require.NoError(t, lot.Park(ctx, "s", "1", booking(1, 1), nil))
		require.ErrorIs(t, lot.Park(ctx, "s", "2", booking(2, 1), nil), parking.ErrFull)
		// Replacing an existing key is always allowed.
		require.NoError(t, lot.Park(ctx, "s", "1", booking(1, 2), nil))
		// Capacity is per stream.
		require.NoError(t, lot.Park(ctx, "t", "2", booking(2, 1), nil))
	})

	t.Run("entries are copies", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		lot := parking.NewMemoryLot(nil, 0)
		rec := booking(1, 1)
		require.NoError(t, lot.Park(ctx, "s", "1", rec, nil))
		rec["passenger_id"] = "mutated"

		due, err := lot.Due(ctx, "s", 0)
		require.NoError(t, err)
		due[0].Record["amount"] = "mutated"

		due, err = lot.Due(ctx, "s", 0)
		require.NoError(t, err)
		assert.Equal(t, json.Number("1"), due[0].Record["passenger_id"])
		assert.Equal(t, json.Number("12.5"), due[0].Record["amount"])
	})
}

func TestSilverlake_Parking_SQLite(t *testing.T) {
	t.Parallel()

	newLot := func(t *testing.T, dsn string, clock clockwork.Clock, capacity int) *parking.SQLiteLot {
		lot, err := parking.NewSQLiteLot(t.Context(), dsn, clock, capacity)
		require.NoError(t, err)
		t.Cleanup(func() { _ = lot.Close() })
		return lot
	}

	t.Run("contract", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
		lot := newLot(t, filepath.Join(t.TempDir(), "lake.db"), clock, 0)
		exerciseLot(t, lot, func() { clock.Advance(time.Second) })
	})

	t.Run("capacity", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		lot := newLot(t, filepath.Join(t.TempDir(), "lake.db"), nil, 1)
		require.NoError(t, lot.Park(ctx, "s", "1", booking(1, 1), nil))
		require.ErrorIs(t, lot.Park(ctx, "s", "2", booking(2, 1), nil), parking.ErrFull)
		require.NoError(t, lot.Park(ctx, "s", "1", booking(1, 2), nil))
		require.NoError(t, lot.Park(ctx, "t", "2", booking(2, 1), nil))
	})

	t.Run("survives reopen", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		dsn := filepath.Join(t.TempDir(), "lake.db")
		clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

		lot, err := parking.NewSQLiteLot(ctx, dsn, clock, 0)
		require.NoError(t, err)
		require.NoError(t, lot.Park(ctx, "bookings", "9", booking(9, 8), []string{"passengers"}))
		clock.Advance(time.Minute)
		_, err = lot.Attempt(ctx, "bookings", "9", []string{"passengers"})
		require.NoError(t, err)
		require.NoError(t, lot.Close())

		lot = newLot(t, dsn, clock, 0)
		due, err := lot.Due(ctx, "bookings", 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "9", due[0].Key)
		assert.Equal(t, 1, due[0].Attempts)
		assert.Equal(t, []string{"passengers"}, due[0].Missing)
		assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), due[0].ParkedAt)
		assert.Equal(t, time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC), due[0].LastAttemptAt)
		assert.Equal(t, json.Number("8"), due[0].Record["passenger_id"])
	})

	t.Run("empty dsn", func(t *testing.T) {
		t.Parallel()
		_, err := parking.NewSQLiteLot(t.Context(), " ", nil, 0)
		require.Error(t, err)
	})
}

func TestSilverlake_Parking_Postgres(t *testing.T) {
	t.Parallel()

	t.Run("contract", func(t *testing.T) {
		t.Parallel()
		db := postgrestesting.SharedDB(t)
		lot, err := parking.NewPostgresLot(postgrestesting.NewTestPool(t, db), 0)
		require.NoError(t, err)
		exerciseLot(t, lot, func() { time.Sleep(5 * time.Millisecond) })
	})

	t.Run("capacity", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		db := postgrestesting.SharedDB(t)
		lot, err := parking.NewPostgresLot(postgrestesting.NewTestPool(t, db), 1)
		require.NoError(t, err)
		require.NoError(t, lot.Park(ctx, "s", "1", booking(1, 1), nil))
		require.ErrorIs(t, lot.Park(ctx, "s", "2", booking(2, 1), nil), parking.ErrFull)
		require.NoError(t, lot.Park(ctx, "s", "1", booking(1, 2), nil))
	})

	t.Run("nil pool", func(t *testing.T) {
		t.Parallel()
		_, err := parking.NewPostgresLot(nil, 0)
		require.Error(t, err)
	})
}
