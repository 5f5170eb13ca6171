package quality

import (
	"errors"
	"testing"

	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookingRules(t *testing.T) RuleSet {
	t.Helper()
	rs, err := Compile(map[string]string{
		"rule1": "booking_id IS NOT NULL",
		"rule2": "airport_id IS NOT NULL",
		"rule3": "flight_id IS NOT NULL",
		"rule4": "passenger_id IS NOT NULL",
	})
	require.NoError(t, err)
	return rs
}

func TestSilverlake_Quality_Validate(t *testing.T) {
	t.Parallel()

	t.Run("accepts a complete booking", func(t *testing.T) {
		t.Parallel()
		rs := bookingRules(t)
		v := rs.Validate(record.Record{"booking_id": 1, "airport_id": 5, "flight_id": 100, "passenger_id": 7})
		assert.True(t, v.Accepted)
		assert.Empty(t, v.Rule)
		assert.NoError(t, v.Err)
	})

	t.Run("rejects on first failing rule in name order", func(t *testing.T) {
		t.Parallel()
		rs := bookingRules(t)
		v := rs.Validate(record.Record{"booking_id": 1, "airport_id": nil, "flight_id": 100})
		assert.False(t, v.Accepted)
		assert.Equal(t, "rule2", v.Rule)
	})

	t.Run("does not mutate the record", func(t *testing.T) {
		t.Parallel()
		rs := bookingRules(t)
		r := record.Record{"booking_id": 1, "BOOKING_ID": 2}
		before := r.Clone()
		rs.Validate(r)
		assert.Equal(t, before, r)
	})

	t.Run("field names match case-insensitively", func(t *testing.T) {
		t.Parallel()
		rs := bookingRules(t)
		v := rs.Validate(record.Record{"BOOKING_ID": 1, "AIRPORT_ID": 5, "FLIGHT_ID": 100, "PASSENGER_ID": 7})
		assert.True(t, v.Accepted)
	})

	t.Run("missing field in comparison rejects with error", func(t *testing.T) {
		t.Parallel()
		rs, err := Compile(map[string]string{"positive_amount": "amount > 0"})
		require.NoError(t, err)
		v := rs.Validate(record.Record{"booking_id": 1})
		assert.False(t, v.Accepted)
		assert.Equal(t, "positive_amount", v.Rule)
		assert.True(t, errors.Is(v.Err, ErrMissingField))
	})

	t.Run("empty rule set accepts everything", func(t *testing.T) {
		t.Parallel()
		var rs RuleSet
		assert.True(t, rs.Validate(record.Record{}).Accepted)
	})
}

func TestSilverlake_Quality_Parse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		expr   string
		rec    record.Record
		expect bool
	}{
		{"is null true", "x IS NULL", record.Record{}, true},
		{"is null false", "x is null", record.Record{"x": 1}, false},
		{"is not null", "x IS NOT NULL", record.Record{"x": "a"}, true},
		{"number gt", "amount > 0", record.Record{"amount": 12.5}, true},
		{"numeric string", "amount >= 10", record.Record{"amount": "10.00"}, true},
		{"lt fails", "amount < 0", record.Record{"amount": 3}, false},
		{"string eq", "status = 'delayed'", record.Record{"status": "delayed"}, true},
		{"string ne", "status <> 'delayed'", record.Record{"status": "scheduled"}, true},
		{"quoted quote", "name = 'O''Hare'", record.Record{"name": "O'Hare"}, true},
		{"bool", "active = TRUE", record.Record{"active": true}, true},
		{"and all true", "a IS NOT NULL AND b > 1", record.Record{"a": 1, "b": 2}, true},
		{"and one false", "a IS NOT NULL AND b > 1", record.Record{"a": 1, "b": 0}, false},
		{"negative literal", "delta >= -1", record.Record{"delta": -1}, true},
		{"date string compare", "booking_date >= '2025-01-01'", record.Record{"booking_date": "2025-02-01"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pred, err := Parse(tc.expr)
			require.NoError(t, err)
			ok, err := pred(tc.rec)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, ok)
		})
	}

	t.Run("malformed expressions", func(t *testing.T) {
		t.Parallel()
		for _, expr := range []string{
			"",
			"x IS",
			"x IS NOT",
			"x >",
			"x ! 1",
			"x = 'open",
			"x = 1 OR y = 2",
			"AND x IS NULL",
			"x = 1 AND",
			"x ~ 1",
		} {
			_, err := Parse(expr)
			assert.Error(t, err, expr)
		}
	})
}

func TestSilverlake_Quality_RuleSet(t *testing.T) {
	t.Parallel()

	t.Run("compile names the failing rule", func(t *testing.T) {
		t.Parallel()
		_, err := Compile(map[string]string{"broken": "x >"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `rule "broken"`)
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		t.Parallel()
		_, err := NewRuleSet(Rule{Name: "r", Predicate: NotNull("x")}, Rule{Name: "r", Predicate: NotNull("y")})
		require.ErrorContains(t, err, "duplicate rule name")
	})

	t.Run("rules run in name order", func(t *testing.T) {
		t.Parallel()
		rs, err := Compile(map[string]string{"b": "x IS NOT NULL", "a": "y IS NOT NULL"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, rs.Names())
		assert.Equal(t, 2, rs.Len())
		assert.Equal(t, "a", rs.Validate(record.Record{}).Rule)
	})

	t.Run("typed rules", func(t *testing.T) {
		t.Parallel()
		_, err := NewRuleSet(Rule{Name: "", Predicate: NotNull("x")})
		require.Error(t, err)
		_, err = NewRuleSet(Rule{Name: "x"})
		require.Error(t, err)

		rs, err := NewRuleSet(Rule{Name: "keys", Predicate: NotNull("a", "b")})
		require.NoError(t, err)
		assert.True(t, rs.Validate(record.Record{"a": 1, "b": 2}).Accepted)
		assert.False(t, rs.Validate(record.Record{"a": 1}).Accepted)
	})
}
