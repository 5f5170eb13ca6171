// Package transform holds the staging-layer column rewrites applied to bronze
// records before validation.
package transform

import (
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

const RescuedDataField = "_rescued_data"

// Step rewrites a record in place. Steps only ever see a private copy.
type Step func(r record.Record)

// Chain is an ordered list of steps.
type Chain []Step

// Apply runs every step on a copy of r and returns the copy.
func (c Chain) Apply(r record.Record) record.Record {
	out := r.Clone()
	if out == nil {
		out = record.Record{}
	}
	for _, step := range c {
		step(out)
	}
	return out
}

// CastFloat converts the field to float64. Values that do not parse become NULL.
func CastFloat(field string) Step {
	return func(r record.Record) {
		v, ok := r[field]
		if !ok || v == nil {
			return
		}
		if f, ok := record.Float(v); ok {
			r[field] = f
			return
		}
		r[field] = nil
	}
}

// ToDate truncates the field to a UTC calendar date. Values that do not parse become NULL.
func ToDate(field string) Step {
	return func(r record.Record) {
		v, ok := r[field]
		if !ok || v == nil {
			return
		}
		var t time.Time
		switch x := record.Normalize(v).(type) {
		case time.Time:
			t = x
		case string:
			parsed, err := record.ParseTime(x)
			if err != nil {
				r[field] = nil
				return
			}
			t = parsed
		default:
			r[field] = nil
			return
		}
		t = t.UTC()
		r[field] = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func Drop(fields ...string) Step {
	return func(r record.Record) {
		for _, f := range fields {
			delete(r, f)
		}
	}
}

// StampNow sets field to the clock's current time. With overwrite false an
// existing non-NULL value is kept, so upstream change timestamps still order
// events.
func StampNow(field string, clock clockwork.Clock, overwrite bool) Step {
	return func(r record.Record) {
		if !overwrite && r.Has(field) {
			return
		}
		r[field] = clock.Now().UTC()
	}
}

// LowerKeys folds field names to lower case. On a clash the already
// lower-case field wins.
func LowerKeys() Step {
	return func(r record.Record) {
		for k, v := range r {
			lk := strings.ToLower(k)
			if lk == k {
				continue
			}
			delete(r, k)
			if _, taken := r[lk]; !taken {
				r[lk] = v
			}
		}
	}
}
