// Package cdc holds the change-event model and the SCD type 1 sequencing
// policy: for a business key, the change with the highest sequence value wins,
// and ties keep the stored state.
package cdc

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

var (
	ErrMissingKey      = errors.New("business key is missing")
	ErrMissingSequence = errors.New("sequence value is missing")
	ErrBadSequence     = errors.New("sequence value is not orderable")
)

type Op string

const (
	OpUpsert Op = "UPSERT"
)

// Schema names the fields that identify and order changes for one entity.
type Schema struct {
	Entity        string
	KeyField      string
	SequenceField string
}

func (s Schema) Validate() error {
	if s.Entity == "" {
		return errors.New("entity name is required")
	}
	if s.KeyField == "" {
		return fmt.Errorf("entity %s: key field is required", s.Entity)
	}
	if s.SequenceField == "" {
		return fmt.Errorf("entity %s: sequence field is required", s.Entity)
	}
	return nil
}

type ChangeEvent struct {
	Entity  string
	Key     string
	Seq     any
	Payload record.Record
	Op      Op
}

// EntityState is the current row for one business key. Values are never
// modified after construction; updates replace the pointer.
type EntityState struct {
	Key          string
	Seq          any
	Fields       record.Record
	LastModified time.Time
}

// EventFromRecord extracts a change event from a validated record.
func EventFromRecord(s Schema, r record.Record) (ChangeEvent, error) {
	key, ok := r.Key(s.KeyField)
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: %s.%s", ErrMissingKey, s.Entity, s.KeyField)
	}
	raw, ok := r.Value(s.SequenceField)
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: %s.%s", ErrMissingSequence, s.Entity, s.SequenceField)
	}
	seq, err := SequenceValue(raw)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%s.%s: %w", s.Entity, s.SequenceField, err)
	}
	return ChangeEvent{
		Entity:  s.Entity,
		Key:     key,
		Seq:     seq,
		Payload: r,
		Op:      OpUpsert,
	}, nil
}

// SequenceValue normalizes a raw sequence field into int64, float64,
// time.Time or string. Strings holding a timestamp become times.
func SequenceValue(v any) (any, error) {
	switch x := record.Normalize(v).(type) {
	case int64, time.Time:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, ErrBadSequence
		}
		return x, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, ErrMissingSequence
		}
		if t, err := record.ParseTime(x); err == nil {
			return t, nil
		}
		return x, nil
	case nil:
		return nil, ErrMissingSequence
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadSequence, v)
	}
}

// Version maps a sequence value onto an unsigned integer that preserves its
// order, for storage engines that need a numeric row version.
func Version(seq any) (uint64, bool) {
	switch x := seq.(type) {
	case time.Time:
		n := x.UnixNano()
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case float64:
		if x < 0 || x > math.MaxUint64 || x != math.Trunc(x) {
			return 0, false
		}
		return uint64(x), true
	default:
		return 0, false
	}
}

type Outcome int

const (
	Updated Outcome = iota
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome Outcome
	// State is the new state when Updated, and the retained state when Superseded.
	State *EntityState
}

type Sequencer struct {
	clock clockwork.Clock
}

func NewSequencer(clock clockwork.Clock) *Sequencer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sequencer{clock: clock}
}

// Apply decides whether ev supersedes current. An absent state always takes
// the event. A present state takes it only when ev.Seq is strictly greater,
// so redelivering the same event is a no-op.
func (s *Sequencer) Apply(current *EntityState, ev ChangeEvent) (Result, error) {
	if ev.Key == "" {
		return Result{}, ErrMissingKey
	}
	if ev.Seq == nil {
		return Result{}, ErrMissingSequence
	}
	if current != nil {
		c, err := record.Compare(ev.Seq, current.Seq)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrBadSequence, err)
		}
		if c <= 0 {
			return Result{Outcome: Superseded, State: current}, nil
		}
	}
	return Result{
		Outcome: Updated,
		State: &EntityState{
			Key:          ev.Key,
			Seq:          ev.Seq,
			Fields:       ev.Payload.Clone(),
			LastModified: s.clock.Now().UTC(),
		},
	}, nil
}
