// Package record defines the untyped row that flows between pipeline stages
// and the value rules shared by validation, sequencing and joins.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrIncomparable is returned when two values have no defined order.
	ErrIncomparable = errors.New("values are not comparable")
)

// Record is a single row keyed by column name. A nil value means SQL NULL.
type Record map[string]any

// Clone returns a shallow copy. Values are treated as immutable by every stage.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Has reports whether the field is present and not NULL.
func (r Record) Has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// Value returns the field value and whether it is present and not NULL.
func (r Record) Value(field string) (any, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Key returns the canonical business key string for a field.
func (r Record) Key(field string) (string, bool) {
	v, ok := r.Value(field)
	if !ok {
		return "", false
	}
	return KeyString(v)
}

// KeyString renders a key value so that equal keys of different numeric
// types (100, int64(100), 100.0, "100") map to the same string.
func KeyString(v any) (string, bool) {
	switch x := v.(type) {
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	}
	switch x := Normalize(v).(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	default:
		return fmt.Sprint(x), true
	}
}

// Normalize collapses the numeric types produced by decoders and callers into
// int64 and float64, and converts times to UTC. Unsigned values above
// MaxInt64 become float64.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.UTC()
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	default:
		return v
	}
}

func normalizeUint(x uint64) any {
	if x > math.MaxInt64 {
		return float64(x)
	}
	return int64(x)
}

// Compare orders two non-NULL values. Numbers compare numerically across int
// and float, times chronologically, strings lexically. Strings that parse as
// RFC 3339 timestamps compare as times against time values.
func Compare(a, b any) (int, error) {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return 0, ErrIncomparable
	}

	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), nil
		case float64:
			return cmpOrdered(float64(x), y), nil
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, float64(y)), nil
		case float64:
			if math.IsNaN(x) || math.IsNaN(y) {
				return 0, ErrIncomparable
			}
			return cmpOrdered(x, y), nil
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y), nil
		case string:
			if t, err := ParseTime(y); err == nil {
				return x.Compare(t), nil
			}
		}
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), nil
		case time.Time:
			if t, err := ParseTime(x); err == nil {
				return t.Compare(y), nil
			}
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			default:
				return 1, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %T and %T", ErrIncomparable, a, b)
}

func cmpOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseTime parses the timestamp layouts found in bronze change files.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Float converts numeric and numeric-string values to float64.
func Float(v any) (float64, bool) {
	switch x := Normalize(v).(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
