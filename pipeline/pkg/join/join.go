// Package join materializes the denormalized star-join row: one fact record
// enriched with the current state of every dimension it references.
package join

import (
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
	"github.com/malbeclabs/silverlake/pipeline/pkg/state"
)

const DefaultModifiedField = "modified_date"

// DimensionRef binds a foreign key field on the fact to a dimension store.
type DimensionRef struct {
	Name string
	// FactField is the foreign key on the fact record.
	FactField string
	// KeyField is the dimension's own business key field, dropped from the output.
	KeyField string
	// ModifiedField is the dimension's change timestamp, dropped from the output.
	ModifiedField string
	Lookup        state.Lookup
}

type Config struct {
	Dimensions []DimensionRef
	// ModifiedField receives the fresh output timestamp.
	ModifiedField string
	Clock         clockwork.Clock
}

func (cfg *Config) Validate() error {
	if len(cfg.Dimensions) == 0 {
		return errors.New("at least one dimension is required")
	}
	seen := make(map[string]struct{}, len(cfg.Dimensions))
	for i := range cfg.Dimensions {
		d := &cfg.Dimensions[i]
		if d.Name == "" {
			return fmt.Errorf("dimension %d: name is required", i)
		}
		if _, ok := seen[d.Name]; ok {
			return fmt.Errorf("dimension %s: duplicate name", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.FactField == "" {
			return fmt.Errorf("dimension %s: fact field is required", d.Name)
		}
		if d.Lookup == nil {
			return fmt.Errorf("dimension %s: lookup is required", d.Name)
		}
		if d.KeyField == "" {
			d.KeyField = d.FactField
		}
		if d.ModifiedField == "" {
			d.ModifiedField = DefaultModifiedField
		}
	}
	if cfg.ModifiedField == "" {
		cfg.ModifiedField = DefaultModifiedField
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Materializer struct {
	cfg Config
}

func NewMaterializer(cfg Config) (*Materializer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Materializer{cfg: cfg}, nil
}

func (m *Materializer) Dimensions() []string {
	names := make([]string, len(m.cfg.Dimensions))
	for i, d := range m.cfg.Dimensions {
		names[i] = d.Name
	}
	return names
}

type Result struct {
	Matched bool
	Record  record.Record
	// Missing lists the dimensions whose key was absent, in configured order.
	Missing []string
}

// Join looks up every referenced dimension and merges the fields. Any missing
// key makes the fact Unmatched; no partial row is produced. Dimension columns
// are laid down in configured order, the first dimension keeping a colliding
// name, and fact fields overwrite them all. Dimension key and change
// timestamp columns are dropped, as is the fact's own change timestamp, and
// one fresh timestamp is set.
func (m *Materializer) Join(fact record.Record) Result {
	var missing []string
	dims := make([]record.Record, len(m.cfg.Dimensions))
	for i, d := range m.cfg.Dimensions {
		key, ok := fact.Key(d.FactField)
		if !ok {
			missing = append(missing, d.Name)
			continue
		}
		st, ok := d.Lookup.Get(key)
		if !ok {
			missing = append(missing, d.Name)
			continue
		}
		dims[i] = st.Fields
	}
	if len(missing) > 0 {
		return Result{Missing: missing}
	}

	out := make(record.Record, len(fact)+8)
	for i, d := range m.cfg.Dimensions {
		for k, v := range dims[i] {
			if k == d.KeyField || k == d.ModifiedField {
				continue
			}
			if _, taken := out[k]; taken {
				continue
			}
			out[k] = v
		}
	}
	for k, v := range fact {
		out[k] = v
	}
	out[m.cfg.ModifiedField] = m.cfg.Clock.Now().UTC()
	return Result{Matched: true, Record: out}
}
