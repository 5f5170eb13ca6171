package graph

import (
	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/join"
	"github.com/malbeclabs/silverlake/pipeline/pkg/parking"
	"github.com/malbeclabs/silverlake/pipeline/pkg/quality"
	"github.com/malbeclabs/silverlake/pipeline/pkg/sink"
	"github.com/malbeclabs/silverlake/pipeline/pkg/source"
	"github.com/malbeclabs/silverlake/pipeline/pkg/state"
	"github.com/malbeclabs/silverlake/pipeline/pkg/transform"
)

type Kind int

const (
	// KindStaging pulls from a source and applies the staging transform. It
	// is the only kind without an upstream and owns the checkpoint.
	KindStaging Kind = iota + 1
	// KindValidated drops records failing its rule set and may append the
	// survivors to a sink.
	KindValidated
	// KindState sequences records into an entity store.
	KindState
	// KindJoined star-joins facts against STATE stores.
	KindJoined
)

func (k Kind) String() string {
	switch k {
	case KindStaging:
		return "staging"
	case KindValidated:
		return "validated"
	case KindState:
		return "state"
	case KindJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// Stream is one node of the pipeline. Only the fields for its Kind are read.
type Stream struct {
	Name     string
	Kind     Kind
	Upstream string

	// Staging.
	Source    source.Source
	Transform transform.Chain

	// Validated.
	Rules quality.RuleSet

	// Validated (optional) and Joined (required).
	Sink sink.FactSink

	// State. DimensionSink is optional; without it the state lives only in
	// the store.
	Schema        cdc.Schema
	Store         *state.Store
	DimensionSink sink.DimensionSink

	// Joined. Reads names the STATE streams whose stores the materializer
	// looks up; the owning worker waits for them to be ready before joining.
	// Parking is optional and needs KeyField to identify parked facts.
	Materializer *join.Materializer
	Reads        []string
	KeyField     string
	Parking      parking.Lot
}

// validate checks the fields that do not depend on other streams.
func (s *Stream) validate() error {
	if s.Name == "" {
		return configErr("", "stream name is required")
	}
	switch s.Kind {
	case KindStaging:
		if s.Upstream != "" {
			return configErr(s.Name, "staging stream cannot have an upstream")
		}
		if s.Source == nil {
			return configErr(s.Name, "source is required")
		}
	case KindValidated:
		if s.Rules.Len() == 0 {
			return configErr(s.Name, "rules are required")
		}
	case KindState:
		if err := s.Schema.Validate(); err != nil {
			return configErr(s.Name, "schema: %v", err)
		}
		if s.Store == nil {
			return configErr(s.Name, "store is required")
		}
		if s.Store.Entity() != s.Schema.Entity {
			return configErr(s.Name, "store entity %q does not match schema entity %q", s.Store.Entity(), s.Schema.Entity)
		}
	case KindJoined:
		if s.Materializer == nil {
			return configErr(s.Name, "materializer is required")
		}
		if s.Sink == nil {
			return configErr(s.Name, "sink is required")
		}
		if len(s.Reads) == 0 {
			return configErr(s.Name, "reads is required")
		}
		if s.Parking != nil && s.KeyField == "" {
			return configErr(s.Name, "key field is required when parking is set")
		}
	default:
		return configErr(s.Name, "unknown kind %d", int(s.Kind))
	}
	if s.Kind != KindStaging && s.Upstream == "" {
		return configErr(s.Name, "upstream is required")
	}
	return nil
}
