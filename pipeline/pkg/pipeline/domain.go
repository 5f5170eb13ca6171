package pipeline

import (
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/transform"
)

const (
	EntityBookings   = "bookings"
	EntityFlights    = "flights"
	EntityPassengers = "passengers"
	EntityAirports   = "airports"

	ModifiedField = "modified_date"

	BookingsStream = "silver_bookings"
	BusinessStream = "silver_business"
)

// Dimension is one SCD1 entity of the booking star, in join order.
type Dimension struct {
	Entity   string
	KeyField string
}

var Dimensions = []Dimension{
	{Entity: EntityFlights, KeyField: "flight_id"},
	{Entity: EntityPassengers, KeyField: "passenger_id"},
	{Entity: EntityAirports, KeyField: "airport_id"},
}

// Entities lists every source stream, fact first.
func Entities() []string {
	out := []string{EntityBookings}
	for _, d := range Dimensions {
		out = append(out, d.Entity)
	}
	return out
}

func (d Dimension) Schema() cdc.Schema {
	return cdc.Schema{Entity: d.Entity, KeyField: d.KeyField, SequenceField: ModifiedField}
}

func (d Dimension) StateStream() string {
	return "silver_" + d.Entity
}

func StagingStream(entity string) string {
	return "staging_" + entity
}

func validatedStream(entity string) string {
	return "validated_" + entity
}

// DefaultRules returns the expectation sets applied before each entity is
// stored. Bookings keep the original rule names.
func DefaultRules() map[string]map[string]string {
	rules := map[string]map[string]string{
		EntityBookings: {
			"rule1": "BOOKING_ID IS NOT NULL",
			"rule2": "AIRPORT_ID IS NOT NULL",
			"rule3": "FLIGHT_ID IS NOT NULL",
			"rule4": "PASSENGER_ID IS NOT NULL",
		},
	}
	for _, d := range Dimensions {
		rules[d.Entity] = map[string]string{
			"rule1": d.KeyField + " IS NOT NULL",
			"rule2": ModifiedField + " IS NOT NULL",
		}
	}
	return rules
}

// StagingTransform returns the bronze-to-staging rewrite for an entity.
// Bookings always take the ingest time; dimensions keep a modified_date
// carried by the change record so it can order their updates.
func StagingTransform(entity string, clock clockwork.Clock) transform.Chain {
	switch entity {
	case EntityBookings:
		return transform.Chain{
			transform.LowerKeys(),
			transform.CastFloat("amount"),
			transform.ToDate("booking_date"),
			transform.Drop(transform.RescuedDataField),
			transform.StampNow(ModifiedField, clock, true),
		}
	case EntityFlights:
		return transform.Chain{
			transform.LowerKeys(),
			transform.ToDate("flight_date"),
			transform.Drop(transform.RescuedDataField),
			transform.StampNow(ModifiedField, clock, false),
		}
	default:
		return transform.Chain{
			transform.LowerKeys(),
			transform.Drop(transform.RescuedDataField),
			transform.StampNow(ModifiedField, clock, false),
		}
	}
}
