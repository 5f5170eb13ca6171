package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/silverlake/pipeline/pkg/neo4j"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

const upsertBookingsCypher = `
UNWIND $rows AS row
MERGE (b:Booking {booking_id: row.booking_id})
SET b += row.props
MERGE (p:Passenger {passenger_id: row.passenger_id})
MERGE (f:Flight {flight_id: row.flight_id})
MERGE (a:Airport {airport_id: row.airport_id})
MERGE (p)-[:BOOKED]->(b)
MERGE (b)-[:ON]->(f)
MERGE (f)-[:DEPARTS_FROM]->(a)
`

// BookingGraphSink projects joined booking rows into a graph of
// (Passenger)-[:BOOKED]->(Booking)-[:ON]->(Flight)-[:DEPARTS_FROM]->(Airport).
// Every joined field is set on the Booking node.
type BookingGraphSink struct {
	log    *slog.Logger
	client neo4j.Client
}

func NewBookingGraphSink(log *slog.Logger, client neo4j.Client) *BookingGraphSink {
	return &BookingGraphSink{log: log, client: client}
}

func (s *BookingGraphSink) Append(ctx context.Context, rows []record.Record) error {
	params := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		row := map[string]any{"props": graphProps(r)}
		complete := true
		for _, f := range bookingKeyFields {
			k, ok := r.Key(f)
			if !ok {
				complete = false
				break
			}
			row[f] = k
		}
		if !complete {
			s.log.Warn("booking graph: skipping row without keys", "booking_id", r[BookingIDField])
			continue
		}
		params = append(params, row)
	}
	if len(params) == 0 {
		return nil
	}

	sess, err := s.client.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.Transaction) (any, error) {
		res, err := tx.Run(ctx, upsertBookingsCypher, map[string]any{"rows": params})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert bookings graph: %w", err)
	}
	s.log.Debug("booking graph: upserted bookings", "count", len(params))
	return nil
}

// graphProps converts record values into property types Neo4j accepts.
// Keys are stored as canonical strings so they match the MERGE keys.
func graphProps(r record.Record) map[string]any {
	props := make(map[string]any, len(r))
	for k, v := range r {
		if v == nil {
			continue
		}
		switch k {
		case BookingIDField, FlightIDField, PassengerIDField, AirportIDField:
			if s, ok := record.KeyString(v); ok {
				props[k] = s
			}
			continue
		}
		switch x := record.Normalize(v).(type) {
		case string, bool, int64, float64, time.Time:
			props[k] = x
		default:
			b, err := json.Marshal(x)
			if err != nil {
				props[k] = fmt.Sprint(x)
				continue
			}
			props[k] = string(b)
		}
	}
	return props
}
