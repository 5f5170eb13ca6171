package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse/dataset"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// ClickHouseDimensionSink upserts into dim_<entity>_current.
type ClickHouseDimensionSink struct {
	client clickhouse.Client
	ds     *dataset.DimensionType1Dataset
}

func NewClickHouseDimensionSink(log *slog.Logger, client clickhouse.Client, entity string) (*ClickHouseDimensionSink, error) {
	ds, err := dataset.NewDimensionType1Dataset(log, entity)
	if err != nil {
		return nil, err
	}
	return &ClickHouseDimensionSink{client: client, ds: ds}, nil
}

func (s *ClickHouseDimensionSink) Upsert(ctx context.Context, states []*cdc.EntityState) error {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	if err := s.ds.WriteBatch(ctx, conn, states); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.ds.TableName(), err)
	}
	return nil
}

func (s *ClickHouseDimensionSink) LoadCurrent(ctx context.Context) ([]*cdc.EntityState, error) {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	return s.ds.LoadCurrent(ctx, conn)
}

// Booking fact columns shared by fact_silver_bookings and fact_silver_business.
// Fields without a dedicated column are kept as JSON in attrs.
const (
	BookingIDField   = "booking_id"
	FlightIDField    = "flight_id"
	PassengerIDField = "passenger_id"
	AirportIDField   = "airport_id"
	AmountField      = "amount"
	BookingDateField = "booking_date"
	ModifiedField    = "modified_date"
)

var bookingKeyFields = []string{BookingIDField, FlightIDField, PassengerIDField, AirportIDField}

type BookingFactSchema struct {
	name string
}

func NewBookingFactSchema(name string) *BookingFactSchema {
	return &BookingFactSchema{name: name}
}

func (s *BookingFactSchema) Name() string { return s.name }

func (s *BookingFactSchema) Columns() []string {
	return []string{
		BookingIDField + ":String",
		FlightIDField + ":String",
		PassengerIDField + ":String",
		AirportIDField + ":String",
		AmountField + ":Nullable(Float64)",
		BookingDateField + ":Nullable(Date)",
		"attrs:String",
	}
}

func (s *BookingFactSchema) UniqueKeyColumns() []string   { return []string{BookingIDField} }
func (s *BookingFactSchema) TimeColumn() string           { return ModifiedField }
func (s *BookingFactSchema) PartitionByTime() bool        { return true }
func (s *BookingFactSchema) DedupMode() dataset.DedupMode { return dataset.DedupReplacing }
func (s *BookingFactSchema) DedupVersionColumn() string   { return ModifiedField }

// ClickHouseFactSink appends booking rows to fact_<name>. Rows sharing a
// booking_id collapse to the latest modified_date on merge.
type ClickHouseFactSink struct {
	client clickhouse.Client
	ds     *dataset.FactDataset
	clock  clockwork.Clock
}

func NewClickHouseFactSink(log *slog.Logger, client clickhouse.Client, name string, clock clockwork.Clock) (*ClickHouseFactSink, error) {
	ds, err := dataset.NewFactDataset(log, NewBookingFactSchema(name))
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClickHouseFactSink{client: client, ds: ds, clock: clock}, nil
}

func (s *ClickHouseFactSink) TableName() string {
	return s.ds.TableName()
}

func (s *ClickHouseFactSink) Append(ctx context.Context, rows []record.Record) error {
	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()
	now := s.clock.Now().UTC()
	err = s.ds.WriteBatch(ctx, conn, len(rows), func(i int) ([]any, error) {
		return bookingRow(rows[i], now)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", s.ds.TableName(), err)
	}
	return nil
}

// bookingRow encodes a record in BookingFactSchema column order. Values may
// be native or come back from JSON (numbers as json.Number, times as text).
func bookingRow(r record.Record, now time.Time) ([]any, error) {
	row := make([]any, 0, 8)
	for _, f := range bookingKeyFields {
		k, _ := r.Key(f)
		row = append(row, k)
	}

	var amount *float64
	if v, ok := r.Value(AmountField); ok {
		if f, ok := record.Float(v); ok {
			amount = &f
		}
	}
	row = append(row, amount)

	var bookingDate *time.Time
	if t, ok := timeValue(r[BookingDateField]); ok {
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		bookingDate = &d
	}
	row = append(row, bookingDate)

	attrs := make(record.Record, len(r))
	for k, v := range r {
		switch k {
		case BookingIDField, FlightIDField, PassengerIDField, AirportIDField, AmountField, BookingDateField, ModifiedField:
			continue
		}
		attrs[k] = v
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attrs: %w", err)
	}
	row = append(row, string(attrsJSON))

	modified, ok := timeValue(r[ModifiedField])
	if !ok {
		modified = now
	}
	return append(row, modified), nil
}

func timeValue(v any) (time.Time, bool) {
	switch x := record.Normalize(v).(type) {
	case time.Time:
		return x, true
	case string:
		t, err := record.ParseTime(x)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}
