package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

var entityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var dimensionColumns = []string{"entity_key", "seq", "version", "attrs", "modified_at"}

// DimensionType1Dataset keeps the latest row per business key in a
// dim_<entity>_current ReplacingMergeTree table. Rows carry the sequence
// value as JSON and an order-preserving version, so merges keep the newest.
type DimensionType1Dataset struct {
	log    *slog.Logger
	entity string

	// WriteBatchSize overrides the default sub-batch size for WriteBatch.
	WriteBatchSize int
}

func NewDimensionType1Dataset(log *slog.Logger, entity string) (*DimensionType1Dataset, error) {
	if !entityNamePattern.MatchString(entity) {
		return nil, fmt.Errorf("invalid entity name %q", entity)
	}
	return &DimensionType1Dataset{log: log, entity: entity}, nil
}

func (d *DimensionType1Dataset) TableName() string {
	return "dim_" + d.entity + "_current"
}

func (d *DimensionType1Dataset) CreateTableStatement() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    entity_key String,
    seq String,
    version UInt64,
    attrs String,
    modified_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(version) ORDER BY entity_key`, d.TableName())
}

// RowVersion maps a state onto the table's version column. Sequence values
// without a numeric order (plain strings) fall back to the apply time.
func RowVersion(st *cdc.EntityState) uint64 {
	if v, ok := cdc.Version(st.Seq); ok {
		return v
	}
	return uint64(st.LastModified.UnixNano())
}

func (d *DimensionType1Dataset) WriteBatch(ctx context.Context, conn clickhouse.Connection, states []*cdc.EntityState) error {
	if len(states) == 0 {
		return nil
	}
	batchSize := defaultWriteBatchSize
	if d.WriteBatchSize > 0 {
		batchSize = d.WriteBatchSize
	}

	d.log.Debug("writing dimension batch", "table", d.TableName(), "count", len(states))

	insertSQL := fmt.Sprintf("INSERT INTO %s (entity_key, seq, version, attrs, modified_at)", d.TableName())
	return writeSubBatches(ctx, conn, insertSQL, len(states), batchSize, len(dimensionColumns), func(i int) ([]any, error) {
		st := states[i]
		seq, err := json.Marshal(st.Seq)
		if err != nil {
			return nil, fmt.Errorf("failed to encode seq for %s: %w", st.Key, err)
		}
		attrs, err := json.Marshal(st.Fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attrs for %s: %w", st.Key, err)
		}
		return []any{st.Key, string(seq), RowVersion(st), string(attrs), st.LastModified.UTC()}, nil
	}, nil)
}

// LoadCurrent reads the merged table back into entity states, for hydrating
// an in-memory store after a restart.
func (d *DimensionType1Dataset) LoadCurrent(ctx context.Context, conn clickhouse.Connection) ([]*cdc.EntityState, error) {
	query := fmt.Sprintf("SELECT entity_key, seq, attrs, modified_at FROM %s FINAL ORDER BY entity_key", d.TableName())
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.TableName(), err)
	}
	defer rows.Close()

	var out []*cdc.EntityState
	for rows.Next() {
		var (
			key, seqJSON, attrsJSON string
			modifiedAt              time.Time
		)
		if err := rows.Scan(&key, &seqJSON, &attrsJSON, &modifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", d.TableName(), err)
		}
		st, err := decodeState(key, seqJSON, attrsJSON, modifiedAt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.TableName(), err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.TableName(), err)
	}

	d.log.Debug("loaded dimension rows", "table", d.TableName(), "count", len(out))
	return out, nil
}

func decodeState(key, seqJSON, attrsJSON string, modifiedAt time.Time) (*cdc.EntityState, error) {
	var rawSeq any
	if err := decodeJSON(seqJSON, &rawSeq); err != nil {
		return nil, fmt.Errorf("invalid seq for %s: %w", key, err)
	}
	seq, err := cdc.SequenceValue(rawSeq)
	if err != nil {
		return nil, fmt.Errorf("invalid seq for %s: %w", key, err)
	}
	var fields record.Record
	if err := decodeJSON(attrsJSON, &fields); err != nil {
		return nil, fmt.Errorf("invalid attrs for %s: %w", key, err)
	}
	return &cdc.EntityState{Key: key, Seq: seq, Fields: fields, LastModified: modifiedAt.UTC()}, nil
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}
