package dataset

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

type DedupMode string

const (
	DedupNone      DedupMode = "none"
	DedupReplacing DedupMode = "replacing"
)

type FactDataset struct {
	log           *slog.Logger
	schema        FactSchema
	columns       []column
	uniqueKeyCols []string
	cols          []string

	// WriteBatchSize overrides the default sub-batch size for WriteBatch.
	// If zero, defaults to 50,000 rows.
	WriteBatchSize int
}

func NewFactDataset(log *slog.Logger, schema FactSchema) (*FactDataset, error) {
	if schema.Name() == "" {
		return nil, fmt.Errorf("table_name is required")
	}
	if len(schema.Columns()) == 0 {
		return nil, fmt.Errorf("columns is required")
	}

	columns, err := parseColumns(schema.Columns())
	if err != nil {
		return nil, fmt.Errorf("failed to extract column names: %w", err)
	}
	cols := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		cols = append(cols, c.name)
	}
	if tc := schema.TimeColumn(); tc != "" && !slices.Contains(cols, tc) {
		cols = append(cols, tc)
		columns = append(columns, column{name: tc, typ: "DateTime64(3, 'UTC')"})
	}

	uniqueKeyCols := schema.UniqueKeyColumns()
	for _, k := range uniqueKeyCols {
		if !slices.Contains(cols, k) {
			return nil, fmt.Errorf("unique key column %q must be a subset of columns", k)
		}
	}

	if schema.DedupMode() == DedupReplacing {
		if schema.DedupVersionColumn() == "" {
			return nil, fmt.Errorf("dedup version column is required when dedup mode is replacing")
		}
		if len(uniqueKeyCols) == 0 {
			return nil, fmt.Errorf("unique key columns are required when dedup mode is replacing")
		}
	}

	if schema.TimeColumn() == "" && schema.PartitionByTime() {
		return nil, fmt.Errorf("time column is required when partition by time is true")
	}

	return &FactDataset{
		log:           log,
		schema:        schema,
		columns:       columns,
		uniqueKeyCols: uniqueKeyCols,
		cols:          cols,
	}, nil
}

func (f *FactDataset) TableName() string {
	return "fact_" + f.schema.Name()
}

// ColumnNames returns the insert order expected from row functions.
func (f *FactDataset) ColumnNames() []string {
	return slices.Clone(f.cols)
}

// CreateTableStatement renders the DDL matching the schema. Migrations own
// the production tables; this is for ad-hoc and test databases.
func (f *FactDataset) CreateTableStatement() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", f.TableName())
	for i, c := range f.columns {
		fmt.Fprintf(&b, "    %s %s", c.name, c.typ)
		if i < len(f.columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")

	switch f.schema.DedupMode() {
	case DedupReplacing:
		fmt.Fprintf(&b, " ENGINE = ReplacingMergeTree(%s)", f.schema.DedupVersionColumn())
	default:
		b.WriteString(" ENGINE = MergeTree")
	}
	if f.schema.PartitionByTime() {
		fmt.Fprintf(&b, " PARTITION BY toYYYYMM(%s)", f.schema.TimeColumn())
	}
	switch {
	case len(f.uniqueKeyCols) > 0:
		fmt.Fprintf(&b, " ORDER BY (%s)", strings.Join(f.uniqueKeyCols, ", "))
	case f.schema.TimeColumn() != "":
		fmt.Fprintf(&b, " ORDER BY %s", f.schema.TimeColumn())
	default:
		b.WriteString(" ORDER BY tuple()")
	}
	return b.String()
}
