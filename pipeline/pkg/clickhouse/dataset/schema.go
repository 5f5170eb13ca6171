package dataset

import (
	"fmt"
	"strings"
)

// FactSchema describes a fact table. Columns are "name:TYPE" pairs in insert
// order; the time column is appended when it is not already listed.
type FactSchema interface {
	Name() string
	Columns() []string
	UniqueKeyColumns() []string
	TimeColumn() string
	PartitionByTime() bool
	DedupMode() DedupMode
	DedupVersionColumn() string
}

type column struct {
	name string
	typ  string
}

func parseColumns(defs []string) ([]column, error) {
	out := make([]column, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		name, typ, ok := strings.Cut(def, ":")
		name, typ = strings.TrimSpace(name), strings.TrimSpace(typ)
		if !ok || name == "" || typ == "" {
			return nil, fmt.Errorf("invalid column definition %q, expected name:TYPE", def)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, column{name: name, typ: typ})
	}
	return out, nil
}

func extractColumnNames(defs []string) ([]string, error) {
	cols, err := parseColumns(defs)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names, nil
}
