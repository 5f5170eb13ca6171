// Package sink persists pipeline output: current dimension rows and
// validated or joined fact rows. Writes must be idempotent, since a batch is
// written again when its checkpoint could not be saved.
package sink

import (
	"context"

	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// DimensionSink receives the states that changed in one batch.
type DimensionSink interface {
	Upsert(ctx context.Context, states []*cdc.EntityState) error
}

type FactSink interface {
	Append(ctx context.Context, rows []record.Record) error
}

// DimensionLoader reads back the persisted current rows of a dimension.
type DimensionLoader interface {
	LoadCurrent(ctx context.Context) ([]*cdc.EntityState, error)
}
