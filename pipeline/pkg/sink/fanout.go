package sink

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/silverlake/pipeline/pkg/cdc"
	"github.com/malbeclabs/silverlake/pipeline/pkg/record"
)

// FanoutFactSink writes every batch to all sinks concurrently. The batch
// fails if any sink fails; sinks that succeeded see it again on retry.
type FanoutFactSink []FactSink

func (f FanoutFactSink) Append(ctx context.Context, rows []record.Record) error {
	if len(f) == 1 {
		return f[0].Append(ctx, rows)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range f {
		g.Go(func() error { return s.Append(ctx, rows) })
	}
	return g.Wait()
}

type FanoutDimensionSink []DimensionSink

func (f FanoutDimensionSink) Upsert(ctx context.Context, states []*cdc.EntityState) error {
	if len(f) == 1 {
		return f[0].Upsert(ctx, states)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range f {
		g.Go(func() error { return s.Upsert(ctx, states) })
	}
	return g.Wait()
}
