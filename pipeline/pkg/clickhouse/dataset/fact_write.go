package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/silverlake/pipeline/pkg/clickhouse"
)

const defaultWriteBatchSize = 50_000

// WriteBatch appends count rows using PrepareBatch. rowFn returns the values
// in ColumnNames order, including the time column. Large batches are split
// into sub-batches of WriteBatchSize rows.
func (f *FactDataset) WriteBatch(
	ctx context.Context,
	conn clickhouse.Connection,
	count int,
	rowFn func(int) ([]any, error),
) error {
	if count == 0 {
		return nil
	}
	batchSize := defaultWriteBatchSize
	if f.WriteBatchSize > 0 {
		batchSize = f.WriteBatchSize
	}

	f.log.Debug("writing fact batch", "table", f.TableName(), "count", count, "batchSize", batchSize)

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s)", f.TableName(), strings.Join(f.cols, ", "))
	return writeSubBatches(ctx, conn, insertSQL, count, batchSize, len(f.cols), rowFn, func(start, end int) {
		f.log.Debug("wrote fact sub-batch", "table", f.TableName(), "start", start, "end", end, "total", count)
	})
}

func writeSubBatches(
	ctx context.Context,
	conn clickhouse.Connection,
	insertSQL string,
	count, batchSize, colCount int,
	rowFn func(int) ([]any, error),
	onSent func(start, end int),
) error {
	for start := 0; start < count; start += batchSize {
		end := min(start+batchSize, count)

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled during batch insert: %w", err)
		}

		batch, err := conn.PrepareBatch(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}

		for i := start; i < end; i++ {
			row, err := rowFn(i)
			if err != nil {
				batch.Abort()
				return fmt.Errorf("failed to get row data %d: %w", i, err)
			}
			if len(row) != colCount {
				batch.Abort()
				return fmt.Errorf("row %d has %d columns, expected exactly %d", i, len(row), colCount)
			}
			if err := batch.Append(row...); err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		if onSent != nil {
			onSent(start, end)
		}
	}
	return nil
}
