package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/silverlake/pipeline/pkg/checkpoint"
)

// ListCheckpoints prints every saved stream position.
func ListCheckpoints(ctx context.Context, store checkpoint.Store, out io.Writer) error {
	cps, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		fmt.Fprintln(out, "No checkpoints")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tCURSOR\tRUN\tUPDATED")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cp.Stream, cp.Cursor, cp.RunID, cp.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

// ResetCheckpoints forgets the position of each named stream, or of every
// stream when all is set, so they are replayed from the start.
func ResetCheckpoints(ctx context.Context, log *slog.Logger, store checkpoint.Store, streams []string, all bool) error {
	if all {
		cps, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}
		streams = nil
		for _, cp := range cps {
			streams = append(streams, cp.Stream)
		}
	}
	if len(streams) == 0 {
		return fmt.Errorf("no streams to reset")
	}
	for _, stream := range streams {
		if err := store.Reset(ctx, stream); err != nil {
			return fmt.Errorf("failed to reset checkpoint for %s: %w", stream, err)
		}
		log.Info("checkpoint reset", "stream", stream)
	}
	return nil
}
