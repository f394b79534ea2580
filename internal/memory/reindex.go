package memory

import (
	"context"
	"fmt"
	"log/slog"
)

// ReindexStats reports a reindex run.
type ReindexStats struct {
	Turns   int
	Batches int
}

// Reindex copies every embedded turn from store into index, in batches
// of batchSize. It is used to rebuild the vector index after it was
// deleted or when switching vector backends. Existing documents with
// the same ID are replaced.
func Reindex(ctx context.Context, store *TurnStore, index *ChromemIndex, batchSize int, logger *slog.Logger) (*ReindexStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 256
	}

	stats := &ReindexStats{}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch, err := store.Embedded(ctx, after, batchSize)
		if err != nil {
			return stats, fmt.Errorf("read batch after %q: %w", after, err)
		}
		if len(batch) == 0 {
			break
		}
		if err := index.IndexBatch(ctx, batch); err != nil {
			return stats, err
		}

		stats.Turns += len(batch)
		stats.Batches++
		after = batch[len(batch)-1].ID
		logger.Debug("reindexed batch", "turns", len(batch), "total", stats.Turns)
	}

	logger.Info("vector index rebuilt", "turns", stats.Turns, "batches", stats.Batches)
	return stats, nil
}
