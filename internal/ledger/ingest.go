package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/oddsmarket/ledger-engine/internal/metrics"
	"github.com/oddsmarket/ledger-engine/internal/normalize"
)

// Ingestor drives one normalized batch through dedup and the transactional
// upsert. Safe to re-run: ingesting the same batch twice converges on the
// same ledger state.
type Ingestor struct {
	store Store
}

// NewIngestor creates an ingestor writing to the given store.
func NewIngestor(store Store) *Ingestor {
	return &Ingestor{store: store}
}

// Ingest dedups and persists one normalized batch. A persistence failure
// rolls back the whole batch and is returned to the caller; the cache layer
// above decides whether to keep serving stale data.
func (i *Ingestor) Ingest(ctx context.Context, batch normalize.Batch) error {
	batchID := uuid.New().String()

	events, dropped := Dedup(batch.Events)
	markets := batch.SortedMarkets()

	if err := i.store.UpsertBatch(ctx, events, markets); err != nil {
		metrics.IngestFailures.Inc()
		slog.Error("ingest batch failed",
			"batch_id", batchID,
			"events", len(events),
			"markets", len(markets),
			"err", err,
		)
		return fmt.Errorf("ingest batch %s: %w", batchID, err)
	}

	metrics.IngestBatches.Inc()
	metrics.EventsIngested.Add(float64(len(events)))
	metrics.EventsDeduped.Add(float64(dropped))
	metrics.EventsRejected.Add(float64(batch.Rejected))

	slog.Info("ingest batch persisted",
		"batch_id", batchID,
		"events", len(events),
		"markets", len(markets),
		"deduped", dropped,
		"rejected", batch.Rejected,
	)
	return nil
}
