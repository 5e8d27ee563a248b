// Package ledger makes ingestion idempotent: it collapses cross-source
// duplicates onto canonical ids and upserts events plus market metadata in
// one transactional batch. Implementations include PostgreSQL (source of
// truth) and in-memory (for testing).
package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

// Window is a half-open time range [Start, End) in unix seconds.
type Window struct {
	Start int64
	End   int64
}

// Contains reports whether t falls inside the window. A zero End means
// unbounded.
func (w Window) Contains(t int64) bool {
	if t < w.Start {
		return false
	}
	return w.End == 0 || t < w.End
}

// SubjectVolume is one row of the windowed aggregate fast path.
type SubjectVolume struct {
	Subject  string          `json:"subject"`
	BuyGross decimal.Decimal `json:"buy_gross"`
	Trades   int             `json:"trades"`
}

// Store is the persistence interface for the canonical ledger. Upsert is
// commutative and idempotent, so batches for different subjects may proceed
// concurrently with no cross-batch locking.
type Store interface {
	// UpsertBatch persists events and market metadata atomically: all rows
	// in, or none. Events key on the canonical id; a conflict keeps the
	// higher-ranked source (trade > claim > stake), and at equal rank the
	// incoming row wins unless that would drop a transaction hash. Market
	// conflicts keep the first non-null value observed.
	UpsertBatch(ctx context.Context, events []model.TradeEvent, markets []*model.Market) error

	// EventsBySubject returns a subject's full history ordered by
	// (timestamp, id) ascending.
	EventsBySubject(ctx context.Context, subject string) ([]model.TradeEvent, error)

	// EventsForSubjects returns all events for the given subjects whose own
	// timestamp falls in the window, ordered by (timestamp, id) ascending.
	EventsForSubjects(ctx context.Context, subjects []string, w Window) ([]model.TradeEvent, error)

	// MarketsByIDs fetches markets keyed by id. Missing ids are absent from
	// the map, not an error.
	MarketsByIDs(ctx context.Context, ids []string) (map[string]model.Market, error)

	// SubjectVolumes is the windowed sum/count fast path, grouped by
	// subject over BUY rows with event timestamps in the window.
	SubjectVolumes(ctx context.Context, w Window) ([]SubjectVolume, error)

	// MembershipIntervals returns all join/leave intervals for a group.
	MembershipIntervals(ctx context.Context, groupID string) ([]model.MembershipInterval, error)
}

// MarketIDs collects the distinct market ids referenced by a set of events.
func MarketIDs(events []model.TradeEvent) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range events {
		if e.MarketID != "" && !seen[e.MarketID] {
			seen[e.MarketID] = true
			ids = append(ids, e.MarketID)
		}
	}
	return ids
}
