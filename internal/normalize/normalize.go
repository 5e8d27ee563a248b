// Package normalize maps raw heterogeneous indexer records (legacy stake
// rows, AMM trades, payout claims) into canonical TradeEvents.
//
// Money fields are carried as fixed-point decimal strings end to end and
// parsed with shopspring/decimal — never coerced through float64, since ROI
// correctness depends on exact accumulation over thousands of rows.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

var (
	// ErrUnresolvableOutcome is returned when a BUY/SELL row carries no
	// explicit outcome index and no recognizable legacy side marker.
	ErrUnresolvableOutcome = errors.New("normalize: no resolvable outcome for row")

	// ErrUnknownKind is returned for rows whose kind is not BUY, SELL or CLAIM.
	ErrUnknownKind = errors.New("normalize: unknown event kind")
)

// RawEvent is one record as fetched from an upstream source. Semantics vary
// by Source; the normalizer flattens them into one shape.
type RawEvent struct {
	ID           string `json:"id"`
	Source       string `json:"source"` // stake | trade | claim
	Subject      string `json:"subject"`
	Kind         string `json:"kind"`
	OutcomeIndex *int   `json:"outcome_index,omitempty"`
	Side         string `json:"side,omitempty"` // legacy markers: A, B, DRAW/X
	Timestamp    int64  `json:"timestamp"`
	Quantity     string `json:"quantity"`
	GrossIn      string `json:"gross_in"`
	GrossOut     string `json:"gross_out"`
	Fee          string `json:"fee"`
	NetStake     string `json:"net_stake"`
	NetOut       string `json:"net_out"`
	MarketID     string `json:"market_id"`
	League       string `json:"league"`
	TxHash       string `json:"tx_hash,omitempty"`
}

// RawMarket is the sparse market metadata attached to an upstream page.
// Fields are pointers so that absent and zero are distinguishable for the
// first-non-null merge policy.
type RawMarket struct {
	ID                  string  `json:"id"`
	League              *string `json:"league,omitempty"`
	LockTime            *int64  `json:"lock_time,omitempty"`
	IsFinal             *bool   `json:"is_final,omitempty"`
	OutcomeCount        *int    `json:"outcome_count,omitempty"`
	WinningOutcomeIndex *int    `json:"winning_outcome_index,omitempty"`
	HomeName            *string `json:"home_name,omitempty"`
	AwayName            *string `json:"away_name,omitempty"`
	HomeCode            *string `json:"home_code,omitempty"`
	AwayCode            *string `json:"away_code,omitempty"`
	Question            *string `json:"question,omitempty"`
}

// Event converts one raw record into a canonical TradeEvent. The market is
// consulted only for outcome display labels and may be nil.
func Event(raw RawEvent, market *model.Market) (model.TradeEvent, error) {
	kind := model.EventKind(strings.ToUpper(strings.TrimSpace(raw.Kind)))
	switch kind {
	case model.KindBuy, model.KindSell, model.KindClaim:
	default:
		return model.TradeEvent{}, fmt.Errorf("%w: %q (event %s)", ErrUnknownKind, raw.Kind, raw.ID)
	}

	ev := model.TradeEvent{
		ID:        raw.ID,
		Subject:   model.NormalizeSubject(raw.Subject),
		Kind:      kind,
		Timestamp: raw.Timestamp,
		MarketID:  raw.MarketID,
		League:    raw.League,
		TxHash:    raw.TxHash,
		Source:    raw.Source,
	}

	var err error
	if ev.Quantity, err = money(raw.Quantity); err != nil {
		return model.TradeEvent{}, fmt.Errorf("normalize: event %s quantity: %w", raw.ID, err)
	}
	if ev.GrossIn, err = money(raw.GrossIn); err != nil {
		return model.TradeEvent{}, fmt.Errorf("normalize: event %s gross_in: %w", raw.ID, err)
	}
	if ev.GrossOut, err = money(raw.GrossOut); err != nil {
		return model.TradeEvent{}, fmt.Errorf("normalize: event %s gross_out: %w", raw.ID, err)
	}
	if ev.Fee, err = money(raw.Fee); err != nil {
		return model.TradeEvent{}, fmt.Errorf("normalize: event %s fee: %w", raw.ID, err)
	}
	if ev.NetStake, err = money(raw.NetStake); err != nil {
		return model.TradeEvent{}, fmt.Errorf("normalize: event %s net_stake: %w", raw.ID, err)
	}
	if ev.NetOut, err = money(raw.NetOut); err != nil {
		return model.TradeEvent{}, fmt.Errorf("normalize: event %s net_out: %w", raw.ID, err)
	}

	if kind == model.KindClaim {
		// Claims settle at market granularity: no outcome, reserved marker.
		ev.OutcomeIndex = nil
		ev.OutcomeCode = model.SideClaim
		return ev, nil
	}

	index, err := resolveOutcome(raw)
	if err != nil {
		return model.TradeEvent{}, err
	}
	ev.OutcomeIndex = &index
	if market != nil {
		ev.OutcomeCode = market.OutcomeCode(index)
	} else if index == model.OutcomeDraw {
		ev.OutcomeCode = "DRAW"
	}
	return ev, nil
}

// resolveOutcome derives the outcome index for a BUY/SELL row: explicit
// field first, then the legacy binary side encoding, then the legacy
// three-way draw marker.
func resolveOutcome(raw RawEvent) (int, error) {
	if raw.OutcomeIndex != nil {
		return *raw.OutcomeIndex, nil
	}
	switch strings.ToUpper(strings.TrimSpace(raw.Side)) {
	case "A":
		return 0, nil
	case "B":
		return 1, nil
	case "DRAW", "X":
		return model.OutcomeDraw, nil
	}
	return 0, fmt.Errorf("%w: event %s side %q", ErrUnresolvableOutcome, raw.ID, raw.Side)
}

// money parses a fixed-point decimal string. Empty means zero; upstream
// omits fields that do not apply to a given source.
func money(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Market builds a model.Market from raw metadata, for first sighting.
func Market(raw RawMarket) model.Market {
	m := model.Market{ID: raw.ID}
	MergeMarket(&m, raw)
	return m
}

// MergeMarket applies the first-non-null merge policy: any field already set
// on dst is kept; raw fills only the gaps. A sparse legacy event can never
// clobber richer data observed earlier.
func MergeMarket(dst *model.Market, raw RawMarket) {
	if dst.League == "" && raw.League != nil {
		dst.League = *raw.League
	}
	if dst.LockTime == 0 && raw.LockTime != nil {
		dst.LockTime = *raw.LockTime
	}
	if !dst.IsFinal && raw.IsFinal != nil {
		dst.IsFinal = *raw.IsFinal
	}
	if dst.OutcomeCount == 0 && raw.OutcomeCount != nil {
		dst.OutcomeCount = *raw.OutcomeCount
	}
	if dst.WinningOutcomeIndex == nil && raw.WinningOutcomeIndex != nil {
		v := *raw.WinningOutcomeIndex
		dst.WinningOutcomeIndex = &v
	}
	if dst.HomeName == "" && raw.HomeName != nil {
		dst.HomeName = *raw.HomeName
	}
	if dst.AwayName == "" && raw.AwayName != nil {
		dst.AwayName = *raw.AwayName
	}
	if dst.HomeCode == "" && raw.HomeCode != nil {
		dst.HomeCode = *raw.HomeCode
	}
	if dst.AwayCode == "" && raw.AwayCode != nil {
		dst.AwayCode = *raw.AwayCode
	}
	if dst.Question == "" && raw.Question != nil {
		dst.Question = *raw.Question
	}
}

// Batch normalizes a page of raw events and folds market metadata per the
// merge policy. Unresolvable rows are dropped and counted, never fatal.
type Batch struct {
	Events   []model.TradeEvent
	Markets  map[string]*model.Market
	Rejected int
}

// SortedMarkets returns the batch's markets ordered by id, for
// deterministic batch writes.
func (b Batch) SortedMarkets() []*model.Market {
	markets := make([]*model.Market, 0, len(b.Markets))
	for _, m := range b.Markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets
}

// NewBatch normalizes raw events against raw market metadata. Markets are
// created on first sighting of any event referencing them.
func NewBatch(events []RawEvent, markets []RawMarket) Batch {
	b := Batch{Markets: make(map[string]*model.Market)}
	for _, rm := range markets {
		if existing, ok := b.Markets[rm.ID]; ok {
			MergeMarket(existing, rm)
			continue
		}
		m := Market(rm)
		b.Markets[rm.ID] = &m
	}
	for _, raw := range events {
		if raw.MarketID != "" {
			if _, ok := b.Markets[raw.MarketID]; !ok {
				b.Markets[raw.MarketID] = &model.Market{ID: raw.MarketID}
			}
		}
		ev, err := Event(raw, b.Markets[raw.MarketID])
		if err != nil {
			slog.Warn("rejected upstream event", "id", raw.ID, "source", raw.Source, "err", err)
			b.Rejected++
			continue
		}
		b.Events = append(b.Events, ev)
	}
	return b
}
