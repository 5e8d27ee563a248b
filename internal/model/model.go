// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// EventKind classifies a ledger row by its economic direction.
type EventKind string

const (
	KindBuy   EventKind = "BUY"
	KindSell  EventKind = "SELL"
	KindClaim EventKind = "CLAIM"
)

// Event sources, named after the upstream entity streams they come from.
const (
	SourceStake = "stake"
	SourceClaim = "claim"
	SourceTrade = "trade"
)

// SideClaim is the reserved side marker carried by every CLAIM row.
// CLAIM rows never resolve to an outcome.
const SideClaim = "CLAIM"

// OutcomeDraw is the reserved outcome index for legacy three-way markets.
const OutcomeDraw = 2

// TradeEvent is an immutable fact in the canonical ledger. Once persisted a
// row is never mutated except to fill previously-null enrichment fields;
// a non-null value is never overwritten with a conflicting one.
type TradeEvent struct {
	ID           string          `json:"id" db:"id"`
	Subject      string          `json:"subject" db:"subject"` // always lower-cased
	Kind         EventKind       `json:"kind" db:"kind"`
	OutcomeIndex *int            `json:"outcome_index" db:"outcome_index"` // nil only for CLAIM
	OutcomeCode  string          `json:"outcome_code" db:"outcome_code"`
	Timestamp    int64           `json:"timestamp" db:"timestamp"` // unix seconds
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	GrossIn      decimal.Decimal `json:"gross_in" db:"gross_in"`
	GrossOut     decimal.Decimal `json:"gross_out" db:"gross_out"`
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	NetStake     decimal.Decimal `json:"net_stake" db:"net_stake"`
	NetOut       decimal.Decimal `json:"net_out" db:"net_out"`
	CostClosed   decimal.Decimal `json:"cost_closed" db:"cost_closed"`
	RealizedPnl  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	MarketID     string          `json:"market_id" db:"market_id"`
	League       string          `json:"league" db:"league"`
	TxHash       string          `json:"tx_hash" db:"tx_hash"`
	Source       string          `json:"source" db:"source"`
}

// NormalizeSubject canonicalizes a subject identifier. Subjects are
// case-insensitive upstream; the ledger stores one spelling.
func NormalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Market (a.k.a. game) is created on first sighting of any event referencing
// it, enriched as resolution data becomes available, and never deleted.
// Once IsFinal is true and WinningOutcomeIndex is set they must not change.
type Market struct {
	ID                  string `json:"id" db:"id"`
	League              string `json:"league" db:"league"`
	LockTime            int64  `json:"lock_time" db:"lock_time"` // unix seconds
	IsFinal             bool   `json:"is_final" db:"is_final"`
	OutcomeCount        int    `json:"outcome_count" db:"outcome_count"`
	WinningOutcomeIndex *int   `json:"winning_outcome_index" db:"winning_outcome_index"` // nil until resolved

	// Display metadata, sparse on legacy events.
	HomeName string `json:"home_name" db:"home_name"`
	AwayName string `json:"away_name" db:"away_name"`
	HomeCode string `json:"home_code" db:"home_code"`
	AwayCode string `json:"away_code" db:"away_code"`
	Question string `json:"question" db:"question"` // non-binary markets only
}

// OutcomeCode returns the display label for an outcome index, using market
// participant codes when present.
func (m *Market) OutcomeCode(index int) string {
	switch index {
	case 0:
		if m.HomeCode != "" {
			return m.HomeCode
		}
		return "A"
	case 1:
		if m.AwayCode != "" {
			return m.AwayCode
		}
		return "B"
	case OutcomeDraw:
		return "DRAW"
	}
	return ""
}

// Position is derived state, never persisted: the open holding for one
// (subject, market, outcome) after replaying the ledger in (timestamp, id)
// order. Lifetime is a single aggregation pass.
type Position struct {
	Subject       string          `json:"subject"`
	MarketID      string          `json:"market_id"`
	OutcomeIndex  int             `json:"outcome_index"`
	OpenQuantity  decimal.Decimal `json:"open_quantity"`
	OpenCostBasis decimal.Decimal `json:"open_cost_basis"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// MembershipInterval records one stretch of group membership for a subject.
// LeftAt nil means still active; when set it is exclusive. Intervals for the
// same (group, subject) pair must not overlap.
type MembershipInterval struct {
	GroupID  string `json:"group_id" db:"group_id"`
	Subject  string `json:"subject" db:"subject"`
	JoinedAt int64  `json:"joined_at" db:"joined_at"`
	LeftAt   *int64 `json:"left_at" db:"left_at"`
}

// Covers reports whether the interval contains the instant t.
func (mi MembershipInterval) Covers(t int64) bool {
	if t < mi.JoinedAt {
		return false
	}
	return mi.LeftAt == nil || t < *mi.LeftAt
}
