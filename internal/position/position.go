// Package position replays a subject's ledger in (timestamp, id) order to
// derive open positions, weighted-average entry prices, and realized P/L
// per SELL.
//
// The replay is deterministic and pure: the same event sequence always
// produces the same output, with no I/O and no shared state. It runs on
// read, per profile request — never as a persisted job.
//
// All monetary values use shopspring/decimal — never float64 for money.
package position

import (
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

// pnlScale is the number of decimal places cost/P&L figures are rounded to.
const pnlScale int32 = 8

// Result is the output of one replay pass.
type Result struct {
	// Positions holds the still-open holdings, one per
	// (subject, market, outcome) with non-zero open quantity.
	Positions []model.Position

	// Events is the input sequence in replay order, with CostClosed and
	// RealizedPnl filled in on every SELL.
	Events []model.TradeEvent

	// OrphanSells counts SELLs replayed against zero open quantity. Such a
	// row yields zero realized P/L by construction; the count exists so the
	// data gap is observable, not silently "correct".
	OrphanSells int
}

type book struct {
	subject  string
	marketID string
	outcome  int
	openQty  decimal.Decimal
	openCost decimal.Decimal
}

// Replay computes weighted-average cost basis over the given events.
// CLAIM rows carry no outcome and do not move any book; they are passed
// through untouched for the aggregation layer to allocate.
func Replay(events []model.TradeEvent) Result {
	ordered := make([]model.TradeEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp < ordered[j].Timestamp
		}
		return ordered[i].ID < ordered[j].ID
	})

	books := make(map[string]*book)
	var keys []string
	res := Result{Events: ordered}

	for i := range ordered {
		ev := &ordered[i]
		if ev.OutcomeIndex == nil {
			continue // CLAIM
		}
		key := ev.Subject + "|" + ev.MarketID + "|" + strconv.Itoa(*ev.OutcomeIndex)
		b, ok := books[key]
		if !ok {
			b = &book{subject: ev.Subject, marketID: ev.MarketID, outcome: *ev.OutcomeIndex}
			books[key] = b
			keys = append(keys, key)
		}

		switch ev.Kind {
		case model.KindBuy:
			b.openCost = b.openCost.Add(buyCost(ev))
			b.openQty = b.openQty.Add(ev.Quantity)

		case model.KindSell:
			if b.openQty.IsZero() {
				// Sell with nothing open: upstream gap.
				ev.CostClosed = decimal.Zero
				ev.RealizedPnl = decimal.Zero
				res.OrphanSells++
				continue
			}
			closeQty := decimal.Min(ev.Quantity, b.openQty)
			costClosed := b.openCost.Mul(closeQty).Div(b.openQty).Round(pnlScale)
			ev.CostClosed = costClosed
			ev.RealizedPnl = ev.NetOut.Sub(costClosed)
			b.openQty = b.openQty.Sub(closeQty)
			b.openCost = b.openCost.Sub(costClosed)
		}
	}

	for _, key := range keys {
		b := books[key]
		if b.openQty.IsZero() {
			continue
		}
		res.Positions = append(res.Positions, model.Position{
			Subject:       b.subject,
			MarketID:      b.marketID,
			OutcomeIndex:  b.outcome,
			OpenQuantity:  b.openQty,
			OpenCostBasis: b.openCost,
			AvgEntryPrice: b.openCost.Div(b.openQty).Round(pnlScale),
		})
	}
	return res
}

// buyCost is the capital a BUY commits: the net stake when the source
// carries one, otherwise the gross amount in.
func buyCost(ev *model.TradeEvent) decimal.Decimal {
	if !ev.NetStake.IsZero() {
		return ev.NetStake
	}
	return ev.GrossIn
}
