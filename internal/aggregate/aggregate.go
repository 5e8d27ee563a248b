// Package aggregate rolls up windowed trading metrics per subject: traded
// volume, realized return, ROI, trade counts, and markets touched.
//
// Compute is pure with respect to its inputs, so the per-user and per-group
// callers reuse it unmodified. Leaderboard-style views window by market lock
// time; paging of
// raw activity windows by event timestamp and lives elsewhere.
//
// All monetary values use shopspring/decimal — never float64 for money.
package aggregate

import (
	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/ledger"
	"github.com/oddsmarket/ledger-engine/internal/model"
)

// Include is a per-(subject, market) inclusion predicate. A nil predicate
// includes everything. The group attribution layer builds these from
// membership intervals.
type Include func(subject string, m model.Market) bool

// Params selects the events that count toward the rollup.
type Params struct {
	Subjects []string
	Leagues  []string      // empty = all leagues
	Window   ledger.Window // compared against market lock time
	Include  Include
}

// Row is the windowed rollup for one subject.
type Row struct {
	Subject string `json:"subject"`

	// Traded is the total capital committed via BUY events in the window.
	Traded decimal.Decimal `json:"traded"`

	// Returned is claim proceeds plus sell net proceeds in the window.
	Returned decimal.Decimal `json:"returned"`

	// ROI is Returned/Traded - 1 when Traded > 0, else nil. A subject with
	// no buys has undefined ROI, which is distinct from 0%.
	ROI *decimal.Decimal `json:"roi"`

	Trades  int `json:"trades"`
	Markets int `json:"markets"`

	// FavoriteLeague is the league with the highest buy-gross in the
	// window, ties broken by first-seen order.
	FavoriteLeague string `json:"favorite_league"`
}

// roiScale is the number of decimal places ROI is rounded to.
const roiScale int32 = 6

type leagueTally struct {
	gross decimal.Decimal
	seen  int // order of first sighting, for tie-breaks
}

type subjectTally struct {
	row      Row
	leagues  map[string]*leagueTally
	markets  map[string]bool
	nextSeen int
}

// Compute rolls up events into one Row per requested subject, preserving
// the input subject order. Events are expected in (timestamp, id) ascending
// order; markets supplies lock times and league labels by id.
func Compute(p Params, events []model.TradeEvent, markets map[string]model.Market) []Row {
	leagues := make(map[string]bool, len(p.Leagues))
	for _, l := range p.Leagues {
		leagues[l] = true
	}

	tallies := make(map[string]*subjectTally, len(p.Subjects))
	order := make([]string, 0, len(p.Subjects))
	for _, s := range p.Subjects {
		s = model.NormalizeSubject(s)
		if _, ok := tallies[s]; ok {
			continue
		}
		tallies[s] = &subjectTally{
			row:     Row{Subject: s},
			leagues: make(map[string]*leagueTally),
			markets: make(map[string]bool),
		}
		order = append(order, s)
	}

	for _, ev := range events {
		t, ok := tallies[ev.Subject]
		if !ok {
			continue
		}
		m, ok := markets[ev.MarketID]
		if !ok || !p.Window.Contains(m.LockTime) {
			continue
		}
		league := eventLeague(ev, m)
		if len(leagues) > 0 && !leagues[league] {
			continue
		}
		if p.Include != nil && !p.Include(ev.Subject, m) {
			continue
		}

		t.markets[ev.MarketID] = true

		switch ev.Kind {
		case model.KindBuy:
			t.row.Traded = t.row.Traded.Add(ev.GrossIn)
			t.row.Trades++
			lt, ok := t.leagues[league]
			if !ok {
				lt = &leagueTally{seen: t.nextSeen}
				t.nextSeen++
				t.leagues[league] = lt
			}
			lt.gross = lt.gross.Add(ev.GrossIn)
		case model.KindSell:
			t.row.Returned = t.row.Returned.Add(ev.NetOut)
			t.row.Trades++
		case model.KindClaim:
			t.row.Returned = t.row.Returned.Add(ev.NetOut)
		}
	}

	rows := make([]Row, 0, len(order))
	for _, s := range order {
		t := tallies[s]
		t.row.Markets = len(t.markets)
		if t.row.Traded.IsPositive() {
			roi := t.row.Returned.Div(t.row.Traded).Sub(decimal.NewFromInt(1)).Round(roiScale)
			t.row.ROI = &roi
		}
		t.row.FavoriteLeague = favorite(t.leagues)
		rows = append(rows, t.row)
	}
	return rows
}

// eventLeague prefers the label stamped on the event; legacy rows fall back
// to the market's.
func eventLeague(ev model.TradeEvent, m model.Market) string {
	if ev.League != "" {
		return ev.League
	}
	return m.League
}

func favorite(leagues map[string]*leagueTally) string {
	var best string
	var bestTally *leagueTally
	for name, lt := range leagues {
		if bestTally == nil ||
			lt.gross.GreaterThan(bestTally.gross) ||
			(lt.gross.Equal(bestTally.gross) && lt.seen < bestTally.seen) {
			best, bestTally = name, lt
		}
	}
	return best
}

// AllocateClaim distributes a market-granularity claim amount across the
// subject's outcomes. The winning outcome takes the full amount; losing
// outcomes take zero. A legacy two-outcome market resolved as a draw splits
// the claim pro-rata across the subject's buy-gross on each side.
func AllocateClaim(m model.Market, claim decimal.Decimal, buyGross map[int]decimal.Decimal) map[int]decimal.Decimal {
	alloc := make(map[int]decimal.Decimal, len(buyGross))
	for outcome := range buyGross {
		alloc[outcome] = decimal.Zero
	}
	if m.WinningOutcomeIndex == nil {
		return alloc
	}
	win := *m.WinningOutcomeIndex

	if m.OutcomeCount == 2 && win == model.OutcomeDraw {
		// Legacy tie: both sides refunded in proportion to stake.
		total := decimal.Zero
		for _, g := range buyGross {
			total = total.Add(g)
		}
		if total.IsZero() {
			return alloc
		}
		for outcome, g := range buyGross {
			alloc[outcome] = claim.Mul(g).Div(total).Round(roiScale)
		}
		return alloc
	}

	if _, ok := buyGross[win]; ok {
		alloc[win] = claim
	}
	return alloc
}
