// Package groups attributes trading activity to groups whose membership
// varies over time. A market counts toward a member's group-attributed
// activity only when its lock time falls inside some membership interval
// [joinedAt, leftAt) for that subject; inclusion is the union across a
// subject's disjoint intervals.
package groups

import (
	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/aggregate"
	"github.com/oddsmarket/ledger-engine/internal/ledger"
	"github.com/oddsmarket/ledger-engine/internal/model"
)

// Roster indexes a group's membership intervals by subject.
type Roster struct {
	GroupID   string
	intervals map[string][]model.MembershipInterval
	order     []string
}

// NewRoster builds a roster from a group's intervals. Subjects keep
// first-appearance order, which the interval store returns sorted.
func NewRoster(groupID string, intervals []model.MembershipInterval) *Roster {
	r := &Roster{
		GroupID:   groupID,
		intervals: make(map[string][]model.MembershipInterval),
	}
	for _, mi := range intervals {
		s := model.NormalizeSubject(mi.Subject)
		if _, ok := r.intervals[s]; !ok {
			r.order = append(r.order, s)
		}
		r.intervals[s] = append(r.intervals[s], mi)
	}
	return r
}

// Subjects returns the group's members in first-appearance order.
func (r *Roster) Subjects() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Covers reports whether some interval for subject contains the instant t.
func (r *Roster) Covers(subject string, t int64) bool {
	for _, mi := range r.intervals[model.NormalizeSubject(subject)] {
		if mi.Covers(t) {
			return true
		}
	}
	return false
}

// Include builds the aggregation predicate: the market's lock time must be
// covered by one of the subject's membership intervals.
func (r *Roster) Include() aggregate.Include {
	return func(subject string, m model.Market) bool {
		return r.Covers(subject, m.LockTime)
	}
}

// ActiveMembers counts subjects with an interval covering the anchor
// instant. This is a display figure, distinct from attributed activity:
// it anchors on one instant, not the whole window.
func (r *Roster) ActiveMembers(at int64) int {
	n := 0
	for _, s := range r.order {
		if r.Covers(s, at) {
			n++
		}
	}
	return n
}

// Totals is the group-level rollup summed across member rows.
type Totals struct {
	GroupID       string           `json:"group_id"`
	Traded        decimal.Decimal  `json:"traded"`
	Returned      decimal.Decimal  `json:"returned"`
	ROI           *decimal.Decimal `json:"roi"`
	Trades        int              `json:"trades"`
	ActiveMembers int              `json:"active_members"`
}

// Leaderboard computes per-member rows for the group by delegating to the
// aggregator with the interval predicate, then sums them into group totals.
// The anchor instant fixes the active-member count (normally the window end
// or "now" for open windows).
func Leaderboard(r *Roster, leagues []string, w ledger.Window, events []model.TradeEvent, markets map[string]model.Market, anchor int64) ([]aggregate.Row, Totals) {
	rows := aggregate.Compute(aggregate.Params{
		Subjects: r.Subjects(),
		Leagues:  leagues,
		Window:   w,
		Include:  r.Include(),
	}, events, markets)

	totals := Totals{
		GroupID:       r.GroupID,
		ActiveMembers: r.ActiveMembers(anchor),
	}
	for _, row := range rows {
		totals.Traded = totals.Traded.Add(row.Traded)
		totals.Returned = totals.Returned.Add(row.Returned)
		totals.Trades += row.Trades
	}
	if totals.Traded.IsPositive() {
		roi := totals.Returned.Div(totals.Traded).Sub(decimal.NewFromInt(1)).Round(6)
		totals.ROI = &roi
	}
	return rows, totals
}
