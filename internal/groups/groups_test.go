package groups

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/ledger"
	"github.com/oddsmarket/ledger-engine/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func intp(i int) *int    { return &i }
func i64p(i int64) *int64 { return &i }

func TestRoster_CoversBoundaries(t *testing.T) {
	r := NewRoster("g1", []model.MembershipInterval{
		{GroupID: "g1", Subject: "alice", JoinedAt: 100, LeftAt: i64p(200)},
	})

	tests := []struct {
		t    int64
		want bool
	}{
		{99, false},
		{100, true}, // join instant is covered
		{199, true},
		{200, false}, // leave instant is not
		{201, false},
	}
	for _, tt := range tests {
		if got := r.Covers("alice", tt.t); got != tt.want {
			t.Errorf("Covers(alice, %d) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestRoster_UnionOfIntervals(t *testing.T) {
	r := NewRoster("g1", []model.MembershipInterval{
		{GroupID: "g1", Subject: "alice", JoinedAt: 100, LeftAt: i64p(200)},
		{GroupID: "g1", Subject: "alice", JoinedAt: 300}, // rejoined, still in
	})
	if r.Covers("alice", 250) {
		t.Error("gap between intervals must not be covered")
	}
	if !r.Covers("alice", 150) || !r.Covers("alice", 1_000_000) {
		t.Error("both intervals must count")
	}
	if got := len(r.Subjects()); got != 1 {
		t.Errorf("subjects = %d, want 1 despite two intervals", got)
	}
}

func TestRoster_ActiveMembers(t *testing.T) {
	r := NewRoster("g1", []model.MembershipInterval{
		{GroupID: "g1", Subject: "alice", JoinedAt: 100},
		{GroupID: "g1", Subject: "bob", JoinedAt: 100, LeftAt: i64p(500)},
	})
	if got := r.ActiveMembers(400); got != 2 {
		t.Errorf("active at 400 = %d, want 2", got)
	}
	if got := r.ActiveMembers(600); got != 1 {
		t.Errorf("active at 600 = %d, want 1", got)
	}
}

func TestLeaderboard_AttributionByLockTime(t *testing.T) {
	r := NewRoster("g1", []model.MembershipInterval{
		{GroupID: "g1", Subject: "alice", JoinedAt: 100, LeftAt: i64p(200)},
	})
	markets := map[string]model.Market{
		"before": {ID: "before", LockTime: 50},
		"during": {ID: "during", LockTime: 150},
		"onLeft": {ID: "onLeft", LockTime: 200},
	}
	buy := func(id, market string, amount string) model.TradeEvent {
		return model.TradeEvent{
			ID: id, Subject: "alice", Kind: model.KindBuy, MarketID: market,
			OutcomeIndex: intp(0), Timestamp: 150, GrossIn: d(amount),
		}
	}
	events := []model.TradeEvent{
		buy("1", "before", "10"),
		buy("2", "during", "20"),
		buy("3", "onLeft", "40"),
	}

	rows, totals := Leaderboard(r, nil, ledger.Window{}, events, markets, 150)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	// Only the market locking during membership counts; locks before the
	// join and at the leave instant are excluded.
	if !rows[0].Traded.Equal(d("20")) {
		t.Errorf("traded = %s, want 20", rows[0].Traded)
	}
	if !totals.Traded.Equal(d("20")) || totals.Trades != 1 {
		t.Errorf("totals = %+v, want traded 20 over 1 trade", totals)
	}
	if totals.ActiveMembers != 1 {
		t.Errorf("active members = %d, want 1", totals.ActiveMembers)
	}
}

func TestLeaderboard_TotalsROI(t *testing.T) {
	r := NewRoster("g1", []model.MembershipInterval{
		{GroupID: "g1", Subject: "alice", JoinedAt: 0},
		{GroupID: "g1", Subject: "bob", JoinedAt: 0},
	})
	markets := map[string]model.Market{"m1": {ID: "m1", LockTime: 100}}
	events := []model.TradeEvent{
		{ID: "1", Subject: "alice", Kind: model.KindBuy, MarketID: "m1", OutcomeIndex: intp(0), Timestamp: 10, GrossIn: d("100")},
		{ID: "2", Subject: "bob", Kind: model.KindBuy, MarketID: "m1", OutcomeIndex: intp(0), Timestamp: 10, GrossIn: d("100")},
		{ID: "3", Subject: "alice", Kind: model.KindClaim, MarketID: "m1", Timestamp: 20, NetOut: d("300")},
	}

	_, totals := Leaderboard(r, nil, ledger.Window{}, events, markets, 100)
	if totals.ROI == nil || !totals.ROI.Equal(d("0.5")) {
		t.Errorf("group roi = %v, want 0.5", totals.ROI)
	}
}

func TestLeaderboard_EmptyRoster(t *testing.T) {
	r := NewRoster("g1", nil)
	rows, totals := Leaderboard(r, nil, ledger.Window{}, nil, nil, 0)
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
	if totals.ROI != nil || totals.ActiveMembers != 0 {
		t.Errorf("totals = %+v, want empty", totals)
	}
}
