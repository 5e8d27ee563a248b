package position

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func intp(i int) *int { return &i }

func buy(id string, ts int64, qty, netStake string) model.TradeEvent {
	return model.TradeEvent{
		ID: id, Subject: "alice", Kind: model.KindBuy, MarketID: "m1",
		OutcomeIndex: intp(0), Timestamp: ts,
		Quantity: d(qty), NetStake: d(netStake), GrossIn: d(netStake),
	}
}

func sell(id string, ts int64, qty, netOut string) model.TradeEvent {
	return model.TradeEvent{
		ID: id, Subject: "alice", Kind: model.KindSell, MarketID: "m1",
		OutcomeIndex: intp(0), Timestamp: ts,
		Quantity: d(qty), NetOut: d(netOut), GrossOut: d(netOut),
	}
}

func TestReplay_WeightedAverageCostBasis(t *testing.T) {
	// Buy 10 for 100, buy 10 more for 140, sell 5 for 70.
	// Average cost is 12/unit, so the sell closes 60 of cost and
	// realizes 10 of profit, leaving 15 open at cost 180.
	res := Replay([]model.TradeEvent{
		buy("trade:1", 100, "10", "100"),
		buy("trade:2", 200, "10", "140"),
		sell("trade:3", 300, "5", "70"),
	})

	if res.OrphanSells != 0 {
		t.Fatalf("orphan sells = %d, want 0", res.OrphanSells)
	}

	s := res.Events[2]
	if !s.CostClosed.Equal(d("60")) {
		t.Errorf("cost closed = %s, want 60", s.CostClosed)
	}
	if !s.RealizedPnl.Equal(d("10")) {
		t.Errorf("realized pnl = %s, want 10", s.RealizedPnl)
	}

	if len(res.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(res.Positions))
	}
	p := res.Positions[0]
	if !p.OpenQuantity.Equal(d("15")) {
		t.Errorf("open quantity = %s, want 15", p.OpenQuantity)
	}
	if !p.OpenCostBasis.Equal(d("180")) {
		t.Errorf("open cost = %s, want 180", p.OpenCostBasis)
	}
	if !p.AvgEntryPrice.Equal(d("12")) {
		t.Errorf("avg entry = %s, want 12", p.AvgEntryPrice)
	}
}

func TestReplay_SellFullyCloses(t *testing.T) {
	res := Replay([]model.TradeEvent{
		buy("trade:1", 100, "10", "100"),
		sell("trade:2", 200, "10", "130"),
	})
	if len(res.Positions) != 0 {
		t.Errorf("positions = %d, want none after full close", len(res.Positions))
	}
	if !res.Events[1].RealizedPnl.Equal(d("30")) {
		t.Errorf("realized pnl = %s, want 30", res.Events[1].RealizedPnl)
	}
}

func TestReplay_SellCappedAtOpenQuantity(t *testing.T) {
	// Selling more than is open closes only what exists.
	res := Replay([]model.TradeEvent{
		buy("trade:1", 100, "10", "100"),
		sell("trade:2", 200, "25", "120"),
	})
	if len(res.Positions) != 0 {
		t.Fatalf("positions = %d, want 0", len(res.Positions))
	}
	s := res.Events[1]
	if !s.CostClosed.Equal(d("100")) {
		t.Errorf("cost closed = %s, want 100 (capped)", s.CostClosed)
	}
	if !s.RealizedPnl.Equal(d("20")) {
		t.Errorf("realized pnl = %s, want 20", s.RealizedPnl)
	}
}

func TestReplay_OrphanSell(t *testing.T) {
	res := Replay([]model.TradeEvent{
		sell("trade:1", 100, "5", "70"),
	})
	if res.OrphanSells != 1 {
		t.Fatalf("orphan sells = %d, want 1", res.OrphanSells)
	}
	s := res.Events[0]
	if !s.CostClosed.IsZero() || !s.RealizedPnl.IsZero() {
		t.Errorf("orphan sell must realize zero, got cost=%s pnl=%s", s.CostClosed, s.RealizedPnl)
	}
}

func TestReplay_OrderIndependentInput(t *testing.T) {
	shuffled := []model.TradeEvent{
		sell("trade:3", 300, "5", "70"),
		buy("trade:2", 200, "10", "140"),
		buy("trade:1", 100, "10", "100"),
	}
	res := Replay(shuffled)
	if res.OrphanSells != 0 {
		t.Fatalf("replay must sort by (timestamp, id); got %d orphan sells", res.OrphanSells)
	}
	// Same-timestamp rows tie-break on id.
	res = Replay([]model.TradeEvent{
		sell("trade:b", 100, "5", "60"),
		buy("trade:a", 100, "5", "50"),
	})
	if res.OrphanSells != 0 {
		t.Errorf("id tie-break not applied, got orphan sell")
	}
	if !res.Events[1].RealizedPnl.Equal(d("10")) {
		t.Errorf("realized pnl = %s, want 10", res.Events[1].RealizedPnl)
	}
}

func TestReplay_BooksAreIndependentPerOutcome(t *testing.T) {
	b := buy("trade:1", 100, "10", "100")
	other := buy("trade:2", 200, "4", "40")
	other.OutcomeIndex = intp(1)
	s := sell("trade:3", 300, "10", "90")

	res := Replay([]model.TradeEvent{b, other, s})
	if res.OrphanSells != 0 {
		t.Fatalf("orphan sells = %d, want 0", res.OrphanSells)
	}
	if len(res.Positions) != 1 {
		t.Fatalf("positions = %d, want 1 (outcome 1 untouched)", len(res.Positions))
	}
	if res.Positions[0].OutcomeIndex != 1 {
		t.Errorf("remaining position outcome = %d, want 1", res.Positions[0].OutcomeIndex)
	}
}

func TestReplay_ClaimsPassThrough(t *testing.T) {
	claim := model.TradeEvent{
		ID: "claim:1", Subject: "alice", Kind: model.KindClaim,
		MarketID: "m1", Timestamp: 400, NetOut: d("150"),
	}
	res := Replay([]model.TradeEvent{
		buy("trade:1", 100, "10", "100"),
		claim,
	})
	if len(res.Positions) != 1 {
		t.Fatalf("claim must not move the book, positions = %d", len(res.Positions))
	}
	if !res.Events[1].NetOut.Equal(d("150")) {
		t.Errorf("claim not passed through: %+v", res.Events[1])
	}
}

func TestReplay_GrossInFallback(t *testing.T) {
	ev := buy("trade:1", 100, "10", "0")
	ev.NetStake = decimal.Zero
	ev.GrossIn = d("100")
	res := Replay([]model.TradeEvent{ev})
	if !res.Positions[0].OpenCostBasis.Equal(d("100")) {
		t.Errorf("open cost = %s, want gross-in fallback of 100", res.Positions[0].OpenCostBasis)
	}
}
