package ledger

import (
	"testing"

	"github.com/oddsmarket/ledger-engine/internal/model"
)

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stake:abc-123", "abc-123"},
		{"trade:abc-123", "abc-123"},
		{"claim:abc-123", "abc-123"},
		{"abc-123", "abc-123"},
		{"other:abc-123", "other:abc-123"},
	}
	for _, tt := range tests {
		if got := CanonicalID(tt.in); got != tt.want {
			t.Errorf("CanonicalID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDedup_TradeBeatsStakeEitherOrder(t *testing.T) {
	stake := model.TradeEvent{ID: "stake:1", Source: model.SourceStake, Kind: model.KindBuy}
	trade := model.TradeEvent{ID: "trade:1", Source: model.SourceTrade, Kind: model.KindBuy}

	for _, order := range [][]model.TradeEvent{
		{stake, trade},
		{trade, stake},
	} {
		out, dropped := Dedup(order)
		if dropped != 1 {
			t.Fatalf("dropped = %d, want 1", dropped)
		}
		if len(out) != 1 || out[0].ID != "trade:1" {
			t.Errorf("survivor = %v, want trade:1", out)
		}
	}
}

func TestDedup_TxHashTieBreak(t *testing.T) {
	bare := model.TradeEvent{ID: "trade:7", Source: model.SourceTrade}
	hashed := model.TradeEvent{ID: "trade:7", Source: model.SourceTrade, TxHash: "0xdeadbeef"}

	out, dropped := Dedup([]model.TradeEvent{bare, hashed})
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if out[0].TxHash != "0xdeadbeef" {
		t.Error("row with tx hash should win the tie")
	}
}

func TestDedup_EqualRankKeepsFirst(t *testing.T) {
	a := model.TradeEvent{ID: "trade:9", Source: model.SourceTrade, TxHash: "0x1", Subject: "first"}
	b := model.TradeEvent{ID: "trade:9", Source: model.SourceTrade, TxHash: "0x2", Subject: "second"}

	out, _ := Dedup([]model.TradeEvent{a, b})
	if out[0].Subject != "first" {
		t.Errorf("survivor = %q, want first arrival on full tie", out[0].Subject)
	}
}

func TestDedup_PreservesInputOrder(t *testing.T) {
	events := []model.TradeEvent{
		{ID: "trade:a", Source: model.SourceTrade},
		{ID: "stake:b", Source: model.SourceStake},
		{ID: "stake:a", Source: model.SourceStake}, // duplicate of trade:a, loses
		{ID: "claim:c", Source: model.SourceClaim},
	}
	out, dropped := Dedup(events)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	wantIDs := []string{"trade:a", "stake:b", "claim:c"}
	for i, id := range wantIDs {
		if out[i].ID != id {
			t.Errorf("out[%d] = %s, want %s", i, out[i].ID, id)
		}
	}
}

func TestSupersedes(t *testing.T) {
	tests := []struct {
		name     string
		incoming model.TradeEvent
		existing model.TradeEvent
		want     bool
	}{
		{
			name:     "trade over stake",
			incoming: model.TradeEvent{Source: model.SourceTrade},
			existing: model.TradeEvent{Source: model.SourceStake},
			want:     true,
		},
		{
			name:     "stake never over trade",
			incoming: model.TradeEvent{Source: model.SourceStake},
			existing: model.TradeEvent{Source: model.SourceTrade},
			want:     false,
		},
		{
			name:     "claim over stake",
			incoming: model.TradeEvent{Source: model.SourceClaim},
			existing: model.TradeEvent{Source: model.SourceStake},
			want:     true,
		},
		{
			name:     "equal rank incoming wins",
			incoming: model.TradeEvent{Source: model.SourceTrade},
			existing: model.TradeEvent{Source: model.SourceTrade},
			want:     true,
		},
		{
			name:     "equal rank keeps known tx hash",
			incoming: model.TradeEvent{Source: model.SourceTrade},
			existing: model.TradeEvent{Source: model.SourceTrade, TxHash: "0x1"},
			want:     false,
		},
		{
			name:     "equal rank hashed incoming replaces hashed existing",
			incoming: model.TradeEvent{Source: model.SourceTrade, TxHash: "0x2"},
			existing: model.TradeEvent{Source: model.SourceTrade, TxHash: "0x1"},
			want:     true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Supersedes(tt.incoming, tt.existing); got != tt.want {
				t.Errorf("Supersedes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDedup_DistinctKeysUntouched(t *testing.T) {
	events := []model.TradeEvent{
		{ID: "stake:x", Source: model.SourceStake},
		{ID: "stake:y", Source: model.SourceStake},
	}
	out, dropped := Dedup(events)
	if dropped != 0 || len(out) != 2 {
		t.Errorf("got %d events, %d dropped; want 2 and 0", len(out), dropped)
	}
}
