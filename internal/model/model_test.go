package model

import "testing"

func TestNormalizeSubject(t *testing.T) {
	for _, tt := range []struct{ in, want string }{
		{"Alice", "alice"},
		{"  BOB  ", "bob"},
		{"0xAbCd", "0xabcd"},
	} {
		if got := NormalizeSubject(tt.in); got != tt.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarket_OutcomeCode(t *testing.T) {
	bare := Market{ID: "m1"}
	if bare.OutcomeCode(0) != "A" || bare.OutcomeCode(1) != "B" {
		t.Error("bare market should fall back to A/B labels")
	}
	if bare.OutcomeCode(OutcomeDraw) != "DRAW" {
		t.Error("draw index should label DRAW")
	}

	named := Market{ID: "m2", HomeCode: "LAL", AwayCode: "BOS"}
	if named.OutcomeCode(0) != "LAL" || named.OutcomeCode(1) != "BOS" {
		t.Error("participant codes should win when present")
	}
}

func TestMembershipInterval_Covers(t *testing.T) {
	left := int64(200)
	mi := MembershipInterval{JoinedAt: 100, LeftAt: &left}

	for _, tt := range []struct {
		t    int64
		want bool
	}{
		{99, false},
		{100, true},
		{199, true},
		{200, false},
	} {
		if got := mi.Covers(tt.t); got != tt.want {
			t.Errorf("Covers(%d) = %v, want %v", tt.t, got, tt.want)
		}
	}

	open := MembershipInterval{JoinedAt: 100}
	if !open.Covers(1 << 40) {
		t.Error("open interval should cover any later instant")
	}
}
