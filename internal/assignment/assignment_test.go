package assignment

import (
	"context"
	"math"
	"testing"

	"missionline/internal/domain"
)

func agent(id string, base float64) domain.Agent {
	return domain.Agent{ID: id, BaseScore: base, Active: true, Available: true}
}

func TestReputationMultiplier(t *testing.T) {
	cases := []struct {
		rep  float64
		want float64
	}{
		{rep: -10, want: 0.8},
		{rep: 0, want: 0.8},
		{rep: 50, want: 1.05},
		{rep: 100, want: 1.3},
		{rep: 150, want: 1.3},
		{rep: 200, want: 1.3},
		{rep: 500, want: 1.3},
	}
	for _, tc := range cases {
		if got := ReputationMultiplier(tc.rep); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("rep=%v: want %v, got %v", tc.rep, tc.want, got)
		}
	}
}

func TestAntiMonopolyDecay(t *testing.T) {
	p := DefaultPolicy()
	cases := map[int]float64{0: 1, 3: 1, 4: 0.9, 6: 0.7, 10: 0.5}
	for wins, want := range cases {
		if got := p.AntiMonopolyMultiplier(wins); math.Abs(got-want) > 1e-9 {
			t.Fatalf("wins=%d: want %v got %v", wins, want, got)
		}
	}
}

func TestPickPrefersScoreThenLowestID(t *testing.T) {
	p := DefaultPolicy()
	w, err := p.Pick([]Candidate{
		{Agent: agent("b", 100), Reputation: 50},
		{Agent: agent("a", 100), Reputation: 50},
		{Agent: agent("c", 90), Reputation: 50},
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.AgentID != "a" {
		t.Fatalf("tie should go to lowest id, got %s", w.AgentID)
	}
	w, _ = p.Pick([]Candidate{
		{Agent: agent("a", 100), Reputation: 50, RecentWins: 10},
		{Agent: agent("b", 100), Reputation: 50},
	})
	if w.AgentID != "b" {
		t.Fatalf("frequent winner should be decayed, got %s", w.AgentID)
	}
	if _, err := p.Pick(nil); err == nil {
		t.Fatalf("expected error with no candidates")
	}
}

func TestEligible(t *testing.T) {
	a := agent("a", 1)
	a.Specialties = []string{"go"}
	if !Eligible(a, "go", "r1") || !Eligible(a, "", "r1") {
		t.Fatalf("expected eligible")
	}
	if Eligible(a, "rust", "r1") || Eligible(a, "go", "a") {
		t.Fatalf("specialty mismatch and self-hire must be ineligible")
	}
	a.Available = false
	if Eligible(a, "go", "r1") {
		t.Fatalf("unavailable agent must be ineligible")
	}
}

func TestRankBids(t *testing.T) {
	p := DefaultPolicy()
	cands := map[string]Candidate{
		"cheap": {Agent: agent("cheap", 100), Reputation: 50},
		"pricy": {Agent: agent("pricy", 100), Reputation: 50},
	}
	ranked := p.RankBids(100, []domain.Bid{
		{AgentID: "pricy", Price: 100, ETASeconds: 3600},
		{AgentID: "cheap", Price: 80, ETASeconds: 3600},
		{AgentID: "ghost", Price: 1},
	}, cands)
	if len(ranked) != 2 {
		t.Fatalf("unknown bidder should be skipped, got %d", len(ranked))
	}
	if ranked[0].AgentID != "cheap" {
		t.Fatalf("cheaper bid should win, got %s", ranked[0].AgentID)
	}
}

func TestTrackerCapsAtWindow(t *testing.T) {
	ctx := context.Background()
	tr := Tracker{Store: NewMemoryWins()}
	for i := 0; i < 14; i++ {
		if err := tr.RecordWin(ctx, "a", "m"); err != nil {
			t.Fatal(err)
		}
	}
	n, _ := tr.RecentWins(ctx, "a")
	if n != DefaultWindow {
		t.Fatalf("expected %d, got %d", DefaultWindow, n)
	}
	n, _ = tr.RecentWins(ctx, "nobody")
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}
