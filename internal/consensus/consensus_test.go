package consensus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"missionline/internal/domain"
)

const (
	P = domain.VerdictPass
	F = domain.VerdictFail
)

func TestConsensusTable(t *testing.T) {
	cases := []struct {
		name      string
		in        []domain.Verdict
		status    domain.ConsensusStatus
		verdict   domain.Verdict
		dishonest []string
	}{
		{"unanimous pass", []domain.Verdict{P, P, P}, domain.ConsensusReached, P, []string{}},
		{"unanimous fail", []domain.Verdict{F, F}, domain.ConsensusReached, F, []string{}},
		{"single verifier", []domain.Verdict{P}, domain.ConsensusReached, P, []string{}},
		{"majority pass", []domain.Verdict{P, P, F}, domain.DisputeResolved, P, []string{"v3"}},
		{"majority fail", []domain.Verdict{F, P, F}, domain.DisputeResolved, F, []string{"v2"}},
		{"tie", []domain.Verdict{P, F}, domain.DisputeUnresolved, F, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Verdicts(tc.in...)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.Status != tc.status || res.FinalVerdict != tc.verdict {
				t.Fatalf("got %s/%s, want %s/%s", res.Status, res.FinalVerdict, tc.status, tc.verdict)
			}
			if diff := cmp.Diff(tc.dishonest, res.Dishonest); diff != "" {
				t.Fatalf("dishonest mismatch (-want +got):\n%s", diff)
			}
			if res.Pass+res.Fail != len(tc.in) {
				t.Fatalf("tally %d+%d != %d", res.Pass, res.Fail, len(tc.in))
			}
		})
	}
}

func TestConsensusRejectsBadPanels(t *testing.T) {
	var ve domain.ValidationError
	if _, err := Evaluate(nil); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty votes, got %v", err)
	}
	if _, err := Verdicts(P, P, P, P); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for four votes, got %v", err)
	}
	if _, err := Verdicts("MAYBE"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unknown verdict, got %v", err)
	}
}
