package domain

import (
	"errors"
	"testing"
)

func TestParseMissionStatus(t *testing.T) {
	cases := []struct {
		in   string
		want MissionStatus
	}{
		{"posted", StatusPosted},
		{"bidding_open", StatusBiddingOpen},
		{"assigned", StatusAssigned},
		{"executing", StatusExecuting},
		{"verifying", StatusVerifying},
		{"settled", StatusSettled},
		{"failed", StatusFailed},
		{"open", StatusPosted},
		{"claimed", StatusExecuting},
		{"submitted", StatusVerifying},
		{"verified", StatusSettled},
		{"rejected", StatusFailed},
		{"paid", StatusSettled},
		{"  Open ", StatusPosted},
		{"CLAIMED", StatusExecuting},
		{"\tPaid\n", StatusSettled},
		{"Bidding_Open", StatusBiddingOpen},
	}
	for _, tc := range cases {
		got, err := ParseMissionStatus(tc.in)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: want %s, got %s", tc.in, tc.want, got)
		}
	}
}

func TestParseMissionStatusRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "   ", "done", "cancelled", "bidding open"} {
		got, err := ParseMissionStatus(in)
		var ve ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%q: expected ValidationError, got %v", in, err)
		}
		if ve.Field != "status" || got != "" {
			t.Fatalf("%q: unexpected result %q %+v", in, got, ve)
		}
	}
}
