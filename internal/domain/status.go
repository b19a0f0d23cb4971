package domain

import (
	"fmt"
	"strings"
)

type MissionStatus string

const (
	StatusPosted      MissionStatus = "posted"
	StatusBiddingOpen MissionStatus = "bidding_open"
	StatusAssigned    MissionStatus = "assigned"
	StatusExecuting   MissionStatus = "executing"
	StatusVerifying   MissionStatus = "verifying"
	StatusSettled     MissionStatus = "settled"
	StatusFailed      MissionStatus = "failed"
)

// Lifecycle lists the canonical forward path in order. Failed sits outside it.
var Lifecycle = []MissionStatus{
	StatusPosted,
	StatusBiddingOpen,
	StatusAssigned,
	StatusExecuting,
	StatusVerifying,
	StatusSettled,
}

var legacyStatus = map[string]MissionStatus{
	"open":      StatusPosted,
	"claimed":   StatusExecuting,
	"submitted": StatusVerifying,
	"verified":  StatusSettled,
	"rejected":  StatusFailed,
	"paid":      StatusSettled,
}

// ParseMissionStatus maps canonical names and legacy aliases onto the closed enum.
func ParseMissionStatus(s string) (MissionStatus, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch MissionStatus(v) {
	case StatusPosted, StatusBiddingOpen, StatusAssigned, StatusExecuting, StatusVerifying, StatusSettled, StatusFailed:
		return MissionStatus(v), nil
	}
	if st, ok := legacyStatus[v]; ok {
		return st, nil
	}
	return "", ValidationError{Field: "status", Msg: fmt.Sprintf("unknown mission status %q", s)}
}

// Terminal reports whether no further transition is possible.
func (s MissionStatus) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

type AssignmentMode string

const (
	ModeAutopilot  AssignmentMode = "autopilot"
	ModeBidding    AssignmentMode = "bidding"
	ModeCrew       AssignmentMode = "crew"
	ModeDirectHire AssignmentMode = "direct_hire"
)

func ParseAssignmentMode(s string) (AssignmentMode, error) {
	switch m := AssignmentMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAutopilot, ModeBidding, ModeCrew, ModeDirectHire:
		return m, nil
	case "":
		return ModeAutopilot, nil
	}
	return "", ValidationError{Field: "assignment_mode", Msg: fmt.Sprintf("unknown assignment mode %q", s)}
}

type SubtaskStatus string

const (
	SubtaskAvailable  SubtaskStatus = "available"
	SubtaskClaimed    SubtaskStatus = "claimed"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskBlocked    SubtaskStatus = "blocked"
	SubtaskFailed     SubtaskStatus = "failed"
)

type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToUpper(strings.TrimSpace(s))); v {
	case VerdictPass, VerdictFail:
		return v, nil
	}
	return "", ValidationError{Field: "verdict", Msg: fmt.Sprintf("verdict must be PASS or FAIL, got %q", s)}
}

type ConsensusStatus string

const (
	ConsensusReached  ConsensusStatus = "CONSENSUS"
	DisputeResolved   ConsensusStatus = "DISPUTE_RESOLVED"
	DisputeUnresolved ConsensusStatus = "DISPUTE_UNRESOLVED"
)

type BondType string

const (
	BondWorker   BondType = "worker"
	BondVerifier BondType = "verifier"
)
