package repo_test

import (
	"context"
	"errors"
	"testing"

	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestTransferMovesFunds(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.Mint(ctx, "alice", 100, "seed"); err != nil {
		t.Fatal(err)
	}
	if err := r.Transfer(ctx, "alice", "bob", 40, "pay", ""); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := r.Balance(ctx, "alice")
	b, _ := r.Balance(ctx, "bob")
	if a != 60 || b != 40 {
		t.Fatalf("expected 60/40, got %v/%v", a, b)
	}
	supply, err := r.TotalSupply(ctx)
	if err != nil || supply != 100 {
		t.Fatalf("transfers must conserve supply, got %v err=%v", supply, err)
	}
	entries, err := r.LedgerEntries(ctx, repo.LedgerFilters{Account: "bob"})
	if err != nil || len(entries) != 1 || entries[0].From != "alice" {
		t.Fatalf("expected one entry into bob, got %+v err=%v", entries, err)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.Mint(ctx, "alice", 10, "seed"); err != nil {
		t.Fatal(err)
	}
	err := r.Transfer(ctx, "alice", "bob", 25, "pay", "")
	var sc domain.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if a, _ := r.Balance(ctx, "alice"); a != 10 {
		t.Fatalf("failed transfer moved funds: %v", a)
	}
	if err := r.Transfer(ctx, "alice", "bob", -1, "pay", ""); err == nil {
		t.Fatalf("negative transfer must be rejected")
	}
	if err := r.Mint(ctx, "alice", 0, "seed"); err == nil {
		t.Fatalf("zero mint must be rejected")
	}
}

func TestUpdateMissionCompareAndSwap(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	m := domain.Mission{ID: "m1", Title: "Job", Reward: 10, Status: domain.StatusPosted, Mode: domain.ModeAutopilot, RequesterID: "req", Version: 1, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertMission(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	next := m
	next.Status = domain.StatusExecuting
	next.WorkerID = "alpha"
	updated, err := r.UpdateMission(ctx, next, domain.StatusPosted, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	stale := m
	stale.Status = domain.StatusExecuting
	stale.WorkerID = "beta"
	_, err = r.UpdateMission(ctx, stale, domain.StatusPosted, 1)
	var sc domain.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected CAS conflict, got %v", err)
	}
	got, err := r.GetMission(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID != "alpha" {
		t.Fatalf("stale write won: %s", got.WorkerID)
	}
	if _, err := r.GetMission(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSettlementRecordedOnce(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	s := domain.Settlement{MissionID: "m1", Outcome: domain.VerdictPass, Payouts: []domain.Payout{{Recipient: "alpha", Amount: 10, Reason: "worker.share"}}, Total: 10, SettledAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertSettlement(ctx, s); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := r.InsertSettlement(ctx, s)
	var already domain.AlreadySettledError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadySettledError, got %v", err)
	}
	got, err := r.GetSettlement(ctx, "m1")
	if err != nil || len(got.Payouts) != 1 || got.Total != 10 {
		t.Fatalf("unexpected settlement %+v err=%v", got, err)
	}
}

func TestAppendHistoryIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	e := domain.JobHistoryEntry{EntryID: "m1:solo", AgentID: "alpha", MissionID: "m1", Reward: 50, Outcome: domain.VerdictPass, RequesterID: "req", RecordedAt: "2024-01-01T00:00:00Z"}
	inserted, err := r.AppendHistory(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("first append: inserted=%v err=%v", inserted, err)
	}
	inserted, err = r.AppendHistory(ctx, e)
	if err != nil || inserted {
		t.Fatalf("second append must be a no-op: inserted=%v err=%v", inserted, err)
	}
	h, err := r.ListHistory(ctx, "alpha")
	if err != nil || len(h) != 1 {
		t.Fatalf("expected one entry, got %d err=%v", len(h), err)
	}
}

func TestInboxAck(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	item, err := r.Enqueue(ctx, "alpha", "mission.assigned", map[string]any{"mission_id": "m1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Ack(ctx, "beta", item.ID); err == nil {
		t.Fatalf("another agent must not ack the item")
	}
	if err := r.Ack(ctx, "alpha", item.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := r.Inbox(ctx, "alpha", false, 0)
	if err != nil || len(pending) != 0 {
		t.Fatalf("acked item still pending: %+v err=%v", pending, err)
	}
	all, err := r.Inbox(ctx, "alpha", true, 0)
	if err != nil || len(all) != 1 || all[0].AckedAt == nil {
		t.Fatalf("expected acked item in full listing: %+v err=%v", all, err)
	}
}
