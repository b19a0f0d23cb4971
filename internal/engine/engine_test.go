package engine_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/reputation"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	eng.Events.Now = clk.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clk}
}

func (env testEnv) agent(t *testing.T, id string, base float64, specialties ...string) {
	t.Helper()
	if _, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{ID: id, BaseScore: base, Specialties: specialties}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (env testEnv) fund(t *testing.T, account string, amount float64) {
	t.Helper()
	if _, err := env.Engine.Mint(env.Ctx, account, amount, "tester"); err != nil {
		t.Fatalf("mint %s: %v", account, err)
	}
}

func (env testEnv) balance(t *testing.T, account string) float64 {
	t.Helper()
	bal, err := env.Engine.Balance(env.Ctx, account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return bal
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func isConflict(err error) bool {
	var sc domain.StateConflictError
	return errors.As(err, &sc)
}

func TestAutopilotAssignsBestAgent(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.agent(t, "beta", 80)
	env.fund(t, "req", 1000)

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		Title: "Summarise logs", Reward: 500, Mode: domain.ModeAutopilot, RequesterID: "req",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.StatusAssigned || m.WorkerID != "alpha" {
		t.Fatalf("expected assigned to alpha, got %s/%s", m.Status, m.WorkerID)
	}
	if got := env.balance(t, "req"); !near(got, 500) {
		t.Fatalf("requester balance after escrow: %v", got)
	}
	if got := env.balance(t, domain.EscrowAccount(m.ID)); !near(got, 500) {
		t.Fatalf("escrow balance: %v", got)
	}
	if m.Timeline.AssignedAt == nil || m.Timeline.BiddingOpenAt != nil {
		t.Fatalf("unexpected timeline %+v", m.Timeline)
	}
	items, err := env.Engine.Inbox(env.Ctx, "alpha", false, 10)
	if err != nil || len(items) != 1 || items[0].TaskType != "mission.assigned" {
		t.Fatalf("expected assignment in inbox, got %+v err=%v", items, err)
	}
}

func TestAutopilotWithoutCandidatesStaysPosted(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100, "go")
	env.fund(t, "req", 100)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		Title: "Rust port", Reward: 50, RequesterID: "req", RequiredSpecialty: "rust",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.StatusPosted || m.WorkerID != "" {
		t.Fatalf("expected posted without worker, got %s/%s", m.Status, m.WorkerID)
	}
}

func TestCreateRejectsUnfundedRequester(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "req", 10)
	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Too rich", Reward: 50, RequesterID: "req"})
	if !isConflict(err) {
		t.Fatalf("expected insufficient balance conflict, got %v", err)
	}
	list, err := env.Engine.ListMissions(env.Ctx, nil, repo.MissionFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("mission must not persist: %+v err=%v", list, err)
	}
	if got := env.balance(t, "req"); !near(got, 10) {
		t.Fatalf("balance moved: %v", got)
	}
}

// settledMission runs a solo mission through three PASS votes.
func settledMission(t *testing.T, env testEnv) (domain.Mission, domain.Settlement) {
	t.Helper()
	env.agent(t, "alpha", 100)
	for _, v := range []string{"v1", "v2", "v3"} {
		env.agent(t, v, 50)
	}
	env.fund(t, "req", 1000)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		Title: "Write docs", Reward: 500, Mode: domain.ModeDirectHire, WorkerID: "alpha", RequesterID: "req",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartMission(env.Ctx, m.ID, "alpha"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, engine.SubmitOptions{
		MissionID: m.ID, ActorID: "alpha", Summary: "done",
		Artifacts: []domain.Artifact{{Name: "docs.md", URI: "file://docs.md"}},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, v := range []string{"v1", "v2", "v3"} {
		if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{MissionID: m.ID, VerifierID: v, Verdict: "pass"}); err != nil {
			t.Fatalf("vote %s: %v", v, err)
		}
	}
	rec, err := env.Engine.Verify(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	m, err = env.Engine.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	return m, rec
}

func TestVerifyPassPaysEveryone(t *testing.T) {
	env := newTestEnv(t)
	m, rec := settledMission(t, env)
	if m.Status != domain.StatusSettled || m.Escrow.Locked {
		t.Fatalf("expected settled with escrow released, got %s locked=%v", m.Status, m.Escrow.Locked)
	}
	if rec.Outcome != domain.VerdictPass || rec.Consensus == nil || rec.Consensus.Status != domain.ConsensusReached {
		t.Fatalf("unexpected settlement %+v", rec)
	}
	want := map[string]float64{"v1": 16.66, "v2": 16.66, "v3": 16.66, "protocol": 25, "alpha": 425.02}
	got := map[string]float64{}
	total := 0.0
	for acct := range want {
		got[acct] = math.Round(env.balance(t, acct)*100) / 100
		total += env.balance(t, acct)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("balances mismatch (-want +got):\n%s", diff)
	}
	if !near(total, 500) {
		t.Fatalf("payouts must sum to reward, got %v", total)
	}
	if bal := env.balance(t, domain.EscrowAccount(m.ID)); !near(bal, 0) {
		t.Fatalf("escrow not drained: %v", bal)
	}
	for _, s := range []domain.MissionStatus{domain.StatusAssigned, domain.StatusExecuting, domain.StatusVerifying, domain.StatusSettled} {
		if slot := m.Timeline.Slot(s); *slot == nil {
			t.Fatalf("timeline missing %s", s)
		}
	}
}

func TestSecondVerifyIsRejected(t *testing.T) {
	env := newTestEnv(t)
	m, _ := settledMission(t, env)
	before := env.balance(t, "alpha")
	_, err := env.Engine.Verify(env.Ctx, m.ID, "req")
	var already domain.AlreadySettledError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadySettledError, got %v", err)
	}
	if _, err := env.Engine.Payout(env.Ctx, m.ID, "req"); !errors.As(err, &already) {
		t.Fatalf("expected AlreadySettledError from payout, got %v", err)
	}
	if after := env.balance(t, "alpha"); after != before {
		t.Fatalf("balance moved on duplicate settle: %v -> %v", before, after)
	}
	history, err := env.Engine.AgentHistory(env.Ctx, "alpha")
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one history entry, got %d err=%v", len(history), err)
	}
}

func TestReputationFollowsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Economics.ProtocolFeeRate = 0
	env.agent(t, "alpha", 100)
	env.fund(t, "req", 1000)

	run := func(title string, approve bool) domain.Mission {
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
			Title: title, Reward: 100, Mode: domain.ModeDirectHire, WorkerID: "alpha", RequesterID: "req",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := env.Engine.StartMission(env.Ctx, m.ID, "alpha"); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := env.Engine.SubmitWork(env.Ctx, engine.SubmitOptions{MissionID: m.ID, ActorID: "alpha", Summary: "ok"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := env.Engine.ApproveWork(env.Ctx, engine.ApproveOptions{MissionID: m.ID, ActorID: "req", Approved: approve}); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if _, err := env.Engine.Payout(env.Ctx, m.ID, "req"); err != nil {
			t.Fatalf("payout: %v", err)
		}
		return m
	}

	run("First job", true)
	b, err := env.Engine.AgentReputation(env.Ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if reputation.Round2(b.Score) != 51.51 {
		t.Fatalf("expected 51.51 after one 100 PASS, got %v", b.Score)
	}
	first := b.Score

	run("Second job", false)
	b, err = env.Engine.AgentReputation(env.Ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !near(first-b.Score, 10) {
		t.Fatalf("fail should cost 10, moved %v", first-b.Score)
	}
	a, err := env.Engine.GetAgent(env.Ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !near(a.Reputation, b.Score) || a.JobCount != 1 {
		t.Fatalf("directory projection stale: %+v", a)
	}
	if got := env.balance(t, "req"); !near(got, 900) {
		t.Fatalf("failed job must refund requester, balance %v", got)
	}
}

func TestCrewDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.agent(t, "beta", 100)
	env.fund(t, "req", 300)

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Ship feature", Reward: 300, Mode: domain.ModeCrew, RequesterID: "req"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.StatusPosted {
		t.Fatalf("crew mission should wait for crew, got %s", m.Status)
	}
	m, err = env.Engine.InitializeCrew(env.Ctx, engine.CrewInitOptions{
		MissionID: m.ID, ActorID: "req", Members: []string{"alpha", "beta"}, Lead: "alpha",
		Subtasks: []domain.Subtask{
			{ID: "design", Title: "Design"},
			{ID: "build", Title: "Build", Dependencies: []string{"design"}},
		},
	})
	if err != nil {
		t.Fatalf("init crew: %v", err)
	}
	if m.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", m.Status)
	}

	if _, err := env.Engine.ClaimSubtask(env.Ctx, m.ID, "build", "beta", ""); !isConflict(err) {
		t.Fatalf("expected dependency conflict, got %v", err)
	}
	avail, err := env.Engine.ListAvailableSubtasks(env.Ctx, m.ID)
	if err != nil || len(avail) != 1 || avail[0].ID != "design" {
		t.Fatalf("expected only design available, got %+v err=%v", avail, err)
	}
	if _, err := env.Engine.ClaimSubtask(env.Ctx, m.ID, "design", "alpha", ""); err != nil {
		t.Fatalf("claim design: %v", err)
	}
	if m, _ = env.Engine.GetMission(env.Ctx, m.ID); m.Status != domain.StatusExecuting {
		t.Fatalf("first claim should start the mission, got %s", m.Status)
	}
	if _, err := env.Engine.StartSubtask(env.Ctx, m.ID, "design", "alpha"); err != nil {
		t.Fatalf("start design: %v", err)
	}
	res, err := env.Engine.CompleteSubtask(env.Ctx, m.ID, "design", "alpha", nil)
	if err != nil {
		t.Fatalf("complete design: %v", err)
	}
	if diff := cmp.Diff([]string{"build"}, res.Unblocked); diff != "" {
		t.Fatalf("unblocked mismatch (-want +got):\n%s", diff)
	}
	if _, err := env.Engine.ClaimSubtask(env.Ctx, m.ID, "build", "beta", domain.SubtaskAvailable); err != nil {
		t.Fatalf("claim build: %v", err)
	}
	res, err = env.Engine.CompleteSubtask(env.Ctx, m.ID, "build", "beta", []domain.Artifact{{Name: "binary"}})
	if err != nil {
		t.Fatalf("complete build: %v", err)
	}
	if res.Mission.Status != domain.StatusVerifying {
		t.Fatalf("last completion should submit, got %s", res.Mission.Status)
	}

	if _, err := env.Engine.ApproveWork(env.Ctx, engine.ApproveOptions{MissionID: m.ID, ActorID: "req", Approved: true}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	rec, err := env.Engine.Payout(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if rec.Outcome != domain.VerdictPass {
		t.Fatalf("expected PASS, got %s", rec.Outcome)
	}
	for _, id := range []string{"alpha", "beta"} {
		if got := env.balance(t, id); !near(got, 142.5) {
			t.Fatalf("%s expected 142.5, got %v", id, got)
		}
	}
}

func TestBlockerHoldsSubtask(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.fund(t, "req", 100)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Crew job", Reward: 100, Mode: domain.ModeCrew, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.InitializeCrew(env.Ctx, engine.CrewInitOptions{
		MissionID: m.ID, ActorID: "req", Members: []string{"alpha"},
		Subtasks: []domain.Subtask{{ID: "s1", Title: "Only"}},
	}); err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.AddBlocker(env.Ctx, m.ID, "s1", "waiting on credentials", "alpha")
	if err != nil {
		t.Fatalf("add blocker: %v", err)
	}
	if _, err := env.Engine.ClaimSubtask(env.Ctx, m.ID, "s1", "alpha", ""); !isConflict(err) {
		t.Fatalf("blocked subtask must not be claimable, got %v", err)
	}
	if _, err := env.Engine.ResolveBlocker(env.Ctx, m.ID, b.ID, "req"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.ClaimSubtask(env.Ctx, m.ID, "s1", "alpha", ""); err != nil {
		t.Fatalf("claim after resolve: %v", err)
	}
}

func TestCrewRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "req", 100)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Loop", Reward: 100, Mode: domain.ModeCrew, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.InitializeCrew(env.Ctx, engine.CrewInitOptions{
		MissionID: m.ID, ActorID: "req",
		Subtasks: []domain.Subtask{
			{ID: "a", Title: "A", Dependencies: []string{"b"}},
			{ID: "b", Title: "B", Dependencies: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
	subs, err := env.Engine.ListSubtasks(env.Ctx, m.ID)
	if err != nil || len(subs) != 0 {
		t.Fatalf("nothing should be stored, got %+v err=%v", subs, err)
	}
}

func TestCloseBiddingIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.agent(t, "beta", 100)
	env.fund(t, "req", 100)
	env.fund(t, "beta", 50)

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		Title: "Auction", Reward: 100, Mode: domain.ModeBidding, RequesterID: "req", BiddingWindow: time.Minute,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Status != domain.StatusBiddingOpen || m.BiddingClosesAt == nil {
		t.Fatalf("expected bidding_open, got %s", m.Status)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, domain.Bid{MissionID: m.ID, AgentID: "alpha", Price: 80, ETASeconds: 3600}); err != nil {
		t.Fatalf("bid alpha: %v", err)
	}
	if _, err := env.Engine.SubmitBid(env.Ctx, domain.Bid{MissionID: m.ID, AgentID: "beta", Price: 100, ETASeconds: 3600, BondOffered: 10}); err != nil {
		t.Fatalf("bid beta: %v", err)
	}
	if got := env.balance(t, "beta"); !near(got, 40) {
		t.Fatalf("bid bond not locked: %v", got)
	}

	closed, err := env.Engine.CloseDueBidding(env.Ctx, "scheduler")
	if err != nil || len(closed) != 0 {
		t.Fatalf("window still open, closed=%d err=%v", len(closed), err)
	}
	env.Clock.Advance(2 * time.Minute)
	if _, err := env.Engine.SubmitBid(env.Ctx, domain.Bid{MissionID: m.ID, AgentID: "alpha", Price: 70}); !isConflict(err) {
		t.Fatalf("late bid should conflict, got %v", err)
	}
	closed, err = env.Engine.CloseDueBidding(env.Ctx, "scheduler")
	if err != nil || len(closed) != 1 {
		t.Fatalf("expected one close, got %d err=%v", len(closed), err)
	}
	res := closed[0]
	if res.Winner == nil || res.Winner.AgentID != "alpha" || res.Mission.Status != domain.StatusAssigned {
		t.Fatalf("expected alpha assigned, got %+v", res)
	}
	if got := env.balance(t, "beta"); !near(got, 50) {
		t.Fatalf("losing bond not released: %v", got)
	}

	again, err := env.Engine.CloseBidding(env.Ctx, m.ID, "scheduler")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if again.Closed || again.Mission.WorkerID != "alpha" {
		t.Fatalf("second close must be a no-op, got %+v", again)
	}
	evs, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{MissionID: m.ID, Type: "mission.assigned"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected one assignment event, got %d", len(evs))
	}
}

func TestBiddingWithoutBidsReturnsToPosted(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "req", 100)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Quiet", Reward: 100, Mode: domain.ModeBidding, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.CloseBidding(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Closed || res.Winner != nil || res.Mission.Status != domain.StatusPosted {
		t.Fatalf("expected posted with no winner, got %+v", res)
	}
}

func TestConcurrentClaimOneWinner(t *testing.T) {
	env := newTestEnv(t)
	agents := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, id := range agents {
		env.agent(t, id, 100)
	}
	env.fund(t, "req", 100)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Race", Reward: 100, Mode: domain.ModeDirectHire, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for _, id := range agents {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.ClaimMission(env.Ctx, m.ID, id, "open")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case isConflict(err):
				conflicts++
			default:
				t.Errorf("claim %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	if len(winners) != 1 || conflicts != len(agents)-1 {
		t.Fatalf("expected exactly one winner, got winners=%v conflicts=%d", winners, conflicts)
	}
	got, err := env.Engine.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID != winners[0] || got.Status != domain.StatusExecuting {
		t.Fatalf("stored mission disagrees with winner: %s/%s", got.WorkerID, got.Status)
	}
	// Claiming skips assigned; its timestamp is backfilled with the claim time.
	if got.Timeline.AssignedAt == nil || got.Timeline.ExecutingAt == nil || *got.Timeline.AssignedAt != *got.Timeline.ExecutingAt {
		t.Fatalf("expected backfilled assigned_at, got %+v", got.Timeline)
	}
	if got.Timeline.BiddingOpenAt != nil {
		t.Fatalf("bidding_open_at must stay unset")
	}
}

func TestRevisionLimitFailsMission(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Economics.MaxRevisions = 1
	env.agent(t, "alpha", 100)
	env.fund(t, "req", 200)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Picky", Reward: 200, Mode: domain.ModeDirectHire, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimMission(env.Ctx, m.ID, "alpha", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	submit := func() {
		t.Helper()
		if _, err := env.Engine.SubmitWork(env.Ctx, engine.SubmitOptions{MissionID: m.ID, ActorID: "alpha", Summary: "try"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	submit()
	if _, err := env.Engine.RequestRevision(env.Ctx, m.ID, "alpha", "not mine to ask"); err == nil {
		t.Fatalf("only the requester may ask for revisions")
	}
	m, err = env.Engine.RequestRevision(env.Ctx, m.ID, "req", "more tests")
	if err != nil || m.Status != domain.StatusExecuting {
		t.Fatalf("first revision: status=%s err=%v", m.Status, err)
	}
	submit()
	m, err = env.Engine.RequestRevision(env.Ctx, m.ID, "req", "still not right")
	if err != nil {
		t.Fatalf("second revision: %v", err)
	}
	if m.Status != domain.StatusFailed {
		t.Fatalf("expected failed after revision limit, got %s", m.Status)
	}
	if got := env.balance(t, "req"); !near(got, 200) {
		t.Fatalf("requester not refunded: %v", got)
	}
}

func TestExpireOverdue(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.agent(t, "beta", 100)
	env.fund(t, "req", 300)

	slow, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Slow job", Reward: 100, Mode: domain.ModeDirectHire, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimMission(env.Ctx, slow.ID, "alpha", ""); err != nil {
		t.Fatal(err)
	}
	review, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Unreviewed", Reward: 100, Mode: domain.ModeDirectHire, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimMission(env.Ctx, review.ID, "beta", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, engine.SubmitOptions{MissionID: review.ID, ActorID: "beta", Summary: "done"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveWork(env.Ctx, engine.ApproveOptions{MissionID: review.ID, ActorID: "req", Approved: true}); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.ExpireOverdue(env.Ctx, "scheduler")
	if err != nil || len(got) != 0 {
		t.Fatalf("nothing should expire yet: %+v err=%v", got, err)
	}
	env.Clock.Advance(25 * time.Hour)
	got, err = env.Engine.ExpireOverdue(env.Ctx, "scheduler")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	outcomes := map[string]domain.Verdict{}
	for _, e := range got {
		outcomes[e.MissionID] = e.Outcome
	}
	want := map[string]domain.Verdict{slow.ID: domain.VerdictFail, review.ID: domain.VerdictPass}
	if diff := cmp.Diff(want, outcomes); diff != "" {
		t.Fatalf("expiry outcomes mismatch (-want +got):\n%s", diff)
	}
	if again, err := env.Engine.ExpireOverdue(env.Ctx, "scheduler"); err != nil || len(again) != 0 {
		t.Fatalf("second sweep must be empty: %+v err=%v", again, err)
	}
	m, _ := env.Engine.GetMission(env.Ctx, slow.ID)
	if m.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", m.Status)
	}
}

func TestStartRequiresAssignedWorker(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.agent(t, "beta", 100)
	env.fund(t, "req", 100)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Mine", Reward: 100, Mode: domain.ModeDirectHire, WorkerID: "alpha", RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.StartMission(env.Ctx, m.ID, "beta")
	var authErr domain.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, engine.SubmitOptions{MissionID: m.ID, ActorID: "alpha"}); !isConflict(err) {
		t.Fatalf("submit before start should conflict, got %v", err)
	}
}

func TestVoteRules(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.agent(t, "v1", 50)
	env.fund(t, "req", 100)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Checked", Reward: 100, Mode: domain.ModeDirectHire, WorkerID: "alpha", RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{MissionID: m.ID, VerifierID: "v1", Verdict: "PASS"}); !isConflict(err) {
		t.Fatalf("vote before submission should conflict, got %v", err)
	}
	if _, err := env.Engine.StartMission(env.Ctx, m.ID, "alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, engine.SubmitOptions{MissionID: m.ID, ActorID: "alpha"}); err != nil {
		t.Fatal(err)
	}
	var authErr domain.AuthorizationError
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{MissionID: m.ID, VerifierID: "alpha", Verdict: "PASS"}); !errors.As(err, &authErr) {
		t.Fatalf("worker must not vote, got %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{MissionID: m.ID, VerifierID: "v1", Verdict: "maybe"}); err == nil {
		t.Fatalf("expected invalid verdict error")
	}
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{MissionID: m.ID, VerifierID: "v1", Verdict: "fail"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{MissionID: m.ID, VerifierID: "v1", Verdict: "pass"}); !isConflict(err) {
		t.Fatalf("duplicate vote should conflict, got %v", err)
	}
	rec, err := env.Engine.Verify(env.Ctx, m.ID, "req")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Outcome != domain.VerdictFail {
		t.Fatalf("expected FAIL, got %s", rec.Outcome)
	}
	if got := env.balance(t, "req"); !near(got, 100) {
		t.Fatalf("refund expected, got %v", got)
	}
}

func TestLiveConfigOverrides(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Economics.MinReward = 1000
	env.Engine.Live = config.NewLive(cfg)
	env.fund(t, "req", 100)
	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Cheap", Reward: 100, RequesterID: "req"})
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "reward" {
		t.Fatalf("expected reward validation from live config, got %v", err)
	}
}

func TestFailCrewWithoutMembersRefundsRequester(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Bonds.WorkerStake = 20
	env.agent(t, "alpha", 100)
	env.agent(t, "beta", 100)
	env.fund(t, "req", 300)
	env.fund(t, "alpha", 20)

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Abandoned", Reward: 300, Mode: domain.ModeCrew, RequesterID: "req"})
	if err != nil {
		t.Fatal(err)
	}
	subtasks := []domain.Subtask{{ID: "a", Title: "A"}}
	if _, err := env.Engine.InitializeCrew(env.Ctx, engine.CrewInitOptions{
		MissionID: m.ID, ActorID: "req", Members: []string{"alpha", "beta"}, Subtasks: subtasks,
	}); err == nil {
		t.Fatalf("beta cannot cover the stake, init must fail")
	}
	if _, err := env.Engine.InitializeCrew(env.Ctx, engine.CrewInitOptions{
		MissionID: m.ID, ActorID: "req", Members: []string{"alpha"}, Subtasks: subtasks,
	}); err != nil {
		t.Fatalf("init crew: %v", err)
	}
	if got := env.balance(t, "alpha"); !near(got, 0) {
		t.Fatalf("member stake not locked: %v", got)
	}
	if _, err := env.Engine.ClaimSubtask(env.Ctx, m.ID, "a", "alpha", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.RemoveCrewMember(env.Ctx, m.ID, "alpha", "req"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := env.balance(t, "alpha"); !near(got, 20) {
		t.Fatalf("removed member stake not returned: %v", got)
	}

	failed, err := env.Engine.FailMission(env.Ctx, m.ID, "req", "crew walked away")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.StatusFailed || failed.Escrow.Locked {
		t.Fatalf("expected failed with escrow released, got %s locked=%v", failed.Status, failed.Escrow.Locked)
	}
	if got := env.balance(t, "req"); !near(got, 300) {
		t.Fatalf("requester not refunded: %v", got)
	}
	if got := env.balance(t, domain.EscrowAccount(m.ID)); !near(got, 0) {
		t.Fatalf("escrow not drained: %v", got)
	}
	rec, err := env.Engine.Settlement(env.Ctx, m.ID)
	if err != nil || rec.Outcome != domain.VerdictFail {
		t.Fatalf("expected FAIL settlement, got %+v err=%v", rec, err)
	}
	history, err := env.Engine.AgentHistory(env.Ctx, "alpha")
	if err != nil || len(history) != 0 {
		t.Fatalf("removed member must not be charged a job, got %+v err=%v", history, err)
	}
}

func TestExpireOverdueContinuesPastBrokenMission(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "alpha", 100)
	env.agent(t, "beta", 100)
	env.fund(t, "req", 200)

	claimed := func(title, agent string) domain.Mission {
		t.Helper()
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: title, Reward: 100, Mode: domain.ModeDirectHire, RequesterID: "req"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.ClaimMission(env.Ctx, m.ID, agent, ""); err != nil {
			t.Fatal(err)
		}
		return m
	}
	broken := claimed("Broken", "alpha")
	healthy := claimed("Healthy", "beta")
	// A lost worker makes the broken mission impossible to settle.
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE missions SET worker_id=NULL WHERE id=?`, broken.ID); err != nil {
		t.Fatal(err)
	}

	env.Clock.Advance(25 * time.Hour)
	got, err := env.Engine.ExpireOverdue(env.Ctx, "scheduler")
	if err == nil {
		t.Fatalf("expected the broken mission to be reported")
	}
	if len(got) != 1 || got[0].MissionID != healthy.ID {
		t.Fatalf("healthy mission must still expire, got %+v", got)
	}
	m, _ := env.Engine.GetMission(env.Ctx, healthy.ID)
	if m.Status != domain.StatusFailed {
		t.Fatalf("expected healthy mission failed, got %s", m.Status)
	}
	m, _ = env.Engine.GetMission(env.Ctx, broken.ID)
	if m.Status != domain.StatusExecuting {
		t.Fatalf("broken mission must be left untouched, got %s", m.Status)
	}
}

func TestWorkerStakeLockedOnAssignment(t *testing.T) {
	const stake = 20
	setup := func(t *testing.T) testEnv {
		env := newTestEnv(t)
		env.Engine.Config.Bonds.WorkerStake = stake
		env.fund(t, "req", 100)
		return env
	}
	bonded := func(t *testing.T, env testEnv, agent string) float64 {
		t.Helper()
		_, total, err := env.Engine.AgentBonds(env.Ctx, agent)
		if err != nil {
			t.Fatal(err)
		}
		return total
	}

	t.Run("direct hire", func(t *testing.T) {
		env := setup(t)
		env.agent(t, "alpha", 100)
		env.fund(t, "alpha", 50)
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
			Title: "Hired", Reward: 100, Mode: domain.ModeDirectHire, WorkerID: "alpha", RequesterID: "req",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if got := bonded(t, env, "alpha"); !near(got, stake) {
			t.Fatalf("expected %v bonded, got %v", stake, got)
		}
		if _, err := env.Engine.StartMission(env.Ctx, m.ID, "alpha"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.FailMission(env.Ctx, m.ID, "req", "no show"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		if got := env.balance(t, "req"); !near(got, 100+stake) {
			t.Fatalf("requester should get refund plus slashed stake, got %v", got)
		}
		if got := bonded(t, env, "alpha"); got != 0 {
			t.Fatalf("stake still locked after settlement: %v", got)
		}
	})

	t.Run("autopilot skips agents who cannot stake", func(t *testing.T) {
		env := setup(t)
		env.agent(t, "broke", 100)
		env.agent(t, "funded", 50)
		env.fund(t, "funded", stake)
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Auto", Reward: 100, Mode: domain.ModeAutopilot, RequesterID: "req"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if m.WorkerID != "funded" {
			t.Fatalf("expected funded agent assigned, got %q", m.WorkerID)
		}
		if got := bonded(t, env, "funded"); !near(got, stake) {
			t.Fatalf("expected stake locked, got %v", got)
		}
	})

	t.Run("bid winner keeps its bid bond", func(t *testing.T) {
		env := setup(t)
		env.agent(t, "beta", 100)
		env.fund(t, "beta", 50)
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Auction", Reward: 100, Mode: domain.ModeBidding, RequesterID: "req"})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.SubmitBid(env.Ctx, domain.Bid{MissionID: m.ID, AgentID: "beta", Price: 90, ETASeconds: 60, BondOffered: 10}); err != nil {
			t.Fatalf("bid: %v", err)
		}
		res, err := env.Engine.CloseBidding(env.Ctx, m.ID, "req")
		if err != nil || res.Winner == nil || res.Winner.AgentID != "beta" {
			t.Fatalf("expected beta to win, got %+v err=%v", res, err)
		}
		if got := bonded(t, env, "beta"); !near(got, 10) {
			t.Fatalf("winner must not be bonded twice, got %v", got)
		}
	})
}
