package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"time"

	"missionline/internal/assignment"
	"missionline/internal/bonds"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/reputation"
	"missionline/internal/settlement"
)

// Engine runs the mission lifecycle. Every exported operation runs in one
// SQL transaction: reads, CAS writes, ledger movements and the event it
// appends commit together or not at all.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	// Live, when set, overrides Config so a running daemon can hot-reload.
	Live       *config.Live
	Reputation *reputation.Cache
	Logger     *log.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	cache, err := reputation.NewCache(cfg.Reputation.CacheSize, reputation.DefaultRules())
	if err != nil {
		cache = nil
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{Now: time.Now},
		Config:     cfg,
		Reputation: cache,
		Logger:     log.New(io.Discard, "", 0),
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) cfg() *config.Config {
	if c := e.Live.Get(); c != nil {
		return c
	}
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf("engine: "+format, args...)
	}
}

// inTx runs fn with a Repo bound to a fresh transaction and commits if fn
// succeeds.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx, r repo.Repo) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()
	if err := fn(tx, e.Repo.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) bondManager(r repo.Repo) bonds.Manager {
	return bonds.Manager{Store: r, Ledger: r, MaxActive: e.cfg().Bonds.MaxActive, Now: e.now}
}

func (e Engine) settler(r repo.Repo) settlement.Settler {
	c := e.cfg()
	return settlement.Settler{
		Store:           r,
		Ledger:          r,
		Directory:       r,
		Bonds:           e.bondManager(r),
		Rates:           settlement.Rates{ProtocolFee: c.Economics.ProtocolFeeRate, VerifierPool: c.Economics.VerifierRate},
		ProtocolAccount: c.Economics.ProtocolAccount,
		Now:             e.now,
	}
}

func (e Engine) tracker(r repo.Repo) assignment.Tracker {
	return assignment.Tracker{Store: r, Window: e.cfg().Assignment.HistoryWindow}
}

func (e Engine) policy() assignment.Policy {
	a := e.cfg().Assignment
	return assignment.Policy{MonopolyThreshold: a.MonopolyThreshold, MonopolyStep: a.MonopolyStep, MonopolyFloor: a.MonopolyFloor}
}

var missionTransitions = map[domain.MissionStatus][]domain.MissionStatus{
	domain.StatusPosted:      {domain.StatusBiddingOpen, domain.StatusAssigned, domain.StatusExecuting},
	domain.StatusBiddingOpen: {domain.StatusAssigned, domain.StatusPosted},
	domain.StatusAssigned:    {domain.StatusExecuting},
	domain.StatusExecuting:   {domain.StatusVerifying, domain.StatusFailed},
	domain.StatusVerifying:   {domain.StatusExecuting, domain.StatusSettled, domain.StatusFailed},
}

func ensureMissionTransition(from, to domain.MissionStatus) error {
	for _, s := range missionTransitions[from] {
		if s == to {
			return nil
		}
	}
	return domain.Conflictf(string(from), string(to), "invalid mission transition %s -> %s", from, to)
}

// stampTimeline sets the timestamp for to and backfills any unset canonical
// predecessor with the same instant. Existing timestamps are never touched.
// bidding_open is only backfilled for missions that went through bidding.
func stampTimeline(t *domain.Timeline, mode domain.AssignmentMode, to domain.MissionStatus, at string) {
	set := func(s domain.MissionStatus) {
		slot := t.Slot(s)
		if slot != nil && *slot == nil {
			v := at
			*slot = &v
		}
	}
	if to == domain.StatusFailed {
		set(domain.StatusFailed)
		return
	}
	for _, s := range domain.Lifecycle {
		if s == domain.StatusBiddingOpen && to != s && mode != domain.ModeBidding {
			continue
		}
		set(s)
		if s == to {
			return
		}
	}
}

// transition moves m to the target status with a status+version CAS and
// appends a transition event. Callers mutate other fields of m first.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, r repo.Repo, m domain.Mission, to domain.MissionStatus, actorID string, extra events.EventPayload) (domain.Mission, error) {
	from, version := m.Status, m.Version
	if err := ensureMissionTransition(from, to); err != nil {
		return m, err
	}
	at := e.stamp()
	m.Status = to
	m.UpdatedAt = at
	stampTimeline(&m.Timeline, m.Mode, to, at)
	m, err := r.UpdateMission(ctx, m, from, version)
	if err != nil {
		return m, err
	}
	payload := events.EventPayload{"from": string(from), "to": string(to)}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.events().Append(ctx, tx, events.MissionTransition, m.ID, "mission", m.ID, actorID, payload); err != nil {
		return m, err
	}
	return m, nil
}

// save writes field changes that do not move the status.
func (e Engine) save(ctx context.Context, r repo.Repo, m domain.Mission) (domain.Mission, error) {
	m.UpdatedAt = e.stamp()
	return r.UpdateMission(ctx, m, m.Status, m.Version)
}

func requireStatus(m domain.Mission, op string, allowed ...domain.MissionStatus) error {
	for _, s := range allowed {
		if m.Status == s {
			return nil
		}
	}
	return domain.Conflictf(string(allowed[0]), string(m.Status), "mission is %s, cannot %s (expected %s)", m.Status, op, allowed[0])
}

func requireWorker(m domain.Mission, actorID string) error {
	if m.WorkerID == "" || m.WorkerID != actorID {
		return domain.AuthorizationError{ActorID: actorID, Role: "assigned worker", Subject: "mission " + m.ID}
	}
	return nil
}

func requireRequester(m domain.Mission, actorID string) error {
	if m.RequesterID != actorID {
		return domain.AuthorizationError{ActorID: actorID, Role: "requester", Subject: "mission " + m.ID}
	}
	return nil
}

func isCrewMember(m domain.Mission, agentID string) bool {
	for _, c := range m.CrewAssignments {
		if c.AgentID == agentID {
			return true
		}
	}
	return false
}

// notify enqueues an inbox item for an agent. Dispatch is part of the
// operation's transaction so an assignment is never committed unannounced.
func (e Engine) notify(ctx context.Context, r repo.Repo, agentID, taskType string, m domain.Mission, priority int, extra map[string]any) error {
	if agentID == "" {
		return nil
	}
	payload := map[string]any{"mission_id": m.ID, "title": m.Title, "reward": m.Reward, "status": string(m.Status)}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := r.Enqueue(ctx, agentID, taskType, payload, priority); err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", taskType, agentID, err)
	}
	return nil
}
