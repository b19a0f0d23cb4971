package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
)

// Repo is the SQLite store. The zero tx runs statements on DB; WithTx binds
// every method to an open transaction.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx returns a Repo whose statements run inside tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	r.tx = tx
	return r
}

func (r Repo) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

type scanner interface {
	Scan(dest ...any) error
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return domain.PersistenceError{Op: op, Err: err}
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

const missionCols = `id,title,COALESCE(description,''),reward,status,mode,requester_id,COALESCE(worker_id,''),COALESCE(required_specialty,''),
escrow_locked,escrow_amount,posted_at,bidding_open_at,assigned_at,executing_at,verifying_at,settled_at,failed_at,bidding_closes_at,
crew_config_json,crew_assignments_json,artifacts_json,blockers_json,submission_json,verification_json,revisions_json,version,created_at,updated_at`

func scanMission(row scanner) (domain.Mission, error) {
	var m domain.Mission
	var locked int
	var posted, bidding, assigned, executing, verifying, settled, failed, closes sql.NullString
	var crewCfg, submission, verification sql.NullString
	var crewAssignments, artifacts, blockers, revisions string
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Reward, &m.Status, &m.Mode, &m.RequesterID, &m.WorkerID, &m.RequiredSpecialty,
		&locked, &m.Escrow.Amount, &posted, &bidding, &assigned, &executing, &verifying, &settled, &failed, &closes,
		&crewCfg, &crewAssignments, &artifacts, &blockers, &submission, &verification, &revisions, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	m.Escrow.Locked = locked == 1
	m.Timeline = domain.Timeline{
		PostedAt:      nullStringPtr(posted),
		BiddingOpenAt: nullStringPtr(bidding),
		AssignedAt:    nullStringPtr(assigned),
		ExecutingAt:   nullStringPtr(executing),
		VerifyingAt:   nullStringPtr(verifying),
		SettledAt:     nullStringPtr(settled),
		FailedAt:      nullStringPtr(failed),
	}
	m.BiddingClosesAt = nullStringPtr(closes)
	if err := unmarshalOptional(crewCfg, &m.CrewConfig); err != nil {
		return m, err
	}
	if err := unmarshalOptional(submission, &m.Submission); err != nil {
		return m, err
	}
	if err := unmarshalOptional(verification, &m.Verification); err != nil {
		return m, err
	}
	for _, pair := range []struct {
		raw string
		dst any
	}{
		{crewAssignments, &m.CrewAssignments},
		{artifacts, &m.Artifacts},
		{blockers, &m.Blockers},
		{revisions, &m.RevisionHistory},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return m, fmt.Errorf("decode mission %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, m domain.Mission) error {
	args, err := missionArgs(m)
	if err != nil {
		return err
	}
	args = append([]any{m.ID}, args...)
	args = append(args, m.Version, m.CreatedAt)
	_, err = r.q().ExecContext(ctx, `INSERT INTO missions(id,title,description,reward,status,mode,requester_id,worker_id,required_specialty,
escrow_locked,escrow_amount,posted_at,bidding_open_at,assigned_at,executing_at,verifying_at,settled_at,failed_at,bidding_closes_at,
crew_config_json,crew_assignments_json,artifacts_json,blockers_json,submission_json,verification_json,revisions_json,updated_at,version,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return persistErr("insert mission", err)
}

// missionArgs returns the mutable columns in UpdateMission order, ending with updated_at.
func missionArgs(m domain.Mission) ([]any, error) {
	crewCfg, err := marshalOptional(m.CrewConfig)
	if err != nil {
		return nil, err
	}
	submission, err := marshalOptional(m.Submission)
	if err != nil {
		return nil, err
	}
	verification, err := marshalOptional(m.Verification)
	if err != nil {
		return nil, err
	}
	var lists []any
	for _, v := range []any{m.CrewAssignments, m.Artifacts, m.Blockers, m.RevisionHistory} {
		lists = append(lists, marshalList(v))
	}
	locked := 0
	if m.Escrow.Locked {
		locked = 1
	}
	t := m.Timeline
	return []any{
		m.Title, nullable(m.Description), m.Reward, string(m.Status), string(m.Mode), m.RequesterID, nullable(m.WorkerID), nullable(m.RequiredSpecialty),
		locked, m.Escrow.Amount,
		nullableStringPtr(t.PostedAt), nullableStringPtr(t.BiddingOpenAt), nullableStringPtr(t.AssignedAt), nullableStringPtr(t.ExecutingAt),
		nullableStringPtr(t.VerifyingAt), nullableStringPtr(t.SettledAt), nullableStringPtr(t.FailedAt), nullableStringPtr(m.BiddingClosesAt),
		crewCfg, lists[0], lists[1], lists[2], submission, verification, lists[3], m.UpdatedAt,
	}, nil
}

// UpdateMission writes m only if the stored row still has expectedStatus and
// expectedVersion, then bumps the version. A mismatch is a StateConflictError.
func (r Repo) UpdateMission(ctx context.Context, m domain.Mission, expectedStatus domain.MissionStatus, expectedVersion int64) (domain.Mission, error) {
	args, err := missionArgs(m)
	if err != nil {
		return m, err
	}
	args = append(args, m.ID, string(expectedStatus), expectedVersion)
	res, err := r.q().ExecContext(ctx, `UPDATE missions SET title=?,description=?,reward=?,status=?,mode=?,requester_id=?,worker_id=?,required_specialty=?,
escrow_locked=?,escrow_amount=?,posted_at=?,bidding_open_at=?,assigned_at=?,executing_at=?,verifying_at=?,settled_at=?,failed_at=?,bidding_closes_at=?,
crew_config_json=?,crew_assignments_json=?,artifacts_json=?,blockers_json=?,submission_json=?,verification_json=?,revisions_json=?,updated_at=?,version=version+1
WHERE id=? AND status=? AND version=?`, args...)
	if err != nil {
		return m, persistErr("update mission", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := r.GetMission(ctx, m.ID)
		if err != nil {
			return m, err
		}
		return m, domain.Conflictf(string(expectedStatus), string(cur.Status),
			"mission %s changed concurrently: expected %s (v%d), found %s (v%d)", m.ID, expectedStatus, expectedVersion, cur.Status, cur.Version)
	}
	m.Version = expectedVersion + 1
	return m, nil
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := scanMission(r.q().QueryRowContext(ctx, `SELECT `+missionCols+` FROM missions WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return m, domain.NotFoundError{Kind: "mission", ID: id}
	}
	if err != nil {
		return m, persistErr("get mission", err)
	}
	bids, err := r.ListBids(ctx, id)
	if err != nil {
		return m, err
	}
	m.Bids = bids
	return m, nil
}

type MissionFilters struct {
	Statuses    []domain.MissionStatus
	Mode        domain.AssignmentMode
	RequesterID string
	WorkerID    string
	Specialty   string
	Limit       int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Mode != "" {
		where = append(where, "mode=?")
		args = append(args, string(f.Mode))
	}
	if f.RequesterID != "" {
		where = append(where, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.WorkerID != "" {
		where = append(where, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.Specialty != "" {
		where = append(where, "required_specialty=?")
		args = append(args, f.Specialty)
	}
	query := `SELECT ` + missionCols + ` FROM missions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list missions", err)
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, persistErr("scan mission", err)
		}
		res = append(res, m)
	}
	return res, persistErr("list missions", rows.Err())
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, persistErr("count missions", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, persistErr("count missions", err)
		}
		out[s] = n
	}
	return out, persistErr("count missions", rows.Err())
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func marshalOptional(v any) (any, error) {
	switch t := v.(type) {
	case *domain.CrewConfig:
		if t == nil {
			return nil, nil
		}
	case *domain.Submission:
		if t == nil {
			return nil, nil
		}
	case *domain.Verification:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalOptional[T any](raw sql.NullString, dst **T) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

func marshalList(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}
