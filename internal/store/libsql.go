package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/outreach/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/outreach.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Runs ---

const runColumns = `id, owner_id, mission, step_ids, current_step_index, status, outputs, attempts,
	total_tokens, total_cost_units, config, pending_approval_id, next_attempt_at, failure_reason,
	started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	stepIDs, outputs, attempts, config, err := marshalRunFields(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OwnerID, run.Mission, stepIDs, run.CurrentStepIndex, string(run.Status),
		outputs, attempts, run.Cost.TotalTokens, run.Cost.TotalCostUnits, config,
		nullStr(run.PendingApprovalID), nullTime(run.NextAttemptAt), nullStr(run.FailureReason),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, run *Run) error {
	_, outputs, attempts, _, err := marshalRunFields(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET current_step_index = ?, status = ?, outputs = ?, attempts = ?,
			total_tokens = ?, total_cost_units = ?, pending_approval_id = ?, next_attempt_at = ?,
			failure_reason = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		run.CurrentStepIndex, string(run.Status), outputs, attempts,
		run.Cost.TotalTokens, run.Cost.TotalCostUnits, nullStr(run.PendingApprovalID), nullTime(run.NextAttemptAt),
		nullStr(run.FailureReason), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
		run.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func marshalRunFields(run *Run) (stepIDs, outputs, attempts string, config any, err error) {
	b, err := json.Marshal(run.StepIDs)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("marshal step_ids: %w", err)
	}
	stepIDs = string(b)

	outs := run.Outputs
	if outs == nil {
		outs = []StepOutput{}
	}
	if b, err = json.Marshal(outs); err != nil {
		return "", "", "", nil, fmt.Errorf("marshal outputs: %w", err)
	}
	outputs = string(b)

	att := run.Attempts
	if att == nil {
		att = map[string]int{}
	}
	if b, err = json.Marshal(att); err != nil {
		return "", "", "", nil, fmt.Errorf("marshal attempts: %w", err)
	}
	attempts = string(b)

	if len(run.Config) > 0 {
		if b, err = json.Marshal(run.Config); err != nil {
			return "", "", "", nil, fmt.Errorf("marshal config: %w", err)
		}
		config = string(b)
	}
	return stepIDs, outputs, attempts, config, nil
}

func scanRun(sc rowScanner) (*Run, error) {
	run := &Run{}
	var (
		stepIDs, outputs, attempts, status string
		config, pendingID, failureReason   sql.NullString
		nextAttemptAt, completedAt         sql.NullTime
	)
	err := sc.Scan(&run.ID, &run.OwnerID, &run.Mission, &stepIDs, &run.CurrentStepIndex, &status,
		&outputs, &attempts, &run.Cost.TotalTokens, &run.Cost.TotalCostUnits, &config, &pendingID,
		&nextAttemptAt, &failureReason, &run.StartedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(stepIDs), &run.StepIDs); err != nil {
		return nil, fmt.Errorf("unmarshal step_ids: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &run.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(attempts), &run.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	if config.Valid && config.String != "" {
		if err := json.Unmarshal([]byte(config.String), &run.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	run.PendingApprovalID = pendingID.String
	run.FailureReason = failureReason.String
	if nextAttemptAt.Valid {
		run.NextAttemptAt = &nextAttemptAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Activity ---

// AppendActivity assigns the next per-run sequence inside a transaction; with a single
// connection this serializes writers, and UNIQUE(run_id, sequence) backs it up.
func (s *LibSQLStore) AppendActivity(ctx context.Context, event *ActivityEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activity tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM activity_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO activity_events (id, run_id, step_id, kind, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, nullStr(event.StepID), string(event.Kind), nullRaw(event.Payload), event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activity: %w", err)
	}
	event.Sequence = seq
	return nil
}

func (s *LibSQLStore) ListActivity(ctx context.Context, runID string, afterSeq int64, limit int) ([]*ActivityEvent, error) {
	query := `SELECT id, run_id, step_id, kind, payload, timestamp, sequence
		FROM activity_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ActivityEvent
	for rows.Next() {
		e := &ActivityEvent{}
		var stepID, payload sql.NullString
		var kind string
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &kind, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Kind = schema.ActivityKind(kind)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Approvals ---

const approvalColumns = `a.id, a.run_id, a.owner_id, a.step_id, a.checkpoint_kind, a.artifact, a.side_effect,
	a.decision, a.resolved_by, a.created_at, a.expires_at, a.resolved_at`

func (s *LibSQLStore) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	decision := req.Decision
	if decision == "" {
		decision = schema.DecisionPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, run_id, owner_id, step_id, checkpoint_kind, artifact, side_effect, decision, resolved_by, created_at, expires_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.OwnerID, req.StepID, string(req.CheckpointKind), nullRaw(req.Artifact),
		req.SideEffect, string(decision), nullStr(req.ResolvedBy),
		timeOrNow(req.CreatedAt), nullTime(req.ExpiresAt), nullTime(req.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals a WHERE a.id = ?`, id)
	req, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return req, err
}

func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, decision schema.Decision, resolvedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET decision = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND decision = 'pending'`,
		string(decision), nullStr(resolvedBy), at, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Distinguish unknown ids from approvals that already carry a decision.
	if _, err := s.GetApproval(ctx, id); err != nil {
		return err
	}
	return alreadyResolved(id)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	var where []string
	var args []any

	if filter.OwnerID != "" {
		where = append(where, "a.owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.RunID != "" {
		where = append(where, "a.run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Decision != "" {
		where = append(where, "a.decision = ?")
		args = append(args, string(filter.Decision))
	}
	if filter.ExpiredBy != nil {
		where = append(where, "a.expires_at IS NOT NULL AND a.expires_at <= ?")
		args = append(args, *filter.ExpiredBy)
	}
	if filter.ActiveRunsOnly {
		where = append(where, "r.status NOT IN (?, ?)")
		args = append(args, string(schema.RunStatusCompleted), string(schema.RunStatusFailed))
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals a JOIN runs r ON r.id = a.run_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.created_at ASC, a.id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(sc rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var (
		kind, decision        string
		artifact, resolvedBy  sql.NullString
		expiresAt, resolvedAt sql.NullTime
	)
	err := sc.Scan(&req.ID, &req.RunID, &req.OwnerID, &req.StepID, &kind, &artifact, &req.SideEffect,
		&decision, &resolvedBy, &req.CreatedAt, &expiresAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.CheckpointKind = schema.CheckpointKind(kind)
	req.Decision = schema.Decision(decision)
	req.Artifact = rawOrNil(artifact)
	req.ResolvedBy = resolvedBy.String
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return req, nil
}

// --- Dispatch ---

func (s *LibSQLStore) CreateTicket(ctx context.Context, t *DispatchTicket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_tickets (id, actor_id, run_id, step_id, payload, attempt, scheduled_not_before, result, external_ref, error, created_at, dispatched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ActorID, nullStr(t.RunID), nullStr(t.StepID), nullRaw(t.Payload), t.Attempt,
		t.ScheduledNotBefore, nullStr(string(t.Result)), nullStr(t.ExternalRef), nullStr(t.Error),
		timeOrNow(t.CreatedAt), nullTime(t.DispatchedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateTicket(ctx context.Context, t *DispatchTicket) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_tickets SET result = ?, external_ref = ?, error = ?, dispatched_at = ? WHERE id = ?`,
		nullStr(string(t.Result)), nullStr(t.ExternalRef), nullStr(t.Error), nullTime(t.DispatchedAt), t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "dispatch ticket", t.ID)
}

func (s *LibSQLStore) ListTickets(ctx context.Context, filter TicketFilter) ([]*DispatchTicket, error) {
	var where []string
	var args []any
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}

	query := `SELECT id, actor_id, run_id, step_id, payload, attempt, scheduled_not_before, result, external_ref, error, created_at, dispatched_at
		FROM dispatch_tickets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DispatchTicket
	for rows.Next() {
		t := &DispatchTicket{}
		var runID, stepID, payload, result, ref, errMsg sql.NullString
		var dispatchedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.ActorID, &runID, &stepID, &payload, &t.Attempt, &t.ScheduledNotBefore,
			&result, &ref, &errMsg, &t.CreatedAt, &dispatchedAt); err != nil {
			return nil, err
		}
		t.RunID = runID.String
		t.StepID = stepID.String
		t.Payload = rawOrNil(payload)
		t.Result = schema.DispatchResult(result.String)
		t.ExternalRef = ref.String
		t.Error = errMsg.String
		if dispatchedAt.Valid {
			t.DispatchedAt = &dispatchedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetActorState(ctx context.Context, actorID string) (*ActorState, error) {
	st := &ActorState{ActorID: actorID}
	var lastSuccess sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_success_at, day, day_count, updated_at FROM actor_dispatch_state WHERE actor_id = ?`, actorID,
	).Scan(&lastSuccess, &st.Day, &st.DayCount, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		st.LastSuccessAt = &lastSuccess.Time
	}
	return st, nil
}

func (s *LibSQLStore) SaveActorState(ctx context.Context, st *ActorState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actor_dispatch_state (actor_id, last_success_at, day, day_count, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(actor_id) DO UPDATE SET last_success_at=excluded.last_success_at, day=excluded.day,
			day_count=excluded.day_count, updated_at=excluded.updated_at`,
		st.ActorID, nullTime(st.LastSuccessAt), st.Day, st.DayCount, timeOrNow(st.UpdatedAt),
	)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OutreachError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func alreadyResolved(id string) *schema.OutreachError {
	return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "approval %q already resolved", id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
