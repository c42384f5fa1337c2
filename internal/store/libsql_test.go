package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func seedRun(t *testing.T, s Store, owner string) *Run {
	t.Helper()
	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Mission:   "find 3 leads",
		StepIDs:   []string{"research", "qualify"},
		Status:    schema.RunStatusRunning,
		Attempts:  map[string]int{},
		Config:    map[string]any{"industry": "saas"},
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements_KeepsTriggerBodies(t *testing.T) {
	script := `-- comment only
CREATE TABLE a (id TEXT);
CREATE TRIGGER t BEFORE DELETE ON a
BEGIN
    SELECT RAISE(ABORT, 'no');
END;
-- trailing comment
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", stmts[0])
	assert.Contains(t, stmts[1], "SELECT RAISE(ABORT, 'no');")
	assert.True(t, len(stmts[1]) > 0 && stmts[1][len(stmts[1])-3:] == "END")
}

func TestRun_CreateGetUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "owner-1")

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "find 3 leads", got.Mission)
		assert.Equal(t, []string{"research", "qualify"}, got.StepIDs)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, "saas", got.Config["industry"])
		assert.Empty(t, got.Outputs)

		next := time.Now().UTC().Add(time.Minute)
		got.CurrentStepIndex = 1
		got.Status = schema.RunStatusRetrying
		got.Outputs = append(got.Outputs, StepOutput{StepID: "research", Output: "three companies", RecordedAt: time.Now().UTC()})
		got.Attempts["research"] = 1
		got.Attempts["qualify"] = 2
		got.Cost = CostAccounting{TotalTokens: 1200, TotalCostUnits: 0.5}
		got.NextAttemptAt = &next
		require.NoError(t, s.UpdateRun(ctx, got))

		again, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, again.CurrentStepIndex)
		assert.Equal(t, schema.RunStatusRetrying, again.Status)
		out, ok := again.Output("research")
		assert.True(t, ok)
		assert.Equal(t, "three companies", out)
		assert.Equal(t, 2, again.Attempts["qualify"])
		assert.Equal(t, int64(1200), again.Cost.TotalTokens)
		assert.InDelta(t, 0.5, again.Cost.TotalCostUnits, 1e-9)
		require.NotNil(t, again.NextAttemptAt)
	})
}

func TestRun_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRun(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		err = s.UpdateRun(context.Background(), &Run{ID: "missing", Status: schema.RunStatusFailed})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestListRuns_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := seedRun(t, s, "owner-a")
		b := seedRun(t, s, "owner-b")
		b.Status = schema.RunStatusCompleted
		require.NoError(t, s.UpdateRun(ctx, b))

		byOwner, err := s.ListRuns(ctx, RunFilter{OwnerID: "owner-a"})
		require.NoError(t, err)
		require.Len(t, byOwner, 1)
		assert.Equal(t, a.ID, byOwner[0].ID)

		active, err := s.ListRuns(ctx, RunFilter{Statuses: []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusRetrying}})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)
	})
}

func TestActivity_SequencePerRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r1 := seedRun(t, s, "o")
		r2 := seedRun(t, s, "o")

		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendActivity(ctx, &ActivityEvent{RunID: r1.ID, Kind: schema.ActivityStepSucceeded}))
		}
		e := &ActivityEvent{RunID: r2.ID, Kind: schema.ActivityStarted, Payload: json.RawMessage(`{"mission":"m"}`)}
		require.NoError(t, s.AppendActivity(ctx, e))
		assert.Equal(t, int64(1), e.Sequence)
		assert.NotEmpty(t, e.ID)

		events, err := s.ListActivity(ctx, r1.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}

		page, err := s.ListActivity(ctx, r1.ID, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, int64(2), page[0].Sequence)

		other, err := s.ListActivity(ctx, r2.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, other, 1)
		assert.JSONEq(t, `{"mission":"m"}`, string(other[0].Payload))
	})
}

func TestActivity_ConcurrentAppendsKeepContiguousSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "o")

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendActivity(ctx, &ActivityEvent{RunID: run.ID, Kind: schema.ActivityRetryScheduled}))
			}()
		}
		wg.Wait()

		events, err := s.ListActivity(ctx, run.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 20)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
	})
}

func TestActivity_AppendOnlyInDatabase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "o")
	require.NoError(t, s.AppendActivity(ctx, &ActivityEvent{RunID: run.ID, Kind: schema.ActivityStarted}))

	_, err := s.DB().ExecContext(ctx, `UPDATE activity_events SET kind = 'failed'`)
	assert.Error(t, err)
	_, err = s.DB().ExecContext(ctx, `DELETE FROM activity_events`)
	assert.Error(t, err)
}

func TestApproval_ResolveExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := seedRun(t, s, "owner-1")
		req := &ApprovalRequest{
			ID:             uuid.New().String(),
			RunID:          run.ID,
			OwnerID:        "owner-1",
			StepID:         "qualify",
			CheckpointKind: schema.CheckpointArtifact,
			Artifact:       json.RawMessage(`"Acme Corp"`),
			SideEffect:     true,
		}
		require.NoError(t, s.CreateApproval(ctx, req))

		got, err := s.GetApproval(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.DecisionPending, got.Decision)
		assert.True(t, got.SideEffect)
		assert.JSONEq(t, `"Acme Corp"`, string(got.Artifact))

		at := time.Now().UTC()
		require.NoError(t, s.ResolveApproval(ctx, req.ID, schema.DecisionApproved, "operator", at))

		err = s.ResolveApproval(ctx, req.ID, schema.DecisionRejected, "operator", at)
		assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyResolved))

		err = s.ResolveApproval(ctx, "missing", schema.DecisionRejected, "operator", at)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

		got, err = s.GetApproval(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.DecisionApproved, got.Decision)
		assert.Equal(t, "operator", got.ResolvedBy)
		require.NotNil(t, got.ResolvedAt)
	})
}

func TestListApprovals_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		live := seedRun(t, s, "owner-1")
		dead := seedRun(t, s, "owner-1")
		dead.Status = schema.RunStatusFailed
		require.NoError(t, s.UpdateRun(ctx, dead))

		past := time.Now().UTC().Add(-time.Hour)
		future := time.Now().UTC().Add(time.Hour)
		mk := func(runID string, expires *time.Time) *ApprovalRequest {
			req := &ApprovalRequest{ID: uuid.New().String(), RunID: runID, OwnerID: "owner-1", StepID: "qualify",
				CheckpointKind: schema.CheckpointArtifact, ExpiresAt: expires}
			require.NoError(t, s.CreateApproval(ctx, req))
			return req
		}
		expired := mk(live.ID, &past)
		mk(live.ID, &future)
		mk(dead.ID, nil)

		active, err := s.ListApprovals(ctx, ApprovalFilter{OwnerID: "owner-1", Decision: schema.DecisionPending, ActiveRunsOnly: true})
		require.NoError(t, err)
		assert.Len(t, active, 2)

		all, err := s.ListApprovals(ctx, ApprovalFilter{OwnerID: "owner-1"})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		now := time.Now().UTC()
		due, err := s.ListApprovals(ctx, ApprovalFilter{Decision: schema.DecisionPending, ExpiredBy: &now})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, expired.ID, due[0].ID)
	})
}

func TestTickets_CreateUpdateList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ticket := &DispatchTicket{
			ID:                 uuid.New().String(),
			ActorID:            "actor-1",
			RunID:              "run-1",
			Payload:            json.RawMessage(`{"body":"hi"}`),
			Attempt:            1,
			ScheduledNotBefore: time.Now().UTC(),
		}
		require.NoError(t, s.CreateTicket(ctx, ticket))

		now := time.Now().UTC()
		ticket.Result = schema.DispatchSuccess
		ticket.ExternalRef = "ext-1"
		ticket.DispatchedAt = &now
		require.NoError(t, s.UpdateTicket(ctx, ticket))

		list, err := s.ListTickets(ctx, TicketFilter{ActorID: "actor-1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, schema.DispatchSuccess, list[0].Result)
		assert.Equal(t, "ext-1", list[0].ExternalRef)
		require.NotNil(t, list[0].DispatchedAt)

		err = s.UpdateTicket(ctx, &DispatchTicket{ID: "missing"})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestActorState_ZeroThenSaved(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st, err := s.GetActorState(ctx, "actor-1")
		require.NoError(t, err)
		assert.Equal(t, "actor-1", st.ActorID)
		assert.Nil(t, st.LastSuccessAt)
		assert.Zero(t, st.DayCount)

		last := time.Now().UTC()
		require.NoError(t, s.SaveActorState(ctx, &ActorState{ActorID: "actor-1", LastSuccessAt: &last, Day: "2026-10-19", DayCount: 2}))
		require.NoError(t, s.SaveActorState(ctx, &ActorState{ActorID: "actor-1", LastSuccessAt: &last, Day: "2026-10-19", DayCount: 3}))

		st, err = s.GetActorState(ctx, "actor-1")
		require.NoError(t, err)
		require.NotNil(t, st.LastSuccessAt)
		assert.Equal(t, "2026-10-19", st.Day)
		assert.Equal(t, 3, st.DayCount)
	})
}
