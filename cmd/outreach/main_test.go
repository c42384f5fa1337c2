package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// execute runs the CLI in an isolated home and working directory.
func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--db", dbPath, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	t.Setenv("OUTREACH_DISPATCH_MIN_INTERVAL", "10ms")
	return filepath.Join(dir, "data", "outreach.db")
}

func decodeRun(t *testing.T, out string) *store.Run {
	t.Helper()
	var run store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run), out)
	return &run
}

func TestParseConfigPairs(t *testing.T) {
	got, err := parseConfigPairs([]string{"channel=email", "limit=3", "vip=true", "note=hello world"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"channel": "email", "limit": float64(3), "vip": true, "note": "hello world"}, got)

	got, err = parseConfigPairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseConfigPairs([]string{"novalue"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, isolate(t), "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestRun_AutoApprove(t *testing.T) {
	db := isolate(t)

	out, err := execute(t, db, "run", "--mission", "find three logistics leads in Lisbon", "--approve", "--set", "channel=email")
	require.NoError(t, err)
	run := decodeRun(t, out)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Len(t, run.Outputs, 4)
	assert.Equal(t, "email", run.Config["channel"])

	out, err = execute(t, db, "activity", run.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "approvalResolved")
	assert.Contains(t, out, "sideEffectDispatched")
	assert.Contains(t, out, "completed")
}

func TestRun_StopsAtCheckpoint(t *testing.T) {
	db := isolate(t)

	out, err := execute(t, db, "run", "--mission", "find leads", "--owner", "owner-1", "--steps", "research,qualify")
	require.NoError(t, err)
	run := decodeRun(t, out)
	require.Equal(t, schema.RunStatusWaitingApproval, run.Status)

	out, err = execute(t, db, "approvals", "list", "--owner", "owner-1", "--json")
	require.NoError(t, err)
	var approvals []*store.ApprovalRequest
	require.NoError(t, json.Unmarshal([]byte(out), &approvals))
	require.Len(t, approvals, 1)
	assert.Equal(t, run.PendingApprovalID, approvals[0].ID)

	out, err = execute(t, db, "approvals", "resolve", approvals[0].ID, "--by", "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, decodeRun(t, out).Status)

	_, err = execute(t, db, "approvals", "resolve", approvals[0].ID, "--reject")
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyResolved))
}

func TestCancel(t *testing.T) {
	db := isolate(t)

	out, err := execute(t, db, "run", "--mission", "find leads", "--steps", "research,qualify")
	require.NoError(t, err)
	run := decodeRun(t, out)

	out, err = execute(t, db, "cancel", run.ID)
	require.NoError(t, err)
	cancelled := decodeRun(t, out)
	assert.Equal(t, schema.RunStatusFailed, cancelled.Status)
	assert.Equal(t, schema.ReasonCancelled, cancelled.FailureReason)

	_, err = execute(t, db, "cancel", "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRun_RequiresMission(t *testing.T) {
	_, err := execute(t, isolate(t), "run")
	assert.Error(t, err)
}
