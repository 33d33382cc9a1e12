package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/artifacts"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/policy"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/queue"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/repair"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/store"
)

// setupEnv points the CLI at a fresh fs store.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("REPAIR_STORAGE_TYPE", "fs")
	t.Setenv("REPAIR_STORAGE_DATA_DIR", dir)
	t.Setenv("REPAIR_LOG_LEVEL", "error")
	t.Setenv("REPAIR_API_JWT_SECRET", "cli-test-secret")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunRepairFlow(t *testing.T) {
	setupEnv(t)

	code, out, errOut := run(t, "primary", "register", "--job", "J1", "--batches", "0,1,2")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "J1 (PRIMARY) AUTHORITATIVE")

	code, out, errOut = run(t, "repair", "execute", "--target", "J1", "--batches", "5", "--reason", "refetch")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "AUTO_PROMOTE (GAP_FILL)")

	code, out, _ = run(t, "repair", "execute", "--target", "J1", "--batches", "1", "--reason", "refetch", "--json")
	require.Equal(t, repairerrors.ExitPendingHuman, code)
	var res repair.ExecuteResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, policy.ReasonOverlap, res.Evaluation.ReasonCode)

	code, out, _ = run(t, "repair", "list-pending", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, out, res.RepairJobID)

	code, out, errOut = run(t, "repair", "approve", "--job", res.RepairJobID, "--by", "alice")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Promoted by alice")

	code, _, errOut = run(t, "repair", "approve", "--job", res.RepairJobID, "--by", "alice")
	assert.Equal(t, repairerrors.ExitIllegalTransition, code)
	assert.Contains(t, errOut, "Hint:")

	code, out, _ = run(t, "repair", "effective", "--job", "J1", "--output", "yaml")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "total_hash:")
	assert.Contains(t, out, "root_job_id: J1")

	code, out, _ = run(t, "repair", "health", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"total_derived": 2`)

	code, _, _ = run(t, "primary", "verify", "--job", "J1")
	assert.Equal(t, 0, code)
}

func TestRunDryRunDoesNotPersist(t *testing.T) {
	setupEnv(t)
	code, _, _ := run(t, "primary", "register", "--job", "J1", "--batches", "0,1,2")
	require.Equal(t, 0, code)

	code, out, _ := run(t, "repair", "dry-run", "--target", "J1", "--batches", "1", "--reason", "refetch")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "REQUIRE_HUMAN (OVERLAP)")

	code, out, _ = run(t, "repair", "list-pending")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No pending repairs.")

	code, out, _ = run(t, "repair", "dry-run", "--target", "J1", "--batches", "1,1", "--reason", "refetch")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)
	assert.Contains(t, out, "error:")
}

func TestRunExitCodes(t *testing.T) {
	setupEnv(t)

	code, _, _ := run(t, "repair", "execute", "--target", "J404", "--batches", "0", "--reason", "refetch")
	assert.Equal(t, repairerrors.ExitNotFound, code)

	code, _, errOut := run(t, "repair", "execute", "--target", "J1")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)
	assert.Contains(t, errOut, "--batches")

	code, _, _ = run(t, "repair", "list-pending", "--output", "xml")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)

	code, _, _ = run(t, "repair", "approve", "--job", "J1-repair-000000000000", "--by", "alice")
	assert.Equal(t, repairerrors.ExitNotFound, code)

	code, _, _ = run(t, "repair", "list-pending", "--no-such-flag")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)

	code, _, _ = run(t, "no-such-command")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)
}

func TestRunRegisterFromCheckpoint(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"job_id": "J2",
		"resume_from": 3,
		"status": "completed",
		"batches": [{"index": 0}, {"index": 1}, {"index": 2}]
	}`), 0o600))

	code, out, errOut := run(t, "primary", "register", "--checkpoint", path, "--json")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"job_id": "J2"`)

	code, _, _ = run(t, "primary", "register", "--checkpoint", path, "--batches", "0")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)
}

func TestRunTokenAndCleanup(t *testing.T) {
	setupEnv(t)

	code, out, _ := run(t, "token", "--subject", "alice", "--roles", "approver")
	require.Equal(t, 0, code)
	assert.Equal(t, 3, len(strings.Split(strings.TrimSpace(out), ".")), "a JWT has three segments")

	code, out, _ = run(t, "repair", "cleanup", "--dry-run", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"candidates": []`)

	code, out, _ = run(t, "repair", "sweep")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Revoked 0 expired repair(s)")
}

func TestQueueCommandsRequireSharedQueue(t *testing.T) {
	setupEnv(t)

	code, out, errOut := run(t, "enqueue", "--target", "J1", "--batches", "5", "--reason", "refetch")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "Hint: set queue.type=redis")

	t.Setenv("REPAIR_QUEUE_TYPE", "memory")
	code, _, errOut = run(t, "worker")
	assert.Equal(t, repairerrors.ExitInvalidInput, code)
	assert.Contains(t, errOut, "local to one process")
}

func TestExecuteHandlerRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewObjectManifestStore(artifacts.NewMemoryStore())
	orch, err := repair.New(s, nil)
	require.NoError(t, err)
	_, err = orch.RegisterPrimary(ctx, "J1", []int{0, 1, 2})
	require.NoError(t, err)

	req, err := queue.NewRequest("J1", []int{1}, "refetch", "", time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	h := executeHandler(orch, slog.Default())
	require.NoError(t, h(ctx, req))
	require.NoError(t, h(ctx, req))

	repairs, err := s.ListRepairs(ctx)
	require.NoError(t, err)
	assert.Len(t, repairs, 1)
}

func TestFormatResponse(t *testing.T) {
	resp := map[string]any{"job_id": "J1", "batches": []int{0, 1}}

	out, err := FormatResponse(resp, FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, out, `"job_id": "J1"`)

	out, err = FormatResponse(resp, FormatYAML)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id: J1")

	_, err = FormatResponse(resp, "xml")
	assert.ErrorContains(t, err, "unsupported format")
}
