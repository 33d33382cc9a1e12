package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/artifacts"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/config"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/queue"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/store"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoad_Defaults verifies the service boots with local defaults.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "fs", cfg.Storage.Type)
	assert.Equal(t, queue.TypeMemory, cfg.Queue.Type)
	assert.Equal(t, 4, cfg.Queue.Partitions)
	assert.Equal(t, 1, cfg.Policy.MinTrustedBaseBatches)
	assert.Equal(t, 24*time.Hour, cfg.TTL.NotifyAfter)
	assert.Equal(t, 48*time.Hour, cfg.TTL.ReminderAfter)
	assert.Equal(t, 72*time.Hour, cfg.TTL.ExpireAfter)
	assert.Equal(t, 90*24*time.Hour, cfg.Health.CleanupRetention)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.False(t, cfg.Telemetry.Enabled)

	sc := cfg.StoreConfig()
	assert.Equal(t, store.BackendObject, sc.Backend)
	assert.Equal(t, artifacts.StoreTypeFS, sc.Artifacts.Type)
	assert.Equal(t, "data", sc.Artifacts.Dir)
}

// TestLoad_EnvOverrides verifies REPAIR_* variables win over defaults and file.
func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "repair.yaml", `
storage:
  type: sqlite
  database_url: file:from-file.db
ttl:
  expire_after: 96h
`)
	t.Setenv("REPAIR_STORAGE_DATABASE_URL", "file:from-env.db")
	t.Setenv("REPAIR_TTL_REMINDER_AFTER", "36h")
	t.Setenv("REPAIR_QUEUE_PARTITIONS", "8")
	t.Setenv("REPAIR_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "file:from-env.db", cfg.Storage.DatabaseURL)
	assert.Equal(t, 36*time.Hour, cfg.TTL.ReminderAfter)
	assert.Equal(t, 96*time.Hour, cfg.TTL.ExpireAfter)
	assert.Equal(t, 8, cfg.Queue.Partitions)
	assert.Equal(t, "debug", cfg.Log.Level)

	sc := cfg.StoreConfig()
	assert.Equal(t, store.BackendSQLite, sc.Backend)
	assert.Equal(t, "file:from-env.db", sc.DSN)
}

func TestLoad_GuardsFromFileAndDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guards_ops.yaml", `
guards:
  - name: no-freeze
    expr: 'reason.contains("freeze")'
`)
	path := writeFile(t, t.TempDir(), "repair.yaml", `
policy:
  min_trusted_base_batches: 3
  guards_dir: `+dir+`
  guards:
    - name: small
      expr: 'size(batch_indices) > 10'
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Policy.Guards, 2)
	assert.Equal(t, "small", cfg.Policy.Guards[0].Name)
	assert.Equal(t, "ops/no-freeze", cfg.Policy.Guards[1].Name)

	engine, err := cfg.PolicyEngine()
	require.NoError(t, err)
	assert.Equal(t, 3, engine.MinTrustedBaseBatches())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_RejectsInconsistentValues(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Storage.Type = "s3"
	cfg.TTL.ReminderAfter = 80 * time.Hour
	cfg.Queue.Partitions = 0
	cfg.Log.Format = "xml"

	err = cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{"storage.s3.bucket", "'ttl'", "queue.partitions", "log.format"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestLoad_InvalidEnvFailsValidation(t *testing.T) {
	t.Setenv("REPAIR_STORAGE_TYPE", "mongo")
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.type")
}

func TestNewLogger_FormatAndLevel(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("dropped")
	logger.Warn("kept", "job_id", "J1")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"job_id":"J1"`)

	buf.Reset()
	cfg.Log.Format = "text"
	cfg.NewLogger(&buf).Warn("kept", "job_id", "J1")
	assert.Contains(t, buf.String(), "job_id=J1")
}
