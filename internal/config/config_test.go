package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("DAEMON_TOKEN_SECRET", "s3cret")
	t.Setenv("PORT", "")
	t.Setenv("QUERY_MAX_LEN", "")
	t.Setenv("TASK_BUDGET_MS", "")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2000, cfg.QueryMaxLen)
	assert.Equal(t, 120*time.Second, cfg.TaskBudget)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat)
	assert.Equal(t, 4*time.Hour, cfg.ConversationTTL)
	assert.Equal(t, 3, cfg.MaxAgentsPerUser)
}

func TestLoadServerRequiresMongo(t *testing.T) {
	t.Setenv("MONGODB_URI", "")
	t.Setenv("DAEMON_TOKEN_SECRET", "s3cret")

	_, err := LoadServer()
	assert.Error(t, err)
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("DAEMON_TOKEN_SECRET", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("TASK_BUDGET_MS", "60000")
	t.Setenv("MAX_AGENTS_PER_USER", "5")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, time.Minute, cfg.TaskBudget)
	assert.Equal(t, 5, cfg.MaxAgentsPerUser)
}

func TestLoadDaemonYAML(t *testing.T) {
	t.Setenv("LENS_TEST_TOKEN", "tok-from-env")
	path := filepath.Join(t.TempDir(), "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ServerURL: http://localhost:8080
Token: ${LENS_TEST_TOKEN}
CLICommand: claude
Capacity: 2
`), 0o644))

	cfg, err := LoadDaemon(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "tok-from-env", cfg.Token)
	assert.Equal(t, 2, cfg.Capacity)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.NotEmpty(t, cfg.WorkDir)
}

func TestLoadDaemonRequiresServerURL(t *testing.T) {
	t.Setenv("DAEMON_SERVER_URL", "")
	t.Setenv("DAEMON_TOKEN", "")

	_, err := LoadDaemon("")
	assert.Error(t, err)
}

func TestLoadDaemonEnvFallback(t *testing.T) {
	t.Setenv("DAEMON_SERVER_URL", "http://example.com")
	t.Setenv("DAEMON_TOKEN", "tok")

	cfg, err := LoadDaemon("")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com", cfg.ServerURL)
	assert.Equal(t, "claude", cfg.CLICommand)
	assert.Equal(t, 3, cfg.Capacity)
}
