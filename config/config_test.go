package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AllFields(t *testing.T) {
	dir := t.TempDir()
	content := `driver: postgres
url: postgres://db.local:5432/app
user: app
password: secret
schema: reporting
min_connections: 2
max_connections: 8
max_statements: 20
check_connections: false
check_interval: 30s
case: lowercase
log:
  level: debug
  format: json
`
	path := filepath.Join(dir, "jormpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, sourceHash, err := Load(path)
	require.NoError(t, err)
	assert.NotZero(t, sourceHash)

	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "reporting", cfg.Schema)
	assert.Equal(t, 2, cfg.MinConnections)
	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, 20, cfg.MaxStatements)
	assert.False(t, cfg.HealthCheck())
	assert.Equal(t, 30*time.Second, cfg.CheckInterval)
	assert.Equal(t, "lowercase", cfg.Case)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("driver: sqlite3\nurl: file:test.db\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultMinConnections, cfg.MinConnections)
	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultMaxStatements, cfg.MaxStatements)
	assert.True(t, cfg.HealthCheck())
	assert.Equal(t, DefaultCheckInterval, cfg.CheckInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NotFound(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JORMPOOL_URL", "file:env.db")
	t.Setenv("JORMPOOL_MAX_CONNECTIONS", "3")
	t.Setenv("JORMPOOL_CHECK_INTERVAL", "1s")

	cfg, err := Parse([]byte("driver: sqlite3\nurl: file:yaml.db\n"))
	require.NoError(t, err)
	assert.Equal(t, "file:env.db", cfg.URL)
	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, time.Second, cfg.CheckInterval)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("JORMPOOL_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("JORMPOOL_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("JORMPOOL_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")))
	assert.Equal(t, "loaded", os.Getenv("JORMPOOL_TEST_DOTENV"))
}

func TestHash(t *testing.T) {
	a := &Config{Driver: "mysql", URL: "tcp(db:3306)/app", User: "u"}
	b := &Config{Driver: "mysql", URL: "tcp(db:3306)/app", User: "u", MaxConnections: 99}
	c := &Config{Driver: "mysql", URL: "tcp(db:3306)/app", User: "v"}

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}
