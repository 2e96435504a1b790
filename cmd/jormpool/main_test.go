package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrek82/jormpool/core"
)

func seededURL(t *testing.T) string {
	t.Helper()
	url := "file:" + filepath.Join(t.TempDir(), "cli.db") + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite3", url)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		a INTEGER NOT NULL,
		b TEXT NOT NULL,
		note TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO items (a, b) VALUES (1, 'x'), (2, 'y')")
	require.NoError(t, err)
	return url
}

// run executes the CLI against url and returns stdout and stderr.
func run(t *testing.T, url string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	base := []string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}
	if url != "" {
		base = append(base, "--driver", "sqlite3", "--url", url)
	}
	cmd.SetArgs(append(base, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestPing(t *testing.T) {
	out, _, err := run(t, seededURL(t), "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "ok: sqlite3 via sqlite3")
}

func TestQueryTable(t *testing.T) {
	out, _, err := run(t, seededURL(t), "query", "SELECT id, b, note FROM items ORDER BY id")
	require.NoError(t, err)
	assert.Contains(t, out, "id  b  note")
	assert.Contains(t, out, "1   x  NULL")
	assert.Contains(t, out, "(2 rows)")
}

func TestQueryJSONWithArgs(t *testing.T) {
	url := seededURL(t)
	out, _, err := run(t, url, "query", "-f", "json", "SELECT b FROM items WHERE id = ?", "2")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"b": "y"}]`, out)

	out, _, err = run(t, url, "query", "-f", "json", "--tx", "SELECT b FROM items WHERE id = ?", "9")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	_, _, err = run(t, url, "query", "-f", "xml", "SELECT 1")
	assert.ErrorContains(t, err, "unknown format")
}

func TestExec(t *testing.T) {
	url := seededURL(t)
	out, _, err := run(t, url, "exec", "UPDATE items SET b = ? WHERE id = ?", "z", "1")
	require.NoError(t, err)
	assert.Equal(t, "1 row(s) affected\n", out)

	_, _, err = run(t, url, "exec", "--one", "UPDATE items SET note = ?", "NULL")
	assert.ErrorIs(t, err, core.ErrMultipleRowsAffected)

	out, _, err = run(t, url, "query", "SELECT b FROM items WHERE id = 1")
	require.NoError(t, err)
	assert.Contains(t, out, "z")
}

func TestTables(t *testing.T) {
	url := seededURL(t)
	out, _, err := run(t, url, "tables")
	require.NoError(t, err)
	assert.Equal(t, "items\n", out, "sqlite_ tables are ignored")

	out, _, err = run(t, url, "tables", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite_sequence")
}

func TestStats(t *testing.T) {
	out, _, err := run(t, seededURL(t), "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"regular"`)
	assert.Contains(t, out, `"transaction"`)
}

func TestGen(t *testing.T) {
	url := seededURL(t)
	dir := filepath.Join(t.TempDir(), "models")

	out, _, err := run(t, url, "gen", "-o", dir, "--pkg", "store")
	require.NoError(t, err)
	assert.Contains(t, out, "items -> ")

	src, err := os.ReadFile(filepath.Join(dir, "items.go"))
	require.NoError(t, err)
	code := string(src)
	assert.Contains(t, code, "package store")
	assert.Contains(t, code, "type Items struct")
	assert.Contains(t, code, "ID int64 `jorm:\"column:id;pk;auto\"`")
	assert.Contains(t, code, "B string `jorm:\"column:b\"`")
	assert.Contains(t, code, "Note *string `jorm:\"column:note\"`")
	assert.Contains(t, code, `return "items"`)
	assert.NotContains(t, code, "import")

	_, errOut, err := run(t, url, "gen", "-o", dir, "-t", "items")
	require.NoError(t, err)
	assert.Contains(t, errOut, "skipped items")
}

func TestConfigSources(t *testing.T) {
	url := seededURL(t)

	cfgPath := filepath.Join(t.TempDir(), "db.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("driver: sqlite3\nurl: \""+url+"\"\nmax_connections: 3\n"), 0o644))
	out, _, err := run(t, "", "--config", cfgPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"Max": 3`)

	_, _, err = run(t, "", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "ping")
	assert.Error(t, err)

	_, _, err = run(t, url, "--log-level", "loud", "ping")
	assert.ErrorContains(t, err, "unknown log level")
}

func TestEnvFile(t *testing.T) {
	if os.Getenv("JORMPOOL_URL") != "" || os.Getenv("JORMPOOL_DRIVER") != "" {
		t.Skip("JORMPOOL_* already set in the environment")
	}
	t.Cleanup(func() {
		os.Unsetenv("JORMPOOL_URL")
		os.Unsetenv("JORMPOOL_DRIVER")
	})
	url := seededURL(t)
	env := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(env, []byte("JORMPOOL_DRIVER=sqlite3\nJORMPOOL_URL=\""+url+"\"\n"), 0o644))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--env-file", env, "ping"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ok: sqlite3")
}

func TestStringArgs(t *testing.T) {
	assert.Equal(t, []any{"a", nil, "NULLX"}, stringArgs([]string{"a", "NULL", "NULLX"}))
	assert.Empty(t, stringArgs(nil))
}
