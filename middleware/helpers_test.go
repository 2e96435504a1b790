package middleware_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/shrek82/jormpool/config"
	"github.com/shrek82/jormpool/core"
	"github.com/shrek82/jormpool/logger"
)

func openDatabase(t *testing.T, opts ...core.Option) *core.Database {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "mw.db") + "?_busy_timeout=5000"
	raw, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, a INTEGER NOT NULL, b TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = raw.Exec("INSERT INTO items (a, b) VALUES (1, 'x'), (2, 'y')")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	cfg := &config.Config{Driver: "sqlite3", URL: dsn}
	d, err := core.Open(context.Background(), cfg, append([]core.Option{core.WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type item struct {
	id    any
	clean bool
}

func (i *item) MarkClean() { i.clean = true }

// itemEntity builds *item instances from rows of the items table.
type itemEntity struct{}

func (itemEntity) Name() string { return "items" }
func (itemEntity) ResolveName(name string) string { return strings.ToLower(name) }
func (itemEntity) Attribute(string) (core.Attribute, bool) { return nil, false }
func (itemEntity) Obfuscated(string) bool { return false }
func (itemEntity) Obfuscate(v any) any { return v }
func (itemEntity) NewInstance(row *core.Row) (core.Instance, error) {
	return &item{id: row.Get("id")}, nil
}
