package core

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/shrek82/jormpool/dialect"
	"github.com/shrek82/jormpool/logger"
	"github.com/shrek82/jormpool/pool"
)

func testDSN(t *testing.T) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), "core.db") + "?_busy_timeout=5000&_journal_mode=WAL"
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", testDSN(t))
	require.NoError(t, err)
	db.SetMaxIdleConns(0)
	t.Cleanup(func() { _ = db.Close() })
	seedItems(t, db)
	return db
}

func seedItems(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		a INTEGER NOT NULL,
		b TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO items (a, b) VALUES (1, 'x'), (2, 'y')")
	require.NoError(t, err)
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func bufferLogger(level logger.LogLevel) (logger.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	l := logger.NewStdLogger()
	l.SetOutput(buf)
	l.SetLevel(level)
	return l, buf
}

func sqliteProfile(t *testing.T) *dialect.Profile {
	t.Helper()
	p, ok := dialect.Get("sqlite3")
	require.True(t, ok)
	return p
}

// newTestStack builds a stack over a seeded SQLite database. Unset options get
// test defaults: regular autocommit stack, up to 10 connections.
func newTestStack(t *testing.T, opts StackOptions) (*Stack, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	if opts.Name == "" {
		opts.Name = pool.Regular
	}
	if opts.Max == 0 {
		opts.Max = 10
	}
	if opts.Profile == nil {
		opts.Profile = sqliteProfile(t)
	}
	opts.Opener = pool.DBOpener(db)
	s, err := NewStack(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(s.Clear)
	return s, db
}

func countItems(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM items").Scan(&n))
	return n
}

type countingObserver struct {
	mu        sync.Mutex
	opened    int
	closed    int
	exhausted int
	refused   map[string]int
}

func (o *countingObserver) ConnOpened(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
}

func (o *countingObserver) ConnClosed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

func (o *countingObserver) ConnExhausted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *countingObserver) StatementsExhausted(_ string, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refused == nil {
		o.refused = make(map[string]int)
	}
	o.refused[kind]++
}

func (o *countingObserver) refusals(kind string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refused[kind]
}
