package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Querier is the subset of *sql.Conn and *sql.Tx used to run statements.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Slot wraps one physical database connection.
//
// The busy counter is raised around every native call made on the connection
// (Enter/Leave). It is a counter rather than a flag because a pool-level health
// check may run while a statement already holds the connection busy. A slot is
// eligible for reuse only when the counter is zero and the slot is open.
type Slot struct {
	ID         string
	conn       *sql.Conn
	pool       string
	autoCommit bool

	busy    atomic.Int32
	closed  atomic.Bool
	suspect atomic.Bool
	lastUse atomic.Int64

	txMu sync.Mutex
	tx   *sql.Tx

	session *semaphore.Weighted
}

// NewSlot wraps conn. Slots are normally created by a ConnPool.
func NewSlot(conn *sql.Conn, pool string, autoCommit bool) *Slot {
	s := &Slot{
		ID:         uuid.NewString(),
		conn:       conn,
		pool:       pool,
		autoCommit: autoCommit,
		session:    semaphore.NewWeighted(1),
	}
	s.lastUse.Store(time.Now().UnixNano())
	return s
}

// Enter marks the start of a blocking call on the connection.
func (s *Slot) Enter() {
	s.busy.Add(1)
}

// TryEnter raises the busy counter only if the slot is open and idle, reserving
// it for the caller until the matching Leave.
func (s *Slot) TryEnter() bool {
	if s.Closed() || !s.busy.CompareAndSwap(0, 1) {
		return false
	}
	if s.Closed() {
		s.Leave()
		return false
	}
	return true
}

// Leave marks the end of a blocking call started with Enter.
func (s *Slot) Leave() {
	if s.busy.Add(-1) < 0 {
		s.busy.Store(0)
	}
	s.lastUse.Store(time.Now().UnixNano())
}

// LockSession reserves the connection's session state, such as the id its last
// insert generated, until UnlockSession. It waits for the current holder or for
// ctx to be done.
func (s *Slot) LockSession(ctx context.Context) error {
	if err := s.session.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("connection %s session: %w", s.ID, err)
	}
	return nil
}

// UnlockSession ends a successful LockSession.
func (s *Slot) UnlockSession() {
	s.session.Release(1)
}

// Busy reports whether a native call is in flight on the connection.
func (s *Slot) Busy() bool {
	return s.busy.Load() > 0
}

// BusyCount returns the current nesting depth of Enter calls.
func (s *Slot) BusyCount() int {
	return int(s.busy.Load())
}

// Closed reports whether the slot has been closed.
func (s *Slot) Closed() bool {
	return s.closed.Load()
}

// Eligible reports whether the slot may be handed to a new user.
func (s *Slot) Eligible() bool {
	return !s.Busy() && !s.Closed()
}

// AutoCommit reports whether statements run outside of an explicit transaction.
func (s *Slot) AutoCommit() bool {
	return s.autoCommit
}

// Pool returns the name of the pool that created the slot.
func (s *Slot) Pool() string {
	return s.pool
}

// LastUse returns the time the last native call on the slot finished.
func (s *Slot) LastUse() time.Time {
	return time.Unix(0, s.lastUse.Load())
}

// Idle returns how long the slot has been unused.
func (s *Slot) Idle() time.Duration {
	return time.Since(s.LastUse())
}

// MarkSuspect forces a health check the next time the slot is reused.
func (s *Slot) MarkSuspect() {
	s.suspect.Store(true)
}

// Suspect reports whether the slot saw a connection-class error.
func (s *Slot) Suspect() bool {
	return s.suspect.Load()
}

// Conn returns the underlying connection.
func (s *Slot) Conn() *sql.Conn {
	return s.conn
}

// Querier returns what statements should run on: the connection itself, or the
// slot's open transaction when autocommit is off (a transaction is begun lazily).
func (s *Slot) Querier(ctx context.Context) (Querier, error) {
	if s.autoCommit {
		return s.conn, nil
	}
	tx, err := s.txn(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Stmt returns stmt bound to the slot's open transaction when autocommit is off.
func (s *Slot) Stmt(ctx context.Context, stmt *sql.Stmt) (*sql.Stmt, error) {
	if s.autoCommit {
		return stmt, nil
	}
	tx, err := s.txn(ctx)
	if err != nil {
		return nil, err
	}
	return tx.StmtContext(ctx, stmt), nil
}

// txn returns the open transaction, beginning one if needed. The transaction
// outlives the call that began it, so it is not bound to ctx cancellation.
func (s *Slot) txn(ctx context.Context) (*sql.Tx, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx != nil {
		return s.tx, nil
	}
	if s.Closed() {
		return nil, sql.ErrConnDone
	}
	tx, err := s.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// InTransaction reports whether the slot holds an uncommitted transaction.
func (s *Slot) InTransaction() bool {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.tx != nil
}

// Commit commits the slot's open transaction, if any.
func (s *Slot) Commit() error {
	return s.endTx(true)
}

// Rollback rolls back the slot's open transaction, if any.
func (s *Slot) Rollback() error {
	return s.endTx(false)
}

func (s *Slot) endTx(commit bool) error {
	s.txMu.Lock()
	tx := s.tx
	s.tx = nil
	s.txMu.Unlock()
	if tx == nil {
		return nil
	}
	s.Enter()
	defer s.Leave()
	if commit {
		return tx.Commit()
	}
	return tx.Rollback()
}

// Ping validates the connection with query, or with PingContext when query is empty.
func (s *Slot) Ping(ctx context.Context, query string) error {
	if s.Closed() {
		return sql.ErrConnDone
	}
	s.Enter()
	defer s.Leave()
	if err := s.ping(ctx, query); err != nil {
		return err
	}
	s.suspect.Store(false)
	return nil
}

func (s *Slot) ping(ctx context.Context, query string) error {
	if query == "" {
		return s.conn.PingContext(ctx)
	}
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}

// Close rolls back any open transaction and returns the connection. Safe to call twice.
func (s *Slot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.Rollback()
	return s.conn.Close()
}

// Discard closes the slot and tells database/sql the connection is bad so it is
// not kept for reuse.
func (s *Slot) Discard() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.Rollback()
	_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
