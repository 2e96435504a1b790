package core

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shrek82/jormpool/dialect"
	"github.com/shrek82/jormpool/pool"
)

// entry is the state shared by pooled simple and prepared statements.
//
// An entry moves FREE -> IN_USE when a pool hands it out and back to FREE when
// it is released, either explicitly or because the cursor it produced is over.
// Independently it moves VALID -> INVALID when its connection is dropped; that
// transition is final.
//
// On a pinned stack (autocommit off) an in-use entry also holds its slot busy,
// and releasing it rolls back whatever transaction was left open.
type entry struct {
	id     string
	kind   string
	slot   *pool.Slot
	stack  *Stack
	pinned bool

	valid   atomic.Bool
	inUse   atomic.Bool
	closed  atomic.Bool
	holding atomic.Bool
	lastTag atomic.Int64

	mu     sync.Mutex
	cursor *RowCursor
	result sql.Result
}

func (e *entry) init(stack *Stack, slot *pool.Slot, kind string, pinned bool) {
	e.id = uuid.NewString()
	e.kind = kind
	e.slot = slot
	e.stack = stack
	e.pinned = pinned
	e.valid.Store(true)
	e.tag()
}

func (e *entry) base() *entry { return e }

// ID identifies the statement in logs.
func (e *entry) ID() string { return e.id }

// Slot returns the connection the statement is bound to.
func (e *entry) Slot() *pool.Slot { return e.slot }

// InUse reports whether the statement is handed out.
func (e *entry) InUse() bool { return e.inUse.Load() }

// Valid reports whether the statement's connection is still usable.
func (e *entry) Valid() bool { return e.valid.Load() && !e.closed.Load() }

// LastTag returns when the statement was last handed out.
func (e *entry) LastTag() time.Time { return time.Unix(0, e.lastTag.Load()) }

func (e *entry) tag() {
	e.lastTag.Store(time.Now().UnixNano())
}

// acquire marks the entry in use if it and its slot are free. Callers hold the
// owning pool's lock.
func (e *entry) acquire() bool {
	if !e.valid.Load() || e.closed.Load() || e.inUse.Load() {
		return false
	}
	if e.pinned {
		if !e.slot.TryEnter() {
			return false
		}
	} else if !e.slot.Eligible() {
		return false
	}
	e.inUse.Store(true)
	return true
}

func (e *entry) check() error {
	if !e.Valid() {
		return fmt.Errorf("%s %s: %w", e.kind, e.id, ErrStatementClosed)
	}
	if !e.inUse.Load() {
		return fmt.Errorf("%s %s: %w", e.kind, e.id, ErrStatementReleased)
	}
	return nil
}

// holdSession keeps the connection busy and its session locked from an update
// until the generated id has been read back, on drivers that read it with a
// follow-up query. Other statements sharing the connection cannot insert in
// between.
func (e *entry) holdSession(ctx context.Context) error {
	if e.stack.profile.LastInsertID != dialect.LastInsertIDQuery || e.holding.Load() {
		return nil
	}
	if err := e.slot.LockSession(ctx); err != nil {
		return err
	}
	e.slot.Enter()
	e.holding.Store(true)
	return nil
}

func (e *entry) dropSession() {
	if e.holding.CompareAndSwap(true, false) {
		e.slot.Leave()
		e.slot.UnlockSession()
	}
}

// Release gives the statement back to its pool. A cursor still open on the
// statement is closed first. Calling Release on a free statement does nothing.
func (e *entry) Release() {
	e.mu.Lock()
	c := e.cursor
	e.mu.Unlock()
	if c != nil {
		c.finish()
	}
	e.release()
}

func (e *entry) cursorOver(c *RowCursor) {
	e.mu.Lock()
	if e.cursor != c {
		e.mu.Unlock()
		return
	}
	e.cursor = nil
	e.mu.Unlock()
	e.release()
}

func (e *entry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = nil
	e.dropSession()
	if !e.inUse.Load() {
		return
	}
	if e.pinned {
		if e.slot.InTransaction() {
			if err := e.slot.Rollback(); err != nil {
				e.stack.log.Warn("rolling back statement %s: %v", e.id, err)
			}
		}
		e.slot.Leave()
	}
	e.inUse.Store(false)
}

func (e *entry) close(closeNative func() error) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.valid.Store(false)
	e.Release()
	if closeNative == nil {
		return nil
	}
	return closeNative()
}

func (e *entry) failed(ctx context.Context, query string, err error) error {
	if dialect.IsConnectionError(err) {
		e.slot.MarkSuspect()
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	err = fmt.Errorf("%s: %w", query, err)
	e.stack.log.Error("statement %s failed: %v", e.id, err)
	recordError(ctx, err)
	return err
}

func (e *entry) query(ctx context.Context, query string, entity ResultEntity, args []any, run func(context.Context) (*sql.Rows, error)) (*RowCursor, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	e.slot.Enter()
	start := time.Now()
	rows, err := run(ctx)
	e.slot.Leave()
	e.stack.log.SQL(query, time.Since(start), args...)
	if err != nil {
		err = e.failed(ctx, query, err)
		e.release()
		return nil, err
	}
	c := newRowCursor(ctx, e, rows, e.slot, entity, e.stack.log, e.stack.fold)
	e.mu.Lock()
	e.cursor = c
	e.mu.Unlock()
	c.init()
	return c, nil
}

func (e *entry) fetchOne(ctx context.Context, query string, entity ResultEntity, args []any, run func(context.Context) (*sql.Rows, error)) (*Row, error) {
	c, err := e.query(ctx, query, entity, args, run)
	if err != nil {
		return nil, err
	}
	defer c.finish()
	row := c.Next()
	if row == nil {
		return nil, c.Err()
	}
	return row, nil
}

func (e *entry) evaluate(ctx context.Context, query string, args []any, run func(context.Context) (*sql.Rows, error)) (any, error) {
	row, err := e.fetchOne(ctx, query, nil, args, run)
	if err != nil || row == nil || row.Len() == 0 {
		return nil, err
	}
	return row.Values()[0], nil
}

func (e *entry) update(ctx context.Context, query string, args []any, run func(context.Context) (sql.Result, error)) (int64, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	if err := e.holdSession(ctx); err != nil {
		return 0, e.failed(ctx, query, err)
	}
	e.slot.Enter()
	start := time.Now()
	res, err := run(ctx)
	e.slot.Leave()
	e.stack.log.SQL(query, time.Since(start), args...)
	if err != nil {
		e.dropSession()
		return 0, e.failed(ctx, query, err)
	}
	e.mu.Lock()
	e.result = res
	e.mu.Unlock()
	n, err := res.RowsAffected()
	if err != nil {
		return 0, e.failed(ctx, query, fmt.Errorf("rows affected: %w", err))
	}
	return n, nil
}

// updateOne enforces the single-row contract: no row is worth a warning, more
// than one is an error and undoes the open transaction, if any.
func (e *entry) updateOne(ctx context.Context, query string, args []any, run func(context.Context) (sql.Result, error)) (int64, error) {
	n, err := e.update(ctx, query, args, run)
	if err != nil {
		return n, err
	}
	switch {
	case n == 0:
		e.stack.log.Warn("update affected no row: %s", query)
	case n > 1:
		if !e.slot.AutoCommit() {
			if rerr := e.slot.Rollback(); rerr != nil {
				e.stack.log.Warn("rolling back statement %s: %v", e.id, rerr)
			}
		}
		err = fmt.Errorf("%w: %d rows: %s", ErrMultipleRowsAffected, n, query)
		e.stack.log.Error("%v", err)
		recordError(ctx, err)
		return n, err
	}
	return n, nil
}

// LastInsertID returns the id generated by the last update on this statement,
// using the strategy of the driver profile. Call it before Release. When the
// driver reads the id with a follow-up query, the update keeps the connection's
// session to itself until LastInsertID or Release.
func (e *entry) LastInsertID(ctx context.Context) (int64, error) {
	p := e.stack.profile
	switch p.LastInsertID {
	case dialect.LastInsertIDNative:
		e.mu.Lock()
		res := e.result
		e.mu.Unlock()
		if res == nil {
			return 0, ErrNoUpdate
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("last insert id: %w", err)
		}
		return id, nil
	case dialect.LastInsertIDQuery:
		return e.queryLastInsertID(ctx, p.LastInsertIDQuery)
	default:
		return 0, fmt.Errorf("%s: %w", p.Name, ErrLastInsertIDUnsupported)
	}
}

func (e *entry) queryLastInsertID(ctx context.Context, query string) (int64, error) {
	defer e.dropSession()
	q, err := e.slot.Querier(ctx)
	if err != nil {
		return 0, err
	}
	e.slot.Enter()
	defer e.slot.Leave()
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("last insert id: %w", err)
		}
		return 0, fmt.Errorf("last insert id: %s returned no row", query)
	}
	var v any
	if err := rows.Scan(&v); err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return toInt64(v)
}

// Commit commits the transaction open on the statement's connection.
func (e *entry) Commit() error {
	start := time.Now()
	err := e.slot.Commit()
	e.stack.log.SQL("COMMIT", time.Since(start))
	if err != nil {
		return fmt.Errorf("transaction commit failed: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction open on the statement's connection.
func (e *entry) Rollback() error {
	start := time.Now()
	err := e.slot.Rollback()
	e.stack.log.SQL("ROLLBACK", time.Since(start))
	if err != nil {
		return fmt.Errorf("transaction rollback failed: %w", err)
	}
	return nil
}

// PooledStatement runs ad-hoc SQL on a pooled connection.
type PooledStatement struct {
	entry
}

func newPooledStatement(stack *Stack, slot *pool.Slot, pinned bool) *PooledStatement {
	s := &PooledStatement{}
	s.init(stack, slot, "statement", pinned)
	return s
}

func (s *PooledStatement) closeNative() error { return nil }

func (s *PooledStatement) runQuery(query string, args []any) func(context.Context) (*sql.Rows, error) {
	return func(ctx context.Context) (*sql.Rows, error) {
		q, err := s.slot.Querier(ctx)
		if err != nil {
			return nil, err
		}
		return q.QueryContext(ctx, query, bindArgs(args)...)
	}
}

func (s *PooledStatement) runExec(query string, args []any) func(context.Context) (sql.Result, error) {
	return func(ctx context.Context) (sql.Result, error) {
		q, err := s.slot.Querier(ctx)
		if err != nil {
			return nil, err
		}
		return q.ExecContext(ctx, query, bindArgs(args)...)
	}
}

// Query runs query and returns a cursor over its rows. The statement stays in
// use until the cursor is over. entity may be nil.
func (s *PooledStatement) Query(ctx context.Context, query string, entity ResultEntity, args ...any) (*RowCursor, error) {
	if err := validSQL(query); err != nil {
		return nil, err
	}
	return s.query(ctx, query, entity, args, s.runQuery(query, args))
}

// FetchOne returns the first row of query, or nil when there is none, and
// releases the statement.
func (s *PooledStatement) FetchOne(ctx context.Context, query string, entity ResultEntity, args ...any) (*Row, error) {
	if err := validSQL(query); err != nil {
		return nil, err
	}
	return s.fetchOne(ctx, query, entity, args, s.runQuery(query, args))
}

// Evaluate returns the first column of the first row of query and releases the statement.
func (s *PooledStatement) Evaluate(ctx context.Context, query string, args ...any) (any, error) {
	if err := validSQL(query); err != nil {
		return nil, err
	}
	return s.evaluate(ctx, query, args, s.runQuery(query, args))
}

// Update runs a mutation and returns the affected row count. The statement
// stays in use so LastInsertID can follow; call Release afterwards.
func (s *PooledStatement) Update(ctx context.Context, query string, args ...any) (int64, error) {
	if err := validSQL(query); err != nil {
		return 0, err
	}
	return s.update(ctx, query, args, s.runExec(query, args))
}

// UpdateOne is Update for statements expected to change exactly one row.
func (s *PooledStatement) UpdateOne(ctx context.Context, query string, args ...any) (int64, error) {
	if err := validSQL(query); err != nil {
		return 0, err
	}
	return s.updateOne(ctx, query, args, s.runExec(query, args))
}

// Close invalidates the statement. Safe to call more than once.
func (s *PooledStatement) Close() error {
	return s.close(s.closeNative)
}

func validSQL(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: empty statement", ErrInvalidSQL)
	}
	return nil
}

// bindArgs replaces arguments the driver cannot bind, but that know how to
// print themselves, with their string form.
func bindArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
		if _, ok := a.(driver.Valuer); ok {
			continue
		}
		if _, err := driver.DefaultParameterConverter.ConvertValue(a); err == nil {
			continue
		}
		if s, ok := a.(fmt.Stringer); ok {
			out[i] = s.String()
		}
	}
	return out
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, fmt.Errorf("last insert id: null value")
	}
	return 0, fmt.Errorf("last insert id: unexpected type %T", v)
}
