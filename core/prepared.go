package core

import (
	"context"
	"database/sql"

	"github.com/shrek82/jormpool/pool"
)

// PooledPreparedStatement is a statement prepared once on a pooled connection
// and reused by every caller asking for the same SQL text.
type PooledPreparedStatement struct {
	entry
	sql  string
	stmt *sql.Stmt
}

func newPooledPreparedStatement(stack *Stack, slot *pool.Slot, pinned bool, query string, stmt *sql.Stmt) *PooledPreparedStatement {
	s := &PooledPreparedStatement{sql: query, stmt: stmt}
	s.init(stack, slot, "prepared statement", pinned)
	return s
}

// SQL returns the text the statement was prepared with.
func (s *PooledPreparedStatement) SQL() string {
	return s.sql
}

func (s *PooledPreparedStatement) closeNative() error {
	s.slot.Enter()
	defer s.slot.Leave()
	return s.stmt.Close()
}

func (s *PooledPreparedStatement) bound(ctx context.Context) (*sql.Stmt, error) {
	return s.slot.Stmt(ctx, s.stmt)
}

func (s *PooledPreparedStatement) runQuery(args []any) func(context.Context) (*sql.Rows, error) {
	return func(ctx context.Context) (*sql.Rows, error) {
		st, err := s.bound(ctx)
		if err != nil {
			return nil, err
		}
		return st.QueryContext(ctx, bindArgs(args)...)
	}
}

func (s *PooledPreparedStatement) runExec(args []any) func(context.Context) (sql.Result, error) {
	return func(ctx context.Context) (sql.Result, error) {
		st, err := s.bound(ctx)
		if err != nil {
			return nil, err
		}
		return st.ExecContext(ctx, bindArgs(args)...)
	}
}

// Query runs the statement with args and returns a cursor over its rows. The
// statement stays in use until the cursor is over. entity may be nil.
func (s *PooledPreparedStatement) Query(ctx context.Context, entity ResultEntity, args ...any) (*RowCursor, error) {
	return s.query(ctx, s.sql, entity, args, s.runQuery(args))
}

// FetchOne returns the first row, or nil when there is none, and releases the statement.
func (s *PooledPreparedStatement) FetchOne(ctx context.Context, entity ResultEntity, args ...any) (*Row, error) {
	return s.fetchOne(ctx, s.sql, entity, args, s.runQuery(args))
}

// Evaluate returns the first column of the first row and releases the statement.
func (s *PooledPreparedStatement) Evaluate(ctx context.Context, args ...any) (any, error) {
	return s.evaluate(ctx, s.sql, args, s.runQuery(args))
}

// Update runs the statement as a mutation and returns the affected row count.
// The statement stays in use; call Release when done with it.
func (s *PooledPreparedStatement) Update(ctx context.Context, args ...any) (int64, error) {
	return s.update(ctx, s.sql, args, s.runExec(args))
}

// UpdateOne is Update for statements expected to change exactly one row.
func (s *PooledPreparedStatement) UpdateOne(ctx context.Context, args ...any) (int64, error) {
	return s.updateOne(ctx, s.sql, args, s.runExec(args))
}

// Close releases and closes the native statement. Safe to call more than once.
func (s *PooledPreparedStatement) Close() error {
	return s.close(s.closeNative)
}
