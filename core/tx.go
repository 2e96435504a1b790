package core

import (
	"context"

	"github.com/shrek82/jormpool/pool"
)

// Tx runs statements inside the transaction opened by Database.Transaction.
// All of them share one connection of the transaction stack.
type Tx struct {
	d    *Database
	slot *pool.Slot
}

// Slot returns the connection the transaction runs on.
func (tx *Tx) Slot() *pool.Slot {
	return tx.slot
}

func (tx *Tx) exec(ctx context.Context, op *Operation) (*Result, error) {
	op.Pool = pool.Transaction
	return tx.d.run(ctx, op, func(ctx context.Context, op *Operation) (*Result, error) {
		st := newPooledStatement(tx.d.tx, tx.slot, false)
		st.inUse.Store(true)
		return executeOn(ctx, st, op, false)
	})
}

// Query runs query within the transaction and returns a cursor over its rows.
func (tx *Tx) Query(ctx context.Context, query string, entity ResultEntity, args ...any) (*RowCursor, error) {
	res, err := tx.exec(ctx, &Operation{Kind: OpQuery, SQL: query, Args: args, Entity: entity})
	if err != nil {
		return nil, err
	}
	return res.Cursor, nil
}

// FetchOne returns the first row of query, or nil.
func (tx *Tx) FetchOne(ctx context.Context, query string, entity ResultEntity, args ...any) (*Row, error) {
	res, err := tx.exec(ctx, &Operation{Kind: OpFetch, SQL: query, Args: args, Entity: entity})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// Evaluate returns the first column of the first row of query, or nil.
func (tx *Tx) Evaluate(ctx context.Context, query string, args ...any) (any, error) {
	res, err := tx.exec(ctx, &Operation{Kind: OpEvaluate, SQL: query, Args: args})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Update runs a mutation within the transaction.
func (tx *Tx) Update(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := tx.exec(ctx, &Operation{Kind: OpUpdate, SQL: query, Args: args})
	return rowsAffected(res), err
}

// UpdateOne runs a mutation expected to change exactly one row. More than one
// row fails with ErrMultipleRowsAffected and rolls the transaction back.
func (tx *Tx) UpdateOne(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := tx.exec(ctx, &Operation{Kind: OpUpdate, SQL: query, Args: args, ExpectOne: true})
	return rowsAffected(res), err
}

// Insert runs an insert into entity and returns the generated id.
func (tx *Tx) Insert(ctx context.Context, entity string, query string, args ...any) (int64, error) {
	res, err := tx.exec(ctx, &Operation{Kind: OpUpdate, SQL: query, Args: args, ExpectOne: true, InsertInto: entity})
	if err != nil {
		return 0, err
	}
	return res.LastInsertID, nil
}
