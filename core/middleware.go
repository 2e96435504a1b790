package core

import (
	"context"
)

// OpKind is the kind of a facade operation.
type OpKind string

const (
	OpQuery    OpKind = "query"
	OpFetch    OpKind = "fetch"
	OpEvaluate OpKind = "evaluate"
	OpUpdate   OpKind = "update"
)

// Operation describes one facade call travelling through the middleware chain.
type Operation struct {
	Kind OpKind
	// Pool is the stack the operation runs on: "regular" or "transaction".
	Pool   string
	SQL    string
	Args   []any
	Entity ResultEntity
	// ExpectOne applies the single-row contract to an update.
	ExpectOne bool
	// InsertInto names the entity whose generated id is read back after an update.
	InsertInto string
}

// Result represents the result of an operation. Which field is set depends on
// the operation kind.
type Result struct {
	Cursor       *RowCursor
	Row          *Row
	Value        any
	RowsAffected int64
	LastInsertID int64
}

// Component is the base interface for all components/middleware.
type Component interface {
	Name() string
	Init(db *Database) error
	Shutdown() error
}

// QueryFunc is the function type for the next step in the middleware chain.
type QueryFunc func(ctx context.Context, op *Operation) (*Result, error)

// QueryMiddleware is the interface for operation interceptors.
type QueryMiddleware interface {
	Component
	Process(ctx context.Context, op *Operation, next QueryFunc) (*Result, error)
}

func chain(mws []QueryMiddleware, final QueryFunc) QueryFunc {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		m, next := mws[i], h
		h = func(ctx context.Context, op *Operation) (*Result, error) {
			return m.Process(ctx, op, next)
		}
	}
	return h
}
