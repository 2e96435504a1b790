package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/shrek82/jormpool/core"
)

// Querier runs queries for computed attributes. *core.Database and *core.Tx
// satisfy it.
type Querier interface {
	Query(ctx context.Context, query string, entity core.ResultEntity, args ...any) (*core.RowCursor, error)
	FetchOne(ctx context.Context, query string, entity core.ResultEntity, args ...any) (*core.Row, error)
	Evaluate(ctx context.Context, query string, args ...any) (any, error)
}

// queryAttribute runs a query whose positional parameters are read, in order,
// from the named columns of the current row.
type queryAttribute struct {
	kind   core.AttributeKind
	db     Querier
	query  string
	params []string
	entity core.ResultEntity
}

// RowQuery is an attribute whose value is the first row of query.
func RowQuery(db Querier, query string, params ...string) core.Attribute {
	return &queryAttribute{kind: core.AttributeRow, db: db, query: query, params: params}
}

// RowsetQuery is an attribute whose value is a cursor over query.
func RowsetQuery(db Querier, query string, params ...string) core.Attribute {
	return &queryAttribute{kind: core.AttributeRowset, db: db, query: query, params: params}
}

// ScalarQuery is an attribute whose value is the first column of the first row of query.
func ScalarQuery(db Querier, query string, params ...string) core.Attribute {
	return &queryAttribute{kind: core.AttributeScalar, db: db, query: query, params: params}
}

func (a *queryAttribute) Kind() core.AttributeKind { return a.kind }

func (a *queryAttribute) args(row core.RowView) ([]any, error) {
	args := make([]any, len(a.params))
	for i, p := range a.params {
		v, ok := lookup(row, p)
		if !ok {
			return nil, fmt.Errorf("column %q is not in the row", p)
		}
		args[i] = v
	}
	return args, nil
}

func (a *queryAttribute) Fetch(ctx context.Context, row core.RowView) (*core.Row, error) {
	args, err := a.args(row)
	if err != nil {
		return nil, err
	}
	return a.db.FetchOne(ctx, a.query, a.entity, args...)
}

func (a *queryAttribute) Query(ctx context.Context, row core.RowView) (*core.RowCursor, error) {
	args, err := a.args(row)
	if err != nil {
		return nil, err
	}
	return a.db.Query(ctx, a.query, a.entity, args...)
}

func (a *queryAttribute) Evaluate(ctx context.Context, row core.RowView) (any, error) {
	args, err := a.args(row)
	if err != nil {
		return nil, err
	}
	return a.db.Evaluate(ctx, a.query, args...)
}

// computed is a scalar attribute computed in Go from the current row.
type computed func(core.RowView) (any, error)

// Computed is a scalar attribute computed by fn without touching the database.
func Computed(fn func(core.RowView) (any, error)) core.Attribute {
	return computed(fn)
}

func (computed) Kind() core.AttributeKind { return core.AttributeScalar }

func (computed) Fetch(context.Context, core.RowView) (*core.Row, error) {
	return nil, fmt.Errorf("computed attribute has no row")
}

func (computed) Query(context.Context, core.RowView) (*core.RowCursor, error) {
	return nil, fmt.Errorf("computed attribute has no rowset")
}

func (c computed) Evaluate(_ context.Context, row core.RowView) (any, error) {
	return c(row)
}

// lookup reads a column of row, ignoring case when there is no exact match.
func lookup(row core.RowView, name string) (any, bool) {
	keys := row.Keys()
	for _, k := range keys {
		if k == name {
			return row.Get(k), true
		}
	}
	for _, k := range keys {
		if strings.EqualFold(k, name) {
			return row.Get(k), true
		}
	}
	return nil, false
}
