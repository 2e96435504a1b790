package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shrek82/jormpool/dialect"
	"github.com/shrek82/jormpool/logger"
	"github.com/shrek82/jormpool/pool"
)

// nativeRows is the part of *sql.Rows a cursor reads from.
type nativeRows interface {
	Next() bool
	Columns() ([]string, error)
	Scan(dest ...any) error
	Err() error
	Close() error
}

// cursorOwner is told once that a cursor it handed out is over.
type cursorOwner interface {
	cursorOver(c *RowCursor)
}

type accessorKind int

const (
	accessPhysical accessorKind = iota
	accessComputedRow
	accessComputedRowset
	accessComputedScalar
)

// accessor is what a name passed to RowCursor.Get resolved to.
type accessor struct {
	kind   accessorKind
	column string
	attr   Attribute
}

// RowCursor is a single-pass, forward-only iteration over a query result.
//
// The cursor looks one row ahead: the first HasNext after a Next advances the
// native result and caches the answer, which the following Next consumes. When
// the result is exhausted, fails, or the cursor is closed, the statement that
// produced it is notified exactly once and becomes reusable.
//
// Errors never escape iteration: they are logged, recorded on the UserContext
// of the query's context, returned by Err, and end the iteration.
//
// A RowCursor is not safe for concurrent use, except for Close.
type RowCursor struct {
	ctx    context.Context
	owner  cursorOwner
	rows   nativeRows
	slot   *pool.Slot
	entity ResultEntity
	log    logger.Logger
	fold   dialect.CasePolicy

	columns []string
	keySet  map[string]struct{}

	prefetched bool
	prefetch   bool
	current    *Row
	accessors  map[string]accessor

	overOnce sync.Once
	over     atomic.Bool
	errMu    sync.Mutex
	err      error
}

func newRowCursor(ctx context.Context, owner cursorOwner, rows nativeRows, slot *pool.Slot, entity ResultEntity, log logger.Logger, fold dialect.CasePolicy) *RowCursor {
	return &RowCursor{
		ctx:       ctx,
		owner:     owner,
		rows:      rows,
		slot:      slot,
		entity:    entity,
		log:       log,
		fold:      fold,
		accessors: make(map[string]accessor),
	}
}

// init reads the column labels. It runs once the owner knows about the cursor,
// so a failure here still notifies it.
func (c *RowCursor) init() {
	cols, err := c.rows.Columns()
	if err != nil {
		c.fail(fmt.Errorf("read columns: %w", err))
		return
	}
	c.columns = make([]string, len(cols))
	for i, col := range cols {
		c.columns[i] = c.fold.Fold(col)
	}
}

// HasNext reports whether Next will return a row.
func (c *RowCursor) HasNext() bool {
	if c.over.Load() {
		return false
	}
	if !c.prefetched {
		c.prefetch = c.advance()
		c.prefetched = true
	}
	return c.prefetch
}

// Next moves to the next row and returns it, or nil when there is none.
func (c *RowCursor) Next() *Row {
	if c.over.Load() {
		c.prefetched = false
		c.current = nil
		return nil
	}
	var ok bool
	if c.prefetched {
		ok = c.prefetch
		c.prefetched = false
	} else {
		ok = c.advance()
	}
	if !ok {
		c.current = nil
		return nil
	}
	row, err := c.materialize()
	if err != nil {
		c.current = nil
		c.fail(err)
		return nil
	}
	c.current = row
	return row
}

func (c *RowCursor) advance() bool {
	if c.over.Load() {
		return false
	}
	c.slot.Enter()
	ok := c.rows.Next()
	c.slot.Leave()
	if ok {
		return true
	}
	if err := c.rows.Err(); err != nil {
		c.fail(err)
	} else {
		c.finish()
	}
	c.current = nil
	return false
}

func (c *RowCursor) materialize() (*Row, error) {
	vals := make([]any, len(c.columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i, col := range c.columns {
		if b, ok := vals[i].([]byte); ok {
			vals[i] = string(b)
		}
		if c.entity != nil && c.entity.Obfuscated(col) {
			vals[i] = c.entity.Obfuscate(vals[i])
		}
	}
	row := NewRow(c.columns, vals)
	if c.entity != nil {
		inst, err := c.entity.NewInstance(row)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.entity.Name(), err)
		}
		if inst != nil {
			inst.MarkClean()
			row.Instance = inst
		}
	}
	return row, nil
}

// Rows drains the cursor into a slice. The cursor is over afterwards.
func (c *RowCursor) Rows() []*Row {
	defer c.finish()
	var out []*Row
	for c.HasNext() {
		r := c.Next()
		if r == nil {
			break
		}
		out = append(out, r)
	}
	return out
}

// Scalars drains the cursor keeping the first column of each row.
func (c *RowCursor) Scalars() []any {
	defer c.finish()
	var out []any
	for c.HasNext() {
		r := c.Next()
		if r == nil {
			break
		}
		if r.Len() == 0 {
			out = append(out, nil)
			continue
		}
		out = append(out, r.Values()[0])
	}
	return out
}

// Current returns the row returned by the last Next, or nil when the cursor is
// before the first row or past the last one.
func (c *RowCursor) Current() *Row {
	return c.current
}

// Get reads a column or computed attribute of the current row. It returns nil
// when the cursor is not positioned on a row or the value cannot be produced.
func (c *RowCursor) Get(name string) any {
	if c.current == nil {
		return nil
	}
	a := c.resolve(name)
	switch a.kind {
	case accessComputedRow:
		row, err := a.attr.Fetch(c.ctx, c.current)
		if err != nil {
			c.attributeFailed(name, err)
			return nil
		}
		if row == nil {
			return nil
		}
		return row
	case accessComputedRowset:
		rc, err := a.attr.Query(c.ctx, c.current)
		if err != nil {
			c.attributeFailed(name, err)
			return nil
		}
		if rc == nil {
			return nil
		}
		return rc
	case accessComputedScalar:
		v, err := a.attr.Evaluate(c.ctx, c.current)
		if err != nil {
			c.attributeFailed(name, err)
			return nil
		}
		return v
	default:
		return c.current.Get(a.column)
	}
}

func (c *RowCursor) resolve(name string) accessor {
	if a, ok := c.accessors[name]; ok {
		return a
	}
	a := accessor{kind: accessPhysical, column: c.fold.Fold(name)}
	if c.entity != nil {
		resolved := c.entity.ResolveName(name)
		if attr, ok := c.entity.Attribute(resolved); ok {
			switch attr.Kind() {
			case AttributeRow:
				a = accessor{kind: accessComputedRow, attr: attr}
			case AttributeRowset:
				a = accessor{kind: accessComputedRowset, attr: attr}
			case AttributeScalar:
				a = accessor{kind: accessComputedScalar, attr: attr}
			}
		} else {
			a.column = c.fold.Fold(resolved)
		}
	}
	c.accessors[name] = a
	return a
}

func (c *RowCursor) attributeFailed(name string, err error) {
	err = fmt.Errorf("attribute %s: %w", name, err)
	c.log.Error("%v", err)
	recordError(c.ctx, err)
}

// Keys returns the column labels of the result, in order.
func (c *RowCursor) Keys() []string {
	out := make([]string, len(c.columns))
	copy(out, c.columns)
	return out
}

// KeySet returns the column labels of the result as a set.
func (c *RowCursor) KeySet() map[string]struct{} {
	if c.keySet == nil {
		c.keySet = make(map[string]struct{}, len(c.columns))
		for _, col := range c.columns {
			c.keySet[col] = struct{}{}
		}
	}
	return c.keySet
}

// Remove is not supported; it only logs a warning.
func (c *RowCursor) Remove() {
	c.log.Warn("row cursor does not support removing rows")
}

// Err returns the error that ended the iteration, if any.
func (c *RowCursor) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Over reports whether the cursor was exhausted, failed or closed.
func (c *RowCursor) Over() bool {
	return c.over.Load()
}

// Close ends the iteration early. Safe to call more than once.
func (c *RowCursor) Close() error {
	c.finish()
	return nil
}

func (c *RowCursor) fail(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	c.log.Error("row iteration failed: %v", err)
	recordError(c.ctx, err)
	if dialect.IsConnectionError(err) {
		c.slot.MarkSuspect()
	}
	c.finish()
}

func (c *RowCursor) finish() {
	c.overOnce.Do(func() {
		c.over.Store(true)
		c.slot.Enter()
		if err := c.rows.Close(); err != nil {
			c.log.Warn("closing result set: %v", err)
		}
		c.slot.Leave()
		if c.owner != nil {
			c.owner.cursorOver(c)
		}
	})
}
