package model

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/shrek82/jormpool/core"
)

// Record is the instance an Entity builds from a row.
type Record[T any] struct {
	Value *T
	clean bool
}

// MarkClean flags the record as matching the database.
func (r *Record[T]) MarkClean() { r.clean = true }

// Touch flags the record as modified.
func (r *Record[T]) Touch() { r.clean = false }

// Clean reports whether the record is unmodified since it was read.
func (r *Record[T]) Clean() bool { return r.clean }

type options struct {
	name      string
	attrs     map[string]core.Attribute
	relations Querier
	obfuscate func(any) any
}

// Option configures an Entity.
type Option func(*options)

// WithName overrides the entity name, which defaults to the table name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithAttribute declares a computed attribute.
func WithAttribute(name string, a core.Attribute) Option {
	return func(o *options) { o.attrs[name] = a }
}

// WithRelations exposes the struct's relation fields as computed attributes
// querying db.
func WithRelations(db Querier) Option {
	return func(o *options) { o.relations = db }
}

// WithObfuscator replaces Mask as the transform of obfuscated columns.
func WithObfuscator(fn func(any) any) Option {
	return func(o *options) { o.obfuscate = fn }
}

// Entity turns rows into *T values following the struct's jorm tags. It
// implements core.ResultEntity.
type Entity[T any] struct {
	name      string
	model     *Model
	attrs     map[string]core.Attribute
	attrNames map[string]string
	obfuscate func(any) any
}

// NewEntity describes T, which must be a struct type.
func NewEntity[T any](opts ...Option) (*Entity[T], error) {
	m, err := modelOf(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	o := &options{attrs: make(map[string]core.Attribute), obfuscate: Mask}
	for _, opt := range opts {
		opt(o)
	}
	if o.relations != nil {
		for _, rel := range m.Relations {
			name := rel.AttributeName()
			if _, ok := o.attrs[name]; ok {
				continue
			}
			a, err := rel.Attribute(o.relations)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", m.TableName, rel.Name, err)
			}
			o.attrs[name] = a
		}
	}
	e := &Entity[T]{
		name:      o.name,
		model:     m,
		attrs:     o.attrs,
		attrNames: make(map[string]string, len(o.attrs)),
		obfuscate: o.obfuscate,
	}
	if e.name == "" {
		e.name = m.TableName
	}
	for name := range o.attrs {
		e.attrNames[strings.ToLower(name)] = name
	}
	return e, nil
}

// Load returns the Entity cached in r under key, building it on first use.
func Load[T any](r *core.Registry, key string, opts ...Option) (*Entity[T], error) {
	v, err := r.Schema(key, func() (any, error) {
		return NewEntity[T](opts...)
	})
	if err != nil {
		return nil, err
	}
	e, ok := v.(*Entity[T])
	if !ok {
		return nil, fmt.Errorf("schema %q holds %T", key, v)
	}
	return e, nil
}

// Model returns the parsed struct metadata.
func (e *Entity[T]) Model() *Model { return e.model }

func (e *Entity[T]) Name() string { return e.name }

// ResolveName maps attribute names, struct field names and column labels,
// in any case, to the attribute name or column.
func (e *Entity[T]) ResolveName(name string) string {
	lower := strings.ToLower(name)
	if a, ok := e.attrNames[lower]; ok {
		return a
	}
	if c, ok := e.model.Column(name); ok {
		return c
	}
	return name
}

func (e *Entity[T]) Attribute(name string) (core.Attribute, bool) {
	a, ok := e.attrs[name]
	return a, ok
}

func (e *Entity[T]) Obfuscated(column string) bool {
	f, ok := e.model.Field(column)
	return ok && f.Obfuscate
}

func (e *Entity[T]) Obfuscate(value any) any {
	return e.obfuscate(value)
}

// NewInstance copies the row's columns into a new T. Columns without a
// matching field are ignored.
func (e *Entity[T]) NewInstance(row *core.Row) (core.Instance, error) {
	v := new(T)
	rv := reflect.ValueOf(v).Elem()
	for _, label := range row.Keys() {
		f, ok := e.model.Field(label)
		if !ok {
			continue
		}
		if err := assign(rv.FieldByIndex(f.Index), row.Get(label)); err != nil {
			return nil, fmt.Errorf("column %s into %s: %w", label, f.Name, err)
		}
	}
	return &Record[T]{Value: v}, nil
}

// Collect drains c and returns the values of its rows. c must have been
// produced with e.
func Collect[T any](c *core.RowCursor) ([]*T, error) {
	defer c.Close()
	var out []*T
	for c.HasNext() {
		row := c.Next()
		if row == nil {
			break
		}
		rec, ok := row.Instance.(*Record[T])
		if !ok {
			return out, fmt.Errorf("row carries %T, not a %T record", row.Instance, *new(T))
		}
		out = append(out, rec.Value)
	}
	return out, c.Err()
}

// Query runs query through db and returns its rows as *T values.
func Query[T any](ctx context.Context, db Querier, e *Entity[T], query string, args ...any) ([]*T, error) {
	c, err := db.Query(ctx, query, e, args...)
	if err != nil {
		return nil, err
	}
	return Collect[T](c)
}

// FetchOne returns the first row of query as a *T, or nil.
func FetchOne[T any](ctx context.Context, db Querier, e *Entity[T], query string, args ...any) (*T, error) {
	row, err := db.FetchOne(ctx, query, e, args...)
	if err != nil || row == nil {
		return nil, err
	}
	rec, ok := row.Instance.(*Record[T])
	if !ok {
		return nil, fmt.Errorf("row carries %T, not a record", row.Instance)
	}
	return rec.Value, nil
}
