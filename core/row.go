package core

import (
	"bytes"
	"encoding/json"
)

// RowView is the read-only view of a row handed to computed attributes.
type RowView interface {
	Keys() []string
	Get(name string) any
}

// Row is one materialized result row: an ordered column to value mapping.
// Instance is set when the row was materialized through a ResultEntity.
type Row struct {
	columns  []string
	values   map[string]any
	Instance Instance
}

// NewRow builds a row from parallel column and value slices.
func NewRow(columns []string, values []any) *Row {
	r := &Row{
		columns: columns,
		values:  make(map[string]any, len(columns)),
	}
	for i, c := range columns {
		if i < len(values) {
			r.values[c] = values[i]
		}
	}
	return r
}

// Keys returns the column labels in result order.
func (r *Row) Keys() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

// Get returns the value of a column, or nil.
func (r *Row) Get(name string) any {
	if r == nil {
		return nil
	}
	return r.values[name]
}

// Has reports whether the row has the column.
func (r *Row) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Len returns the number of columns.
func (r *Row) Len() int {
	return len(r.columns)
}

// Values returns the values in column order.
func (r *Row) Values() []any {
	out := make([]any, len(r.columns))
	for i, c := range r.columns {
		out[i] = r.values[c]
	}
	return out
}

// Map returns a copy of the values keyed by column.
func (r *Row) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the row as an object with keys in column order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.values[c])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
