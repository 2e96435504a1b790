package core

import "context"

// AttributeKind tells how a computed attribute produces its value.
type AttributeKind int

const (
	// AttributeRow yields a single *Row.
	AttributeRow AttributeKind = iota + 1
	// AttributeRowset yields a *RowCursor.
	AttributeRowset
	// AttributeScalar yields a single value.
	AttributeScalar
)

func (k AttributeKind) String() string {
	switch k {
	case AttributeRow:
		return "row"
	case AttributeRowset:
		return "rowset"
	case AttributeScalar:
		return "scalar"
	}
	return "unknown"
}

// Attribute is a named sub-query evaluated against the current row of a cursor.
// Only the method matching Kind is called.
type Attribute interface {
	Kind() AttributeKind
	Fetch(ctx context.Context, row RowView) (*Row, error)
	Query(ctx context.Context, row RowView) (*RowCursor, error)
	Evaluate(ctx context.Context, row RowView) (any, error)
}

// Instance is the typed object built from a row by a ResultEntity.
type Instance interface {
	// MarkClean flags the instance as loaded from the database, with no pending write-back.
	MarkClean()
}

// ResultEntity describes how rows of a query become typed instances, which
// names are computed attributes and which columns are obfuscated.
type ResultEntity interface {
	Name() string
	// ResolveName maps a caller-facing name to a column label or attribute name.
	ResolveName(name string) string
	Attribute(name string) (Attribute, bool)
	Obfuscated(column string) bool
	Obfuscate(value any) any
	NewInstance(row *Row) (Instance, error)
}
