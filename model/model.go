package model

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
)

// Tabler lets a struct choose its table name.
type Tabler interface {
	TableName() string
}

// Model represents table metadata
type Model struct {
	TableName    string
	OriginalType reflect.Type
	Fields       []*Field
	FieldMap     map[string]*Field
	PKField      *Field
	Relations    []*Relation

	// names maps lower-cased field names and columns to the column.
	names map[string]string
}

var modelCache sync.Map

// GetModel returns the model metadata for a given value
func GetModel(value any) (*Model, error) {
	if value == nil {
		return nil, fmt.Errorf("value is nil")
	}
	typ := reflect.TypeOf(value)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	return modelOf(typ)
}

func modelOf(typ reflect.Type) (*Model, error) {
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("value must be a struct or pointer to struct, got %s", typ.Kind())
	}

	if cached, ok := modelCache.Load(typ); ok {
		return cached.(*Model), nil
	}

	m, err := parseModel(typ)
	if err != nil {
		return nil, err
	}

	actual, _ := modelCache.LoadOrStore(typ, m)
	return actual.(*Model), nil
}

func parseModel(typ reflect.Type) (*Model, error) {
	m := &Model{
		TableName:    camelToSnake(typ.Name()),
		OriginalType: typ,
		FieldMap:     make(map[string]*Field),
		names:        make(map[string]string),
	}
	if t, ok := reflect.New(typ).Interface().(Tabler); ok {
		m.TableName = t.TableName()
	}

	if err := m.collect(typ, nil); err != nil {
		return nil, err
	}
	if m.PKField == nil {
		if f, ok := m.FieldMap["id"]; ok {
			f.IsPK = true
			m.PKField = f
		}
	}

	for _, rel := range m.Relations {
		if err := rel.resolve(m); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", typ.Name(), rel.Name, err)
		}
	}

	return m, nil
}

// collect maps the exported fields of typ, flattening embedded structs.
func (m *Model) collect(typ reflect.Type, index []int) error {
	for i := 0; i < typ.NumField(); i++ {
		structField := typ.Field(i)
		if !structField.IsExported() {
			continue
		}
		path := append(append([]int(nil), index...), i)

		tagStr := structField.Tag.Get("jorm")
		tag := ParseTag(tagStr)
		if tag.Skip {
			continue
		}
		if tag.IsRelation() {
			m.Relations = append(m.Relations, &Relation{Name: structField.Name, field: structField, tag: tag})
			continue
		}
		if structField.Anonymous && structField.Type.Kind() == reflect.Struct && tagStr == "" {
			if err := m.collect(structField.Type, path); err != nil {
				return err
			}
			continue
		}

		columnName := tag.Column
		if columnName == "" {
			columnName = camelToSnake(structField.Name)
		}
		if _, dup := m.FieldMap[columnName]; dup {
			return fmt.Errorf("%s: column %q mapped twice", m.OriginalType.Name(), columnName)
		}

		field := &Field{
			Name:      structField.Name,
			Column:    columnName,
			Type:      structField.Type,
			Index:     path,
			IsPK:      tag.PrimaryKey,
			IsAuto:    tag.AutoInc,
			Obfuscate: tag.Obfuscate,
			Tag:       tagStr,
		}

		m.Fields = append(m.Fields, field)
		m.FieldMap[columnName] = field
		m.names[strings.ToLower(columnName)] = columnName
		m.names[strings.ToLower(structField.Name)] = columnName

		if field.IsPK && m.PKField == nil {
			m.PKField = field
		}
	}
	return nil
}

// Column returns the column a field name or column label refers to,
// ignoring case.
func (m *Model) Column(name string) (string, bool) {
	c, ok := m.names[strings.ToLower(name)]
	return c, ok
}

// Field returns the field mapped to a column label, ignoring case.
func (m *Model) Field(label string) (*Field, bool) {
	c, ok := m.Column(label)
	if !ok {
		return nil, false
	}
	f, ok := m.FieldMap[c]
	return f, ok
}

func camelToSnake(s string) string {
	if s == "ID" {
		return "id"
	}
	var res []rune
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(rune(s[i-1])) || (i+1 < len(s) && unicode.IsLower(rune(s[i+1])))) {
				res = append(res, '_')
			}
			res = append(res, unicode.ToLower(r))
		} else {
			res = append(res, r)
		}
	}
	return string(res)
}
