package model

import (
	"fmt"
	"reflect"

	"github.com/shrek82/jormpool/core"
)

type RelationType int

const (
	RelationHasMany RelationType = iota
	RelationBelongsTo
	RelationHasOne
	RelationManyToMany
)

func (t RelationType) String() string {
	switch t {
	case RelationHasMany:
		return "has_many"
	case RelationBelongsTo:
		return "belongs_to"
	case RelationHasOne:
		return "has_one"
	case RelationManyToMany:
		return "many_to_many"
	}
	return "unknown"
}

// Relation is an association declared on a struct field. Bound to a Querier
// it becomes a computed attribute named after the field's column form.
type Relation struct {
	Name       string       // 关联名称（字段名）
	Type       RelationType // 关联类型
	ForeignKey string       // 外键字段名
	References string       // 引用字段名
	JoinTable  string       // 多对多中间表名
	JoinFK     string       // 中间表外键（指向主表）
	JoinRef    string       // 中间表引用键（指向关联表）

	field reflect.StructField
	tag   *Tag
}

// Target returns the struct type the relation points at.
func (r *Relation) Target() reflect.Type {
	t := r.field.Type
	if t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// AttributeName is the name the relation answers to on a cursor.
func (r *Relation) AttributeName() string {
	return camelToSnake(r.Name)
}

func (r *Relation) resolve(m *Model) error {
	tag := r.tag
	relationType, err := parseRelationType(tag.RelationType, r.field.Type, tag)
	if err != nil {
		return err
	}
	r.Type = relationType

	ownerKey := "id"
	if m.PKField != nil {
		ownerKey = m.PKField.Column
	}

	switch relationType {
	case RelationHasMany, RelationHasOne:
		r.ForeignKey = tag.ForeignKey
		if r.ForeignKey == "" {
			r.ForeignKey = m.TableName + "_id"
		}
		r.References = tag.References
		if r.References == "" {
			r.References = ownerKey
		}

	case RelationBelongsTo:
		r.ForeignKey = tag.ForeignKey
		if r.ForeignKey == "" {
			r.ForeignKey = camelToSnake(r.Name) + "_id"
		}
		r.References = tag.References
		if r.References == "" {
			r.References = "id"
		}

	case RelationManyToMany:
		if tag.JoinTable == "" {
			return fmt.Errorf("many_to_many relation requires join_table tag")
		}
		r.JoinTable = tag.JoinTable
		r.JoinFK = tag.JoinFK
		if r.JoinFK == "" {
			r.JoinFK = m.TableName + "_id"
		}
		r.JoinRef = tag.JoinRef
		if r.JoinRef == "" {
			r.JoinRef = camelToSnake(r.Target().Name()) + "_id"
		}
		r.References = ownerKey
	}
	if r.Target().Kind() != reflect.Struct {
		return fmt.Errorf("relation target must be a struct, got %s", r.Target().Kind())
	}
	return nil
}

// Attribute binds the relation to db: the generated query takes its parameter
// from the current row of the cursor the attribute is evaluated on.
func (r *Relation) Attribute(db Querier) (core.Attribute, error) {
	target, err := modelOf(r.Target())
	if err != nil {
		return nil, err
	}
	switch r.Type {
	case RelationHasMany:
		q := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", target.TableName, r.ForeignKey)
		return RowsetQuery(db, q, r.References), nil
	case RelationHasOne:
		q := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", target.TableName, r.ForeignKey)
		return RowQuery(db, q, r.References), nil
	case RelationBelongsTo:
		q := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", target.TableName, r.References)
		return RowQuery(db, q, r.ForeignKey), nil
	case RelationManyToMany:
		targetKey := "id"
		if target.PKField != nil {
			targetKey = target.PKField.Column
		}
		q := fmt.Sprintf("SELECT t.* FROM %s t JOIN %s j ON j.%s = t.%s WHERE j.%s = ?",
			target.TableName, r.JoinTable, r.JoinRef, targetKey, r.JoinFK)
		return RowsetQuery(db, q, r.References), nil
	}
	return nil, fmt.Errorf("unknown relation type: %v", r.Type)
}

func parseRelationType(relationType string, typ reflect.Type, tag *Tag) (RelationType, error) {
	if relationType != "" {
		switch relationType {
		case "has_many":
			return RelationHasMany, nil
		case "belongs_to":
			return RelationBelongsTo, nil
		case "has_one":
			return RelationHasOne, nil
		case "many_to_many":
			return RelationManyToMany, nil
		default:
			return 0, fmt.Errorf("unknown relation type: %s", relationType)
		}
	}

	if tag.JoinTable != "" {
		return RelationManyToMany, nil
	}

	if typ.Kind() == reflect.Slice {
		return RelationHasMany, nil
	}

	return RelationBelongsTo, nil
}
