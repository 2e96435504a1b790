package model

import (
	"reflect"
)

// Field represents a database column mapped from a struct field
type Field struct {
	Name      string       // Struct field name
	Column    string       // DB column name
	Type      reflect.Type // Field type
	Index     []int        // Struct field index path, through embedded structs
	IsPK      bool         // Is primary key
	IsAuto    bool         // Is auto-increment
	Obfuscate bool         // Values are masked when read
	Tag       string       // Raw tag string
}
