package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/shrek82/jormpool/core"
)

const modelTemplate = `// Code generated by jormpool gen. DO NOT EDIT.

package {{.Package}}
{{if .Imports}}
import (
{{- range .Imports}}
	"{{.}}"
{{- end}}
)
{{end}}
// {{.StructName}} is a row of {{.RawTableName}}.
type {{.StructName}} struct {
{{- range .Fields}}
	{{.Name}} {{.Type}} ` + "`" + `jorm:"{{.Tag}}"` + "`" + `{{if .Comment}} // {{.Comment}}{{end}}
{{- end}}
}

func (*{{.StructName}}) TableName() string {
	return "{{.RawTableName}}"
}
`

var modelTmpl = template.Must(template.New("model").Parse(modelTemplate))

// genField is one column of a generated struct.
type genField struct {
	Name      string
	Column    string
	Type      string
	DBType    string
	Tag       string
	Comment   string
	IsPK      bool
	IsAuto    bool
	IsNotNull bool
}

type modelData struct {
	Package      string
	StructName   string
	RawTableName string
	Imports      []string
	Fields       []genField
}

type genOptions struct {
	tables    []string
	pkg       string
	outDir    string
	overwrite bool
}

func genCmd(flags *connFlags) *cobra.Command {
	opts := genOptions{}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate entity structs from table definitions",
		Long: `gen reads the columns of each table and writes one Go file per table with a
struct tagged for the model package. Nullable columns become pointers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := flags.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer d.Close()

			tables := opts.tables
			if len(tables) == 0 {
				if tables, err = listTables(cmd, d, false); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
			for _, table := range tables {
				path, written, err := generateModel(cmd.Context(), d, table, opts)
				if err != nil {
					return fmt.Errorf("table %s: %w", table, err)
				}
				if written {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", table, path)
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s exists (use --overwrite)\n", table, path)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&opts.tables, "table", "t", nil, "tables to generate (default all)")
	cmd.Flags().StringVar(&opts.pkg, "pkg", "models", "package name of the generated files")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "./models", "output directory")
	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "replace existing files")
	return cmd
}

func generateModel(ctx context.Context, d *core.Database, table string, opts genOptions) (string, bool, error) {
	path := filepath.Join(opts.outDir, strings.ToLower(table)+".go")
	if _, err := os.Stat(path); err == nil && !opts.overwrite {
		return path, false, nil
	}

	fields, err := fetchColumns(ctx, d, table)
	if err != nil {
		return path, false, err
	}
	if len(fields) == 0 {
		return path, false, fmt.Errorf("no columns found")
	}

	data := modelData{
		Package:      opts.pkg,
		StructName:   snakeToCamel(table, true),
		RawTableName: table,
		Fields:       fields,
	}
	for _, f := range fields {
		if strings.Contains(f.Type, "time.Time") {
			data.Imports = []string{"time"}
			break
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return path, false, err
	}
	defer f.Close()
	if err := modelTmpl.Execute(f, data); err != nil {
		return path, false, err
	}
	return path, true, nil
}

// fetchColumns reads the column definitions of table with the vendor's
// catalog statement.
func fetchColumns(ctx context.Context, d *core.Database, table string) ([]genField, error) {
	var (
		c   *core.RowCursor
		err error
	)
	vendor := d.Profile().Name
	switch vendor {
	case "sqlite3":
		c, err = d.Query(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table), nil)
	case "mysql":
		c, err = d.Query(ctx, fmt.Sprintf("SHOW FULL COLUMNS FROM `%s`", table), nil)
	case "postgres":
		c, err = d.Query(ctx, `
			SELECT c.column_name, c.data_type, c.is_nullable, c.column_default,
				CASE WHEN EXISTS (
					SELECT 1 FROM information_schema.table_constraints tc
					JOIN information_schema.key_column_usage kcu
						ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
					WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = c.table_name
						AND tc.table_schema = c.table_schema AND kcu.column_name = c.column_name
				) THEN 'YES' ELSE 'NO' END AS is_pk
			FROM information_schema.columns c
			WHERE c.table_name = $1 AND c.table_schema = current_schema()
			ORDER BY c.ordinal_position`, nil, table)
	default:
		return nil, fmt.Errorf("%s: column introspection is not supported", vendor)
	}
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var fields []genField
	for c.HasNext() {
		row := c.Next()
		var f genField
		switch vendor {
		case "sqlite3":
			f.Column = text(row, "name")
			f.DBType = text(row, "type")
			f.IsPK = text(row, "pk") != "0"
			f.IsNotNull = text(row, "notnull") == "1"
			f.IsAuto = f.IsPK && strings.Contains(strings.ToUpper(f.DBType), "INT")
		case "mysql":
			f.Column = text(row, "Field")
			f.DBType = text(row, "Type")
			f.Comment = text(row, "Comment")
			f.IsPK = text(row, "Key") == "PRI"
			f.IsNotNull = text(row, "Null") == "NO"
			f.IsAuto = strings.Contains(strings.ToLower(text(row, "Extra")), "auto_increment")
		case "postgres":
			f.Column = text(row, "column_name")
			f.DBType = text(row, "data_type")
			f.IsPK = text(row, "is_pk") == "YES"
			f.IsNotNull = text(row, "is_nullable") == "NO"
			f.IsAuto = f.IsPK && strings.Contains(strings.ToLower(text(row, "column_default")), "nextval")
		}
		f.Name = snakeToCamel(f.Column, true)
		f.Type = mapType(f.DBType)
		if !f.IsNotNull && !f.IsPK && f.Type != "any" && f.Type != "[]byte" {
			f.Type = "*" + f.Type
		}
		f.Tag = generateTag(f)
		fields = append(fields, f)
	}
	return fields, c.Err()
}

// text reads a catalog column regardless of the case policy in effect.
func text(row *core.Row, name string) string {
	for _, k := range row.Keys() {
		if strings.EqualFold(k, name) {
			if v := row.Get(k); v != nil {
				return fmt.Sprint(v)
			}
			return ""
		}
	}
	return ""
}

// mapType maps a column type to a Go type.
func mapType(dbType string) string {
	base := strings.ToUpper(dbType)
	// "TINYINT(1)" -> "TINYINT"
	if idx := strings.Index(base, "("); idx != -1 {
		base = base[:idx]
	}
	base = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(base), " UNSIGNED"))

	switch {
	case base == "TINYINT":
		return "int8"
	case base == "SMALLINT":
		return "int16"
	case base == "MEDIUMINT" || base == "INT":
		return "int32"
	case base == "INTEGER" || base == "BIGINT":
		return "int64"
	case base == "BOOLEAN" || base == "BOOL":
		return "bool"
	case base == "BLOB" || base == "LONGBLOB" || base == "MEDIUMBLOB" || base == "BYTEA" ||
		strings.HasPrefix(base, "BINARY") || strings.HasPrefix(base, "VARBINARY"):
		return "[]byte"
	case strings.Contains(base, "TEXT") || strings.Contains(base, "CHAR") || base == "JSON" || base == "JSONB" || base == "UUID":
		return "string"
	case base == "DECIMAL" || base == "NUMERIC" || base == "DOUBLE" || base == "REAL" || base == "DOUBLE PRECISION":
		return "float64"
	case base == "FLOAT":
		return "float32"
	case base == "DATE" || base == "TIME" || base == "DATETIME" || strings.HasPrefix(base, "TIMESTAMP"):
		return "time.Time"
	default:
		return "any"
	}
}

// generateTag builds the jorm tag understood by the model package.
func generateTag(f genField) string {
	tags := []string{"column:" + f.Column}
	if f.IsPK {
		tags = append(tags, "pk")
		if f.IsAuto {
			tags = append(tags, "auto")
		}
	}
	return strings.Join(tags, ";")
}

// snakeToCamel converts snake_case to CamelCase, spelling "id" as "ID".
func snakeToCamel(s string, upperFirst bool) string {
	parts := strings.Split(s, "_")
	for i := range parts {
		if i == 0 && !upperFirst {
			continue
		}
		if parts[i] == "id" {
			parts[i] = "ID"
		} else if len(parts[i]) > 0 {
			runes := []rune(parts[i])
			runes[0] = unicode.ToUpper(runes[0])
			parts[i] = string(runes)
		}
	}
	return strings.Join(parts, "")
}
