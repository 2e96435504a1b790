package dialect

import "regexp"

func init() {
	// Sequences are per table, so there is no generic way to read the last id.
	Register(&Profile{
		Name:         "oracle",
		Drivers:      []string{"oracle", "godror"},
		Schemes:      []string{"oracle"},
		PingQuery:    "SELECT 1 FROM DUAL",
		SchemaQuery:  "ALTER SESSION SET CURRENT_SCHEMA = $schema",
		LastInsertID: LastInsertIDUnsupported,
		Case:         CaseUppercase,
		TablesQuery:  "SELECT table_name FROM user_tables ORDER BY table_name",
		IgnoreTables: regexp.MustCompile(`.*\$.*`),
	})
}
