package dialect

import "regexp"

func init() {
	Register(&Profile{
		Name:         "sqlite3",
		Drivers:      []string{"sqlite3", "sqlite"},
		Schemes:      []string{"sqlite", "sqlite3", "file"},
		PingQuery:    "SELECT 1",
		LastInsertID: LastInsertIDNative,
		Case:         CaseSensitive,
		TablesQuery:  "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
		IgnoreTables: regexp.MustCompile(`^sqlite_`),
	})
}
