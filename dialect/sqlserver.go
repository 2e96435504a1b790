package dialect

import (
	neturl "net/url"
	"regexp"
)

func init() {
	Register(&Profile{
		Name:              "sqlserver",
		Drivers:           []string{"sqlserver", "mssql"},
		Schemes:           []string{"sqlserver", "mssql"},
		PingQuery:         "SELECT 1",
		SchemaQuery:       "USE $schema",
		LastInsertID:      LastInsertIDQuery,
		LastInsertIDQuery: "SELECT CAST(@@IDENTITY AS BIGINT)",
		Case:              CaseSensitive,
		TablesQuery:       "SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' ORDER BY table_name",
		IgnoreTables:      regexp.MustCompile(`^(sys|dt)`),
		BuildDSN: func(url, user, password string) (string, error) {
			u, err := neturl.Parse(url)
			if err != nil {
				return "", err
			}
			u.User = neturl.UserPassword(user, password)
			return u.String(), nil
		},
	})
}
