package dialect

import (
	"fmt"
	neturl "net/url"
	"regexp"
	"strings"
)

func init() {
	Register(&Profile{
		Name:              "postgres",
		Drivers:           []string{"postgres", "pgx"},
		Schemes:           []string{"postgres", "postgresql"},
		PingQuery:         "SELECT 1",
		SchemaQuery:       "SET search_path TO $schema",
		LastInsertID:      LastInsertIDQuery,
		LastInsertIDQuery: "SELECT lastval()",
		Case:              CaseLowercase,
		TablesQuery:       "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name",
		IgnoreTables:      regexp.MustCompile(`^(pg_|sql_)`),
		BuildDSN:          postgresDSN,
	})
}

// postgresDSN accepts both URL ("postgres://host/db") and keyword/value
// ("host=h dbname=db") connection strings.
func postgresDSN(url, user, password string) (string, error) {
	if strings.Contains(url, "://") {
		u, err := neturl.Parse(url)
		if err != nil {
			return "", err
		}
		if user == "" && u.User != nil {
			user = u.User.Username()
		}
		if password == "" && u.User != nil {
			password, _ = u.User.Password()
		}
		if password != "" {
			u.User = neturl.UserPassword(user, password)
		} else {
			u.User = neturl.User(user)
		}
		return u.String(), nil
	}
	dsn := url
	if user != "" {
		dsn += fmt.Sprintf(" user=%s", quoteKV(user))
	}
	if password != "" {
		dsn += fmt.Sprintf(" password=%s", quoteKV(password))
	}
	return strings.TrimSpace(dsn), nil
}

func quoteKV(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
