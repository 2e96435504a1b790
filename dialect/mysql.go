package dialect

import (
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
)

func init() {
	Register(&Profile{
		Name:         "mysql",
		Drivers:      []string{"mysql"},
		Schemes:      []string{"mysql", "mariadb"},
		PingQuery:    "SELECT 1",
		SchemaQuery:  "USE $schema",
		LastInsertID: LastInsertIDNative,
		Case:         CaseSensitive,
		TablesQuery:  "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name",
		IgnoreTables: regexp.MustCompile(`^(mysql|performance_schema|sys)\.`),
		BuildDSN:     mysqlDSN,
	})
}

// mysqlDSN sets the credentials on a go-sql-driver DSN. A "mysql://" prefix is tolerated.
func mysqlDSN(url, user, password string) (string, error) {
	url = strings.TrimPrefix(strings.TrimPrefix(url, "mysql://"), "mariadb://")
	cfg, err := mysql.ParseDSN(url)
	if err != nil {
		return "", err
	}
	if user != "" {
		cfg.User = user
	}
	if password != "" {
		cfg.Passwd = password
	}
	return cfg.FormatDSN(), nil
}
