package dialect

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// MySQL server error numbers that mean the session is gone.
const (
	mysqlServerShutdown   = 1053
	mysqlServerGoneAway   = 2006
	mysqlServerLost       = 2013
	mysqlConnectionKilled = 1927
)

// IsConnectionError reports whether err means the connection it came from can
// no longer be trusted, as opposed to an error in the statement itself.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlServerShutdown, mysqlServerGoneAway, mysqlServerLost, mysqlConnectionKilled:
			return true
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isPostgresConnectionCode(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return isPostgresConnectionCode(string(pqErr.Code))
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrCantOpen || liteErr.Code == sqlite3.ErrIoErr || liteErr.Code == sqlite3.ErrNotADB
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Class 08 is connection exception, 57P0x are server shutdown codes.
func isPostgresConnectionCode(code string) bool {
	return strings.HasPrefix(code, "08") || code == "57P01" || code == "57P02" || code == "57P03"
}
