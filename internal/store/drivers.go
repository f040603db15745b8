package store

import (
	"database/sql"
	"slices"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names accepted in an environment's driver field.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverMySQL    = "mysql"
)

// Drivers returns the environment driver names this binary can open.
func Drivers() []string {
	var out []string
	for _, d := range []string{DriverSQLite, DriverPostgres, DriverPgx, DriverMySQL} {
		if slices.Contains(sql.Drivers(), d) {
			out = append(out, d)
		}
	}
	return out
}
