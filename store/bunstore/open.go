package bunstore

import (
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// OpenPostgres opens a Postgres-backed store from a lib/pq DSN.
func OpenPostgres(dsn string) (*Store, error) {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return New(bun.NewDB(sqldb, pgdialect.New())), nil
}

// OpenSQLite opens a SQLite-backed store. Use ":memory:" for an ephemeral
// database. The connection pool is capped at one: SQLite serializes writers,
// and a single connection keeps in-memory databases from vanishing between
// pooled connections.
func OpenSQLite(dsn string) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	return New(bun.NewDB(sqldb, sqlitedialect.New())), nil
}
