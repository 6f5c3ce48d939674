// Package sqlstore persists posts and delivery attempts in SQLite or PostgreSQL.
package sqlstore

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour used by the store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DialectFor returns DialectPostgres for postgres:// and postgresql:// URLs
// and DialectSQLite for anything else, which is treated as a file path.
func DialectFor(url string) Dialect {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// sqliteParams are applied to every pooled SQLite connection.
const sqliteParams = "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"

// Open opens the database named by url. SQLite databases get WAL mode,
// foreign keys and a busy timeout.
func Open(url string) (*sql.DB, Dialect, error) {
	dialect := DialectFor(url)

	dsn := url
	if dialect == DialectSQLite {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		dsn = url + sep + sqliteParams
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s database: %w", dialect, err)
	}
	return db, dialect, nil
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind converts $N placeholders to SQLite's ?N form.
func rebind(d Dialect, query string) string {
	if d == DialectPostgres {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}
