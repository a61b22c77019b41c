// Package sqlstore implements the identity, refresh and reset stores on
// database/sql, for SQLite (modernc.org/sqlite) and PostgreSQL (pgx).
//
// Each ledger transition is one transaction. The state-changing statement
// is a conditional UPDATE guarded by "revoked_at IS NULL" (or
// "redeemed_at IS NULL"); when it affects no rows another writer won, and
// the transition is re-evaluated against the new state rather than applied
// twice. On PostgreSQL the record row is additionally locked with
// SELECT ... FOR UPDATE. SQLite runs on a single connection, which
// serializes writers.
//
// Timestamps are stored as unix milliseconds.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/credledger/store/sqlstore/migrations"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

type dialect struct {
	name     string
	driver   string
	goose    string
	numbered bool
	lockRow  string
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, driver: "sqlite", goose: "sqlite3"}
	postgresDialect = dialect{name: DriverPostgres, driver: "pgx", goose: "pgx", numbered: true, lockRow: " FOR UPDATE"}
)

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB is an open, migrated database shared by the stores.
type DB struct {
	sql     *sql.DB
	dialect dialect
}

// Open connects to driver/dsn and applies the embedded migrations.
// For SQLite, dsn is a file path or file: URI; busy timeout, foreign keys
// and WAL are enabled unless dsn already carries parameters.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var d dialect
	switch driver {
	case DriverSQLite:
		d = sqliteDialect
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqlitePragmas
		}
	case DriverPostgres:
		d = postgresDialect
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if d.name == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}
	if err := migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	return &DB{sql: db, dialect: d}, nil
}

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

func migrate(ctx context.Context, db *sql.DB, d dialect) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(d.goose); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Close closes the underlying pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Driver reports which driver the DB was opened with.
func (db *DB) Driver() string {
	return db.dialect.name
}

func (db *DB) q(query string) string {
	return db.dialect.rebind(query)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
