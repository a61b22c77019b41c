// Package migrations contains the embedded goose migrations for sqlstore.
// The SQL is shared by SQLite and PostgreSQL.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
