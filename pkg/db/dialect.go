package db

import (
	"strconv"
	"strings"
)

// Dialect identifies the SQL flavour spoken by a connection.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectLibSQL   Dialect = "libsql"
	DialectPostgres Dialect = "postgres"
)

// Rebind converts ? placeholders into $1, $2, ... for PostgreSQL. Question
// marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// LockClause returns the row-lock suffix for a SELECT that must serialize
// writers on the selected row. SQLite serializes writers itself.
func (d Dialect) LockClause() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// MigrationDir names the embedded migration directory for the dialect.
func (d Dialect) MigrationDir() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}
