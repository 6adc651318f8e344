package store

import (
	"fmt"
	"regexp"
	"strings"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect accepts the STORE_DRIVER values.
func ParseDialect(raw string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unknown store driver %q", raw)
	}
}

var dollarParam = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders to SQLite's ?N form.
func (d Dialect) rebind(query string) string {
	if d != SQLite {
		return query
	}
	return dollarParam.ReplaceAllString(query, "?$1")
}

// lockDocument is the row-locking clause for the document lookup inside an ingestion.
// SQLite relies on BEGIN IMMEDIATE instead.
func (d Dialect) lockDocument() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) offsetAll(param string) string {
	if d == SQLite {
		return " LIMIT -1 OFFSET " + param
	}
	return " OFFSET " + param
}
