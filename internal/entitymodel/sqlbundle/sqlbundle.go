// Package sqlbundle exposes the storage DDL bundles for the SQL adapters.
package sqlbundle

import (
	"bufio"
	_ "embed"
	"strings"
)

var (
	//go:embed sql/sqlite.sql
	sqliteDDL string
	//go:embed sql/postgres.sql
	postgresDDL string
)

// Tables lists the tables created by the bundles, in creation order.
var Tables = []string{"ajc_state", "ajc_stamp"}

// SQLite returns the SQLite DDL.
func SQLite() string {
	return sqliteDDL
}

// Postgres returns the Postgres DDL.
func Postgres() string {
	return postgresDDL
}

// SplitStatements splits a semicolon-terminated DDL script into executable statements.
// It drops blank lines and single-line comments that start with "--".
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}

	if tail := strings.TrimSpace(current.String()); tail != "" {
		stmts = append(stmts, tail)
	}

	return stmts
}

// DropStatements returns the statements that remove every bundled table.
func DropStatements() []string {
	stmts := make([]string, 0, len(Tables))
	for i := len(Tables) - 1; i >= 0; i-- {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+Tables[i])
	}
	return stmts
}
