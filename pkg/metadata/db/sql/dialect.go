// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package sql provides a dialect-aware SQL implementation of db.Store.
// It abstracts the differences between PostgreSQL (and CockroachDB) and
// MySQL, allowing a single implementation to support both databases.
package sql

import (
	"fmt"
	"strings"
)

// Dialect abstracts database-specific SQL syntax differences.
type Dialect interface {
	// Name returns the dialect name, which is also the migrations flavor.
	Name() string

	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string

	// Placeholder returns the placeholder for the nth parameter (1-indexed).
	// PostgreSQL: "$1", "$2", "$3"
	// MySQL: "?", "?", "?"
	Placeholder(n int) string

	// Placeholders returns n placeholders joined by comma.
	Placeholders(n int) string

	// ReplacePlaceholders converts PostgreSQL-style placeholders ($1, $2, ...)
	// to the dialect's format. Queries must use each placeholder once, in
	// ascending order, so positional dialects bind the same arguments.
	ReplacePlaceholders(query string) string

	// InsertIgnorePrefix returns the prefix for INSERT statements that should ignore duplicates.
	// PostgreSQL: "" (uses ON CONFLICT suffix instead)
	// MySQL: "IGNORE "
	InsertIgnorePrefix() string

	// InsertIgnoreSuffix returns the suffix for INSERT statements that should ignore duplicates.
	// PostgreSQL: "ON CONFLICT (conflict_columns) DO NOTHING"
	// MySQL: "" (uses INSERT IGNORE prefix instead)
	InsertIgnoreSuffix(conflictColumns string) string

	// ConflictUpdate returns the suffix applying raw assignments when the
	// insert hits an existing row. Unqualified columns refer to that row.
	// PostgreSQL: "ON CONFLICT (conflict_columns) DO UPDATE SET a = a + 1"
	// MySQL: "ON DUPLICATE KEY UPDATE a = a + 1"
	ConflictUpdate(conflictColumns string, assignments ...string) string

	// ByteOrder returns an ORDER BY expression sorting column bytewise.
	ByteOrder(column string) string
}

// ============================================================================
// PostgreSQL Dialect
// ============================================================================

// PostgresDialect implements Dialect for PostgreSQL and CockroachDB.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (d PostgresDialect) Name() string {
	return "postgres"
}

func (d PostgresDialect) DriverName() string {
	return "pgx"
}

func (d PostgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (d PostgresDialect) Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = fmt.Sprintf("$%d", i)
	}
	return strings.Join(parts, ", ")
}

func (d PostgresDialect) ReplacePlaceholders(query string) string {
	// PostgreSQL uses $1, $2, etc. - no conversion needed
	return query
}

func (d PostgresDialect) InsertIgnorePrefix() string {
	return ""
}

func (d PostgresDialect) InsertIgnoreSuffix(conflictColumns string) string {
	return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", conflictColumns)
}

func (d PostgresDialect) ConflictUpdate(conflictColumns string, assignments ...string) string {
	if len(assignments) == 0 {
		return d.InsertIgnoreSuffix(conflictColumns)
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", conflictColumns, strings.Join(assignments, ", "))
}

func (d PostgresDialect) ByteOrder(column string) string {
	return column + ` COLLATE "C"`
}

// ============================================================================
// MySQL Dialect
// ============================================================================

// MySQLDialect implements Dialect for MySQL.
type MySQLDialect struct{}

var _ Dialect = MySQLDialect{}

func (d MySQLDialect) Name() string {
	return "mysql"
}

func (d MySQLDialect) DriverName() string {
	return "mysql"
}

func (d MySQLDialect) Placeholder(n int) string {
	return "?"
}

func (d MySQLDialect) Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (d MySQLDialect) ReplacePlaceholders(query string) string {
	// Replace from highest to lowest so $12 is not turned into ?2 by $1.
	result := query
	for i := 50; i >= 1; i-- {
		result = strings.ReplaceAll(result, fmt.Sprintf("$%d", i), "?")
	}
	return result
}

func (d MySQLDialect) InsertIgnorePrefix() string {
	return "IGNORE "
}

func (d MySQLDialect) InsertIgnoreSuffix(conflictColumns string) string {
	return ""
}

func (d MySQLDialect) ConflictUpdate(conflictColumns string, assignments ...string) string {
	if len(assignments) == 0 {
		return ""
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(assignments, ", ")
}

func (d MySQLDialect) ByteOrder(column string) string {
	// VARBINARY columns already sort bytewise
	return column
}

// DialectFor returns the dialect serving a metadata driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "cockroachdb":
		return PostgresDialect{}, nil
	case "mysql":
		return MySQLDialect{}, nil
	default:
		return nil, fmt.Errorf("no sql dialect for driver %q", driver)
	}
}

// escapeLike escapes LIKE wildcards so s matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
