package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported engines
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
	MySQL
	SQLServer
)

// String returns the dialect name
func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d == SQLite || d == MySQL {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
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
			if d == Postgres {
				b.WriteByte('$')
			} else {
				b.WriteString("@p")
			}
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NullSafeEqual returns a predicate comparing column to one bound value where
// NULL equals NULL, and the number of times the value must be bound.
func (d Dialect) NullSafeEqual(column string) (string, int) {
	switch d {
	case Postgres:
		return column + " IS NOT DISTINCT FROM ?", 1
	case MySQL:
		return column + " <=> ?", 1
	case SQLServer:
		return "(" + column + " = ? OR (" + column + " IS NULL AND ? IS NULL))", 2
	default:
		return column + " IS ?", 1
	}
}

// CallProcedure returns the statement invoking a parameterless stored procedure
func (d Dialect) CallProcedure(name string) (string, error) {
	if !IsIdentifier(name) {
		return "", fmt.Errorf("invalid procedure name %q", name)
	}
	switch d {
	case Postgres, MySQL:
		return "CALL " + name + "()", nil
	case SQLServer:
		return "EXEC " + name, nil
	default:
		return "", fmt.Errorf("%s has no stored procedures; define a script for %q", d, name)
	}
}

// Savepoint returns the statements that open, roll back to and release a savepoint
func (d Dialect) Savepoint(name string) (begin, rollback, release string) {
	if d == SQLServer {
		return "SAVE TRANSACTION " + name, "ROLLBACK TRANSACTION " + name, ""
	}
	return "SAVEPOINT " + name, "ROLLBACK TO SAVEPOINT " + name, "RELEASE SAVEPOINT " + name
}

// insertReturning builds an INSERT that yields the generated key column.
// MySQL has no RETURNING clause; callers fall back to LastInsertId.
func (d Dialect) insertReturning(table, idColumn string, columns []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	cols := strings.Join(columns, ", ")
	switch d {
	case SQLServer:
		return fmt.Sprintf("INSERT INTO %s (%s) OUTPUT INSERTED.%s VALUES (%s)", table, cols, idColumn, marks)
	case MySQL:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, cols, marks)
	default:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s", table, cols, marks, idColumn)
	}
}

// IsIdentifier reports whether name is a plain or schema-qualified SQL
// identifier, safe to splice into a statement
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i, r := range part {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}
