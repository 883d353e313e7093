package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/franz/dw-loader/internal/util"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn runs statements written with '?' placeholders against a store,
// either directly or inside a transaction
type Conn struct {
	q       querier
	dialect Dialect
	inTx    bool
	spSeq   int
}

// Dialect returns the SQL dialect of the connection
func (c *Conn) Dialect() Dialect {
	return c.dialect
}

// InTx reports whether statements run inside a transaction
func (c *Conn) InTx() bool {
	return c.inTx
}

// Exec runs a statement that returns no rows
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.q.ExecContext(ctx, c.dialect.Rebind(query), args...)
	return res, classify(err)
}

// Query runs a statement that returns rows
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.q.QueryContext(ctx, c.dialect.Rebind(query), args...)
	return rows, classify(err)
}

// QueryRow runs a statement expected to return at most one row
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

// Insert inserts one row and returns the generated key in idColumn
func (c *Conn) Insert(ctx context.Context, table, idColumn string, columns []string, args ...any) (int64, error) {
	query := c.dialect.Rebind(c.dialect.insertReturning(table, idColumn, columns))

	if c.dialect == MySQL {
		res, err := c.q.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, classify(err)
		}
		return res.LastInsertId()
	}

	var id int64
	if err := c.q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// Savepoint runs fn inside a savepoint, rolling back only fn's work when it
// fails. Outside a transaction fn runs as is.
func (c *Conn) Savepoint(ctx context.Context, fn func() error) error {
	if !c.inTx {
		return fn()
	}

	c.spSeq++
	name := fmt.Sprintf("sp_%d", c.spSeq)
	begin, rollback, release := c.dialect.Savepoint(name)

	if _, err := c.q.ExecContext(ctx, begin); err != nil {
		return classify(fmt.Errorf("failed to open savepoint: %w", err))
	}

	if err := fn(); err != nil {
		if _, rerr := c.q.ExecContext(ctx, rollback); rerr != nil {
			return errors.Join(err, classify(fmt.Errorf("failed to roll back savepoint: %w", rerr)))
		}
		return err
	}

	if release != "" {
		if _, err := c.q.ExecContext(ctx, release); err != nil {
			return classify(fmt.Errorf("failed to release savepoint: %w", err))
		}
	}
	return nil
}

// classify tags lost connections as connection errors
func classify(err error) error {
	if err == nil || errors.Is(err, util.ErrConnection) {
		return err
	}
	if util.IsConnectionError(err) {
		return fmt.Errorf("%w: %w", util.ErrConnection, err)
	}
	return err
}
