// Package postgres provides PostgreSQL database adapters.
//
// It implements the store ports on pgx with connection pooling and scoped
// transactions. Stores resolve their query surface from the context, so any
// store call made inside TxRunner.RunInTx joins the open transaction.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// DB is the query surface shared by a pool and an open transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txKey struct{}

// querier returns the transaction carried by ctx, or the pool when none is.
func querier(ctx context.Context, pool PgxPool) DB {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// TxRunner implements domain.TxRunner on a pgx pool. Commit happens when fn
// returns nil, rollback on any error or panic. A RunInTx call made while the
// context already carries a transaction joins it; the outermost call owns
// the commit.
type TxRunner struct{ Pool PgxPool }

// NewTxRunner constructs a TxRunner with the given pool.
func NewTxRunner(p PgxPool) *TxRunner { return &TxRunner{Pool: p} }

// RunInTx runs fn inside one transaction.
func (t *TxRunner) RunInTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := t.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=tx.begin: %w", err)
	}

	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=tx.commit: %w", err)
	}
	done = true
	return nil
}
