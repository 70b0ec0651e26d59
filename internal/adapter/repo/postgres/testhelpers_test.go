package postgres_test

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row with a scripted Scan.
type rowStub struct {
	scan func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a scripted list of scan funcs.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.scans) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Close()                 {}
func (r *rowsStub) Err() error             { return r.err }

func (r *rowsStub) CommandTag() pgconn.CommandTag                    { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription     { return nil }
func (r *rowsStub) Values() ([]any, error)                           { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                              { return nil }
func (r *rowsStub) Conn() *pgx.Conn                                  { return nil }

// txStub implements the pgx.Tx methods the repos touch. Everything else
// panics via the embedded nil interface.
type txStub struct {
	pgx.Tx
	pool       *poolStub
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *txStub) Commit(ctx context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *txStub) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}

func (t *txStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}

func (t *txStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}

// poolStub satisfies the PgxPool interface with scripted responses and
// records every statement it sees.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      pgx.Row
	rows     pgx.Rows
	queryErr error
	beginErr error

	lastTx   *txStub
	begins   int
	sqls     []string
	argCalls [][]any
}

func (p *poolStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.sqls = append(p.sqls, sql)
	p.argCalls = append(p.argCalls, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.sqls = append(p.sqls, sql)
	p.argCalls = append(p.argCalls, args)
	return p.row
}

func (p *poolStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.sqls = append(p.sqls, sql)
	p.argCalls = append(p.argCalls, args)
	return p.rows, p.queryErr
}

func (p *poolStub) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	p.begins++
	p.lastTx = &txStub{pool: p}
	return p.lastTx, nil
}

func tag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }
