package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	// DBTxKey holds the active pgx.Tx for the duration of a transactional
	// request or background job, so repository code can transparently join
	// the caller's transaction instead of acquiring its own connection.
	DBTxKey contextKey = "db_tx"
)

// Queryable is satisfied by *pgxpool.Pool, pgx.Tx, and *pgxpool.Conn. Store
// and index code accepts this instead of a concrete pool so it can run
// equally well against the pool or against a transaction pulled from
// context.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction against pool and returns a context carrying
// it. The caller owns the transaction's lifecycle (commit/rollback).
func WithTx(ctx context.Context, pool *pgxpool.Pool) (context.Context, pgx.Tx, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// RunInTx runs fn inside a transaction, committing on success and rolling
// back if fn returns an error or panics. This is the entry point used by
// the resource store for versioned writes (§4.3) and by the search indexer
// for its per-resource advisory-lock + upsert sequence (§4.4).
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	txCtx, tx, err := WithTx(ctx, pool)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	return fn(txCtx, tx)
}
