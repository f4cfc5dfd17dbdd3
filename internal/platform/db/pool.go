package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens the pgxpool backing every store/indexer/planner/queue
// component in this tree. statementTimeoutMS, when positive, is pushed
// down as each connection's `statement_timeout` GUC (§5 "bounded
// pool... a long-running query is cancelled server-side"), so a runaway
// search or reindex query is killed by Postgres even if the Go-side
// request context never gets cancelled.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, statementTimeoutMS int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	if statementTimeoutMS > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(statementTimeoutMS)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
