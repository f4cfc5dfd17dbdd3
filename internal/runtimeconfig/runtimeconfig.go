// Package runtimeconfig implements the mutable, operator-editable
// configuration overlay on top of the static env/Viper config
// (internal/config): key/value overrides stored in the database, with
// every change recorded to an append-only audit trail. No other package
// in this tree reads these overrides. Grounded on the teacher's auditevent repo_pg.go append-only
// insert idiom (internal/domain/auditevent/repo_pg.go) and its
// queryable/tx-from-context acceptance pattern.
package runtimeconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirserver/internal/platform/db"
)

// Store reads and writes runtime_config/runtime_config_audit (§6
// "Storage layout").
type Store struct {
	pool db.Queryable
}

func NewStore(pool db.Queryable) *Store {
	return &Store{pool: pool}
}

// Get reads one key's current value, returning ok=false if unset (the
// caller falls back to its static config default).
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.pool.QueryRow(ctx, `SELECT value FROM runtime_config WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("runtimeconfig: get %s: %w", key, err)
	}
	return value, true, nil
}

// All loads every configured override, for bootstrap.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM runtime_config`)
	if err != nil {
		return nil, fmt.Errorf("runtimeconfig: load all: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("runtimeconfig: scan row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set upserts key=value and appends an audit row recording who changed it
// and what the prior value was (§4.9-adjacent: this is the one
// "configuration write" path in the system, so it gets the same
// post-commit-visible audit discipline lifecycle hooks give resource
// writes).
func (s *Store) Set(ctx context.Context, key, value, changedBy string) error {
	var previous *string
	if prior, ok, err := s.Get(ctx, key); err != nil {
		return err
	} else if ok {
		previous = &prior
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO runtime_config (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("runtimeconfig: set %s: %w", key, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runtime_config_audit (key, previous_value, new_value, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		key, previous, value, changedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("runtimeconfig: audit %s: %w", key, err)
	}
	return nil
}

// AuditEntry is one row of runtime_config_audit.
type AuditEntry struct {
	Key           string
	PreviousValue *string
	NewValue      string
	ChangedBy     string
	ChangedAt     time.Time
}

// History returns the audit trail for key, most recent first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, previous_value, new_value, changed_by, changed_at
		FROM runtime_config_audit
		WHERE key = $1
		ORDER BY changed_at DESC
		LIMIT $2`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("runtimeconfig: history %s: %w", key, err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Key, &e.PreviousValue, &e.NewValue, &e.ChangedBy, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("runtimeconfig: scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
