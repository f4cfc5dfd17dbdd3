// Package resourcestore implements the versioned FHIR resource store
// (§4.3): create/upsert/read/update/delete/vread/history/search against a
// single `resources` table keyed by (type, id, version_id), with a current
// row per resource flagged `is_current`. Concurrency is serialized per
// resource with a Postgres advisory lock, the same `hash(type,id)` key the
// search indexer takes before reindexing (§4.4 step 1).
//
// Grounded on the teacher's platform/fhir VersionTracker+HistoryRepository
// pair (internal/platform/fhir/version_tracker.go, history.go), generalized
// from a per-row-history side table to the spec's single versioned table
// and extended with optimistic concurrency and transaction scoping.
package resourcestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/platform/db"
)

// fieldNamePattern restricts conditional-search field names to bare FHIR
// element names, so they can be interpolated into a jsonb ->> operator
// without becoming a SQL injection vector (values stay bound parameters).
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Errors returned by store operations; handlers map these to the FHIR
// OperationOutcome error kinds (§7).
var (
	ErrNotFound       = errors.New("resourcestore: resource not found")
	ErrDeleted        = errors.New("resourcestore: resource deleted")
	ErrVersionConflict = errors.New("resourcestore: version conflict")
)

// Resource is a single stored version of a FHIR resource.
type Resource struct {
	Type        string
	ID          string
	VersionID   int
	IsCurrent   bool
	Deleted     bool
	Document    fhirvalue.Value
	LastUpdated time.Time
}

// Store is the versioned resource store backed by Postgres. It owns
// transaction boundaries for its write operations, so it holds the
// concrete pool rather than the narrower db.Queryable other packages use.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewStore(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("component", "resourcestore").Logger()}
}

// lockKey derives the advisory lock key for a (type, id) pair. Postgres
// advisory locks take a bigint; hashtext's int4 output is widened in SQL
// rather than here so the same expression runs inside transactions begun
// elsewhere (e.g. the search indexer joining the same lock, §4.4 step 1).
// LockKey derives the advisory-lock key for (resourceType, id), shared
// with internal/searchindex so the indexer can join the same per-resource
// lock the store holds during a write (§4.4 step 1).
func LockKey(resourceType, id string) string {
	return resourceType + ":" + id
}

func lockKey(resourceType, id string) string { return LockKey(resourceType, id) }

func (s *Store) acquireLock(ctx context.Context, q db.Queryable, resourceType, id string) error {
	_, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, lockKey(resourceType, id))
	if err != nil {
		return fmt.Errorf("acquire advisory lock for %s/%s: %w", resourceType, id, err)
	}
	return nil
}

func stampMeta(doc *fhirvalue.Value, versionID int, lastUpdated time.Time) {
	meta := fhirvalue.NewObject()
	meta.Set("versionId", fhirvalue.NewString(fmt.Sprintf("%d", versionID)))
	meta.Set("lastUpdated", fhirvalue.NewString(lastUpdated.UTC().Format(time.RFC3339Nano)))
	doc.Set("meta", meta)
}

// Create assigns a new server id and inserts version 1.
func (s *Store) Create(ctx context.Context, resourceType string, body fhirvalue.Value) (Resource, error) {
	id := uuid.NewString()
	return s.insertVersion(ctx, s.pool, resourceType, id, 1, body, false)
}

// Upsert creates at version 1 if id doesn't exist yet, otherwise updates
// unconditionally.
func (s *Store) Upsert(ctx context.Context, resourceType, id string, body fhirvalue.Value) (Resource, error) {
	var out Resource
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.acquireLock(ctx, tx, resourceType, id); err != nil {
			return err
		}
		current, err := s.currentVersion(ctx, tx, resourceType, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		nextVersion := 1
		if err == nil {
			nextVersion = current.VersionID + 1
		}
		r, err := s.insertVersion(ctx, tx, resourceType, id, nextVersion, body, false)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// Read returns the current, non-deleted version of a resource.
func (s *Store) Read(ctx context.Context, resourceType, id string) (Resource, error) {
	return s.currentVersion(ctx, s.pool, resourceType, id)
}

func (s *Store) currentVersion(ctx context.Context, q db.Queryable, resourceType, id string) (Resource, error) {
	row := q.QueryRow(ctx, `
		SELECT type, id, version_id, is_current, deleted, document, last_updated
		FROM resources
		WHERE type = $1 AND id = $2 AND is_current`, resourceType, id)
	r, err := scanResource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resource{}, ErrNotFound
		}
		return Resource{}, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if r.Deleted {
		return Resource{}, ErrDeleted
	}
	return r, nil
}

// Update appends version N+1. When expectedVersion > 0 and it does not
// match the current version, fails with ErrVersionConflict (the FHIR
// If-Match / conditional-update contract).
func (s *Store) Update(ctx context.Context, resourceType, id string, body fhirvalue.Value, expectedVersion int) (Resource, error) {
	var out Resource
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.acquireLock(ctx, tx, resourceType, id); err != nil {
			return err
		}
		current, err := s.currentVersion(ctx, tx, resourceType, id)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && expectedVersion != current.VersionID {
			return ErrVersionConflict
		}
		r, err := s.insertVersion(ctx, tx, resourceType, id, current.VersionID+1, body, false)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// Delete appends a deleted tombstone version and returns its version id.
func (s *Store) Delete(ctx context.Context, resourceType, id string) (int, error) {
	var newVersion int
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.acquireLock(ctx, tx, resourceType, id); err != nil {
			return err
		}
		current, err := s.currentVersion(ctx, tx, resourceType, id)
		if err != nil {
			return err
		}
		r, err := s.insertVersion(ctx, tx, resourceType, id, current.VersionID+1, fhirvalue.Empty, true)
		if err != nil {
			return err
		}
		newVersion = r.VersionID
		return nil
	})
	return newVersion, err
}

func (s *Store) insertVersion(ctx context.Context, q db.Queryable, resourceType, id string, versionID int, body fhirvalue.Value, deleted bool) (Resource, error) {
	now := time.Now().UTC()
	if !deleted {
		stampMeta(&body, versionID, now)
	}
	docJSON, err := fhirvalue.ToJSON(body)
	if err != nil {
		return Resource{}, fmt.Errorf("marshal document for %s/%s: %w", resourceType, id, err)
	}

	if _, err := q.Exec(ctx, `UPDATE resources SET is_current = false WHERE type = $1 AND id = $2 AND is_current`,
		resourceType, id); err != nil {
		return Resource{}, fmt.Errorf("demote prior current version of %s/%s: %w", resourceType, id, err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO resources (type, id, version_id, is_current, deleted, document, last_updated)
		VALUES ($1, $2, $3, true, $4, $5, $6)`,
		resourceType, id, versionID, deleted, docJSON, now)
	if err != nil {
		return Resource{}, fmt.Errorf("insert version %d of %s/%s: %w", versionID, resourceType, id, err)
	}

	s.log.Debug().Str("type", resourceType).Str("id", id).Int("version", versionID).Bool("deleted", deleted).Msg("stored resource version")

	return Resource{
		Type: resourceType, ID: id, VersionID: versionID, IsCurrent: true,
		Deleted: deleted, Document: body, LastUpdated: now,
	}, nil
}

// VRead returns an explicit version, including deleted tombstones.
func (s *Store) VRead(ctx context.Context, resourceType, id string, versionID int) (Resource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT type, id, version_id, is_current, deleted, document, last_updated
		FROM resources
		WHERE type = $1 AND id = $2 AND version_id = $3`, resourceType, id, versionID)
	r, err := scanResource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resource{}, ErrNotFound
		}
		return Resource{}, fmt.Errorf("vread %s/%s/%d: %w", resourceType, id, versionID, err)
	}
	return r, nil
}

// HistoryOptions bounds a history query (§4.3 "history").
type HistoryOptions struct {
	Count int
	Since time.Time
	At    time.Time
	Asc   bool
}

// HistoryResult is the page of versions satisfying a HistoryOptions query.
type HistoryResult struct {
	Versions []Resource
	Total    int
}

// History lists versions of a resource, optionally bounded by time. When
// At is set, returns the single version that was current at that instant
// instead of a list.
func (s *Store) History(ctx context.Context, resourceType, id string, opts HistoryOptions) (HistoryResult, error) {
	if !opts.At.IsZero() {
		row := s.pool.QueryRow(ctx, `
			SELECT type, id, version_id, is_current, deleted, document, last_updated
			FROM resources
			WHERE type = $1 AND id = $2 AND last_updated <= $3
			ORDER BY version_id DESC LIMIT 1`, resourceType, id, opts.At)
		r, err := scanResource(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return HistoryResult{}, ErrNotFound
			}
			return HistoryResult{}, fmt.Errorf("history-at %s/%s: %w", resourceType, id, err)
		}
		return HistoryResult{Versions: []Resource{r}, Total: 1}, nil
	}

	order := "DESC"
	if opts.Asc {
		order = "ASC"
	}
	count := opts.Count
	if count <= 0 {
		count = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM resources WHERE type = $1 AND id = $2`,
		resourceType, id).Scan(&total); err != nil {
		return HistoryResult{}, fmt.Errorf("count history for %s/%s: %w", resourceType, id, err)
	}

	query := fmt.Sprintf(`
		SELECT type, id, version_id, is_current, deleted, document, last_updated
		FROM resources
		WHERE type = $1 AND id = $2 AND ($3::timestamptz IS NULL OR last_updated >= $3)
		ORDER BY version_id %s
		LIMIT $4`, order)
	var since interface{}
	if !opts.Since.IsZero() {
		since = opts.Since
	}
	rows, err := s.pool.Query(ctx, query, resourceType, id, since, count)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("history %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return HistoryResult{}, fmt.Errorf("scan history row for %s/%s: %w", resourceType, id, err)
		}
		out = append(out, r)
	}
	return HistoryResult{Versions: out, Total: total}, rows.Err()
}

// Search is the minimal key-value interface conditional create/update uses
// to resolve "does a resource matching these criteria already exist" —
// full FHIR search goes through internal/searchplanner instead (§4.5).
func (s *Store) Search(ctx context.Context, resourceType string, params map[string]string) ([]Resource, error) {
	query := `SELECT type, id, version_id, is_current, deleted, document, last_updated
		FROM resources WHERE type = $1 AND is_current AND NOT deleted`
	args := []interface{}{resourceType}
	idx := 2
	for key, val := range params {
		if !fieldNamePattern.MatchString(key) {
			return nil, fmt.Errorf("conditional search on %s: invalid field name %q", resourceType, key)
		}
		query += fmt.Sprintf(" AND document->>'%s' = $%d", key, idx)
		args = append(args, val)
		idx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conditional search on %s: %w", resourceType, err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conditional search row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResource(row rowScanner) (Resource, error) {
	var r Resource
	var docJSON []byte
	if err := row.Scan(&r.Type, &r.ID, &r.VersionID, &r.IsCurrent, &r.Deleted, &docJSON, &r.LastUpdated); err != nil {
		return Resource{}, err
	}
	doc, err := fhirvalue.FromJSON(docJSON)
	if err != nil {
		return Resource{}, fmt.Errorf("unmarshal document: %w", err)
	}
	r.Document = doc
	return r, nil
}

