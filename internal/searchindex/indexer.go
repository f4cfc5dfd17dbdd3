// Package searchindex implements the search indexer (§4.4): for one
// resource version it evaluates each active search parameter's FHIRPath
// expression against the document, normalizes the results into typed
// index rows, and writes them idempotently keyed by entry_hash. Grounded
// on the teacher's ContainedSearchClause SQL-builder idiom
// (internal/platform/fhir/contained_search.go) for the "(clause, args)"
// shape reused by internal/searchplanner, and on resourcestore's advisory
// lock (§4.4 step 1 requires the same lock a concurrent write holds).
package searchindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirpath"
	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/resourcestore"
)

// IndexHook lets a computed parameter (§4.6) bypass FHIRPath evaluation
// entirely and contribute its own Entries for (resourceType, code).
type IndexHook interface {
	Index(ctx context.Context, resourceType, code string, doc fhirvalue.Value) ([]Entry, error)
}

// HookRegistry resolves a computed-parameter index hook, if one is
// registered for (resourceType, code). internal/computedparams implements
// this; searchindex only depends on the interface to avoid a cycle.
type HookRegistry interface {
	IndexHookFor(resourceType, code string) (IndexHook, bool)
}

// Indexer computes and persists the search index rows for one resource
// version at a time.
type Indexer struct {
	pool    db.Queryable
	cache   *fhircontext.Cache
	plans   *fhirpath.PlanCache
	hooks   HookRegistry
	log     zerolog.Logger
}

func NewIndexer(pool db.Queryable, cache *fhircontext.Cache, plans *fhirpath.PlanCache, hooks HookRegistry, log zerolog.Logger) *Indexer {
	return &Indexer{pool: pool, cache: cache, plans: plans, hooks: hooks, log: log.With().Str("component", "searchindex").Logger()}
}

// IndexResource implements §4.4 steps 1-5 for a single resource version.
// Callers running inside an existing transaction should construct an
// Indexer over that pgx.Tx (WithTx below) so the advisory lock and index
// writes share the caller's transaction boundary. The resource store does
// not do this: ReindexHook indexes each write after it commits, on an
// Indexer over the pool.
func (ix *Indexer) IndexResource(ctx context.Context, resourceType, id string, version int, doc fhirvalue.Value) error {
	if err := ix.acquireLock(ctx, resourceType, id); err != nil {
		return err
	}

	params, err := ix.cache.ForType(ctx, resourceType)
	if err != nil {
		return fmt.Errorf("load search parameters for %s: %w", resourceType, err)
	}

	entries := map[string][]Entry{} // param code -> entries
	for _, p := range params {
		if !p.Active {
			continue
		}
		paramEntries, err := ix.evaluateParam(ctx, resourceType, p, doc)
		if err != nil {
			ix.log.Warn().Err(err).Str("resource_type", resourceType).Str("param", p.Code).Msg("parameter evaluation failed, skipping")
			continue
		}
		if len(paramEntries) > 0 {
			entries[p.Code] = paramEntries
		}
	}

	if err := ix.replaceIndexRows(ctx, resourceType, id, version, entries); err != nil {
		return err
	}
	return ix.markStatus(ctx, resourceType, id, version, entries)
}

func (ix *Indexer) evaluateParam(ctx context.Context, resourceType string, p fhircontext.SearchParameter, doc fhirvalue.Value) ([]Entry, error) {
	if ix.hooks != nil {
		if hook, ok := ix.hooks.IndexHookFor(resourceType, p.Code); ok {
			return hook.Index(ctx, resourceType, p.Code, doc)
		}
	}

	plan, err := ix.plans.Get(p.Expression, resourceType, fhirpath.ModeLenient)
	if err != nil {
		return nil, fmt.Errorf("compile %s.%s expression: %w", resourceType, p.Code, err)
	}
	result, err := fhirpath.EvaluateAgainst(plan, doc)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s.%s: %w", resourceType, p.Code, err)
	}

	if p.Type == fhircontext.ParamComposite {
		return compositeEntries(p, result)
	}
	return extractEntries(p.Type, result), nil
}

func (ix *Indexer) acquireLock(ctx context.Context, resourceType, id string) error {
	_, err := ix.pool.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, resourcestore.LockKey(resourceType, id))
	if err != nil {
		return fmt.Errorf("acquire advisory lock for %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// replaceIndexRows deletes all index rows for (type,id,version) and
// inserts the freshly computed set, keyed by entry_hash for idempotence
// (§4.4 step 4).
func (ix *Indexer) replaceIndexRows(ctx context.Context, resourceType, id string, version int, byParam map[string][]Entry) error {
	for _, table := range allTables {
		if _, err := ix.pool.Exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`, table),
			resourceType, id, version); err != nil {
			return fmt.Errorf("clear %s for %s/%s v%d: %w", table, resourceType, id, version, err)
		}
	}

	for param, entries := range byParam {
		for _, e := range entries {
			hash := entryHash(resourceType, id, version, param, e)
			if err := insertEntry(ctx, ix.pool, resourceType, id, version, param, hash, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ix *Indexer) markStatus(ctx context.Context, resourceType, id string, version int, byParam map[string][]Entry) error {
	count := 0
	for _, es := range byParam {
		count += len(es)
	}
	hash, err := ix.cache.ParamsHash(ctx)
	if err != nil {
		return fmt.Errorf("load current search-parameter hash: %w", err)
	}
	_, err = ix.pool.Exec(ctx, `
		INSERT INTO resource_search_index_status (resource_type, resource_id, version_id, params_hash, indexed_at, entry_count, status)
		VALUES ($1, $2, $3, $4, now(), $5, 'completed')
		ON CONFLICT (resource_type, resource_id, version_id)
		DO UPDATE SET params_hash = EXCLUDED.params_hash, indexed_at = now(), entry_count = EXCLUDED.entry_count, status = 'completed'`,
		resourceType, id, version, hash, count)
	if err != nil {
		return fmt.Errorf("mark index status for %s/%s v%d: %w", resourceType, id, version, err)
	}
	return nil
}

var allTables = []string{
	"search_string", "search_token", "search_reference", "search_date",
	"search_number", "search_quantity", "search_uri", "search_composite",
}

func insertEntry(ctx context.Context, q db.Queryable, resourceType, id string, version int, param, hash string, e Entry) error {
	var err error
	switch e.Kind {
	case KindString:
		_, err = q.Exec(ctx, `
			INSERT INTO search_string (resource_type, resource_id, version_id, parameter_name, entry_hash, value, value_normalized)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, e.Value, e.ValueNormalized)
	case KindURI:
		_, err = q.Exec(ctx, `
			INSERT INTO search_uri (resource_type, resource_id, version_id, parameter_name, entry_hash, value, value_normalized)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, e.Value, e.ValueNormalized)
	case KindToken:
		_, err = q.Exec(ctx, `
			INSERT INTO search_token (resource_type, resource_id, version_id, parameter_name, entry_hash, system, code, code_ci)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, nullIfEmpty(e.System), e.Code, e.CodeCI)
	case KindDate:
		_, err = q.Exec(ctx, `
			INSERT INTO search_date (resource_type, resource_id, version_id, parameter_name, entry_hash, range_start, range_end)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, e.RangeStart, e.RangeEnd)
	case KindNumber:
		_, err = q.Exec(ctx, `
			INSERT INTO search_number (resource_type, resource_id, version_id, parameter_name, entry_hash, value)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, e.Number)
	case KindQty:
		_, err = q.Exec(ctx, `
			INSERT INTO search_quantity (resource_type, resource_id, version_id, parameter_name, entry_hash, value, unit)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, e.Number, nullIfEmpty(e.Unit))
	case KindRef:
		_, err = q.Exec(ctx, `
			INSERT INTO search_reference (resource_type, resource_id, version_id, parameter_name, entry_hash, target_type, target_id, target_version, target_url)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, nullIfEmpty(e.TargetType), e.TargetID, nullIfEmpty(e.TargetVersion), nullIfEmpty(e.TargetURL))
	case KindComposite:
		_, err = q.Exec(ctx, `
			INSERT INTO search_composite (resource_type, resource_id, version_id, parameter_name, entry_hash, components)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
			resourceType, id, version, param, hash, e.Composite)
	default:
		return fmt.Errorf("insertEntry: unknown entry kind %q", e.Kind)
	}
	if err != nil {
		return fmt.Errorf("insert %s index row for %s/%s v%d param %s: %w", e.Kind, resourceType, id, version, param, err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// WithTx returns an Indexer bound to tx, so index writes join the
// caller's resource-store transaction (§4.4 step 1's lock is then the
// same lock resourcestore.Store already holds for that transaction).
func WithTx(tx pgx.Tx, cache *fhircontext.Cache, plans *fhirpath.PlanCache, hooks HookRegistry, log zerolog.Logger) *Indexer {
	return NewIndexer(tx, cache, plans, hooks, log)
}
