package searchindex

import (
	"context"
	"fmt"

	"github.com/ehr/fhirserver/internal/platform/db"
)

// DriftedVersion identifies a resource version whose stored index hash no
// longer matches the current search-parameter hash, and so needs reindexing
// (§4.4 "Reindex coverage").
type DriftedVersion struct {
	ResourceType string
	ResourceID   string
	VersionID    int
}

// FindDrifted scans resource_search_index_status for current rows whose
// params_hash differs from currentHash, up to limit rows per call so the
// sweep can page through a large table without holding one huge result
// set in memory.
func FindDrifted(ctx context.Context, q db.Queryable, currentHash string, limit int) ([]DriftedVersion, error) {
	rows, err := q.Query(ctx, `
		SELECT s.resource_type, s.resource_id, s.version_id
		FROM resource_search_index_status s
		JOIN resources r ON r.type = s.resource_type AND r.id = s.resource_id AND r.version_id = s.version_id
		WHERE r.is_current = true AND s.params_hash <> $1
		ORDER BY s.resource_type, s.resource_id
		LIMIT $2`, currentHash, limit)
	if err != nil {
		return nil, fmt.Errorf("scan for drifted index rows: %w", err)
	}
	defer rows.Close()

	var out []DriftedVersion
	for rows.Next() {
		var d DriftedVersion
		if err := rows.Scan(&d.ResourceType, &d.ResourceID, &d.VersionID); err != nil {
			return nil, fmt.Errorf("scan drifted row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindNeverIndexed returns resources whose current version has no
// resource_search_index_status row at all (e.g. inserted via a bulk
// COPY load that skipped inline indexing), for the same sweep to pick up.
func FindNeverIndexed(ctx context.Context, q db.Queryable, limit int) ([]DriftedVersion, error) {
	rows, err := q.Query(ctx, `
		SELECT r.type, r.id, r.version_id
		FROM resources r
		LEFT JOIN resource_search_index_status s
			ON s.resource_type = r.type AND s.resource_id = r.id AND s.version_id = r.version_id
		WHERE r.is_current = true AND r.deleted = false AND s.resource_id IS NULL
		ORDER BY r.type, r.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("scan for never-indexed resources: %w", err)
	}
	defer rows.Close()

	var out []DriftedVersion
	for rows.Next() {
		var d DriftedVersion
		if err := rows.Scan(&d.ResourceType, &d.ResourceID, &d.VersionID); err != nil {
			return nil, fmt.Errorf("scan never-indexed row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
