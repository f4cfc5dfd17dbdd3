// Package fhircontext resolves a resource type's active search-parameter
// definitions and compartment memberships, caching them process-wide until
// the search_parameter_versions hash changes (§4.4 "Load the active set of
// search parameters ... from a short-lived cache").
package fhircontext

import (
	"context"
	"fmt"

	"github.com/ehr/fhirserver/internal/platform/db"
)

// ParamType mirrors the search_parameters.type column (§4 overview table).
type ParamType string

const (
	ParamString           ParamType = "string"
	ParamToken             ParamType = "token"
	ParamTokenIdentifier   ParamType = "token-identifier"
	ParamReference         ParamType = "reference"
	ParamDate              ParamType = "date"
	ParamNumber            ParamType = "number"
	ParamQuantity          ParamType = "quantity"
	ParamURI               ParamType = "uri"
	ParamComposite         ParamType = "composite"
	ParamText              ParamType = "text"
	ParamContent           ParamType = "content"
	ParamSpecial           ParamType = "special"
)

// SearchParameter is a compiled-enough view of a search_parameters row: a
// typed index-parameter definition keyed by (resourceType, code).
type SearchParameter struct {
	ResourceType string
	Code         string
	Type         ParamType
	Expression   string
	Modifiers    []string
	Comparators  []string
	Targets      []string
	Active       bool
	// Components lists the sub-parameter codes for a composite parameter,
	// in the order their values are joined (§4 "components (for composite)").
	Components []string
}

// Key returns the (resourceType, code) composite key identifying this
// parameter, matching the table's primary key (§4 overview table).
func (p SearchParameter) Key() string { return p.ResourceType + "|" + p.Code }

// Repository loads search-parameter rows and the current index hash from
// Postgres. Grounded on the teacher's searchparameter repo_pg.go
// Queryable+TxFromContext pattern, generalized past a single hand-column
// resource model.
type Repository struct {
	pool db.Queryable
}

func NewRepository(pool db.Queryable) *Repository {
	return &Repository{pool: pool}
}

// CurrentHash returns search_parameter_versions.current_hash, the value
// that invalidates the process cache when it changes (§4.4).
func (r *Repository) CurrentHash(ctx context.Context) (string, error) {
	var hash string
	err := r.pool.QueryRow(ctx, `SELECT current_hash FROM search_parameter_versions WHERE id = 1`).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("load search_parameter_versions: %w", err)
	}
	return hash, nil
}

// ActiveForType loads every active search parameter registered for
// resourceType, including the universal ones (base = "Resource").
func (r *Repository) ActiveForType(ctx context.Context, resourceType string) ([]SearchParameter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_type, code, type, expression, modifiers, comparators, targets, active, components
		FROM search_parameters
		WHERE active = true AND (resource_type = $1 OR resource_type = 'Resource')`, resourceType)
	if err != nil {
		return nil, fmt.Errorf("query search_parameters: %w", err)
	}
	defer rows.Close()

	var out []SearchParameter
	for rows.Next() {
		var sp SearchParameter
		var ptype string
		if err := rows.Scan(&sp.ResourceType, &sp.Code, &ptype, &sp.Expression,
			&sp.Modifiers, &sp.Comparators, &sp.Targets, &sp.Active, &sp.Components); err != nil {
			return nil, fmt.Errorf("scan search_parameters row: %w", err)
		}
		sp.Type = ParamType(ptype)
		out = append(out, sp)
	}
	return out, rows.Err()
}
