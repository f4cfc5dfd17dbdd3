package fhircontext

import (
	"context"
	"fmt"

	"github.com/ehr/fhirserver/internal/platform/db"
)

// CompartmentDefinition is a single (compartment_type, resource_type) rule:
// resource_type participates in compartment_type's compartments through any
// of Params (§3 "Compartment membership"). It is derived from a
// CompartmentDefinition FHIR resource by the compartment-definition rebuild
// hook (§4.9) and consulted by the search planner (§4.5 "Compartment
// search") when building the membership predicate.
type CompartmentDefinition struct {
	CompartmentType string
	ResourceType    string
	Params          []string
}

// CompartmentRepository loads compartment_memberships' defining rules.
// Grounded on the teacher's compartmentdefinition/repo_pg.go queryable
// pattern, collapsed to the read path: the write path (deriving these rows
// from a CompartmentDefinition resource) is CompartmentHook in
// compartment_hook.go.
type CompartmentRepository struct {
	pool db.Queryable
}

func NewCompartmentRepository(pool db.Queryable) *CompartmentRepository {
	return &CompartmentRepository{pool: pool}
}

// All loads every compartment rule currently in effect.
func (r *CompartmentRepository) All(ctx context.Context) ([]CompartmentDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT compartment_type, resource_type, parameter_names
		FROM compartment_memberships`)
	if err != nil {
		return nil, fmt.Errorf("query compartment_memberships: %w", err)
	}
	defer rows.Close()

	var out []CompartmentDefinition
	for rows.Next() {
		var cd CompartmentDefinition
		if err := rows.Scan(&cd.CompartmentType, &cd.ResourceType, &cd.Params); err != nil {
			return nil, fmt.Errorf("scan compartment_memberships row: %w", err)
		}
		out = append(out, cd)
	}
	return out, rows.Err()
}

// ForCompartment filters defs down to the rules governing compartmentType,
// optionally narrowed to a single member resource type (the `{Type?}`
// segment of a compartment search URL).
func ForCompartment(defs []CompartmentDefinition, compartmentType, resourceType string) []CompartmentDefinition {
	var out []CompartmentDefinition
	for _, d := range defs {
		if d.CompartmentType != compartmentType {
			continue
		}
		if resourceType != "" && d.ResourceType != resourceType {
			continue
		}
		out = append(out, d)
	}
	return out
}
