package fhircontext

import (
	"context"
	"fmt"

	"github.com/ehr/fhirserver/internal/platform/db"
)

// ElementDefinition resolves one dotted element path of a resource type to
// its declared type(s) (§4 overview table: FHIR Context "resolves element
// paths to primitive/complex types"). IsChoice marks a `value[x]`-style
// element, which the FHIRPath VM surfaces through its findChoiceValue
// fallback rather than a literal `value` key.
type ElementDefinition struct {
	Path     string
	Types    []string
	IsChoice bool
	Min      int
	Max      string
}

// StructureRepository loads the element table backing a resource type's
// StructureDefinition. Adapted from the teacher's platform/fhir
// StructureDefinitionStore, trimmed from a full differential/snapshot
// merge engine down to the flat (resourceType, path) -> type lookup the
// indexer and computed-parameter hooks need.
type StructureRepository struct {
	pool db.Queryable
}

func NewStructureRepository(pool db.Queryable) *StructureRepository {
	return &StructureRepository{pool: pool}
}

// ElementsForType loads every element definition declared for resourceType.
func (r *StructureRepository) ElementsForType(ctx context.Context, resourceType string) ([]ElementDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT path, types, is_choice, min_card, max_card
		FROM structure_elements
		WHERE resource_type = $1`, resourceType)
	if err != nil {
		return nil, fmt.Errorf("query structure_elements for %s: %w", resourceType, err)
	}
	defer rows.Close()

	var out []ElementDefinition
	for rows.Next() {
		var e ElementDefinition
		if err := rows.Scan(&e.Path, &e.Types, &e.IsChoice, &e.Min, &e.Max); err != nil {
			return nil, fmt.Errorf("scan structure_elements row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveElement finds the element declaration at path among elements,
// matching a choice element (e.g. path "value" against declared
// "value[x]") by stripping the "[x]" suffix.
func ResolveElement(elements []ElementDefinition, path string) (ElementDefinition, bool) {
	for _, e := range elements {
		if e.Path == path {
			return e, true
		}
		if e.IsChoice && e.Path == path+"[x]" {
			return e, true
		}
	}
	return ElementDefinition{}, false
}
