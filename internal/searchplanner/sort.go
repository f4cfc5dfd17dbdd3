package searchplanner

import (
	"context"
	"fmt"

	"github.com/ehr/fhirserver/internal/fhircontext"
)

// ResolvedSort is one `_sort` key resolved against the resource type's
// search parameters, carrying the join needed to order by an indexed
// value rather than a native resources column (§4.5 "Sort").
type ResolvedSort struct {
	Name       string
	Descending bool
	Native     bool   // true for _id / _lastUpdated, no join required
	Column     string // fully qualified column or expression to order by
	Join       string // optional LEFT JOIN clause, empty for native sorts
}

// ResolveSort validates _sort keys against resourceType's indexed search
// parameters and builds the join/column needed for each. Sorting on a
// parameter whose FHIR type has no single well-ordered scalar (token,
// reference, composite) is rejected, since §4.5 requires sort keys to
// resolve to exactly one ordering column per resource row — mixing types
// in one key list has no well-defined total order.
func (r *Resolver) ResolveSort(ctx context.Context, resourceType string, keys []SortKey) ([]ResolvedSort, error) {
	if len(keys) == 0 {
		return []ResolvedSort{{Name: "_lastUpdated", Descending: true, Native: true, Column: "r.last_updated"}}, nil
	}

	defs, err := r.cache.ForType(ctx, resourceType)
	if err != nil {
		return nil, fmt.Errorf("load search parameters for %s: %w", resourceType, err)
	}
	byCode := make(map[string]fhircontext.SearchParameter, len(defs))
	for _, d := range defs {
		byCode[d.Code] = d
	}

	out := make([]ResolvedSort, 0, len(keys))
	for i, k := range keys {
		switch k.Name {
		case "_id":
			out = append(out, ResolvedSort{Name: k.Name, Descending: k.Descending, Native: true, Column: "r.id"})
			continue
		case "_lastUpdated":
			out = append(out, ResolvedSort{Name: k.Name, Descending: k.Descending, Native: true, Column: "r.last_updated"})
			continue
		}

		def, ok := byCode[k.Name]
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("cannot sort on unknown search parameter %q for %s", k.Name, resourceType)}
		}

		alias := fmt.Sprintf("sort%d", i)
		table, column, err := sortTableAndColumn(def.Type)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("cannot sort on %s parameter %q: %s", def.Type, k.Name, err)}
		}
		join := fmt.Sprintf(
			"LEFT JOIN %s %s ON %s.resource_type = r.type AND %s.resource_id = r.id AND %s.version_id = r.version_id AND %s.parameter_name = '%s'",
			table, alias, alias, alias, alias, alias, escapeLiteral(def.Code))
		out = append(out, ResolvedSort{Name: k.Name, Descending: k.Descending, Column: alias + "." + column, Join: join})
	}
	return out, nil
}

func sortTableAndColumn(t fhircontext.ParamType) (table, column string, err error) {
	switch t {
	case fhircontext.ParamString, fhircontext.ParamText:
		return "search_string", "value_normalized", nil
	case fhircontext.ParamURI:
		return "search_uri", "value", nil
	case fhircontext.ParamDate:
		return "search_date", "range_start", nil
	case fhircontext.ParamNumber:
		return "search_number", "value", nil
	case fhircontext.ParamQuantity:
		return "search_quantity", "value", nil
	default:
		return "", "", fmt.Errorf("parameter type has no well-defined sort order")
	}
}

// escapeLiteral guards against a search-parameter code containing a
// single quote; FHIR codes are restricted to token syntax in practice,
// but this keeps the generated join clause safe regardless.
func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
