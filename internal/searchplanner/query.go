package searchplanner

import (
	"fmt"
	"strings"
)

// DefaultPageSize and MaxPageSize bound `_count` (§4.5 "Paging").
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Query is a fully built SQL statement plus its bind arguments, ready to
// execute against the resources table.
type Query struct {
	SQL      string
	Args     []interface{}
	PageSize int
	SortKeys []SortKey
}

// Build assembles the SELECT against `resources r` for resourceType given
// already-resolved params, sort keys, and controls (§4.5 "SQL
// construction"). compartment, if non-nil, adds the compartment-membership
// predicate (§4.5 "Compartment search"). sortKeys comes from
// Resolver.ResolveSort, which has already validated parameter types and
// built any joins an indexed sort needs.
func Build(resourceType string, params []ResolvedParam, sortKeys []ResolvedSort, ctrl ControlParams, compartment *CompartmentPredicate, cursor *Cursor) (Query, error) {
	binder := &ArgBinder{}

	clauses := []string{fmt.Sprintf("r.type = %s", binder.Bind(resourceType)), "r.is_current = true", "r.deleted = false"}

	for _, p := range params {
		clause, err := BuildPredicate(p, binder)
		if err != nil {
			return Query{}, err
		}
		clauses = append(clauses, clause)
	}

	if compartment != nil {
		clause, err := compartment.Predicate(binder)
		if err != nil {
			return Query{}, err
		}
		clauses = append(clauses, clause)
	}

	if len(sortKeys) == 0 {
		sortKeys = []ResolvedSort{{Name: "_lastUpdated", Descending: true, Native: true, Column: "r.last_updated"}}
	}

	if cursor != nil {
		clauses = append(clauses, cursorClause(sortKeys, *cursor, binder))
	}

	var joins []string
	seenJoin := map[string]bool{}
	for _, k := range sortKeys {
		if k.Join != "" && !seenJoin[k.Join] {
			joins = append(joins, k.Join)
			seenJoin[k.Join] = true
		}
	}

	orderBy := buildOrderBy(sortKeys, cursor)

	pageSize := DefaultPageSize
	if ctrl.HasCount {
		pageSize = ctrl.Count
	}
	if pageSize > MaxPageSize {
		return Query{}, &TooCostlyError{Message: fmt.Sprintf("_count=%d exceeds server limit %d", pageSize, MaxPageSize)}
	}
	limitArg := binder.Bind(pageSize + 1) // fetch one extra row to detect "has more"

	joinSQL := ""
	if len(joins) > 0 {
		joinSQL = " " + strings.Join(joins, " ")
	}

	sql := fmt.Sprintf(
		"SELECT r.type, r.id, r.version_id, r.document, r.last_updated FROM resources r%s WHERE %s ORDER BY %s LIMIT %s",
		joinSQL, strings.Join(clauses, " AND "), orderBy, limitArg)

	resultSort := make([]SortKey, len(sortKeys))
	for i, k := range sortKeys {
		resultSort[i] = SortKey{Name: k.Name, Descending: k.Descending}
	}

	return Query{SQL: sql, Args: binder.Args(), PageSize: pageSize, SortKeys: resultSort}, nil
}

func buildOrderBy(keys []ResolvedSort, cursor *Cursor) string {
	parts := make([]string, 0, len(keys)+1)
	hasID := false
	for _, k := range keys {
		dir := "ASC"
		if k.Descending {
			dir = "DESC"
		}
		if cursor != nil && cursor.Direction == "prev" {
			dir = flip(dir)
		}
		parts = append(parts, k.Column+" "+dir)
		if k.Name == "_id" {
			hasID = true
		}
	}
	if !hasID {
		dir := "ASC"
		if cursor != nil && cursor.Direction == "prev" {
			dir = "DESC"
		}
		parts = append(parts, "r.id "+dir)
	}
	return strings.Join(parts, ", ")
}

func flip(dir string) string {
	if dir == "ASC" {
		return "DESC"
	}
	return "ASC"
}

func cursorClause(keys []ResolvedSort, c Cursor, binder *ArgBinder) string {
	primary := "r.last_updated"
	if len(keys) > 0 {
		primary = keys[0].Column
	}
	op := ">"
	if (len(keys) > 0 && keys[0].Descending) != (c.Direction == "prev") {
		op = "<"
	}
	return fmt.Sprintf("(%s, r.id) %s (%s, %s)", primary, op, binder.Bind(c.SortValue), binder.Bind(c.ID))
}

// CompartmentPredicate adds the §4.5 "Compartment search" EXISTS clause:
// a reference-index row whose parameter is one of the compartment's
// member parameters and whose target matches (compartmentType, id).
type CompartmentPredicate struct {
	CompartmentType string
	ID              string
	MemberParams    []string
}

func (cp CompartmentPredicate) Predicate(binder *ArgBinder) (string, error) {
	if len(cp.MemberParams) == 0 {
		return "1=0", nil
	}
	placeholders := make([]string, len(cp.MemberParams))
	for i, p := range cp.MemberParams {
		placeholders[i] = binder.Bind(p)
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM search_reference sp WHERE sp.resource_type = r.type AND sp.resource_id = r.id AND sp.version_id = r.version_id AND sp.parameter_name IN (%s) AND sp.target_type = %s AND sp.target_id = %s)",
		strings.Join(placeholders, ", "), binder.Bind(cp.CompartmentType), binder.Bind(cp.ID)), nil
}

// BuildHasPredicate implements `_has:Type:param:chain=value` (§4.5 table):
// an EXISTS over the referencing resource type whose own chained
// predicate holds and which itself references the searched resource.
func BuildHasPredicate(refType, refParam string, innerClause string, binder *ArgBinder) string {
	return fmt.Sprintf(
		`EXISTS (
			SELECT 1 FROM resources ref_r
			WHERE ref_r.type = %s AND ref_r.is_current = true AND ref_r.deleted = false AND (%s)
			AND EXISTS (
				SELECT 1 FROM search_reference back_ref
				WHERE back_ref.resource_type = ref_r.type AND back_ref.resource_id = ref_r.id AND back_ref.version_id = ref_r.version_id
				AND back_ref.parameter_name = %s AND back_ref.target_type = r.type AND back_ref.target_id = r.id
			)
		)`, binder.Bind(refType), innerClause, binder.Bind(refParam))
}
