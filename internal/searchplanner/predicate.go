package searchplanner

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirserver/internal/fhircontext"
)

// ArgBinder accumulates bind parameter values for one SQL statement,
// handing back `$N` placeholders in order — mirrors the teacher's
// ContainedSearchClause "(clause, args, startIdx)" idiom
// (internal/platform/fhir/contained_search.go), generalized into a
// stateful builder so a whole WHERE clause can share one parameter list.
type ArgBinder struct {
	args []interface{}
}

func (b *ArgBinder) Bind(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *ArgBinder) Args() []interface{} { return b.args }

// BuildPredicate renders the EXISTS(...) subselect for one ResolvedParam
// against the resources row aliased r (§4.5 predicate table). Values
// within one ValueGroup (a comma-separated occurrence) are OR'd;
// multiple ValueGroups (the parameter repeated in the query string) are
// AND'd, per FHIR search semantics.
func BuildPredicate(p ResolvedParam, binder *ArgBinder) (string, error) {
	var groupClauses []string
	for _, group := range p.Groups {
		clause, err := buildGroupClause(p, group, binder)
		if err != nil {
			return "", err
		}
		if clause != "" {
			groupClauses = append(groupClauses, clause)
		}
	}
	if len(groupClauses) == 0 {
		return "1=1", nil
	}
	joined := "(" + strings.Join(groupClauses, " AND ") + ")"
	if p.Negate {
		return "NOT " + joined, nil
	}
	return joined, nil
}

func buildGroupClause(p ResolvedParam, group ValueGroup, binder *ArgBinder) (string, error) {
	if p.Modifier == ModMissing {
		return missingClause(p, group, binder)
	}

	var valueClauses []string
	for _, raw := range group.Raw {
		clause, err := buildValueClause(p, raw, binder)
		if err != nil {
			return "", err
		}
		valueClauses = append(valueClauses, clause)
	}
	return "(" + strings.Join(valueClauses, " OR ") + ")", nil
}

func missingClause(p ResolvedParam, group ValueGroup, binder *ArgBinder) (string, error) {
	table := tableFor(p.Def.Type)
	want := "true"
	if len(group.Raw) > 0 && group.Raw[0] == "false" {
		want = "false"
	}
	exists := fmt.Sprintf("EXISTS (SELECT 1 FROM %s sp WHERE sp.resource_type = r.type AND sp.resource_id = r.id AND sp.version_id = r.version_id AND sp.parameter_name = %s)",
		table, binder.Bind(p.Def.Code))
	if want == "true" {
		return "NOT " + exists, nil
	}
	return exists, nil
}

func buildValueClause(p ResolvedParam, raw string, binder *ArgBinder) (string, error) {
	switch p.Def.Type {
	case fhircontext.ParamString, fhircontext.ParamText:
		return stringClause(p, raw, binder), nil
	case fhircontext.ParamURI:
		return uriClause(p, raw, binder), nil
	case fhircontext.ParamToken, fhircontext.ParamTokenIdentifier:
		return tokenClause(p, raw, binder), nil
	case fhircontext.ParamDate:
		return dateClause(p, raw, binder), nil
	case fhircontext.ParamNumber:
		return numberClause(p, raw, binder), nil
	case fhircontext.ParamQuantity:
		return quantityClause(p, raw, binder), nil
	case fhircontext.ParamReference:
		return referenceClause(p, raw, binder), nil
	case fhircontext.ParamComposite:
		return compositeClause(p, raw, binder), nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("unsupported parameter type %s for %s", p.Def.Type, p.Def.Code)}
	}
}

func existsWrap(table, param, inner string) string {
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM %s sp WHERE sp.resource_type = r.type AND sp.resource_id = r.id AND sp.version_id = r.version_id AND sp.parameter_name = %s AND %s)",
		table, param, inner)
}

func tableFor(t fhircontext.ParamType) string {
	switch t {
	case fhircontext.ParamString, fhircontext.ParamText:
		return "search_string"
	case fhircontext.ParamURI:
		return "search_uri"
	case fhircontext.ParamToken, fhircontext.ParamTokenIdentifier:
		return "search_token"
	case fhircontext.ParamDate:
		return "search_date"
	case fhircontext.ParamNumber:
		return "search_number"
	case fhircontext.ParamQuantity:
		return "search_quantity"
	case fhircontext.ParamReference:
		return "search_reference"
	case fhircontext.ParamComposite:
		return "search_composite"
	default:
		return "search_string"
	}
}

func stringClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)
	normalized := normalizeForMatch(raw)

	switch p.Modifier {
	case ModExact:
		return existsWrap(table, param, fmt.Sprintf("sp.value = %s", binder.Bind(raw)))
	case ModContains:
		pat := "%" + normalized + "%"
		return existsWrap(table, param, fmt.Sprintf("sp.value_normalized LIKE %s", binder.Bind(pat)))
	default:
		pat := normalized + "%"
		return existsWrap(table, param, fmt.Sprintf(
			"((sp.value_normalized LIKE %s) OR (sp.value_normalized = '' AND sp.value ILIKE %s))",
			binder.Bind(pat), binder.Bind(raw+"%")))
	}
}

func uriClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)
	switch p.Modifier {
	case ModContains:
		pat := "%" + normalizeForMatch(raw) + "%"
		return existsWrap(table, param, fmt.Sprintf("sp.value_normalized LIKE %s", binder.Bind(pat)))
	case ModAbove:
		return existsWrap(table, param, fmt.Sprintf("%s LIKE rtrim(sp.value, '/') || '%%'", binder.Bind(raw)))
	case ModBelow:
		return existsWrap(table, param, fmt.Sprintf("rtrim(sp.value, '/') LIKE %s || '%%'", binder.Bind(raw)))
	default:
		return existsWrap(table, param, fmt.Sprintf("sp.value = %s", binder.Bind(raw)))
	}
}

func normalizeForMatch(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func tokenClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)

	system, code, hasPipe := splitTokenValue(raw)
	switch {
	case hasPipe && system != "" && code != "":
		return existsWrap(table, param, fmt.Sprintf("(sp.system = %s AND (sp.code = %s OR sp.code_ci = lower(%s)))",
			binder.Bind(system), binder.Bind(code), binder.Bind(code)))
	case hasPipe && system == "":
		return existsWrap(table, param, fmt.Sprintf("sp.system IS NULL AND (sp.code = %s OR sp.code_ci = lower(%s))",
			binder.Bind(code), binder.Bind(code)))
	case hasPipe && code == "":
		return existsWrap(table, param, fmt.Sprintf("sp.system = %s", binder.Bind(system)))
	default:
		return existsWrap(table, param, fmt.Sprintf("(sp.code = %s OR sp.code_ci = lower(%s))",
			binder.Bind(raw), binder.Bind(raw)))
	}
}

func splitTokenValue(raw string) (system, code string, hasPipe bool) {
	idx := strings.IndexByte(raw, '|')
	if idx < 0 {
		return "", raw, false
	}
	return raw[:idx], raw[idx+1:], true
}

// dateClause implements the half-open-range-overlap predicates for every
// comparison prefix (§4.5 "date prefixes").
func dateClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)
	prefix, value := SplitPrefix(raw)

	startArg := binder.Bind(value)
	switch prefix {
	case PrefixEq, PrefixAp:
		return existsWrap(table, param, fmt.Sprintf("sp.range_start >= %s::timestamptz AND sp.range_end <= %s::timestamptz + interval '1 day'", startArg, startArg))
	case PrefixNe:
		return existsWrap(table, param, fmt.Sprintf("NOT (sp.range_start >= %s::timestamptz AND sp.range_end <= %s::timestamptz + interval '1 day')", startArg, startArg))
	case PrefixLt, PrefixEb:
		return existsWrap(table, param, fmt.Sprintf("sp.range_end <= %s::timestamptz", startArg))
	case PrefixLe:
		return existsWrap(table, param, fmt.Sprintf("sp.range_start < %s::timestamptz", startArg))
	case PrefixGt, PrefixSa:
		return existsWrap(table, param, fmt.Sprintf("sp.range_start >= %s::timestamptz", startArg))
	case PrefixGe:
		return existsWrap(table, param, fmt.Sprintf("sp.range_end > %s::timestamptz", startArg))
	default:
		return existsWrap(table, param, fmt.Sprintf("sp.range_start >= %s::timestamptz AND sp.range_end <= %s::timestamptz + interval '1 day'", startArg, startArg))
	}
}

func numberClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)
	prefix, value := SplitPrefix(raw)
	arg := binder.Bind(value)
	op := sqlOpForPrefix(prefix)
	return existsWrap(table, param, fmt.Sprintf("sp.value %s %s::numeric", op, arg))
}

func quantityClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)

	numPart, unit := splitQuantityValue(raw)
	prefix, value := SplitPrefix(numPart)
	arg := binder.Bind(value)
	op := sqlOpForPrefix(prefix)

	if unit == "" {
		return existsWrap(table, param, fmt.Sprintf("sp.value %s %s::numeric", op, arg))
	}
	return existsWrap(table, param, fmt.Sprintf("sp.value %s %s::numeric AND (sp.unit IS NULL OR sp.unit = %s)", op, arg, binder.Bind(unit)))
}

func splitQuantityValue(raw string) (numeric, unit string) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) == 0 {
		return raw, ""
	}
	if len(parts) == 3 {
		return parts[0], parts[2]
	}
	return parts[0], ""
}

func sqlOpForPrefix(p Prefix) string {
	switch p {
	case PrefixNe:
		return "<>"
	case PrefixLt, PrefixEb:
		return "<"
	case PrefixLe:
		return "<="
	case PrefixGt, PrefixSa:
		return ">"
	case PrefixGe:
		return ">="
	default:
		return "="
	}
}

func referenceClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)

	if p.Modifier == ModIdentifier {
		system, code, _ := splitTokenValue(raw)
		return existsWrap(table, param, fmt.Sprintf("sp.target_url = %s",
			binder.Bind(system+"|"+code)))
	}

	targetType, targetID, isAbsolute := splitReferenceValue(raw)
	if isAbsolute {
		return existsWrap(table, param, fmt.Sprintf("sp.target_url = %s", binder.Bind(raw)))
	}
	if targetType != "" {
		return existsWrap(table, param, fmt.Sprintf("sp.target_type = %s AND sp.target_id = %s", binder.Bind(targetType), binder.Bind(targetID)))
	}
	return existsWrap(table, param, fmt.Sprintf("sp.target_id = %s", binder.Bind(targetID)))
}

func splitReferenceValue(raw string) (targetType, targetID string, isAbsolute bool) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return "", "", true
	}
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		return raw[:idx], raw[idx+1:], false
	}
	return "", raw, false
}

// compositeClause builds a `sp.components` JSON EXISTS clause over the
// composite value's `$`-separated per-component literals (§4.5
// "composite").
func compositeClause(p ResolvedParam, raw string, binder *ArgBinder) string {
	table := tableFor(p.Def.Type)
	param := binder.Bind(p.Def.Code)
	parts := splitUnescaped(raw, '$')

	var conds []string
	for i, componentCode := range p.Def.Components {
		if i >= len(parts) {
			break
		}
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(sp.components::jsonb) c WHERE c->>'param' = %s AND (c->>'value' = %s OR c->>'code' = %s))",
			binder.Bind(componentCode), binder.Bind(parts[i]), binder.Bind(parts[i])))
	}
	if len(conds) == 0 {
		return existsWrap(table, param, "true")
	}
	return existsWrap(table, param, strings.Join(conds, " AND "))
}
