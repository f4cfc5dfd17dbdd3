// Package searchplanner implements the FHIR search query grammar parser,
// parameter resolution, and SQL construction (§4.5). Grounded on the
// teacher's ContainedSearchClause (internal/platform/fhir/contained_search.go)
// for the "(clause, args)" SQL-builder idiom and on its
// cursor.go/cursor_pagination.go for the opaque base64 keyset-cursor
// encoding, generalized from a single contained-resource search into the
// full parameter-table-driven planner this system needs.
package searchplanner

import "strings"

// Modifier values recognized after a `:` suffix on a parameter name
// (§4.5 "Resolution").
type Modifier string

const (
	ModNone       Modifier = ""
	ModExact      Modifier = "exact"
	ModContains   Modifier = "contains"
	ModText       Modifier = "text"
	ModNot        Modifier = "not"
	ModMissing    Modifier = "missing"
	ModAbove      Modifier = "above"
	ModBelow      Modifier = "below"
	ModIn         Modifier = "in"
	ModNotIn      Modifier = "not-in"
	ModIdentifier Modifier = "identifier"
	ModOfType     Modifier = "of-type"
)

// Prefix values for ordered-type comparisons (§4.5 grammar).
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixLt Prefix = "lt"
	PrefixLe Prefix = "le"
	PrefixGt Prefix = "gt"
	PrefixGe Prefix = "ge"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

var knownPrefixes = []Prefix{PrefixEq, PrefixNe, PrefixLe, PrefixLt, PrefixGe, PrefixGt, PrefixSa, PrefixEb, PrefixAp}

// RawParam is one `name[:modifier][.chain]=value[,value...]` conjunct as
// parsed from the query string, before resolution against the
// search-parameter table.
type RawParam struct {
	Name     string
	Modifier Modifier
	Type     string // typed reference modifier, e.g. name:Patient
	Chain    []string
	Values   []ValueGroup // one per repeated `name=`, AND'd together
}

// ValueGroup is the comma-separated OR group for one occurrence of a
// parameter name.
type ValueGroup struct {
	Raw []string // each already prefix-stripped where applicable
}

// ControlParams holds the non-search `_xxx` query controls (§4.5 "Control").
type ControlParams struct {
	Count           int
	HasCount        bool
	Sort            []SortKey
	Include         []IncludeSpec
	RevInclude      []IncludeSpec
	Summary         string
	Elements        []string
	Filter          string
	Format          string
	Pretty          bool
	CursorToken     string
	CursorDirection string
}

type SortKey struct {
	Name       string
	Descending bool
}

type IncludeSpec struct {
	SourceType string
	Param      string
	TargetType string // optional, empty means "any"
	Iterate    bool
}

// ParseQuery splits a URL query string's values (already decoded by the
// caller's router) into RawParams and ControlParams. values maps a query
// key to every value supplied for it (repeated keys), matching
// net/url.Values' shape without importing net/url here.
func ParseQuery(values map[string][]string) ([]RawParam, ControlParams, error) {
	var params []RawParam
	var ctrl ControlParams

	for key, vals := range values {
		if strings.HasPrefix(key, "_") && !strings.HasPrefix(key, "_has:") {
			if err := parseControl(key, vals, &ctrl); err != nil {
				return nil, ctrl, err
			}
			continue
		}
		rp, err := parseParamKey(key)
		if err != nil {
			return nil, ctrl, err
		}
		for _, raw := range vals {
			rp.Values = append(rp.Values, ValueGroup{Raw: splitUnescaped(raw, ',')})
		}
		params = append(params, rp)
	}
	return params, ctrl, nil
}

func parseParamKey(key string) (RawParam, error) {
	name := key
	var modifier Modifier
	var typedModifier string
	if idx := unescapedIndex(key, ':'); idx >= 0 {
		name = key[:idx]
		rest := key[idx+1:]
		if dotIdx := unescapedIndex(rest, '.'); dotIdx >= 0 {
			typedModifier = rest[:dotIdx]
			rest = rest[dotIdx:]
			name = name + ":" + typedModifier
			return parseChain(name, rest)
		}
		switch Modifier(rest) {
		case ModExact, ModContains, ModText, ModNot, ModMissing, ModAbove, ModBelow, ModIn, ModNotIn, ModIdentifier, ModOfType:
			modifier = Modifier(rest)
		default:
			typedModifier = rest // `name:ResourceType` reference-type modifier
		}
	}

	chainStart := unescapedIndex(name, '.')
	if chainStart >= 0 {
		return parseChain(name[:chainStart], name[chainStart:])
	}

	return RawParam{Name: name, Modifier: modifier, Type: typedModifier}, nil
}

func parseChain(base string, dotted string) (RawParam, error) {
	parts := strings.Split(strings.TrimPrefix(dotted, "."), ".")
	return RawParam{Name: base, Chain: parts}, nil
}

func parseControl(key string, vals []string, ctrl *ControlParams) error {
	val := ""
	if len(vals) > 0 {
		val = vals[0]
	}
	switch key {
	case "_count":
		n, err := atoiSafe(val)
		if err != nil {
			return err
		}
		ctrl.Count, ctrl.HasCount = n, true
	case "_sort":
		for _, name := range strings.Split(val, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			desc := strings.HasPrefix(name, "-")
			ctrl.Sort = append(ctrl.Sort, SortKey{Name: strings.TrimPrefix(name, "-"), Descending: desc})
		}
	case "_include":
		for _, v := range vals {
			ctrl.Include = append(ctrl.Include, parseIncludeSpec(v))
		}
	case "_revinclude":
		for _, v := range vals {
			ctrl.RevInclude = append(ctrl.RevInclude, parseIncludeSpec(v))
		}
	case "_summary":
		ctrl.Summary = val
	case "_elements":
		ctrl.Elements = strings.Split(val, ",")
	case "_filter":
		// _filter's grammar (a full boolean/comparison expression language
		// over search parameters) is not implemented; reject rather than
		// silently return an unfiltered result set under its name.
		if val != "" {
			return &ValidationError{Message: "_filter is not supported"}
		}
		ctrl.Filter = val
	case "_format":
		ctrl.Format = val
	case "_pretty":
		ctrl.Pretty = val == "true"
	case "_pageToken":
		ctrl.CursorToken = val
	case "_cursor_direction":
		ctrl.CursorDirection = val
	}
	return nil
}

func parseIncludeSpec(v string) IncludeSpec {
	iterate := strings.HasSuffix(v, ":iterate")
	v = strings.TrimSuffix(v, ":iterate")
	parts := strings.SplitN(v, ":", 3)
	spec := IncludeSpec{Iterate: iterate}
	if len(parts) > 0 {
		spec.SourceType = parts[0]
	}
	if len(parts) > 1 {
		spec.Param = parts[1]
	}
	if len(parts) > 2 {
		spec.TargetType = parts[2]
	}
	return spec
}

func atoiSafe(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errInvalidInt(s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

type errInvalidInt string

func (e errInvalidInt) Error() string { return "searchplanner: invalid integer " + string(e) }

// splitUnescaped splits raw on sep, honoring the `\,`/`\|`/`\$`/`\\`
// escape rules (§4.5 "Escape").
func splitUnescaped(raw string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			cur.WriteByte(raw[i+1])
			i++
			continue
		}
		if raw[i] == sep {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(raw[i])
	}
	parts = append(parts, cur.String())
	return parts
}

func unescapedIndex(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == sep {
			return i
		}
	}
	return -1
}

// SplitPrefix pulls a recognized comparison prefix off the front of a
// value for ordered types (date/number/quantity), defaulting to eq.
func SplitPrefix(raw string) (Prefix, string) {
	for _, p := range knownPrefixes {
		if strings.HasPrefix(raw, string(p)) && len(raw) > len(p) {
			if !isDigitOrMinus(raw[len(p)]) {
				continue
			}
			return p, raw[len(p):]
		}
	}
	return PrefixEq, raw
}

func isDigitOrMinus(b byte) bool {
	return (b >= '0' && b <= '9') || b == '-' || b == '+'
}
