package searchplanner

import (
	"context"
	"fmt"

	"github.com/ehr/fhirserver/internal/computedparams"
	"github.com/ehr/fhirserver/internal/fhircontext"
)

// Handling mirrors the `Prefer: handling=` request header (§4.5 "Failure
// semantics").
type Handling int

const (
	HandlingStrict Handling = iota
	HandlingLenient
)

// ValidationError reports a search request the planner rejects outright
// (§4.5 "Failure semantics").
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "searchplanner: " + e.Message }

// TooCostlyError reports a request that exceeds a planner-enforced limit.
type TooCostlyError struct {
	Message string
}

func (e *TooCostlyError) Error() string { return "searchplanner: too costly: " + e.Message }

// ResolvedParam is one fully resolved search conjunct, ready for SQL
// construction.
type ResolvedParam struct {
	Def      fhircontext.SearchParameter
	Modifier Modifier
	Type     string // typed reference modifier payload, e.g. "Patient"
	Chain    []string
	Groups   []ValueGroup
	Negate   bool
}

// Resolver resolves RawParams for a resource type against the active
// search-parameter table, applying computed-parameter query hooks and
// unknown-parameter handling (§4.5 "Resolution").
type Resolver struct {
	cache *fhircontext.Cache
	hooks *computedparams.Registry
}

func NewResolver(cache *fhircontext.Cache, hooks *computedparams.Registry) *Resolver {
	return &Resolver{cache: cache, hooks: hooks}
}

// Resolve maps raw params for resourceType into ResolvedParams, returning
// a *ValidationError for unknown parameters under strict handling.
func (r *Resolver) Resolve(ctx context.Context, resourceType string, raw []RawParam, handling Handling) ([]ResolvedParam, error) {
	defs, err := r.cache.ForType(ctx, resourceType)
	if err != nil {
		return nil, fmt.Errorf("load search parameters for %s: %w", resourceType, err)
	}
	byCode := make(map[string]fhircontext.SearchParameter, len(defs))
	for _, d := range defs {
		byCode[d.Code] = d
	}

	var out []ResolvedParam
	for _, rp := range raw {
		if rp.Name == "_id" || rp.Name == "_lastUpdated" {
			out = append(out, ResolvedParam{
				Def:      fhircontext.SearchParameter{ResourceType: resourceType, Code: rp.Name, Type: syntheticType(rp.Name)},
				Modifier: rp.Modifier,
				Chain:    rp.Chain,
				Groups:   rp.Values,
			})
			continue
		}

		if r.hooks != nil {
			if hook, ok := r.hooks.QueryHookFor(resourceType, rp.Name); ok {
				resolved, err := r.applyQueryHook(ctx, resourceType, rp, hook, byCode, handling)
				if err != nil {
					return nil, err
				}
				out = append(out, resolved...)
				continue
			}
		}

		def, ok := byCode[rp.Name]
		if !ok {
			if handling == HandlingStrict {
				return nil, &ValidationError{Message: fmt.Sprintf("unknown search parameter %q for %s", rp.Name, resourceType)}
			}
			continue
		}
		if err := validateModifier(def, rp.Modifier); err != nil {
			return nil, err
		}
		out = append(out, ResolvedParam{
			Def:      def,
			Modifier: rp.Modifier,
			Type:     rp.Type,
			Chain:    rp.Chain,
			Groups:   rp.Values,
			Negate:   rp.Modifier == ModNot,
		})
	}
	return out, nil
}

func (r *Resolver) applyQueryHook(ctx context.Context, resourceType string, rp RawParam, hook computedparams.QueryHook, byCode map[string]fhircontext.SearchParameter, handling Handling) ([]ResolvedParam, error) {
	var out []ResolvedParam
	for _, group := range rp.Values {
		rewritten, err := hook.Resolve(ctx, resourceType, rp.Name, group.Raw)
		if err != nil {
			return nil, fmt.Errorf("computed parameter %s.%s: %w", resourceType, rp.Name, err)
		}
		for _, rw := range rewritten {
			def, ok := byCode[rw.Name]
			if !ok {
				if handling == HandlingStrict {
					return nil, &ValidationError{Message: fmt.Sprintf("computed parameter %s rewrote to unknown parameter %q", rp.Name, rw.Name)}
				}
				continue
			}
			out = append(out, ResolvedParam{
				Def:    def,
				Groups: []ValueGroup{{Raw: withPrefix(rw.Prefix, rw.Values)}},
			})
		}
	}
	return out, nil
}

func withPrefix(prefix string, values []string) []string {
	if prefix == "" || prefix == string(PrefixEq) {
		return values
	}
	if len(values) == 0 {
		return values
	}
	out := make([]string, len(values))
	copy(out, values)
	out[0] = prefix + out[0]
	return out
}

func syntheticType(name string) fhircontext.ParamType {
	if name == "_lastUpdated" {
		return fhircontext.ParamDate
	}
	return fhircontext.ParamString
}

var validModifiersByType = map[fhircontext.ParamType]map[Modifier]bool{
	fhircontext.ParamString: {ModNone: true, ModExact: true, ModContains: true, ModMissing: true, ModNot: true},
	fhircontext.ParamToken:  {ModNone: true, ModNot: true, ModMissing: true, ModIn: true, ModNotIn: true, ModOfType: true, ModText: true},
	fhircontext.ParamTokenIdentifier: {ModNone: true, ModIdentifier: true, ModMissing: true},
	fhircontext.ParamReference:       {ModNone: true, ModIdentifier: true, ModMissing: true, ModNot: true},
	fhircontext.ParamDate:            {ModNone: true, ModMissing: true},
	fhircontext.ParamNumber:          {ModNone: true, ModMissing: true},
	fhircontext.ParamQuantity:        {ModNone: true, ModMissing: true},
	fhircontext.ParamURI:             {ModNone: true, ModAbove: true, ModBelow: true, ModMissing: true, ModContains: true},
	fhircontext.ParamComposite:       {ModNone: true, ModMissing: true},
	fhircontext.ParamText:            {ModNone: true, ModMissing: true},
}

func validateModifier(def fhircontext.SearchParameter, mod Modifier) error {
	allowed, ok := validModifiersByType[def.Type]
	if !ok {
		return nil
	}
	if !allowed[mod] {
		return &ValidationError{Message: fmt.Sprintf("modifier %q is not valid for %s parameter %s", mod, def.Type, def.Code)}
	}
	return nil
}
