package fhirpath

import "github.com/ehr/fhirserver/internal/fhirvalue"

// fhirFuncDefs implements the FHIR-flavored extensions to bare FHIRPath:
// resolve() against an injected ResourceResolver, and the supplemented
// children()/descendants() tree-walking helpers (see SPEC_FULL.md's
// supplemented-features list, grounded on the original's path-navigation
// support for "all child nodes").
func fhirFuncDefs() []FuncDef {
	return []FuncDef{
		fn("resolve", 0, false, func(m *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			var out []fhirvalue.Value
			for _, item := range input.AsCollection() {
				ref, ok := referenceString(item)
				if !ok {
					continue
				}
				if m.ctx.Resolver == nil {
					continue
				}
				target, found, err := m.ctx.Resolver.Resolve(ref)
				if err != nil {
					return fhirvalue.Empty, err
				}
				if found {
					out = append(out, target)
				}
			}
			return fhirvalue.NewCollection(out...), nil
		}),
		fn("ofType", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			typeName, ok := stringArg(args[0])
			if !ok {
				return fhirvalue.Empty, nil
			}
			var out []fhirvalue.Value
			for _, item := range input.AsCollection() {
				if matchesType(item, typeName) {
					out = append(out, item)
				}
			}
			return fhirvalue.NewCollection(out...), nil
		}),
		fn("children", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			var out []fhirvalue.Value
			for _, item := range input.AsCollection() {
				out = append(out, directChildren(item)...)
			}
			return fhirvalue.NewCollection(out...), nil
		}),
		fn("descendants", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			var out []fhirvalue.Value
			for _, item := range input.AsCollection() {
				collectDescendants(item, &out)
			}
			return fhirvalue.NewCollection(out...), nil
		}),
	}
}

func referenceString(v fhirvalue.Value) (string, bool) {
	if v.Kind != fhirvalue.KindObject {
		return "", false
	}
	ref, ok := v.Get("reference")
	if !ok || ref.Kind != fhirvalue.KindString {
		return "", false
	}
	return ref.Str, true
}

func directChildren(v fhirvalue.Value) []fhirvalue.Value {
	switch v.Kind {
	case fhirvalue.KindObject:
		var out []fhirvalue.Value
		for _, k := range v.ObjectKeys {
			out = append(out, v.ObjectVals[k].AsCollection()...)
		}
		return out
	case fhirvalue.KindCollection:
		var out []fhirvalue.Value
		for _, item := range v.Items {
			out = append(out, directChildren(item)...)
		}
		return out
	default:
		return nil
	}
}

func collectDescendants(v fhirvalue.Value, out *[]fhirvalue.Value) {
	for _, child := range directChildren(v) {
		*out = append(*out, child)
		collectDescendants(child, out)
	}
}
