package fhirapi

import "github.com/ehr/fhirserver/internal/fhirvalue"

// mergePatch applies a JSON Merge Patch (RFC 7396) to current, returning a
// new Value rather than mutating either argument. A null field in patch
// removes that field from the result; any other field replaces it wholesale
// (arrays and objects alike) — merge patch does not merge array elements.
func mergePatch(current, patch fhirvalue.Value) fhirvalue.Value {
	if patch.Kind != fhirvalue.KindObject {
		return patch
	}
	if current.Kind != fhirvalue.KindObject {
		current = fhirvalue.NewObject()
	}

	result := fhirvalue.NewObject()
	for _, k := range current.ObjectKeys {
		result.Set(k, current.ObjectVals[k])
	}
	for _, k := range patch.ObjectKeys {
		pv := patch.ObjectVals[k]
		if pv.Kind == fhirvalue.KindEmpty {
			removeKey(&result, k)
			continue
		}
		if existing, ok := result.Get(k); ok && existing.Kind == fhirvalue.KindObject && pv.Kind == fhirvalue.KindObject {
			result.Set(k, mergePatch(existing, pv))
			continue
		}
		result.Set(k, pv)
	}
	return result
}

func removeKey(v *fhirvalue.Value, key string) {
	if _, ok := v.ObjectVals[key]; !ok {
		return
	}
	delete(v.ObjectVals, key)
	keys := make([]string, 0, len(v.ObjectKeys))
	for _, k := range v.ObjectKeys {
		if k != key {
			keys = append(keys, k)
		}
	}
	v.ObjectKeys = keys
}
