package searchindex

import (
	"time"

	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// extractEntries converts one FHIRPath evaluation result (a Collection or
// singleton Value) into zero or more Entry rows for paramType, per the
// per-type transform table in §4.4.
func extractEntries(paramType fhircontext.ParamType, v fhirvalue.Value) []Entry {
	items := flatten(v)
	var out []Entry
	for _, item := range items {
		out = append(out, entriesForItem(paramType, item)...)
	}
	return out
}

func flatten(v fhirvalue.Value) []fhirvalue.Value {
	if v.Kind == fhirvalue.KindEmpty {
		return nil
	}
	if v.Kind == fhirvalue.KindCollection {
		var out []fhirvalue.Value
		for _, it := range v.Items {
			out = append(out, flatten(it)...)
		}
		return out
	}
	return []fhirvalue.Value{v}
}

func entriesForItem(paramType fhircontext.ParamType, v fhirvalue.Value) []Entry {
	switch paramType {
	case fhircontext.ParamString, fhircontext.ParamText:
		return stringEntries(v)
	case fhircontext.ParamURI:
		return uriEntries(v)
	case fhircontext.ParamToken, fhircontext.ParamTokenIdentifier:
		return tokenEntries(v)
	case fhircontext.ParamDate:
		return dateEntries(v)
	case fhircontext.ParamNumber:
		return numberEntries(v)
	case fhircontext.ParamQuantity:
		return quantityEntries(v)
	case fhircontext.ParamReference:
		return referenceEntries(v)
	default:
		return nil
	}
}

func scalarString(v fhirvalue.Value) (string, bool) {
	if v.Kind == fhirvalue.KindString {
		return v.Str, true
	}
	return "", false
}

func stringEntries(v fhirvalue.Value) []Entry {
	s, ok := scalarString(v)
	if !ok {
		return nil
	}
	return []Entry{{Kind: KindString, Value: s, ValueNormalized: normalizeString(s)}}
}

func uriEntries(v fhirvalue.Value) []Entry {
	s, ok := scalarString(v)
	if !ok {
		return nil
	}
	return []Entry{{Kind: KindURI, Value: s, ValueNormalized: normalizeURI(s)}}
}

// tokenEntries handles a bare code string, a Coding {system, code}, an
// Identifier {system, value}, or a CodeableConcept {coding: [...]}  —
// every shape a token search parameter's FHIRPath expression can land on
// (§4.4 "Token").
func tokenEntries(v fhirvalue.Value) []Entry {
	if s, ok := scalarString(v); ok {
		return []Entry{{Kind: KindToken, Code: s, CodeCI: codeCI("", s)}}
	}
	if v.Kind != fhirvalue.KindObject {
		return nil
	}
	if codings, ok := v.Get("coding"); ok {
		var out []Entry
		for _, c := range flatten(codings) {
			out = append(out, tokenEntries(c)...)
		}
		return out
	}
	system, _ := v.Get("system")
	code, hasCode := v.Get("code")
	if !hasCode {
		code, hasCode = v.Get("value") // Identifier.value
	}
	if !hasCode {
		return nil
	}
	sys, _ := scalarString(system)
	cd, _ := scalarString(code)
	return []Entry{{Kind: KindToken, System: sys, Code: cd, CodeCI: codeCI(sys, cd)}}
}

func toTValue(v fhirvalue.Value) tValue {
	return tValue{
		year: v.Year, month: v.Month, day: v.Day,
		hour: v.Hour, minute: v.Minute, second: v.Second, ms: v.MS,
		precision:     precision(v.Precision),
		hasOffset:     v.HasOffset,
		offsetMinutes: v.OffsetMinutes,
	}
}

func dateEntries(v fhirvalue.Value) []Entry {
	switch v.Kind {
	case fhirvalue.KindDate, fhirvalue.KindDateTime, fhirvalue.KindTime:
	default:
		return nil
	}
	start, end := temporalRange(toTValue(v))
	return []Entry{{Kind: KindDate, RangeStart: start.Format(time.RFC3339Nano), RangeEnd: end.Format(time.RFC3339Nano)}}
}

func numberEntries(v fhirvalue.Value) []Entry {
	switch v.Kind {
	case fhirvalue.KindInteger:
		return []Entry{{Kind: KindNumber, Number: decimalFromInt(v.Int)}}
	case fhirvalue.KindDecimal:
		return []Entry{{Kind: KindNumber, Number: v.Dec}}
	default:
		return nil
	}
}

func quantityEntries(v fhirvalue.Value) []Entry {
	if v.Kind != fhirvalue.KindQuantity {
		return nil
	}
	return []Entry{{Kind: KindQty, Number: v.QtyValue, Unit: v.QtyUnit}}
}

// referenceEntries handles a Reference object {reference, type, identifier}
// — "Type/id", a bare id, an absolute url, or a logical identifier — per
// §4.4 "Reference". A Reference can carry both `reference` and
// `identifier` at once, so this can emit up to two rows: one `reference`
// has already been the target_type/target_id/target_url row; `identifier`
// is indexed separately into target_url as `system|value`, the same shape
// the `:identifier` modifier predicate queries (searchplanner/predicate.go
// referenceClause), since a bare reference string and a logical identifier
// are never confused for each other at query time.
func referenceEntries(v fhirvalue.Value) []Entry {
	if v.Kind != fhirvalue.KindObject {
		return nil
	}

	var out []Entry
	if refVal, ok := v.Get("reference"); ok {
		if ref, ok := scalarString(refVal); ok && ref != "" {
			targetType, targetID, isURL := splitReference(ref)
			e := Entry{Kind: KindRef, TargetID: targetID, TargetType: targetType}
			if isURL {
				e.TargetURL = ref
			}
			out = append(out, e)
		}
	}

	if identVal, ok := v.Get("identifier"); ok && identVal.Kind == fhirvalue.KindObject {
		if system, code, ok := identifierSystemValue(identVal); ok {
			out = append(out, Entry{Kind: KindRef, TargetURL: system + "|" + code})
		}
	}

	return out
}

// identifierSystemValue reads Identifier.system/Identifier.value, the
// fields the `:identifier` reference modifier matches against.
func identifierSystemValue(identifier fhirvalue.Value) (system, value string, ok bool) {
	valueVal, hasValue := identifier.Get("value")
	if !hasValue {
		return "", "", false
	}
	code, ok := scalarString(valueVal)
	if !ok || code == "" {
		return "", "", false
	}
	systemVal, _ := identifier.Get("system")
	sys, _ := scalarString(systemVal)
	return sys, code, true
}

func splitReference(ref string) (targetType, targetID string, isURL bool) {
	if len(ref) >= 8 && (ref[:7] == "http://" || ref[:8] == "https://") {
		return "", "", true
	}
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], false
		}
	}
	return "", ref, false
}
