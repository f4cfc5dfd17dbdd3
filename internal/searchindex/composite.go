package searchindex

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// compositeComponent is one component's typed projection inside a
// composite index row (§4.4 "Composite": "JSON array of per-component
// objects with the typed fields needed for each component type").
type compositeComponent struct {
	Param  string `json:"param"`
	System string `json:"system,omitempty"`
	Code   string `json:"code,omitempty"`
	CodeCI string `json:"code_ci,omitempty"`
	Value  string `json:"value,omitempty"`
	Number string `json:"number,omitempty"`
	Unit   string `json:"unit,omitempty"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
}

// compositeEntries evaluates a composite parameter's own expression (the
// join-point FHIRPath giving one context node per combination) and
// projects each declared component against that context into a single
// JSON-encoded Entry.
func compositeEntries(p fhircontext.SearchParameter, result fhirvalue.Value) ([]Entry, error) {
	var out []Entry
	for _, ctxItem := range flatten(result) {
		components := make([]compositeComponent, 0, len(p.Components))
		for _, componentCode := range p.Components {
			cc, ok := projectComponent(componentCode, ctxItem)
			if ok {
				components = append(components, cc)
			}
		}
		if len(components) == 0 {
			continue
		}
		data, err := json.Marshal(components)
		if err != nil {
			return nil, fmt.Errorf("marshal composite components for %s: %w", p.Code, err)
		}
		out = append(out, Entry{Kind: KindComposite, Composite: string(data)})
	}
	return out, nil
}

// projectComponent extracts a single component's typed fields from the
// composite's context node. The component's own search-parameter
// definition (resolved elsewhere) picks the FHIRPath sub-expression; here
// we fall back to treating the context node itself as the already-scoped
// per-component value, which holds for the common case of a context whose
// direct children are named after each component.
func projectComponent(componentCode string, ctxItem fhirvalue.Value) (compositeComponent, bool) {
	val, ok := ctxItem.Get(componentCode)
	if !ok {
		return compositeComponent{}, false
	}
	cc := compositeComponent{Param: componentCode}
	for _, item := range flatten(val) {
		switch item.Kind {
		case fhirvalue.KindString:
			cc.Value = item.Str
		case fhirvalue.KindInteger, fhirvalue.KindDecimal:
			cc.Number = item.String()
		case fhirvalue.KindQuantity:
			cc.Number = item.QtyValue.String()
			cc.Unit = item.QtyUnit
		case fhirvalue.KindDate, fhirvalue.KindDateTime, fhirvalue.KindTime:
			start, end := temporalRange(toTValue(item))
			cc.Start = start.Format("2006-01-02T15:04:05.000Z07:00")
			cc.End = end.Format("2006-01-02T15:04:05.000Z07:00")
		case fhirvalue.KindObject:
			for _, e := range tokenEntries(item) {
				cc.System, cc.Code, cc.CodeCI = e.System, e.Code, e.CodeCI
			}
		}
	}
	return cc, true
}
