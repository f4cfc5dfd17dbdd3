package fhirpath

import (
	"time"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// Compile parses and analyzes expression into an executable Plan (§4.2).
// rootType is recorded on the Plan; the analyzer does not type-check path
// steps against it, so "" is fine when the root type isn't known.
// Compilation failures are *ParseError or *TypeError.
func Compile(expression, rootType string, mode Mode) (*Plan, error) {
	ast, err := parse(expression)
	if err != nil {
		return nil, err
	}

	a := newAnalyzer(mode, defaultRegistry)
	hir, err := a.analyze(ast)
	if err != nil {
		return nil, err
	}

	plan, err := compileToPlan(hir, rootType, expression)
	if err != nil {
		return nil, err
	}
	plan.Warnings = a.warnings
	return plan, nil
}

// Evaluate runs plan against ctx, returning the resulting collection.
// Evaluation failures are *EvaluationError. Callers that only set
// Resource get %context and %rootResource defaulted to it, which is
// correct for a plain top-level evaluation; callers walking into a
// contained or Bundle-entry resource should set Context/RootResource
// explicitly before calling.
func Evaluate(plan *Plan, ctx *EvalContext) (fhirvalue.Value, error) {
	if ctx.Now.IsZero() {
		ctx.Now = time.Now()
	}
	if ctx.Context.Kind == fhirvalue.KindEmpty {
		ctx.Context = ctx.Resource
	}
	if ctx.RootResource.Kind == fhirvalue.KindEmpty {
		ctx.RootResource = ctx.Resource
	}
	m := newVM(ctx, defaultRegistry)
	return m.run(plan, frame{this: ctx.Resource})
}

// EvaluateAgainst is a convenience wrapper for the common case of
// evaluating against a resource document with no externals or resolver.
func EvaluateAgainst(plan *Plan, resource fhirvalue.Value) (fhirvalue.Value, error) {
	return Evaluate(plan, &EvalContext{Resource: resource})
}
