package fhirpath

import (
	"time"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// ResourceResolver backs FHIRPath's `resolve()` function, loading the
// target of a reference string from the resource store (§4.2 "resolve()
// defers to an injected ResourceResolver").
type ResourceResolver interface {
	Resolve(reference string) (fhirvalue.Value, bool, error)
}

// EvalContext carries everything an evaluation needs beyond the compiled
// Plan: the root resource, `%`-prefixed external constants, and the
// resolver used by resolve(). now/today are computed once per top-level
// Evaluate call (§4.2 "today()/now() are evaluated once per top-level
// evaluation").
//
// Resource, Context, and RootResource back three distinct `%`-variables
// that happen to coincide for a plain top-level evaluation but diverge
// once a plan walks into a contained or Bundle-entry resource:
//   - Resource is `%resource`, the resource the compiled expression is
//     evaluating against at the top level.
//   - Context is `%context`, the node evaluate() was originally invoked
//     with (identical to Resource unless a caller re-enters evaluation
//     against a narrower node, e.g. while recursing into children()).
//   - RootResource is `%rootResource`, the Bundle (or container) at the
//     top of the containment tree when evaluation has descended into a
//     contained resource; otherwise the same as Resource.
type EvalContext struct {
	Resource     fhirvalue.Value
	Context      fhirvalue.Value
	RootResource fhirvalue.Value
	Externals    map[string]fhirvalue.Value
	Resolver     ResourceResolver
	Now          time.Time
}

// frame is the per-invocation variable scope threaded through higher-order
// subplan calls: $this, $index, and (for aggregate) the running $total.
type frame struct {
	this  fhirvalue.Value
	index int
	total fhirvalue.Value
}

// vm is a stack machine over fhirvalue.Value collections (§4.2 "Bytecode
// VM"). A vm is created fresh per top-level Evaluate call and reused for
// every subplan invocation it makes, so today()/now() stay fixed and
// suspension (host calls like resolve()) can be layered in later without
// re-deriving evaluation state.
type vm struct {
	ctx      *EvalContext
	registry *FunctionRegistry
}

func newVM(ctx *EvalContext, registry *FunctionRegistry) *vm {
	return &vm{ctx: ctx, registry: registry}
}

// run executes plan with the given variable frame and returns the resulting
// collection.
func (m *vm) run(plan *Plan, f frame) (fhirvalue.Value, error) {
	var stack []fhirvalue.Value
	push := func(v fhirvalue.Value) { stack = append(stack, v) }
	pop := func() fhirvalue.Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	pc := 0
	for pc < len(plan.Instructions) {
		instr := plan.Instructions[pc]
		switch instr.Op {
		case OpPushConst:
			push(plan.Constants[instr.A])

		case OpLoadVar:
			switch instr.Var {
			case VarThis:
				push(f.this)
			case VarIndex:
				push(fhirvalue.NewInteger(int64(f.index)))
			case VarTotal:
				push(f.total)
			case VarExternal:
				name := plan.FieldNames[instr.FieldID]
				v, err := m.loadExternal(name)
				if err != nil {
					return fhirvalue.Empty, err
				}
				push(v)
			}

		case OpPathStep:
			target := pop()
			field := plan.FieldNames[instr.FieldID]
			push(pathStep(target, field))

		case OpIndex:
			idxColl := pop()
			target := pop()
			push(indexStep(target, idxColl))

		case OpUnaryOp:
			operand := pop()
			v, err := applyUnary(OpID(instr.A), operand)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpBinaryOp:
			right := pop()
			left := pop()
			v, err := applyBinary(OpID(instr.A), left, right)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpTypeIs:
			target := pop()
			push(typeIsCheck(target, instr.Type))

		case OpTypeAs:
			target := pop()
			push(typeAsCast(target, instr.Type))

		case OpCallFunction:
			argc := instr.B
			args := make([]fhirvalue.Value, argc)
			for i := argc - 1; i >= 0; i-- {
				args[i] = pop()
			}
			input := pop()
			def, ok := m.registry.ByID(instr.A)
			if !ok {
				return fhirvalue.Empty, evalErrorf("unknown function id %d", instr.A)
			}
			v, err := def.Impl(m, input, args)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpWhere:
			target := pop()
			v, err := m.runWhere(plan.Subplans[instr.A], target, f)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpSelect:
			target := pop()
			v, err := m.runSelect(plan.Subplans[instr.A], target, f)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpRepeat:
			target := pop()
			v, err := m.runRepeat(plan.Subplans[instr.A], target, f)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpAll:
			target := pop()
			v, err := m.runAll(plan.Subplans[instr.A], target, f)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpExists:
			target := pop()
			v, err := m.runExists(plan, instr.A, target, f)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpAggregate:
			var init fhirvalue.Value
			if instr.B == 1 {
				init = pop()
			}
			target := pop()
			v, err := m.runAggregate(plan.Subplans[instr.A], target, init, f)
			if err != nil {
				return fhirvalue.Empty, err
			}
			push(v)

		case OpJump:
			pc = instr.A
			continue

		case OpJumpIfFalse:
			cond := pop()
			b, ok := toBooleanSingleton(cond)
			if !ok || !b {
				pc = instr.A
				continue
			}
		}
		pc++
	}

	if len(stack) == 0 {
		return fhirvalue.Empty, nil
	}
	return stack[len(stack)-1], nil
}

func (m *vm) loadExternal(name string) (fhirvalue.Value, error) {
	switch name {
	case "resource":
		return m.ctx.Resource, nil
	case "context":
		return m.ctx.Context, nil
	case "rootResource":
		return m.ctx.RootResource, nil
	case "ucum":
		return fhirvalue.NewString("http://unitsofmeasure.org"), nil
	case "sct":
		return fhirvalue.NewString("http://snomed.info/sct"), nil
	case "loinc":
		return fhirvalue.NewString("http://loinc.org"), nil
	}
	if v, ok := m.ctx.Externals[name]; ok {
		return v, nil
	}
	return fhirvalue.Empty, nil
}

func (m *vm) runWhere(sub *Plan, target fhirvalue.Value, f frame) (fhirvalue.Value, error) {
	items := target.AsCollection()
	var out []fhirvalue.Value
	for i, item := range items {
		res, err := m.run(sub, frame{this: item, index: i, total: f.total})
		if err != nil {
			return fhirvalue.Empty, err
		}
		keep, ok := toBooleanSingleton(res)
		if ok && keep {
			out = append(out, item)
		}
	}
	return fhirvalue.NewCollection(out...), nil
}

func (m *vm) runSelect(sub *Plan, target fhirvalue.Value, f frame) (fhirvalue.Value, error) {
	items := target.AsCollection()
	var out []fhirvalue.Value
	for i, item := range items {
		res, err := m.run(sub, frame{this: item, index: i, total: f.total})
		if err != nil {
			return fhirvalue.Empty, err
		}
		out = append(out, res.AsCollection()...)
	}
	return fhirvalue.NewCollection(out...), nil
}

func (m *vm) runRepeat(sub *Plan, target fhirvalue.Value, f frame) (fhirvalue.Value, error) {
	seen := map[string]bool{}
	var out []fhirvalue.Value
	frontier := target.AsCollection()
	for len(frontier) > 0 {
		var next []fhirvalue.Value
		for i, item := range frontier {
			res, err := m.run(sub, frame{this: item, index: i, total: f.total})
			if err != nil {
				return fhirvalue.Empty, err
			}
			for _, candidate := range res.AsCollection() {
				key := candidate.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, candidate)
				next = append(next, candidate)
			}
		}
		frontier = next
	}
	return fhirvalue.NewCollection(out...), nil
}

func (m *vm) runAll(sub *Plan, target fhirvalue.Value, f frame) (fhirvalue.Value, error) {
	items := target.AsCollection()
	for i, item := range items {
		res, err := m.run(sub, frame{this: item, index: i, total: f.total})
		if err != nil {
			return fhirvalue.Empty, err
		}
		b, ok := toBooleanSingleton(res)
		if !ok || !b {
			return fhirvalue.NewBoolean(false), nil
		}
	}
	// all(expr) returns true on an empty collection (§4.2).
	return fhirvalue.NewBoolean(true), nil
}

func (m *vm) runExists(plan *Plan, subIdx int, target fhirvalue.Value, f frame) (fhirvalue.Value, error) {
	if subIdx < 0 {
		return fhirvalue.NewBoolean(len(target.AsCollection()) > 0), nil
	}
	sub := plan.Subplans[subIdx]
	items := target.AsCollection()
	for i, item := range items {
		res, err := m.run(sub, frame{this: item, index: i, total: f.total})
		if err != nil {
			return fhirvalue.Empty, err
		}
		b, ok := toBooleanSingleton(res)
		if ok && b {
			return fhirvalue.NewBoolean(true), nil
		}
	}
	return fhirvalue.NewBoolean(false), nil
}

func (m *vm) runAggregate(sub *Plan, target, init fhirvalue.Value, f frame) (fhirvalue.Value, error) {
	total := init
	items := target.AsCollection()
	for i, item := range items {
		res, err := m.run(sub, frame{this: item, index: i, total: total})
		if err != nil {
			return fhirvalue.Empty, err
		}
		total = res
	}
	return total, nil
}

// pathStep navigates a single member access across every element of
// target, flattening results. FHIR choice properties are matched by exact
// key first, falling back to a unique "value"-prefixed key so
// `Observation.value` resolves to whichever valueX was actually present.
func pathStep(target fhirvalue.Value, field string) fhirvalue.Value {
	var out []fhirvalue.Value
	for _, item := range target.AsCollection() {
		if item.Kind != fhirvalue.KindObject {
			continue
		}
		if v, ok := item.Get(field); ok {
			out = append(out, v.AsCollection()...)
			continue
		}
		if field == "value" {
			if v, ok := findChoiceValue(item); ok {
				out = append(out, v.AsCollection()...)
			}
		}
	}
	return fhirvalue.NewCollection(out...)
}

func findChoiceValue(obj fhirvalue.Value) (fhirvalue.Value, bool) {
	var match fhirvalue.Value
	count := 0
	for _, k := range obj.ObjectKeys {
		if len(k) > 5 && k[:5] == "value" {
			match = obj.ObjectVals[k]
			count++
		}
	}
	if count == 1 {
		return match, true
	}
	return fhirvalue.Empty, false
}

func indexStep(target, idxColl fhirvalue.Value) fhirvalue.Value {
	idxVal, ok := fhirvalue.Single(idxColl)
	if !ok || idxVal.Kind != fhirvalue.KindInteger {
		return fhirvalue.Empty
	}
	items := target.AsCollection()
	i := int(idxVal.Int)
	if i < 0 || i >= len(items) {
		return fhirvalue.Empty
	}
	return items[i]
}

// toBooleanSingleton collapses a collection to a single boolean for
// control-flow decisions (where predicates, jump conditions). An empty or
// ambiguous collection reports ok=false.
func toBooleanSingleton(v fhirvalue.Value) (bool, bool) {
	single, ok := fhirvalue.Single(v)
	if !ok || single.Kind != fhirvalue.KindBoolean {
		return false, false
	}
	return single.Bool, true
}

func typeIsCheck(target fhirvalue.Value, typeName string) fhirvalue.Value {
	single, ok := fhirvalue.Single(target)
	if !ok || single.Kind == fhirvalue.KindEmpty {
		return fhirvalue.Empty
	}
	return fhirvalue.NewBoolean(matchesType(single, typeName))
}

func typeAsCast(target fhirvalue.Value, typeName string) fhirvalue.Value {
	single, ok := fhirvalue.Single(target)
	if !ok || single.Kind == fhirvalue.KindEmpty {
		return fhirvalue.Empty
	}
	if matchesType(single, typeName) {
		return single
	}
	return fhirvalue.Empty
}

func matchesType(v fhirvalue.Value, typeName string) bool {
	switch typeName {
	case "Boolean", "System.Boolean":
		return v.Kind == fhirvalue.KindBoolean
	case "Integer", "System.Integer":
		return v.Kind == fhirvalue.KindInteger
	case "Decimal", "System.Decimal":
		return v.Kind == fhirvalue.KindDecimal
	case "String", "System.String":
		return v.Kind == fhirvalue.KindString
	case "Date", "System.Date":
		return v.Kind == fhirvalue.KindDate
	case "DateTime", "System.DateTime":
		return v.Kind == fhirvalue.KindDateTime
	case "Time", "System.Time":
		return v.Kind == fhirvalue.KindTime
	case "Quantity":
		return v.Kind == fhirvalue.KindQuantity
	default:
		if v.Kind != fhirvalue.KindObject {
			return false
		}
		rt, ok := v.Get("resourceType")
		return ok && rt.Kind == fhirvalue.KindString && rt.Str == typeName
	}
}
