package fhirpath

import "github.com/ehr/fhirserver/internal/fhirvalue"

// FuncImpl receives the invocation's input collection (the target the
// function was called on, or $this for bare calls) and its already-evaluated
// arguments, and returns a result collection.
type FuncImpl func(vm *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error)

// FuncDef mirrors the teacher pack's function-registry shape (grounded on
// gofhir's funcs.Registry): functions are numbered so HIR/bytecode can
// address them by a stable id instead of by name (§4.2).
type FuncDef struct {
	ID       int
	Name     string
	Arity    int
	Variadic bool
	Impl     FuncImpl
}

// FunctionRegistry holds every non-higher-order FHIRPath function. Built
// once at package init and shared by every compilation; functions are pure
// over their arguments so concurrent use across plans is safe.
type FunctionRegistry struct {
	byName map[string]FuncDef
	byID   []FuncDef
}

func newFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{byName: map[string]FuncDef{}}
	for _, def := range builtinFuncDefs() {
		def.ID = len(r.byID)
		r.byID = append(r.byID, def)
		r.byName[def.Name] = def
	}
	return r
}

func (r *FunctionRegistry) ByID(id int) (FuncDef, bool) {
	if id < 0 || id >= len(r.byID) {
		return FuncDef{}, false
	}
	return r.byID[id], true
}

var defaultRegistry = newFunctionRegistry()

func builtinFuncDefs() []FuncDef {
	var defs []FuncDef
	defs = append(defs, collectionFuncDefs()...)
	defs = append(defs, stringFuncDefs()...)
	defs = append(defs, mathFuncDefs()...)
	defs = append(defs, conversionFuncDefs()...)
	defs = append(defs, temporalFuncDefs()...)
	defs = append(defs, fhirFuncDefs()...)
	return defs
}

func fn(name string, arity int, variadic bool, impl FuncImpl) FuncDef {
	return FuncDef{Name: name, Arity: arity, Variadic: variadic, Impl: impl}
}
