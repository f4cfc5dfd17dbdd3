package fhirpath

import "github.com/ehr/fhirserver/internal/fhirvalue"

func collectionFuncDefs() []FuncDef {
	return []FuncDef{
		fn("empty", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			return fhirvalue.NewBoolean(input.IsEmptyValue()), nil
		}),
		fn("not", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			b, ok := toBooleanSingleton(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewBoolean(!b), nil
		}),
		fn("count", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			return fhirvalue.NewInteger(int64(len(input.AsCollection()))), nil
		}),
		fn("first", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			items := input.AsCollection()
			if len(items) == 0 {
				return fhirvalue.Empty, nil
			}
			return items[0], nil
		}),
		fn("last", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			items := input.AsCollection()
			if len(items) == 0 {
				return fhirvalue.Empty, nil
			}
			return items[len(items)-1], nil
		}),
		fn("tail", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			items := input.AsCollection()
			if len(items) <= 1 {
				return fhirvalue.NewCollection(), nil
			}
			return fhirvalue.NewCollection(items[1:]...), nil
		}),
		fn("single", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			items := input.AsCollection()
			if len(items) != 1 {
				return fhirvalue.Empty, evalErrorf("single() requires exactly one element, got %d", len(items))
			}
			return items[0], nil
		}),
		fn("skip", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			n := intArg(args[0])
			items := input.AsCollection()
			if n < 0 {
				n = 0
			}
			if n >= len(items) {
				return fhirvalue.NewCollection(), nil
			}
			return fhirvalue.NewCollection(items[n:]...), nil
		}),
		fn("take", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			n := intArg(args[0])
			items := input.AsCollection()
			if n <= 0 {
				return fhirvalue.NewCollection(), nil
			}
			if n > len(items) {
				n = len(items)
			}
			return fhirvalue.NewCollection(items[:n]...), nil
		}),
		fn("distinct", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			var out []fhirvalue.Value
			for _, item := range input.AsCollection() {
				if !containsEquivalent(out, item) {
					out = append(out, item)
				}
			}
			return fhirvalue.NewCollection(out...), nil
		}),
		fn("isDistinct", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			var seen []fhirvalue.Value
			for _, item := range input.AsCollection() {
				if containsEquivalent(seen, item) {
					return fhirvalue.NewBoolean(false), nil
				}
				seen = append(seen, item)
			}
			return fhirvalue.NewBoolean(true), nil
		}),
		fn("subsetOf", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			other := args[0].AsCollection()
			for _, item := range input.AsCollection() {
				if !containsEquivalent(other, item) {
					return fhirvalue.NewBoolean(false), nil
				}
			}
			return fhirvalue.NewBoolean(true), nil
		}),
		fn("union", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			return unionOp(input, args[0]), nil
		}),
		fn("combine", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			return fhirvalue.NewCollection(append(input.AsCollection(), args[0].AsCollection()...)...), nil
		}),
		fn("hasValue", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			single, ok := fhirvalue.Single(input)
			return fhirvalue.NewBoolean(ok && single.Kind != fhirvalue.KindEmpty), nil
		}),
		fn("iif", 2, true, func(_ *vm, _ fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			cond, ok := toBooleanSingleton(args[0])
			if ok && cond {
				return args[1], nil
			}
			if len(args) >= 3 {
				return args[2], nil
			}
			return fhirvalue.Empty, nil
		}),
		fn("trace", 1, true, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			return input, nil
		}),
	}
}

func intArg(v fhirvalue.Value) int {
	single, ok := fhirvalue.Single(v)
	if !ok || single.Kind != fhirvalue.KindInteger {
		return 0
	}
	return int(single.Int)
}
