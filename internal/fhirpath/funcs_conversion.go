package fhirpath

import (
	"strconv"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

func conversionFuncDefs() []FuncDef {
	return []FuncDef{
		fn("toString", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			single, ok := fhirvalue.Single(input)
			if !ok || single.Kind == fhirvalue.KindEmpty {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewString(single.String()), nil
		}),
		fn("toInteger", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			single, ok := fhirvalue.Single(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			switch single.Kind {
			case fhirvalue.KindInteger:
				return single, nil
			case fhirvalue.KindDecimal:
				return fhirvalue.NewInteger(single.Dec.IntPart()), nil
			case fhirvalue.KindString:
				n, err := strconv.ParseInt(single.Str, 10, 64)
				if err != nil {
					return fhirvalue.Empty, nil
				}
				return fhirvalue.NewInteger(n), nil
			case fhirvalue.KindBoolean:
				if single.Bool {
					return fhirvalue.NewInteger(1), nil
				}
				return fhirvalue.NewInteger(0), nil
			default:
				return fhirvalue.Empty, nil
			}
		}),
		fn("toDecimal", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			single, ok := fhirvalue.Single(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			switch single.Kind {
			case fhirvalue.KindDecimal:
				return single, nil
			case fhirvalue.KindInteger:
				return fhirvalue.NewDecimal(decimalOf(single)), nil
			case fhirvalue.KindString:
				v, err := fhirvalue.NewDecimalFromString(single.Str)
				if err != nil {
					return fhirvalue.Empty, nil
				}
				return v, nil
			default:
				return fhirvalue.Empty, nil
			}
		}),
		fn("toBoolean", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			single, ok := fhirvalue.Single(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			switch single.Kind {
			case fhirvalue.KindBoolean:
				return single, nil
			case fhirvalue.KindString:
				switch single.Str {
				case "true", "t", "yes", "y", "1", "1.0":
					return fhirvalue.NewBoolean(true), nil
				case "false", "f", "no", "n", "0", "0.0":
					return fhirvalue.NewBoolean(false), nil
				default:
					return fhirvalue.Empty, nil
				}
			case fhirvalue.KindInteger:
				if single.Int == 1 {
					return fhirvalue.NewBoolean(true), nil
				}
				if single.Int == 0 {
					return fhirvalue.NewBoolean(false), nil
				}
				return fhirvalue.Empty, nil
			default:
				return fhirvalue.Empty, nil
			}
		}),
		fn("convertsToBoolean", 0, false, convertsTo(fhirvalue.KindBoolean)),
		fn("convertsToInteger", 0, false, convertsTo(fhirvalue.KindInteger)),
		fn("convertsToDecimal", 0, false, convertsTo(fhirvalue.KindDecimal)),
		fn("convertsToString", 0, false, convertsTo(fhirvalue.KindString)),
	}
}

func convertsTo(kind fhirvalue.Kind) FuncImpl {
	return func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
		single, ok := fhirvalue.Single(input)
		return fhirvalue.NewBoolean(ok && single.Kind == kind), nil
	}
}
