package fhirpath

import (
	"math"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/shopspring/decimal"
)

func numericArg(v fhirvalue.Value) (decimal.Decimal, bool) {
	single, ok := fhirvalue.Single(v)
	if !ok {
		return decimal.Zero, false
	}
	switch single.Kind {
	case fhirvalue.KindInteger:
		return decimal.NewFromInt(single.Int), true
	case fhirvalue.KindDecimal:
		return single.Dec, true
	default:
		return decimal.Zero, false
	}
}

func mathFuncDefs() []FuncDef {
	return []FuncDef{
		fn("abs", 0, false, mathUnary(func(d decimal.Decimal) decimal.Decimal { return d.Abs() })),
		fn("ceiling", 0, false, mathUnaryToInt(math.Ceil)),
		fn("floor", 0, false, mathUnaryToInt(math.Floor)),
		fn("round", 0, true, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			d, ok := numericArg(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			places := int32(0)
			if len(args) == 1 {
				places = int32(intArg(args[0]))
			}
			return fhirvalue.NewDecimal(d.Round(places)), nil
		}),
		fn("sqrt", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			d, ok := numericArg(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			f, _ := d.Float64()
			if f < 0 {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewDecimal(decimal.NewFromFloat(math.Sqrt(f))), nil
		}),
		fn("truncate", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			d, ok := numericArg(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewInteger(d.Truncate(0).IntPart()), nil
		}),
		fn("exp", 0, false, mathFloatUnary(math.Exp)),
		fn("ln", 0, false, mathFloatUnary(math.Log)),
		fn("log", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			d, ok := numericArg(input)
			base, ok2 := numericArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			df, _ := d.Float64()
			bf, _ := base.Float64()
			return fhirvalue.NewDecimal(decimal.NewFromFloat(math.Log(df) / math.Log(bf))), nil
		}),
		fn("power", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			d, ok := numericArg(input)
			exp, ok2 := numericArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			df, _ := d.Float64()
			ef, _ := exp.Float64()
			return fhirvalue.NewDecimal(decimal.NewFromFloat(math.Pow(df, ef))), nil
		}),
	}
}

func mathUnary(f func(decimal.Decimal) decimal.Decimal) FuncImpl {
	return func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
		d, ok := numericArg(input)
		if !ok {
			return fhirvalue.Empty, nil
		}
		return fhirvalue.NewDecimal(f(d)), nil
	}
}

func mathUnaryToInt(f func(float64) float64) FuncImpl {
	return func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
		d, ok := numericArg(input)
		if !ok {
			return fhirvalue.Empty, nil
		}
		v, _ := d.Float64()
		return fhirvalue.NewInteger(int64(f(v))), nil
	}
}

func mathFloatUnary(f func(float64) float64) FuncImpl {
	return func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
		d, ok := numericArg(input)
		if !ok {
			return fhirvalue.Empty, nil
		}
		v, _ := d.Float64()
		return fhirvalue.NewDecimal(decimal.NewFromFloat(f(v))), nil
	}
}
