package fhirvalue

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Order is the result of a three-way comparison, with OrderIndeterminate
// standing in for FHIRPath's `{}` result when precision differs enough that
// the comparison cannot be decided (§4.1, §8 — e.g. comparing a day-precision
// date to a month-precision date that falls within the same month).
type Order int

const (
	OrderLess Order = iota - 1
	OrderEqual
	OrderGreater
	OrderIndeterminate
)

// Equal implements FHIRPath `=`. Returns (result, ok); ok is false when the
// comparison is indeterminate (differing precision that doesn't resolve),
// in which case the FHIRPath `=` operator yields `{}` rather than a boolean.
func Equal(a, b Value) (bool, bool) {
	if a.Kind == KindEmpty || b.Kind == KindEmpty {
		return false, false
	}
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		return decimalOf(a).Equal(decimalOf(b)), true
	}
	if a.Kind != b.Kind {
		return false, true
	}
	switch a.Kind {
	case KindBoolean:
		return a.Bool == b.Bool, true
	case KindString:
		return a.Str == b.Str, true
	case KindDate, KindDateTime, KindTime:
		return equalTemporal(a, b)
	case KindQuantity:
		return equalQuantity(a, b)
	case KindObject:
		return equalObject(a, b)
	case KindCollection:
		return equalCollection(a, b)
	default:
		return false, true
	}
}

// Equivalent implements FHIRPath `~`: like Equal but precision-insensitive
// for temporals, case/whitespace-normalized for strings, and never
// indeterminate — it always yields a boolean.
func Equivalent(a, b Value) bool {
	if a.Kind == KindEmpty && b.Kind == KindEmpty {
		return true
	}
	if a.Kind == KindEmpty || b.Kind == KindEmpty {
		return false
	}
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		return decimalOf(a).Equal(decimalOf(b))
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		norm := func(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), " ") }
		return norm(a.Str) == norm(b.Str)
	case KindDate, KindDateTime, KindTime:
		eq, _ := equalTemporal(lowestPrecision(a, b))
		return eq
	case KindCollection:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equivalent(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	default:
		eq, _ := Equal(a, b)
		return eq
	}
}

func lowestPrecision(a, b Value) (Value, Value) {
	p := a.Precision
	if b.Precision < p {
		p = b.Precision
	}
	a.Precision = p
	b.Precision = p
	return a, b
}

func isNumeric(k Kind) bool { return k == KindInteger || k == KindDecimal }

// decimalOf promotes Integer to Decimal for arithmetic/comparison, per the
// numeric-promotion rule (§4.1).
func decimalOf(v Value) decimal.Decimal {
	if v.Kind == KindInteger {
		return decimal.NewFromInt(v.Int)
	}
	return v.Dec
}

func equalTemporal(a, b Value) (bool, bool) {
	prec := a.Precision
	if b.Precision < prec {
		prec = b.Precision
	}
	if a.Precision != b.Precision {
		// Differing precision: equal only if both agree on every field up to
		// the coarser precision, otherwise the comparison is indeterminate
		// per FHIRPath's date/time equality rules.
		if !temporalFieldsEqual(a, b, prec) {
			return false, true
		}
		return false, false
	}
	if !temporalFieldsEqual(a, b, prec) {
		return false, true
	}
	if a.Kind != KindDate {
		if a.HasOffset != b.HasOffset {
			return false, false
		}
		if a.HasOffset && a.OffsetMinutes != b.OffsetMinutes {
			return false, true
		}
	}
	return true, true
}

func temporalFieldsEqual(a, b Value, prec Precision) bool {
	if a.Year != b.Year {
		return false
	}
	if prec >= PrecisionMonth && a.Month != b.Month {
		return false
	}
	if prec >= PrecisionDay && a.Day != b.Day {
		return false
	}
	if prec >= PrecisionHour && a.Hour != b.Hour {
		return false
	}
	if prec >= PrecisionMinute && a.Minute != b.Minute {
		return false
	}
	if prec >= PrecisionSecond && a.Second != b.Second {
		return false
	}
	if prec >= PrecisionMillisecond && a.MS != b.MS {
		return false
	}
	return true
}

func equalQuantity(a, b Value) (bool, bool) {
	if a.QtyUnit != b.QtyUnit {
		// Cross-unit comparison requires UCUM conversion, out of scope here;
		// treat mismatched units as indeterminate rather than unequal.
		return false, false
	}
	return a.QtyValue.Equal(b.QtyValue), true
}

func equalObject(a, b Value) (bool, bool) {
	if len(a.ObjectKeys) != len(b.ObjectKeys) {
		return false, true
	}
	for _, k := range a.ObjectKeys {
		av, ok := a.ObjectVals[k]
		if !ok {
			return false, true
		}
		bv, ok := b.ObjectVals[k]
		if !ok {
			return false, true
		}
		eq, decided := Equal(av, bv)
		if !decided {
			return false, false
		}
		if !eq {
			return false, true
		}
	}
	return true, true
}

func equalCollection(a, b Value) (bool, bool) {
	if len(a.Items) != len(b.Items) {
		return false, true
	}
	for i := range a.Items {
		eq, decided := Equal(a.Items[i], b.Items[i])
		if !decided {
			return false, false
		}
		if !eq {
			return false, true
		}
	}
	return true, true
}

// Compare implements FHIRPath's `<`, `<=`, `>`, `>=` operators for
// comparable kinds (numeric, string, temporal, quantity with matching
// unit). Returns OrderIndeterminate when the two values cannot be ordered.
func Compare(a, b Value) Order {
	if a.Kind == KindEmpty || b.Kind == KindEmpty {
		return OrderIndeterminate
	}
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		ad, bd := decimalOf(a), decimalOf(b)
		switch {
		case ad.LessThan(bd):
			return OrderLess
		case ad.GreaterThan(bd):
			return OrderGreater
		default:
			return OrderEqual
		}
	}
	if a.Kind != b.Kind {
		return OrderIndeterminate
	}
	switch a.Kind {
	case KindString:
		switch {
		case a.Str < b.Str:
			return OrderLess
		case a.Str > b.Str:
			return OrderGreater
		default:
			return OrderEqual
		}
	case KindDate, KindDateTime, KindTime:
		return compareTemporal(a, b)
	case KindQuantity:
		if a.QtyUnit != b.QtyUnit {
			return OrderIndeterminate
		}
		switch {
		case a.QtyValue.LessThan(b.QtyValue):
			return OrderLess
		case a.QtyValue.GreaterThan(b.QtyValue):
			return OrderGreater
		default:
			return OrderEqual
		}
	default:
		return OrderIndeterminate
	}
}

func compareTemporal(a, b Value) Order {
	prec := a.Precision
	if b.Precision < prec {
		prec = b.Precision
	}
	fields := []struct{ av, bv int }{
		{a.Year, b.Year},
	}
	if prec >= PrecisionMonth {
		fields = append(fields, struct{ av, bv int }{a.Month, b.Month})
	}
	if prec >= PrecisionDay {
		fields = append(fields, struct{ av, bv int }{a.Day, b.Day})
	}
	if prec >= PrecisionHour {
		fields = append(fields, struct{ av, bv int }{a.Hour, b.Hour})
	}
	if prec >= PrecisionMinute {
		fields = append(fields, struct{ av, bv int }{a.Minute, b.Minute})
	}
	if prec >= PrecisionSecond {
		fields = append(fields, struct{ av, bv int }{a.Second, b.Second})
	}
	if prec >= PrecisionMillisecond {
		fields = append(fields, struct{ av, bv int }{a.MS, b.MS})
	}
	for _, f := range fields {
		if f.av < f.bv {
			return OrderLess
		}
		if f.av > f.bv {
			return OrderGreater
		}
	}
	if a.Precision != b.Precision {
		return OrderIndeterminate
	}
	return OrderEqual
}
