package fhirpath

import (
	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/shopspring/decimal"
)

// decimalOf promotes Integer to Decimal for arithmetic, mirroring the
// promotion rule in fhirvalue's own comparison helpers (§4.1).
func decimalOf(v fhirvalue.Value) decimal.Decimal {
	if v.Kind == fhirvalue.KindInteger {
		return decimal.NewFromInt(v.Int)
	}
	return v.Dec
}

func applyUnary(op OpID, operand fhirvalue.Value) (fhirvalue.Value, error) {
	single, ok := fhirvalue.Single(operand)
	if !ok || single.Kind == fhirvalue.KindEmpty {
		return fhirvalue.Empty, nil
	}
	switch op {
	case OpPlus:
		if single.Kind != fhirvalue.KindInteger && single.Kind != fhirvalue.KindDecimal {
			return fhirvalue.Empty, evalErrorf("unary + requires a numeric operand")
		}
		return single, nil
	case OpNegate:
		switch single.Kind {
		case fhirvalue.KindInteger:
			return fhirvalue.NewInteger(-single.Int), nil
		case fhirvalue.KindDecimal:
			return fhirvalue.NewDecimal(single.Dec.Neg()), nil
		default:
			return fhirvalue.Empty, evalErrorf("unary - requires a numeric operand")
		}
	default:
		return fhirvalue.Empty, evalErrorf("unsupported unary op %v", op)
	}
}

func applyBinary(op OpID, left, right fhirvalue.Value) (fhirvalue.Value, error) {
	switch op {
	case OpEq:
		eq, decided := fhirvalue.Equal(mustSingle(left), mustSingle(right))
		if !decided {
			return fhirvalue.Empty, nil
		}
		return fhirvalue.NewBoolean(eq), nil
	case OpNeq:
		eq, decided := fhirvalue.Equal(mustSingle(left), mustSingle(right))
		if !decided {
			return fhirvalue.Empty, nil
		}
		return fhirvalue.NewBoolean(!eq), nil
	case OpEquiv:
		return fhirvalue.NewBoolean(fhirvalue.Equivalent(left, right)), nil
	case OpNequiv:
		return fhirvalue.NewBoolean(!fhirvalue.Equivalent(left, right)), nil
	case OpLt, OpLte, OpGt, OpGte:
		return compareOp(op, mustSingle(left), mustSingle(right))
	case OpAdd, OpSub, OpMul, OpDiv, OpIntDiv, OpMod:
		return arithmeticOp(op, mustSingle(left), mustSingle(right))
	case OpConcat:
		return fhirvalue.NewString(singleStringOrEmpty(left) + singleStringOrEmpty(right)), nil
	case OpUnion:
		return unionOp(left, right), nil
	case OpIn:
		return fhirvalue.NewBoolean(containsValue(right, mustSingle(left))), nil
	case OpContains:
		return fhirvalue.NewBoolean(containsValue(left, mustSingle(right))), nil
	case OpXor:
		l, lok := toBooleanSingleton(left)
		r, rok := toBooleanSingleton(right)
		if !lok || !rok {
			return fhirvalue.Empty, nil
		}
		return fhirvalue.NewBoolean(l != r), nil
	default:
		return fhirvalue.Empty, evalErrorf("unsupported binary op %v", op)
	}
}

func mustSingle(v fhirvalue.Value) fhirvalue.Value {
	s, ok := fhirvalue.Single(v)
	if !ok {
		return fhirvalue.Empty
	}
	return s
}

func singleStringOrEmpty(v fhirvalue.Value) string {
	s := mustSingle(v)
	if s.Kind == fhirvalue.KindEmpty {
		return ""
	}
	return s.String()
}

func compareOp(op OpID, a, b fhirvalue.Value) (fhirvalue.Value, error) {
	if a.Kind == fhirvalue.KindEmpty || b.Kind == fhirvalue.KindEmpty {
		return fhirvalue.Empty, nil
	}
	order := fhirvalue.Compare(a, b)
	if order == fhirvalue.OrderIndeterminate {
		return fhirvalue.Empty, nil
	}
	switch op {
	case OpLt:
		return fhirvalue.NewBoolean(order == fhirvalue.OrderLess), nil
	case OpLte:
		return fhirvalue.NewBoolean(order != fhirvalue.OrderGreater), nil
	case OpGt:
		return fhirvalue.NewBoolean(order == fhirvalue.OrderGreater), nil
	case OpGte:
		return fhirvalue.NewBoolean(order != fhirvalue.OrderLess), nil
	default:
		return fhirvalue.Empty, evalErrorf("unsupported comparison op %v", op)
	}
}

func arithmeticOp(op OpID, a, b fhirvalue.Value) (fhirvalue.Value, error) {
	if a.Kind == fhirvalue.KindEmpty || b.Kind == fhirvalue.KindEmpty {
		return fhirvalue.Empty, nil
	}
	if a.Kind == fhirvalue.KindQuantity && b.Kind == fhirvalue.KindQuantity {
		return arithmeticQuantity(op, a, b)
	}
	if a.Kind != fhirvalue.KindInteger && a.Kind != fhirvalue.KindDecimal {
		return fhirvalue.Empty, evalErrorf("arithmetic requires numeric operands")
	}
	if b.Kind != fhirvalue.KindInteger && b.Kind != fhirvalue.KindDecimal {
		return fhirvalue.Empty, evalErrorf("arithmetic requires numeric operands")
	}
	bothInt := a.Kind == fhirvalue.KindInteger && b.Kind == fhirvalue.KindInteger
	ad, bd := decimalOf(a), decimalOf(b)

	switch op {
	case OpAdd:
		if bothInt {
			return fhirvalue.NewInteger(a.Int + b.Int), nil
		}
		return fhirvalue.NewDecimal(ad.Add(bd)), nil
	case OpSub:
		if bothInt {
			return fhirvalue.NewInteger(a.Int - b.Int), nil
		}
		return fhirvalue.NewDecimal(ad.Sub(bd)), nil
	case OpMul:
		if bothInt {
			return fhirvalue.NewInteger(a.Int * b.Int), nil
		}
		return fhirvalue.NewDecimal(ad.Mul(bd)), nil
	case OpDiv:
		if bd.IsZero() {
			return fhirvalue.Empty, nil
		}
		return fhirvalue.NewDecimal(ad.DivRound(bd, 16)), nil
	case OpIntDiv:
		if b.Int == 0 && bd.IsZero() {
			return fhirvalue.Empty, nil
		}
		q := ad.DivRound(bd, 0)
		return fhirvalue.NewInteger(q.IntPart()), nil
	case OpMod:
		if bothInt {
			if b.Int == 0 {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewInteger(a.Int % b.Int), nil
		}
		if bd.IsZero() {
			return fhirvalue.Empty, nil
		}
		return fhirvalue.NewDecimal(ad.Mod(bd)), nil
	default:
		return fhirvalue.Empty, evalErrorf("unsupported arithmetic op %v", op)
	}
}

func arithmeticQuantity(op OpID, a, b fhirvalue.Value) (fhirvalue.Value, error) {
	if a.QtyUnit != b.QtyUnit {
		return fhirvalue.Empty, evalErrorf("quantity arithmetic requires matching units (no UCUM conversion)")
	}
	switch op {
	case OpAdd:
		return fhirvalue.NewQuantity(a.QtyValue.Add(b.QtyValue), a.QtyUnit), nil
	case OpSub:
		return fhirvalue.NewQuantity(a.QtyValue.Sub(b.QtyValue), a.QtyUnit), nil
	default:
		return fhirvalue.Empty, evalErrorf("unsupported quantity arithmetic op %v", op)
	}
}

func unionOp(left, right fhirvalue.Value) fhirvalue.Value {
	var out []fhirvalue.Value
	for _, item := range left.AsCollection() {
		if !containsEquivalent(out, item) {
			out = append(out, item)
		}
	}
	for _, item := range right.AsCollection() {
		if !containsEquivalent(out, item) {
			out = append(out, item)
		}
	}
	return fhirvalue.NewCollection(out...)
}

func containsEquivalent(items []fhirvalue.Value, v fhirvalue.Value) bool {
	for _, item := range items {
		if fhirvalue.Equivalent(item, v) {
			return true
		}
	}
	return false
}

func containsValue(haystack fhirvalue.Value, needle fhirvalue.Value) bool {
	return containsEquivalent(haystack.AsCollection(), needle)
}
