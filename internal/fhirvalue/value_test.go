package fhirvalue

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsCollection(t *testing.T) {
	assert.Nil(t, Empty.AsCollection())
	assert.Equal(t, []Value{NewInteger(1)}, NewInteger(1).AsCollection())

	coll := NewCollection(NewInteger(1), NewInteger(2))
	assert.Equal(t, coll.Items, coll.AsCollection())
}

func TestSingle(t *testing.T) {
	v, ok := Single(Empty)
	assert.True(t, ok)
	assert.Equal(t, KindEmpty, v.Kind)

	v, ok = Single(NewInteger(5))
	assert.True(t, ok)
	assert.Equal(t, int64(5), v.Int)

	_, ok = Single(NewCollection(NewInteger(1), NewInteger(2)))
	assert.False(t, ok)
}

func TestObjectPreservesInsertionOrder(t *testing.T) {
	obj := NewObject()
	obj.Set("b", NewString("second"))
	obj.Set("a", NewString("first"))
	assert.Equal(t, []string{"b", "a"}, obj.ObjectKeys)
}

func TestEqual_NumericPromotion(t *testing.T) {
	eq, decided := Equal(NewInteger(3), NewDecimal(decimal.NewFromInt(3)))
	assert.True(t, decided)
	assert.True(t, eq)
}

func TestEqual_EmptyIsIndeterminate(t *testing.T) {
	_, decided := Equal(Empty, NewInteger(1))
	assert.False(t, decided)
}

func TestEqual_DatePrecisionMismatchWithConflict(t *testing.T) {
	d1, err := ParseDate("2020-01")
	require.NoError(t, err)
	d2, err := ParseDate("2020-02-15")
	require.NoError(t, err)

	eq, decided := Equal(d1, d2)
	assert.True(t, decided)
	assert.False(t, eq)
}

func TestEqual_DatePrecisionMismatchIndeterminate(t *testing.T) {
	d1, err := ParseDate("2020-01")
	require.NoError(t, err)
	d2, err := ParseDate("2020-01-15")
	require.NoError(t, err)

	_, decided := Equal(d1, d2)
	assert.False(t, decided)
}

func TestEquivalent_TemporalIgnoresPrecision(t *testing.T) {
	d1, err := ParseDate("2020-01")
	require.NoError(t, err)
	d2, err := ParseDate("2020-01-15")
	require.NoError(t, err)

	assert.True(t, Equivalent(d1, d2))
}

func TestCompare_Temporal(t *testing.T) {
	d1, err := ParseDateTime("2020-01-01T10:00:00Z")
	require.NoError(t, err)
	d2, err := ParseDateTime("2020-01-01T11:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, OrderLess, Compare(d1, d2))
	assert.Equal(t, OrderGreater, Compare(d2, d1))
}

func TestCompare_QuantityMismatchedUnits(t *testing.T) {
	a := NewQuantity(decimal.NewFromInt(5), "mg")
	b := NewQuantity(decimal.NewFromInt(5), "mL")
	assert.Equal(t, OrderIndeterminate, Compare(a, b))
}

func TestParseDateTime_Precision(t *testing.T) {
	v, err := ParseDateTime("2020-06-15T08:30Z")
	require.NoError(t, err)
	assert.Equal(t, PrecisionMinute, v.Precision)
	assert.True(t, v.HasOffset)
	assert.Equal(t, 0, v.OffsetMinutes)
}

func TestParseDateTime_WithOffset(t *testing.T) {
	v, err := ParseDateTime("2020-06-15T08:30:00-05:00")
	require.NoError(t, err)
	assert.Equal(t, -300, v.OffsetMinutes)
}

func TestParseTime(t *testing.T) {
	v, err := ParseTime("14:30:15.250")
	require.NoError(t, err)
	assert.Equal(t, 14, v.Hour)
	assert.Equal(t, 30, v.Minute)
	assert.Equal(t, 15, v.Second)
	assert.Equal(t, 250, v.MS)
	assert.Equal(t, PrecisionMillisecond, v.Precision)
}

func TestString_Formatting(t *testing.T) {
	assert.Equal(t, "true", NewBoolean(true).String())
	assert.Equal(t, "42", NewInteger(42).String())

	q := NewQuantity(decimal.NewFromFloat(5.4), "mg")
	assert.Equal(t, "5.4 'mg'", q.String())
}
