package fhirpath

import (
	"testing"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patientFixture() fhirvalue.Value {
	name := fhirvalue.NewObject()
	name.Set("family", fhirvalue.NewString("Chalmers"))
	name.Set("given", fhirvalue.NewCollection(fhirvalue.NewString("Peter"), fhirvalue.NewString("James")))

	nickname := fhirvalue.NewObject()
	nickname.Set("family", fhirvalue.NewString("Windsor"))

	patient := fhirvalue.NewObject()
	patient.Set("resourceType", fhirvalue.NewString("Patient"))
	patient.Set("active", fhirvalue.NewBoolean(true))
	patient.Set("name", fhirvalue.NewCollection(name, nickname))
	birthDate, _ := fhirvalue.ParseDate("1974-12-25")
	patient.Set("birthDate", birthDate)
	return patient
}

func evalExpr(t *testing.T, expr string, resource fhirvalue.Value) fhirvalue.Value {
	t.Helper()
	plan, err := Compile(expr, "Patient", ModeLenient)
	require.NoError(t, err)
	result, err := EvaluateAgainst(plan, resource)
	require.NoError(t, err)
	return result
}

func TestPathStep(t *testing.T) {
	result := evalExpr(t, "name.family", patientFixture())
	items := result.AsCollection()
	require.Len(t, items, 2)
	assert.Equal(t, "Chalmers", items[0].Str)
	assert.Equal(t, "Windsor", items[1].Str)
}

func TestWhere(t *testing.T) {
	result := evalExpr(t, "name.where(family = 'Windsor').family", patientFixture())
	items := result.AsCollection()
	require.Len(t, items, 1)
	assert.Equal(t, "Windsor", items[0].Str)
}

func TestSelectFlattens(t *testing.T) {
	result := evalExpr(t, "name.select(given)", patientFixture())
	items := result.AsCollection()
	require.Len(t, items, 2)
	assert.Equal(t, "Peter", items[0].Str)
}

func TestExistsAndAll(t *testing.T) {
	assert.True(t, evalExpr(t, "name.exists(family = 'Chalmers')", patientFixture()).Bool)
	assert.False(t, evalExpr(t, "name.all(family = 'Chalmers')", patientFixture()).Bool)
	assert.True(t, evalExpr(t, "name.exists()", patientFixture()).Bool)
}

func TestBooleanShortCircuit(t *testing.T) {
	assert.True(t, evalExpr(t, "active and name.exists()", patientFixture()).Bool)
	assert.True(t, evalExpr(t, "active or (1/0).exists()", patientFixture()).Bool)
}

func TestArithmeticAndFunctions(t *testing.T) {
	assert.Equal(t, int64(7), evalExpr(t, "3 + 4", fhirvalue.Empty).Int)
	assert.Equal(t, "CHALMERS", evalExpr(t, "name.family.first().upper()", patientFixture()).Str)
	assert.Equal(t, int64(2), evalExpr(t, "name.count()", patientFixture()).Int)
}

func TestAggregate(t *testing.T) {
	numbers := fhirvalue.NewCollection(fhirvalue.NewInteger(1), fhirvalue.NewInteger(2), fhirvalue.NewInteger(3))
	plan, err := Compile("aggregate($this + $total, 0)", "", ModeLenient)
	require.NoError(t, err)
	result, err := EvaluateAgainst(plan, numbers)
	require.NoError(t, err)
	assert.Equal(t, int64(6), result.Int)
}

func TestTypeIsAndAs(t *testing.T) {
	assert.True(t, evalExpr(t, "active is Boolean", patientFixture()).Bool)
	assert.Equal(t, fhirvalue.KindEmpty, evalExpr(t, "active as String", patientFixture()).Kind)
}

func TestStrictModeRejectsUnknownFunction(t *testing.T) {
	_, err := Compile("bogusFunction()", "Patient", ModeStrict)
	require.Error(t, err)
	var typeErr *TypeError
	assert.ErrorAs(t, err, &typeErr)
}

func TestLenientModeDegradesUnknownFunction(t *testing.T) {
	plan, err := Compile("bogusFunction()", "Patient", ModeLenient)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Warnings)
}

func TestParseErrorOnMalformedExpression(t *testing.T) {
	_, err := Compile("name.", "Patient", ModeLenient)
	require.Error(t, err)
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestPlanCache(t *testing.T) {
	cache := NewPlanCache(10)
	p1, err := cache.Get("name.family", "Patient", ModeLenient)
	require.NoError(t, err)
	p2, err := cache.Get("name.family", "Patient", ModeLenient)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, cache.Size())
}
