package searchindex

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirvalue"
)

func TestNormalizeString_LowercasesStripsDiacriticsAndPunctuation(t *testing.T) {
	assert.Equal(t, "jose", normalizeString("José"))
	assert.Equal(t, "smithjones", normalizeString("Smith-Jones"))
}

func TestNormalizeURI_PreservesSlashes(t *testing.T) {
	assert.Equal(t, "http://example.org/fhir/patient", normalizeURI("http://Example.org/fhir/Patient"))
}

func TestCodeCI_RespectsCaseSensitiveSystems(t *testing.T) {
	assert.Equal(t, "ABC123", codeCI("http://snomed.info/sct", "ABC123"))
	assert.Equal(t, "ABC123", codeCI("http://example.org/local-codes", "ABC123"))
	assert.Equal(t, "abc123", codeCI("", "ABC123"))
}

func TestEntryHash_IsStableAndDiscriminating(t *testing.T) {
	e1 := Entry{Kind: KindString, Value: "Smith", ValueNormalized: "smith"}
	e2 := Entry{Kind: KindString, Value: "Smith", ValueNormalized: "smith"}
	e3 := Entry{Kind: KindString, Value: "Jones", ValueNormalized: "jones"}

	assert.Equal(t, entryHash("Patient", "1", 1, "family", e1), entryHash("Patient", "1", 1, "family", e2))
	assert.NotEqual(t, entryHash("Patient", "1", 1, "family", e1), entryHash("Patient", "1", 1, "family", e3))
	assert.NotEqual(t, entryHash("Patient", "1", 1, "family", e1), entryHash("Patient", "1", 2, "family", e1))
}

func TestTemporalRange_YearPrecisionSpansWholeYear(t *testing.T) {
	start, end := temporalRange(tValue{year: 2020, precision: precYear})
	assert.Equal(t, "2020-01-01T00:00:00Z", start.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "2021-01-01T00:00:00Z", end.Format("2006-01-02T15:04:05Z07:00"))
}

func TestTemporalRange_DayPrecisionSpansWholeDay(t *testing.T) {
	start, end := temporalRange(tValue{year: 2020, month: 6, day: 15, precision: precDay})
	assert.Equal(t, "2020-06-15T00:00:00Z", start.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "2020-06-16T00:00:00Z", end.Format("2006-01-02T15:04:05Z07:00"))
}

func TestExtractEntries_String(t *testing.T) {
	entries := extractEntries(fhircontext.ParamString, fhirvalue.NewString("José Smith"))
	require.Len(t, entries, 1)
	assert.Equal(t, "José Smith", entries[0].Value)
	assert.Equal(t, "josesmith", entries[0].ValueNormalized)
}

func TestExtractEntries_TokenFromCoding(t *testing.T) {
	coding := fhirvalue.NewObject()
	coding.Set("system", fhirvalue.NewString("http://loinc.org"))
	coding.Set("code", fhirvalue.NewString("1234-5"))

	entries := extractEntries(fhircontext.ParamToken, coding)
	require.Len(t, entries, 1)
	assert.Equal(t, "http://loinc.org", entries[0].System)
	assert.Equal(t, "1234-5", entries[0].Code)
	assert.Equal(t, "1234-5", entries[0].CodeCI) // LOINC is case-sensitive
}

func TestExtractEntries_ReferenceSplitsTypeAndID(t *testing.T) {
	ref := fhirvalue.NewObject()
	ref.Set("reference", fhirvalue.NewString("Patient/123"))

	entries := extractEntries(fhircontext.ParamReference, ref)
	require.Len(t, entries, 1)
	assert.Equal(t, "Patient", entries[0].TargetType)
	assert.Equal(t, "123", entries[0].TargetID)
}

func TestExtractEntries_Quantity(t *testing.T) {
	v := fhirvalue.NewQuantity(decimal.NewFromFloat(98.6), "[degF]")
	entries := extractEntries(fhircontext.ParamQuantity, v)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Number.Equal(decimal.NewFromFloat(98.6)))
	assert.Equal(t, "[degF]", entries[0].Unit)
}
