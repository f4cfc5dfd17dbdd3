package computedparams

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/searchindex"
)

func TestRegistry_ResolvesRegisteredIndexAndQueryHooks(t *testing.T) {
	r := NewRegistry()
	r.RegisterIndexHook("Patient", "age", AgeIndexHook{})
	r.RegisterQueryHook("Patient", "age", AgeQueryHook{})

	idx, ok := r.IndexHookFor("Patient", "age")
	require.True(t, ok)
	assert.NotNil(t, idx)

	q, ok := r.QueryHookFor("Patient", "age")
	require.True(t, ok)
	assert.NotNil(t, q)

	_, ok = r.IndexHookFor("Patient", "name")
	assert.False(t, ok)
}

func TestAgeIndexHook_SkipsDocumentWithoutBirthDate(t *testing.T) {
	doc := fhirvalue.NewObject()
	entries, err := AgeIndexHook{}.Index(context.Background(), "Patient", "age", doc)
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestAgeIndexHook_ComputesWholeYearsFromBirthDate(t *testing.T) {
	doc := fhirvalue.NewObject()
	doc.Set("birthDate", fhirvalue.Value{Kind: fhirvalue.KindDate, Year: 2000, Month: 1, Day: 1, Precision: fhirvalue.PrecisionDay})

	entries, err := AgeIndexHook{}.Index(context.Background(), "Patient", "age", doc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, searchindex.KindNumber, entries[0].Kind)
}

func TestAgeQueryHook_RewritesToBirthDateRange(t *testing.T) {
	resolved, err := AgeQueryHook{}.Resolve(context.Background(), "Patient", "age", []string{"34"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "birthDate", resolved[0].Name)
	require.Len(t, resolved[0].Values, 2)
	assert.Less(t, resolved[0].Values[0], resolved[0].Values[1])
}

func TestAgeQueryHook_RejectsNegativeAge(t *testing.T) {
	_, err := AgeQueryHook{}.Resolve(context.Background(), "Patient", "age", []string{"-5"})
	assert.Error(t, err)
}
