package resourcestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

func TestLockKey_DistinguishesTypeAndID(t *testing.T) {
	assert.NotEqual(t, lockKey("Patient", "1"), lockKey("Patient", "2"))
	assert.NotEqual(t, lockKey("Patient", "1"), lockKey("Observation", "1"))
	assert.Equal(t, lockKey("Patient", "1"), lockKey("Patient", "1"))
}

func TestStampMeta_SetsVersionAndLastUpdated(t *testing.T) {
	doc := fhirvalue.NewObject()
	doc.Set("resourceType", fhirvalue.NewString("Patient"))

	ts, err := time.Parse(time.RFC3339, "2024-01-02T03:04:05Z")
	require.NoError(t, err)
	stampMeta(&doc, 3, ts)

	meta, ok := doc.Get("meta")
	assert.True(t, ok)
	versionID, ok := meta.Get("versionId")
	assert.True(t, ok)
	assert.Equal(t, "3", versionID.Str)
	lastUpdated, ok := meta.Get("lastUpdated")
	assert.True(t, ok)
	assert.Equal(t, "2024-01-02T03:04:05Z", lastUpdated.Str)
}

func TestFieldNamePattern_RejectsInjectionAttempts(t *testing.T) {
	assert.True(t, fieldNamePattern.MatchString("identifier"))
	assert.True(t, fieldNamePattern.MatchString("birthDate"))
	assert.False(t, fieldNamePattern.MatchString("id'; DROP TABLE resources; --"))
	assert.False(t, fieldNamePattern.MatchString("a.b"))
	assert.False(t, fieldNamePattern.MatchString(""))
}
