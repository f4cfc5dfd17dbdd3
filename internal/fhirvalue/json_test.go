package fhirvalue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSON_PreservesKeyOrder(t *testing.T) {
	v, err := FromJSON([]byte(`{"resourceType":"Patient","active":true,"name":[{"family":"Chalmers","given":["Peter"]}]}`))
	require.NoError(t, err)
	require.Equal(t, KindObject, v.Kind)
	assert.Equal(t, []string{"resourceType", "active", "name"}, v.ObjectKeys)

	name, ok := v.Get("name")
	require.True(t, ok)
	items := name.AsCollection()
	require.Len(t, items, 1)
	family, ok := items[0].Get("family")
	require.True(t, ok)
	assert.Equal(t, "Chalmers", family.Str)
}

func TestFromJSON_NumberKinds(t *testing.T) {
	v, err := FromJSON([]byte(`{"count":3,"ratio":1.5}`))
	require.NoError(t, err)
	count, _ := v.Get("count")
	assert.Equal(t, KindInteger, count.Kind)
	ratio, _ := v.Get("ratio")
	assert.Equal(t, KindDecimal, ratio.Kind)
}

func TestToJSON_RoundTrip(t *testing.T) {
	obj := NewObject()
	obj.Set("resourceType", NewString("Patient"))
	obj.Set("active", NewBoolean(true))
	obj.Set("name", NewCollection(NewString("Peter")))

	data, err := ToJSON(obj)
	require.NoError(t, err)

	back, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, obj.ObjectKeys, back.ObjectKeys)
	rt, _ := back.Get("resourceType")
	assert.Equal(t, "Patient", rt.Str)
}

func TestToJSON_NullForEmpty(t *testing.T) {
	data, err := ToJSON(Empty)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
