package fhircontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForCompartment_FiltersByTypeAndResource(t *testing.T) {
	defs := []CompartmentDefinition{
		{CompartmentType: "Patient", ResourceType: "Observation", Params: []string{"subject", "performer"}},
		{CompartmentType: "Patient", ResourceType: "Encounter", Params: []string{"subject"}},
		{CompartmentType: "Practitioner", ResourceType: "Observation", Params: []string{"performer"}},
	}

	all := ForCompartment(defs, "Patient", "")
	assert.Len(t, all, 2)

	onlyObs := ForCompartment(defs, "Patient", "Observation")
	assert.Len(t, onlyObs, 1)
	assert.Equal(t, []string{"subject", "performer"}, onlyObs[0].Params)

	none := ForCompartment(defs, "Patient", "MedicationRequest")
	assert.Empty(t, none)
}

func TestResolveElement_MatchesChoiceSuffix(t *testing.T) {
	elements := []ElementDefinition{
		{Path: "Observation.value[x]", Types: []string{"Quantity", "string", "boolean"}, IsChoice: true},
		{Path: "Observation.status", Types: []string{"code"}},
	}

	el, ok := ResolveElement(elements, "Observation.value")
	assert.True(t, ok)
	assert.True(t, el.IsChoice)
	assert.Contains(t, el.Types, "Quantity")

	el, ok = ResolveElement(elements, "Observation.status")
	assert.True(t, ok)
	assert.False(t, el.IsChoice)

	_, ok = ResolveElement(elements, "Observation.bogus")
	assert.False(t, ok)
}
