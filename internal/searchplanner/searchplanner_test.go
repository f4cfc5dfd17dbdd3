package searchplanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/fhircontext"
)

func TestParseQuery_SplitsModifierAndCommaGroups(t *testing.T) {
	params, ctrl, err := ParseQuery(map[string][]string{
		"name:exact": {"Smith,Jones"},
		"_count":     {"25"},
		"_sort":      {"-birthdate,name"},
	})
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "name", params[0].Name)
	assert.Equal(t, ModExact, params[0].Modifier)
	require.Len(t, params[0].Values, 1)
	assert.Equal(t, []string{"Smith", "Jones"}, params[0].Values[0].Raw)

	assert.Equal(t, 25, ctrl.Count)
	assert.True(t, ctrl.HasCount)
	require.Len(t, ctrl.Sort, 2)
	assert.Equal(t, SortKey{Name: "birthdate", Descending: true}, ctrl.Sort[0])
	assert.Equal(t, SortKey{Name: "name", Descending: false}, ctrl.Sort[1])
}

func TestParseQuery_ChainedParameter(t *testing.T) {
	params, _, err := ParseQuery(map[string][]string{
		"subject.name": {"Smith"},
	})
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, "subject", params[0].Name)
	assert.Equal(t, []string{"name"}, params[0].Chain)
}

func TestSplitUnescaped_HonorsBackslashEscapes(t *testing.T) {
	got := splitUnescaped(`a\,b,c`, ',')
	assert.Equal(t, []string{"a,b", "c"}, got)
}

func TestSplitPrefix_RecognizesKnownPrefixesOnlyBeforeDigits(t *testing.T) {
	prefix, rest := SplitPrefix("ge2020-01-01")
	assert.Equal(t, PrefixGe, prefix)
	assert.Equal(t, "2020-01-01", rest)

	prefix, rest = SplitPrefix("georgia")
	assert.Equal(t, PrefixEq, prefix)
	assert.Equal(t, "georgia", rest)
}

func TestCursor_RoundTrips(t *testing.T) {
	token := EncodeCursor(Cursor{SortValue: "2024-01-01T00:00:00Z", ID: "abc123", Direction: "next"})
	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", decoded.SortValue)
	assert.Equal(t, "abc123", decoded.ID)
	assert.Equal(t, "next", decoded.Direction)
}

func TestDecodeCursor_RejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not-valid-base64!!!")
	assert.Error(t, err)
}

func TestBuildPredicate_ANDsRepeatedParamsORsCommaValues(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Patient", Code: "name", Type: fhircontext.ParamString}
	p := ResolvedParam{
		Def: def,
		Groups: []ValueGroup{
			{Raw: []string{"Smith", "Jones"}},
			{Raw: []string{"Bob"}},
		},
	}
	binder := &ArgBinder{}
	clause, err := BuildPredicate(p, binder)
	require.NoError(t, err)

	assert.Contains(t, clause, " AND ")
	firstGroupEnd := len(clause) / 2
	assert.Contains(t, clause[:firstGroupEnd], "OR")
}

func TestBuildPredicate_NegatesWhenNotModifier(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Patient", Code: "gender", Type: fhircontext.ParamToken}
	p := ResolvedParam{
		Def:    def,
		Groups: []ValueGroup{{Raw: []string{"male"}}},
		Negate: true,
	}
	binder := &ArgBinder{}
	clause, err := BuildPredicate(p, binder)
	require.NoError(t, err)
	assert.True(t, len(clause) > 4 && clause[:4] == "NOT ")
}

func TestMissingClause_TogglesExistsVsNotExists(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Patient", Code: "name", Type: fhircontext.ParamString}
	p := ResolvedParam{Def: def, Modifier: ModMissing, Groups: []ValueGroup{{Raw: []string{"true"}}}}
	binder := &ArgBinder{}
	clause, err := BuildPredicate(p, binder)
	require.NoError(t, err)
	assert.Contains(t, clause, "NOT EXISTS")

	p.Groups = []ValueGroup{{Raw: []string{"false"}}}
	binder = &ArgBinder{}
	clause, err = BuildPredicate(p, binder)
	require.NoError(t, err)
	assert.NotContains(t, clause, "NOT EXISTS")
	assert.Contains(t, clause, "EXISTS")
}

func TestTokenClause_HandlesSystemPipeCode(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Observation", Code: "code", Type: fhircontext.ParamToken}
	p := ResolvedParam{Def: def, Groups: []ValueGroup{{Raw: []string{"http://loinc.org|1234-5"}}}}
	binder := &ArgBinder{}
	clause, err := BuildPredicate(p, binder)
	require.NoError(t, err)
	assert.Contains(t, clause, "sp.system")
	assert.Contains(t, clause, "sp.code")
	require.Len(t, binder.Args(), 4) // param code + system + code bound twice (once per OR arm)
}

func TestDateClause_CoversAllPrefixes(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Patient", Code: "birthdate", Type: fhircontext.ParamDate}
	for _, prefix := range []string{"eq", "ne", "lt", "le", "gt", "ge", "sa", "eb", "ap"} {
		p := ResolvedParam{Def: def, Groups: []ValueGroup{{Raw: []string{prefix + "2020-01-01"}}}}
		binder := &ArgBinder{}
		clause, err := BuildPredicate(p, binder)
		require.NoError(t, err)
		assert.NotEmpty(t, clause)
	}
}

func TestReferenceClause_SplitsTypeAndID(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Observation", Code: "subject", Type: fhircontext.ParamReference}
	p := ResolvedParam{Def: def, Groups: []ValueGroup{{Raw: []string{"Patient/123"}}}}
	binder := &ArgBinder{}
	clause, err := BuildPredicate(p, binder)
	require.NoError(t, err)
	assert.Contains(t, clause, "sp.target_type")
	assert.Contains(t, clause, "sp.target_id")
	assert.Contains(t, binder.Args(), "Patient")
	assert.Contains(t, binder.Args(), "123")
}

func TestValidateModifier_RejectsUnsupportedCombination(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Patient", Code: "birthdate", Type: fhircontext.ParamDate}
	err := validateModifier(def, ModExact)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBuildQuery_IncludesTypeStatusAndLimit(t *testing.T) {
	def := fhircontext.SearchParameter{ResourceType: "Patient", Code: "name", Type: fhircontext.ParamString}
	params := []ResolvedParam{{Def: def, Groups: []ValueGroup{{Raw: []string{"Smith"}}}}}
	sortKeys := []ResolvedSort{{Name: "_lastUpdated", Descending: true, Native: true, Column: "r.last_updated"}}

	q, err := Build("Patient", params, sortKeys, ControlParams{}, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "r.type = $1")
	assert.Contains(t, q.SQL, "r.is_current = true")
	assert.Contains(t, q.SQL, "ORDER BY r.last_updated DESC, r.id ASC")
	assert.Equal(t, DefaultPageSize, q.PageSize)
	assert.Equal(t, "Patient", q.Args[0])
}

func TestBuildQuery_RejectsCountAboveMax(t *testing.T) {
	_, err := Build("Patient", nil, nil, ControlParams{Count: MaxPageSize + 1, HasCount: true}, nil, nil)
	require.Error(t, err)
	var tce *TooCostlyError
	assert.ErrorAs(t, err, &tce)
}

func TestBuildQuery_WithCursorAddsKeysetPredicate(t *testing.T) {
	sortKeys := []ResolvedSort{{Name: "_lastUpdated", Descending: true, Native: true, Column: "r.last_updated"}}
	cursor := &Cursor{SortValue: "2024-01-01T00:00:00Z", ID: "abc", Direction: "next"}
	q, err := Build("Patient", nil, sortKeys, ControlParams{}, nil, cursor)
	require.NoError(t, err)
	assert.Contains(t, q.SQL, "r.last_updated, r.id) <")
}

func TestCompartmentPredicate_BuildsInClauseOverMemberParams(t *testing.T) {
	cp := CompartmentPredicate{CompartmentType: "Patient", ID: "123", MemberParams: []string{"subject", "patient"}}
	binder := &ArgBinder{}
	clause, err := cp.Predicate(binder)
	require.NoError(t, err)
	assert.Contains(t, clause, "IN (")
	assert.Contains(t, binder.Args(), "subject")
	assert.Contains(t, binder.Args(), "patient")
}
