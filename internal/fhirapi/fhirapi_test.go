package fhirapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/resourcestore"
)

func TestMergePatch_NullRemovesField(t *testing.T) {
	current := fhirvalue.NewObject()
	current.Set("active", fhirvalue.NewBoolean(true))
	current.Set("gender", fhirvalue.NewString("female"))

	patch := fhirvalue.NewObject()
	patch.Set("gender", fhirvalue.Empty)

	result := mergePatch(current, patch)

	_, ok := result.Get("gender")
	assert.False(t, ok)
	v, ok := result.Get("active")
	require.True(t, ok)
	assert.True(t, v.Bool)
}

func TestMergePatch_MergesNestedObjects(t *testing.T) {
	name := fhirvalue.NewObject()
	name.Set("family", fhirvalue.NewString("Smith"))
	current := fhirvalue.NewObject()
	current.Set("name", name)

	patchName := fhirvalue.NewObject()
	patchName.Set("given", fhirvalue.NewCollection(fhirvalue.NewString("Jane")))
	patch := fhirvalue.NewObject()
	patch.Set("name", patchName)

	result := mergePatch(current, patch)

	resultName, ok := result.Get("name")
	require.True(t, ok)
	family, ok := resultName.Get("family")
	require.True(t, ok)
	assert.Equal(t, "Smith", family.Str)
	given, ok := resultName.Get("given")
	require.True(t, ok)
	assert.Equal(t, 1, len(given.AsCollection()))
}

func TestMergePatch_ReplacesArraysWholesale(t *testing.T) {
	current := fhirvalue.NewObject()
	current.Set("tag", fhirvalue.NewCollection(fhirvalue.NewString("a"), fhirvalue.NewString("b")))

	patch := fhirvalue.NewObject()
	patch.Set("tag", fhirvalue.NewCollection(fhirvalue.NewString("c")))

	result := mergePatch(current, patch)

	tag, ok := result.Get("tag")
	require.True(t, ok)
	items := tag.AsCollection()
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].Str)
}

func TestMergePatch_LeavesCurrentUntouched(t *testing.T) {
	current := fhirvalue.NewObject()
	current.Set("active", fhirvalue.NewBoolean(true))

	patch := fhirvalue.NewObject()
	patch.Set("active", fhirvalue.NewBoolean(false))

	_ = mergePatch(current, patch)

	v, ok := current.Get("active")
	require.True(t, ok)
	assert.True(t, v.Bool, "mergePatch must not mutate its current argument")
}

func TestFormatFromMediaType(t *testing.T) {
	cases := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"application/fhir+json", FormatJSON, true},
		{"application/json", FormatJSON, true},
		{"", FormatJSON, true},
		{"*/*", FormatJSON, true},
		{"application/fhir+xml", FormatXML, true},
		{"text/xml", FormatXML, true},
		{"application/pdf", FormatJSON, false},
	}
	for _, tc := range cases {
		got, ok := formatFromMediaType(tc.in)
		assert.Equal(t, tc.ok, ok, "media type %q", tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, "media type %q", tc.in)
		}
	}
}

func TestNegotiateFormat_FormatParamWinsOverAccept(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/Patient/1?_format=xml", nil)
	req.Header.Set(echo.HeaderAccept, "application/fhir+json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.Equal(t, FormatXML, negotiateFormat(c))
}

func TestNegotiateFormat_FallsBackToAccept(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/Patient/1", nil)
	req.Header.Set(echo.HeaderAccept, "application/fhir+xml")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.Equal(t, FormatXML, negotiateFormat(c))
}

func TestRequestFormat_RejectsUnsupportedContentType(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/Patient", nil)
	req.Header.Set(echo.HeaderContentType, "application/pdf")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, err := requestFormat(c)
	require.Error(t, err)
	apiErr := classify(err)
	assert.Equal(t, http.StatusUnsupportedMediaType, apiErr.Status)
}

func TestClassify_MapsStoreErrors(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, classify(resourcestore.ErrNotFound).Status)
	assert.Equal(t, http.StatusGone, classify(resourcestore.ErrDeleted).Status)
	assert.Equal(t, http.StatusPreconditionFailed, classify(resourcestore.ErrVersionConflict).Status)
}

func TestClassify_UnknownErrorBecomesMasked500(t *testing.T) {
	apiErr := classify(assertError("boom"))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, IssueException, apiErr.Code)
	assert.NotContains(t, apiErr.Message, "boom", "internal error detail must not leak to the client")
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestParseETag_WeakAndStrong(t *testing.T) {
	v, ok := parseETag(`W/"3"`)
	require.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = parseETag(`"7"`)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = parseETag("not-an-etag")
	assert.False(t, ok)
}

func TestEtagMatches(t *testing.T) {
	assert.True(t, etagMatches(`W/"5"`, 5))
	assert.False(t, etagMatches(`W/"5"`, 6))
}

func TestBundle_SearchEntryAndHistoryEntry(t *testing.T) {
	doc := fhirvalue.NewObject()
	doc.Set("resourceType", fhirvalue.NewString("Patient"))
	res := resourcestore.Resource{Type: "Patient", ID: "1", VersionID: 2, Document: doc}

	entry := SearchEntry("http://example.org/fhir", res, "match")
	fullURL, ok := entry.Get("fullUrl")
	require.True(t, ok)
	assert.Equal(t, "http://example.org/fhir/Patient/1", fullURL.Str)

	search, ok := entry.Get("search")
	require.True(t, ok)
	mode, ok := search.Get("mode")
	require.True(t, ok)
	assert.Equal(t, "match", mode.Str)

	hist := HistoryEntry("http://example.org/fhir", res)
	resp, ok := hist.Get("response")
	require.True(t, ok)
	status, ok := resp.Get("status")
	require.True(t, ok)
	assert.Equal(t, "200", status.Str)
}

func TestBundle_HistoryEntryForDeletedTombstone(t *testing.T) {
	res := resourcestore.Resource{Type: "Patient", ID: "1", VersionID: 3, Deleted: true}

	hist := HistoryEntry("http://example.org/fhir", res)
	_, hasResource := hist.Get("resource")
	assert.False(t, hasResource)

	req, ok := hist.Get("request")
	require.True(t, ok)
	method, ok := req.Get("method")
	require.True(t, ok)
	assert.Equal(t, "DELETE", method.Str)

	resp, ok := hist.Get("response")
	require.True(t, ok)
	status, ok := resp.Get("status")
	require.True(t, ok)
	assert.Equal(t, "204", status.Str)
}

func TestNewBundle_Shape(t *testing.T) {
	total := 2
	links := []BundleLink{{Relation: "self", URL: "http://example.org/fhir/Patient"}}
	entries := []fhirvalue.Value{fhirvalue.NewObject()}

	b := NewBundle("searchset", &total, links, entries)

	rt, ok := b.Get("resourceType")
	require.True(t, ok)
	assert.Equal(t, "Bundle", rt.Str)
	bt, ok := b.Get("type")
	require.True(t, ok)
	assert.Equal(t, "searchset", bt.Str)
	totalV, ok := b.Get("total")
	require.True(t, ok)
	assert.Equal(t, int64(2), totalV.Int)
}

func TestHTTPStatusText(t *testing.T) {
	assert.Equal(t, "201", httpStatusText(http.StatusCreated))
	assert.Equal(t, "404", httpStatusText(http.StatusNotFound))
	assert.Equal(t, "500", httpStatusText(999))
}

func TestIsServedType(t *testing.T) {
	h := &Handler{resourceTypes: []string{"Patient", "Observation"}}
	assert.True(t, h.isServedType("Patient"))
	assert.False(t, h.isServedType("Encounter"))
}
