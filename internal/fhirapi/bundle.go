package fhirapi

import (
	"fmt"
	"time"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/resourcestore"
)

// BundleLink is one Bundle.link entry (§6 "Paging cursor").
type BundleLink struct {
	Relation string // self, next, prev, first, last
	URL      string
}

// NewBundle assembles a Bundle of the given type from already-built entry
// values.
func NewBundle(bundleType string, total *int, links []BundleLink, entries []fhirvalue.Value) fhirvalue.Value {
	b := fhirvalue.NewObject()
	b.Set("resourceType", fhirvalue.NewString("Bundle"))
	b.Set("type", fhirvalue.NewString(bundleType))
	if total != nil {
		b.Set("total", fhirvalue.NewInteger(int64(*total)))
	}
	if len(links) > 0 {
		items := make([]fhirvalue.Value, len(links))
		for i, l := range links {
			lv := fhirvalue.NewObject()
			lv.Set("relation", fhirvalue.NewString(l.Relation))
			lv.Set("url", fhirvalue.NewString(l.URL))
			items[i] = lv
		}
		b.Set("link", fhirvalue.NewCollection(items...))
	}
	b.Set("entry", fhirvalue.NewCollection(entries...))
	return b
}

func resourceURL(baseURL string, r resourcestore.Resource) string {
	return fmt.Sprintf("%s/%s/%s", baseURL, r.Type, r.ID)
}

// SearchEntry wraps a matched resource with its fullUrl and search mode
// (§4.5 "Include expansion": "match" for the primary set, "include" for
// resources pulled in by _include/_revinclude).
func SearchEntry(baseURL string, r resourcestore.Resource, mode string) fhirvalue.Value {
	entry := fhirvalue.NewObject()
	entry.Set("fullUrl", fhirvalue.NewString(resourceURL(baseURL, r)))
	entry.Set("resource", r.Document)
	search := fhirvalue.NewObject()
	search.Set("mode", fhirvalue.NewString(mode))
	entry.Set("search", search)
	return entry
}

// HistoryEntry renders one version for a _history Bundle. A deleted
// tombstone carries a synthetic `request` (DELETE) instead of a resource
// body, matching how FHIR history bundles represent deletions.
func HistoryEntry(baseURL string, r resourcestore.Resource) fhirvalue.Value {
	entry := fhirvalue.NewObject()
	entry.Set("fullUrl", fhirvalue.NewString(resourceURL(baseURL, r)))
	status := "200"
	if r.Deleted {
		req := fhirvalue.NewObject()
		req.Set("method", fhirvalue.NewString("DELETE"))
		req.Set("url", fhirvalue.NewString(fmt.Sprintf("%s/%s", r.Type, r.ID)))
		entry.Set("request", req)
		status = "204"
	} else {
		entry.Set("resource", r.Document)
		if r.VersionID == 1 {
			status = "201"
		}
	}
	resp := fhirvalue.NewObject()
	resp.Set("status", fhirvalue.NewString(status))
	resp.Set("etag", fhirvalue.NewString(etag(r.VersionID)))
	resp.Set("lastModified", fhirvalue.NewString(r.LastUpdated.UTC().Format(time.RFC3339)))
	entry.Set("response", resp)
	return entry
}

// BatchResponseEntry wraps one batch/transaction outcome (§6 "POST / ->
// batch/transaction bundle").
func BatchResponseEntry(status, location, etagValue string, body fhirvalue.Value) fhirvalue.Value {
	entry := fhirvalue.NewObject()
	if !body.IsEmptyValue() {
		entry.Set("resource", body)
	}
	resp := fhirvalue.NewObject()
	resp.Set("status", fhirvalue.NewString(status))
	if location != "" {
		resp.Set("location", fhirvalue.NewString(location))
	}
	if etagValue != "" {
		resp.Set("etag", fhirvalue.NewString(etagValue))
	}
	entry.Set("response", resp)
	return entry
}
