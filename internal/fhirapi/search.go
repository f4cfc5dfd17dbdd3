package fhirapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/resourcestore"
	"github.com/ehr/fhirserver/internal/searchplanner"
)

// search handles both `GET /{type}` and `POST /{type}/_search` (§6): the
// latter's form-encoded body is treated as additional query parameters,
// matching the FHIR "search via POST" contract.
func (h *Handler) search(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		values, err := h.requestSearchValues(c)
		if err != nil {
			return h.respondError(c, err)
		}

		matches, ctrl, links, total, err := h.executeSearch(ctx, resourceType, values, nil, h.handlingFor(c))
		if err != nil {
			return h.respondError(c, err)
		}

		entries := make([]fhirvalue.Value, 0, len(matches))
		for _, r := range matches {
			entries = append(entries, SearchEntry(h.baseURL, r, "match"))
		}

		included, err := h.expandIncludes(ctx, resourceType, matches, ctrl)
		if err != nil {
			return h.respondError(c, err)
		}
		for _, r := range included {
			entries = append(entries, SearchEntry(h.baseURL, r, "include"))
		}

		return writeValue(c, http.StatusOK, NewBundle("searchset", total, links, entries))
	}
}

// handlingFor reads `Prefer: handling=strict|lenient` (§6), falling back to
// the server's configured default when absent.
func (h *Handler) handlingFor(c echo.Context) searchplanner.Handling {
	prefer := c.Request().Header.Get("Prefer")
	switch {
	case strings.Contains(prefer, "handling=strict"):
		return searchplanner.HandlingStrict
	case strings.Contains(prefer, "handling=lenient"):
		return searchplanner.HandlingLenient
	default:
		return h.defaultHandling
	}
}

func (h *Handler) compartmentSearch(c echo.Context) error {
	ctx := c.Request().Context()
	compartmentType := c.Param("compartment")
	compartmentID := c.Param("cid")
	resourceType := c.Param("type")

	defs, err := h.cache.Compartments(ctx)
	if err != nil {
		return h.respondError(c, err)
	}
	rules := fhircontext.ForCompartment(defs, compartmentType, resourceType)
	if len(rules) == 0 {
		return h.respondError(c, errNotFound("no compartment membership rule for %s/%s", compartmentType, resourceType))
	}
	var memberParams []string
	for _, r := range rules {
		memberParams = append(memberParams, r.Params...)
	}

	values, err := h.requestSearchValues(c)
	if err != nil {
		return h.respondError(c, err)
	}
	compartment := &searchplanner.CompartmentPredicate{
		CompartmentType: compartmentType,
		ID:              compartmentID,
		MemberParams:    memberParams,
	}

	matches, ctrl, links, total, err := h.executeSearch(ctx, resourceType, values, compartment, h.handlingFor(c))
	if err != nil {
		return h.respondError(c, err)
	}
	entries := make([]fhirvalue.Value, 0, len(matches))
	for _, r := range matches {
		entries = append(entries, SearchEntry(h.baseURL, r, "match"))
	}
	included, err := h.expandIncludes(ctx, resourceType, matches, ctrl)
	if err != nil {
		return h.respondError(c, err)
	}
	for _, r := range included {
		entries = append(entries, SearchEntry(h.baseURL, r, "include"))
	}
	return writeValue(c, http.StatusOK, NewBundle("searchset", total, links, entries))
}

// runSearch is the minimal path used for conditional-create's
// If-None-Exist check: it returns matched resources without paging or
// Bundle construction.
func (h *Handler) runSearch(ctx context.Context, resourceType string, values map[string][]string, compartment *searchplanner.CompartmentPredicate) ([]resourcestore.Resource, error) {
	matches, _, _, _, err := h.executeSearch(ctx, resourceType, values, compartment, h.defaultHandling)
	return matches, err
}

// executeSearch runs the full parse -> resolve -> build -> execute pipeline
// and returns the matched page, the resolved controls (for include
// expansion), the Bundle links for this page, and a total count, which is
// always nil: no count query is run.
func (h *Handler) executeSearch(ctx context.Context, resourceType string, values map[string][]string, compartment *searchplanner.CompartmentPredicate, handling searchplanner.Handling) ([]resourcestore.Resource, searchplanner.ControlParams, []BundleLink, *int, error) {
	raw, ctrl, err := searchplanner.ParseQuery(values)
	if err != nil {
		return nil, ctrl, nil, nil, errInvalid("%v", err)
	}

	resolved, err := h.resolver.Resolve(ctx, resourceType, raw, handling)
	if err != nil {
		return nil, ctrl, nil, nil, err
	}
	sortKeys, err := h.resolver.ResolveSort(ctx, resourceType, ctrl.Sort)
	if err != nil {
		return nil, ctrl, nil, nil, err
	}

	var cursor *searchplanner.Cursor
	if ctrl.CursorToken != "" {
		c, err := searchplanner.DecodeCursor(ctrl.CursorToken)
		if err != nil {
			return nil, ctrl, nil, nil, errInvalid("invalid _cursor: %v", err)
		}
		if ctrl.CursorDirection != "" {
			c.Direction = ctrl.CursorDirection
		}
		cursor = &c
	}

	query, err := searchplanner.Build(resourceType, resolved, sortKeys, ctrl, compartment, cursor)
	if err != nil {
		return nil, ctrl, nil, nil, err
	}

	rows, err := h.pool.Query(ctx, query.SQL, query.Args...)
	if err != nil {
		return nil, ctrl, nil, nil, fmt.Errorf("fhirapi: execute search: %w", err)
	}
	defer rows.Close()

	var matches []resourcestore.Resource
	for rows.Next() {
		var r resourcestore.Resource
		var docJSON []byte
		if err := rows.Scan(&r.Type, &r.ID, &r.VersionID, &docJSON, &r.LastUpdated); err != nil {
			return nil, ctrl, nil, nil, fmt.Errorf("fhirapi: scan search row: %w", err)
		}
		doc, err := fhirvalue.FromJSON(docJSON)
		if err != nil {
			return nil, ctrl, nil, nil, fmt.Errorf("fhirapi: decode search row: %w", err)
		}
		r.Document = doc
		r.IsCurrent = true
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, ctrl, nil, nil, fmt.Errorf("fhirapi: read search rows: %w", err)
	}

	hasMore := len(matches) > query.PageSize
	if hasMore {
		matches = matches[:query.PageSize]
	}
	links := h.buildLinks(resourceType, values, matches, hasMore, cursor)
	return matches, ctrl, links, nil, nil
}

// buildLinks emits the `self`/`next`/`prev` Bundle.link entries (§6 "Paging
// cursor"). `first`/`last` are deliberately not emitted: building them
// requires a boundary query against the opposite sort order, which is not
// wired up for the indexed-sort case (§9 open question, recorded in
// DESIGN.md) — clients needing the start or end of a result set re-issue
// the search without a cursor, or walk `prev` until it disappears.
func (h *Handler) buildLinks(resourceType string, values map[string][]string, page []resourcestore.Resource, hasMore bool, cursor *searchplanner.Cursor) []BundleLink {
	self := h.searchURL(resourceType, values, "")
	links := []BundleLink{{Relation: "self", URL: self}}
	if len(page) == 0 {
		return links
	}
	last := page[len(page)-1]
	first := page[0]

	if hasMore {
		tok := searchplanner.EncodeCursor(searchplanner.Cursor{SortValue: sortValueFor(last), ID: last.ID, Direction: "next"})
		links = append(links, BundleLink{Relation: "next", URL: h.searchURL(resourceType, values, tok)})
	}
	if cursor != nil {
		tok := searchplanner.EncodeCursor(searchplanner.Cursor{SortValue: sortValueFor(first), ID: first.ID, Direction: "prev"})
		links = append(links, BundleLink{Relation: "prev", URL: h.searchURL(resourceType, values, tok)})
	}
	return links
}

// sortValueFor derives the cursor's opaque sort value from the resource's
// last-updated timestamp, matching Build's default sort (§4.5 "Ordering
// guarantees" — _lastUpdated desc, tie-broken by id) when no explicit _sort
// narrowed the query to an indexed column.
func sortValueFor(r resourcestore.Resource) string {
	return r.LastUpdated.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func (h *Handler) searchURL(resourceType string, values map[string][]string, cursorToken string) string {
	q := url.Values{}
	for k, vs := range values {
		if k == "_cursor" {
			continue
		}
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if cursorToken != "" {
		q.Set("_cursor", cursorToken)
	}
	return fmt.Sprintf("%s/%s?%s", h.baseURL, resourceType, q.Encode())
}

// requestSearchValues merges the query string with a POST _search form
// body, matching net/url.Values' repeated-key shape.
func (h *Handler) requestSearchValues(c echo.Context) (map[string][]string, error) {
	values := map[string][]string(c.QueryParams())
	if c.Request().Method != http.MethodPost {
		return values, nil
	}
	if err := c.Request().ParseForm(); err != nil {
		return nil, errInvalid("parse _search form body: %v", err)
	}
	merged := map[string][]string{}
	for k, v := range values {
		merged[k] = append(merged[k], v...)
	}
	for k, v := range c.Request().PostForm {
		merged[k] = append(merged[k], v...)
	}
	return merged, nil
}

// parseConditionalQuery parses an If-None-Exist header value, which is a
// bare query string (no leading '?').
func parseConditionalQuery(raw string) (map[string][]string, error) {
	v, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	return map[string][]string(v), nil
}

// expandIncludes resolves `_include`/`_revinclude` against the matched page
// (§4.5 "Include expansion"). Each spec is applied independently and
// results are deduped by (type, id); `_include:iterate` is not followed
// past the first hop (§ Non-goals bound iteration depth in this server).
func (h *Handler) expandIncludes(ctx context.Context, resourceType string, matches []resourcestore.Resource, ctrl searchplanner.ControlParams) ([]resourcestore.Resource, error) {
	if len(ctrl.Include) == 0 && len(ctrl.RevInclude) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	for _, r := range matches {
		seen[r.Type+"/"+r.ID] = true
	}
	var out []resourcestore.Resource

	for _, spec := range ctrl.Include {
		refs, err := h.referencedIDs(ctx, matches, spec)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			key := ref.targetType + "/" + ref.targetID
			if seen[key] {
				continue
			}
			seen[key] = true
			r, err := h.store.Read(ctx, ref.targetType, ref.targetID)
			if err != nil {
				continue // a dangling reference does not fail the whole search
			}
			out = append(out, r)
		}
	}

	for _, spec := range ctrl.RevInclude {
		revs, err := h.revIncludeMatches(ctx, resourceType, matches, spec)
		if err != nil {
			return nil, err
		}
		for _, r := range revs {
			key := r.Type + "/" + r.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, r)
		}
	}
	return out, nil
}

type reference struct {
	targetType string
	targetID   string
}

// referencedIDs reads the reference-kind index rows the matched set wrote
// for spec.Param, so include expansion reuses the same search_reference
// table the planner's _has predicate and compartment membership check do.
func (h *Handler) referencedIDs(ctx context.Context, matches []resourcestore.Resource, spec searchplanner.IncludeSpec) ([]reference, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matches))
	for i, r := range matches {
		ids[i] = r.ID
	}
	sql := `SELECT target_type, target_id FROM search_reference
		WHERE resource_type = $1 AND parameter_name = $2 AND resource_id = ANY($3)`
	args := []interface{}{spec.SourceType, spec.Param, ids}
	if spec.TargetType != "" {
		sql += " AND target_type = $4"
		args = append(args, spec.TargetType)
	}
	rows, err := h.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fhirapi: query _include references: %w", err)
	}
	defer rows.Close()
	var out []reference
	for rows.Next() {
		var ref reference
		if err := rows.Scan(&ref.targetType, &ref.targetID); err != nil {
			return nil, fmt.Errorf("fhirapi: scan _include reference: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// revIncludeMatches finds resources of spec.SourceType that reference one
// of the matched set via spec.Param (§4.5 "_revinclude").
func (h *Handler) revIncludeMatches(ctx context.Context, matchedType string, matches []resourcestore.Resource, spec searchplanner.IncludeSpec) ([]resourcestore.Resource, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	ids := make([]string, len(matches))
	for i, r := range matches {
		ids[i] = r.ID
	}
	sql := `SELECT r.type, r.id, r.version_id, r.document, r.last_updated
		FROM resources r
		JOIN search_reference sr ON sr.resource_type = r.type AND sr.resource_id = r.id AND sr.version_id = r.version_id
		WHERE r.is_current = true AND r.deleted = false
		AND sr.parameter_name = $1 AND sr.target_type = $2 AND sr.target_id = ANY($3)`
	args := []interface{}{spec.Param, matchedType, ids}
	if spec.SourceType != "" {
		sql += " AND r.type = $4"
		args = append(args, spec.SourceType)
	}
	rows, err := h.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fhirapi: query _revinclude matches: %w", err)
	}
	defer rows.Close()
	var out []resourcestore.Resource
	for rows.Next() {
		var r resourcestore.Resource
		var docJSON []byte
		if err := rows.Scan(&r.Type, &r.ID, &r.VersionID, &docJSON, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("fhirapi: scan _revinclude row: %w", err)
		}
		doc, err := fhirvalue.FromJSON(docJSON)
		if err != nil {
			return nil, fmt.Errorf("fhirapi: decode _revinclude row: %w", err)
		}
		r.Document = doc
		out = append(out, r)
	}
	return out, rows.Err()
}
