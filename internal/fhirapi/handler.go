package fhirapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/hooks"
	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/resourcestore"
	"github.com/ehr/fhirserver/internal/searchplanner"
)

// JobEnqueuer is the subset of jobqueue.Queue / jobqueue.InlineJobQueue this
// package needs, so tests can swap the inline double in without importing
// the Postgres-backed one.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, params []byte, priority int, scheduledAt time.Time) (uuid.UUID, error)
}

// Handler is the generic FHIR REST surface: one instance serves every
// configured resource type, rather than the teacher's one handler struct
// per domain package (internal/domain/*/handler.go).
type Handler struct {
	store    *resourcestore.Store
	cache    *fhircontext.Cache
	resolver *searchplanner.Resolver
	hooks    *hooks.Dispatcher
	jobs     JobEnqueuer
	pool     db.Queryable

	resourceTypes   []string
	baseURL         string
	softwareVersion string
	fhirVersion     string
	defaultHandling searchplanner.Handling

	log zerolog.Logger
}

type Config struct {
	Store           *resourcestore.Store
	Cache           *fhircontext.Cache
	Resolver        *searchplanner.Resolver
	Hooks           *hooks.Dispatcher
	Jobs            JobEnqueuer
	Pool            db.Queryable
	ResourceTypes   []string
	BaseURL         string
	SoftwareVersion string
	FHIRVersion     string
	DefaultHandling searchplanner.Handling
	Log             zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		store:           cfg.Store,
		cache:           cfg.Cache,
		resolver:        cfg.Resolver,
		hooks:           cfg.Hooks,
		jobs:            cfg.Jobs,
		pool:            cfg.Pool,
		resourceTypes:   cfg.ResourceTypes,
		baseURL:         cfg.BaseURL,
		softwareVersion: cfg.SoftwareVersion,
		fhirVersion:     cfg.FHIRVersion,
		defaultHandling: cfg.DefaultHandling,
		log:             cfg.Log.With().Str("component", "fhirapi").Logger(),
	}
}

// RegisterRoutes mounts the FHIR REST surface on g. g is assumed to already
// carry whatever auth/tenant middleware the operator needs (§ "Auth
// non-goal" — this package stays agnostic to identity).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("", h.Batch)
	g.POST("/", h.Batch)

	for _, rt := range h.resourceTypes {
		resourceType := rt
		g.POST("/"+resourceType, h.create(resourceType))
		g.GET("/"+resourceType, h.search(resourceType))
		g.POST("/"+resourceType+"/_search", h.search(resourceType))
		g.GET("/"+resourceType+"/_history", h.typeHistory(resourceType))
		g.GET("/"+resourceType+"/:id", h.read(resourceType))
		g.PUT("/"+resourceType+"/:id", h.update(resourceType))
		g.PATCH("/"+resourceType+"/:id", h.patch(resourceType))
		g.DELETE("/"+resourceType+"/:id", h.delete(resourceType))
		g.GET("/"+resourceType+"/:id/_history", h.history(resourceType))
		g.GET("/"+resourceType+"/:id/_history/:vid", h.vread(resourceType))
	}

	g.GET("/:compartment/:cid/:type", h.compartmentSearch)
}

func (h *Handler) respondError(c echo.Context, err error) error {
	apiErr := classify(err)
	if apiErr.Status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	if apiErr.ETag != "" {
		c.Response().Header().Set(echo.HeaderETag, apiErr.ETag)
	}
	severity := "error"
	return writeValue(c, apiErr.Status, OperationOutcome(severity, apiErr.Code, apiErr.Message))
}

func (h *Handler) Metadata(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := h.capabilityStatement(ctx)
	if err != nil {
		return h.respondError(c, err)
	}
	etagValue, err := h.capabilityETag(ctx)
	if err == nil {
		c.Response().Header().Set(echo.HeaderETag, etagValue)
	}
	return writeValue(c, http.StatusOK, cs)
}

// Create handles `POST /{type}`, including conditional create via
// `If-None-Exist` (§6 "Conditional headers").
func (h *Handler) create(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		body, err := decodeBody(c)
		if err != nil {
			return h.respondError(c, err)
		}

		if cond := c.Request().Header.Get("If-None-Exist"); cond != "" {
			existing, err := h.conditionalMatch(ctx, resourceType, cond)
			if err != nil {
				return h.respondError(c, err)
			}
			switch len(existing) {
			case 0:
				// fall through to create
			case 1:
				c.Response().Header().Set(echo.HeaderLocation, resourceURL(h.baseURL, existing[0]))
				c.Response().Header().Set(echo.HeaderETag, etag(existing[0].VersionID))
				return writeValue(c, http.StatusOK, existing[0].Document)
			default:
				return h.respondError(c, errConflict(http.StatusPreconditionFailed,
					"If-None-Exist matched %d resources", len(existing)))
			}
		}

		res, err := h.store.Create(ctx, resourceType, body)
		if err != nil {
			return h.respondError(c, err)
		}
		h.hooks.Created(ctx, res)

		c.Response().Header().Set(echo.HeaderLocation, resourceURL(h.baseURL, res))
		c.Response().Header().Set(echo.HeaderETag, etag(res.VersionID))
		return writeValue(c, http.StatusCreated, res.Document)
	}
}

// conditionalMatch runs an `If-None-Exist` query string (a bare search query,
// not prefixed with `?`) against the current resources of resourceType.
func (h *Handler) conditionalMatch(ctx context.Context, resourceType, query string) ([]resourcestore.Resource, error) {
	values, err := parseConditionalQuery(query)
	if err != nil {
		return nil, errInvalid("invalid If-None-Exist query: %v", err)
	}
	return h.runSearch(ctx, resourceType, values, nil)
}

func (h *Handler) read(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		res, err := h.store.Read(ctx, resourceType, id)
		if err != nil {
			if errors.Is(err, resourcestore.ErrDeleted) {
				hist, herr := h.store.History(ctx, resourceType, id, resourcestore.HistoryOptions{Count: 1})
				if herr == nil && len(hist.Versions) > 0 {
					gone := NewAPIError(http.StatusGone, IssueDeleted, "resource deleted")
					gone.ETag = etag(hist.Versions[0].VersionID)
					err = gone
				}
			}
			return h.respondError(c, err)
		}
		if inm := c.Request().Header.Get("If-None-Match"); inm != "" && etagMatches(inm, res.VersionID) {
			c.Response().Header().Set(echo.HeaderETag, etag(res.VersionID))
			return c.NoContent(http.StatusNotModified)
		}
		c.Response().Header().Set(echo.HeaderETag, etag(res.VersionID))
		c.Response().Header().Set(echo.HeaderLastModified, res.LastUpdated.UTC().Format(http.TimeFormat))
		return writeValue(c, http.StatusOK, res.Document)
	}
}

func (h *Handler) vread(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		vid, err := strconv.Atoi(c.Param("vid"))
		if err != nil {
			return h.respondError(c, errInvalid("invalid version id %q", c.Param("vid")))
		}
		res, err := h.store.VRead(ctx, resourceType, id, vid)
		if err != nil {
			return h.respondError(c, err)
		}
		c.Response().Header().Set(echo.HeaderETag, etag(res.VersionID))
		return writeValue(c, http.StatusOK, res.Document)
	}
}

// update handles `PUT /{type}/{id}`, honoring `If-Match` as the optimistic
// concurrency check (§6, §8 scenario "version conflict returns 412").
func (h *Handler) update(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		body, err := decodeBody(c)
		if err != nil {
			return h.respondError(c, err)
		}

		expected := 0
		if im := c.Request().Header.Get("If-Match"); im != "" {
			v, ok := parseETag(im)
			if !ok {
				return h.respondError(c, errInvalid("malformed If-Match header %q", im))
			}
			expected = v
		}

		res, err := h.store.Update(ctx, resourceType, id, body, expected)
		if err != nil {
			return h.respondError(c, err)
		}
		h.hooks.Updated(ctx, res)

		c.Response().Header().Set(echo.HeaderETag, etag(res.VersionID))
		status := http.StatusOK
		if res.VersionID == 1 {
			status = http.StatusCreated
			c.Response().Header().Set(echo.HeaderLocation, resourceURL(h.baseURL, res))
		}
		return writeValue(c, status, res.Document)
	}
}

// patch handles `PATCH /{type}/{id}` as a JSON Merge Patch (RFC 7396)
// against the current document: there is no JSON Patch / FHIRPath Patch
// library anywhere in the example pack, and merge patch is simple enough to
// implement directly over fhirvalue.Value (see mergePatch in patch.go).
func (h *Handler) patch(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		patchDoc, err := decodeBody(c)
		if err != nil {
			return h.respondError(c, err)
		}

		current, err := h.store.Read(ctx, resourceType, id)
		if err != nil {
			return h.respondError(c, err)
		}

		expected := current.VersionID
		if im := c.Request().Header.Get("If-Match"); im != "" {
			v, ok := parseETag(im)
			if !ok {
				return h.respondError(c, errInvalid("malformed If-Match header %q", im))
			}
			expected = v
		}

		merged := mergePatch(current.Document, patchDoc)
		res, err := h.store.Update(ctx, resourceType, id, merged, expected)
		if err != nil {
			return h.respondError(c, err)
		}
		h.hooks.Updated(ctx, res)

		c.Response().Header().Set(echo.HeaderETag, etag(res.VersionID))
		return writeValue(c, http.StatusOK, res.Document)
	}
}

func (h *Handler) delete(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		version, err := h.store.Delete(ctx, resourceType, id)
		if err != nil {
			return h.respondError(c, err)
		}
		h.hooks.Deleted(ctx, resourceType, id, version)
		c.Response().Header().Set(echo.HeaderETag, etag(version))
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *Handler) history(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")
		opts := parseHistoryOptions(c)
		result, err := h.store.History(ctx, resourceType, id, opts)
		if err != nil {
			return h.respondError(c, err)
		}
		return h.writeHistoryBundle(c, result)
	}
}

// typeHistory lists every version across every resource of resourceType,
// newest first. Store.History only covers a single resource's versions, so
// this runs its own query directly against the table rather than
// stretching that method to a shape it wasn't built for.
func (h *Handler) typeHistory(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		opts := parseHistoryOptions(c)
		count := opts.Count
		if count <= 0 {
			count = 20
		}

		var since interface{}
		if !opts.Since.IsZero() {
			since = opts.Since
		}
		rows, err := h.pool.Query(ctx, `
			SELECT type, id, version_id, deleted, document, last_updated
			FROM resources
			WHERE type = $1 AND ($2::timestamptz IS NULL OR last_updated >= $2)
			ORDER BY last_updated DESC
			LIMIT $3`, resourceType, since, count)
		if err != nil {
			return h.respondError(c, fmt.Errorf("fhirapi: query type history: %w", err))
		}
		defer rows.Close()

		var versions []resourcestore.Resource
		for rows.Next() {
			var r resourcestore.Resource
			var docJSON []byte
			if err := rows.Scan(&r.Type, &r.ID, &r.VersionID, &r.Deleted, &docJSON, &r.LastUpdated); err != nil {
				return h.respondError(c, fmt.Errorf("fhirapi: scan type history row: %w", err))
			}
			if !r.Deleted {
				doc, err := fhirvalue.FromJSON(docJSON)
				if err != nil {
					return h.respondError(c, fmt.Errorf("fhirapi: decode type history row: %w", err))
				}
				r.Document = doc
			}
			versions = append(versions, r)
		}
		if err := rows.Err(); err != nil {
			return h.respondError(c, fmt.Errorf("fhirapi: read type history rows: %w", err))
		}

		return h.writeHistoryBundle(c, resourcestore.HistoryResult{Versions: versions, Total: len(versions)})
	}
}

func (h *Handler) writeHistoryBundle(c echo.Context, result resourcestore.HistoryResult) error {
	entries := make([]fhirvalue.Value, len(result.Versions))
	for i, v := range result.Versions {
		entries[i] = HistoryEntry(h.baseURL, v)
	}
	total := result.Total
	links := []BundleLink{{Relation: "self", URL: c.Request().URL.String()}}
	return writeValue(c, http.StatusOK, NewBundle("history", &total, links, entries))
}

func parseHistoryOptions(c echo.Context) resourcestore.HistoryOptions {
	var opts resourcestore.HistoryOptions
	if n, err := strconv.Atoi(c.QueryParam("_count")); err == nil && n > 0 {
		opts.Count = n
	}
	if since := c.QueryParam("_since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = t
		}
	}
	if at := c.QueryParam("_at"); at != "" {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			opts.At = t
		}
	}
	return opts
}

func parseETag(header string) (int, bool) {
	s := header
	if len(s) >= 4 && s[:3] == `W/"` && s[len(s)-1] == '"' {
		s = s[3 : len(s)-1]
	} else if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func etagMatches(header string, version int) bool {
	v, ok := parseETag(header)
	return ok && v == version
}
