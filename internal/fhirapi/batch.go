package fhirapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/resourcestore"
)

// Batch handles `POST /` (§6 "batch/transaction bundle"). A "batch" bundle
// replays each entry's request.method/url against this same Handler's CRUD
// paths independently — one entry's failure doesn't affect the others. A
// "transaction" bundle instead runs every entry inside one
// resourcestore.Transaction (§4.3): any entry failing rolls the whole
// bundle back, matching FHIR's transaction atomicity requirement.
func (h *Handler) Batch(c echo.Context) error {
	ctx := c.Request().Context()
	body, err := decodeBody(c)
	if err != nil {
		return h.respondError(c, err)
	}
	if body.Kind != fhirvalue.KindObject {
		return h.respondError(c, errInvalid("batch body must be a Bundle"))
	}
	bundleType, _ := body.Get("type")
	if bundleType.Kind != fhirvalue.KindString || (bundleType.Str != "batch" && bundleType.Str != "transaction") {
		return h.respondError(c, errInvalid("Bundle.type must be batch or transaction"))
	}

	entriesField, _ := body.Get("entry")
	entries := entriesField.AsCollection()

	if bundleType.Str == "transaction" {
		responses, err := h.processTransaction(ctx, entries)
		if err != nil {
			return h.respondError(c, err)
		}
		return writeValue(c, http.StatusOK, NewBundle("transaction-response", nil, nil, responses))
	}

	responses := make([]fhirvalue.Value, 0, len(entries))
	for _, entry := range entries {
		responses = append(responses, h.processBatchEntry(ctx, entry))
	}
	return writeValue(c, http.StatusOK, NewBundle("batch-response", nil, nil, responses))
}

// transactionOutcome is what one successfully-applied transaction entry
// needs recorded so its lifecycle hook can fire after commit — hooks run
// outside the database transaction, the same way Store's own callers fire
// them post-commit elsewhere in this package.
type transactionOutcome struct {
	entry    fhirvalue.Value
	resource resourcestore.Resource
	created  bool
	updated  bool
	deleted  bool
	delType  string
	delID    string
	delVer   int
}

// processTransaction applies every entry inside a single
// resourcestore.Transaction, rolling back and returning an error (which
// respondError renders as the bundle-wide OperationOutcome) if any entry
// fails. On success, lifecycle hooks fire for every entry once the
// transaction has committed.
func (h *Handler) processTransaction(ctx context.Context, entries []fhirvalue.Value) ([]fhirvalue.Value, error) {
	tx, err := h.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]transactionOutcome, 0, len(entries))
	for _, entry := range entries {
		outcome, err := h.applyTransactionEntry(tx, entry)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	responses := make([]fhirvalue.Value, len(outcomes))
	for i, o := range outcomes {
		switch {
		case o.deleted:
			h.hooks.Deleted(ctx, o.delType, o.delID, o.delVer)
		case o.created:
			h.hooks.Created(ctx, o.resource)
		case o.updated:
			h.hooks.Updated(ctx, o.resource)
		}
		responses[i] = o.entry
	}
	return responses, nil
}

// applyTransactionEntry mirrors processBatchEntry's method/url dispatch but
// against a resourcestore.Transaction instead of the Store directly, and
// returns an error (instead of an error-shaped response entry) so the
// caller can roll the whole transaction back.
func (h *Handler) applyTransactionEntry(tx *resourcestore.Transaction, entry fhirvalue.Value) (transactionOutcome, error) {
	request, ok := entry.Get("request")
	if !ok || request.Kind != fhirvalue.KindObject {
		return transactionOutcome{}, errInvalid("transaction entry missing request")
	}
	methodV, _ := request.Get("method")
	urlV, _ := request.Get("url")
	method := strings.ToUpper(methodV.Str)
	target := strings.Trim(urlV.Str, "/")
	parts := strings.SplitN(target, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return transactionOutcome{}, errInvalid("invalid transaction entry url")
	}
	resourceType := parts[0]
	if !h.isServedType(resourceType) {
		return transactionOutcome{}, errNotFound("unknown resource type %s", resourceType)
	}

	body, _ := entry.Get("resource")

	switch {
	case method == http.MethodPost && len(parts) == 1:
		res, err := tx.Create(resourceType, body)
		if err != nil {
			return transactionOutcome{}, err
		}
		entry := BatchResponseEntry("201", resourceURLPath(h.baseURL, resourceType, res.ID), etag(res.VersionID), res.Document)
		return transactionOutcome{entry: entry, resource: res, created: true}, nil
	case method == http.MethodPut && len(parts) == 2:
		res, err := tx.Update(resourceType, parts[1], body, 0)
		if err != nil {
			return transactionOutcome{}, err
		}
		entry := BatchResponseEntry("200", "", etag(res.VersionID), res.Document)
		return transactionOutcome{entry: entry, resource: res, updated: true}, nil
	case method == http.MethodGet && len(parts) == 2:
		res, err := tx.Read(resourceType, parts[1])
		if err != nil {
			return transactionOutcome{}, err
		}
		entry := BatchResponseEntry("200", "", etag(res.VersionID), res.Document)
		return transactionOutcome{entry: entry}, nil
	case method == http.MethodDelete && len(parts) == 2:
		version, err := tx.Delete(resourceType, parts[1])
		if err != nil {
			return transactionOutcome{}, err
		}
		entry := BatchResponseEntry("204", "", etag(version), fhirvalue.Empty)
		return transactionOutcome{entry: entry, deleted: true, delType: resourceType, delID: parts[1], delVer: version}, nil
	default:
		return transactionOutcome{}, errNotSupported("unsupported transaction entry %s %s", method, target)
	}
}

func (h *Handler) processBatchEntry(ctx context.Context, entry fhirvalue.Value) fhirvalue.Value {
	request, ok := entry.Get("request")
	if !ok || request.Kind != fhirvalue.KindObject {
		return BatchResponseEntry("400", "", "", OperationOutcome("error", IssueInvalid, "batch entry missing request"))
	}
	methodV, _ := request.Get("method")
	urlV, _ := request.Get("url")
	method := strings.ToUpper(methodV.Str)
	target := strings.Trim(urlV.Str, "/")
	parts := strings.SplitN(target, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return BatchResponseEntry("400", "", "", OperationOutcome("error", IssueInvalid, "invalid batch entry url"))
	}
	resourceType := parts[0]
	if !h.isServedType(resourceType) {
		return BatchResponseEntry("404", "", "", OperationOutcome("error", IssueNotFound, "unknown resource type "+resourceType))
	}

	body, _ := entry.Get("resource")

	var res fhirvalue.Value
	var status string
	var location, etagValue string
	var err error

	switch {
	case method == http.MethodPost && len(parts) == 1:
		var created resourceStoreResult
		created, err = h.batchCreate(ctx, resourceType, body)
		if err == nil {
			res, status, location, etagValue = created.doc, "201", resourceURLPath(h.baseURL, resourceType, created.id), etag(created.version)
		}
	case method == http.MethodPut && len(parts) == 2:
		var updated resourceStoreResult
		updated, err = h.batchUpdate(ctx, resourceType, parts[1], body)
		if err == nil {
			res, status, etagValue = updated.doc, "200", etag(updated.version)
		}
	case method == http.MethodGet && len(parts) == 2:
		var r resourceStoreResult
		r, err = h.batchRead(ctx, resourceType, parts[1])
		if err == nil {
			res, status, etagValue = r.doc, "200", etag(r.version)
		}
	case method == http.MethodDelete && len(parts) == 2:
		var version int
		version, err = h.store.Delete(ctx, resourceType, parts[1])
		if err == nil {
			h.hooks.Deleted(ctx, resourceType, parts[1], version)
			status, etagValue = "204", etag(version)
		}
	default:
		return BatchResponseEntry("501", "", "", OperationOutcome("error", IssueNotSupported, "unsupported batch entry "+method+" "+target))
	}

	if err != nil {
		apiErr := classify(err)
		return BatchResponseEntry(httpStatusText(apiErr.Status), "", "", OperationOutcome("error", apiErr.Code, apiErr.Message))
	}
	return BatchResponseEntry(status, location, etagValue, res)
}

type resourceStoreResult struct {
	doc     fhirvalue.Value
	id      string
	version int
}

func (h *Handler) batchCreate(ctx context.Context, resourceType string, body fhirvalue.Value) (resourceStoreResult, error) {
	res, err := h.store.Create(ctx, resourceType, body)
	if err != nil {
		return resourceStoreResult{}, err
	}
	h.hooks.Created(ctx, res)
	return resourceStoreResult{doc: res.Document, id: res.ID, version: res.VersionID}, nil
}

func (h *Handler) batchUpdate(ctx context.Context, resourceType, id string, body fhirvalue.Value) (resourceStoreResult, error) {
	res, err := h.store.Update(ctx, resourceType, id, body, 0)
	if err != nil {
		return resourceStoreResult{}, err
	}
	h.hooks.Updated(ctx, res)
	return resourceStoreResult{doc: res.Document, id: res.ID, version: res.VersionID}, nil
}

func (h *Handler) batchRead(ctx context.Context, resourceType, id string) (resourceStoreResult, error) {
	res, err := h.store.Read(ctx, resourceType, id)
	if err != nil {
		return resourceStoreResult{}, err
	}
	return resourceStoreResult{doc: res.Document, id: res.ID, version: res.VersionID}, nil
}

func (h *Handler) isServedType(resourceType string) bool {
	for _, rt := range h.resourceTypes {
		if rt == resourceType {
			return true
		}
	}
	return false
}

func resourceURLPath(baseURL, resourceType, id string) string {
	return baseURL + "/" + resourceType + "/" + id
}

func httpStatusText(status int) string {
	switch status {
	case http.StatusOK:
		return "200"
	case http.StatusCreated:
		return "201"
	case http.StatusNoContent:
		return "204"
	case http.StatusBadRequest:
		return "400"
	case http.StatusNotFound:
		return "404"
	case http.StatusConflict:
		return "409"
	case http.StatusGone:
		return "410"
	case http.StatusPreconditionFailed:
		return "412"
	case http.StatusUnprocessableEntity:
		return "422"
	case http.StatusUnsupportedMediaType:
		return "415"
	case http.StatusNotImplemented:
		return "501"
	default:
		return "500"
	}
}
