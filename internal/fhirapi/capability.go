package fhirapi

import (
	"context"
	"fmt"

	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// capabilityStatement builds a dynamic CapabilityStatement by walking the
// configured resource types and listing each one's active search
// parameters from the cache, so it always reflects what the indexer and
// planner actually support rather than a hand-maintained list.
func (h *Handler) capabilityStatement(ctx context.Context) (fhirvalue.Value, error) {
	cs := fhirvalue.NewObject()
	cs.Set("resourceType", fhirvalue.NewString("CapabilityStatement"))
	cs.Set("status", fhirvalue.NewString("active"))
	cs.Set("date", fhirvalue.NewString(""))
	cs.Set("kind", fhirvalue.NewString("instance"))
	cs.Set("fhirVersion", fhirvalue.NewString(h.fhirVersion))
	cs.Set("format", fhirvalue.NewCollection(
		fhirvalue.NewString("json"),
		fhirvalue.NewString("xml"),
	))

	software := fhirvalue.NewObject()
	software.Set("name", fhirvalue.NewString("fhirserver"))
	software.Set("version", fhirvalue.NewString(h.softwareVersion))
	cs.Set("software", software)

	rest := fhirvalue.NewObject()
	rest.Set("mode", fhirvalue.NewString("server"))

	resources := make([]fhirvalue.Value, 0, len(h.resourceTypes))
	for _, rt := range h.resourceTypes {
		params, err := h.cache.ForType(ctx, rt)
		if err != nil {
			return fhirvalue.Empty, fmt.Errorf("fhirapi: load search parameters for %s: %w", rt, err)
		}
		resources = append(resources, capabilityResource(rt, params))
	}
	rest.Set("resource", fhirvalue.NewCollection(resources...))
	cs.Set("rest", fhirvalue.NewCollection(rest))
	return cs, nil
}

func capabilityResource(resourceType string, params []fhircontext.SearchParameter) fhirvalue.Value {
	res := fhirvalue.NewObject()
	res.Set("type", fhirvalue.NewString(resourceType))
	res.Set("interaction", fhirvalue.NewCollection(
		interactionCode("read"),
		interactionCode("vread"),
		interactionCode("update"),
		interactionCode("patch"),
		interactionCode("delete"),
		interactionCode("history-instance"),
		interactionCode("history-type"),
		interactionCode("create"),
		interactionCode("search-type"),
	))

	searchParams := make([]fhirvalue.Value, 0, len(params))
	for _, p := range params {
		if !p.Active {
			continue
		}
		sp := fhirvalue.NewObject()
		sp.Set("name", fhirvalue.NewString(p.Code))
		sp.Set("type", fhirvalue.NewString(string(p.Type)))
		if p.Expression != "" {
			sp.Set("definition", fhirvalue.NewString(p.Expression))
		}
		searchParams = append(searchParams, sp)
	}
	if len(searchParams) > 0 {
		res.Set("searchParam", fhirvalue.NewCollection(searchParams...))
	}
	return res
}

func interactionCode(code string) fhirvalue.Value {
	v := fhirvalue.NewObject()
	v.Set("code", fhirvalue.NewString(code))
	return v
}

// capabilityETag is a weak ETag over the server identity and its current
// search-parameter generation, so clients can cache /metadata and get a
// cheap 304-equivalent signal when parameters haven't changed (§6
// "GET /metadata with weak ETag").
func (h *Handler) capabilityETag(ctx context.Context) (string, error) {
	hash, err := h.cache.ParamsHash(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`W/"%s-%s-%s"`, h.softwareVersion, h.fhirVersion, hash), nil
}
