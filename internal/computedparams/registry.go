// Package computedparams implements the computed-parameter hook registry
// (§4.6): a lookup of (resource_type, parameter_code) to an IndexHook and/or
// QueryHook that bypasses the general FHIRPath-driven indexer/planner path
// for parameters that can't be expressed as a single expression (age,
// derived totals, and similar). Grounded on the teacher's handler
// registration idiom (domain services register themselves into a routing
// table keyed by name, e.g. internal/platform/fhir's RegisterFetcher in
// cmd/ehr-server/main.go), generalized from string-keyed fetchers to a
// typed hook pair.
package computedparams

import (
	"context"

	"github.com/ehr/fhirserver/internal/searchindex"
)

// IndexHook is an alias of searchindex.IndexHook, so hooks registered here
// satisfy the indexer's interface directly.
type IndexHook = searchindex.IndexHook

// ResolvedParam is the minimal shape a QueryHook needs to hand back:
// enough for the planner to resolve it the same way it resolves a normal
// stored parameter (§4.5 "Resolution").
type ResolvedParam struct {
	Name     string
	Modifier string
	Prefix   string
	Values   []string
}

// QueryHook rewrites an incoming parameter's raw values into one or more
// ResolvedParams against underlying stored parameters (§4.6 "QueryHook").
type QueryHook interface {
	Resolve(ctx context.Context, resourceType, code string, values []string) ([]ResolvedParam, error)
}

type hookPair struct {
	index IndexHook
	query QueryHook
}

// Registry holds the (resourceType, code) -> {IndexHook, QueryHook} table.
type Registry struct {
	hooks map[string]hookPair
}

func NewRegistry() *Registry {
	return &Registry{hooks: map[string]hookPair{}}
}

func key(resourceType, code string) string { return resourceType + "|" + code }

// RegisterIndexHook binds an IndexHook for (resourceType, code).
func (r *Registry) RegisterIndexHook(resourceType, code string, h IndexHook) {
	k := key(resourceType, code)
	p := r.hooks[k]
	p.index = h
	r.hooks[k] = p
}

// RegisterQueryHook binds a QueryHook for (resourceType, code).
func (r *Registry) RegisterQueryHook(resourceType, code string, h QueryHook) {
	k := key(resourceType, code)
	p := r.hooks[k]
	p.query = h
	r.hooks[k] = p
}

// IndexHookFor implements searchindex.HookRegistry.
func (r *Registry) IndexHookFor(resourceType, code string) (searchindex.IndexHook, bool) {
	p, ok := r.hooks[key(resourceType, code)]
	if !ok || p.index == nil {
		return nil, false
	}
	return p.index, true
}

// QueryHookFor returns the registered QueryHook for (resourceType, code),
// consulted by the planner during parameter resolution (§4.5 "If a
// computed-parameter query hook matches, invoke it").
func (r *Registry) QueryHookFor(resourceType, code string) (QueryHook, bool) {
	p, ok := r.hooks[key(resourceType, code)]
	if !ok || p.query == nil {
		return nil, false
	}
	return p.query, true
}
