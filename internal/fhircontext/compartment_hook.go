package fhircontext

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/fhirpath"
	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/resourcestore"
)

// compartmentRulesExpr finds every BackboneElement in a CompartmentDefinition
// document that looks like a `resource[]` entry (has both `code` and
// `param`) without assuming it only ever lives at the top-level `resource`
// path — the same descendants()/children() walk original_source's
// compartment-definition rebuild used, rather than a hand-coded `.resource`
// accessor (SPEC_FULL.md supplemented feature #2).
const compartmentRulesExpr = "descendants().where(code.exists() and param.exists())"

var compartmentRulesPlan = func() *fhirpath.Plan {
	plan, err := fhirpath.Compile(compartmentRulesExpr, "CompartmentDefinition", fhirpath.ModeLenient)
	if err != nil {
		panic(fmt.Sprintf("fhircontext: compile compartment rules expression: %v", err))
	}
	return plan
}()

// CompartmentHook adapts the write side of compartment membership to
// internal/hooks.ResourceHook (§4.9 "the compartment-definition hook
// rebuilds compartment_memberships whenever a CompartmentDefinition is
// written"). It replaces every rule attributed to one CompartmentDefinition
// resource's compartment code on every create/update, so edits and
// deletions of individual resource-type entries are reflected without
// leaving stale rows behind.
type CompartmentHook struct {
	pool  db.Queryable
	cache *Cache
	log   zerolog.Logger
}

func NewCompartmentHook(pool db.Queryable, cache *Cache, log zerolog.Logger) *CompartmentHook {
	return &CompartmentHook{pool: pool, cache: cache, log: log.With().Str("component", "fhircontext.compartment_hook").Logger()}
}

func (h *CompartmentHook) OnCreated(ctx context.Context, r resourcestore.Resource) { h.rebuild(ctx, r) }
func (h *CompartmentHook) OnUpdated(ctx context.Context, r resourcestore.Resource) { h.rebuild(ctx, r) }

// OnDeleted can't rebuild anything: the dispatcher's on_deleted event only
// carries type/id/version, not the deleted document, so the compartment
// code that definition owned is unknown here. Its rows stay in
// compartment_memberships until another CompartmentDefinition write for
// the same code clears and replaces them.
func (h *CompartmentHook) OnDeleted(ctx context.Context, resourceType, id string, version int) {
	if resourceType != "CompartmentDefinition" {
		return
	}
	h.log.Warn().Str("id", id).
		Msg("CompartmentDefinition deleted; its compartment_memberships rows are not retracted")
}

func (h *CompartmentHook) OnBatchUpdated(ctx context.Context, rs []resourcestore.Resource) {
	for _, r := range rs {
		h.rebuild(ctx, r)
	}
}

func (h *CompartmentHook) rebuild(ctx context.Context, r resourcestore.Resource) {
	if r.Type != "CompartmentDefinition" {
		return
	}
	if err := h.rebuildDefinition(ctx, r.ID, r.Document); err != nil {
		h.log.Error().Err(err).Str("id", r.ID).Msg("failed to rebuild compartment rules")
		return
	}
	h.cache.Invalidate()
}

// rebuildDefinition replaces every rule under doc's compartment code with
// the rules freshly extracted from it. CompartmentDefinition.code (e.g.
// "Patient") is itself the compartment_type key, so this clears and
// re-inserts by that code rather than by definitionID.
func (h *CompartmentHook) rebuildDefinition(ctx context.Context, definitionID string, doc fhirvalue.Value) error {
	compartmentType, rules, err := extractCompartmentRules(doc)
	if err != nil {
		return fmt.Errorf("extract compartment rules: %w", err)
	}
	if compartmentType == "" {
		h.log.Warn().Str("id", definitionID).Msg("CompartmentDefinition has no code; skipping rebuild")
		return nil
	}

	if _, err := h.pool.Exec(ctx, `
		DELETE FROM compartment_memberships WHERE compartment_type = $1`, compartmentType); err != nil {
		return fmt.Errorf("clear stale compartment rules: %w", err)
	}

	for _, rule := range rules {
		if _, err := h.pool.Exec(ctx, `
			INSERT INTO compartment_memberships (compartment_type, resource_type, parameter_names)
			VALUES ($1, $2, $3)
			ON CONFLICT (compartment_type, resource_type)
			DO UPDATE SET parameter_names = EXCLUDED.parameter_names`,
			compartmentType, rule.ResourceType, rule.Params); err != nil {
			return fmt.Errorf("upsert compartment rule %s/%s: %w", compartmentType, rule.ResourceType, err)
		}
	}
	return nil
}

// extractCompartmentRules walks doc with compartmentRulesPlan to find each
// `resource[]`-shaped entry and pulls its code/param fields directly (the
// FHIRPath walk finds the entries; ordinary field access reads them once
// found).
func extractCompartmentRules(doc fhirvalue.Value) (string, []CompartmentDefinition, error) {
	codeField, _ := doc.Get("code")
	compartmentType := ""
	if single, ok := fhirvalue.Single(codeField); ok && single.Kind == fhirvalue.KindString {
		compartmentType = single.Str
	}

	entries, err := fhirpath.Evaluate(compartmentRulesPlan, &fhirpath.EvalContext{Resource: doc})
	if err != nil {
		return "", nil, err
	}

	var rules []CompartmentDefinition
	for _, entry := range entries.AsCollection() {
		resourceTypeField, _ := entry.Get("code")
		resourceType := ""
		if single, ok := fhirvalue.Single(resourceTypeField); ok && single.Kind == fhirvalue.KindString {
			resourceType = single.Str
		}
		if resourceType == "" {
			continue
		}

		paramField, _ := entry.Get("param")
		var params []string
		for _, p := range paramField.AsCollection() {
			if p.Kind == fhirvalue.KindString {
				params = append(params, p.Str)
			}
		}

		rules = append(rules, CompartmentDefinition{
			CompartmentType: compartmentType,
			ResourceType:    resourceType,
			Params:          params,
		})
	}
	return compartmentType, rules, nil
}
