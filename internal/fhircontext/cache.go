package fhircontext

import (
	"context"
	"fmt"
	"sync"
)

// Cache is the process-wide, short-lived search-parameter cache the
// indexer consults before evaluating FHIRPath (§4.4 step 2). It refreshes
// itself lazily whenever the stored current_hash no longer matches what it
// last saw, rather than polling on a timer.
type Cache struct {
	repo            *Repository
	compartmentRepo *CompartmentRepository
	structureRepo   *StructureRepository

	mu           sync.RWMutex
	hash         string
	byType       map[string][]SearchParameter
	elements     map[string][]ElementDefinition
	compartments []CompartmentDefinition
}

func NewCache(repo *Repository, compartmentRepo *CompartmentRepository, structureRepo *StructureRepository) *Cache {
	return &Cache{
		repo:            repo,
		compartmentRepo: compartmentRepo,
		structureRepo:   structureRepo,
		byType:          map[string][]SearchParameter{},
		elements:        map[string][]ElementDefinition{},
	}
}

// ForType returns the active search parameters for resourceType, memoized
// per hash generation; a hash change (detected lazily on access) drops the
// whole memoization table so the next lookups repopulate from Postgres.
func (c *Cache) ForType(ctx context.Context, resourceType string) ([]SearchParameter, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if sp, ok := c.byType[resourceType]; ok {
		c.mu.RUnlock()
		return sp, nil
	}
	c.mu.RUnlock()

	sp, err := c.repo.ActiveForType(ctx, resourceType)
	if err != nil {
		return nil, fmt.Errorf("load search parameters for %s: %w", resourceType, err)
	}
	c.mu.Lock()
	c.byType[resourceType] = sp
	c.mu.Unlock()
	return sp, nil
}

// Elements returns the element definitions for resourceType, memoized per
// hash generation the same way ForType memoizes search parameters.
func (c *Cache) Elements(ctx context.Context, resourceType string) ([]ElementDefinition, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if el, ok := c.elements[resourceType]; ok {
		c.mu.RUnlock()
		return el, nil
	}
	c.mu.RUnlock()

	el, err := c.structureRepo.ElementsForType(ctx, resourceType)
	if err != nil {
		return nil, fmt.Errorf("load structure elements for %s: %w", resourceType, err)
	}
	c.mu.Lock()
	c.elements[resourceType] = el
	c.mu.Unlock()
	return el, nil
}

// Compartments returns the compartment definitions, loading them once per
// hash generation.
func (c *Cache) Compartments(ctx context.Context) ([]CompartmentDefinition, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	if c.compartments != nil {
		defer c.mu.RUnlock()
		return c.compartments, nil
	}
	c.mu.RUnlock()

	defs, err := c.compartmentRepo.All(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.compartments = defs
	c.mu.Unlock()
	return defs, nil
}

// ParamsHash returns the current search_parameter_versions hash, refreshing
// the cache first if it's stale. The search indexer stamps this onto each
// resource_search_index_status row so the reindex sweep can detect drift
// (§4.4 "Reindex coverage").
func (c *Cache) ParamsHash(ctx context.Context) (string, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash, nil
}

func (c *Cache) refreshIfStale(ctx context.Context) error {
	currentHash, err := c.repo.CurrentHash(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if currentHash == c.hash {
		return nil
	}
	c.hash = currentHash
	c.byType = map[string][]SearchParameter{}
	c.elements = map[string][]ElementDefinition{}
	c.compartments = nil
	return nil
}

// Invalidate forces the next access to reload regardless of hash, used by
// CompartmentHook after it rebuilds compartment memberships from a
// CompartmentDefinition write.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hash = ""
	c.byType = map[string][]SearchParameter{}
	c.elements = map[string][]ElementDefinition{}
	c.compartments = nil
}
