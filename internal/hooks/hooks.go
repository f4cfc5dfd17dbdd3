// Package hooks implements post-commit lifecycle dispatch (§4.9): after a
// create/update/delete commits, registered ResourceHooks run in
// registration order. A hook failure is logged and isolated — it never
// unwinds the commit it followed. Grounded on the teacher's
// ResourceEventListener/VersionTracker.fireEvent pattern
// (internal/platform/fhir/version_tracker.go), generalized from the
// teacher's single create/update/delete/fireEvent shape into the
// broader on_created/on_updated/on_deleted/on_batch_updated dispatch
// this system's write path needs.
package hooks

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/resourcestore"
)

// ResourceHook is notified of committed resource mutations.
type ResourceHook interface {
	OnCreated(ctx context.Context, r resourcestore.Resource)
	OnUpdated(ctx context.Context, r resourcestore.Resource)
	OnDeleted(ctx context.Context, resourceType, id string, version int)
	OnBatchUpdated(ctx context.Context, rs []resourcestore.Resource)
}

// Dispatcher holds the registered hooks and fires them in registration
// order after a successful commit.
type Dispatcher struct {
	mu    sync.RWMutex
	hooks []ResourceHook
	log   zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log.With().Str("component", "hooks").Logger()}
}

// Register adds a hook; hooks fire in the order they were registered.
func (d *Dispatcher) Register(h ResourceHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

func (d *Dispatcher) snapshot() []ResourceHook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ResourceHook, len(d.hooks))
	copy(out, d.hooks)
	return out
}

// Created fires OnCreated on every registered hook, isolating panics and
// logging errors rather than propagating them to the caller — the
// commit this follows has already succeeded.
func (d *Dispatcher) Created(ctx context.Context, r resourcestore.Resource) {
	for _, h := range d.snapshot() {
		d.safeCall(ctx, "on_created", r.Type, r.ID, func() { h.OnCreated(ctx, r) })
	}
}

func (d *Dispatcher) Updated(ctx context.Context, r resourcestore.Resource) {
	for _, h := range d.snapshot() {
		d.safeCall(ctx, "on_updated", r.Type, r.ID, func() { h.OnUpdated(ctx, r) })
	}
}

func (d *Dispatcher) Deleted(ctx context.Context, resourceType, id string, version int) {
	for _, h := range d.snapshot() {
		d.safeCall(ctx, "on_deleted", resourceType, id, func() { h.OnDeleted(ctx, resourceType, id, version) })
	}
}

func (d *Dispatcher) BatchUpdated(ctx context.Context, rs []resourcestore.Resource) {
	for _, h := range d.snapshot() {
		d.safeCall(ctx, "on_batch_updated", "", "", func() { h.OnBatchUpdated(ctx, rs) })
	}
}

// safeCall isolates a single hook invocation: a panic or the hook doing
// its own error logging never stops the remaining hooks from running.
func (d *Dispatcher) safeCall(ctx context.Context, event, resourceType, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("event", event).
				Str("resource_type", resourceType).
				Str("id", id).
				Interface("panic", r).
				Msg("lifecycle hook panicked")
		}
	}()
	fn()
}
