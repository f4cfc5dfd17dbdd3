package hooks

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirserver/internal/resourcestore"
)

type recordingHook struct {
	events []string
}

func (h *recordingHook) OnCreated(_ context.Context, r resourcestore.Resource) {
	h.events = append(h.events, "created:"+r.ID)
}
func (h *recordingHook) OnUpdated(_ context.Context, r resourcestore.Resource) {
	h.events = append(h.events, "updated:"+r.ID)
}
func (h *recordingHook) OnDeleted(_ context.Context, resourceType, id string, version int) {
	h.events = append(h.events, "deleted:"+id)
}
func (h *recordingHook) OnBatchUpdated(_ context.Context, rs []resourcestore.Resource) {
	h.events = append(h.events, "batch")
}

type panickyHook struct{}

func (panickyHook) OnCreated(context.Context, resourcestore.Resource)  { panic("boom") }
func (panickyHook) OnUpdated(context.Context, resourcestore.Resource)  {}
func (panickyHook) OnDeleted(context.Context, string, string, int)     {}
func (panickyHook) OnBatchUpdated(context.Context, []resourcestore.Resource) {}

func TestDispatcher_FiresHooksInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	first := &recordingHook{}
	second := &recordingHook{}
	d.Register(first)
	d.Register(second)

	d.Created(context.Background(), resourcestore.Resource{Type: "Patient", ID: "1"})

	assert.Equal(t, []string{"created:1"}, first.events)
	assert.Equal(t, []string{"created:1"}, second.events)
}

func TestDispatcher_IsolatesPanickingHook(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	d.Register(panickyHook{})
	survivor := &recordingHook{}
	d.Register(survivor)

	require.NotPanics(t, func() {
		d.Created(context.Background(), resourcestore.Resource{Type: "Patient", ID: "1"})
	})
	assert.Equal(t, []string{"created:1"}, survivor.events)
}
