package searchindex

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/resourcestore"
)

// ReindexHook adapts an Indexer to internal/hooks.ResourceHook, so a write
// is indexed right after its transaction commits (§4.9) rather than inside
// the store's own write transaction: a write succeeds even if indexing it
// fails. A failure here is logged, and the resource falls behind until the
// next reindex sweep picks it up (§4.4 "Reindex coverage").
type ReindexHook struct {
	indexer *Indexer
	log     zerolog.Logger
}

func NewReindexHook(indexer *Indexer, log zerolog.Logger) *ReindexHook {
	return &ReindexHook{indexer: indexer, log: log.With().Str("component", "searchindex.reindex_hook").Logger()}
}

func (h *ReindexHook) OnCreated(ctx context.Context, r resourcestore.Resource) { h.index(ctx, r) }
func (h *ReindexHook) OnUpdated(ctx context.Context, r resourcestore.Resource) { h.index(ctx, r) }

// OnDeleted reindexes the tombstone version against an empty document,
// which produces no index rows — a deleted resource never matches a search.
func (h *ReindexHook) OnDeleted(ctx context.Context, resourceType, id string, version int) {
	if err := h.indexer.IndexResource(ctx, resourceType, id, version, fhirvalue.Empty); err != nil {
		h.log.Error().Err(err).Str("resource_type", resourceType).Str("id", id).Int("version", version).
			Msg("failed to clear index for deleted resource")
	}
}

func (h *ReindexHook) OnBatchUpdated(ctx context.Context, rs []resourcestore.Resource) {
	for _, r := range rs {
		h.index(ctx, r)
	}
}

func (h *ReindexHook) index(ctx context.Context, r resourcestore.Resource) {
	if err := h.indexer.IndexResource(ctx, r.Type, r.ID, r.VersionID, r.Document); err != nil {
		h.log.Error().Err(err).Str("resource_type", r.Type).Str("id", r.ID).Int("version", r.VersionID).
			Msg("failed to index resource")
	}
}
