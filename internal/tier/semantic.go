package tier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/storage"
)

// TextBackend is what the semantic tier requires from its adapter.
type TextBackend interface {
	storage.Adapter
	storage.TextIndex
}

// EpisodeResolver checks that a provenance id points at a real episode.
// The episodic tier implements it.
type EpisodeResolver interface {
	HasEpisode(ctx context.Context, id string) (bool, error)
}

// SemanticMemoryTier (L4) stores distilled knowledge documents, indexed
// for full-text and faceted search. Provenance is validated against
// episodic memory before the write, not best-effort after it.
type SemanticMemoryTier struct {
	base
	backend  TextBackend
	episodes EpisodeResolver
}

func NewSemanticMemoryTier(backend TextBackend, episodes EpisodeResolver, metrics *observability.Metrics) *SemanticMemoryTier {
	return &SemanticMemoryTier{
		base:     newBase("semantic_memory", metrics),
		backend:  backend,
		episodes: episodes,
	}
}

// StoreKnowledge validates the document's provenance and indexes it. An
// empty provenance list or a dangling episode id is a data error; the
// document is rejected, never written half-validated.
func (t *SemanticMemoryTier) StoreKnowledge(ctx context.Context, doc model.KnowledgeDocument) (string, error) {
	defer t.observe("store_knowledge", t.now())
	if len(doc.EpisodeIDs) == 0 {
		return "", storage.NewError(storage.KindData, t.name, "store_knowledge",
			fmt.Errorf("knowledge document has empty provenance"))
	}
	for _, id := range doc.EpisodeIDs {
		ok, err := t.episodes.HasEpisode(ctx, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", storage.NewError(storage.KindData, t.name, "store_knowledge",
				fmt.Errorf("provenance episode %q does not resolve", id))
		}
	}
	if doc.ID == "" {
		doc.ID = model.DocumentID(doc.Type, doc.Entity, doc.EpisodeIDs)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = t.now()
	}
	if err := t.backend.IndexDocument(ctx, doc.ID, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// Search runs full-text plus facet filtering over the document index.
func (t *SemanticMemoryTier) Search(ctx context.Context, query string, filters map[string]string, limit int) ([]model.KnowledgeDocument, error) {
	defer t.observe("search", t.now())
	return t.backend.SearchText(ctx, query, filters, limit)
}

func (t *SemanticMemoryTier) Store(ctx context.Context, payload []byte) (string, error) {
	var doc model.KnowledgeDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", storage.NewError(storage.KindData, t.name, "store", err)
	}
	return t.StoreKnowledge(ctx, doc)
}

func (t *SemanticMemoryTier) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	defer t.observe("retrieve", t.now())
	return t.backend.Retrieve(ctx, id)
}

func (t *SemanticMemoryTier) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	defer t.observe("query", t.now())
	return t.backend.Search(ctx, q)
}

func (t *SemanticMemoryTier) Delete(ctx context.Context, id string) (bool, error) {
	defer t.observe("delete", t.now())
	return t.backend.Delete(ctx, id)
}

func (t *SemanticMemoryTier) HealthCheck(ctx context.Context) storage.Health {
	return t.backend.HealthCheck(ctx)
}

func (t *SemanticMemoryTier) Metrics() storage.Metrics { return t.backend.Metrics() }

var _ Tier = (*SemanticMemoryTier)(nil)
