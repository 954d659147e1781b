package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/storage"
)

// VectorBackend is the episodic tier's similarity side.
type VectorBackend interface {
	storage.Adapter
	storage.VectorIndex
}

// GraphBackend is the episodic tier's relational side.
type GraphBackend interface {
	storage.Adapter
	storage.GraphIndex
}

// EpisodicMemoryTier (L3) stores episodes under one content-derived
// identifier in both a vector index and a graph index. The dual-index
// invariant: both entries exist, or neither does. The in-band failure
// path compensates synchronously; Reconcile sweeps up what a crash
// between the two writes leaves behind.
type EpisodicMemoryTier struct {
	base
	vector VectorBackend
	graph  GraphBackend
}

func NewEpisodicMemoryTier(vector VectorBackend, graph GraphBackend, metrics *observability.Metrics) *EpisodicMemoryTier {
	return &EpisodicMemoryTier{
		base:   newBase("episodic_memory", metrics),
		vector: vector,
		graph:  graph,
	}
}

// StoreEpisode writes the episode to both backends. The deterministic id
// makes retries idempotent: re-upserting an existing episode is a no-op
// in effect. If the graph write fails after the vector write succeeded,
// the vector entry is deleted to restore the invariant; a failed
// compensation surfaces as a consistency error for the sweep to fix.
func (t *EpisodicMemoryTier) StoreEpisode(ctx context.Context, ep model.Episode) (string, error) {
	defer t.observe("store_episode", t.now())
	if len(ep.SourceFactIDs) == 0 {
		return "", storage.NewError(storage.KindData, t.name, "store_episode",
			fmt.Errorf("episode has no source facts"))
	}
	if ep.ID == "" {
		ep.ID = model.EpisodeID(ep.SourceFactIDs)
	}
	if ep.ObservedAt.IsZero() {
		ep.ObservedAt = t.now()
	}
	payload, err := json.Marshal(ep)
	if err != nil {
		return "", storage.NewError(storage.KindData, t.name, "store_episode", err)
	}

	if err := t.vector.UpsertVector(ctx, ep.ID, ep.Embedding, payload); err != nil {
		return "", err
	}
	if err := t.graph.UpsertNode(ctx, ep.ID, payload, t.edgesFor(ep)); err != nil {
		if _, delErr := t.vector.DeleteVector(ctx, ep.ID); delErr != nil {
			return "", storage.NewError(storage.KindConsistency, t.name, "store_episode",
				fmt.Errorf("graph write failed (%v) and vector compensation failed: %w", err, delErr))
		}
		return "", err
	}
	return ep.ID, nil
}

// edgesFor derives the episode's graph edges: the session covers the
// entity, and the entity is supported by the episode node.
func (t *EpisodicMemoryTier) edgesFor(ep model.Episode) []storage.GraphEdge {
	var edges []storage.GraphEdge
	if ep.SessionID != "" && ep.Entity != "" {
		edges = append(edges, storage.GraphEdge{
			EpisodeID: ep.ID, From: ep.SessionID, Relation: "covers", To: ep.Entity,
		})
	}
	if ep.Entity != "" {
		edges = append(edges, storage.GraphEdge{
			EpisodeID: ep.ID, From: ep.Entity, Relation: "supported_by", To: ep.ID,
		})
	}
	return edges
}

// SemanticSearch runs kNN over episode embeddings.
func (t *EpisodicMemoryTier) SemanticSearch(ctx context.Context, embedding []float32, k int) ([]model.Episode, error) {
	defer t.observe("semantic_search", t.now())
	records, err := t.vector.SearchVector(ctx, embedding, k)
	if err != nil {
		return nil, err
	}
	episodes := make([]model.Episode, 0, len(records))
	for _, rec := range records {
		var ep model.Episode
		if err := json.Unmarshal(rec.Payload, &ep); err != nil {
			return nil, storage.NewError(storage.KindData, t.name, "semantic_search", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// GraphTraverse walks typed edges from an entity to the given depth.
func (t *EpisodicMemoryTier) GraphTraverse(ctx context.Context, entity, relation string, depth int) ([]storage.GraphEdge, error) {
	defer t.observe("graph_traverse", t.now())
	return t.graph.Traverse(ctx, entity, relation, depth)
}

// GetEpisode reads an episode from the graph side (the vector side holds
// the same payload under the same id).
func (t *EpisodicMemoryTier) GetEpisode(ctx context.Context, id string) (model.Episode, error) {
	defer t.observe("get_episode", t.now())
	rec, err := t.graph.Retrieve(ctx, id)
	if err != nil {
		return model.Episode{}, err
	}
	var ep model.Episode
	if err := json.Unmarshal(rec.Payload, &ep); err != nil {
		return model.Episode{}, storage.NewError(storage.KindData, t.name, "get_episode", err)
	}
	return ep, nil
}

// ListEpisodes enumerates stored episodes from the graph side. Ids whose
// payload vanished mid-enumeration (a concurrent sweep) are skipped.
func (t *EpisodicMemoryTier) ListEpisodes(ctx context.Context) ([]model.Episode, error) {
	defer t.observe("list_episodes", t.now())
	ids, err := t.graph.NodeIDs(ctx)
	if err != nil {
		return nil, err
	}
	episodes := make([]model.Episode, 0, len(ids))
	for _, id := range ids {
		ep, err := t.GetEpisode(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// HasEpisode reports whether an episode exists with both index entries
// intact. Provenance validation in the semantic tier depends on this
// strict reading.
func (t *EpisodicMemoryTier) HasEpisode(ctx context.Context, id string) (bool, error) {
	if _, err := t.graph.Retrieve(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := t.vector.Retrieve(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Reconcile diffs the two id sets and deletes orphans on either side,
// restoring the dual-index invariant after a crash between writes.
// Returns the number of orphans removed.
func (t *EpisodicMemoryTier) Reconcile(ctx context.Context) (int, error) {
	defer t.observe("reconcile", t.now())
	vectorIDs, err := t.vector.VectorIDs(ctx)
	if err != nil {
		return 0, err
	}
	graphIDs, err := t.graph.NodeIDs(ctx)
	if err != nil {
		return 0, err
	}
	inGraph := make(map[string]bool, len(graphIDs))
	for _, id := range graphIDs {
		inGraph[id] = true
	}
	inVector := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		inVector[id] = true
	}

	removed := 0
	for _, id := range vectorIDs {
		if inGraph[id] {
			continue
		}
		if _, err := t.vector.DeleteVector(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	for _, id := range graphIDs {
		if inVector[id] {
			continue
		}
		if _, err := t.graph.DeleteNode(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (t *EpisodicMemoryTier) Store(ctx context.Context, payload []byte) (string, error) {
	var ep model.Episode
	if err := json.Unmarshal(payload, &ep); err != nil {
		return "", storage.NewError(storage.KindData, t.name, "store", err)
	}
	return t.StoreEpisode(ctx, ep)
}

func (t *EpisodicMemoryTier) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	defer t.observe("retrieve", t.now())
	return t.graph.Retrieve(ctx, id)
}

// Query on the episodic tier needs an embedding; the generic surface
// only serves id lookups and traversal, so it reports a query error.
func (t *EpisodicMemoryTier) Query(_ context.Context, _ storage.Query) ([]storage.Record, error) {
	return nil, storage.NewError(storage.KindQuery, t.name, "query",
		fmt.Errorf("episodic tier requires SemanticSearch or GraphTraverse"))
}

// Delete removes both index entries. Partial failure leaves a
// consistency error for the sweep.
func (t *EpisodicMemoryTier) Delete(ctx context.Context, id string) (bool, error) {
	defer t.observe("delete", t.now())
	vecDeleted, err := t.vector.DeleteVector(ctx, id)
	if err != nil {
		return false, err
	}
	graphDeleted, err := t.graph.DeleteNode(ctx, id)
	if err != nil {
		return vecDeleted, storage.NewError(storage.KindConsistency, t.name, "delete",
			fmt.Errorf("vector entry deleted but graph delete failed: %w", err))
	}
	return vecDeleted || graphDeleted, nil
}

// HealthCheck degrades when one side is down and fails only when both
// are.
func (t *EpisodicMemoryTier) HealthCheck(ctx context.Context) storage.Health {
	vec := t.vector.HealthCheck(ctx)
	graph := t.graph.HealthCheck(ctx)
	switch {
	case vec.Ok() && graph.Ok():
		return storage.Health{State: storage.Healthy, Message: "both indexes reachable"}
	case !vec.Ok() && !graph.Ok():
		return storage.Health{State: storage.Unhealthy, Message: "vector: " + vec.Message + "; graph: " + graph.Message}
	case vec.Ok():
		return storage.Health{State: storage.Degraded, Message: "graph index: " + graph.Message}
	default:
		return storage.Health{State: storage.Degraded, Message: "vector index: " + vec.Message}
	}
}

func (t *EpisodicMemoryTier) Metrics() storage.Metrics {
	vec := t.vector.Metrics()
	graph := t.graph.Metrics()
	return storage.Metrics{
		Stores:    vec.Stores + graph.Stores,
		Retrieves: vec.Retrieves + graph.Retrieves,
		Searches:  vec.Searches + graph.Searches,
		Deletes:   vec.Deletes + graph.Deletes,
		Errors:    vec.Errors + graph.Errors,
	}
}

var _ Tier = (*EpisodicMemoryTier)(nil)
