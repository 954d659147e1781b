package storage

import (
	"context"
	"time"

	"github.com/antoniostano/mnemo/internal/model"
)

// Record is what an adapter hands back: an id, an opaque payload, and the
// write timestamp. Tiers decode payloads into their own entities.
type Record struct {
	ID        string         `json:"id"`
	Payload   []byte         `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query is the common search surface across backends. Backends ignore
// fields they cannot serve.
type Query struct {
	SessionID string
	Entity    string
	Text      string
	MinScore  float64
	Since     time.Time
	Until     time.Time
	Limit     int
}

// HealthState mirrors the three-level operational model used for both
// adapters and tiers.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// Health describes one component's operational state.
type Health struct {
	State   HealthState    `json:"state"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (h Health) Ok() bool { return h.State == Healthy }

// Metrics is the small counter surface every adapter exposes.
type Metrics struct {
	Stores    int64 `json:"stores"`
	Retrieves int64 `json:"retrieves"`
	Searches  int64 `json:"searches"`
	Deletes   int64 `json:"deletes"`
	Errors    int64 `json:"errors"`
}

// Adapter is the uniform contract every concrete backend implements. Any
// backend satisfying it is pluggable per tier.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Store(ctx context.Context, rec Record) (string, error)
	Retrieve(ctx context.Context, id string) (Record, error)
	Search(ctx context.Context, q Query) ([]Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	HealthCheck(ctx context.Context) Health
	Metrics() Metrics
}

// WindowStore is the capability the active-context tier requires: an
// atomic append+trim+TTL-refresh on a per-session ordered window.
type WindowStore interface {
	AppendTrim(ctx context.Context, sessionID string, payload []byte, windowSize int, ttl time.Duration) error
	Window(ctx context.Context, sessionID string, limit int) ([][]byte, error)
	DropWindow(ctx context.Context, sessionID string) error
}

// VectorIndex is the similarity-search capability the episodic tier
// requires from its vector backend.
type VectorIndex interface {
	UpsertVector(ctx context.Context, id string, embedding []float32, payload []byte) error
	SearchVector(ctx context.Context, embedding []float32, k int) ([]Record, error)
	VectorIDs(ctx context.Context) ([]string, error)
	DeleteVector(ctx context.Context, id string) (bool, error)
}

// GraphEdge is one typed relation between two entities, anchored to the
// episode that asserted it.
type GraphEdge struct {
	EpisodeID string `json:"episode_id"`
	From      string `json:"from"`
	Relation  string `json:"relation"`
	To        string `json:"to"`
}

// GraphIndex is the traversal capability the episodic tier requires from
// its graph backend.
type GraphIndex interface {
	UpsertNode(ctx context.Context, id string, payload []byte, edges []GraphEdge) error
	Traverse(ctx context.Context, entity, relation string, depth int) ([]GraphEdge, error)
	NodeIDs(ctx context.Context) ([]string, error)
	DeleteNode(ctx context.Context, id string) (bool, error)
}

// Expirer is the lazy-TTL capability: backends without native expiry
// expose a purge that lifecycle passes invoke.
type Expirer interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// TextIndex is the full-text + facet capability the semantic tier
// requires.
type TextIndex interface {
	IndexDocument(ctx context.Context, id string, doc model.KnowledgeDocument) error
	SearchText(ctx context.Context, text string, filters map[string]string, limit int) ([]model.KnowledgeDocument, error)
}
