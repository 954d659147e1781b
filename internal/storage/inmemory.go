package storage

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/mnemo/internal/model"
)

func init() {
	RegisterDriver("memory", func(ctx context.Context, url string) (Adapter, error) {
		return NewInMemoryAdapter(), nil
	})
}

type windowEntry struct {
	payloads  [][]byte
	expiresAt time.Time
}

type vectorEntry struct {
	embedding []float32
	payload   []byte
}

type graphEntry struct {
	payload []byte
	edges   []GraphEdge
}

// InMemoryAdapter is an in-process backend for local runs and tests. It
// implements the full adapter contract plus every capability interface,
// so any tier can sit on top of it.
type InMemoryAdapter struct {
	mu      sync.RWMutex
	records map[string]Record
	windows map[string]*windowEntry
	vectors map[string]vectorEntry
	nodes   map[string]graphEntry
	docs    map[string]model.KnowledgeDocument

	stores    atomic.Int64
	retrieves atomic.Int64
	searches  atomic.Int64
	deletes   atomic.Int64

	// FailGraphWrites makes UpsertNode fail, for exercising dual-index
	// compensation paths in tests.
	FailGraphWrites bool

	now func() time.Time
}

func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{
		records: make(map[string]Record),
		windows: make(map[string]*windowEntry),
		vectors: make(map[string]vectorEntry),
		nodes:   make(map[string]graphEntry),
		docs:    make(map[string]model.KnowledgeDocument),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the adapter clock. Tests use it to step TTLs.
func (a *InMemoryAdapter) SetClock(now func() time.Time) { a.now = now }

func (a *InMemoryAdapter) Connect(context.Context) error    { return nil }
func (a *InMemoryAdapter) Disconnect(context.Context) error { return nil }

func (a *InMemoryAdapter) Store(_ context.Context, rec Record) (string, error) {
	a.stores.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.now()
	}
	a.records[rec.ID] = rec
	return rec.ID, nil
}

// Retrieve serves generic records first, then falls back to the
// capability stores so the same instance can back every tier the way the
// per-table adapters do in Postgres.
func (a *InMemoryAdapter) Retrieve(_ context.Context, id string) (Record, error) {
	a.retrieves.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if rec, ok := a.records[id]; ok {
		return rec, nil
	}
	if node, ok := a.nodes[id]; ok {
		return Record{ID: id, Payload: append([]byte(nil), node.payload...)}, nil
	}
	if vec, ok := a.vectors[id]; ok {
		return Record{ID: id, Payload: append([]byte(nil), vec.payload...)}, nil
	}
	if doc, ok := a.docs[id]; ok {
		payload, err := json.Marshal(doc)
		if err != nil {
			return Record{}, NewError(KindData, "memory", "retrieve", err)
		}
		return Record{ID: id, Payload: payload, CreatedAt: doc.CreatedAt}, nil
	}
	return Record{}, ErrNotFound
}

func (a *InMemoryAdapter) Search(_ context.Context, q Query) ([]Record, error) {
	a.searches.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.now()
	out := make([]Record, 0, 16)
	for _, rec := range a.records {
		if exp, ok := rec.Metadata["expires_at"].(time.Time); ok && !exp.IsZero() && !exp.After(now) {
			continue
		}
		if !matches(rec, q) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := metaScore(out[i]), metaScore(out[j])
		if si != sj {
			return si > sj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// PurgeExpired drops records whose expires_at metadata has passed.
func (a *InMemoryAdapter) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var purged int64
	for id, rec := range a.records {
		if exp, ok := rec.Metadata["expires_at"].(time.Time); ok && !exp.IsZero() && !exp.After(now) {
			delete(a.records, id)
			purged++
		}
	}
	return purged, nil
}

func matches(rec Record, q Query) bool {
	if q.SessionID != "" && metaString(rec, "session_id") != q.SessionID {
		return false
	}
	if q.Entity != "" && metaString(rec, "entity") != q.Entity {
		return false
	}
	if q.MinScore > 0 && metaScore(rec) < q.MinScore {
		return false
	}
	if !q.Since.IsZero() && rec.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !rec.CreatedAt.Before(q.Until) {
		return false
	}
	if q.Text != "" && !strings.Contains(strings.ToLower(string(rec.Payload)), strings.ToLower(q.Text)) {
		return false
	}
	return true
}

func metaString(rec Record, key string) string {
	if rec.Metadata == nil {
		return ""
	}
	s, _ := rec.Metadata[key].(string)
	return s
}

func metaScore(rec Record) float64 {
	if rec.Metadata == nil {
		return 0
	}
	f, _ := rec.Metadata["score"].(float64)
	return f
}

func (a *InMemoryAdapter) Delete(_ context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[id]; !ok {
		return false, nil
	}
	delete(a.records, id)
	return true, nil
}

func (a *InMemoryAdapter) HealthCheck(context.Context) Health {
	return Health{State: Healthy, Message: "in-memory"}
}

func (a *InMemoryAdapter) Metrics() Metrics {
	return Metrics{
		Stores:    a.stores.Load(),
		Retrieves: a.retrieves.Load(),
		Searches:  a.searches.Load(),
		Deletes:   a.deletes.Load(),
	}
}

// AppendTrim performs the window append, trim, and TTL refresh under one
// lock so concurrent writers to the same session cannot interleave.
func (a *InMemoryAdapter) AppendTrim(_ context.Context, sessionID string, payload []byte, windowSize int, ttl time.Duration) error {
	a.stores.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[sessionID]
	now := a.now()
	if w == nil || (!w.expiresAt.IsZero() && now.After(w.expiresAt)) {
		w = &windowEntry{}
		a.windows[sessionID] = w
	}
	// Newest-first, like LPUSH.
	w.payloads = append([][]byte{payload}, w.payloads...)
	if windowSize > 0 && len(w.payloads) > windowSize {
		w.payloads = w.payloads[:windowSize]
	}
	if ttl > 0 {
		w.expiresAt = now.Add(ttl)
	}
	return nil
}

func (a *InMemoryAdapter) Window(_ context.Context, sessionID string, limit int) ([][]byte, error) {
	a.retrieves.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	w := a.windows[sessionID]
	if w == nil {
		return nil, nil
	}
	if !w.expiresAt.IsZero() && a.now().After(w.expiresAt) {
		return nil, nil
	}
	n := len(w.payloads)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte(nil), w.payloads[i]...)
	}
	return out, nil
}

func (a *InMemoryAdapter) DropWindow(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, sessionID)
	return nil
}

func (a *InMemoryAdapter) UpsertVector(_ context.Context, id string, embedding []float32, payload []byte) error {
	a.stores.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vectors[id] = vectorEntry{
		embedding: append([]float32(nil), embedding...),
		payload:   append([]byte(nil), payload...),
	}
	return nil
}

func (a *InMemoryAdapter) SearchVector(_ context.Context, embedding []float32, k int) ([]Record, error) {
	a.searches.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	type scored struct {
		id  string
		sim float64
	}
	ranked := make([]scored, 0, len(a.vectors))
	for id, v := range a.vectors {
		ranked = append(ranked, scored{id: id, sim: cosine(embedding, v.embedding)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]Record, 0, len(ranked))
	for _, r := range ranked {
		v := a.vectors[r.id]
		out = append(out, Record{
			ID:       r.id,
			Payload:  append([]byte(nil), v.payload...),
			Metadata: map[string]any{"score": r.sim},
		})
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (a *InMemoryAdapter) VectorIDs(context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.vectors))
	for id := range a.vectors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (a *InMemoryAdapter) DeleteVector(_ context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.vectors[id]; !ok {
		return false, nil
	}
	delete(a.vectors, id)
	return true, nil
}

func (a *InMemoryAdapter) UpsertNode(_ context.Context, id string, payload []byte, edges []GraphEdge) error {
	if a.FailGraphWrites {
		return NewError(KindConnection, "memory", "upsert_node", context.DeadlineExceeded)
	}
	a.stores.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[id] = graphEntry{
		payload: append([]byte(nil), payload...),
		edges:   append([]GraphEdge(nil), edges...),
	}
	return nil
}

func (a *InMemoryAdapter) Traverse(_ context.Context, entity, relation string, depth int) ([]GraphEdge, error) {
	a.searches.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if depth <= 0 {
		depth = 1
	}
	frontier := map[string]bool{entity: true}
	seen := map[string]bool{}
	var out []GraphEdge
	for d := 0; d < depth; d++ {
		next := map[string]bool{}
		for _, node := range a.nodes {
			for _, e := range node.edges {
				if !frontier[e.From] {
					continue
				}
				if relation != "" && e.Relation != relation {
					continue
				}
				key := e.From + "|" + e.Relation + "|" + e.To
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, e)
				next[e.To] = true
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	return out, nil
}

func (a *InMemoryAdapter) NodeIDs(context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.nodes))
	for id := range a.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (a *InMemoryAdapter) DeleteNode(_ context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.nodes[id]; !ok {
		return false, nil
	}
	delete(a.nodes, id)
	return true, nil
}

func (a *InMemoryAdapter) IndexDocument(_ context.Context, id string, doc model.KnowledgeDocument) error {
	a.stores.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.docs[id] = doc
	return nil
}

func (a *InMemoryAdapter) SearchText(_ context.Context, text string, filters map[string]string, limit int) ([]model.KnowledgeDocument, error) {
	a.searches.Add(1)
	a.mu.RLock()
	defer a.mu.RUnlock()
	needle := strings.ToLower(text)
	out := make([]model.KnowledgeDocument, 0, 8)
	for _, doc := range a.docs {
		if needle != "" && !strings.Contains(strings.ToLower(doc.Content), needle) &&
			!strings.Contains(strings.ToLower(doc.Entity), needle) {
			continue
		}
		if t, ok := filters["type"]; ok && t != "" && string(doc.Type) != t {
			continue
		}
		if e, ok := filters["entity"]; ok && e != "" && doc.Entity != e {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Adapter     = (*InMemoryAdapter)(nil)
	_ WindowStore = (*InMemoryAdapter)(nil)
	_ VectorIndex = (*InMemoryAdapter)(nil)
	_ GraphIndex  = (*InMemoryAdapter)(nil)
	_ Expirer     = (*InMemoryAdapter)(nil)
	_ TextIndex   = (*InMemoryAdapter)(nil)
)
