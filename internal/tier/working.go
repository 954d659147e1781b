package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/storage"
)

// WorkingMemoryTier (L2) holds scored facts under a TTL. Facts that are
// never consolidated expire and are intentionally lost: working memory
// is provisional by design.
type WorkingMemoryTier struct {
	base
	backend storage.Adapter
	ttl     time.Duration
}

func NewWorkingMemoryTier(cfg config.Config, backend storage.Adapter, metrics *observability.Metrics) *WorkingMemoryTier {
	return &WorkingMemoryTier{
		base:    newBase("working_memory", metrics),
		backend: backend,
		ttl:     cfg.FactTTL,
	}
}

// StoreFact persists a scored fact with its TTL. The id is expected to be
// deterministic (content-derived) so promotion retries overwrite rather
// than duplicate.
func (t *WorkingMemoryTier) StoreFact(ctx context.Context, fact model.Fact, score float64) (string, error) {
	defer t.observe("store_fact", t.now())
	if fact.ID == "" {
		fact.ID = model.FactID(fact.SessionID, fact.Claim, fact.SourceTurnIDs)
	}
	now := t.now()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	fact.Score = score
	if fact.ExpiresAt.IsZero() {
		fact.ExpiresAt = now.Add(t.ttl)
	}
	payload, err := json.Marshal(fact)
	if err != nil {
		return "", storage.NewError(storage.KindData, t.name, "store_fact", err)
	}
	return t.backend.Store(ctx, storage.Record{
		ID:      fact.ID,
		Payload: payload,
		Metadata: map[string]any{
			"session_id": fact.SessionID,
			"entity":     fact.Entity,
			"score":      fact.Score,
			"expires_at": fact.ExpiresAt,
		},
		CreatedAt: fact.CreatedAt,
	})
}

// GetSignificantFacts returns a session's unexpired facts with score at
// or above minScore, sorted descending by score.
func (t *WorkingMemoryTier) GetSignificantFacts(ctx context.Context, sessionID string, minScore float64, limit int) ([]model.Fact, error) {
	defer t.observe("get_significant_facts", t.now())
	records, err := t.backend.Search(ctx, storage.Query{
		SessionID: sessionID,
		MinScore:  minScore,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	facts, err := t.decode(records)
	if err != nil {
		return nil, err
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].Score > facts[j].Score })
	return facts, nil
}

// FactsInRange returns a session's facts created in [since, until), for
// consolidation windowing.
func (t *WorkingMemoryTier) FactsInRange(ctx context.Context, sessionID string, since, until time.Time) ([]model.Fact, error) {
	defer t.observe("facts_in_range", t.now())
	records, err := t.backend.Search(ctx, storage.Query{
		SessionID: sessionID,
		Since:     since,
		Until:     until,
		Limit:     1000,
	})
	if err != nil {
		return nil, err
	}
	return t.decode(records)
}

// SessionFacts returns all live facts for a session.
func (t *WorkingMemoryTier) SessionFacts(ctx context.Context, sessionID string) ([]model.Fact, error) {
	return t.FactsInRange(ctx, sessionID, time.Time{}, time.Time{})
}

// UpdateAccess bumps access metadata. The composite score is not
// recomputed here; the next lifecycle scoring pass folds the new access
// pattern in (lazy recompute).
func (t *WorkingMemoryTier) UpdateAccess(ctx context.Context, factID string) error {
	defer t.observe("update_access", t.now())
	rec, err := t.backend.Retrieve(ctx, factID)
	if err != nil {
		return err
	}
	var fact model.Fact
	if err := json.Unmarshal(rec.Payload, &fact); err != nil {
		return storage.NewError(storage.KindData, t.name, "update_access", err)
	}
	fact.AccessCount++
	fact.LastAccessAt = t.now()
	payload, err := json.Marshal(fact)
	if err != nil {
		return storage.NewError(storage.KindData, t.name, "update_access", err)
	}
	rec.Payload = payload
	if _, err := t.backend.Store(ctx, rec); err != nil {
		return err
	}
	return nil
}

// PurgeExpired drops facts past their TTL when the backend exposes the
// capability; backends with native expiry make this a no-op.
func (t *WorkingMemoryTier) PurgeExpired(ctx context.Context) (int64, error) {
	defer t.observe("purge_expired", t.now())
	exp, ok := t.backend.(storage.Expirer)
	if !ok {
		return 0, nil
	}
	return exp.PurgeExpired(ctx, t.now())
}

func (t *WorkingMemoryTier) decode(records []storage.Record) ([]model.Fact, error) {
	facts := make([]model.Fact, 0, len(records))
	for _, rec := range records {
		var fact model.Fact
		if err := json.Unmarshal(rec.Payload, &fact); err != nil {
			return nil, storage.NewError(storage.KindData, t.name, "decode_fact", err)
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func (t *WorkingMemoryTier) Store(ctx context.Context, payload []byte) (string, error) {
	var fact model.Fact
	if err := json.Unmarshal(payload, &fact); err != nil {
		return "", storage.NewError(storage.KindData, t.name, "store", err)
	}
	if fact.Score <= 0 {
		return "", storage.NewError(storage.KindData, t.name, "store",
			fmt.Errorf("fact %q has no score", fact.ID))
	}
	return t.StoreFact(ctx, fact, fact.Score)
}

func (t *WorkingMemoryTier) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	defer t.observe("retrieve", t.now())
	return t.backend.Retrieve(ctx, id)
}

func (t *WorkingMemoryTier) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	defer t.observe("query", t.now())
	return t.backend.Search(ctx, q)
}

func (t *WorkingMemoryTier) Delete(ctx context.Context, id string) (bool, error) {
	defer t.observe("delete", t.now())
	return t.backend.Delete(ctx, id)
}

func (t *WorkingMemoryTier) HealthCheck(ctx context.Context) storage.Health {
	return t.backend.HealthCheck(ctx)
}

func (t *WorkingMemoryTier) Metrics() storage.Metrics { return t.backend.Metrics() }

var _ Tier = (*WorkingMemoryTier)(nil)
