package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/storage"
)

// WindowBackend is what the active-context tier requires from its
// adapter: the uniform contract plus the atomic window capability.
type WindowBackend interface {
	storage.Adapter
	storage.WindowStore
}

// ActiveContextTier (L1) keeps the most recent turns per session in a
// bounded, TTL-refreshed window. Append, trim, and TTL refresh are one
// atomic backend step, so concurrent writers to a session cannot lose
// updates or double-trim.
type ActiveContextTier struct {
	base
	backend    WindowBackend
	windowSize int
	ttl        time.Duration
}

func NewActiveContextTier(cfg config.Config, backend WindowBackend, metrics *observability.Metrics) *ActiveContextTier {
	return &ActiveContextTier{
		base:       newBase("active_context", metrics),
		backend:    backend,
		windowSize: cfg.WindowSize,
		ttl:        cfg.WindowTTL,
	}
}

// StoreTurn appends a turn to its session window.
func (t *ActiveContextTier) StoreTurn(ctx context.Context, turn model.Turn) (string, error) {
	defer t.observe("store_turn", t.now())
	if turn.SessionID == "" {
		return "", storage.NewError(storage.KindData, t.name, "store_turn",
			fmt.Errorf("turn has no session id"))
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = t.now()
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return "", storage.NewError(storage.KindData, t.name, "store_turn", err)
	}
	if err := t.backend.AppendTrim(ctx, turn.SessionID, payload, t.windowSize, t.ttl); err != nil {
		return "", err
	}
	return turn.ID, nil
}

// GetWindow returns up to limit turns, newest first, never more than the
// configured window size.
func (t *ActiveContextTier) GetWindow(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	defer t.observe("get_window", t.now())
	if limit <= 0 || limit > t.windowSize {
		limit = t.windowSize
	}
	payloads, err := t.backend.Window(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]model.Turn, 0, len(payloads))
	for _, p := range payloads {
		var turn model.Turn
		if err := json.Unmarshal(p, &turn); err != nil {
			return nil, storage.NewError(storage.KindData, t.name, "get_window", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// DropSession discards a session's window outright.
func (t *ActiveContextTier) DropSession(ctx context.Context, sessionID string) error {
	defer t.observe("drop_session", t.now())
	return t.backend.DropWindow(ctx, sessionID)
}

func (t *ActiveContextTier) Store(ctx context.Context, payload []byte) (string, error) {
	var turn model.Turn
	if err := json.Unmarshal(payload, &turn); err != nil {
		return "", storage.NewError(storage.KindData, t.name, "store", err)
	}
	return t.StoreTurn(ctx, turn)
}

func (t *ActiveContextTier) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	defer t.observe("retrieve", t.now())
	return t.backend.Retrieve(ctx, id)
}

func (t *ActiveContextTier) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	defer t.observe("query", t.now())
	turns, err := t.GetWindow(ctx, q.SessionID, q.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Record, 0, len(turns))
	for _, turn := range turns {
		payload, err := json.Marshal(turn)
		if err != nil {
			return nil, storage.NewError(storage.KindData, t.name, "query", err)
		}
		out = append(out, storage.Record{
			ID:        turn.ID,
			Payload:   payload,
			Metadata:  map[string]any{"session_id": turn.SessionID},
			CreatedAt: turn.CreatedAt,
		})
	}
	return out, nil
}

func (t *ActiveContextTier) Delete(ctx context.Context, id string) (bool, error) {
	defer t.observe("delete", t.now())
	return t.backend.Delete(ctx, id)
}

func (t *ActiveContextTier) HealthCheck(ctx context.Context) storage.Health {
	return t.backend.HealthCheck(ctx)
}

func (t *ActiveContextTier) Metrics() storage.Metrics { return t.backend.Metrics() }

// WindowSize exposes the configured bound for callers sizing reads.
func (t *ActiveContextTier) WindowSize() int { return t.windowSize }

var _ Tier = (*ActiveContextTier)(nil)
