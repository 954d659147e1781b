package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/genai"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/reliability"
	"github.com/antoniostano/mnemo/internal/telemetry"
	"github.com/antoniostano/mnemo/internal/tier"
)

// ConsolidationEngine folds working-memory facts into episodic
// summaries. Facts are bucketed per session and entity into fixed time
// windows; only closed windows are consolidated, and windows below the
// minimum fact count are deferred to a later pass. The episode id is
// derived from the source fact set, so retries upsert the same episode.
type ConsolidationEngine struct {
	logger       *slog.Logger
	working      *tier.WorkingMemoryTier
	episodic     *tier.EpisodicMemoryTier
	primary      genai.Generator
	fallback     genai.Generator
	embedder     genai.Embedder
	hashEmbedder genai.Embedder
	breaker      *reliability.Breaker
	window       time.Duration
	minFacts     int
	metrics      *observability.Metrics
	sink         telemetry.Sink
	retries      *retryTracker
	now          func() time.Time
}

func NewConsolidationEngine(
	cfg config.Config,
	working *tier.WorkingMemoryTier,
	episodic *tier.EpisodicMemoryTier,
	generator genai.Generator,
	embedder genai.Embedder,
	metrics *observability.Metrics,
	sink telemetry.Sink,
	logger *slog.Logger,
) *ConsolidationEngine {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = genai.NewHashEmbedder(cfg.EmbeddingDim)
	}
	return &ConsolidationEngine{
		logger:       logger.With("engine", "consolidation"),
		working:      working,
		episodic:     episodic,
		primary:      generator,
		fallback:     genai.NewHeuristicGenerator(),
		embedder:     embedder,
		hashEmbedder: genai.NewHashEmbedder(cfg.EmbeddingDim),
		breaker:      reliability.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
		window:       cfg.ConsolidationWindow,
		minFacts:     cfg.MinFactCount,
		metrics:      metrics,
		sink:         sink,
		retries:      newRetryTracker(cfg.ConsolidationInterval, 6*time.Hour),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock for tests.
func (e *ConsolidationEngine) SetClock(now func() time.Time) { e.now = now }

// factWindow is one consolidation unit: a session's facts about one
// entity inside one time window.
type factWindow struct {
	session string
	entity  string
	start   time.Time
	facts   []model.Fact
}

func (w factWindow) key() string {
	return w.session + "|" + w.entity + "|" + w.start.Format(time.RFC3339)
}

// RunCycle consolidates closed windows across the given sessions.
func (e *ConsolidationEngine) RunCycle(ctx context.Context, sessions []string) CycleOutcome {
	if e.metrics != nil {
		e.metrics.CycleRuns.WithLabelValues("consolidation").Inc()
	}
	var out CycleOutcome
	if purged, err := e.working.PurgeExpired(ctx); err != nil {
		e.logger.Warn("expired fact purge failed", "error", err)
	} else if purged > 0 {
		e.logger.Info("expired facts purged", "count", purged)
	}

	for _, session := range sessions {
		if ctx.Err() != nil {
			return out
		}
		facts, err := e.working.SessionFacts(ctx, session)
		if err != nil {
			out.Failed++
			if e.metrics != nil {
				e.metrics.CycleFailures.WithLabelValues("consolidation").Inc()
			}
			e.logger.Warn("fact listing failed", "session_id", session, "error", err)
			continue
		}
		for _, w := range e.bucket(session, facts) {
			out.Scanned += len(w.facts)
			res := e.consolidateWindow(ctx, w)
			out.add(res)
		}
	}
	return out
}

// bucket groups facts by entity and window start, keeping only windows
// that have closed.
func (e *ConsolidationEngine) bucket(session string, facts []model.Fact) []factWindow {
	now := e.now()
	byKey := make(map[string]*factWindow)
	for _, f := range facts {
		start := f.CreatedAt.Truncate(e.window)
		if start.Add(e.window).After(now) {
			continue // window still open
		}
		key := f.Entity + "|" + start.Format(time.RFC3339)
		w, ok := byKey[key]
		if !ok {
			w = &factWindow{session: session, entity: f.Entity, start: start}
			byKey[key] = w
		}
		w.facts = append(w.facts, f)
	}
	windows := make([]factWindow, 0, len(byKey))
	for _, w := range byKey {
		sort.Slice(w.facts, func(i, j int) bool { return w.facts[i].CreatedAt.Before(w.facts[j].CreatedAt) })
		windows = append(windows, *w)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].key() < windows[j].key() })
	return windows
}

func (e *ConsolidationEngine) consolidateWindow(ctx context.Context, w factWindow) CycleOutcome {
	var out CycleOutcome
	if len(w.facts) < e.minFacts {
		out.Skipped++
		return out
	}
	if !e.retries.allowed(w.key(), e.now()) {
		out.Skipped++
		return out
	}

	ids := make([]string, len(w.facts))
	for i, f := range w.facts {
		ids[i] = f.ID
	}
	sort.Strings(ids)
	episodeID := model.EpisodeID(ids)

	exists, err := e.episodic.HasEpisode(ctx, episodeID)
	if err == nil && exists {
		out.Skipped++
		e.retries.succeeded(w.key())
		return out
	}

	summary, provenance := e.summarize(ctx, w.facts)
	embedding, err := e.embedder.Embed(ctx, summary)
	if err != nil {
		e.logger.Warn("embedding failed, using hash embedding", "error", err)
		embedding, _ = e.hashEmbedder.Embed(ctx, summary)
	}

	episode := model.Episode{
		ID:            episodeID,
		SessionID:     w.session,
		Entity:        w.entity,
		Summary:       summary,
		Provenance:    provenance,
		SourceFactIDs: ids,
		ValidFrom:     w.facts[0].CreatedAt,
		ValidTo:       w.facts[len(w.facts)-1].CreatedAt,
		ObservedAt:    e.now(),
		Embedding:     embedding,
	}
	if _, err := e.episodic.StoreEpisode(ctx, episode); err != nil {
		out.Failed++
		e.retries.failed(w.key(), e.now())
		if e.metrics != nil {
			e.metrics.CycleFailures.WithLabelValues("consolidation").Inc()
		}
		e.logger.Warn("episode store failed",
			"session_id", w.session, "entity", w.entity, "error", err)
		return out
	}

	out.Produced++
	e.retries.succeeded(w.key())
	if e.metrics != nil {
		e.metrics.EpisodesCreated.WithLabelValues(string(provenance)).Inc()
	}
	e.sink.Emit(telemetry.Event{
		Type:      telemetry.EventEpisodeConsolidated,
		SessionID: w.session,
		Fields: map[string]any{
			"episode_id": episodeID,
			"entity":     w.entity,
			"fact_count": len(w.facts),
			"window":     w.start.Format(time.RFC3339),
			"provenance": string(provenance),
		},
	})
	return out
}

// summarize runs the summary through the breaker-guarded generator; the
// fallback always produces something, so no window is lost to a
// collaborator outage.
func (e *ConsolidationEngine) summarize(ctx context.Context, facts []model.Fact) (string, model.Provenance) {
	if e.primary != nil && e.breaker.Allow() {
		prev := e.breaker.State()
		summary, err := e.primary.Summarize(ctx, facts)
		if err == nil && summary != "" {
			e.breaker.RecordSuccess()
			observeBreaker(e.metrics, prev, e.breaker.State())
			return summary, e.primary.Provenance()
		}
		if err == nil {
			err = fmt.Errorf("%w: empty summary", genai.ErrSchema)
		}
		if genai.IsFailure(err) {
			e.breaker.RecordFailure()
			observeBreaker(e.metrics, prev, e.breaker.State())
		}
		e.logger.Warn("summarize failed, using heuristic fallback",
			"breaker", string(e.breaker.State()), "error", err)
	}
	summary, _ := e.fallback.Summarize(ctx, facts)
	return summary, e.fallback.Provenance()
}
