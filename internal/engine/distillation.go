package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/genai"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/reliability"
	"github.com/antoniostano/mnemo/internal/storage"
	"github.com/antoniostano/mnemo/internal/telemetry"
	"github.com/antoniostano/mnemo/internal/tier"
)

// DistillationEngine synthesizes knowledge documents from recurring
// episode patterns. Episodes are grouped by entity; groups below the
// minimum support count are deferred, never force-distilled. Document
// confidence blends pattern support with the generator's certainty so
// the same inputs always yield the same confidence.
type DistillationEngine struct {
	logger      *slog.Logger
	episodic    *tier.EpisodicMemoryTier
	semantic    *tier.SemanticMemoryTier
	primary     genai.Generator
	fallback    genai.Generator
	breaker     *reliability.Breaker
	minEpisodes int
	metrics     *observability.Metrics
	sink        telemetry.Sink
	retries     *retryTracker
	now         func() time.Time
}

func NewDistillationEngine(
	cfg config.Config,
	episodic *tier.EpisodicMemoryTier,
	semantic *tier.SemanticMemoryTier,
	generator genai.Generator,
	metrics *observability.Metrics,
	sink telemetry.Sink,
	logger *slog.Logger,
) *DistillationEngine {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DistillationEngine{
		logger:      logger.With("engine", "distillation"),
		episodic:    episodic,
		semantic:    semantic,
		primary:     generator,
		fallback:    genai.NewHeuristicGenerator(),
		breaker:     reliability.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
		minEpisodes: cfg.MinEpisodeCount,
		metrics:     metrics,
		sink:        sink,
		retries:     newRetryTracker(cfg.DistillationInterval, 48*time.Hour),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock for tests.
func (e *DistillationEngine) SetClock(now func() time.Time) { e.now = now }

// RunCycle scans all episodes, groups them by entity, and distills every
// group with enough support into a knowledge document.
func (e *DistillationEngine) RunCycle(ctx context.Context) CycleOutcome {
	if e.metrics != nil {
		e.metrics.CycleRuns.WithLabelValues("distillation").Inc()
	}
	var out CycleOutcome
	episodes, err := e.episodic.ListEpisodes(ctx)
	if err != nil {
		out.Failed++
		if e.metrics != nil {
			e.metrics.CycleFailures.WithLabelValues("distillation").Inc()
		}
		e.logger.Warn("episode listing failed", "error", err)
		return out
	}
	out.Scanned = len(episodes)

	byEntity := make(map[string][]model.Episode)
	for _, ep := range episodes {
		byEntity[ep.Entity] = append(byEntity[ep.Entity], ep)
	}
	entities := make([]string, 0, len(byEntity))
	for entity := range byEntity {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	for _, entity := range entities {
		if ctx.Err() != nil {
			return out
		}
		group := byEntity[entity]
		if len(group) < e.minEpisodes {
			out.Skipped++
			continue
		}
		if !e.retries.allowed(entity, e.now()) {
			out.Skipped++
			continue
		}
		switch e.distillGroup(ctx, entity, group) {
		case distillProduced:
			out.Produced++
			e.retries.succeeded(entity)
		case distillSkipped:
			out.Skipped++
			e.retries.succeeded(entity)
		default:
			out.Failed++
			e.retries.failed(entity, e.now())
			if e.metrics != nil {
				e.metrics.CycleFailures.WithLabelValues("distillation").Inc()
			}
		}
	}
	return out
}

type distillResult int

const (
	distillFailed distillResult = iota
	distillProduced
	distillSkipped
)

func (e *DistillationEngine) distillGroup(ctx context.Context, entity string, group []model.Episode) distillResult {
	sort.Slice(group, func(i, j int) bool { return group[i].ObservedAt.Before(group[j].ObservedAt) })

	distilled, provenance := e.distill(ctx, group)
	if distilled.Entity == "" {
		distilled.Entity = entity
	}

	episodeIDs := make([]string, len(group))
	for i, ep := range group {
		episodeIDs[i] = ep.ID
	}
	sort.Strings(episodeIDs)

	doc := model.KnowledgeDocument{
		ID:         model.DocumentID(distilled.Type, distilled.Entity, episodeIDs),
		Type:       distilled.Type,
		Entity:     distilled.Entity,
		Content:    distilled.Content,
		Confidence: e.confidence(len(group), distilled.Certainty),
		EpisodeIDs: episodeIDs,
		CreatedAt:  e.now(),
	}
	// The id is derived from the episode set; an unchanged group already
	// has its document stored and is not re-written or re-announced.
	if _, err := e.semantic.Retrieve(ctx, doc.ID); err == nil {
		return distillSkipped
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("document lookup failed", "entity", entity, "error", err)
		return distillFailed
	}
	id, err := e.semantic.StoreKnowledge(ctx, doc)
	if err != nil {
		e.logger.Warn("knowledge store failed", "entity", entity, "error", err)
		return distillFailed
	}

	if e.metrics != nil {
		e.metrics.DocumentsDistilled.Inc()
	}
	e.sink.Emit(telemetry.Event{
		Type: telemetry.EventKnowledgeDistilled,
		Fields: map[string]any{
			"document_id": id,
			"type":        string(doc.Type),
			"entity":      doc.Entity,
			"support":     len(group),
			"confidence":  doc.Confidence,
			"provenance":  string(provenance),
		},
	})
	return distillProduced
}

// confidence blends pattern support with generator certainty. Support
// saturates as the group grows past the minimum; the blend is a plain
// average of the two factors.
func (e *DistillationEngine) confidence(support int, certainty float64) float64 {
	supportRatio := float64(support) / float64(support+e.minEpisodes)
	if certainty < 0 {
		certainty = 0
	}
	if certainty > 1 {
		certainty = 1
	}
	c := 0.5*supportRatio + 0.5*certainty
	if c > 1 {
		c = 1
	}
	return c
}

// distill runs synthesis through the breaker-guarded generator.
func (e *DistillationEngine) distill(ctx context.Context, group []model.Episode) (genai.Distillation, model.Provenance) {
	if e.primary != nil && e.breaker.Allow() {
		prev := e.breaker.State()
		distilled, err := e.primary.Distill(ctx, group)
		if err == nil {
			e.breaker.RecordSuccess()
			observeBreaker(e.metrics, prev, e.breaker.State())
			return distilled, e.primary.Provenance()
		}
		if genai.IsFailure(err) {
			e.breaker.RecordFailure()
			observeBreaker(e.metrics, prev, e.breaker.State())
		}
		e.logger.Warn("distill failed, using heuristic fallback",
			"breaker", string(e.breaker.State()), "error", err)
	}
	distilled, _ := e.fallback.Distill(ctx, group)
	return distilled, e.fallback.Provenance()
}
