package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/genai"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/reliability"
	"github.com/antoniostano/mnemo/internal/scoring"
	"github.com/antoniostano/mnemo/internal/telemetry"
	"github.com/antoniostano/mnemo/internal/tier"
)

// PromotionEngine lifts significant facts out of the active context
// window into working memory. Extraction runs through the generator
// behind a circuit breaker; when the circuit is open or a call fails,
// the rule-based generator takes over and its output is tagged with
// heuristic provenance. Fact ids are content-derived, so re-processing
// a window overwrites instead of duplicating.
type PromotionEngine struct {
	logger    *slog.Logger
	active    *tier.ActiveContextTier
	working   *tier.WorkingMemoryTier
	primary   genai.Generator
	fallback  genai.Generator
	breaker   *reliability.Breaker
	scorer    *scoring.Scorer
	threshold float64
	batchSize int
	metrics   *observability.Metrics
	sink      telemetry.Sink
	retries   *retryTracker
	now       func() time.Time

	mu        sync.Mutex
	processed map[string]map[string]bool // session id -> turn id
}

func NewPromotionEngine(
	cfg config.Config,
	active *tier.ActiveContextTier,
	working *tier.WorkingMemoryTier,
	generator genai.Generator,
	metrics *observability.Metrics,
	sink telemetry.Sink,
	logger *slog.Logger,
) *PromotionEngine {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PromotionEngine{
		logger:   logger.With("engine", "promotion"),
		active:   active,
		working:  working,
		primary:  generator,
		fallback: genai.NewHeuristicGenerator(),
		breaker:  reliability.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
		scorer: scoring.NewScorer(scoring.Params{
			AgeHalfLife:   cfg.AgeHalfLife,
			RecencyWindow: cfg.RecencyWindow,
		}),
		threshold: cfg.CIARThreshold,
		batchSize: cfg.PromotionBatchSize,
		metrics:   metrics,
		sink:      sink,
		retries:   newRetryTracker(cfg.PromotionInterval, time.Hour),
		now:       func() time.Time { return time.Now().UTC() },
		processed: make(map[string]map[string]bool),
	}
}

// SetClock overrides the engine clock for tests.
func (e *PromotionEngine) SetClock(now func() time.Time) { e.now = now }

// BreakerState exposes the circuit position for health reporting.
func (e *PromotionEngine) BreakerState() reliability.BreakerState { return e.breaker.State() }

// RunCycle processes one promotion pass over the given sessions. Item
// failures are counted, logged, and backed off; they never abort the
// batch.
func (e *PromotionEngine) RunCycle(ctx context.Context, sessions []string) CycleOutcome {
	if e.metrics != nil {
		e.metrics.CycleRuns.WithLabelValues("promotion").Inc()
	}
	var out CycleOutcome
	for _, session := range sessions {
		if ctx.Err() != nil {
			return out
		}
		if !e.retries.allowed(session, e.now()) {
			out.Skipped++
			continue
		}
		res, err := e.processSession(ctx, session)
		out.add(res)
		if err != nil {
			e.retries.failed(session, e.now())
			if e.metrics != nil {
				e.metrics.CycleFailures.WithLabelValues("promotion").Inc()
			}
			e.logger.Warn("promotion session failed", "session_id", session, "error", err)
			continue
		}
		e.retries.succeeded(session)
	}
	return out
}

func (e *PromotionEngine) processSession(ctx context.Context, session string) (CycleOutcome, error) {
	var out CycleOutcome
	turns, err := e.active.GetWindow(ctx, session, e.batchSize)
	if err != nil {
		out.Failed++
		return out, err
	}
	turns = e.unprocessed(session, turns)
	if len(turns) == 0 {
		return out, nil
	}
	// The window arrives newest first; generators expect chronology.
	sort.Slice(turns, func(i, j int) bool { return turns[i].CreatedAt.Before(turns[j].CreatedAt) })
	out.Scanned = len(turns)

	byID := make(map[string]model.Turn, len(turns))
	for _, t := range turns {
		byID[t.ID] = t
	}

	// Turns whose candidates failed to store stay unmarked, so a later
	// pass picks them up again once the backend recovers.
	failedTurns := make(map[string]bool)
	var storeErr error

	segments, _ := e.segment(ctx, turns)
	for _, seg := range segments {
		segTurns := make([]model.Turn, 0, len(seg.TurnIDs))
		for _, id := range seg.TurnIDs {
			if t, ok := byID[id]; ok {
				segTurns = append(segTurns, t)
			}
		}
		if len(segTurns) == 0 {
			continue
		}
		candidates, provenance := e.extract(ctx, segTurns)
		for _, cand := range candidates {
			promoted, err := e.promote(ctx, session, seg.Topic, cand, provenance, byID)
			if err != nil {
				out.Failed++
				storeErr = err
				if len(cand.SourceTurnIDs) == 0 {
					for _, t := range segTurns {
						failedTurns[t.ID] = true
					}
				}
				for _, id := range cand.SourceTurnIDs {
					failedTurns[id] = true
				}
				e.logger.Warn("fact store failed",
					"session_id", session, "entity", cand.Entity, "error", err)
				continue
			}
			if promoted {
				out.Produced++
			} else {
				out.Skipped++
			}
		}
	}

	done := make([]model.Turn, 0, len(turns))
	for _, t := range turns {
		if !failedTurns[t.ID] {
			done = append(done, t)
		}
	}
	e.markProcessed(session, done)
	return out, storeErr
}

// promote scores one candidate and writes it through when it clears the
// threshold. Returns whether the fact was promoted.
func (e *PromotionEngine) promote(ctx context.Context, session, topic string, cand genai.FactCandidate, provenance model.Provenance, byID map[string]model.Turn) (bool, error) {
	now := e.now()
	// Anchor the fact's age to the latest turn it came from.
	var createdAt time.Time
	for _, id := range cand.SourceTurnIDs {
		if t, ok := byID[id]; ok && t.CreatedAt.After(createdAt) {
			createdAt = t.CreatedAt
		}
	}
	if createdAt.IsZero() {
		createdAt = now
	}
	breakdown := e.scorer.Calculate(scoring.Input{
		Certainty: cand.Certainty,
		Impact:    cand.Impact,
		CreatedAt: createdAt,
		Now:       now,
	})
	if e.metrics != nil {
		e.metrics.FactsScored.Inc()
		e.metrics.SignificanceScores.Observe(breakdown.Score)
	}
	pass := e.scorer.ShouldPromote(breakdown.Score, e.threshold)
	e.sink.Emit(telemetry.Event{
		Type:      telemetry.EventSignificanceScored,
		SessionID: session,
		Fields: map[string]any{
			"topic":      topic,
			"entity":     cand.Entity,
			"claim":      cand.Claim,
			"score":      breakdown.Score,
			"certainty":  breakdown.Certainty,
			"impact":     breakdown.Impact,
			"threshold":  e.threshold,
			"promoted":   pass,
			"provenance": string(provenance),
		},
	})
	if !pass {
		if e.metrics != nil {
			e.metrics.FactsDiscarded.Inc()
		}
		return false, nil
	}

	fact := model.Fact{
		ID:            model.FactID(session, cand.Claim, cand.SourceTurnIDs),
		SessionID:     session,
		Entity:        cand.Entity,
		Claim:         cand.Claim,
		Certainty:     breakdown.Certainty,
		Impact:        breakdown.Impact,
		Provenance:    provenance,
		SourceTurnIDs: cand.SourceTurnIDs,
		CreatedAt:     createdAt,
	}
	id, err := e.working.StoreFact(ctx, fact, breakdown.Score)
	if err != nil {
		return false, err
	}
	if e.metrics != nil {
		e.metrics.FactsPromoted.WithLabelValues(string(provenance)).Inc()
	}
	e.sink.Emit(telemetry.Event{
		Type:      telemetry.EventFactPromoted,
		SessionID: session,
		Fields: map[string]any{
			"fact_id":    id,
			"entity":     fact.Entity,
			"score":      breakdown.Score,
			"provenance": string(provenance),
		},
	})
	return true, nil
}

// segment runs topic segmentation through the breaker-guarded generator.
func (e *PromotionEngine) segment(ctx context.Context, turns []model.Turn) ([]genai.TopicSegment, model.Provenance) {
	if e.primary != nil && e.breaker.Allow() {
		prev := e.breaker.State()
		segments, err := e.primary.SegmentTopics(ctx, turns)
		if err == nil {
			e.breaker.RecordSuccess()
			observeBreaker(e.metrics, prev, e.breaker.State())
			return segments, e.primary.Provenance()
		}
		e.noteFailure("segment_topics", prev, err)
	}
	segments, _ := e.fallback.SegmentTopics(ctx, turns)
	return segments, e.fallback.Provenance()
}

// extract runs fact extraction through the breaker-guarded generator.
func (e *PromotionEngine) extract(ctx context.Context, turns []model.Turn) ([]genai.FactCandidate, model.Provenance) {
	if e.primary != nil && e.breaker.Allow() {
		prev := e.breaker.State()
		candidates, err := e.primary.ExtractFacts(ctx, turns)
		if err == nil {
			e.breaker.RecordSuccess()
			observeBreaker(e.metrics, prev, e.breaker.State())
			return candidates, e.primary.Provenance()
		}
		e.noteFailure("extract_facts", prev, err)
	}
	candidates, _ := e.fallback.ExtractFacts(ctx, turns)
	return candidates, e.fallback.Provenance()
}

// noteFailure feeds collaborator failures into the breaker. Anything
// else (context cancellation) falls back without tripping the circuit.
func (e *PromotionEngine) noteFailure(op string, prev reliability.BreakerState, err error) {
	if genai.IsFailure(err) {
		e.breaker.RecordFailure()
		observeBreaker(e.metrics, prev, e.breaker.State())
	}
	e.logger.Warn("generator call failed, using heuristic fallback",
		"op", op, "breaker", string(e.breaker.State()), "error", err)
}

func (e *PromotionEngine) unprocessed(session string, turns []model.Turn) []model.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := e.processed[session]
	if seen == nil {
		return turns
	}
	out := turns[:0]
	for _, t := range turns {
		if !seen[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

func (e *PromotionEngine) markProcessed(session string, turns []model.Turn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := e.processed[session]
	if seen == nil {
		seen = make(map[string]bool)
		e.processed[session] = seen
	}
	for _, t := range turns {
		seen[t.ID] = true
	}
}
