// Package orchestrator composes the four memory tiers and the lifecycle
// engines behind one facade. Retrieval fans out across tiers and
// degrades per tier instead of failing the whole query; maintenance
// cycles run on their own tickers.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/engine"
	"github.com/antoniostano/mnemo/internal/genai"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/storage"
	"github.com/antoniostano/mnemo/internal/tier"
)

// QueryRequest selects what to retrieve. Empty Tiers means all four.
type QueryRequest struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Entity    string   `json:"entity"`
	Limit     int      `json:"limit"`
	Tiers     []string `json:"tiers,omitempty"`
}

// QueryResult merges per-tier results. Degraded lists tiers that were
// skipped because their backend failed.
type QueryResult struct {
	Turns     []model.Turn              `json:"turns,omitempty"`
	Facts     []model.Fact              `json:"facts,omitempty"`
	Episodes  []model.Episode           `json:"episodes,omitempty"`
	Documents []model.KnowledgeDocument `json:"documents,omitempty"`
	Degraded  []string                  `json:"degraded,omitempty"`
}

// ContextEntry is one line of an assembled context block.
type ContextEntry struct {
	Tier    string  `json:"tier"`
	Kind    string  `json:"kind"`
	Content string  `json:"content"`
	Weight  float64 `json:"weight"`
}

// ContextBlock is the budgeted context assembled for a prompt. Used is
// an approximate token count.
type ContextBlock struct {
	SessionID string         `json:"session_id"`
	Budget    int            `json:"budget"`
	Used      int            `json:"used"`
	Entries   []ContextEntry `json:"entries"`
}

// SystemHealth aggregates tier health. One degraded or unreachable tier
// degrades the system; all tiers down makes it unhealthy.
type SystemHealth struct {
	Status  string                    `json:"status"`
	Tiers   map[string]storage.Health `json:"tiers"`
	Breaker string                    `json:"breaker"`
}

// Orchestrator wires tiers and engines together. It tracks which
// sessions have seen writes so lifecycle cycles know what to scan.
type Orchestrator struct {
	cfg      config.Config
	logger   *slog.Logger
	active   *tier.ActiveContextTier
	working  *tier.WorkingMemoryTier
	episodic *tier.EpisodicMemoryTier
	semantic *tier.SemanticMemoryTier

	promotion     *engine.PromotionEngine
	consolidation *engine.ConsolidationEngine
	distillation  *engine.DistillationEngine

	embedder genai.Embedder
	metrics  *observability.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
}

func New(
	cfg config.Config,
	active *tier.ActiveContextTier,
	working *tier.WorkingMemoryTier,
	episodic *tier.EpisodicMemoryTier,
	semantic *tier.SemanticMemoryTier,
	promotion *engine.PromotionEngine,
	consolidation *engine.ConsolidationEngine,
	distillation *engine.DistillationEngine,
	embedder genai.Embedder,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = genai.NewHashEmbedder(cfg.EmbeddingDim)
	}
	return &Orchestrator{
		cfg:           cfg,
		logger:        logger.With("component", "orchestrator"),
		active:        active,
		working:       working,
		episodic:      episodic,
		semantic:      semantic,
		promotion:     promotion,
		consolidation: consolidation,
		distillation:  distillation,
		embedder:      embedder,
		metrics:       metrics,
		now:           func() time.Time { return time.Now().UTC() },
		sessions:      make(map[string]time.Time),
	}
}

// IngestTurn stores a raw turn into the active context window.
func (o *Orchestrator) IngestTurn(ctx context.Context, turn model.Turn) (string, error) {
	id, err := o.active.StoreTurn(ctx, turn)
	if err != nil {
		return "", err
	}
	if o.metrics != nil {
		o.metrics.TurnsIngested.Inc()
	}
	o.touchSession(turn.SessionID)
	return id, nil
}

// GetWindow returns a session's recent turns, newest first.
func (o *Orchestrator) GetWindow(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	return o.active.GetWindow(ctx, sessionID, limit)
}

// EndSession discards the session's active window. Promoted memory
// survives; only the raw turn buffer is dropped.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	return o.active.DropSession(ctx, sessionID)
}

// QueryMemory fans the request out across the selected tiers and merges
// the results. A failing tier is logged, reported in Degraded, and
// skipped; the rest of the answer still comes back.
func (o *Orchestrator) QueryMemory(ctx context.Context, req QueryRequest) QueryResult {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	want := tierSet(req.Tiers)
	var res QueryResult

	if want["active"] && req.SessionID != "" {
		turns, err := o.active.GetWindow(ctx, req.SessionID, limit)
		if err != nil {
			o.degrade(&res, "active", err)
		} else {
			res.Turns = turns
		}
	}

	if want["working"] && req.SessionID != "" {
		facts, err := o.working.GetSignificantFacts(ctx, req.SessionID, 0, limit)
		if err != nil {
			o.degrade(&res, "working", err)
		} else {
			res.Facts = facts
			o.bumpAccess(ctx, facts)
		}
	}

	if want["episodic"] {
		episodes, err := o.searchEpisodes(ctx, req, limit)
		if err != nil {
			o.degrade(&res, "episodic", err)
		} else {
			res.Episodes = episodes
		}
	}

	if want["semantic"] {
		filters := map[string]string{}
		if req.Entity != "" {
			filters["entity"] = req.Entity
		}
		docs, err := o.semantic.Search(ctx, req.Text, filters, limit)
		if err != nil {
			o.degrade(&res, "semantic", err)
		} else {
			res.Documents = docs
		}
	}
	return res
}

func (o *Orchestrator) searchEpisodes(ctx context.Context, req QueryRequest, limit int) ([]model.Episode, error) {
	if req.Text != "" {
		embedding, err := o.embedder.Embed(ctx, req.Text)
		if err == nil {
			return o.episodic.SemanticSearch(ctx, embedding, limit)
		}
		o.logger.Warn("query embedding failed, falling back to graph", "error", err)
	}
	entity := req.Entity
	if entity == "" {
		entity = req.SessionID
	}
	if entity == "" {
		return nil, nil
	}
	edges, err := o.episodic.GraphTraverse(ctx, entity, "", 2)
	if err != nil {
		return nil, err
	}
	var episodes []model.Episode
	seen := map[string]bool{}
	for _, e := range edges {
		if e.EpisodeID == "" || seen[e.EpisodeID] {
			continue
		}
		seen[e.EpisodeID] = true
		ep, err := o.episodic.GetEpisode(ctx, e.EpisodeID)
		if err != nil {
			continue
		}
		episodes = append(episodes, ep)
		if len(episodes) >= limit {
			break
		}
	}
	return episodes, nil
}

// bumpAccess records retrieval against the returned facts so the next
// scoring pass sees the access pattern. Best effort.
func (o *Orchestrator) bumpAccess(ctx context.Context, facts []model.Fact) {
	for _, f := range facts {
		if err := o.working.UpdateAccess(ctx, f.ID); err != nil {
			o.logger.Debug("access bump failed", "fact_id", f.ID, "error", err)
		}
	}
}

func (o *Orchestrator) degrade(res *QueryResult, tierName string, err error) {
	res.Degraded = append(res.Degraded, tierName)
	o.logger.Warn("tier skipped during query", "tier", tierName, "error", err)
}

func tierSet(names []string) map[string]bool {
	if len(names) == 0 {
		return map[string]bool{"active": true, "working": true, "episodic": true, "semantic": true}
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// GetContextBlock assembles a budgeted context for a session: the raw
// window first, then the most significant facts, then episodes and
// knowledge, stopping when the approximate token budget is spent.
func (o *Orchestrator) GetContextBlock(ctx context.Context, sessionID string, budget int) (ContextBlock, error) {
	if budget <= 0 {
		budget = o.cfg.DefaultContextBudget
	}
	block := ContextBlock{SessionID: sessionID, Budget: budget}

	turns, err := o.active.GetWindow(ctx, sessionID, 0)
	if err != nil {
		return block, err
	}
	// Oldest first so the block reads chronologically.
	for i := len(turns) - 1; i >= 0; i-- {
		o.pack(&block, ContextEntry{
			Tier: "active", Kind: "turn",
			Content: turns[i].Role + ": " + turns[i].Content,
			Weight:  1,
		})
	}

	facts, err := o.working.GetSignificantFacts(ctx, sessionID, 0, 50)
	if err != nil {
		o.logger.Warn("context block skipping working memory", "error", err)
	} else {
		for _, f := range facts {
			o.pack(&block, ContextEntry{
				Tier: "working", Kind: "fact",
				Content: f.Claim,
				Weight:  f.Score,
			})
		}
		o.bumpAccess(ctx, facts)
	}

	episodes, err := o.searchEpisodes(ctx, QueryRequest{SessionID: sessionID}, 10)
	if err != nil {
		o.logger.Warn("context block skipping episodic memory", "error", err)
	} else {
		for _, ep := range episodes {
			o.pack(&block, ContextEntry{
				Tier: "episodic", Kind: "episode",
				Content: ep.Summary,
				Weight:  0.5,
			})
		}
	}

	docs, err := o.semantic.Search(ctx, "", nil, 10)
	if err != nil {
		o.logger.Warn("context block skipping semantic memory", "error", err)
	} else {
		sort.Slice(docs, func(i, j int) bool { return docs[i].Confidence > docs[j].Confidence })
		for _, doc := range docs {
			o.pack(&block, ContextEntry{
				Tier: "semantic", Kind: "knowledge",
				Content: doc.Content,
				Weight:  doc.Confidence,
			})
		}
	}

	if o.metrics != nil {
		o.metrics.ContextBlockEntries.Observe(float64(len(block.Entries)))
	}
	return block, nil
}

// pack appends the entry unless it would blow the budget. Roughly four
// characters per token.
func (o *Orchestrator) pack(block *ContextBlock, entry ContextEntry) {
	cost := len(entry.Content)/4 + 1
	if block.Used+cost > block.Budget {
		return
	}
	block.Used += cost
	block.Entries = append(block.Entries, entry)
}

// RunPromotionCycle promotes across every tracked session.
func (o *Orchestrator) RunPromotionCycle(ctx context.Context) engine.CycleOutcome {
	return o.promotion.RunCycle(ctx, o.Sessions())
}

// RunConsolidationCycle consolidates across every tracked session.
func (o *Orchestrator) RunConsolidationCycle(ctx context.Context) engine.CycleOutcome {
	return o.consolidation.RunCycle(ctx, o.Sessions())
}

// RunDistillationCycle distills across all episodic memory.
func (o *Orchestrator) RunDistillationCycle(ctx context.Context) engine.CycleOutcome {
	return o.distillation.RunCycle(ctx)
}

// RunReconciliation sweeps half-written episode index entries.
func (o *Orchestrator) RunReconciliation(ctx context.Context) (int, error) {
	removed, err := o.episodic.Reconcile(ctx)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		o.logger.Info("dual-index orphans removed", "count", removed)
		if o.metrics != nil {
			o.metrics.OrphansReconciled.Add(float64(removed))
		}
	}
	return removed, nil
}

// Run drives the lifecycle tickers until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	promote := time.NewTicker(interval(o.cfg.PromotionInterval, time.Minute))
	consolidate := time.NewTicker(interval(o.cfg.ConsolidationInterval, time.Hour))
	distill := time.NewTicker(interval(o.cfg.DistillationInterval, 24*time.Hour))
	reconcile := time.NewTicker(interval(o.cfg.ReconcileInterval, time.Hour))
	defer promote.Stop()
	defer consolidate.Stop()
	defer distill.Stop()
	defer reconcile.Stop()

	o.logger.Info("lifecycle scheduler started",
		"promotion", o.cfg.PromotionInterval,
		"consolidation", o.cfg.ConsolidationInterval,
		"distillation", o.cfg.DistillationInterval,
		"reconcile", o.cfg.ReconcileInterval,
	)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("lifecycle scheduler stopped")
			return
		case <-promote.C:
			out := o.RunPromotionCycle(ctx)
			o.logCycle("promotion", out)
		case <-consolidate.C:
			out := o.RunConsolidationCycle(ctx)
			o.logCycle("consolidation", out)
		case <-distill.C:
			out := o.RunDistillationCycle(ctx)
			o.logCycle("distillation", out)
		case <-reconcile.C:
			if _, err := o.RunReconciliation(ctx); err != nil {
				o.logger.Warn("reconciliation failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) logCycle(name string, out engine.CycleOutcome) {
	if out.Scanned == 0 && out.Produced == 0 && out.Failed == 0 {
		return
	}
	o.logger.Info("lifecycle cycle finished", "engine", name,
		"scanned", out.Scanned, "produced", out.Produced,
		"skipped", out.Skipped, "failed", out.Failed)
}

func interval(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Health reports per-tier health and the aggregate status.
func (o *Orchestrator) Health(ctx context.Context) SystemHealth {
	tiers := map[string]storage.Health{
		"active_context":  o.active.HealthCheck(ctx),
		"working_memory":  o.working.HealthCheck(ctx),
		"episodic_memory": o.episodic.HealthCheck(ctx),
		"semantic_memory": o.semantic.HealthCheck(ctx),
	}
	healthy := 0
	for _, h := range tiers {
		if h.Ok() {
			healthy++
		}
	}
	status := "healthy"
	switch {
	case healthy == 0:
		status = "unhealthy"
	case healthy < len(tiers):
		status = "degraded"
	}
	return SystemHealth{
		Status:  status,
		Tiers:   tiers,
		Breaker: string(o.promotion.BreakerState()),
	}
}

// Sessions returns the tracked session ids, oldest activity first.
func (o *Orchestrator) Sessions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) touchSession(id string) {
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[id] = o.now()
}
