// Package genai wraps the text-generation collaborator behind a narrow
// interface. Responses are schema-validated: output that does not parse
// into the expected shape is a failure, exactly like a transport error,
// and callers fall back to the rule-based generator in either case.
package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/mnemo/internal/model"
)

// Failure variants. Both mean "no usable structured output"; callers
// distinguish them only for telemetry.
var (
	// ErrProvider marks transport-level failures: timeouts, refusals,
	// unreachable provider.
	ErrProvider = errors.New("genai: provider failure")
	// ErrSchema marks responses that arrived but did not conform to the
	// requested schema.
	ErrSchema = errors.New("genai: schema violation")
)

// IsFailure reports whether err is one of the collaborator failure
// variants (as opposed to e.g. context cancellation).
func IsFailure(err error) bool {
	return errors.Is(err, ErrProvider) || errors.Is(err, ErrSchema)
}

// TopicSegment is a contiguous run of turns about one topic.
type TopicSegment struct {
	Topic   string   `json:"topic"`
	TurnIDs []string `json:"turn_ids"`
}

// FactCandidate is an extracted claim before scoring.
type FactCandidate struct {
	Entity        string   `json:"entity"`
	Claim         string   `json:"claim"`
	Certainty     float64  `json:"certainty"`
	Impact        float64  `json:"impact"`
	SourceTurnIDs []string `json:"source_turn_ids"`
}

// Distillation is a synthesized pattern over multiple episodes.
type Distillation struct {
	Type      model.KnowledgeType `json:"type"`
	Entity    string              `json:"entity"`
	Content   string              `json:"content"`
	Certainty float64             `json:"certainty"`
}

// Generator is the text-generation collaborator surface the lifecycle
// engines consume.
type Generator interface {
	SegmentTopics(ctx context.Context, turns []model.Turn) ([]TopicSegment, error)
	ExtractFacts(ctx context.Context, turns []model.Turn) ([]FactCandidate, error)
	Summarize(ctx context.Context, facts []model.Fact) (string, error)
	Distill(ctx context.Context, episodes []model.Episode) (Distillation, error)
	// Provenance tags output derived from this generator. Model-backed
	// and heuristic output must never be indistinguishable.
	Provenance() model.Provenance
}

// Embedder produces embeddings for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config selects and configures the generator implementation.
type Config struct {
	Mode           string // openai | heuristic | mock | auto
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int
	// Timeout bounds every provider call; zero falls back to a default
	// so no request can hang the lifecycle engines.
	Timeout time.Duration
}

// NewGenerator builds the configured generator. Auto picks OpenAI when a
// key is present and the heuristic otherwise.
func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIGenerator(cfg), nil
		}
		return NewHeuristicGenerator(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("genai: openai mode requires an API key")
		}
		return NewOpenAIGenerator(cfg), nil
	case "heuristic":
		return NewHeuristicGenerator(), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("genai: unsupported generator mode %q", cfg.Mode)
	}
}

// NewEmbedder builds the configured embedder, falling back to the
// deterministic hash embedder so similarity search works offline.
func NewEmbedder(cfg Config) Embedder {
	if strings.TrimSpace(cfg.APIKey) != "" && strings.ToLower(cfg.Mode) != "heuristic" && strings.ToLower(cfg.Mode) != "mock" {
		return NewOpenAIEmbedder(cfg)
	}
	return NewHashEmbedder(cfg.EmbeddingDim)
}
