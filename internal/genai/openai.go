package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/reliability"
)

const defaultRequestTimeout = 30 * time.Second

// httpClientFor builds the transport used for provider calls. Every
// request carries a deadline even when the config leaves Timeout unset.
func httpClientFor(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &http.Client{Timeout: timeout}
}

// retryableProviderError reports whether the provider rejected the call
// with a status worth one immediate retry.
func retryableProviderError(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
}

// OpenAIGenerator implements Generator against an OpenAI-compatible chat
// endpoint, requesting JSON and validating it before use.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = httpClientFor(cfg)
	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		model:  chatModel,
	}
}

func (g *OpenAIGenerator) Provenance() model.Provenance { return model.ProvenanceModel }

func (g *OpenAIGenerator) complete(ctx context.Context, system, user string, out any) error {
	req := openai.ChatCompletionRequest{
		Model: g.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil && retryableProviderError(err) {
		resp, err = g.client.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: empty completion", ErrSchema)
	}
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

const segmentPrompt = `Split the conversation into contiguous topic segments.
Respond as JSON: {"segments":[{"topic":"...","turn_ids":["..."]}]}.
Every turn id must appear in exactly one segment, in original order.`

func (g *OpenAIGenerator) SegmentTopics(ctx context.Context, turns []model.Turn) ([]TopicSegment, error) {
	var parsed struct {
		Segments []TopicSegment `json:"segments"`
	}
	if err := g.complete(ctx, segmentPrompt, renderTurns(turns), &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Segments) == 0 {
		return nil, fmt.Errorf("%w: no segments returned", ErrSchema)
	}
	known := make(map[string]bool, len(turns))
	for _, t := range turns {
		known[t.ID] = true
	}
	for _, seg := range parsed.Segments {
		if len(seg.TurnIDs) == 0 {
			return nil, fmt.Errorf("%w: empty segment", ErrSchema)
		}
		for _, id := range seg.TurnIDs {
			if !known[id] {
				return nil, fmt.Errorf("%w: segment references unknown turn %q", ErrSchema, id)
			}
		}
	}
	return parsed.Segments, nil
}

const extractPrompt = `Extract durable factual claims about the user from the conversation.
Respond as JSON: {"facts":[{"entity":"...","claim":"...","certainty":0.0,"impact":0.0,"source_turn_ids":["..."]}]}.
certainty and impact are in [0,1]. Omit small talk.`

func (g *OpenAIGenerator) ExtractFacts(ctx context.Context, turns []model.Turn) ([]FactCandidate, error) {
	var parsed struct {
		Facts []FactCandidate `json:"facts"`
	}
	if err := g.complete(ctx, extractPrompt, renderTurns(turns), &parsed); err != nil {
		return nil, err
	}
	for i, f := range parsed.Facts {
		if strings.TrimSpace(f.Claim) == "" {
			return nil, fmt.Errorf("%w: fact %d has empty claim", ErrSchema, i)
		}
		if f.Certainty < 0 || f.Certainty > 1 || f.Impact < 0 || f.Impact > 1 {
			return nil, fmt.Errorf("%w: fact %d has out-of-range certainty/impact", ErrSchema, i)
		}
	}
	return parsed.Facts, nil
}

const summarizePrompt = `Summarize these related facts into one short narrative paragraph.
Respond as JSON: {"summary":"..."}.`

func (g *OpenAIGenerator) Summarize(ctx context.Context, facts []model.Fact) (string, error) {
	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "- [%s] %s\n", f.Entity, f.Claim)
	}
	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := g.complete(ctx, summarizePrompt, sb.String(), &parsed); err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return "", fmt.Errorf("%w: empty summary", ErrSchema)
	}
	return parsed.Summary, nil
}

const distillPrompt = `These episodes describe recurring behavior. Synthesize the underlying pattern.
Respond as JSON: {"type":"preference|routine|relation|general","entity":"...","content":"...","certainty":0.0}.
certainty is your own confidence in the pattern, in [0,1].`

func (g *OpenAIGenerator) Distill(ctx context.Context, episodes []model.Episode) (Distillation, error) {
	var sb strings.Builder
	for _, e := range episodes {
		fmt.Fprintf(&sb, "- (%s) %s\n", e.ObservedAt.Format("2006-01-02"), e.Summary)
	}
	var parsed Distillation
	if err := g.complete(ctx, distillPrompt, sb.String(), &parsed); err != nil {
		return Distillation{}, err
	}
	switch parsed.Type {
	case model.KnowledgePreference, model.KnowledgeRoutine, model.KnowledgeRelation, model.KnowledgeGeneral:
	default:
		return Distillation{}, fmt.Errorf("%w: unknown knowledge type %q", ErrSchema, parsed.Type)
	}
	if strings.TrimSpace(parsed.Content) == "" {
		return Distillation{}, fmt.Errorf("%w: empty distillation content", ErrSchema)
	}
	if parsed.Certainty < 0 || parsed.Certainty > 1 {
		return Distillation{}, fmt.Errorf("%w: certainty out of range", ErrSchema)
	}
	return parsed, nil
}

func renderTurns(turns []model.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.ID, t.Role, t.Content)
	}
	return sb.String()
}

// OpenAIEmbedder produces embeddings via the embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

func NewOpenAIEmbedder(cfg Config) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = httpClientFor(cfg)
	embeddingModel := openai.EmbeddingModel(cfg.EmbeddingModel)
	if cfg.EmbeddingModel == "" {
		embeddingModel = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  embeddingModel,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil && retryableProviderError(err) {
		resp, err = e.client.CreateEmbeddings(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrSchema)
	}
	return resp.Data[0].Embedding, nil
}

var (
	_ Generator = (*OpenAIGenerator)(nil)
	_ Embedder  = (*OpenAIEmbedder)(nil)
)
