package genai

import (
	"context"
	"sync"

	"github.com/antoniostano/mnemo/internal/model"
)

// MockGenerator is a scriptable generator for tests: queue errors to
// simulate provider outages, or set canned outputs.
type MockGenerator struct {
	mu sync.Mutex

	Segments     []TopicSegment
	Facts        []FactCandidate
	Summary      string
	Distillation Distillation

	errQueue []error
	Calls    int
}

func NewMockGenerator() *MockGenerator {
	return &MockGenerator{Summary: "mock summary", Distillation: Distillation{
		Type:      model.KnowledgeGeneral,
		Entity:    "mock",
		Content:   "mock pattern",
		Certainty: 0.8,
	}}
}

// FailNext queues n copies of err, returned by subsequent calls before
// any canned output.
func (g *MockGenerator) FailNext(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < n; i++ {
		g.errQueue = append(g.errQueue, err)
	}
}

func (g *MockGenerator) nextErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	if len(g.errQueue) == 0 {
		return nil
	}
	err := g.errQueue[0]
	g.errQueue = g.errQueue[1:]
	return err
}

func (g *MockGenerator) Provenance() model.Provenance { return model.ProvenanceModel }

func (g *MockGenerator) SegmentTopics(_ context.Context, turns []model.Turn) ([]TopicSegment, error) {
	if err := g.nextErr(); err != nil {
		return nil, err
	}
	if g.Segments != nil {
		return g.Segments, nil
	}
	ids := make([]string, 0, len(turns))
	for _, t := range turns {
		ids = append(ids, t.ID)
	}
	return []TopicSegment{{Topic: "mock", TurnIDs: ids}}, nil
}

func (g *MockGenerator) ExtractFacts(_ context.Context, turns []model.Turn) ([]FactCandidate, error) {
	if err := g.nextErr(); err != nil {
		return nil, err
	}
	if g.Facts != nil {
		return g.Facts, nil
	}
	out := make([]FactCandidate, 0, len(turns))
	for _, t := range turns {
		out = append(out, FactCandidate{
			Entity:        "mock",
			Claim:         t.Content,
			Certainty:     0.9,
			Impact:        0.9,
			SourceTurnIDs: []string{t.ID},
		})
	}
	return out, nil
}

func (g *MockGenerator) Summarize(_ context.Context, _ []model.Fact) (string, error) {
	if err := g.nextErr(); err != nil {
		return "", err
	}
	return g.Summary, nil
}

func (g *MockGenerator) Distill(_ context.Context, _ []model.Episode) (Distillation, error) {
	if err := g.nextErr(); err != nil {
		return Distillation{}, err
	}
	return g.Distillation, nil
}

var _ Generator = (*MockGenerator)(nil)
