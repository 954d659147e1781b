package genai

import (
	"context"
	"strings"
	"testing"

	"github.com/antoniostano/mnemo/internal/model"
)

func TestHeuristicExtractsDeclarativeClaims(t *testing.T) {
	g := NewHeuristicGenerator()
	turns := []model.Turn{
		{ID: "t1", Role: "user", Content: "My name is Ada. The weather is nice today."},
		{ID: "t2", Role: "assistant", Content: "I always enjoy our chats."},
		{ID: "t3", Role: "user", Content: "I am allergic to peanuts!"},
	}
	facts, err := g.ExtractFacts(context.Background(), turns)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts = %d, want 2 (assistant turns ignored): %+v", len(facts), facts)
	}
	byClaim := map[string]FactCandidate{}
	for _, f := range facts {
		byClaim[f.Claim] = f
	}
	name, ok := byClaim["My name is Ada"]
	if !ok {
		t.Fatalf("name claim missing: %+v", facts)
	}
	if name.Entity != "identity" || name.Certainty != 0.9 {
		t.Fatalf("name candidate = %+v", name)
	}
	allergy, ok := byClaim["I am allergic to peanuts"]
	if !ok {
		t.Fatalf("allergy claim missing: %+v", facts)
	}
	if allergy.Entity != "health" {
		t.Fatalf("allergy entity = %q, want health", allergy.Entity)
	}
	if len(allergy.SourceTurnIDs) != 1 || allergy.SourceTurnIDs[0] != "t3" {
		t.Fatalf("allergy sources = %v", allergy.SourceTurnIDs)
	}
}

func TestHeuristicSegmentsBySize(t *testing.T) {
	g := NewHeuristicGenerator()
	turns := make([]model.Turn, 14)
	for i := range turns {
		turns[i] = model.Turn{ID: string(rune('a' + i))}
	}
	segments, err := g.SegmentTopics(context.Background(), turns)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}
	if len(segments[0].TurnIDs) != 6 || len(segments[2].TurnIDs) != 2 {
		t.Fatalf("segment sizes = %d/%d/%d, want 6/6/2",
			len(segments[0].TurnIDs), len(segments[1].TurnIDs), len(segments[2].TurnIDs))
	}
}

func TestHeuristicSummarizeAndDistill(t *testing.T) {
	g := NewHeuristicGenerator()
	ctx := context.Background()

	if _, err := g.Summarize(ctx, nil); err == nil {
		t.Fatalf("empty fact list accepted")
	}
	summary, err := g.Summarize(ctx, []model.Fact{
		{Claim: "likes tea"}, {Claim: "works remotely"},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(summary, "likes tea") || !strings.Contains(summary, "works remotely") {
		t.Fatalf("summary lost claims: %q", summary)
	}

	distilled, err := g.Distill(ctx, []model.Episode{
		{Entity: "preferences", Summary: "a"},
		{Entity: "preferences", Summary: "b"},
		{Entity: "health", Summary: "c"},
	})
	if err != nil {
		t.Fatalf("distill: %v", err)
	}
	if distilled.Entity != "preferences" {
		t.Fatalf("dominant entity = %q, want preferences", distilled.Entity)
	}
	if distilled.Certainty != 0.5 {
		t.Fatalf("certainty = %v, want fixed 0.5", distilled.Certainty)
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()
	a, err := e.Embed(ctx, "same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, _ := e.Embed(ctx, "same text")
	if len(a) != 64 {
		t.Fatalf("dim = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same text, different vector at %d", i)
		}
	}
	c, _ := e.Embed(ctx, "different text")
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("different text produced an identical vector")
	}
}

func TestGeneratorModeSelection(t *testing.T) {
	if _, err := NewGenerator(Config{Mode: "openai"}); err == nil {
		t.Fatalf("openai mode without a key accepted")
	}
	g, err := NewGenerator(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("auto mode: %v", err)
	}
	if g.Provenance() != model.ProvenanceHeuristic {
		t.Fatalf("keyless auto mode provenance = %q, want heuristic", g.Provenance())
	}
	if _, err := NewGenerator(Config{Mode: "nope"}); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

func TestFailureClassification(t *testing.T) {
	if !IsFailure(ErrProvider) || !IsFailure(ErrSchema) {
		t.Fatalf("failure sentinels not classified as failures")
	}
	if IsFailure(context.Canceled) {
		t.Fatalf("cancellation classified as a collaborator failure")
	}
}
