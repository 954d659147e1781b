package genai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/antoniostano/mnemo/internal/model"
)

// HeuristicGenerator is the rule-based fallback used when the model
// collaborator is unavailable. Its output is deliberately conservative
// and always tagged with heuristic provenance.
type HeuristicGenerator struct {
	segmentSize int
}

func NewHeuristicGenerator() *HeuristicGenerator {
	return &HeuristicGenerator{segmentSize: 6}
}

func (g *HeuristicGenerator) Provenance() model.Provenance { return model.ProvenanceHeuristic }

// SegmentTopics groups consecutive turns into fixed-size segments. No
// semantic segmentation without a model; size-bounded chunks keep
// extraction prompts and windows manageable.
func (g *HeuristicGenerator) SegmentTopics(_ context.Context, turns []model.Turn) ([]TopicSegment, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	size := g.segmentSize
	if size <= 0 {
		size = 6
	}
	var out []TopicSegment
	for start := 0; start < len(turns); start += size {
		end := start + size
		if end > len(turns) {
			end = len(turns)
		}
		ids := make([]string, 0, end-start)
		for _, t := range turns[start:end] {
			ids = append(ids, t.ID)
		}
		out = append(out, TopicSegment{
			Topic:   fmt.Sprintf("segment-%d", len(out)+1),
			TurnIDs: ids,
		})
	}
	return out, nil
}

// Declarative first-person markers and their base certainty. Stronger
// commitments score higher.
var claimMarkers = []struct {
	marker    string
	certainty float64
	impact    float64
}{
	{"my name is", 0.9, 0.9},
	{"i always", 0.8, 0.7},
	{"i never", 0.8, 0.7},
	{"i love", 0.7, 0.6},
	{"i hate", 0.7, 0.6},
	{"i prefer", 0.7, 0.6},
	{"i like", 0.6, 0.5},
	{"i dislike", 0.6, 0.5},
	{"i work", 0.7, 0.6},
	{"i live", 0.7, 0.6},
	{"my favorite", 0.7, 0.6},
	{"i am allergic", 0.9, 0.9},
	{"i am", 0.5, 0.4},
}

// ExtractFacts scans user turns for declarative first-person statements.
func (g *HeuristicGenerator) ExtractFacts(_ context.Context, turns []model.Turn) ([]FactCandidate, error) {
	var out []FactCandidate
	for _, t := range turns {
		if t.Role != "" && t.Role != "user" {
			continue
		}
		for _, sentence := range splitSentences(t.Content) {
			lower := strings.ToLower(sentence)
			for _, m := range claimMarkers {
				if !strings.Contains(lower, m.marker) {
					continue
				}
				out = append(out, FactCandidate{
					Entity:        entityFor(m.marker),
					Claim:         strings.TrimSpace(sentence),
					Certainty:     m.certainty,
					Impact:        m.impact,
					SourceTurnIDs: []string{t.ID},
				})
				break
			}
		}
	}
	return out, nil
}

func entityFor(marker string) string {
	switch marker {
	case "my name is", "i am":
		return "identity"
	case "i work", "i live":
		return "circumstances"
	case "i am allergic":
		return "health"
	default:
		return "preferences"
	}
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

// Summarize concatenates claims into a templated narrative. An episode
// built this way is flat but never lost.
func (g *HeuristicGenerator) Summarize(_ context.Context, facts []model.Fact) (string, error) {
	if len(facts) == 0 {
		return "", fmt.Errorf("%w: no facts to summarize", ErrSchema)
	}
	claims := make([]string, 0, len(facts))
	for _, f := range facts {
		claims = append(claims, strings.TrimSpace(f.Claim))
	}
	return "Recorded facts: " + strings.Join(claims, "; ") + ".", nil
}

// Distill picks the dominant entity across episodes and joins their
// summaries; certainty stays fixed and low since no reasoning happened.
func (g *HeuristicGenerator) Distill(_ context.Context, episodes []model.Episode) (Distillation, error) {
	if len(episodes) == 0 {
		return Distillation{}, fmt.Errorf("%w: no episodes to distill", ErrSchema)
	}
	counts := map[string]int{}
	for _, e := range episodes {
		counts[e.Entity]++
	}
	entities := make([]string, 0, len(counts))
	for e := range counts {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		if counts[entities[i]] != counts[entities[j]] {
			return counts[entities[i]] > counts[entities[j]]
		}
		return entities[i] < entities[j]
	})
	summaries := make([]string, 0, len(episodes))
	for _, e := range episodes {
		summaries = append(summaries, strings.TrimSpace(e.Summary))
	}
	return Distillation{
		Type:      model.KnowledgeGeneral,
		Entity:    entities[0],
		Content:   "Recurring pattern: " + strings.Join(summaries, " | "),
		Certainty: 0.5,
	}, nil
}

// HashEmbedder is a deterministic embedding fallback so similarity search
// keeps working without a provider. Same text, same vector.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 1536
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		text = "empty"
	}
	vec := make([]float32, h.dim)
	var sum float64
	for i := 0; i < h.dim; i += 16 {
		block := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", text, i/16)))
		for j := 0; j < 16 && i+j < h.dim; j++ {
			chunk := binary.LittleEndian.Uint16(block[j*2:])
			v := float32(chunk%2000)/1000.0 - 1.0
			vec[i+j] = v
			sum += float64(v) * float64(v)
		}
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

var (
	_ Generator = (*HeuristicGenerator)(nil)
	_ Embedder  = (*HashEmbedder)(nil)
)
