// Package scoring implements the CIAR (certainty, impact, age, recency)
// significance score that gates promotion into working memory.
package scoring

import (
	"math"
	"time"
)

// Params tune the decay and boost curves. Zero values fall back to
// defaults so a zero Scorer is usable in tests.
type Params struct {
	// AgeHalfLife is the elapsed time after which age decay halves the
	// score. Default 72h.
	AgeHalfLife time.Duration
	// DecayFloor keeps old items from decaying to zero. Default 0.1.
	DecayFloor float64
	// RecencyWindow is the last-access horizon inside which accesses
	// still boost the score. Default 24h.
	RecencyWindow time.Duration
	// MaxBoost caps the recency multiplier above 1. Default 0.5.
	MaxBoost float64
}

func (p Params) withDefaults() Params {
	if p.AgeHalfLife <= 0 {
		p.AgeHalfLife = 72 * time.Hour
	}
	if p.DecayFloor <= 0 {
		p.DecayFloor = 0.1
	}
	if p.RecencyWindow <= 0 {
		p.RecencyWindow = 24 * time.Hour
	}
	if p.MaxBoost <= 0 {
		p.MaxBoost = 0.5
	}
	return p
}

// Input is everything the score depends on. Same input, same score:
// the caller supplies Now so scoring stays a pure function.
type Input struct {
	Certainty    float64
	Impact       float64
	CreatedAt    time.Time
	LastAccessAt time.Time
	AccessCount  int64
	Now          time.Time
}

// Breakdown carries the composite score and its factors, so telemetry
// can reconstruct why an item was or was not promoted.
type Breakdown struct {
	Certainty    float64 `json:"certainty"`
	Impact       float64 `json:"impact"`
	AgeDecay     float64 `json:"age_decay"`
	RecencyBoost float64 `json:"recency_boost"`
	Score        float64 `json:"score"`
}

// Scorer computes CIAR scores. It holds only immutable parameters.
type Scorer struct {
	params Params
}

func NewScorer(params Params) *Scorer {
	return &Scorer{params: params.withDefaults()}
}

// Calculate returns the composite score and its factors. The result is
// always in [0, 1].
func (s *Scorer) Calculate(in Input) Breakdown {
	p := s.params.withDefaults()

	certainty := clamp01(in.Certainty)
	impact := clamp01(in.Impact)

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	age := now.Sub(in.CreatedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-age.Hours() / p.AgeHalfLife.Hours())
	if decay < p.DecayFloor {
		decay = p.DecayFloor
	}

	boost := 1.0
	if in.AccessCount > 0 && !in.LastAccessAt.IsZero() {
		sinceAccess := now.Sub(in.LastAccessAt)
		if sinceAccess < 0 {
			sinceAccess = 0
		}
		freshness := 1 - sinceAccess.Hours()/p.RecencyWindow.Hours()
		if freshness > 0 {
			// Diminishing returns in access count.
			usage := math.Log1p(float64(in.AccessCount)) / math.Log1p(10)
			if usage > 1 {
				usage = 1
			}
			boost += p.MaxBoost * usage * freshness
		}
	}

	score := clamp01(certainty * impact * decay * boost)
	return Breakdown{
		Certainty:    certainty,
		Impact:       impact,
		AgeDecay:     decay,
		RecencyBoost: boost,
		Score:        score,
	}
}

// ShouldPromote reports whether a score clears the promotion threshold.
func (s *Scorer) ShouldPromote(score, threshold float64) bool {
	return score > threshold
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
