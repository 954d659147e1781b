package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provenance marks whether a derived record came from the model-backed
// extractor or from the rule-based fallback. The two must never be
// indistinguishable downstream.
type Provenance string

const (
	ProvenanceModel     Provenance = "model"
	ProvenanceHeuristic Provenance = "heuristic"
)

// KnowledgeType classifies a distilled document.
type KnowledgeType string

const (
	KnowledgePreference KnowledgeType = "preference"
	KnowledgeRoutine    KnowledgeType = "routine"
	KnowledgeRelation   KnowledgeType = "relation"
	KnowledgeGeneral    KnowledgeType = "general"
)

// Turn is one raw conversational exchange. Turns live in the active
// context window until evicted or promoted.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Fact is a scored claim extracted from one or more turns. Facts are
// provisional: they expire from working memory unless consolidated.
type Fact struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Entity        string     `json:"entity"`
	Claim         string     `json:"claim"`
	Certainty     float64    `json:"certainty"`
	Impact        float64    `json:"impact"`
	Score         float64    `json:"score"`
	Provenance    Provenance `json:"provenance"`
	SourceTurnIDs []string   `json:"source_turn_ids"`
	AccessCount   int64      `json:"access_count"`
	LastAccessAt  time.Time  `json:"last_access_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// Episode is a consolidated narrative unit, dual-indexed under the same
// identifier in the vector and graph backends. ValidFrom/ValidTo bound
// when the content was true; ObservedAt records when we learned it.
type Episode struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Entity        string     `json:"entity"`
	Summary       string     `json:"summary"`
	Provenance    Provenance `json:"provenance"`
	SourceFactIDs []string   `json:"source_fact_ids"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       time.Time  `json:"valid_to"`
	ObservedAt    time.Time  `json:"observed_at"`
	Embedding     []float32  `json:"-"`
}

// KnowledgeDocument is a distilled pattern with explicit provenance back
// to the episodes that support it.
type KnowledgeDocument struct {
	ID         string        `json:"id"`
	Type       KnowledgeType `json:"type"`
	Entity     string        `json:"entity"`
	Content    string        `json:"content"`
	Confidence float64       `json:"confidence"`
	EpisodeIDs []string      `json:"episode_ids"`
	CreatedAt  time.Time     `json:"created_at"`
}

// idNamespace seeds deterministic ids so retried lifecycle passes land on
// the same identifiers instead of duplicating records.
var idNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DeterministicID derives a stable uuid from the given parts. Order of
// parts is significant; callers sort set-like inputs first.
func DeterministicID(kind string, parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(kind+"\x00"+strings.Join(parts, "\x00"))).String()
}

// FactID derives a stable fact id from its session, claim, and sources.
func FactID(sessionID, claim string, sourceTurnIDs []string) string {
	sources := append([]string(nil), sourceTurnIDs...)
	sort.Strings(sources)
	return DeterministicID("fact", append([]string{sessionID, claim}, sources...)...)
}

// EpisodeID derives a stable episode id from the fact-id set it
// consolidates, so overlapping consolidation passes converge.
func EpisodeID(factIDs []string) string {
	ids := append([]string(nil), factIDs...)
	sort.Strings(ids)
	return DeterministicID("episode", ids...)
}

// DocumentID derives a stable knowledge-document id from its type, entity,
// and supporting episode set.
func DocumentID(kind KnowledgeType, entity string, episodeIDs []string) string {
	ids := append([]string(nil), episodeIDs...)
	sort.Strings(ids)
	return DeterministicID("knowledge", append([]string{string(kind), entity}, ids...)...)
}

// ContentHash fingerprints arbitrary content for dedupe checks.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
