package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/engine"
	"github.com/antoniostano/mnemo/internal/genai"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/orchestrator"
	"github.com/antoniostano/mnemo/internal/storage"
	"github.com/antoniostano/mnemo/internal/tier"
)

func testConfig() config.Config {
	return config.Config{
		CIARThreshold:           0.6,
		AgeHalfLife:             72 * time.Hour,
		RecencyWindow:           24 * time.Hour,
		WindowSize:              10,
		WindowTTL:               time.Hour,
		FactTTL:                 7 * 24 * time.Hour,
		PromotionBatchSize:      20,
		ConsolidationWindow:     24 * time.Hour,
		MinFactCount:            3,
		MinEpisodeCount:         3,
		DefaultContextBudget:    4096,
		EmbeddingDim:            64,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
		PromotionInterval:       time.Minute,
		ConsolidationInterval:   time.Hour,
		DistillationInterval:    time.Hour,
		ReconcileInterval:       time.Hour,
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := testConfig()
	dual := storage.NewInMemoryAdapter()

	active := tier.NewActiveContextTier(cfg, storage.NewInMemoryAdapter(), nil)
	working := tier.NewWorkingMemoryTier(cfg, storage.NewInMemoryAdapter(), nil)
	episodic := tier.NewEpisodicMemoryTier(dual, dual, nil)
	semantic := tier.NewSemanticMemoryTier(dual, episodic, nil)

	gen := genai.NewMockGenerator()
	embedder := genai.NewHashEmbedder(cfg.EmbeddingDim)
	promotion := engine.NewPromotionEngine(cfg, active, working, gen, nil, nil, nil)
	consolidation := engine.NewConsolidationEngine(cfg, working, episodic, gen, embedder, nil, nil, nil)
	distillation := engine.NewDistillationEngine(cfg, episodic, semantic, gen, nil, nil, nil)

	orch := orchestrator.New(cfg, active, working, episodic, semantic,
		promotion, consolidation, distillation, embedder, nil, nil)

	srv := httptest.NewServer(New(cfg, orch, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestIngestAndWindow(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/turns", map[string]string{
		"session_id": "s1", "role": "user", "content": "My name is Ada.",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		TurnID string `json:"turn_id"`
	}
	decodeBody(t, resp, &created)
	if created.TurnID == "" {
		t.Fatalf("empty turn id")
	}

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/window")
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var window struct {
		SessionID string       `json:"session_id"`
		Turns     []model.Turn `json:"turns"`
	}
	decodeBody(t, resp, &window)
	if len(window.Turns) != 1 || window.Turns[0].Content != "My name is Ada." {
		t.Fatalf("window = %+v", window)
	}
}

func TestIngestValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/turns", map[string]string{"content": "no session"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/turns", map[string]string{"session_id": "s1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLifecycleTriggerAndQuery(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/turns", map[string]string{
		"session_id": "s1", "role": "user", "content": "I always drink tea in the morning.",
	})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/lifecycle/promotion", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var trigger struct {
		Engine  string              `json:"engine"`
		Outcome engine.CycleOutcome `json:"outcome"`
	}
	decodeBody(t, resp, &trigger)
	if trigger.Engine != "promotion" {
		t.Fatalf("engine = %q", trigger.Engine)
	}
	if trigger.Outcome.Produced == 0 {
		t.Fatalf("promotion produced nothing: %+v", trigger.Outcome)
	}

	resp = postJSON(t, srv.URL+"/v1/query", orchestrator.QueryRequest{SessionID: "s1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result orchestrator.QueryResult
	decodeBody(t, resp, &result)
	if len(result.Facts) == 0 {
		t.Fatalf("no facts after promotion: %+v", result)
	}
}

func TestContextEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/turns", map[string]string{
		"session_id": "s1", "role": "user", "content": "hello there",
	})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/context?budget=128")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var block orchestrator.ContextBlock
	decodeBody(t, resp, &block)
	if block.Budget != 128 {
		t.Fatalf("budget = %d, want 128", block.Budget)
	}
	if len(block.Entries) == 0 {
		t.Fatalf("empty context block")
	}
	if block.Used > block.Budget {
		t.Fatalf("used %d exceeds budget %d", block.Used, block.Budget)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestEndSession(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/turns", map[string]string{
		"session_id": "s1", "role": "user", "content": "hi",
	})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/sessions/s1/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/s1/window")
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	var window struct {
		Turns []model.Turn `json:"turns"`
	}
	decodeBody(t, resp, &window)
	if len(window.Turns) != 0 {
		t.Fatalf("window survived session end: %+v", window.Turns)
	}
}
