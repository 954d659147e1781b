// Package httpapi exposes the memory substrate over HTTP: turn
// ingestion, per-tier and fan-out retrieval, context assembly, manual
// lifecycle triggers, and a websocket stream of lifecycle telemetry.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/engine"
	"github.com/antoniostano/mnemo/internal/model"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/orchestrator"
	"github.com/antoniostano/mnemo/internal/storage"
	"github.com/antoniostano/mnemo/internal/telemetry"
)

// Memory is the orchestrator surface the HTTP layer depends on.
type Memory interface {
	IngestTurn(ctx context.Context, turn model.Turn) (string, error)
	GetWindow(ctx context.Context, sessionID string, limit int) ([]model.Turn, error)
	EndSession(ctx context.Context, sessionID string) error
	QueryMemory(ctx context.Context, req orchestrator.QueryRequest) orchestrator.QueryResult
	GetContextBlock(ctx context.Context, sessionID string, budget int) (orchestrator.ContextBlock, error)
	RunPromotionCycle(ctx context.Context) engine.CycleOutcome
	RunConsolidationCycle(ctx context.Context) engine.CycleOutcome
	RunDistillationCycle(ctx context.Context) engine.CycleOutcome
	RunReconciliation(ctx context.Context) (int, error)
	Health(ctx context.Context) orchestrator.SystemHealth
}

type Server struct {
	cfg      config.Config
	memory   Memory
	hub      *telemetry.Hub
	upgrader websocket.Upgrader
}

func New(cfg config.Config, memory Memory, hub *telemetry.Hub) *Server {
	return &Server{
		cfg:    cfg,
		memory: memory,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin only by default; non-browser clients that
				// omit Origin are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/turns", s.handleIngestTurn)
	r.Get("/v1/sessions/{id}/window", s.handleGetWindow)
	r.Get("/v1/sessions/{id}/context", s.handleGetContext)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/query", s.handleQuery)

	r.Post("/v1/lifecycle/promotion", s.handleLifecycle("promotion"))
	r.Post("/v1/lifecycle/consolidation", s.handleLifecycle("consolidation"))
	r.Post("/v1/lifecycle/distillation", s.handleLifecycle("distillation"))
	r.Post("/v1/lifecycle/reconciliation", s.handleReconciliation)

	r.Get("/v1/events", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.memory.Health(r.Context())
	status := http.StatusOK
	if h.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.memory.Health(r.Context())
	if h.Status == "unhealthy" {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type ingestRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func (s *Server) handleIngestTurn(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session_id is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "missing_content", "content is required")
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = "user"
	}
	id, err := s.memory.IngestTurn(r.Context(), model.Turn{
		SessionID: req.SessionID,
		Role:      role,
		Content:   req.Content,
	})
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"turn_id": id})
}

func (s *Server) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := intQuery(r, "limit", 0)
	turns, err := s.memory.GetWindow(r.Context(), id, limit)
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"turns":      turns,
	})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	budget := intQuery(r, "budget", 0)
	block, err := s.memory.GetContextBlock(r.Context(), id, budget)
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, block)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.memory.EndSession(r.Context(), id); err != nil {
		s.respondStorageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "status": "ended"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.memory.QueryMemory(r.Context(), req))
}

func (s *Server) handleLifecycle(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out engine.CycleOutcome
		switch name {
		case "promotion":
			out = s.memory.RunPromotionCycle(r.Context())
		case "consolidation":
			out = s.memory.RunConsolidationCycle(r.Context())
		case "distillation":
			out = s.memory.RunDistillationCycle(r.Context())
		}
		respondJSON(w, http.StatusOK, map[string]any{"engine": name, "outcome": out})
	}
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	removed, err := s.memory.RunReconciliation(r.Context())
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"engine": "reconciliation", "removed": removed})
}

// handleEventsWS streams lifecycle telemetry over a websocket. Slow
// consumers miss events; the stream never backpressures the engines.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "telemetry stream not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// Reader loop only to detect the peer closing.
	go func() {
		defer stop()
		conn.SetReadLimit(1 << 16)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondStorageError maps backend error kinds onto HTTP statuses.
func (s *Server) respondStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case storage.IsKind(err, storage.KindData), storage.IsKind(err, storage.KindQuery):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case storage.IsTransient(err):
		respondError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
