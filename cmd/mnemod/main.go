package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/mnemo/internal/config"
	"github.com/antoniostano/mnemo/internal/engine"
	"github.com/antoniostano/mnemo/internal/genai"
	"github.com/antoniostano/mnemo/internal/httpapi"
	"github.com/antoniostano/mnemo/internal/observability"
	"github.com/antoniostano/mnemo/internal/orchestrator"
	"github.com/antoniostano/mnemo/internal/storage"
	"github.com/antoniostano/mnemo/internal/storage/pgstore"
	_ "github.com/antoniostano/mnemo/internal/storage/redikv"
	"github.com/antoniostano/mnemo/internal/telemetry"
	"github.com/antoniostano/mnemo/internal/tier"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	hub := telemetry.NewHub(logger, cfg.TelemetryBuffer)

	ctx := context.Background()

	// L1 window backend, selected through the driver registry: Redis when
	// configured, in-process otherwise.
	windowScheme, windowURL := "memory", ""
	if cfg.RedisURL != "" {
		windowScheme, windowURL = "redis", cfg.RedisURL
	}
	windowAdapter, err := storage.Open(ctx, windowScheme, windowURL)
	if err != nil {
		logger.Error("window backend init failed", "scheme", windowScheme, "error", err)
		os.Exit(1)
	}
	defer windowAdapter.Disconnect(ctx)
	windowBackend, ok := windowAdapter.(tier.WindowBackend)
	if !ok {
		logger.Error("window backend cannot serve session windows", "scheme", windowScheme)
		os.Exit(1)
	}
	logger.Info("active context backend ready", "scheme", windowScheme)

	// L2-L4 backends: one Postgres cluster when configured, in-process
	// otherwise.
	var (
		factBackend   storage.Adapter
		vectorBackend tier.VectorBackend
		graphBackend  tier.GraphBackend
		textBackend   tier.TextBackend
	)
	if cfg.DatabaseURL != "" {
		cluster, err := pgstore.New(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
		if err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		defer cluster.Close()
		factBackend = cluster.Records()
		vectorBackend = cluster.Vectors()
		graphBackend = cluster.Graph()
		textBackend = cluster.Docs()
		logger.Info("memory backend: postgres")
	} else {
		factBackend = storage.NewInMemoryAdapter()
		dual := storage.NewInMemoryAdapter()
		vectorBackend = dual
		graphBackend = dual
		textBackend = dual
		logger.Info("memory backend: in-memory")
	}

	active := tier.NewActiveContextTier(cfg, windowBackend, metrics)
	working := tier.NewWorkingMemoryTier(cfg, factBackend, metrics)
	episodic := tier.NewEpisodicMemoryTier(vectorBackend, graphBackend, metrics)
	semantic := tier.NewSemanticMemoryTier(textBackend, episodic, metrics)

	genaiCfg := genai.Config{
		Mode:           cfg.GenAIMode,
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		ChatModel:      cfg.ChatModel,
		EmbeddingModel: cfg.EmbeddingModel,
		EmbeddingDim:   cfg.EmbeddingDim,
		Timeout:        cfg.GenAITimeout,
	}
	generator, err := genai.NewGenerator(genaiCfg)
	if err != nil {
		logger.Error("generator init failed", "error", err)
		os.Exit(1)
	}
	embedder := genai.NewEmbedder(genaiCfg)
	logger.Info("generator ready", "provenance", string(generator.Provenance()))

	promotion := engine.NewPromotionEngine(cfg, active, working, generator, metrics, hub, logger)
	consolidation := engine.NewConsolidationEngine(cfg, working, episodic, generator, embedder, metrics, hub, logger)
	distillation := engine.NewDistillationEngine(cfg, episodic, semantic, generator, metrics, hub, logger)

	orch := orchestrator.New(cfg, active, working, episodic, semantic,
		promotion, consolidation, distillation, embedder, metrics, logger)

	api := httpapi.New(cfg, orch, hub)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go hub.Run(runCtx)
	go orch.Run(runCtx)

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
}
