package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.CIARThreshold != 0.6 {
		t.Fatalf("threshold = %v, want 0.6", cfg.CIARThreshold)
	}
	if cfg.WindowSize != 10 {
		t.Fatalf("window size = %d, want 10", cfg.WindowSize)
	}
	if cfg.WindowTTL != time.Hour {
		t.Fatalf("window ttl = %v, want 1h", cfg.WindowTTL)
	}
	if cfg.FactTTL != 7*24*time.Hour {
		t.Fatalf("fact ttl = %v, want 168h", cfg.FactTTL)
	}
	if cfg.MinFactCount != 3 || cfg.MinEpisodeCount != 3 {
		t.Fatalf("min counts = %d/%d, want 3/3", cfg.MinFactCount, cfg.MinEpisodeCount)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Fatalf("breaker failures = %d, want 5", cfg.BreakerFailureThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MEMORY_CIAR_THRESHOLD", "0.75")
	t.Setenv("MEMORY_WINDOW_SIZE", "25")
	t.Setenv("MEMORY_WINDOW_TTL", "30m")
	t.Setenv("GENAI_MODE", "heuristic")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CIARThreshold != 0.75 {
		t.Fatalf("threshold = %v", cfg.CIARThreshold)
	}
	if cfg.WindowSize != 25 {
		t.Fatalf("window size = %d", cfg.WindowSize)
	}
	if cfg.WindowTTL != 30*time.Minute {
		t.Fatalf("window ttl = %v", cfg.WindowTTL)
	}
	if cfg.GenAIMode != "heuristic" {
		t.Fatalf("genai mode = %q", cfg.GenAIMode)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"MEMORY_CIAR_THRESHOLD": "1.5",
		"MEMORY_WINDOW_SIZE":    "0",
		"MEMORY_FACT_TTL":       "-1h",
		"MEMORY_WINDOW_TTL":     "not-a-duration",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s accepted", key, value)
			}
		})
	}
}
