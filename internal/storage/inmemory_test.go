package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWindowAppendTrim(t *testing.T) {
	a := NewInMemoryAdapter()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		payload := []byte(fmt.Sprintf("turn-%d", i))
		if err := a.AppendTrim(ctx, "s1", payload, 10, time.Hour); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	window, err := a.Window(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 10 {
		t.Fatalf("window size = %d, want 10", len(window))
	}
	if string(window[0]) != "turn-19" {
		t.Fatalf("newest entry = %q, want turn-19", window[0])
	}
	if string(window[9]) != "turn-10" {
		t.Fatalf("oldest kept entry = %q, want turn-10", window[9])
	}
}

func TestWindowTTLExpiry(t *testing.T) {
	a := NewInMemoryAdapter()
	now := time.Now().UTC()
	a.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := a.AppendTrim(ctx, "s1", []byte("x"), 10, time.Hour); err != nil {
		t.Fatalf("append: %v", err)
	}
	now = now.Add(2 * time.Hour)
	window, err := a.Window(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 0 {
		t.Fatalf("expired window still returned %d entries", len(window))
	}
}

func TestRetrieveNotFound(t *testing.T) {
	a := NewInMemoryAdapter()
	_, err := a.Retrieve(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchFiltersAndExpiry(t *testing.T) {
	a := NewInMemoryAdapter()
	now := time.Now().UTC()
	a.SetClock(func() time.Time { return now })
	ctx := context.Background()

	store := func(id, session string, score float64, expires time.Time) {
		_, err := a.Store(ctx, Record{
			ID:      id,
			Payload: []byte("{}"),
			Metadata: map[string]any{
				"session_id": session,
				"score":      score,
				"expires_at": expires,
			},
		})
		if err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	store("a", "s1", 0.9, now.Add(time.Hour))
	store("b", "s1", 0.4, now.Add(time.Hour))
	store("c", "s2", 0.8, now.Add(time.Hour))
	store("d", "s1", 0.95, now.Add(-time.Minute)) // already expired

	out, err := a.Search(ctx, Query{SessionID: "s1", MinScore: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("search result = %+v, want only record a", out)
	}
}

func TestPurgeExpired(t *testing.T) {
	a := NewInMemoryAdapter()
	ctx := context.Background()
	now := time.Now().UTC()
	_, _ = a.Store(ctx, Record{ID: "old", Payload: []byte("{}"),
		Metadata: map[string]any{"expires_at": now.Add(-time.Hour)}})
	_, _ = a.Store(ctx, Record{ID: "live", Payload: []byte("{}"),
		Metadata: map[string]any{"expires_at": now.Add(time.Hour)}})

	purged, err := a.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := a.Retrieve(ctx, "live"); err != nil {
		t.Fatalf("live record purged: %v", err)
	}
}

func TestVectorSearchRanksBySimilarity(t *testing.T) {
	a := NewInMemoryAdapter()
	ctx := context.Background()
	_ = a.UpsertVector(ctx, "x", []float32{1, 0}, []byte("x"))
	_ = a.UpsertVector(ctx, "y", []float32{0, 1}, []byte("y"))
	_ = a.UpsertVector(ctx, "z", []float32{0.9, 0.1}, []byte("z"))

	out, err := a.SearchVector(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("results = %d, want 2", len(out))
	}
	if out[0].ID != "x" || out[1].ID != "z" {
		t.Fatalf("ranking = [%s %s], want [x z]", out[0].ID, out[1].ID)
	}
}

func TestGraphTraverseDepth(t *testing.T) {
	a := NewInMemoryAdapter()
	ctx := context.Background()
	_ = a.UpsertNode(ctx, "e1", []byte("{}"), []GraphEdge{
		{EpisodeID: "e1", From: "s1", Relation: "covers", To: "preferences"},
		{EpisodeID: "e1", From: "preferences", Relation: "supported_by", To: "e1"},
	})

	oneHop, err := a.Traverse(ctx, "s1", "", 1)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(oneHop) != 1 {
		t.Fatalf("one hop = %d edges, want 1", len(oneHop))
	}

	twoHop, err := a.Traverse(ctx, "s1", "", 2)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(twoHop) != 2 {
		t.Fatalf("two hops = %d edges, want 2", len(twoHop))
	}

	filtered, err := a.Traverse(ctx, "s1", "covers", 2)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Relation != "covers" {
		t.Fatalf("relation filter leaked: %+v", filtered)
	}
}

func TestRegistryOpensMemoryDriver(t *testing.T) {
	adapter, err := Open(context.Background(), "memory", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if adapter == nil {
		t.Fatalf("nil adapter")
	}
	found := false
	for _, s := range Schemes() {
		if s == "memory" {
			found = true
		}
	}
	if !found {
		t.Fatalf("memory scheme not registered: %v", Schemes())
	}
}
