package redikv

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/antoniostano/mnemo/internal/storage"
)

func newTestAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, "test"), mr
}

func TestAppendTrimKeepsWindowBounded(t *testing.T) {
	a, _ := newTestAdapter(t)
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
		t.Fatalf("newest = %q, want turn-19", window[0])
	}
	if string(window[9]) != "turn-10" {
		t.Fatalf("oldest kept = %q, want turn-10", window[9])
	}
}

func TestWindowTTL(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()
	if err := a.AppendTrim(ctx, "s1", []byte("x"), 10, time.Hour); err != nil {
		t.Fatalf("append: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	window, err := a.Window(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 0 {
		t.Fatalf("expired window returned %d entries", len(window))
	}
}

func TestWindowLimit(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := a.AppendTrim(ctx, "s1", []byte{byte('a' + i)}, 10, time.Hour); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	window, err := a.Window(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 2 || string(window[0]) != "e" || string(window[1]) != "d" {
		t.Fatalf("window = %q, want [e d]", window)
	}
}

func TestStoreRetrieveDelete(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	id, err := a.Store(ctx, storage.Record{ID: "k1", Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	rec, err := a.Retrieve(ctx, id)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if string(rec.Payload) != "payload" {
		t.Fatalf("payload = %q", rec.Payload)
	}

	deleted, err := a.Delete(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	if _, err := a.Retrieve(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchUnsupported(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.Search(context.Background(), storage.Query{Text: "x"})
	if !storage.IsKind(err, storage.KindQuery) {
		t.Fatalf("err = %v, want query kind", err)
	}
}

func TestConnectionErrorClassified(t *testing.T) {
	a, mr := newTestAdapter(t)
	mr.Close()
	err := a.AppendTrim(context.Background(), "s1", []byte("x"), 10, time.Hour)
	if err == nil {
		t.Fatalf("append against closed server succeeded")
	}
	if !storage.IsTransient(err) {
		t.Fatalf("err = %v, want transient classification", err)
	}
}

func TestDriverRegistrySelectsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	adapter, err := storage.Open(ctx, "redis", "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer adapter.Disconnect(ctx)

	win, ok := adapter.(storage.WindowStore)
	if !ok {
		t.Fatalf("redis adapter does not serve session windows")
	}
	if err := win.AppendTrim(ctx, "s1", []byte("a"), 5, time.Minute); err != nil {
		t.Fatalf("append: %v", err)
	}
	window, err := win.Window(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 1 || string(window[0]) != "a" {
		t.Fatalf("window = %v, want one entry", window)
	}
}
