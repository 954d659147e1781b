// Package telemetry emits the lifecycle decision trail. Delivery is
// fire-and-forget: a full queue drops events rather than ever blocking
// promotion, consolidation, or distillation.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventSignificanceScored  EventType = "significance_scored"
	EventFactPromoted        EventType = "fact_promoted"
	EventEpisodeConsolidated EventType = "episode_consolidated"
	EventKnowledgeDistilled  EventType = "knowledge_distilled"
)

// Event carries enough payload to reconstruct a lifecycle decision.
type Event struct {
	Type      EventType      `json:"type"`
	At        time.Time      `json:"at"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// Hub buffers events and fans them out to subscribers (the websocket
// stream, tests) while logging each one.
type Hub struct {
	logger  *slog.Logger
	queue   chan Event
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		logger: logger,
		queue:  make(chan Event, buffer),
		subs:   make(map[int]chan Event),
	}
}

// Emit enqueues an event, dropping it if the queue is full.
func (h *Hub) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case h.queue <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded under backpressure.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribe registers a listener. The returned cancel must be called;
// slow listeners miss events instead of stalling the hub.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Run drains the queue until ctx is done, logging each event and fanning
// it out to subscribers.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			h.logger.Info("telemetry event",
				"type", string(ev.Type),
				"session_id", ev.SessionID,
				"fields", ev.Fields,
			)
			h.mu.Lock()
			for _, sub := range h.subs {
				select {
				case sub <- ev:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

var (
	_ Sink = (*Hub)(nil)
	_ Sink = NopSink{}
)
