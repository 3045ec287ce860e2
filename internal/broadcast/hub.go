package broadcast

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a dashboard notification kind.
type EventType string

const (
	EventWebhookReceived     EventType = "webhook-received"
	EventQueueStatsChanged   EventType = "queue-stats-changed"
	EventSyncRunCompleted    EventType = "sync-run-completed"
	EventAlertCreated        EventType = "alert-created"
	EventHealthStatusChanged EventType = "health-status-changed"
	EventCircuitStateChanged EventType = "circuit-state-changed"
)

// Event is one notification pushed to connected observers.
type Event struct {
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, payload map[string]any) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

const observerBuffer = 64

type observer struct {
	id string
	ch chan Event
}

// Hub fans events out to connected observers. Delivery is best-effort and
// at-most-once: a full observer buffer drops the event for that observer
// only, so a slow dashboard never exerts backpressure on the pipeline.
type Hub struct {
	mu          sync.RWMutex
	observers   map[string]*observer
	logger      zerolog.Logger
	dropped     func(observerID string, ev Event)
	onBroadcast func(t EventType)
}

// OnBroadcast registers a hook invoked once per Broadcast call, before
// fan-out. Used to feed metrics without coupling the hub to them.
func (h *Hub) OnBroadcast(fn func(t EventType)) {
	h.mu.Lock()
	h.onBroadcast = fn
	h.mu.Unlock()
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		observers: make(map[string]*observer),
		logger:    logger.With().Str("component", "broadcast_hub").Logger(),
	}
}

// Subscribe registers an observer and returns its event channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (h *Hub) Subscribe(id string) (<-chan Event, func()) {
	obs := &observer{id: id, ch: make(chan Event, observerBuffer)}

	h.mu.Lock()
	if old, ok := h.observers[id]; ok {
		close(old.ch)
	}
	h.observers[id] = obs
	n := len(h.observers)
	h.mu.Unlock()

	h.logger.Info().Str("observer", id).Int("connected", n).Msg("observer subscribed")

	var once sync.Once
	return obs.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if cur, ok := h.observers[id]; ok && cur == obs {
				delete(h.observers, id)
				close(obs.ch)
			}
			h.mu.Unlock()
			h.logger.Info().Str("observer", id).Msg("observer unsubscribed")
		})
	}
}

// Broadcast pushes an event to every observer without blocking. Events to
// observers with a full buffer are dropped and logged.
func (h *Hub) Broadcast(t EventType, payload map[string]any) {
	ev := NewEvent(t, payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.onBroadcast != nil {
		h.onBroadcast(t)
	}
	for _, obs := range h.observers {
		h.deliver(obs, ev)
	}
}

// SendTo pushes an event to a single observer. Unknown observers are ignored.
func (h *Hub) SendTo(observerID string, t EventType, payload map[string]any) {
	ev := NewEvent(t, payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if obs, ok := h.observers[observerID]; ok {
		h.deliver(obs, ev)
	}
}

// ObserverCount returns the number of connected observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) deliver(obs *observer, ev Event) {
	select {
	case obs.ch <- ev:
	default:
		h.logger.Warn().
			Str("observer", obs.id).
			Str("event", string(ev.Type)).
			Msg("observer buffer full, event dropped")
		if h.dropped != nil {
			h.dropped(obs.id, ev)
		}
	}
}
