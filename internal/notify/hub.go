package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"grading-queue/internal/models"
	"grading-queue/internal/telemetry"
)

const (
	subscriberBuffer = 64
	hubBuffer        = 1024
)

// Subscriber is one real-time connection. Events for every room it joined arrive on C.
type Subscriber struct {
	ID string
	C  chan models.Event

	rooms map[string]struct{}
}

// Hub routes events to subscribers grouped by room. Publish never blocks the
// caller: events are queued for the dispatch loop, and a subscriber whose
// buffer is full misses the event instead of stalling everyone else.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscriber]struct{}
	events chan models.Event
	logger *slog.Logger
}

// NewHub creates an empty hub. Call Run to start dispatching.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		events: make(chan models.Event, hubBuffer),
		logger: logger,
	}
}

// Subscribe registers a new subscriber in the given rooms.
func (h *Hub) Subscribe(rooms ...string) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		C:     make(chan models.Event, subscriberBuffer),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	for _, r := range rooms {
		h.join(sub, r)
	}
	h.mu.Unlock()
	return sub
}

// Join adds sub to room.
func (h *Hub) Join(sub *Subscriber, room string) {
	h.mu.Lock()
	h.join(sub, room)
	h.mu.Unlock()
}

func (h *Hub) join(sub *Subscriber, room string) {
	if room == "" {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}
	sub.rooms[room] = struct{}{}
}

// Leave removes sub from room.
func (h *Hub) Leave(sub *Subscriber, room string) {
	h.mu.Lock()
	h.leave(sub, room)
	h.mu.Unlock()
}

func (h *Hub) leave(sub *Subscriber, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(sub.rooms, room)
}

// Unsubscribe leaves every room and closes the subscriber's channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.rooms == nil {
		return
	}
	for room := range sub.rooms {
		h.leave(sub, room)
	}
	sub.rooms = nil
	close(sub.C)
}

// Rooms lists the rooms sub is in.
func (h *Hub) Rooms(sub *Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(sub.rooms))
	for r := range sub.rooms {
		out = append(out, r)
	}
	return out
}

// Recipients counts subscribers currently in room.
func (h *Hub) Recipients(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish queues ev for delivery. It reports false if the hub is saturated and the event was dropped.
func (h *Hub) Publish(ev models.Event) bool {
	select {
	case h.events <- ev:
		return true
	default:
		telemetry.FanoutPublishes.WithLabelValues(ev.Name, "dropped").Inc()
		h.logger.Warn("fan-out queue full, event dropped", "event", ev.Name, "rooms", ev.Rooms)
		return false
	}
}

// Run dispatches queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := make(map[*Subscriber]struct{})
	for _, room := range ev.Rooms {
		recipients := 0
		for sub := range h.rooms[room] {
			if _, done := delivered[sub]; done {
				recipients++
				continue
			}
			select {
			case sub.C <- ev:
				delivered[sub] = struct{}{}
				recipients++
			default:
				telemetry.FanoutDropped.Inc()
				h.logger.Warn("subscriber buffer full, delivery dropped", "room", room, "conn", sub.ID, "event", ev.Name)
			}
		}
		outcome := "delivered"
		if recipients == 0 {
			outcome = "no_recipients"
		}
		telemetry.FanoutPublishes.WithLabelValues(ev.Name, outcome).Inc()
		h.logger.Info("event published", "room", room, "event", ev.Name, "recipients", recipients)
	}
}
