package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEHandler streams room events as server-sent events. Rooms come from
// repeated room query parameters.
type SSEHandler struct {
	hub       *Hub
	keepalive time.Duration
	logger    *slog.Logger
}

// NewSSEHandler builds the SSE endpoint.
func NewSSEHandler(hub *Hub, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{hub: hub, keepalive: 15 * time.Second, logger: logger}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	rooms := r.URL.Query()["room"]
	if len(rooms) == 0 {
		http.Error(w, "at least one room is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.hub.Subscribe(rooms...)
	defer h.hub.Unsubscribe(sub)
	h.logger.Info("sse connected", "conn", sub.ID, "rooms", rooms)

	writeSSEEvent(w, flusher, "ready", map[string]any{"conn": sub.ID, "rooms": rooms})

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
