package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"grading-queue/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// clientMessage is what a websocket client may send.
type clientMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// serverMessage is one frame sent to a websocket client.
type serverMessage struct {
	Event     string          `json:"event"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WSHandler upgrades connections and joins them to rooms. A connection starts
// in user:<userId> when the userId query parameter is set, and may send
// {"action":"join"|"leave","room":"..."} to change rooms.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler builds the websocket endpoint. checkOrigin may be nil to accept any origin.
func NewWSHandler(hub *Hub, checkOrigin func(*http.Request) bool, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	var rooms []string
	if uid := r.URL.Query().Get("userId"); uid != "" {
		rooms = append(rooms, models.UserRoom(uid))
	}
	sub := h.hub.Subscribe(rooms...)
	h.logger.Info("websocket connected", "conn", sub.ID, "rooms", rooms)

	done := make(chan struct{})
	go h.writeLoop(conn, sub, done)
	h.readLoop(conn, sub)

	h.hub.Unsubscribe(sub)
	<-done
	h.logger.Info("websocket disconnected", "conn", sub.ID)
}

func (h *WSHandler) readLoop(conn *websocket.Conn, sub *Subscriber) {
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "conn", sub.ID, "err", err)
			}
			return
		}
		switch msg.Action {
		case "join":
			h.hub.Join(sub, msg.Room)
			h.logger.Info("room joined", "conn", sub.ID, "room", msg.Room)
		case "leave":
			h.hub.Leave(sub, msg.Room)
			h.logger.Info("room left", "conn", sub.ID, "room", msg.Room)
		default:
			h.logger.Warn("unknown websocket action", "conn", sub.ID, "action", msg.Action)
		}
	}
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscriber, done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()
	for {
		select {
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(serverMessage{Event: ev.Name, Payload: ev.Payload, Timestamp: ev.Timestamp}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
