// Package monitor streams relayed frames to websocket viewers and accepts
// pause commands from them.
package monitor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gamerelay/dispatch"
	"gamerelay/packet"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	TypePacket = "packet"
	TypePause  = "pause"
	TypeError  = "error"

	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Viewers are local tools; the listen address is what restricts access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller is the part of the relay a viewer can steer.
type Controller interface {
	SetPaused(dir packet.Direction, paused bool)
}

// Event describes one frame after its handlers ran.
type Event struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
	ID        uint16 `json:"id"`
	Hash      string `json:"hash,omitempty"`
	Structure string `json:"structure,omitempty"`
	Length    int    `json:"length"`
	Payload   string `json:"payload"`
	Blocked   bool   `json:"blocked"`
	Valid     bool   `json:"valid"`
	Timestamp int64  `json:"timestamp"`
}

// Command is sent by a viewer.
type Command struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
	Paused    bool   `json:"paused"`
}

type reply struct {
	Type      string `json:"type"`
	Error     string `json:"error,omitempty"`
	Direction string `json:"direction,omitempty"`
	Paused    bool   `json:"paused"`
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every connected viewer. A viewer that cannot keep
// up loses events rather than slowing the relay.
type Hub struct {
	controller Controller
	logger     *zap.Logger

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	closed  bool
}

func NewHub(controller Controller, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		controller: controller,
		logger:     logger.With(zap.String("component", "monitor")),
		viewers:    make(map[*viewer]struct{}),
	}
}

// Handler returns a frame handler for one direction. Register it last so
// viewers see the final state of each frame.
func (h *Hub) Handler(dir packet.Direction) dispatch.Handler {
	return dispatch.HandlerFunc(func(_ context.Context, m *packet.Message) error {
		return h.Publish(dir, m)
	})
}

// Publish queues an event for m on every viewer.
func (h *Hub) Publish(dir packet.Direction, m *packet.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.viewers) == 0 {
		return nil
	}

	data, err := json.Marshal(Event{
		Type:      TypePacket,
		Direction: dir.String(),
		ID:        m.ID,
		Hash:      m.Hash,
		Structure: m.Structure,
		Length:    m.Length(),
		Payload:   hex.EncodeToString(m.Body),
		Blocked:   m.Blocked(),
		Valid:     m.Valid(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode monitor event: %w", err)
	}

	for v := range h.viewers {
		select {
		case v.send <- data:
		default:
			h.logger.Debug("Dropping event for slow viewer", zap.Uint16("message_id", m.ID))
		}
	}
	return nil
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	v := &viewer{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(v) {
		conn.Close()
		return
	}
	h.logger.Info("Viewer connected", zap.String("remote", r.RemoteAddr))

	go h.writeLoop(v)
	h.readLoop(v)

	h.remove(v)
	h.logger.Info("Viewer disconnected", zap.String("remote", r.RemoteAddr))
}

func (h *Hub) add(v *viewer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.viewers[v] = struct{}{}
	return true
}

func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; ok {
		delete(h.viewers, v)
		close(v.send)
	}
}

func (h *Hub) readLoop(v *viewer) {
	for {
		var cmd Command
		if err := v.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Viewer read failed", zap.Error(err))
			}
			return
		}
		h.queue(v, h.handleCommand(cmd))
	}
}

func (h *Hub) handleCommand(cmd Command) reply {
	if cmd.Type != TypePause {
		return reply{Type: TypeError, Error: fmt.Sprintf("unknown command %q", cmd.Type)}
	}
	dir, ok := packet.ParseDirection(cmd.Direction)
	if !ok {
		return reply{Type: TypeError, Error: fmt.Sprintf("unknown direction %q", cmd.Direction)}
	}
	if h.controller == nil {
		return reply{Type: TypeError, Error: "relay cannot be paused"}
	}
	h.controller.SetPaused(dir, cmd.Paused)
	return reply{Type: TypePause, Direction: dir.String(), Paused: cmd.Paused}
}

func (h *Hub) queue(v *viewer, r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; !ok {
		return
	}
	select {
	case v.send <- data:
	default:
	}
}

func (h *Hub) writeLoop(v *viewer) {
	defer v.conn.Close()
	for data := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Viewer write failed", zap.Error(err))
			return
		}
	}
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close disconnects every viewer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for v := range h.viewers {
		delete(h.viewers, v)
		close(v.send)
	}
}

// NewServer serves the hub at /ws on addr.
func NewServer(addr string, hub *Hub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
