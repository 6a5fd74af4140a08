// Package mediatortest provides an in-memory mediator speaking the pickled
// [rw, param, value] protocol, for tests and offline runs.
package mediatortest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/mediator"
	"github.com/gorilla/websocket"
)

// Handler is the mock mediator. It stores written values, answers reads
// with [value] (0 when unset) and echoes writes as [param, value].
type Handler struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	state  map[string]any
	frames []mediator.Frame
	conns  map[*websocket.Conn]struct{}
	down   bool
	garble int
	reject map[string]bool
}

// NewHandler returns a mock mediator seeded with initial values.
func NewHandler(initial map[string]any) *Handler {
	state := make(map[string]any, len(initial))
	for k, v := range initial {
		state[k] = v
	}
	return &Handler{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		state:    state,
		conns:    make(map[*websocket.Conn]struct{}),
		reject:   make(map[string]bool),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	down := h.down
	h.mu.Unlock()
	if down {
		http.Error(w, "mediator down", http.StatusServiceUnavailable)
		return
	}

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		reply := h.handle(data)
		if err := c.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			return
		}
	}
}

func (h *Handler) handle(data []byte) []byte {
	frame, err := mediator.DecodeFrame(data)
	if err != nil {
		reply, _ := mediator.EncodeList("error", err.Error())
		return reply
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)

	if h.garble > 0 {
		h.garble--
		return []byte{0xff, 0x00, 0x13}
	}

	if frame.Op == mediator.OpWrite && h.reject[frame.Key] {
		reply, _ := mediator.EncodeList("error", "rejected "+frame.Key)
		return reply
	}

	var reply []byte
	if frame.Op == mediator.OpRead {
		v, ok := h.state[frame.Key]
		if !ok {
			v = 0
		}
		reply, err = mediator.EncodeList(v)
	} else {
		h.state[frame.Key] = frame.Value
		reply, err = mediator.EncodeList(frame.Key, frame.Value)
	}
	if err != nil {
		logger.Warn("Mock mediator cannot encode reply", logger.Component("mediatortest").With("error", err.Error()))
		reply, _ = mediator.EncodeList("error", err.Error())
	}
	return reply
}

// Down drops every connection and refuses new ones until Up.
func (h *Handler) Down() {
	h.mu.Lock()
	h.down = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Up accepts connections again.
func (h *Handler) Up() {
	h.mu.Lock()
	h.down = false
	h.mu.Unlock()
}

// GarbleNext makes the next n replies undecodable.
func (h *Handler) GarbleNext(n int) {
	h.mu.Lock()
	h.garble = n
	h.mu.Unlock()
}

// Reject makes every write to key answer with an error reply.
func (h *Handler) Reject(key string) {
	h.mu.Lock()
	h.reject[key] = true
	h.mu.Unlock()
}

// Frames returns every request received so far.
func (h *Handler) Frames() []mediator.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]mediator.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

// ResetFrames forgets recorded requests.
func (h *Handler) ResetFrames() {
	h.mu.Lock()
	h.frames = nil
	h.mu.Unlock()
}

// Value returns a stored value.
func (h *Handler) Value(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.state[key]
	return v, ok
}

// Server runs a Handler on a loopback listener.
type Server struct {
	*Handler
	ts *httptest.Server
}

// NewServer starts a mock mediator.
func NewServer(initial map[string]any) *Server {
	h := NewHandler(initial)
	return &Server{Handler: h, ts: httptest.NewServer(h)}
}

// URL is the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *Server) Close() {
	s.Down()
	s.ts.Close()
}
