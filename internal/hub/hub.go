// Package hub fans events out to connected observers over WebSocket.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// Outbound message types.
const (
	TypeHello  = "hello"
	TypeEvent  = "event"
	TypeError  = "error"
	TypeStream = "stream"
	TypeFrame  = "frame"
)

const (
	writeTimeout         = 2 * time.Second
	maxDecodeErrors      = 5
	maxFramePayloadBytes = 64 << 10
)

// ErrClosed is returned when joining a closed hub.
var ErrClosed = errors.New("hub closed")

// ErrorMessage is sent to a single peer when its frame is rejected.
type ErrorMessage struct {
	Type   string `json:"type"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

// NewError builds an error frame.
func NewError(msg, detail string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Msg: msg, Detail: detail}
}

// Dispatcher handles one inbound frame from a peer.
type Dispatcher interface {
	Dispatch(ctx context.Context, p *Peer, frame []byte)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, p *Peer, frame []byte)

func (f DispatchFunc) Dispatch(ctx context.Context, p *Peer, frame []byte) { f(ctx, p, frame) }

// Peer is one observer connection.
type Peer struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (p *Peer) ID() string { return p.id }

// Send encodes v as JSON and writes it to this peer only.
func (p *Peer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (p *Peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := p.conn.Write(data)
	return err
}

func (p *Peer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// Options configures a Hub.
type Options struct {
	// Hello builds the greeting sent to each new peer.
	Hello func() any
}

// Hub tracks observers and broadcasts to all of them.
type Hub struct {
	opts Options

	mu     sync.Mutex
	peers  map[*Peer]struct{}
	closed bool
}

func New(opts Options) *Hub {
	return &Hub{opts: opts, peers: make(map[*Peer]struct{})}
}

// Join registers conn as a peer.
func (h *Hub) Join(conn *websocket.Conn) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	p := &Peer{id: uuid.NewString(), conn: conn}
	h.peers[p] = struct{}{}
	return p, nil
}

// Leave unregisters and closes p.
func (h *Hub) Leave(p *Peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	_ = p.close()
}

// Len is the number of connected peers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Broadcast encodes v once and writes it to every peer. Peers whose write
// fails are dropped. It returns the number of peers reached.
func (h *Hub) Broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Broadcast payload not encodable", err, logger.Component("hub"))
		return 0
	}

	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	sent := 0
	for _, p := range peers {
		if err := p.write(data); err != nil {
			logger.Debug("Dropping observer after failed write", logger.Component("hub").
				With("peer", p.id).
				With("error", err.Error()))
			h.Leave(p)
			continue
		}
		sent++
	}
	return sent
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[*Peer]struct{})
	h.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler serves observer connections, passing each inbound JSON frame to d.
// Origins are not checked; the control token gates writes instead.
func (h *Hub) Handler(d Dispatcher) http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   func(conn *websocket.Conn) { h.serve(conn, d) },
	}
}

func (h *Hub) serve(conn *websocket.Conn, d Dispatcher) {
	peer, err := h.Join(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer h.Leave(peer)

	fields := logger.Component("hub").With("peer", peer.id)
	logger.Debug("Observer connected", fields)

	if h.opts.Hello != nil {
		if err := peer.Send(h.opts.Hello()); err != nil {
			return
		}
	}

	ctx := conn.Request().Context()
	conn.MaxPayloadBytes = maxFramePayloadBytes
	decodeErrors := 0
	for {
		var frame []byte
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				// the oversized frame is drained by the next Receive
				_ = peer.Send(NewError("frame too large", ""))
				continue
			}
			if !errors.Is(err, io.EOF) && !h.isClosed() {
				logger.Debug("Observer read failed", fields.With("error", err.Error()))
			}
			return
		}
		if !json.Valid(frame) {
			decodeErrors++
			_ = peer.Send(NewError("invalid frame", ""))
			if decodeErrors >= maxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0
		d.Dispatch(ctx, peer, frame)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
