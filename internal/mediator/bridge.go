package mediator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	DefaultRetryDelay = 2 * time.Second
	DefaultTimeout    = 10 * time.Second
	DefaultQueueSize  = 256
)

var (
	// ErrTransportUnavailable reports that the mediator cannot be reached.
	ErrTransportUnavailable = errors.New("mediator unavailable")
	// ErrQueueFull is returned when a write arrives while disconnected and
	// the pending queue has no room for its key.
	ErrQueueFull = errors.New("mediator pending queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mediator bridge closed")
	// ErrRejected marks an ["error", msg] reply to a well-formed request.
	ErrRejected = errors.New("mediator rejected request")
)

// ProtocolError reports a reply the bridge could not decode, or an error
// reply (wrapping ErrRejected). Only undecodable replies tear down the
// connection.
type ProtocolError struct {
	Key string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mediator protocol error on %q: %v", e.Key, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Status is the connection state of the bridge.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is a snapshot of the connection.
type State struct {
	Status       Status `json:"status"`
	Connected    bool   `json:"connected"`
	LastError    string `json:"lastError,omitempty"`
	PendingRetry bool   `json:"pendingRetry"`
	Pending      int    `json:"pending"`
}

// Options configures a Bridge.
type Options struct {
	URL        string
	RetryDelay time.Duration
	// Timeout bounds dialing and each request/reply exchange.
	Timeout   time.Duration
	QueueSize int
	// Flags are set to 1 on every connect, before pending writes flush.
	Flags []string
	// OnState is called from the bridge goroutine on every status change.
	// It must not call Write or Read.
	OnState func(State)
	Metrics metrics.Recorder
}

type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (conn, error)

func dialWebsocket(ctx context.Context, url string) (conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type request struct {
	op    Opcode
	key   string
	value any
	keys  []string
	reply chan result
}

type result struct {
	values map[string]any
	err    error
}

// Bridge owns the single connection to the mediator. All socket I/O
// happens on one goroutine, so writes are never interleaved.
type Bridge struct {
	opts Options
	dial dialFunc
	reqs chan request

	// owned by the run goroutine
	queue *pending

	mu    sync.Mutex
	state State

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a bridge that connects to opts.URL and keeps reconnecting
// until Close.
func New(opts Options) *Bridge {
	return newBridge(opts, dialWebsocket)
}

func newBridge(opts Options, dial dialFunc) *Bridge {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:   opts,
		dial:   dial,
		reqs:   make(chan request),
		queue:  newPending(opts.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

// Write sets key to value on the mediator. A nil error means the write was
// delivered, or queued for delivery on reconnect.
func (b *Bridge) Write(ctx context.Context, key string, value any) error {
	if _, err := EncodeFrame(OpWrite, key, value); err != nil {
		return err
	}
	return b.do(ctx, request{op: OpWrite, key: key, value: value}).err
}

// Read fetches the current value of each key.
func (b *Bridge) Read(ctx context.Context, keys []string) (map[string]any, error) {
	r := b.do(ctx, request{op: OpRead, keys: keys})
	return r.values, r.err
}

func (b *Bridge) do(ctx context.Context, req request) result {
	req.reply = make(chan result, 1)
	select {
	case b.reqs <- req:
	case <-b.done:
		return result{err: ErrClosed}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	select {
	case r := <-req.reply:
		return r
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

// State returns the current connection snapshot.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Close cancels retries, closes the connection and discards pending writes.
func (b *Bridge) Close() error {
	b.closeOnce.Do(b.cancel)
	<-b.done
	return nil
}

func (b *Bridge) setState(s State) {
	s.Connected = s.Status == Connected
	s.Pending = b.queue.len()

	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()

	if prev.Status != s.Status && b.opts.OnState != nil {
		b.opts.OnState(s)
	}
}

func (b *Bridge) syncPending() {
	b.mu.Lock()
	b.state.Pending = b.queue.len()
	b.mu.Unlock()
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	fields := logger.Component("mediator").With("url", b.opts.URL)
	everConnected := false

	for {
		c, err := b.connect(ctx)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			if everConnected {
				b.opts.Metrics.RecordMediatorReconnect()
			}
			everConnected = true
			logger.Info("Mediator connected", fields)

			err = b.serve(ctx, c)
			if ctx.Err() != nil {
				break
			}
			logger.Warn("Mediator connection lost", fields.With("error", err.Error()))
		} else {
			err = fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
			logger.Debug("Mediator dial failed", fields.With("error", err.Error()))
		}

		b.setState(State{Status: Disconnected, LastError: err.Error(), PendingRetry: true})
		if !b.wait(ctx, b.opts.RetryDelay) {
			break
		}
	}

	if n := b.queue.len(); n > 0 {
		logger.Warn("Mediator bridge closed with pending writes", fields.With("discarded", n))
	}
	b.queue = newPending(b.opts.QueueSize)
	b.setState(State{Status: Disconnected})
}

// connect dials while still answering requests in offline mode.
func (b *Bridge) connect(ctx context.Context) (conn, error) {
	b.setState(State{Status: Connecting, LastError: b.State().LastError})

	dctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	type dialed struct {
		c   conn
		err error
	}
	ch := make(chan dialed, 1)
	go func() {
		c, err := b.dial(dctx, b.opts.URL)
		ch <- dialed{c, err}
	}()

	for {
		select {
		case d := <-ch:
			if d.err == nil && ctx.Err() != nil {
				_ = d.c.Close()
				return nil, ctx.Err()
			}
			return d.c, d.err
		case req := <-b.reqs:
			b.offline(req)
		}
	}
}

func (b *Bridge) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case <-ctx.Done():
			return false
		case req := <-b.reqs:
			b.offline(req)
		}
	}
}

func (b *Bridge) offline(req request) {
	if req.op != OpWrite {
		req.reply <- result{err: ErrTransportUnavailable}
		return
	}
	if !b.queue.put(req.key, req.value) {
		req.reply <- result{err: ErrQueueFull}
		return
	}
	b.syncPending()
	req.reply <- result{}
}

func (b *Bridge) serve(ctx context.Context, c conn) error {
	s := newSession(c, b.opts.Timeout)
	defer s.stop()

	b.setState(State{Status: Connected})

	for _, flag := range b.opts.Flags {
		if _, err := s.exchange(ctx, OpWrite, flag, 1); err != nil {
			return fmt.Errorf("enable %s: %w", flag, err)
		}
	}
	if err := b.flush(ctx, s); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.errs:
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		case <-s.frames:
			// unsolicited frame
		case req := <-b.reqs:
			if err := b.online(ctx, s, req); err != nil {
				return err
			}
		}
	}
}

// flush sends queued writes in order. A write stays queued until the
// mediator answered it; a write it rejected or garbled is dropped so the
// rest of the queue can drain. Only a garbled reply ends the session.
func (b *Bridge) flush(ctx context.Context, s *session) error {
	for {
		key, value, ok := b.queue.head()
		if !ok {
			return nil
		}
		_, err := s.exchange(ctx, OpWrite, key, value)
		b.opts.Metrics.RecordMediatorWrite(err == nil)
		if err != nil {
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				return err
			}
			logger.Warn("Dropped pending write", logger.Component("mediator").
				With("key", key).
				With("error", err.Error()))
		}
		b.queue.pop()
		b.syncPending()
		if err != nil && !errors.Is(err, ErrRejected) {
			return err
		}
	}
}

func (b *Bridge) online(ctx context.Context, s *session, req request) error {
	if req.op == OpRead {
		values := make(map[string]any, len(req.keys))
		for _, key := range req.keys {
			v, err := s.exchange(ctx, OpRead, key, 0)
			if err != nil {
				req.reply <- result{err: err}
				return err
			}
			values[key] = v
		}
		req.reply <- result{values: values}
		return nil
	}

	_, err := s.exchange(ctx, OpWrite, req.key, req.value)
	b.opts.Metrics.RecordMediatorWrite(err == nil)
	if err == nil {
		req.reply <- result{}
		return nil
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		req.reply <- result{err: err}
		if errors.Is(err, ErrRejected) {
			return nil
		}
		return err
	}
	b.offline(req)
	return err
}

// session is one live connection with its reader goroutine.
type session struct {
	conn    conn
	timeout time.Duration
	frames  chan []byte
	errs    chan error
	quit    chan struct{}
}

func newSession(c conn, timeout time.Duration) *session {
	s := &session{
		conn:    c,
		timeout: timeout,
		frames:  make(chan []byte),
		errs:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *session) read() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.errs <- err
			return
		}
		select {
		case s.frames <- data:
		case <-s.quit:
			return
		}
	}
}

func (s *session) stop() {
	close(s.quit)
	_ = s.conn.Close()
}

func (s *session) exchange(ctx context.Context, op Opcode, key string, value any) (any, error) {
	data, err := EncodeFrame(op, key, value)
	if err != nil {
		return nil, err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return nil, fmt.Errorf("%w: send %s: %v", ErrTransportUnavailable, key, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case reply := <-s.frames:
		v, err := DecodeReply(reply)
		if err != nil {
			return nil, &ProtocolError{Key: key, Err: err}
		}
		return v, nil
	case err := <-s.errs:
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no reply for %s within %s", ErrTransportUnavailable, key, s.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
