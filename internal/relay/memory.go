package relay

import (
	"context"
	"sync"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
)

// DefaultCapacity bounds the relay buffer when none is configured.
const DefaultCapacity = 1024

// Options configures a queue.
type Options struct {
	Name     string
	Capacity int
	// OnDrop is called with the number of envelopes evicted by a publish.
	OnDrop func(n int)
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "memory"
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	return o
}

// Memory is an in-process bounded queue with drop-oldest overflow.
type Memory struct {
	opts Options

	mu         sync.Mutex
	buf        *ring
	dropped    uint64
	published  uint64
	subscribed bool
	closed     bool

	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemory creates an in-process queue.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		opts:  opts,
		buf:   newRing(opts.Capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Publish never blocks. Envelopes published after Close are discarded.
func (m *Memory) Publish(env Envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	evicted := m.buf.push(env)
	m.published++
	if evicted {
		m.dropped++
	}
	m.mu.Unlock()

	if evicted && m.opts.OnDrop != nil {
		m.opts.OnDrop(1)
	}
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Subscribe starts the single delivery goroutine.
func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.subscribed {
		return ErrAlreadySubscribed
	}
	m.subscribed = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.deliver(ctx, h)
	return nil
}

func (m *Memory) deliver(ctx context.Context, h Handler) {
	defer m.wg.Done()
	fields := logger.Component("relay").With("queue", m.opts.Name)

	for {
		m.mu.Lock()
		env, ok := m.buf.pop()
		m.mu.Unlock()

		if !ok {
			select {
			case <-m.ready:
				continue
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}

		if err := h(ctx, env); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("relay handler failed, envelope dropped", fields.
				With("envelope_id", env.ID).
				With("control_type", string(env.ControlType)).
				With("error", err.Error()))
		}
	}
}

// Close discards anything still buffered and waits for delivery to stop.
func (m *Memory) Close() (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil
	}
	m.closed = true
	discarded := m.buf.reset()
	cancel := m.cancel
	m.mu.Unlock()

	close(m.done)
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return discarded, nil
}

// Stats returns a snapshot of the queue.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Name:      m.opts.Name,
		Buffered:  m.buf.len(),
		Dropped:   m.dropped,
		Published: m.published,
		Connected: !m.closed,
	}
}
