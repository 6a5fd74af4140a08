package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/control"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultRetryDelay = 2 * time.Second
	publishTimeout    = 5 * time.Second
	contentTypeJSON   = "application/json"
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type amqpConn interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialFunc func(url string) (amqpConn, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string) (amqpConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// AMQPOptions configures the broker-backed queue.
type AMQPOptions struct {
	Options
	URL        string
	Queue      string
	RetryDelay time.Duration
}

// AMQP relays envelopes through a RabbitMQ queue. Producers write into a
// bounded local outbox so Publish never waits on the broker; consumed
// envelopes are handed to the subscriber through a bounded inbox.
type AMQP struct {
	opts      AMQPOptions
	validator *control.Validator
	dial      dialFunc

	mu        sync.Mutex
	outbox    *ring
	dropped   uint64
	published uint64
	connected bool
	closed    bool

	inbox      *Memory
	handler    Handler
	outboxWake chan struct{}
	resub      chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewAMQP creates the queue and starts its connection loop. The loop
// retries with a fixed delay until Close.
func NewAMQP(opts AMQPOptions, validator *control.Validator) *AMQP {
	return newAMQP(opts, validator, dialAMQP)
}

func newAMQP(opts AMQPOptions, validator *control.Validator, dial dialFunc) *AMQP {
	if opts.Name == "" {
		opts.Name = opts.Queue
	}
	opts.Options = opts.Options.withDefaults()
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	q := &AMQP{
		opts:       opts,
		validator:  validator,
		dial:       dial,
		outbox:     newRing(opts.Capacity),
		inbox:      NewMemory(Options{Name: opts.Queue + "-inbox", Capacity: opts.Capacity, OnDrop: opts.OnDrop}),
		outboxWake: make(chan struct{}, 1),
		resub:      make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Publish buffers env for the broker without blocking.
func (q *AMQP) Publish(env Envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	evicted := q.outbox.push(env)
	q.published++
	if evicted {
		q.dropped++
	}
	q.mu.Unlock()

	if evicted && q.opts.OnDrop != nil {
		q.opts.OnDrop(1)
	}
	select {
	case q.outboxWake <- struct{}{}:
	default:
	}
}

// Subscribe starts consuming from the broker queue.
func (q *AMQP) Subscribe(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.handler != nil {
		q.mu.Unlock()
		return ErrAlreadySubscribed
	}
	q.handler = h
	q.mu.Unlock()

	if err := q.inbox.Subscribe(ctx, h); err != nil {
		return err
	}
	select {
	case q.resub <- struct{}{}:
	default:
	}
	return nil
}

func (q *AMQP) subscribed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handler != nil
}

func (q *AMQP) setConnected(v bool) {
	q.mu.Lock()
	q.connected = v
	q.mu.Unlock()
}

func (q *AMQP) run(ctx context.Context) {
	defer q.wg.Done()
	fields := logger.Component("relay").With("queue", q.opts.Queue)

	for {
		err := q.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errResubscribe) {
			continue
		}
		logger.Warn("Relay transport unavailable, retrying", fields.
			With("error", err.Error()).
			With("retry_in", q.opts.RetryDelay.String()))

		select {
		case <-time.After(q.opts.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

var errResubscribe = errors.New("resubscribe")

func (q *AMQP) session(ctx context.Context) error {
	conn, err := q.dial(q.opts.URL)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrTransportUnavailable, err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: channel: %v", ErrTransportUnavailable, err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(q.opts.Queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare %s: %v", ErrTransportUnavailable, q.opts.Queue, err)
	}

	var deliveries <-chan amqp.Delivery
	if q.subscribed() {
		deliveries, err = ch.Consume(q.opts.Queue, "", true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("%w: consume %s: %v", ErrTransportUnavailable, q.opts.Queue, err)
		}
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	q.setConnected(true)
	defer q.setConnected(false)
	logger.Info("Relay transport connected", logger.Component("relay").
		With("queue", q.opts.Queue).
		With("consuming", deliveries != nil))

	for {
		if err := q.flush(ctx, ch); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.outboxWake:
		case <-q.resub:
			if deliveries == nil {
				return errResubscribe
			}
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: consumer cancelled", ErrTransportUnavailable)
			}
			q.receive(d.Body)
		case amqpErr := <-closed:
			if amqpErr == nil {
				return fmt.Errorf("%w: connection closed", ErrTransportUnavailable)
			}
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, amqpErr)
		}
	}
}

// flush publishes buffered envelopes in order. An envelope leaves the
// outbox only once the broker accepted it.
func (q *AMQP) flush(ctx context.Context, ch amqpChannel) error {
	for {
		q.mu.Lock()
		env, ok := q.outbox.peek()
		q.mu.Unlock()
		if !ok {
			return nil
		}

		body, err := Marshal(env)
		if err != nil {
			logger.Error("Relay envelope not encodable, dropped", err, logger.Component("relay").With("envelope_id", env.ID))
			q.popIf(env.ID)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = ch.PublishWithContext(pubCtx, "", q.opts.Queue, false, false, amqp.Publishing{
			ContentType: contentTypeJSON,
			MessageId:   env.ID,
			Timestamp:   env.Timestamp,
			Body:        body,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("%w: publish: %v", ErrTransportUnavailable, err)
		}
		q.popIf(env.ID)
	}
}

// popIf removes the head only if it is still id; a concurrent publish may
// have evicted it meanwhile.
func (q *AMQP) popIf(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if head, ok := q.outbox.peek(); ok && head.ID == id {
		q.outbox.pop()
	}
}

func (q *AMQP) receive(body []byte) {
	env, err := Unmarshal(q.validator, body)
	if err != nil {
		logger.Warn("Relay message rejected", logger.Component("relay").
			With("queue", q.opts.Queue).
			With("error", err.Error()))
		return
	}
	q.inbox.Publish(env)
}

// Close stops the connection loop and discards unsent and undelivered
// envelopes.
func (q *AMQP) Close() (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	discarded := q.outbox.reset()
	q.mu.Unlock()

	inboxDiscarded, err := q.inbox.Close()
	return discarded + inboxDiscarded, err
}

// Stats returns a snapshot of the outbox.
func (q *AMQP) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:      q.opts.Queue,
		Buffered:  q.outbox.len(),
		Dropped:   q.dropped,
		Published: q.published,
		Connected: q.connected,
	}
}
