// Package pipeline wires validated control input through the relay to the
// mediator, and echoes accepted input to observers.
package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/control"
	"github.com/Conceptual-Machines/defora-relay/internal/hub"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/mediator"
	"github.com/Conceptual-Machines/defora-relay/internal/modulation"
	"github.com/Conceptual-Machines/defora-relay/internal/relay"
)

// ErrUnauthorized is returned when a control token does not match.
var ErrUnauthorized = errors.New("unauthorized")

// Mediator is the consumer end of the pipeline.
type Mediator interface {
	Write(ctx context.Context, key string, value any) error
	Read(ctx context.Context, keys []string) (map[string]any, error)
	State() mediator.State
	Close() error
}

// Broadcaster fans events out to observers.
type Broadcaster interface {
	Broadcast(v any) int
	Len() int
	Close() error
}

// DispatchRecorder traces observer controls and the envelopes applied to
// the mediator.
type DispatchRecorder interface {
	RecordControl(ctx context.Context, source, controlType, outcome string)
	RecordDispatch(ctx context.Context, controlType string, writes int, duration time.Duration, err error)
}

// Runner is a timer-driven component stopped by cancelling ctx.
type Runner interface {
	Run(ctx context.Context)
}

// MIDIMapper turns a raw MIDI message into a liveParam payload.
type MIDIMapper interface {
	Map(msg []byte) (map[string]any, bool)
}

// Options configures a Pipeline. Validator, Queue, Bridge and Hub are
// required.
type Options struct {
	Validator *control.Validator
	Queue     relay.Queue
	Bridge    Mediator
	Hub       Broadcaster
	Engine    *modulation.Engine
	MIDI      MIDIMapper
	// Token, when set, must accompany every inbound control message.
	Token string
	// Runners are started by Start and stopped first on Close.
	Runners []Runner
	// OnTransport observes accepted transport controls.
	OnTransport func(control.Transport)
	Dispatch    DispatchRecorder
}

// ControlEvent is the observer echo of an accepted control.
type ControlEvent struct {
	Type        string         `json:"type"`
	Kind        string         `json:"kind"`
	ControlType string         `json:"controlType"`
	Payload     map[string]any `json:"payload"`
	Detail      string         `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Stats summarizes pipeline health.
type Stats struct {
	Relay     relay.Stats    `json:"relay"`
	Mediator  mediator.State `json:"mediator"`
	Observers int            `json:"observers"`
	Accepted  uint64         `json:"accepted"`
	Rejected  uint64         `json:"rejected"`
}

// Pipeline owns the Validator -> Relay -> Bridge path and its lifecycle.
type Pipeline struct {
	opts Options

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func New(opts Options) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{opts: opts, ctx: ctx, cancel: cancel}
}

// Start subscribes the mediator consumer and starts the runners.
func (p *Pipeline) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}
	if err := p.opts.Queue.Subscribe(p.ctx, p.deliver); err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}

	runners := p.opts.Runners
	if p.opts.Engine != nil {
		runners = append([]Runner{p.opts.Engine}, runners...)
	}
	for _, r := range runners {
		p.wg.Add(1)
		go func(r Runner) {
			defer p.wg.Done()
			r.Run(p.ctx)
		}(r)
	}
	return nil
}

// Authorize compares token against the configured secret.
func (p *Pipeline) Authorize(token string) bool {
	if p.opts.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.opts.Token)) == 1
}

// Submit validates one control message. Invalid input is returned to the
// caller as a *control.ValidationError and goes nowhere else; valid input
// is published to the relay and echoed to observers.
func (p *Pipeline) Submit(ctx context.Context, controlType string, raw map[string]any) (control.Result, error) {
	res := p.opts.Validator.Validate(controlType, raw)
	if !res.Valid {
		p.rejected.Add(1)
		return res, res.Err()
	}
	if err := p.apply(res.Payload); err != nil {
		p.rejected.Add(1)
		res.Valid = false
		res.Detail = err.Error()
		return res, res.Err()
	}

	env := relay.NewEnvelope(res.Payload, time.Now())
	p.opts.Queue.Publish(env)
	p.accepted.Add(1)
	res.EnvelopeID = env.ID

	p.opts.Hub.Broadcast(ControlEvent{
		Type:        hub.TypeEvent,
		Kind:        "control",
		ControlType: string(res.ControlType),
		Payload:     control.ToMap(res.Payload),
		Detail:      res.Detail,
		Timestamp:   env.Timestamp,
	})
	logger.Debug("Control accepted", logger.Component("pipeline").
		With("control_type", string(res.ControlType)).
		With("envelope_id", env.ID))
	return res, nil
}

// apply runs the local side effects of a payload before it is relayed.
func (p *Pipeline) apply(payload control.Payload) error {
	switch x := payload.(type) {
	case control.ParamSource:
		if p.opts.Engine == nil {
			return nil
		}
		return p.opts.Engine.Assign(x.Param, x.Source)
	case control.Transport:
		if p.opts.Engine != nil && x.Action == "start" {
			p.opts.Engine.Reset()
		}
		if p.opts.OnTransport != nil {
			p.opts.OnTransport(x)
		}
	}
	return nil
}

// Publish relays engine output. It does not echo to observers.
func (p *Pipeline) Publish(live control.LiveParams) {
	if len(live.Values) == 0 {
		return
	}
	p.opts.Queue.Publish(relay.NewEnvelope(live, time.Now()))
}

func (p *Pipeline) deliver(ctx context.Context, env relay.Envelope) error {
	start := time.Now()
	writes := p.opts.Validator.Writes(env.Payload)

	var errs []error
	for _, w := range writes {
		if err := p.opts.Bridge.Write(ctx, w.Key, w.Value); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", w.Key, err))
		}
	}
	err := errors.Join(errs...)
	if p.opts.Dispatch != nil {
		p.opts.Dispatch.RecordDispatch(ctx, string(env.ControlType), len(writes), time.Since(start), err)
	}
	return err
}

// ReadState reads current values back from the mediator.
func (p *Pipeline) ReadState(ctx context.Context, keys []string) (map[string]any, error) {
	return p.opts.Bridge.Read(ctx, keys)
}

func (p *Pipeline) Engine() *modulation.Engine { return p.opts.Engine }

func (p *Pipeline) Stats() Stats {
	return Stats{
		Relay:     p.opts.Queue.Stats(),
		Mediator:  p.opts.Bridge.State(),
		Observers: p.opts.Hub.Len(),
		Accepted:  p.accepted.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Close stops the timers, discards undelivered envelopes, closes the
// mediator and disconnects observers. Every step runs even if an earlier
// one fails.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		fields := logger.Component("pipeline")
		p.cancel()
		p.wg.Wait()

		var errs []error
		discarded, err := p.opts.Queue.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
		if discarded > 0 {
			logger.Warn("Discarded undelivered envelopes", fields.With("count", discarded))
		}
		if err := p.opts.Bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mediator: %w", err))
		}
		if err := p.opts.Hub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close hub: %w", err))
		}
		p.closeErr = errors.Join(errs...)
		logger.Info("Pipeline closed", fields)
	})
	return p.closeErr
}

// MediatorEvents returns a mediator OnState callback that tells observers
// when the connection comes up or goes down. Retry attempts in between are
// not broadcast.
func MediatorEvents(b Broadcaster) func(mediator.State) {
	var mu sync.Mutex
	connected := false
	return func(s mediator.State) {
		mu.Lock()
		changed := s.Connected != connected
		connected = s.Connected
		mu.Unlock()
		if !changed {
			return
		}
		b.Broadcast(MediatorEvent{
			Type:      hub.TypeEvent,
			Kind:      "mediator",
			Connected: s.Connected,
			Error:     s.LastError,
		})
	}
}

// MediatorEvent reports a mediator connection change to observers.
type MediatorEvent struct {
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}
