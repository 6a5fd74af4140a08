package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/control"
	"github.com/google/uuid"
)

var (
	// ErrTransportUnavailable reports that the relay transport is down.
	ErrTransportUnavailable = errors.New("relay transport unavailable")
	// ErrAlreadySubscribed is returned when a second consumer subscribes.
	ErrAlreadySubscribed = errors.New("relay already has a subscriber")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("relay closed")
)

// Envelope is one validated control update in flight. It is a value and
// must not be modified once published.
type Envelope struct {
	ID          string
	ControlType control.Type
	Payload     control.Payload
	Timestamp   time.Time
}

// NewEnvelope stamps a validated payload for publishing.
func NewEnvelope(p control.Payload, now time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		ControlType: p.Type(),
		Payload:     p,
		Timestamp:   now,
	}
}

// Handler consumes envelopes in publish order.
type Handler func(ctx context.Context, env Envelope) error

// Queue decouples control producers from the mediator consumer.
type Queue interface {
	// Publish enqueues env without blocking. When the buffer is full the
	// oldest envelope is discarded.
	Publish(env Envelope)
	// Subscribe starts delivery to h. Only one subscriber is allowed.
	Subscribe(ctx context.Context, h Handler) error
	// Close stops delivery and reports how many buffered envelopes were
	// discarded.
	Close() (int, error)
	Stats() Stats
}

// Stats is a point-in-time snapshot of a queue.
type Stats struct {
	Name      string `json:"name"`
	Buffered  int    `json:"buffered"`
	Dropped   uint64 `json:"dropped"`
	Published uint64 `json:"published"`
	Connected bool   `json:"connected"`
}

type wireEnvelope struct {
	ID          string          `json:"id"`
	ControlType string          `json:"controlType"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Marshal encodes env in the relay wire format.
func Marshal(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(control.ToMap(env.Payload))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(wireEnvelope{
		ID:          env.ID,
		ControlType: string(env.ControlType),
		Payload:     payload,
		Timestamp:   env.Timestamp,
	})
}

// Unmarshal decodes a wire envelope, re-validating its payload.
func Unmarshal(v *control.Validator, body []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	res, err := v.Decode(w.ControlType, w.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:          w.ID,
		ControlType: res.ControlType,
		Payload:     res.Payload,
		Timestamp:   w.Timestamp,
	}, nil
}
