package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Conceptual-Machines/defora-relay/internal/control"
	"github.com/Conceptual-Machines/defora-relay/internal/hub"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
)

// Inbound is an observer frame.
type Inbound struct {
	Type        string         `json:"type"`
	Token       string         `json:"token,omitempty"`
	ControlType string         `json:"controlType,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Data        []int          `json:"data,omitempty"`
}

// Dispatch handles one observer frame. Rejections are sent back to that
// peer only.
func (p *Pipeline) Dispatch(ctx context.Context, peer *hub.Peer, frame []byte) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		_ = peer.Send(hub.NewError("invalid frame", err.Error()))
		return
	}

	switch in.Type {
	case "control", "midi":
	default:
		_ = peer.Send(hub.NewError("unsupported frame type", in.Type))
		return
	}

	controlType := in.ControlType
	if in.Type == "midi" {
		controlType = string(control.TypeLiveParam)
	}
	fields := logger.Component("pipeline").
		With("peer", peer.ID()).
		With("source", in.Type).
		With("control_type", controlType)

	if !p.Authorize(in.Token) {
		logger.Warn("Rejected control with bad token", fields)
		p.recordControl(ctx, in.Type, controlType, outcomeUnauthorized)
		_ = peer.Send(hub.NewError(ErrUnauthorized.Error(), ""))
		return
	}

	var (
		res control.Result
		err error
	)
	if in.Type == "midi" {
		res, err = p.submitMIDI(ctx, in.Data)
	} else {
		res, err = p.Submit(ctx, in.ControlType, in.Payload)
	}
	if err == nil {
		if res.EnvelopeID != "" {
			p.recordControl(ctx, in.Type, controlType, outcomeAccepted)
			logger.Debug("Observer control relayed", fields.With("envelope_id", res.EnvelopeID))
		}
		return
	}

	p.recordControl(ctx, in.Type, controlType, outcomeInvalid)
	var verr *control.ValidationError
	if errors.As(err, &verr) {
		_ = peer.Send(hub.NewError("invalid control", verr.Error()))
		return
	}
	_ = peer.Send(hub.NewError(err.Error(), ""))
}

const (
	outcomeAccepted     = "accepted"
	outcomeInvalid      = "invalid"
	outcomeUnauthorized = "unauthorized"
)

func (p *Pipeline) recordControl(ctx context.Context, source, controlType, outcome string) {
	if p.opts.Dispatch != nil {
		p.opts.Dispatch.RecordControl(ctx, source, controlType, outcome)
	}
}

func (p *Pipeline) submitMIDI(ctx context.Context, data []int) (control.Result, error) {
	if p.opts.MIDI == nil {
		return control.Result{}, errors.New("midi input is not configured")
	}
	msg := make([]byte, 0, len(data))
	for _, b := range data {
		if b < 0 || b > 0xff {
			return control.Result{}, errors.New("midi data must be bytes")
		}
		msg = append(msg, byte(b))
	}
	raw, ok := p.opts.MIDI.Map(msg)
	if !ok {
		// unbound controllers are ignored
		return control.Result{}, nil
	}
	return p.Submit(ctx, string(control.TypeLiveParam), raw)
}
