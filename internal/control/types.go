package control

import "fmt"

// Type is the discriminator of an inbound control message.
type Type string

const (
	TypeLiveParam    Type = "liveParam"
	TypePrompts      Type = "prompts"
	TypeTransport    Type = "transport"
	TypeMotionPreset Type = "motionPreset"
	TypeControlNet   Type = "controlnet"
	TypeParamSource  Type = "paramSource"
)

// Known reports whether t is one of the closed set of control types.
func (t Type) Known() bool {
	switch t {
	case TypeLiveParam, TypePrompts, TypeTransport, TypeMotionPreset, TypeControlNet, TypeParamSource:
		return true
	}
	return false
}

// Payload is a validated control payload. The set of implementations is
// closed to this package.
type Payload interface {
	Type() Type
	isPayload()
}

// ParamValue is one coerced parameter delta.
type ParamValue struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// LiveParams carries range-checked parameter deltas, sorted by key.
type LiveParams struct {
	Values []ParamValue
}

func (LiveParams) Type() Type { return TypeLiveParam }
func (LiveParams) isPayload() {}

// Get returns the value for key.
func (p LiveParams) Get(key string) (float64, bool) {
	for _, v := range p.Values {
		if v.Key == key {
			return v.Value, true
		}
	}
	return 0, false
}

// ScheduleEntry is one prompt-mix keyframe.
type ScheduleEntry struct {
	Time float64 `json:"time"`
	Mix  float64 `json:"mix"`
}

// Prompts carries prompt text, mix weights and prompt switches.
type Prompts struct {
	Text     map[string]string
	Numbers  map[string]float64
	Schedule []ScheduleEntry
}

func (Prompts) Type() Type { return TypePrompts }
func (Prompts) isPayload() {}

// Transport is a normalized play/stop/resume request.
type Transport struct {
	Action     string
	StartFrame *int
}

func (Transport) Type() Type { return TypeTransport }
func (Transport) isPayload() {}

// MotionPreset is a named camera motion preset, passed through as-is.
type MotionPreset struct {
	Name   string
	Fields map[string]any
}

func (MotionPreset) Type() Type { return TypeMotionPreset }
func (MotionPreset) isPayload() {}

// ControlNet is the state of one ControlNet slot.
type ControlNet struct {
	Slot   string
	Fields map[string]any
}

func (ControlNet) Type() Type { return TypeControlNet }
func (ControlNet) isPayload() {}

// ParamSource assigns which source drives a parameter.
type ParamSource struct {
	Param  string
	Source string
	Fields map[string]any
}

func (ParamSource) Type() Type { return TypeParamSource }
func (ParamSource) isPayload() {}

// Result is the outcome of Validate. Callers must not forward a result
// whose Valid flag is false.
type Result struct {
	ControlType Type
	Payload     Payload
	Valid       bool
	Detail      string
	// EnvelopeID is set by the pipeline once the payload is relayed.
	EnvelopeID string
}

// ValidationError reports a rejected control message to its sender.
type ValidationError struct {
	ControlType string
	Detail      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s control: %s", e.ControlType, e.Detail)
}

// Err converts an invalid result into a *ValidationError.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{ControlType: string(r.ControlType), Detail: r.Detail}
}
