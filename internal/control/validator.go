package control

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Conceptual-Machines/defora-relay/internal/params"
)

// Prompt fields the mediator understands.
var (
	promptTextFields = map[string]bool{
		"positive_prompt":   true,
		"negative_prompt":   true,
		"positive_prompt_1": true,
		"positive_prompt_2": true,
		"negative_prompt_1": true,
	}
	promptNumberFields = map[string]bool{
		"prompt_mix":                                true,
		"should_use_deforumation_prompts":           true,
		"should_use_before_deforum_prompt":          true,
		"should_use_after_deforum_prompt":           true,
		"should_use_deforumation_prompt_scheduling": true,
	}
)

const promptScheduleField = "promptSchedule"

// Validator turns untyped control messages into typed payloads.
// It has no side effects and is safe for concurrent use.
type Validator struct {
	registry *params.Registry
}

// NewValidator returns a validator bound to registry.
func NewValidator(registry *params.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate never panics on malformed input; inspect Result.Valid.
func (v *Validator) Validate(controlType string, raw map[string]any) Result {
	t := Type(controlType)
	if !t.Known() {
		return Result{ControlType: t, Detail: fmt.Sprintf("unknown control type %q", controlType)}
	}
	if raw == nil {
		return Result{ControlType: t, Detail: "payload must be an object"}
	}

	switch t {
	case TypeLiveParam:
		return v.liveParams(raw)
	case TypePrompts:
		return validatePrompts(raw)
	case TypeTransport:
		return validateTransport(raw)
	case TypeMotionPreset:
		name, ok := discriminator(raw, "name")
		if !ok {
			return Result{ControlType: t, Detail: "motionPreset requires name"}
		}
		return Result{ControlType: t, Payload: MotionPreset{Name: name, Fields: copyFields(raw)}, Valid: true, Detail: name}
	case TypeControlNet:
		slot, ok := discriminator(raw, "slot")
		if !ok {
			return Result{ControlType: t, Detail: "controlnet requires slot"}
		}
		return Result{ControlType: t, Payload: ControlNet{Slot: slot, Fields: copyFields(raw)}, Valid: true, Detail: slot}
	case TypeParamSource:
		param, ok := discriminator(raw, "param")
		if !ok {
			return Result{ControlType: t, Detail: "paramSource requires param"}
		}
		source, _ := raw["source"].(string)
		ps := ParamSource{Param: param, Source: strings.TrimSpace(source), Fields: copyFields(raw)}
		return Result{ControlType: t, Payload: ps, Valid: true, Detail: param}
	}
	return Result{ControlType: t, Detail: "unhandled control type"}
}

func (v *Validator) liveParams(raw map[string]any) Result {
	values := make([]ParamValue, 0, len(raw))
	var dropped []string
	for key, val := range raw {
		f, err := v.registry.Coerce(key, val)
		if err != nil {
			dropped = append(dropped, key)
			continue
		}
		values = append(values, ParamValue{Key: key, Value: f})
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Key < values[j].Key })
	sort.Strings(dropped)

	detail := "liveParam"
	if len(dropped) > 0 {
		detail = "dropped: " + strings.Join(dropped, ", ")
	}
	if len(values) == 0 {
		return Result{ControlType: TypeLiveParam, Detail: "no valid parameters"}
	}
	return Result{ControlType: TypeLiveParam, Payload: LiveParams{Values: values}, Valid: true, Detail: detail}
}

func validatePrompts(raw map[string]any) Result {
	p := Prompts{Text: map[string]string{}, Numbers: map[string]float64{}}
	for key, val := range raw {
		switch {
		case promptTextFields[key]:
			if s, ok := val.(string); ok {
				p.Text[key] = s
			}
		case promptNumberFields[key]:
			if f, ok := params.ToFloat(val); ok {
				p.Numbers[key] = f
			}
		case key == promptScheduleField:
			p.Schedule = filterSchedule(val)
		}
	}
	if mix, ok := p.Numbers["prompt_mix"]; ok {
		p.Numbers["prompt_mix"] = math.Max(0, math.Min(1, mix))
	}
	if len(p.Text) == 0 && len(p.Numbers) == 0 && len(p.Schedule) == 0 {
		return Result{ControlType: TypePrompts, Detail: "no prompt fields"}
	}
	return Result{ControlType: TypePrompts, Payload: p, Valid: true, Detail: "prompts"}
}

func filterSchedule(val any) []ScheduleEntry {
	items, ok := val.([]any)
	if !ok {
		return nil
	}
	out := make([]ScheduleEntry, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		at, okT := params.ToFloat(m["time"])
		mix, okM := params.ToFloat(m["mix"])
		if !okT || !okM {
			continue
		}
		out = append(out, ScheduleEntry{Time: at, Mix: mix})
	}
	return out
}

func validateTransport(raw map[string]any) Result {
	action, _ := raw["action"].(string)
	t := Transport{Action: strings.ToLower(strings.TrimSpace(action))}
	if sf, present := raw["start_frame"]; present {
		f, ok := params.ToFloat(sf)
		if !ok || f < 0 {
			return Result{ControlType: TypeTransport, Detail: "start_frame must be a non-negative number"}
		}
		n := int(f)
		t.StartFrame = &n
	}
	if t.Action == "" && t.StartFrame == nil {
		return Result{ControlType: TypeTransport, Detail: "transport requires action or start_frame"}
	}
	return Result{ControlType: TypeTransport, Payload: t, Valid: true, Detail: t.Action}
}

func discriminator(raw map[string]any, field string) (string, bool) {
	s, ok := raw[field].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func copyFields(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}
