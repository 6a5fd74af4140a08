package control

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Write is one mediator parameter write.
type Write struct {
	Key   string
	Value any
}

// Writes maps a validated payload to the mediator writes that apply it.
// Flagged parameters are preceded by a write enabling their flag.
// Payload kinds that only concern observers produce no writes.
func (v *Validator) Writes(p Payload) []Write {
	switch x := p.(type) {
	case LiveParams:
		return v.liveParamWrites(x)
	case Prompts:
		return promptWrites(x)
	case Transport:
		return transportWrites(x)
	}
	return nil
}

func (v *Validator) liveParamWrites(p LiveParams) []Write {
	writes := make([]Write, 0, len(p.Values)*2)
	for _, pv := range p.Values {
		if flag, ok := v.registry.FlagFor(pv.Key); ok {
			writes = append(writes, Write{Key: flag, Value: 1})
		}
		spec, _ := v.registry.Lookup(pv.Key)
		if spec.Integer {
			writes = append(writes, Write{Key: pv.Key, Value: int(pv.Value)})
			continue
		}
		writes = append(writes, Write{Key: pv.Key, Value: pv.Value})
	}
	return writes
}

func promptWrites(p Prompts) []Write {
	writes := make([]Write, 0, len(p.Text)+len(p.Numbers))
	for _, k := range sortedKeys(p.Text) {
		writes = append(writes, Write{Key: k, Value: p.Text[k]})
	}
	for _, k := range sortedKeys(p.Numbers) {
		writes = append(writes, Write{Key: k, Value: p.Numbers[k]})
	}
	return writes
}

func transportWrites(t Transport) []Write {
	var writes []Write
	if t.StartFrame != nil {
		writes = append(writes, Write{Key: "start_frame", Value: *t.StartFrame})
	}
	switch t.Action {
	case "start", "resume", "toggle":
		writes = append(writes, Write{Key: "should_resume", Value: 1})
	case "stop":
		writes = append(writes, Write{Key: "is_paused_rendering", Value: 1})
	}
	return writes
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap renders a payload in its canonical JSON object form. Feeding the
// result back through Validate yields an equal payload.
func ToMap(p Payload) map[string]any {
	switch x := p.(type) {
	case LiveParams:
		out := make(map[string]any, len(x.Values))
		for _, v := range x.Values {
			out[v.Key] = v.Value
		}
		return out
	case Prompts:
		out := make(map[string]any, len(x.Text)+len(x.Numbers)+1)
		for k, v := range x.Text {
			out[k] = v
		}
		for k, v := range x.Numbers {
			out[k] = v
		}
		if len(x.Schedule) > 0 {
			sched := make([]any, 0, len(x.Schedule))
			for _, e := range x.Schedule {
				sched = append(sched, map[string]any{"time": e.Time, "mix": e.Mix})
			}
			out[promptScheduleField] = sched
		}
		return out
	case Transport:
		out := map[string]any{"action": x.Action}
		if x.StartFrame != nil {
			out["start_frame"] = *x.StartFrame
		}
		return out
	case MotionPreset:
		return copyFields(x.Fields)
	case ControlNet:
		return copyFields(x.Fields)
	case ParamSource:
		return copyFields(x.Fields)
	}
	return map[string]any{}
}

// Decode re-validates a payload read back from a transport.
func (v *Validator) Decode(controlType string, raw json.RawMessage) (Result, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Result{ControlType: Type(controlType)}, fmt.Errorf("decode %s payload: %w", controlType, err)
	}
	res := v.Validate(controlType, m)
	return res, res.Err()
}
