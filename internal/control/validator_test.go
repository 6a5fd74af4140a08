package control

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/Conceptual-Machines/defora-relay/internal/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *Validator {
	return NewValidator(params.Default())
}

func TestValidateUnknownControlType(t *testing.T) {
	v := newTestValidator()

	for _, ct := range []string{"", "motionStyle", "LIVEPARAM", "liveparam", "drop table", "control"} {
		t.Run(ct, func(t *testing.T) {
			res := v.Validate(ct, map[string]any{"cfg": 7})
			assert.False(t, res.Valid)
			assert.Nil(t, res.Payload)

			var verr *ValidationError
			require.True(t, errors.As(res.Err(), &verr))
			assert.Equal(t, ct, verr.ControlType)
		})
	}
}

func TestValidateLiveParamDropsJunk(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("liveParam", map[string]any{"cfg": "7.5", "junk": 1})
	require.True(t, res.Valid)

	live, ok := res.Payload.(LiveParams)
	require.True(t, ok)
	assert.Equal(t, []ParamValue{{Key: "cfg", Value: 7.5}}, live.Values)
	assert.Equal(t, map[string]any{"cfg": 7.5}, ToMap(live))
}

func TestValidateLiveParamSurvivorsAreRegisteredAndFinite(t *testing.T) {
	v := newTestValidator()
	reg := params.Default()

	payloads := []map[string]any{
		{"cfg": math.NaN(), "strength": math.Inf(-1), "fov": "wide"},
		{"translation_x": 99, "rotation_z": "-3", "nope": 2},
		{"seed": 12.7, "steps": true, "noise_multiplier": nil},
		{"": 1, "should_resume": []any{1}},
	}

	for _, raw := range payloads {
		res := v.Validate("liveParam", raw)
		if !res.Valid {
			assert.Nil(t, res.Payload)
			continue
		}
		for _, pv := range res.Payload.(LiveParams).Values {
			spec, ok := reg.Lookup(pv.Key)
			require.True(t, ok, "unregistered key %q survived", pv.Key)
			assert.False(t, math.IsNaN(pv.Value) || math.IsInf(pv.Value, 0))
			assert.GreaterOrEqual(t, pv.Value, spec.Min)
			assert.LessOrEqual(t, pv.Value, spec.Max)
		}
	}
}

func TestValidateLiveParamAllRejected(t *testing.T) {
	res := newTestValidator().Validate("liveParam", map[string]any{"cfg": "x"})
	assert.False(t, res.Valid)
	assert.Nil(t, res.Payload)
}

func TestValidatePrompts(t *testing.T) {
	res := newTestValidator().Validate("prompts", map[string]any{
		"positive_prompt_1": "a forest",
		"positive_prompt_2": "a city",
		"prompt_mix":        "0.4",
		"seed":              5,
		"promptSchedule": []any{
			map[string]any{"time": 0, "mix": 0.1},
			map[string]any{"time": "soon", "mix": 0.2},
			map[string]any{"time": 10, "mix": math.NaN()},
			"garbage",
			map[string]any{"time": 20.5, "mix": 1},
		},
	})
	require.True(t, res.Valid)

	p := res.Payload.(Prompts)
	assert.Equal(t, "a forest", p.Text["positive_prompt_1"])
	assert.InDelta(t, 0.4, p.Numbers["prompt_mix"], 1e-9)
	assert.NotContains(t, p.Numbers, "seed")
	assert.Equal(t, []ScheduleEntry{{Time: 0, Mix: 0.1}, {Time: 20.5, Mix: 1}}, p.Schedule)
}

func TestValidateTransport(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("transport", map[string]any{"action": "  RESUME ", "start_frame": 12.0})
	require.True(t, res.Valid)
	tr := res.Payload.(Transport)
	assert.Equal(t, "resume", tr.Action)
	require.NotNil(t, tr.StartFrame)
	assert.Equal(t, 12, *tr.StartFrame)

	res = v.Validate("transport", map[string]any{"action": "stop", "start_frame": "later"})
	assert.False(t, res.Valid)

	res = v.Validate("transport", map[string]any{})
	assert.False(t, res.Valid)
}

func TestValidateStructuralTypes(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		controlType string
		payload     map[string]any
		valid       bool
	}{
		{"motionPreset", map[string]any{"name": "orbit", "speed": 2}, true},
		{"motionPreset", map[string]any{"speed": 2}, false},
		{"controlnet", map[string]any{"slot": "CN1", "weight": 0.4, "enabled": true}, true},
		{"controlnet", map[string]any{"slot": "   "}, false},
		{"paramSource", map[string]any{"param": "cfg", "source": "lfo:a"}, true},
		{"paramSource", map[string]any{"param": 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.controlType, func(t *testing.T) {
			res := v.Validate(tt.controlType, tt.payload)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.valid {
				assert.Equal(t, tt.payload, ToMap(res.Payload))
			}
		})
	}
}

func TestWritesPrefixFlags(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("liveParam", map[string]any{"cfg": 7.5, "noise_multiplier": 0.9, "seed": 42, "unknown": 1})
	require.True(t, res.Valid)

	writes := v.Writes(res.Payload)
	assert.Equal(t, []Write{
		{Key: params.FlagCFG, Value: 1},
		{Key: "cfg", Value: 7.5},
		{Key: params.FlagNoise, Value: 1},
		{Key: "noise_multiplier", Value: 0.9},
		{Key: "seed", Value: 42},
	}, writes)
}

func TestTransportWrites(t *testing.T) {
	v := newTestValidator()

	res := v.Validate("transport", map[string]any{"action": "resume", "start_frame": 12})
	assert.Equal(t, []Write{{Key: "start_frame", Value: 12}, {Key: "should_resume", Value: 1}}, v.Writes(res.Payload))

	res = v.Validate("transport", map[string]any{"action": "stop"})
	assert.Equal(t, []Write{{Key: "is_paused_rendering", Value: 1}}, v.Writes(res.Payload))
}

func TestStructuralPayloadsProduceNoWrites(t *testing.T) {
	v := newTestValidator()
	res := v.Validate("controlnet", map[string]any{"slot": "CN2"})
	require.True(t, res.Valid)
	assert.Empty(t, v.Writes(res.Payload))
}

func TestDecodeRevalidates(t *testing.T) {
	v := newTestValidator()

	raw, err := json.Marshal(map[string]any{"strength": 0.25, "junk": true})
	require.NoError(t, err)

	res, err := v.Decode("liveParam", raw)
	require.NoError(t, err)
	assert.Equal(t, LiveParams{Values: []ParamValue{{Key: "strength", Value: 0.25}}}, res.Payload)

	_, err = v.Decode("liveParam", json.RawMessage(`{"cfg":`))
	assert.Error(t, err)

	_, err = v.Decode("bogus", json.RawMessage(`{}`))
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}
