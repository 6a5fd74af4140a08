package midi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Conceptual-Machines/defora-relay/internal/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMap = `
bindings:
  - channel: 1
    controller: 21
    param: cfg
  - controller: 22
    param: fov
    min: 30
    max: 120
  - channel: 2
    controller: 21
    param: strength
`

func TestParseAndMap(t *testing.T) {
	bindings, err := Parse([]byte(sampleMap))
	require.NoError(t, err)
	require.Len(t, bindings, 3)

	m, err := NewMapper(params.Default(), bindings)
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  []byte
		want map[string]any
	}{
		{"cfg max on channel 1", []byte{0xb0, 21, 127}, map[string]any{"cfg": 30.0}},
		{"cfg min on channel 1", []byte{0xb0, 21, 0}, map[string]any{"cfg": 0.0}},
		{"strength on channel 2", []byte{0xb1, 21, 127}, map[string]any{"strength": 1.0}},
		{"fov narrowed range top", []byte{0xb5, 22, 127}, map[string]any{"fov": 120.0}},
		{"fov narrowed range bottom", []byte{0xb9, 22, 0}, map[string]any{"fov": 30.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.Map(tt.msg)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapIgnoresOtherMessages(t *testing.T) {
	m, err := NewMapper(params.Default(), DefaultBindings())
	require.NoError(t, err)

	for _, msg := range [][]byte{
		{0x90, 60, 100}, // note on
		{0xb0, 99, 64},  // unbound controller
		{0xb0},          // truncated
		nil,
	} {
		_, ok := m.Map(msg)
		assert.False(t, ok, "% x", msg)
	}
}

func TestScale(t *testing.T) {
	assert.InDelta(t, 64.0/127, Scale(64, 0, 1), 1e-12)
	assert.Equal(t, -10.0, Scale(0, -10, 10))
	assert.Equal(t, 10.0, Scale(127, -10, 10))
}

func TestNewMapperRejectsBadBindings(t *testing.T) {
	reg := params.Default()
	for _, b := range []Binding{
		{Controller: 1, Param: "volume"},
		{Channel: 17, Controller: 1, Param: "cfg"},
		{Controller: 128, Param: "cfg"},
	} {
		_, err := NewMapper(reg, []Binding{b})
		assert.Error(t, err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "midi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleMap), 0o600))

	bindings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fov", bindings[1].Param)
	require.NotNil(t, bindings[1].Max)
	assert.Equal(t, 120.0, *bindings[1].Max)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("bindings: [oops"))
	assert.Error(t, err)
}
