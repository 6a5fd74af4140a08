package params

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()

	assert.True(t, r.Has("cfg"))
	assert.True(t, r.Has("translation_z"))
	assert.False(t, r.Has("junk"))

	flag, ok := r.FlagFor("translation_x")
	require.True(t, ok)
	assert.Equal(t, FlagPanning, flag)

	_, ok = r.FlagFor("seed")
	assert.False(t, ok, "seed needs no enable flag")

	flags := r.Flags()
	assert.Len(t, flags, 9)
	assert.Contains(t, flags, FlagTilt)
}

func TestNewRejectsBadSpecs(t *testing.T) {
	_, err := New([]Spec{{Key: "a"}, {Key: "a"}})
	assert.Error(t, err)

	_, err = New([]Spec{{Key: "b", Min: 2, Max: 1}})
	assert.Error(t, err)

	_, err = New([]Spec{{Key: ""}})
	assert.Error(t, err)
}

func TestCoerce(t *testing.T) {
	r := Default()

	tests := []struct {
		name    string
		key     string
		raw     any
		want    float64
		wantErr bool
	}{
		{name: "numeric string", key: "cfg", raw: "7.5", want: 7.5},
		{name: "float", key: "strength", raw: 0.6, want: 0.6},
		{name: "clamped high", key: "strength", raw: 3.0, want: 1},
		{name: "clamped low", key: "fov", raw: -20, want: 1},
		{name: "bool", key: "should_resume", raw: true, want: 1},
		{name: "json number", key: "cfg", raw: json.Number("4"), want: 4},
		{name: "nan", key: "cfg", raw: math.NaN(), wantErr: true},
		{name: "inf", key: "cfg", raw: math.Inf(1), wantErr: true},
		{name: "garbage string", key: "cfg", raw: "abc", wantErr: true},
		{name: "nil", key: "cfg", raw: nil, wantErr: true},
		{name: "unknown key", key: "junk", raw: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Coerce(tt.key, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestReadbackKeys(t *testing.T) {
	assert.Contains(t, ReadbackKeys, "cfg")
	assert.Contains(t, ReadbackKeys, "strength")
}
