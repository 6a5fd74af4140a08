package params

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Spec describes one canonical parameter understood by the mediator.
// Flag is the "should_use_*" switch that must be enabled upstream before
// writes to Key take effect; empty when the parameter needs none.
// Integer parameters are rounded to the nearest whole number.
type Spec struct {
	Key     string
	Min     float64
	Max     float64
	Flag    string
	Integer bool
}

// Clamp forces v into [Min, Max].
func (s Spec) Clamp(v float64) float64 {
	if s.Integer {
		v = math.Round(v)
	}
	return math.Max(s.Min, math.Min(s.Max, v))
}

// Deforumation flag names
const (
	FlagStrength = "should_use_deforumation_strength"
	FlagCFG      = "should_use_deforumation_cfg"
	FlagCadence  = "should_use_deforumation_cadence"
	FlagNoise    = "should_use_deforumation_noise"
	FlagPanning  = "should_use_deforumation_panning"
	FlagZoom     = "should_use_deforumation_zoom"
	FlagRotation = "should_use_deforumation_rotation"
	FlagTilt     = "should_use_deforumation_tilt"
	FlagFOV      = "should_use_deforumation_fov"
)

var defaultSpecs = []Spec{
	{Key: "strength", Min: 0, Max: 1, Flag: FlagStrength},
	{Key: "cfg", Min: 0, Max: 30, Flag: FlagCFG},
	{Key: "cadence", Min: 1, Max: 20, Flag: FlagCadence, Integer: true},
	{Key: "noise_multiplier", Min: 0, Max: 2, Flag: FlagNoise},
	{Key: "translation_x", Min: -10, Max: 10, Flag: FlagPanning},
	{Key: "translation_y", Min: -10, Max: 10, Flag: FlagPanning},
	{Key: "translation_z", Min: -10, Max: 10, Flag: FlagZoom},
	{Key: "rotation_x", Min: -10, Max: 10, Flag: FlagRotation},
	{Key: "rotation_y", Min: -10, Max: 10, Flag: FlagRotation},
	{Key: "rotation_z", Min: -10, Max: 10, Flag: FlagTilt},
	{Key: "fov", Min: 1, Max: 180, Flag: FlagFOV},
	{Key: "steps", Min: 1, Max: 150, Integer: true},
	{Key: "seed", Min: -1, Max: math.MaxUint32, Integer: true},
	{Key: "start_frame", Min: 0, Max: 1_000_000, Integer: true},
	{Key: "should_resume", Min: 0, Max: 1, Integer: true},
}

// ReadbackKeys is the key set used to bootstrap UI state from the mediator.
var ReadbackKeys = []string{
	"cfg",
	"strength",
	"noise_multiplier",
	"cadence",
	"translation_x",
	"translation_y",
	"translation_z",
	"rotation_x",
	"rotation_y",
	"rotation_z",
	"fov",
	"seed",
	"total_generated_images",
	"start_frame",
}

// Registry is the closed table of known parameters. It is never mutated
// after construction and is safe for concurrent use.
type Registry struct {
	specs map[string]Spec
	flags []string
}

// New builds a registry from specs. Duplicate keys are a programming error.
func New(specs []Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	seen := make(map[string]bool)
	for _, s := range specs {
		if s.Key == "" {
			return nil, fmt.Errorf("parameter with empty key")
		}
		if _, dup := r.specs[s.Key]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", s.Key)
		}
		if s.Min > s.Max {
			return nil, fmt.Errorf("parameter %q: min %v > max %v", s.Key, s.Min, s.Max)
		}
		r.specs[s.Key] = s
		if s.Flag != "" && !seen[s.Flag] {
			seen[s.Flag] = true
			r.flags = append(r.flags, s.Flag)
		}
	}
	sort.Strings(r.flags)
	return r, nil
}

// Default returns the Deforumation parameter vocabulary.
func Default() *Registry {
	r, err := New(defaultSpecs)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the spec for key.
func (r *Registry) Lookup(key string) (Spec, bool) {
	s, ok := r.specs[key]
	return s, ok
}

// Has reports whether key is in the vocabulary.
func (r *Registry) Has(key string) bool {
	_, ok := r.specs[key]
	return ok
}

// Keys returns all parameter keys sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.specs))
	for k := range r.specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flags returns the distinct enable flags, sorted.
func (r *Registry) Flags() []string {
	out := make([]string, len(r.flags))
	copy(out, r.flags)
	return out
}

// FlagFor returns the enable flag that key depends on, if any.
func (r *Registry) FlagFor(key string) (string, bool) {
	s, ok := r.specs[key]
	if !ok || s.Flag == "" {
		return "", false
	}
	return s.Flag, true
}

// Coerce converts raw into a finite value within the range of key.
// It fails for unknown keys and values that are not finite numbers.
func (r *Registry) Coerce(key string, raw any) (float64, error) {
	s, ok := r.specs[key]
	if !ok {
		return 0, fmt.Errorf("unknown parameter %q", key)
	}
	v, ok := ToFloat(raw)
	if !ok {
		return 0, fmt.Errorf("parameter %q: not a finite number: %v", key, raw)
	}
	return s.Clamp(v), nil
}

// ToFloat converts JSON-ish scalars to a finite float64.
func ToFloat(raw any) (float64, bool) {
	var v float64
	switch x := raw.(type) {
	case float64:
		v = x
	case float32:
		v = float64(x)
	case int:
		v = float64(x)
	case int32:
		v = float64(x)
	case int64:
		v = float64(x)
	case uint8:
		v = float64(x)
	case bool:
		if x {
			v = 1
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		v = f
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
