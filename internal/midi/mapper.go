// Package midi maps MIDI control changes onto live parameters.
package midi

import (
	"fmt"
	"os"
	"strings"

	"github.com/Conceptual-Machines/defora-relay/internal/params"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gopkg.in/yaml.v3"
)

const maxCC = 127

// Binding routes one controller to one parameter.
type Binding struct {
	// Channel is 1-16; 0 matches any channel.
	Channel    uint8  `yaml:"channel" json:"channel"`
	Controller uint8  `yaml:"controller" json:"controller"`
	Param      string `yaml:"param" json:"param"`
	// Min and Max narrow the parameter's registry range.
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

type mapFile struct {
	Bindings []Binding `yaml:"bindings"`
}

// DefaultBindings covers the first six knobs of a generic controller.
func DefaultBindings() []Binding {
	return []Binding{
		{Controller: 1, Param: "strength"},
		{Controller: 2, Param: "cfg"},
		{Controller: 3, Param: "noise_multiplier"},
		{Controller: 4, Param: "translation_z"},
		{Controller: 5, Param: "rotation_y"},
		{Controller: 6, Param: "fov"},
	}
}

// Parse reads bindings from YAML.
func Parse(data []byte) ([]Binding, error) {
	var f mapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse midi map: %w", err)
	}
	return f.Bindings, nil
}

// Load reads bindings from a YAML file.
func Load(path string) ([]Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read midi map: %w", err)
	}
	return Parse(data)
}

type route struct {
	Binding
	lo, hi float64
}

// Mapper resolves control change messages against its bindings.
type Mapper struct {
	routes []route
}

// NewMapper validates bindings against the registry.
func NewMapper(registry *params.Registry, bindings []Binding) (*Mapper, error) {
	m := &Mapper{routes: make([]route, 0, len(bindings))}
	for i, b := range bindings {
		b.Param = strings.TrimSpace(b.Param)
		spec, ok := registry.Lookup(b.Param)
		if !ok {
			return nil, fmt.Errorf("binding %d: unknown param %q", i, b.Param)
		}
		if b.Channel > 16 {
			return nil, fmt.Errorf("binding %d: channel %d out of range", i, b.Channel)
		}
		if b.Controller > maxCC {
			return nil, fmt.Errorf("binding %d: controller %d out of range", i, b.Controller)
		}
		r := route{Binding: b, lo: spec.Min, hi: spec.Max}
		if b.Min != nil {
			r.lo = spec.Clamp(*b.Min)
		}
		if b.Max != nil {
			r.hi = spec.Clamp(*b.Max)
		}
		m.routes = append(m.routes, r)
	}
	return m, nil
}

// Map returns a liveParam payload for a bound control change.
func (m *Mapper) Map(msg []byte) (map[string]any, bool) {
	var ch, ctl, val uint8
	if !gomidi.Message(msg).GetControlChange(&ch, &ctl, &val) {
		return nil, false
	}

	var out map[string]any
	for _, r := range m.routes {
		if r.Controller != ctl || (r.Channel != 0 && r.Channel != ch+1) {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[r.Param] = Scale(val, r.lo, r.hi)
	}
	return out, out != nil
}

// Bindings returns the active bindings.
func (m *Mapper) Bindings() []Binding {
	out := make([]Binding, len(m.routes))
	for i, r := range m.routes {
		out[i] = r.Binding
	}
	return out
}

// Scale maps a 7-bit controller value linearly onto [lo, hi].
func Scale(v uint8, lo, hi float64) float64 {
	if v > maxCC {
		v = maxCC
	}
	t := float64(v) / maxCC
	return lo*(1-t) + hi*t
}
