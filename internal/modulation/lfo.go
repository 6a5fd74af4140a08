// Package modulation drives live parameters from LFOs, beat macros and
// audio band energy.
package modulation

import (
	"fmt"
	"math"
	"strings"
)

// Shape selects the waveform of an LFO or macro.
type Shape string

const (
	ShapeSine     Shape = "sine"
	ShapeTriangle Shape = "triangle"
	ShapeSaw      Shape = "saw"
	ShapeSquare   Shape = "square"
	ShapeNoise    Shape = "noise"
)

const twoPi = 2 * math.Pi

// LFO is a continuously ticking oscillator bound to one parameter.
type LFO struct {
	ID     string  `json:"id"`
	Target string  `json:"target"`
	Shape  Shape   `json:"shape"`
	Rate   float64 `json:"rate"`
	// Sync ties the rate to the beat clock at one cycle per beat.
	Sync    bool    `json:"sync"`
	Depth   float64 `json:"depth"`
	Base    float64 `json:"base"`
	Enabled bool    `json:"enabled"`
	// Phase in radians, in [0, 2π).
	Phase float64 `json:"phase"`
}

func (l *LFO) normalize() error {
	l.Target = strings.TrimSpace(l.Target)
	if l.Target == "" {
		return fmt.Errorf("lfo target is required")
	}
	l.Shape = Shape(strings.ToLower(string(l.Shape)))
	if l.Shape == "" {
		l.Shape = ShapeSine
	}
	switch l.Shape {
	case ShapeSine, ShapeTriangle, ShapeSaw, ShapeSquare:
	default:
		return fmt.Errorf("unsupported lfo shape %q", l.Shape)
	}
	if !finite(l.Rate) || l.Rate < 0 {
		return fmt.Errorf("lfo rate must be a non-negative number")
	}
	if !finite(l.Depth) || !finite(l.Base) || !finite(l.Phase) {
		return fmt.Errorf("lfo depth, base and phase must be finite")
	}
	l.Phase = wrapPhase(l.Phase)
	return nil
}

// hz is the oscillation frequency at the given tempo.
func (l *LFO) hz(bpm float64) float64 {
	if l.Sync {
		return bpm / 60
	}
	return l.Rate
}

func (l *LFO) advance(seconds, bpm float64) {
	l.Phase = wrapPhase(l.Phase + twoPi*l.hz(bpm)*seconds)
}

// Value is base + depth·shape(phase).
func (l *LFO) Value() float64 {
	return l.Base + l.Depth*Wave(l.Shape, l.Phase)
}

// Wave evaluates a periodic shape on a 0..2π cycle. Results are in [-1, 1].
func Wave(s Shape, phase float64) float64 {
	p := wrapPhase(phase)
	switch s {
	case ShapeTriangle:
		return (2 / math.Pi) * math.Asin(math.Sin(p))
	case ShapeSaw:
		return math.Mod(p/math.Pi, 2) - 1
	case ShapeSquare:
		if p < math.Pi {
			return 1
		}
		return -1
	}
	return math.Sin(p)
}

func wrapPhase(p float64) float64 {
	p = math.Mod(p, twoPi)
	if p < 0 {
		p += twoPi
	}
	return p
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
