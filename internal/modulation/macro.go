package modulation

import (
	"fmt"
	"math"
	"strings"
)

// Division is a beat macro's trigger subdivision.
type Division string

const (
	DivisionQuarter Division = "quarter"
	DivisionEighth  Division = "eighth"
	DivisionBar     Division = "bar"
)

// Beats returns the number of beats between triggers.
func (d Division) Beats() (float64, bool) {
	switch d {
	case DivisionQuarter, "1/4":
		return 1, true
	case DivisionEighth, "1/8":
		return 0.5, true
	case DivisionBar, "1/1":
		return 4, true
	}
	return 0, false
}

const defaultMacroSteps = 4

// Macro fires on beat subdivision edges and emits one value per trigger.
type Macro struct {
	ID       string   `json:"id"`
	Target   string   `json:"target"`
	Shape    Shape    `json:"shape"`
	Division Division `json:"speedDivision"`
	Steps    int      `json:"steps"`
	Depth    float64  `json:"depth"`
	Base     float64  `json:"base"`
	Enabled  bool     `json:"enabled"`

	step     int
	lastSlot int64
}

func (m *Macro) normalize() error {
	m.Target = strings.TrimSpace(m.Target)
	if m.Target == "" {
		return fmt.Errorf("macro target is required")
	}
	m.Shape = Shape(strings.ToLower(string(m.Shape)))
	if m.Shape == "" {
		m.Shape = ShapeSine
	}
	switch m.Shape {
	case ShapeSine, ShapeSaw, ShapeNoise:
	default:
		return fmt.Errorf("unsupported macro shape %q", m.Shape)
	}
	m.Division = Division(strings.ToLower(strings.TrimSpace(string(m.Division))))
	if m.Division == "" {
		m.Division = DivisionQuarter
	}
	if _, ok := m.Division.Beats(); !ok {
		return fmt.Errorf("unsupported speed division %q", m.Division)
	}
	if m.Steps <= 0 {
		m.Steps = defaultMacroSteps
	}
	if !finite(m.Depth) || !finite(m.Base) {
		return fmt.Errorf("macro depth and base must be finite")
	}
	return nil
}

func (m *Macro) slot(beats float64) int64 {
	div, _ := m.Division.Beats()
	return int64(math.Floor(beats / div))
}

// arm aligns the macro to the current beat so it first fires on the next
// boundary.
func (m *Macro) arm(beats float64) {
	m.lastSlot = m.slot(beats)
}

// trigger reports whether a boundary was crossed since the last trigger
// and, if so, the value to emit.
func (m *Macro) trigger(beats float64, noise func() float64) (float64, bool) {
	s := m.slot(beats)
	if s <= m.lastSlot {
		return 0, false
	}
	m.lastSlot = s

	p := float64(m.step%m.Steps) / float64(m.Steps)
	m.step++

	var f float64
	switch m.Shape {
	case ShapeSaw:
		f = 2*p - 1
	case ShapeNoise:
		f = 2*noise() - 1
	default:
		f = math.Sin(twoPi * p)
	}
	return m.Base + m.Depth*f, true
}
