package modulation

import (
	"fmt"
	"strings"
)

// EnergySource supplies normalized energy for a frequency band.
type EnergySource interface {
	// Energy returns the current energy in [0, 1] for the band, or false
	// when nothing is playing.
	Energy(lowHz, highHz float64) (float64, bool)
}

// BandBinding maps a band's energy onto one parameter.
type BandBinding struct {
	Param   string  `json:"param"`
	LowHz   float64 `json:"lowHz"`
	HighHz  float64 `json:"highHz"`
	OutMin  float64 `json:"outMin"`
	OutMax  float64 `json:"outMax"`
	Enabled bool    `json:"enabled"`
}

// DefaultBandBindings are the low/mid/high camera translation bindings.
func DefaultBandBindings() []BandBinding {
	return []BandBinding{
		{Param: "translation_x", LowHz: 20, HighHz: 200, OutMin: -1, OutMax: 1, Enabled: true},
		{Param: "translation_y", LowHz: 200, HighHz: 800, OutMin: -1, OutMax: 1, Enabled: true},
		{Param: "translation_z", LowHz: 800, HighHz: 2000, OutMin: -1, OutMax: 1, Enabled: true},
	}
}

func (b *BandBinding) normalize() error {
	b.Param = strings.TrimSpace(b.Param)
	if b.Param == "" {
		return fmt.Errorf("band binding param is required")
	}
	if !finite(b.LowHz) || !finite(b.HighHz) || b.LowHz < 0 || b.HighHz <= b.LowHz {
		return fmt.Errorf("band range must satisfy 0 <= lowHz < highHz")
	}
	if !finite(b.OutMin) || !finite(b.OutMax) {
		return fmt.Errorf("band output range must be finite")
	}
	return nil
}

// Rescale maps energy in [0, 1] linearly onto [outMin, outMax]. Energy
// outside the unit range is clamped first.
func Rescale(energy, outMin, outMax float64) float64 {
	if !finite(energy) || energy < 0 {
		energy = 0
	} else if energy > 1 {
		energy = 1
	}
	return outMin + energy*(outMax-outMin)
}
