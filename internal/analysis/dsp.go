package analysis

import (
	"math"
	"math/cmplx"
	"sort"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/modulation"
	"github.com/madelynnblue/go-dsp/fft"
	"github.com/madelynnblue/go-dsp/window"
)

const (
	onsetWindow  = 512
	onsetHop     = 128
	onsetMinGap  = 100 * time.Millisecond
	onsetSpanSec = 0.5
	minBandFFT   = 1024
	minBPM       = 60
	maxBPM       = 180
)

// PeaksResult is a normalized waveform overview.
type PeaksResult struct {
	Peaks    []float64 `json:"peaks"`
	Duration float64   `json:"duration"`
}

// BeatsResult lists onset times in seconds and the tempo estimated from them.
type BeatsResult struct {
	Beats []float64 `json:"beats"`
	BPM   float64   `json:"bpm"`
}

// Band is the energy of one frequency range per video frame, normalized to
// 0..1 over the track.
type Band struct {
	Param  string    `json:"param"`
	LowHz  float64   `json:"lowHz"`
	HighHz float64   `json:"highHz"`
	Energy []float64 `json:"energy"`
}

// Schedule is a per-frame band energy table.
type Schedule struct {
	FPS   float64 `json:"fps"`
	Bands []Band  `json:"bands"`
}

// At returns the energy of [lowHz, highHz] at offset t into the track.
// ok is false when no band covers that range or t is past the end.
func (s *Schedule) At(t time.Duration, lowHz, highHz float64) (float64, bool) {
	if t < 0 || s.FPS <= 0 {
		return 0, false
	}
	idx := int(t.Seconds() * s.FPS)
	for _, b := range s.Bands {
		if b.LowHz != lowHz || b.HighHz != highHz {
			continue
		}
		if idx >= len(b.Energy) {
			return 0, false
		}
		return b.Energy[idx], true
	}
	return 0, false
}

// Peaks reduces sig to n buckets of peak absolute amplitude.
func Peaks(sig Signal, n int) PeaksResult {
	res := PeaksResult{Duration: sig.Duration().Seconds()}
	if n <= 0 || len(sig.Samples) == 0 {
		return res
	}
	size := (len(sig.Samples) + n - 1) / n
	res.Peaks = make([]float64, 0, n)
	top := 0.0
	for start := 0; start < len(sig.Samples); start += size {
		end := min(start+size, len(sig.Samples))
		p := 0.0
		for _, v := range sig.Samples[start:end] {
			p = math.Max(p, math.Abs(v))
		}
		res.Peaks = append(res.Peaks, p)
		top = math.Max(top, p)
	}
	if top > 0 {
		for i := range res.Peaks {
			res.Peaks[i] /= top
		}
	}
	return res
}

// Beats finds energy onsets with spectral-flux style peak picking on the
// frame energy envelope.
func Beats(sig Signal) BeatsResult {
	res := BeatsResult{Beats: []float64{}}
	if sig.SampleRate == 0 || len(sig.Samples) < onsetWindow {
		return res
	}

	frames := (len(sig.Samples)-onsetWindow)/onsetHop + 1
	energy := make([]float64, frames)
	for i := range energy {
		seg := sig.Samples[i*onsetHop : i*onsetHop+onsetWindow]
		sum := 0.0
		for _, v := range seg {
			sum += v * v
		}
		energy[i] = sum / onsetWindow
	}

	flux := make([]float64, frames)
	peak := 0.0
	for i := 1; i < frames; i++ {
		flux[i] = math.Max(0, energy[i]-energy[i-1])
		peak = math.Max(peak, flux[i])
	}
	if peak == 0 {
		return res
	}

	hopSec := float64(onsetHop) / float64(sig.SampleRate)
	span := max(1, int(onsetSpanSec/hopSec))
	floor := 0.05 * peak
	last := math.Inf(-1)
	for i := 1; i < frames; i++ {
		d := flux[i]
		if d < floor || d < flux[i-1] || (i+1 < frames && d < flux[i+1]) {
			continue
		}
		lo, hi := max(0, i-span), min(frames, i+span+1)
		mean := 0.0
		for _, v := range flux[lo:hi] {
			mean += v
		}
		mean /= float64(hi - lo)
		if d <= 1.5*mean {
			continue
		}
		at := float64(i) * hopSec
		if at-last < onsetMinGap.Seconds() {
			continue
		}
		res.Beats = append(res.Beats, round3(at))
		last = at
	}
	res.BPM = tempo(res.Beats)
	return res
}

// tempo averages the inter-onset intervals close to the median.
func tempo(beats []float64) float64 {
	if len(beats) < 2 {
		return 0
	}
	intervals := make([]float64, 0, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		intervals = append(intervals, beats[i]-beats[i-1])
	}
	sorted := append([]float64(nil), intervals...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]

	sum, n := 0.0, 0
	for _, iv := range intervals {
		if iv >= 0.5*median && iv <= 1.5*median {
			sum += iv
			n++
		}
	}
	if n == 0 || sum == 0 {
		return 0
	}
	bpm := 60 / (sum / float64(n))
	for bpm < minBPM {
		bpm *= 2
	}
	for bpm > maxBPM {
		bpm /= 2
	}
	return math.Round(bpm*10) / 10
}

// Bands computes a per-frame energy table for each binding at fps frames
// per second.
func Bands(sig Signal, fps float64, bindings []modulation.BandBinding) Schedule {
	sched := Schedule{FPS: fps, Bands: make([]Band, len(bindings))}
	for i, b := range bindings {
		sched.Bands[i] = Band{Param: b.Param, LowHz: b.LowHz, HighHz: b.HighHz, Energy: []float64{}}
	}
	if fps <= 0 || sig.SampleRate == 0 || len(sig.Samples) == 0 || len(bindings) == 0 {
		return sched
	}

	hop := max(1, int(float64(sig.SampleRate)/fps))
	size := minBandFFT
	for size < hop {
		size *= 2
	}
	binHz := float64(sig.SampleRate) / float64(size)
	frames := (len(sig.Samples) + hop - 1) / hop

	seg := make([]float64, size)
	for f := 0; f < frames; f++ {
		clear(seg)
		copy(seg, sig.Samples[f*hop:])
		window.Apply(seg, window.Hann)
		spectrum := fft.FFTReal(seg)
		for i, b := range bindings {
			e := 0.0
			for k := 1; k <= size/2; k++ {
				hz := float64(k) * binHz
				if hz < b.LowHz || hz >= b.HighHz {
					continue
				}
				m := cmplx.Abs(spectrum[k])
				e += m * m
			}
			sched.Bands[i].Energy = append(sched.Bands[i].Energy, e)
		}
	}

	for i := range sched.Bands {
		energy := sched.Bands[i].Energy
		peak := 0.0
		for _, e := range energy {
			peak = math.Max(peak, e)
		}
		for j := range energy {
			if peak > 0 {
				energy[j] = round3(energy[j] / peak)
			} else {
				energy[j] = 0
			}
		}
	}
	return sched
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
