package modulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/control"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/params"
	"github.com/google/uuid"
)

const (
	MaxLFOs   = 8
	MaxMacros = 6

	DefaultInterval = 50 * time.Millisecond
	DefaultBPM      = 120.0
	maxBPM          = 999.0
)

// OwnerManual reserves a parameter for direct user input.
const OwnerManual = "manual"

// ErrNotFound is returned when a source id is unknown.
var ErrNotFound = errors.New("modulation source not found")

func LFOOwner(id string) string      { return "lfo:" + id }
func MacroOwner(id string) string    { return "macro:" + id }
func AudioOwner(param string) string { return "audio:" + param }

func validOwner(owner string) bool {
	if owner == OwnerManual {
		return true
	}
	for _, prefix := range []string{"lfo:", "macro:", "audio:"} {
		if strings.HasPrefix(owner, prefix) && len(owner) > len(prefix) {
			return true
		}
	}
	return false
}

// Options configures an Engine.
type Options struct {
	Interval  time.Duration
	BPM       float64
	Validator *control.Validator
	Energy    EnergySource
	// Emit receives the validated deltas of every tick that produced any.
	Emit func(control.LiveParams)
	// Noise returns uniform values in [0, 1); defaults to math/rand.
	Noise func() float64
}

// Engine evaluates every modulation source once per tick. Mutations take
// the same lock as a tick, so they land between ticks, never inside one.
type Engine struct {
	opts Options

	mu      sync.Mutex
	bpm     float64
	elapsed time.Duration
	tempoAt time.Duration
	beatsAt float64
	lfos    []*LFO
	macros  []*Macro
	bands   map[string]*BandBinding
	owners  map[string]string
	energy  EnergySource
}

// New returns an idle engine; call Run to start ticking.
func New(opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BPM <= 0 {
		opts.BPM = DefaultBPM
	}
	if opts.Validator == nil {
		opts.Validator = control.NewValidator(params.Default())
	}
	if opts.Noise == nil {
		opts.Noise = rand.Float64
	}
	return &Engine{
		opts:   opts,
		bpm:    opts.BPM,
		bands:  make(map[string]*BandBinding),
		owners: make(map[string]string),
		energy: opts.Energy,
	}
}

// Run ticks the engine until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	logger.Info("Modulation engine started", logger.Component("modulation").
		With("interval", e.opts.Interval.String()))

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(now.Sub(last))
			last = now
		}
	}
}

// beats must be called with mu held.
func (e *Engine) beats() float64 {
	return e.beatsAt + (e.elapsed-e.tempoAt).Seconds()*e.bpm/60
}

// Tick advances the clock by dt and returns the deltas it emitted.
func (e *Engine) Tick(dt time.Duration) control.LiveParams {
	raw := e.evaluate(dt)
	if len(raw) == 0 {
		return control.LiveParams{}
	}

	res := e.opts.Validator.Validate(string(control.TypeLiveParam), raw)
	if !res.Valid {
		return control.LiveParams{}
	}
	live := res.Payload.(control.LiveParams)
	if e.opts.Emit != nil {
		e.opts.Emit(live)
	}
	return live
}

func (e *Engine) evaluate(dt time.Duration) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dt < 0 {
		dt = 0
	}
	e.elapsed += dt
	beats := e.beats()
	seconds := dt.Seconds()

	raw := make(map[string]any)
	emit := func(owner, param string, v float64) {
		current, claimed := e.owners[param]
		if !claimed {
			e.owners[param] = owner
		} else if current != owner {
			return
		}
		raw[param] = v
	}

	for _, l := range e.lfos {
		if !l.Enabled {
			continue
		}
		l.advance(seconds, e.bpm)
		emit(LFOOwner(l.ID), l.Target, l.Value())
	}

	for _, m := range e.macros {
		if !m.Enabled {
			m.arm(beats)
			continue
		}
		if v, fired := m.trigger(beats, e.opts.Noise); fired {
			emit(MacroOwner(m.ID), m.Target, v)
		}
	}

	if e.energy != nil {
		for _, param := range sortedBandKeys(e.bands) {
			b := e.bands[param]
			if !b.Enabled {
				continue
			}
			if energy, ok := e.energy.Energy(b.LowHz, b.HighHz); ok {
				emit(AudioOwner(param), param, Rescale(energy, b.OutMin, b.OutMax))
			}
		}
	}
	return raw
}

// Reset restarts the beat clock and LFO phases, as on transport start.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.elapsed, e.tempoAt, e.beatsAt = 0, 0, 0
	for _, l := range e.lfos {
		l.Phase = 0
	}
	for _, m := range e.macros {
		m.step = 0
		m.lastSlot = -1
	}
}

// SetBPM changes tempo without jumping the beat position.
func (e *Engine) SetBPM(bpm float64) error {
	if !finite(bpm) || bpm <= 0 || bpm > maxBPM {
		return fmt.Errorf("bpm must be in (0, %g]", maxBPM)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beatsAt = e.beats()
	e.tempoAt = e.elapsed
	e.bpm = bpm
	return nil
}

func (e *Engine) BPM() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bpm
}

// SetEnergySource replaces the band energy source; nil disables bands.
func (e *Engine) SetEnergySource(src EnergySource) {
	e.mu.Lock()
	e.energy = src
	e.mu.Unlock()
}

// PutLFO adds an LFO, or replaces the one with the same id. Adding beyond
// MaxLFOs is a no-op reported by the boolean.
func (e *Engine) PutLFO(l LFO) (LFO, bool, error) {
	if err := l.normalize(); err != nil {
		return LFO{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if l.ID != "" {
		for i, cur := range e.lfos {
			if cur.ID == l.ID {
				e.lfos[i] = &l
				e.releaseStale(LFOOwner(l.ID), cur.Target, l.Target, l.Enabled)
				return l, true, nil
			}
		}
	} else {
		l.ID = uuid.NewString()
	}
	if len(e.lfos) >= MaxLFOs {
		return LFO{}, false, nil
	}
	e.lfos = append(e.lfos, &l)
	return l, true, nil
}

// RemoveLFO deletes an LFO and releases the parameters it owned.
func (e *Engine) RemoveLFO(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.lfos {
		if l.ID == id {
			e.lfos = append(e.lfos[:i], e.lfos[i+1:]...)
			e.release(LFOOwner(id))
			return nil
		}
	}
	return ErrNotFound
}

func (e *Engine) LFOs() []LFO {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LFO, len(e.lfos))
	for i, l := range e.lfos {
		out[i] = *l
	}
	return out
}

// PutMacro adds a beat macro, or replaces the one with the same id while
// keeping its step position. Adding beyond MaxMacros is a no-op.
func (e *Engine) PutMacro(m Macro) (Macro, bool, error) {
	if err := m.normalize(); err != nil {
		return Macro{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.ID != "" {
		for i, cur := range e.macros {
			if cur.ID == m.ID {
				m.step, m.lastSlot = cur.step, cur.lastSlot
				e.macros[i] = &m
				e.releaseStale(MacroOwner(m.ID), cur.Target, m.Target, m.Enabled)
				return m, true, nil
			}
		}
	} else {
		m.ID = uuid.NewString()
	}
	if len(e.macros) >= MaxMacros {
		return Macro{}, false, nil
	}
	m.arm(e.beats())
	e.macros = append(e.macros, &m)
	return m, true, nil
}

// RemoveMacro deletes a macro and releases the parameters it owned.
func (e *Engine) RemoveMacro(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range e.macros {
		if m.ID == id {
			e.macros = append(e.macros[:i], e.macros[i+1:]...)
			e.release(MacroOwner(id))
			return nil
		}
	}
	return ErrNotFound
}

func (e *Engine) Macros() []Macro {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Macro, len(e.macros))
	for i, m := range e.macros {
		out[i] = *m
	}
	return out
}

// PutBand binds band energy to b.Param, replacing any existing binding.
func (e *Engine) PutBand(b BandBinding) (BandBinding, error) {
	if err := b.normalize(); err != nil {
		return BandBinding{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bands[b.Param] = &b
	if !b.Enabled {
		e.release(AudioOwner(b.Param))
	}
	return b, nil
}

func (e *Engine) RemoveBand(param string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.bands[param]; !ok {
		return ErrNotFound
	}
	delete(e.bands, param)
	e.release(AudioOwner(param))
	return nil
}

func (e *Engine) Bands() []BandBinding {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BandBinding, 0, len(e.bands))
	for _, k := range sortedBandKeys(e.bands) {
		out = append(out, *e.bands[k])
	}
	return out
}

// Assign sets which source drives param. An empty owner clears the
// assignment so the next emitting source claims it.
func (e *Engine) Assign(param, owner string) error {
	param = strings.TrimSpace(param)
	owner = strings.TrimSpace(owner)
	if param == "" {
		return fmt.Errorf("param is required")
	}
	if owner != "" && !validOwner(owner) {
		return fmt.Errorf("unknown source %q", owner)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if owner == "" {
		delete(e.owners, param)
		return nil
	}
	e.owners[param] = owner
	return nil
}

// Owners returns a copy of the parameter ownership map.
func (e *Engine) Owners() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.owners))
	for k, v := range e.owners {
		out[k] = v
	}
	return out
}

// release must be called with mu held.
func (e *Engine) release(owner string) {
	for param, o := range e.owners {
		if o == owner {
			delete(e.owners, param)
		}
	}
}

// releaseStale drops the claims a replaced source no longer backs: all of
// them once disabled, the old target once retargeted. mu must be held.
func (e *Engine) releaseStale(owner, oldTarget, newTarget string, enabled bool) {
	if !enabled {
		e.release(owner)
		return
	}
	if oldTarget != newTarget && e.owners[oldTarget] == owner {
		delete(e.owners, oldTarget)
	}
}

func sortedBandKeys(m map[string]*BandBinding) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
