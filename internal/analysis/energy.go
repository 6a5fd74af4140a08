package analysis

import (
	"sync"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/control"
)

// TrackEnergy plays a band schedule against the transport clock so the
// modulation engine can read band energy live.
type TrackEnergy struct {
	mu       sync.Mutex
	schedule *Schedule
	start    time.Time
	playing  bool
	now      func() time.Time
}

func NewTrackEnergy() *TrackEnergy {
	return &TrackEnergy{now: time.Now}
}

// Load replaces the schedule. Playback position is kept.
func (t *TrackEnergy) Load(s Schedule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schedule = &s
}

// Start begins playback from the top of the track.
func (t *TrackEnergy) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.now()
	t.playing = true
}

func (t *TrackEnergy) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = false
}

// OnTransport follows accepted transport controls.
func (t *TrackEnergy) OnTransport(tr control.Transport) {
	switch tr.Action {
	case "start":
		t.Start()
	case "stop":
		t.Stop()
	}
}

// Energy reports the energy of [lowHz, highHz] at the current playback
// position. ok is false when stopped, unloaded or past the end.
func (t *TrackEnergy) Energy(lowHz, highHz float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing || t.schedule == nil {
		return 0, false
	}
	return t.schedule.At(t.now().Sub(t.start), lowHz, highHz)
}
