package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/modulation"
	"github.com/Conceptual-Machines/defora-relay/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// MetricsHandler reports relay throughput and the state of each stage.
type MetricsHandler struct {
	startTime time.Time
	version   string
	stats     StatsSource
	engine    *modulation.Engine
}

// NewMetricsHandler builds the metrics endpoint; engine may be nil.
func NewMetricsHandler(version string, stats StatsSource, engine *modulation.Engine) *MetricsHandler {
	return &MetricsHandler{
		startTime: time.Now(),
		version:   version,
		stats:     stats,
		engine:    engine,
	}
}

type MetricsResponse struct {
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	StartTime  string             `json:"start_time"`
	Controls   ControlMetrics     `json:"controls"`
	Pipeline   pipeline.Stats     `json:"pipeline"`
	Modulation *ModulationMetrics `json:"modulation,omitempty"`
	Runtime    RuntimeMetrics     `json:"runtime"`
}

// ControlMetrics counts validator outcomes since start.
type ControlMetrics struct {
	Accepted      uint64  `json:"accepted"`
	Rejected      uint64  `json:"rejected"`
	AcceptedPerS  float64 `json:"accepted_per_second"`
	RelayDropped  uint64  `json:"relay_dropped"`
	MediatorQueue int     `json:"mediator_pending"`
}

type ModulationMetrics struct {
	BPM    float64 `json:"bpm"`
	LFOs   int     `json:"lfos"`
	Macros int     `json:"macros"`
	Bands  int     `json:"bands"`
	Owned  int     `json:"owned_params"`
}

type RuntimeMetrics struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAllocMB   uint64 `json:"mem_alloc_mb"`
}

const bytesToMB = 1024 * 1024

// formatUptime renders d as 1h2m3.45s, dropping leading zero units
func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := d.Seconds() - float64(hours*3600) - float64(minutes*60)

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%.2fs", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%.2fs", minutes, seconds)
	}
	return fmt.Sprintf("%.2fs", seconds)
}

func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(h.startTime)
	s := h.stats.Stats()

	resp := MetricsResponse{
		Version:   h.version,
		Uptime:    formatUptime(uptime),
		StartTime: h.startTime.UTC().Format(time.RFC3339),
		Controls: ControlMetrics{
			Accepted:      s.Accepted,
			Rejected:      s.Rejected,
			RelayDropped:  s.Relay.Dropped,
			MediatorQueue: s.Mediator.Pending,
		},
		Pipeline: s,
		Runtime: RuntimeMetrics{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   mem.Alloc / bytesToMB,
		},
	}
	if secs := uptime.Seconds(); secs > 0 {
		resp.Controls.AcceptedPerS = float64(s.Accepted) / secs
	}
	if h.engine != nil {
		resp.Modulation = &ModulationMetrics{
			BPM:    h.engine.BPM(),
			LFOs:   len(h.engine.LFOs()),
			Macros: len(h.engine.Macros()),
			Bands:  len(h.engine.Bands()),
			Owned:  len(h.engine.Owners()),
		}
	}

	c.JSON(http.StatusOK, resp)
}
