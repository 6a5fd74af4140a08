package handlers

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/Conceptual-Machines/defora-relay/internal/analysis"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/modulation"
	"github.com/Conceptual-Machines/defora-relay/internal/stream"
	"github.com/gin-gonic/gin"
)

type FramesHandler struct {
	dir string
}

func NewFramesHandler(dir string) *FramesHandler {
	return &FramesHandler{dir: dir}
}

// List returns the newest rendered frames.
func (h *FramesHandler) List(c *gin.Context) {
	limit := defaultFrameLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxFrameLimit)
	}
	frames, err := stream.ListFrames(h.dir, limit)
	if err != nil {
		logger.Error("Frame listing failed", err, logger.WithContext(c))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list frames"})
		return
	}
	if frames == nil {
		frames = []stream.Frame{}
	}
	c.JSON(http.StatusOK, gin.H{"frames": frames})
}

// Analyzer is the audio analysis collaborator.
type Analyzer interface {
	Resolve(name string) (string, error)
	Peaks(ctx context.Context, path string, samples int) (analysis.PeaksResult, error)
	Beats(ctx context.Context, path string) (analysis.BeatsResult, error)
	Bands(ctx context.Context, path string, fps float64, bindings []modulation.BandBinding) (analysis.Schedule, error)
	Invalidate(path string) int
}

type AudioHandler struct {
	analyzer Analyzer
	track    *analysis.TrackEnergy
	engine   *modulation.Engine
}

func NewAudioHandler(a Analyzer, track *analysis.TrackEnergy, engine *modulation.Engine) *AudioHandler {
	return &AudioHandler{analyzer: a, track: track, engine: engine}
}

type TrackRequest struct {
	File string  `json:"file" binding:"required"`
	FPS  float64 `json:"fps"`
}

func (h *AudioHandler) Peaks(c *gin.Context) {
	path, ok := h.resolve(c)
	if !ok {
		return
	}
	samples, _ := strconv.Atoi(c.Query("samples"))
	res, err := h.analyzer.Peaks(c.Request.Context(), path, samples)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AudioHandler) Beats(c *gin.Context) {
	path, ok := h.resolve(c)
	if !ok {
		return
	}
	res, err := h.analyzer.Beats(c.Request.Context(), path)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// LoadTrack analyzes a track against the engine's band bindings and makes
// it the live energy source. Playback follows transport start/stop.
func (h *AudioHandler) LoadTrack(c *gin.Context) {
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	path, err := h.analyzer.Resolve(req.File)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.FPS <= 0 {
		req.FPS = defaultTrackFPS
	}
	bindings := h.engine.Bands()
	if len(bindings) == 0 {
		bindings = modulation.DefaultBandBindings()
	}
	sched, err := h.analyzer.Bands(c.Request.Context(), path, req.FPS, bindings)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.track.Load(sched)
	frames := 0
	if len(sched.Bands) > 0 {
		frames = len(sched.Bands[0].Energy)
	}
	c.JSON(http.StatusOK, gin.H{"file": req.File, "fps": sched.FPS, "bands": len(sched.Bands), "frames": frames})
}

// Invalidate drops cached analysis for a file.
func (h *AudioHandler) Invalidate(c *gin.Context) {
	path, ok := h.resolve(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": h.analyzer.Invalidate(path)})
}

func (h *AudioHandler) resolve(c *gin.Context) (string, bool) {
	path, err := h.analyzer.Resolve(c.Query("file"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file query parameter is required"})
		return "", false
	}
	return path, true
}

func (h *AudioHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": "audio file not found"})
	case errors.Is(err, analysis.ErrUnsupported):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		logger.Error("Audio analysis failed", err, logger.WithContext(c))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
