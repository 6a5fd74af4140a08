package handlers

import (
	"errors"
	"net/http"

	"github.com/Conceptual-Machines/defora-relay/internal/modulation"
	"github.com/gin-gonic/gin"
)

type ModulationHandler struct {
	engine *modulation.Engine
}

func NewModulationHandler(engine *modulation.Engine) *ModulationHandler {
	return &ModulationHandler{engine: engine}
}

type ModulationState struct {
	BPM    float64                  `json:"bpm"`
	LFOs   []modulation.LFO         `json:"lfos"`
	Macros []modulation.Macro       `json:"macros"`
	Bands  []modulation.BandBinding `json:"bands"`
	Owners map[string]string        `json:"paramSources"`
}

type BPMRequest struct {
	BPM float64 `json:"bpm" binding:"required"`
}

// State returns every modulation source and the ownership map.
func (h *ModulationHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, ModulationState{
		BPM:    h.engine.BPM(),
		LFOs:   h.engine.LFOs(),
		Macros: h.engine.Macros(),
		Bands:  h.engine.Bands(),
		Owners: h.engine.Owners(),
	})
}

func (h *ModulationHandler) ListLFOs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lfos": h.engine.LFOs(), "max": modulation.MaxLFOs})
}

// PutLFO creates an LFO, or updates it when the id already exists. Adding
// beyond MaxLFOs answers added=false with the unchanged list.
func (h *ModulationHandler) PutLFO(c *gin.Context) {
	var l modulation.LFO
	if err := c.ShouldBindJSON(&l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if id := c.Param("id"); id != "" {
		l.ID = id
	}
	saved, ok, err := h.engine.PutLFO(l)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		// past the cap the add is dropped without an error
		c.JSON(http.StatusOK, gin.H{"added": false, "lfos": h.engine.LFOs(), "max": modulation.MaxLFOs})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *ModulationHandler) DeleteLFO(c *gin.Context) {
	h.remove(c, h.engine.RemoveLFO(c.Param("id")))
}

func (h *ModulationHandler) ListMacros(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"macros": h.engine.Macros(), "max": modulation.MaxMacros})
}

// PutMacro creates a beat macro, or updates it when the id already exists.
func (h *ModulationHandler) PutMacro(c *gin.Context) {
	var m modulation.Macro
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if id := c.Param("id"); id != "" {
		m.ID = id
	}
	saved, ok, err := h.engine.PutMacro(m)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"added": false, "macros": h.engine.Macros(), "max": modulation.MaxMacros})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *ModulationHandler) DeleteMacro(c *gin.Context) {
	h.remove(c, h.engine.RemoveMacro(c.Param("id")))
}

func (h *ModulationHandler) ListBands(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bands": h.engine.Bands()})
}

func (h *ModulationHandler) PutBand(c *gin.Context) {
	var b modulation.BandBinding
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if p := c.Param("param"); p != "" {
		b.Param = p
	}
	saved, err := h.engine.PutBand(b)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *ModulationHandler) DeleteBand(c *gin.Context) {
	h.remove(c, h.engine.RemoveBand(c.Param("param")))
}

func (h *ModulationHandler) SetBPM(c *gin.Context) {
	var req BPMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.SetBPM(req.BPM); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bpm": h.engine.BPM()})
}

func (h *ModulationHandler) remove(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, modulation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
