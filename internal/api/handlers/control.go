package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apimiddleware "github.com/Conceptual-Machines/defora-relay/internal/api/middleware"
	"github.com/Conceptual-Machines/defora-relay/internal/control"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/mediator"
	"github.com/Conceptual-Machines/defora-relay/internal/params"
	"github.com/gin-gonic/gin"
)

// ControlPipeline is the part of the pipeline the HTTP surface drives.
type ControlPipeline interface {
	Submit(ctx context.Context, controlType string, raw map[string]any) (control.Result, error)
	ReadState(ctx context.Context, keys []string) (map[string]any, error)
}

type ControlHandler struct {
	pipeline ControlPipeline
}

func NewControlHandler(p ControlPipeline) *ControlHandler {
	return &ControlHandler{pipeline: p}
}

type ControlRequest struct {
	ControlType string         `json:"controlType" binding:"required"`
	Payload     map[string]any `json:"payload"`
}

type ControlResponse struct {
	Accepted    bool           `json:"accepted"`
	ControlType string         `json:"controlType"`
	EnvelopeID  string         `json:"envelopeId,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Detail      string         `json:"detail,omitempty"`
}

// Submit accepts one control message, same as the websocket control frame.
func (h *ControlHandler) Submit(c *gin.Context) {
	var req ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.pipeline.Submit(c.Request.Context(), req.ControlType, req.Payload)
	apimiddleware.SetControl(c, req.ControlType, res.EnvelopeID)
	if err != nil {
		var verr *control.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid control", "detail": verr.Detail})
			return
		}
		logger.Error("Control submit failed", err, logger.WithContext(c))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, ControlResponse{
		Accepted:    true,
		ControlType: string(res.ControlType),
		EnvelopeID:  res.EnvelopeID,
		Payload:     control.ToMap(res.Payload),
		Detail:      res.Detail,
	})
}

// MediatorState reads current values back from the mediator. keys is a
// comma separated list; the UI bootstrap set is used when it is empty.
func (h *ControlHandler) MediatorState(c *gin.Context) {
	keys := params.ReadbackKeys
	if raw := strings.TrimSpace(c.Query("keys")); raw != "" {
		keys = nil
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), readStateTimeout)
	defer cancel()

	values, err := h.pipeline.ReadState(ctx, keys)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"values": values})
	case errors.Is(err, mediator.ErrTransportUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mediator unavailable"})
	default:
		logger.Warn("Mediator read failed", logger.WithContext(c).With("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
