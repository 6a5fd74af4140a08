package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/gin-gonic/gin"
)

// ControlNetModel is one ControlNet model offered to the UI.
type ControlNetModel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type Lora struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
	Path  string `json:"path,omitempty"`
}

// fallbackModels is served when Forge is unreachable.
var fallbackModels = []ControlNetModel{
	{ID: "canny", Name: "Canny Edge", Category: "edge"},
	{ID: "depth", Name: "Depth Map", Category: "depth"},
	{ID: "openpose", Name: "OpenPose", Category: "pose"},
	{ID: "lineart", Name: "Line Art", Category: "edge"},
	{ID: "softedge", Name: "Soft Edge", Category: "edge"},
	{ID: "tile", Name: "Tile", Category: "detail"},
}

// ForgeHandler proxies model listings from the SD Forge API.
type ForgeHandler struct {
	baseURL string
	client  *http.Client
}

func NewForgeHandler(baseURL string) *ForgeHandler {
	return &ForgeHandler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: forgeTimeout},
	}
}

func (h *ForgeHandler) ControlNetModels(c *gin.Context) {
	var body struct {
		ModelList []string `json:"model_list"`
	}
	if err := h.get(c.Request.Context(), "/controlnet/model_list", &body); err != nil {
		logger.Warn("Forge unavailable, serving fallback models", logger.WithContext(c).With("error", err.Error()))
		c.JSON(http.StatusOK, gin.H{"models": fallbackModels, "source": "fallback"})
		return
	}
	models := make([]ControlNetModel, 0, len(body.ModelList))
	for _, name := range body.ModelList {
		if name == "" || strings.EqualFold(name, "none") {
			continue
		}
		models = append(models, ControlNetModel{ID: name, Name: name, Category: modelCategory(name)})
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "source": "forge"})
}

func (h *ForgeHandler) Loras(c *gin.Context) {
	var loras []Lora
	if err := h.get(c.Request.Context(), "/sdapi/v1/loras", &loras); err != nil {
		logger.Warn("Forge unavailable, serving no loras", logger.WithContext(c).With("error", err.Error()))
		c.JSON(http.StatusOK, gin.H{"loras": []Lora{}, "source": "fallback"})
		return
	}
	if loras == nil {
		loras = []Lora{}
	}
	c.JSON(http.StatusOK, gin.H{"loras": loras, "source": "forge"})
}

func (h *ForgeHandler) get(ctx context.Context, path string, v any) error {
	if h.baseURL == "" {
		return fmt.Errorf("forge api url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, forgeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("forge %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode forge %s: %w", path, err)
	}
	return nil
}

func modelCategory(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "depth"):
		return "depth"
	case strings.Contains(n, "pose"):
		return "pose"
	case strings.Contains(n, "canny"), strings.Contains(n, "lineart"), strings.Contains(n, "softedge"), strings.Contains(n, "scribble"):
		return "edge"
	case strings.Contains(n, "tile"):
		return "detail"
	}
	return "other"
}
