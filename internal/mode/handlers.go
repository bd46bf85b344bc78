package mode

import (
	"github.com/gin-gonic/gin"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/quantfold/marketmaker/pkg/response"
)

// ModeResponse reports the current operating mode.
type ModeResponse struct {
	Mode types.Mode `json:"mode"`
}

// SetModeRequest is the payload for an operator mode override.
type SetModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// GinHandlers contains HTTP handlers for operating mode control.
type GinHandlers struct {
	provider *Provider
}

func NewGinHandlers(provider *Provider) *GinHandlers {
	return &GinHandlers{provider: provider}
}

// GetModeHandler handles GET requests for the current operating mode.
func (h *GinHandlers) GetModeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		current, err := h.provider.Current()
		response.Handle(c, ModeResponse{Mode: current}, err)
	}
}

// SetModeHandler handles PUT requests overriding the operating mode.
func (h *GinHandlers) SetModeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetModeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		m := types.Mode(req.Mode)
		if !m.Valid() {
			response.BadRequest(c, "Unknown operating mode")
			return
		}

		if err := h.provider.Override(m); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, ModeResponse{Mode: m})
	}
}
