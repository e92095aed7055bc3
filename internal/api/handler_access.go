package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"network-access-backend/internal/access"
)

// PostDecision handles POST /api/access/decisions. A failed network update
// is still a 200; the body carries network_update_ok=false.
func (h *Handler) PostDecision(c *gin.Context) {
	var ev access.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	dec, err := h.access.ApplyAccessDecision(c.Request.Context(), ev)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.devicesChanged()
	c.JSON(http.StatusOK, dec)
}

type unregisterRequest struct {
	Token string `json:"token" binding:"required"`
}

// PostUnregister handles POST /api/access/unregister.
func (h *Handler) PostUnregister(c *gin.Context) {
	var req unregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	dec, err := h.access.UnregisterByToken(c.Request.Context(), req.Token)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.devicesChanged()
	c.JSON(http.StatusOK, dec)
}
