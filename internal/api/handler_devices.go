package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"network-access-backend/internal/model"
	"network-access-backend/internal/parse"
	"network-access-backend/internal/policy"
)

type deviceResponse struct {
	Device          *model.Device            `json:"device"`
	EffectiveStatus model.RegistrationStatus `json:"effective_status"`
	IntendedPool    policy.Pool              `json:"intended_pool"`
}

// GetDevice handles GET /api/devices/:mac.
func (h *Handler) GetDevice(c *gin.Context) {
	mac, err := parse.NormalizeMAC(c.Param("mac"))
	if err != nil {
		h.fail(c, err)
		return
	}

	d, err := h.store.GetDevice(c.Request.Context(), mac)
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.now()
	c.JSON(http.StatusOK, deviceResponse{
		Device:          d,
		EffectiveStatus: policy.EffectiveStatus(d, now),
		IntendedPool:    policy.DevicePool(d, now),
	})
}

// PostDeviceSeen handles POST /api/devices/:mac/seen.
func (h *Handler) PostDeviceSeen(c *gin.Context) {
	if err := h.access.TouchLastSeen(c.Request.Context(), c.Param("mac")); err != nil {
		h.fail(c, err)
		return
	}
	h.devicesChanged()
	c.Status(http.StatusNoContent)
}

// DeleteDevice handles DELETE /api/devices/:mac.
func (h *Handler) DeleteDevice(c *gin.Context) {
	dec, err := h.access.DeleteDevice(c.Request.Context(), c.Param("mac"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.devicesChanged()
	c.JSON(http.StatusOK, dec)
}
