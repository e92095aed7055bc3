package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"network-access-backend/internal/model"
)

// GetPendingRequests handles GET /api/requests.
func (h *Handler) GetPendingRequests(c *gin.Context) {
	reqs, err := h.store.ListPendingRequests(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if reqs == nil {
		reqs = []model.RegistrationRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

type changeRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// PutIdentityRole handles PUT /api/identities/:email/role.
func (h *Handler) PutIdentityRole(c *gin.Context) {
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	out, err := h.access.ChangeRole(c.Request.Context(), c.Param("email"), req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.devicesChanged()
	c.JSON(http.StatusOK, out)
}

// GetReconcilerStats handles GET /api/reconciler.
func (h *Handler) GetReconcilerStats(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler is not running"})
		return
	}
	last, passes := h.reconciler.LastStats()
	c.JSON(http.StatusOK, gin.H{"passes": passes, "last": last})
}

// GetSubnetReservations handles GET /api/dhcp/subnets/:id/reservations.
func (h *Handler) GetSubnetReservations(c *gin.Context) {
	subnetID, err := strconv.Atoi(c.Param("id"))
	if err != nil || subnetID <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid subnet ID"})
		return
	}

	reservations, err := h.dhcp.GetAllReservations(c.Request.Context(), subnetID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subnet_id": subnetID, "reservations": reservations})
}

// GetDHCPStats handles GET /api/dhcp/stats.
func (h *Handler) GetDHCPStats(c *gin.Context) {
	stats, err := h.dhcp.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetHealth handles GET /healthz.
func (h *Handler) GetHealth(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
