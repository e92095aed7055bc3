package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"network-access-backend/config"
	"network-access-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.RequestID(), mw.Logger(logger.Named("http")))

	if h.cache == nil {
		h.cache = mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)
	}
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)
	caching := h.cache.Middleware()

	r.GET("/healthz", h.GetHealth)

	api := r.Group("/api")
	api.Use(rateLimiter, mw.APIKey(cfg.APIKey))
	{
		api.POST("/access/decisions", h.PostDecision)
		api.POST("/access/unregister", h.PostUnregister)

		api.GET("/devices/:mac", caching, h.GetDevice)
		api.POST("/devices/:mac/seen", h.PostDeviceSeen)
		api.DELETE("/devices/:mac", h.DeleteDevice)

		api.GET("/requests", h.GetPendingRequests)
		api.PUT("/identities/:email/role", h.PutIdentityRole)

		api.GET("/reconciler", h.GetReconcilerStats)
		api.GET("/dhcp/subnets/:id/reservations", h.GetSubnetReservations)
		api.GET("/dhcp/stats", h.GetDHCPStats)
	}

	return r
}
