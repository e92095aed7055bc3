package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"network-access-backend/internal/access"
	"network-access-backend/internal/apperr"
	"network-access-backend/internal/kea"
	"network-access-backend/internal/mw"
	"network-access-backend/internal/reconciler"
	"network-access-backend/internal/store"
)

// AccessService is the state machine as the HTTP surface sees it.
type AccessService interface {
	ApplyAccessDecision(ctx context.Context, ev access.Event) (*access.Decision, error)
	UnregisterByToken(ctx context.Context, token string) (*access.Decision, error)
	DeleteDevice(ctx context.Context, mac string) (*access.Decision, error)
	TouchLastSeen(ctx context.Context, mac string) error
	ChangeRole(ctx context.Context, email, role string) (*access.RoleChange, error)
}

// DHCPDiagnostics exposes read-only views of the DHCP server.
type DHCPDiagnostics interface {
	GetAllReservations(ctx context.Context, subnetID int) ([]kea.Reservation, error)
	Stats(ctx context.Context) (map[string]any, error)
}

// ReconcilerStats reports the last reconciliation pass.
type ReconcilerStats interface {
	LastStats() (reconciler.Stats, int)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	access     AccessService
	store      store.Store
	dhcp       DHCPDiagnostics
	reconciler ReconcilerStats
	cache      *mw.ResponseCache
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(a AccessService, s store.Store, dhcp DHCPDiagnostics, rec ReconcilerStats, cache *mw.ResponseCache, logger *zap.Logger) *Handler {
	return &Handler{
		access:     a,
		store:      s,
		dhcp:       dhcp,
		reconciler: rec,
		cache:      cache,
		logger:     logger,
		now:        time.Now,
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrIllegalTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("request_id", mw.GetRequestID(c)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// devicesChanged drops cached device views after a write.
func (h *Handler) devicesChanged() {
	if h.cache != nil {
		h.cache.Forget("/api/devices/")
	}
}
