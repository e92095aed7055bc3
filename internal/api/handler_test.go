package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"network-access-backend/config"
	"network-access-backend/internal/access"
	"network-access-backend/internal/apperr"
	"network-access-backend/internal/db"
	"network-access-backend/internal/kea"
	"network-access-backend/internal/model"
	"network-access-backend/internal/reconciler"
	"network-access-backend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAccess is a mock implementation of AccessService.
type mockAccess struct {
	ApplyFunc      func(ctx context.Context, ev access.Event) (*access.Decision, error)
	UnregisterFunc func(ctx context.Context, token string) (*access.Decision, error)
	DeleteFunc     func(ctx context.Context, mac string) (*access.Decision, error)
	TouchFunc      func(ctx context.Context, mac string) error
	RoleFunc       func(ctx context.Context, email, role string) (*access.RoleChange, error)
}

func (m *mockAccess) ApplyAccessDecision(ctx context.Context, ev access.Event) (*access.Decision, error) {
	return m.ApplyFunc(ctx, ev)
}

func (m *mockAccess) UnregisterByToken(ctx context.Context, token string) (*access.Decision, error) {
	return m.UnregisterFunc(ctx, token)
}

func (m *mockAccess) DeleteDevice(ctx context.Context, mac string) (*access.Decision, error) {
	return m.DeleteFunc(ctx, mac)
}

func (m *mockAccess) TouchLastSeen(ctx context.Context, mac string) error {
	return m.TouchFunc(ctx, mac)
}

func (m *mockAccess) ChangeRole(ctx context.Context, email, role string) (*access.RoleChange, error) {
	return m.RoleFunc(ctx, email, role)
}

type mockDHCP struct {
	reservations []kea.Reservation
	stats        map[string]any
	err          error
}

func (m *mockDHCP) GetAllReservations(context.Context, int) ([]kea.Reservation, error) {
	return m.reservations, m.err
}

func (m *mockDHCP) Stats(context.Context) (map[string]any, error) {
	return m.stats, m.err
}

type mockStats struct {
	last   reconciler.Stats
	passes int
}

func (m *mockStats) LastStats() (reconciler.Stats, int) { return m.last, m.passes }

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))
	return store.NewGormStore(gormDB)
}

var testServerConfig = config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 60}

func setupRouter(t *testing.T, a AccessService, s store.Store, dhcp DHCPDiagnostics, rec ReconcilerStats) *gin.Engine {
	t.Helper()
	h := NewHandler(a, s, dhcp, rec, nil, zap.NewNop())
	return NewRouter(h, testServerConfig, zap.NewNop())
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func TestPostDecision(t *testing.T) {
	var got access.Event
	a := &mockAccess{ApplyFunc: func(_ context.Context, ev access.Event) (*access.Decision, error) {
		got = ev
		return &access.Decision{NewStatus: model.StatusActive, TargetVLAN: 20, NetworkUpdateOK: false}, nil
	}}
	router := setupRouter(t, a, nil, nil, nil)

	w := do(router, "POST", "/api/access/decisions", `{"event":"register","mac":"aa:bb:cc:dd:ee:01","email":"alice@example.com"}`)

	assert.Equal(t, http.StatusOK, w.Code, "a failed network update is not an error response")
	assert.Contains(t, w.Body.String(), `"network_update_ok":false`)
	assert.Equal(t, access.EventRegister, got.Type)
	assert.Equal(t, "alice@example.com", got.Email)
}

func TestPostDecision_InvalidBody(t *testing.T) {
	router := setupRouter(t, &mockAccess{}, nil, nil, nil)

	w := do(router, "POST", "/api/access/decisions", `{"mac":"aa:bb:cc:dd:ee:01"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestErrorStatusMapping(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", apperr.Validationf("invalid MAC address %q", "zz"), http.StatusBadRequest},
		{"not found", fmt.Errorf("device x: %w", apperr.ErrNotFound), http.StatusNotFound},
		{"illegal transition", fmt.Errorf("%w: cannot verify", apperr.ErrIllegalTransition), http.StatusConflict},
		{"other", errors.New("database is on fire"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := &mockAccess{
				ApplyFunc: func(context.Context, access.Event) (*access.Decision, error) { return nil, tc.err },
			}
			router := setupRouter(t, a, nil, nil, nil)

			w := do(router, "POST", "/api/access/decisions", `{"event":"block","mac":"aa:bb:cc:dd:ee:01"}`)
			assert.Equal(t, tc.expected, w.Code)
			if tc.expected == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "fire")
			}
		})
	}
}

func TestPostUnregister(t *testing.T) {
	a := &mockAccess{UnregisterFunc: func(_ context.Context, token string) (*access.Decision, error) {
		if token != "tok" {
			return nil, fmt.Errorf("unregister token: %w", apperr.ErrNotFound)
		}
		return &access.Decision{NewStatus: model.StatusUnregistered, NetworkUpdateOK: true}, nil
	}}
	router := setupRouter(t, a, nil, nil, nil)

	assert.Equal(t, http.StatusOK, do(router, "POST", "/api/access/unregister", `{"token":"tok"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(router, "POST", "/api/access/unregister", `{"token":"other"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, "POST", "/api/access/unregister", `{}`).Code)
}

func TestDeviceEndpoints(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveDevice(ctx, &model.Device{
		MACAddress:         "aa:bb:cc:dd:ee:01",
		RegistrationStatus: model.StatusActive,
		ConnectionType:     model.ConnectionWiFi,
		CurrentVLAN:        40,
		FirstSeen:          time.Now().Add(-time.Hour),
	}))

	var touched, deleted string
	a := &mockAccess{
		TouchFunc: func(_ context.Context, mac string) error {
			touched = mac
			return nil
		},
		DeleteFunc: func(_ context.Context, mac string) (*access.Decision, error) {
			deleted = mac
			return &access.Decision{NetworkUpdateOK: true}, s.DeleteDevice(ctx, "aa:bb:cc:dd:ee:01")
		},
	}
	router := setupRouter(t, a, s, nil, nil)

	w := do(router, "GET", "/api/devices/AA-BB-CC-DD-EE-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"intended_pool":"registered"`)
	assert.Contains(t, w.Body.String(), `"effective_status":"active"`)

	assert.Equal(t, http.StatusBadRequest, do(router, "GET", "/api/devices/not-a-mac", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, "GET", "/api/devices/aa:bb:cc:dd:ee:99", "").Code)

	assert.Equal(t, http.StatusNoContent, do(router, "POST", "/api/devices/aa:bb:cc:dd:ee:01/seen", "").Code)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", touched)

	assert.Equal(t, http.StatusOK, do(router, "DELETE", "/api/devices/AA-BB-CC-DD-EE-01", "").Code)
	assert.Equal(t, "AA-BB-CC-DD-EE-01", deleted)

	// The cached view is dropped by the delete.
	assert.Equal(t, http.StatusNotFound, do(router, "GET", "/api/devices/AA-BB-CC-DD-EE-01", "").Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRequest(ctx, &model.RegistrationRequest{
		ID:          "3f0c2a4e-7d1b-4f7e-9a55-0d7c1e2b9a10",
		MACAddress:  "aa:bb:cc:dd:ee:01",
		Email:       "bob@example.com",
		Status:      model.RequestPending,
		SubmittedAt: time.Now(),
	}))

	a := &mockAccess{RoleFunc: func(_ context.Context, email, role string) (*access.RoleChange, error) {
		return &access.RoleChange{Identity: &model.Identity{Email: email, Role: role}, Devices: []*access.Decision{}}, nil
	}}
	dhcp := &mockDHCP{
		reservations: []kea.Reservation{{HWAddress: "aa:bb:cc:dd:ee:01", SubnetID: 40, ClientClasses: []string{kea.ClassRegistered}}},
		stats:        map[string]any{"pkt4-received": []any{[]any{42, "2026-10-18 12:00:00"}}},
	}
	rec := &mockStats{last: reconciler.Stats{Checked: 3, Repaired: 1}, passes: 7}
	router := setupRouter(t, a, s, dhcp, rec)

	w := do(router, "GET", "/api/requests", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bob@example.com")

	w = do(router, "PUT", "/api/identities/alice@example.com/role", `{"role":"staff"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"staff"`)
	assert.Equal(t, http.StatusBadRequest, do(router, "PUT", "/api/identities/alice@example.com/role", `{}`).Code)

	w = do(router, "GET", "/api/reconciler", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"passes":7`)
	assert.Contains(t, w.Body.String(), `"repaired":1`)

	w = do(router, "GET", "/api/dhcp/subnets/40/reservations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hw-address":"aa:bb:cc:dd:ee:01"`)
	assert.Equal(t, http.StatusBadRequest, do(router, "GET", "/api/dhcp/subnets/abc/reservations", "").Code)

	w = do(router, "GET", "/api/dhcp/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pkt4-received")

	dhcp.err = apperr.Transient("statistic-get-all", errors.New("connection refused"))
	assert.Equal(t, http.StatusInternalServerError, do(router, "GET", "/api/dhcp/stats", "").Code)
}

func TestHealth(t *testing.T) {
	router := setupRouter(t, &mockAccess{}, newSQLiteStore(t), nil, nil)

	w := do(router, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAPIKeyGuardsAPI(t *testing.T) {
	cfg := testServerConfig
	cfg.APIKey = "secret"
	h := NewHandler(&mockAccess{}, newSQLiteStore(t), nil, nil, nil, zap.NewNop())
	router := NewRouter(h, cfg, zap.NewNop())

	assert.Equal(t, http.StatusUnauthorized, do(router, "GET", "/api/requests", "").Code)
	assert.Equal(t, http.StatusOK, do(router, "GET", "/healthz", "").Code)
}
