package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type nullSink struct{}

func (nullSink) Deliver(to domain.Party, msg *domain.Message) error  { return nil }
func (nullSink) Broadcast(role domain.PartyRole, msg *domain.Message) {}

type fixedCounter map[domain.PartyRole]int

func (f fixedCounter) ConnectionCount() map[domain.PartyRole]int { return f }

func newTestAPI(t *testing.T, health *monitoring.HealthChecker, protect []gin.HandlerFunc, admin gin.HandlerFunc) (*gin.Engine, *services.SignalingRouter) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	registry := services.NewSessionRegistry(memory.NewMemoryDeviceRepository())
	router := services.NewSignalingRouter(registry, services.NewCandidateBuffer(8), nullSink{}, logger)

	engine := gin.New()
	engine.Use(middleware.ErrorHandlerMiddleware(logger))
	NewDeviceHandler(router, fixedCounter{domain.PartyDevice: 1}, health).SetupRoutes(engine, protect, admin)
	return engine, router
}

func do(engine *gin.Engine, method, path string, body []byte, header ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	engine.ServeHTTP(w, req)
	return w
}

func TestDeviceHandler_Devices(t *testing.T) {
	engine, router := newTestAPI(t, nil, nil, nil)
	ctx := context.Background()
	_, err := router.AnnounceDevice(ctx, "cam-1", "Gate", domain.DeviceCapabilities{Width: 640, Height: 480, FPS: 15})
	require.NoError(t, err)
	require.NoError(t, router.RequestStart(ctx, "cam-1", "v1"))

	w := do(engine, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Devices []domain.Device `json:"devices"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, 640, list.Devices[0].Capabilities.Width)

	w = do(engine, http.MethodGet, "/api/v1/devices/cam-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Device   domain.Device    `json:"device"`
		Sessions []domain.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, "Gate", one.Device.Name)
	require.Len(t, one.Sessions, 1)
	assert.Equal(t, domain.ViewerID("v1"), one.Sessions[0].ViewerID)

	assert.Equal(t, http.StatusNotFound, do(engine, http.MethodGet, "/api/v1/devices/cam-9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(engine, http.MethodGet, "/api/v1/devices/bad%20id", nil).Code)
}

func TestDeviceHandler_Sessions(t *testing.T) {
	engine, router := newTestAPI(t, nil, nil, nil)
	ctx := context.Background()
	for _, id := range []domain.DeviceID{"cam-1", "cam-2"} {
		_, err := router.AnnounceDevice(ctx, id, "", domain.DeviceCapabilities{})
		require.NoError(t, err)
	}
	require.NoError(t, router.RequestStart(ctx, "cam-1", "v1"))
	require.NoError(t, router.RequestStart(ctx, "cam-2", "v2"))

	var body struct {
		Count int `json:"count"`
	}
	w := do(engine, http.MethodGet, "/api/v1/sessions", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	w = do(engine, http.MethodGet, "/api/v1/sessions?viewer_id=v2", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestDeviceHandler_RemoveDevice(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	engine, router := newTestAPI(t, nil,
		[]gin.HandlerFunc{middleware.AuthMiddleware(auth)},
		middleware.RequireRole(services.RoleAdmin),
	)
	_, err := router.AnnounceDevice(context.Background(), "cam-1", "Gate", domain.DeviceCapabilities{})
	require.NoError(t, err)

	viewer, err := auth.GenerateToken(string(domain.PartyViewer), "v1")
	require.NoError(t, err)
	admin, err := auth.GenerateToken(services.RoleAdmin, "ops")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, do(engine, http.MethodDelete, "/api/v1/devices/cam-1", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(engine, http.MethodDelete, "/api/v1/devices/cam-1", nil, "Authorization", "Bearer "+viewer).Code)
	assert.Equal(t, http.StatusOK, do(engine, http.MethodGet, "/api/v1/devices", nil, "Authorization", "Bearer "+viewer).Code)

	assert.Equal(t, http.StatusNoContent, do(engine, http.MethodDelete, "/api/v1/devices/cam-1", nil, "Authorization", "Bearer "+admin).Code)
	assert.Equal(t, http.StatusNotFound, do(engine, http.MethodDelete, "/api/v1/devices/cam-1", nil, "Authorization", "Bearer "+admin).Code)
}

func TestDeviceHandler_HealthAndReady(t *testing.T) {
	health := monitoring.NewHealthChecker()
	engine, _ := newTestAPI(t, health, nil, nil)

	w := do(engine, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connections"`)

	assert.Equal(t, http.StatusOK, do(engine, http.MethodGet, "/ready", nil).Code)

	health.AddCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") }, time.Second)
	w = do(engine, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAuthHandler_IssueToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	auth := services.NewAuthService("test-secret", time.Hour)

	engine := gin.New()
	engine.Use(middleware.ErrorHandlerMiddleware(logger))
	NewAuthHandler(auth, time.Hour).SetupRoutes(engine)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"viewer", `{"role":"viewer","subject":"v1"}`, http.StatusCreated},
		{"device", `{"role":"Device","subject":"cam-1"}`, http.StatusCreated},
		{"admin", `{"role":"admin","subject":"ops"}`, http.StatusCreated},
		{"unknown role", `{"role":"root","subject":"x"}`, http.StatusBadRequest},
		{"bad device id", `{"role":"device","subject":"bad id"}`, http.StatusBadRequest},
		{"missing subject", `{"role":"viewer"}`, http.StatusBadRequest},
		{"not json", `nope`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(engine, http.MethodPost, "/api/v1/auth/token", []byte(tt.body), "Content-Type", "application/json")
			require.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want != http.StatusCreated {
				return
			}

			var resp struct {
				Token   string `json:"token"`
				Role    string `json:"role"`
				Subject string `json:"subject"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			claims, err := auth.ValidateToken(resp.Token)
			require.NoError(t, err)
			assert.Equal(t, resp.Role, claims.Role)
			assert.Equal(t, resp.Subject, claims.Subject)
		})
	}
}
