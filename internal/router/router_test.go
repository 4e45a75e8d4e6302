package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/school-notify/internal/delivery"
	"github.com/jwalitptl/school-notify/internal/dispatch"
	"github.com/jwalitptl/school-notify/internal/handler/health"
	"github.com/jwalitptl/school-notify/internal/handler/notification"
	"github.com/jwalitptl/school-notify/internal/handler/prometheus"
	"github.com/jwalitptl/school-notify/internal/middleware"
	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/internal/repository/memory"
	notificationService "github.com/jwalitptl/school-notify/internal/service/notification"
	"github.com/jwalitptl/school-notify/pkg/auth"
	"github.com/jwalitptl/school-notify/pkg/logger"
	"github.com/jwalitptl/school-notify/pkg/metrics"
	"github.com/jwalitptl/school-notify/pkg/worker"
)

type okSender struct{}

func (okSender) Send(context.Context, model.Recipient, model.Payload) model.DeliveryOutcome {
	return model.DeliveryOutcome{Result: model.DeliverySent}
}

type stack struct {
	router *Router
	jwt    auth.JWTService
	queue  *worker.Queue
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := logger.Nop()
	reg := prom.NewRegistry()
	m := metrics.NewMetrics("test", "", reg)

	dir := memory.NewDirectory()
	records := memory.NewRecordRepository()
	for _, id := range []string{"p1", "p2", "p3"} {
		dir.AddUser(&model.User{ID: id, Role: model.UserRoleParent, Active: true})
		req := &model.RegisterSubscriptionRequest{Channel: model.ChannelFCM, Token: "tok-" + id}
		require.NoError(t, dir.Upsert(context.Background(), req.Build(id, time.Now())))
	}

	adapter := delivery.NewAdapter(delivery.WithSender(model.ChannelFCM, okSender{}), delivery.WithMetrics(m))
	resolver := notificationService.NewResolver(dir, dir, time.Minute, log)
	invalidator := notificationService.NewInvalidator(dir, resolver, log)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{BatchSize: 2, MaxConcurrentBatches: 2}, adapter, records, invalidator, nil, log, m)

	queue := worker.NewQueue(worker.QueueConfig{Workers: 2, Capacity: 10}, log, m)
	queue.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Shutdown(ctx)
	})

	svc := notificationService.NewService(notificationService.Config{}, resolver, invalidator, records, dir, adapter, dispatcher, queue, log, m)
	jwt := auth.NewJWTService("secret", "school-notify", time.Hour)

	r := NewRouter(
		middleware.NewAuthMiddleware(jwt, true),
		notification.NewHandler(svc),
		health.NewHandler(nil, time.Second),
		prometheus.New("test", reg, reg),
		log,
		RouterConfig{
			Mode:        gin.TestMode,
			RateBurst:   10,
			MaxBodySize: 1 << 20,
			CORSConfig:  middleware.DefaultCORSConfig(),
			MetricsPath: "/metrics",
		},
	)
	r.Setup()
	return &stack{router: r, jwt: jwt, queue: queue}
}

func (s *stack) do(t *testing.T, method, path, contentType, body, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if role != "" {
		token, err := s.jwt.GenerateAccessToken("caller", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.Engine().ServeHTTP(w, req)
	return w
}

func TestSubmitAndPollToCompletion(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/notifications/send-batch", "application/json",
		`{"title":"Trip","body":"Permission slips due","recipients":"all_parents"}`, model.UserRoleStaff)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var submitted struct {
		NotificationID string      `json:"notificationId"`
		Stats          model.Stats `json:"stats"`
		Status         string      `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	assert.Equal(t, "queued", submitted.Status)
	assert.Equal(t, 3, submitted.Stats.Total)

	var status struct {
		Success bool               `json:"success"`
		Status  model.StatusReport `json:"status"`
	}
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/notifications/send-batch?id="+submitted.NotificationID, "", "", model.UserRoleStaff)
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &status) != nil {
			return false
		}
		return status.Status.Status == model.NotificationStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 100, status.Status.Progress)
	assert.Equal(t, model.Stats{Total: 3, Sent: 3}, status.Status.Stats)
}

func TestSendBatchRequiresJSON(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/notifications/send-batch", "text/plain", "hello", model.UserRoleAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Content-Type must be application/json"}`, w.Body.String())
}

func TestStatusRequiresID(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/notifications/send-batch", "", "", model.UserRoleAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Notification ID is required"}`, w.Body.String())
}

func TestSendingRequiresSenderRole(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/notifications/send-batch", "application/json", `{"title":"t","recipients":"all"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/notifications/send-batch", "application/json", `{"title":"t","recipients":"all"}`, model.UserRoleParent)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// parents may still register their own devices
	w = s.do(t, http.MethodPost, "/api/v1/notifications/subscriptions", "application/json", `{"channel":"fcm","token":"phone"}`, model.UserRoleParent)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/health/live", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0", w.Header().Get("X-API-Version"))

	w = s.do(t, http.MethodGet, "/metrics", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}
