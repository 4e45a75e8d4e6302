package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]Check
		status int
		body   string
	}{
		{"all up", map[string]Check{"redis": ok, "postgres": ok}, http.StatusOK, `{"status":"UP"}`},
		{"no checks", nil, http.StatusOK, `{"status":"UP"}`},
		{"redis down", map[string]Check{"redis": down, "postgres": ok}, http.StatusServiceUnavailable,
			`{"status":"DOWN","checks":{"redis":"connection refused"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			NewHandler(tt.checks, 0).RegisterRoutes(r.Group(""))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}
