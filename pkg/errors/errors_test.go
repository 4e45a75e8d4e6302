package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cause := stderrors.New("cause")
	tests := map[string]struct {
		err  *AppError
		want int
	}{
		"validation":   {Validation("bad", nil), http.StatusBadRequest},
		"not found":    {NotFound("Notification", cause), http.StatusNotFound},
		"unauthorized": {Unauthorized(cause), http.StatusUnauthorized},
		"forbidden":    {Forbidden(cause), http.StatusForbidden},
		"unavailable":  {Unavailable("queue full", cause), http.StatusServiceUnavailable},
		"resolution":   {Resolution(cause), http.StatusInternalServerError},
		"record store": {RecordStore("create", cause), http.StatusInternalServerError},
		"internal":     {Internal(cause), http.StatusInternalServerError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode())
		})
	}
}

func TestAsFindsWrappedError(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := fmt.Errorf("status: %w", RecordStore("get", cause))

	appErr, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, "notification record get failed", appErr.Message)
	assert.Equal(t, "connection refused", appErr.Detail())
	assert.ErrorIs(t, err, cause)
	assert.True(t, HasCode(err, ErrRecordStore))
	assert.False(t, HasCode(err, ErrNotFound))

	_, ok = As(cause)
	assert.False(t, ok)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Notification not found", NotFound("Notification", nil).Error())
	assert.Equal(t, "Notification not found: gone", NotFound("Notification", stderrors.New("gone")).Error())
	assert.Empty(t, Validation("bad", nil).Detail())
}
