package httputil

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/school-notify/pkg/errors"
)

// ErrorBody is the error shape every endpoint returns.
type ErrorBody struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	ProcessingTime string `json:"processingTime,omitempty"`
}

// ProcessingTime renders the elapsed time since start in milliseconds.
func ProcessingTime(start time.Time) string {
	return fmt.Sprintf("%dms", time.Since(start).Milliseconds())
}

// RespondWithSuccess sends a 200 with body merged over {"success": true}.
func RespondWithSuccess(c *gin.Context, body gin.H) {
	out := gin.H{"success": true}
	for k, v := range body {
		out[k] = v
	}
	c.JSON(http.StatusOK, out)
}

// RespondWithMessage sends a plain {"error": message} response.
func RespondWithMessage(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: message})
}

// RespondWithError maps err onto a status code and error body. Client errors
// carry only the message; server errors add details and processing time.
func RespondWithError(c *gin.Context, err error, start time.Time) {
	_ = c.Error(err)

	status := http.StatusInternalServerError
	body := ErrorBody{Error: "Internal server error", Details: err.Error()}
	if appErr, ok := apperrors.As(err); ok {
		status = appErr.StatusCode()
		body = ErrorBody{Error: appErr.Message, Details: appErr.Detail()}
	}

	if status < http.StatusInternalServerError {
		body.Details = ""
	} else {
		body.ProcessingTime = ProcessingTime(start)
	}
	c.AbortWithStatusJSON(status, body)
}
