package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/school-notify/internal/middleware"
	"github.com/jwalitptl/school-notify/internal/model"
	notificationService "github.com/jwalitptl/school-notify/internal/service/notification"
	"github.com/jwalitptl/school-notify/pkg/httputil"
)

const (
	MsgContentType      = "Content-Type must be application/json"
	MsgBodyRequired     = "Request body is required"
	MsgInvalidJSON      = "Invalid JSON in request body"
	MsgBodyTooLarge     = "Request body too large"
	MsgIDRequired       = "Notification ID is required"
	MsgInvalidPush      = "Invalid subscription or payload"
	MsgSubscriptionGone = "Subscription has expired or is no longer valid"
)

type Handler struct {
	service notificationService.Service
}

func NewHandler(service notificationService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("/send-batch", h.SendBatch)
		notifications.GET("/send-batch", h.GetBatchStatus)
		notifications.POST("/send-push", h.SendPush)
		notifications.POST("/send-unified", h.SendUnified)
		notifications.POST("/subscriptions", h.RegisterSubscription)
		notifications.DELETE("/subscriptions", h.UnregisterSubscription)
	}
}

// RegisterRoutesWithAuth mounts the routes behind authentication. Sending
// needs one of the sender roles; any authenticated user may manage their
// own subscriptions.
func (h *Handler) RegisterRoutesWithAuth(r *gin.RouterGroup, auth *middleware.AuthMiddleware, senderRoles ...string) {
	notifications := r.Group("/notifications", auth.Authenticate())
	{
		senders := notifications.Group("", auth.RequireRole(senderRoles...))
		senders.POST("/send-batch", h.SendBatch)
		senders.GET("/send-batch", h.GetBatchStatus)
		senders.POST("/send-push", h.SendPush)
		senders.POST("/send-unified", h.SendUnified)

		notifications.POST("/subscriptions", h.RegisterSubscription)
		notifications.DELETE("/subscriptions", h.UnregisterSubscription)
	}
}

func (h *Handler) SendBatch(c *gin.Context) {
	start := time.Now()

	if c.ContentType() != gin.MIMEJSON {
		httputil.RespondWithMessage(c, http.StatusBadRequest, MsgContentType)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.RespondWithMessage(c, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		httputil.RespondWithMessage(c, http.StatusBadRequest, MsgBodyRequired)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		httputil.RespondWithMessage(c, http.StatusBadRequest, MsgBodyRequired)
		return
	}

	var req model.NotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		_ = c.Error(err)
		httputil.RespondWithMessage(c, http.StatusBadRequest, MsgInvalidJSON)
		return
	}

	result, err := h.service.Submit(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err, start)
		return
	}

	httputil.RespondWithSuccess(c, gin.H{
		"notificationId": result.NotificationID,
		"stats":          result.Stats,
		"processingTime": httputil.ProcessingTime(start),
		"status":         result.Status,
	})
}

func (h *Handler) GetBatchStatus(c *gin.Context) {
	start := time.Now()

	id := c.Query("id")
	if id == "" {
		httputil.RespondWithMessage(c, http.StatusBadRequest, MsgIDRequired)
		return
	}

	report, err := h.service.Status(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err, start)
		return
	}

	httputil.RespondWithSuccess(c, gin.H{"status": report})
}

func (h *Handler) SendPush(c *gin.Context) {
	var req model.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httputil.ErrorBody{
			Error:   MsgInvalidPush,
			Details: middleware.ValidationMessage(err),
		})
		return
	}

	outcome := h.service.SendPush(c.Request.Context(), &req)
	switch outcome.Result {
	case model.DeliverySent:
		httputil.RespondWithSuccess(c, nil)
	case model.DeliveryExpired:
		c.JSON(http.StatusGone, gin.H{
			"error":                    MsgSubscriptionGone,
			"shouldRemoveSubscription": true,
		})
	case model.DeliveryPayloadTooLarge:
		httputil.RespondWithMessage(c, http.StatusRequestEntityTooLarge, "Payload too large")
	case model.DeliveryRateLimited:
		httputil.RespondWithMessage(c, http.StatusTooManyRequests, "Too many requests, try again later")
	default:
		body := httputil.ErrorBody{Error: "Failed to send notification"}
		if outcome.Err != nil {
			_ = c.Error(outcome.Err)
			body.Details = outcome.Err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}

func (h *Handler) SendUnified(c *gin.Context) {
	start := time.Now()

	var req model.UnifiedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httputil.ErrorBody{
			Error:   "Missing required fields: recipients and payload",
			Details: middleware.ValidationMessage(err),
		})
		return
	}

	result, err := h.service.SendUnified(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err, start)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) RegisterSubscription(c *gin.Context) {
	start := time.Now()

	var req model.RegisterSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httputil.ErrorBody{
			Error:   "Invalid subscription",
			Details: middleware.ValidationMessage(err),
		})
		return
	}

	sub, err := h.service.RegisterSubscription(c.Request.Context(), c.GetString(middleware.ContextUserID), &req)
	if err != nil {
		httputil.RespondWithError(c, err, start)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "id": sub.ID})
}

func (h *Handler) UnregisterSubscription(c *gin.Context) {
	start := time.Now()

	var req model.UnregisterSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httputil.ErrorBody{
			Error:   "Endpoint or token is required",
			Details: middleware.ValidationMessage(err),
		})
		return
	}

	if err := h.service.UnregisterSubscription(c.Request.Context(), c.GetString(middleware.ContextUserID), &req); err != nil {
		httputil.RespondWithError(c, err, start)
		return
	}
	httputil.RespondWithSuccess(c, nil)
}
