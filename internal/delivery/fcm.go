package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/jwalitptl/school-notify/internal/config"
	"github.com/jwalitptl/school-notify/internal/model"
)

// MaxFCMPayloadBytes is the FCM limit for a message's notification and data.
const MaxFCMPayloadBytes = 4096

var ErrFCMPayloadTooLarge = errors.New("fcm payload exceeds 4096 bytes")

// FCMClient is the part of *messaging.Client the sender uses.
type FCMClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NewFCMClient initialises the Firebase app from the credentials file.
func NewFCMClient(ctx context.Context, creds config.Credentials) (*messaging.Client, error) {
	var conf *firebase.Config
	if creds.FirebaseProjectID != "" {
		conf = &firebase.Config{ProjectID: creds.FirebaseProjectID}
	}
	app, err := firebase.NewApp(ctx, conf, option.WithCredentialsFile(creds.FirebaseCredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}
	return client, nil
}

type FCMSender struct {
	client FCMClient
}

func NewFCMSender(client FCMClient) *FCMSender {
	return &FCMSender{client: client}
}

func (s *FCMSender) Send(ctx context.Context, recipient model.Recipient, payload model.Payload) model.DeliveryOutcome {
	if recipient.Token == "" {
		return model.DeliveryOutcome{Result: model.DeliveryUnknownError, Err: errors.New("recipient has no fcm token")}
	}

	msg := buildFCMMessage(recipient.Token, payload)
	if size := fcmPayloadSize(msg); size > MaxFCMPayloadBytes {
		return model.DeliveryOutcome{Result: model.DeliveryPayloadTooLarge, Err: fmt.Errorf("%w: %d bytes", ErrFCMPayloadTooLarge, size)}
	}

	if _, err := s.client.Send(ctx, msg); err != nil {
		outcome := model.DeliveryOutcome{Result: ClassifyFCMError(err), Err: err}
		if resp := errorutils.HTTPResponse(err); resp != nil {
			outcome.StatusCode = resp.StatusCode
		}
		return outcome
	}
	return model.DeliveryOutcome{Result: model.DeliverySent, StatusCode: http.StatusOK}
}

func buildFCMMessage(token string, payload model.Payload) *messaging.Message {
	ttl := payload.TTL
	priority, apnsPriority := "normal", "5"
	if payload.RequireInteraction {
		priority, apnsPriority = "high", "10"
	}

	msg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title:    payload.Title,
			Body:     payload.Body,
			ImageURL: payload.Image,
		},
		Data: payload.Data(),
		Android: &messaging.AndroidConfig{
			Priority:    priority,
			TTL:         &ttl,
			CollapseKey: payload.Tag,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":   apnsPriority,
				"apns-expiration": strconv.FormatInt(payload.Timestamp/1000+int64(ttl.Seconds()), 10),
			},
		},
		Webpush: &messaging.WebpushConfig{
			Headers: map[string]string{"TTL": strconv.Itoa(int(ttl.Seconds()))},
			Notification: &messaging.WebpushNotification{
				Title:              payload.Title,
				Body:               payload.Body,
				Icon:               payload.Icon,
				Badge:              payload.Badge,
				Image:              payload.Image,
				Tag:                payload.Tag,
				RequireInteraction: payload.RequireInteraction,
			},
		},
	}
	// FCM only accepts absolute https links; relative ones travel in Data.
	if strings.HasPrefix(payload.URL, "https://") {
		msg.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: payload.URL}
	}
	return msg
}

func fcmPayloadSize(msg *messaging.Message) int {
	size := len(msg.Notification.Title) + len(msg.Notification.Body)
	if raw, err := json.Marshal(msg.Data); err == nil {
		size += len(raw)
	}
	return size
}

// ClassifyFCMError maps an FCM send error onto the delivery taxonomy.
func ClassifyFCMError(err error) model.DeliveryResult {
	switch {
	case err == nil:
		return model.DeliverySent
	case messaging.IsUnregistered(err):
		return model.DeliveryExpired
	case messaging.IsQuotaExceeded(err), errorutils.IsResourceExhausted(err):
		return model.DeliveryRateLimited
	case errorutils.IsInvalidArgument(err) && strings.Contains(strings.ToLower(err.Error()), "too big"):
		return model.DeliveryPayloadTooLarge
	}
	if resp := errorutils.HTTPResponse(err); resp != nil {
		return OutcomeForStatus(resp.StatusCode)
	}
	return model.DeliveryUnknownError
}
