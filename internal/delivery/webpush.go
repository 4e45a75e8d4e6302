package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/jwalitptl/school-notify/internal/config"
	"github.com/jwalitptl/school-notify/internal/model"
)

// WebPushSender delivers through the Web Push protocol with VAPID auth.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	client     *http.Client
}

// NewWebPushSender builds a sender from explicit credentials. A zero
// timeout falls back to ten seconds.
func NewWebPushSender(creds config.Credentials, timeout time.Duration) (*WebPushSender, error) {
	if creds.VAPIDPublicKey == "" || creds.VAPIDPrivateKey == "" {
		return nil, errors.New("VAPID public and private keys are required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebPushSender{
		publicKey:  creds.VAPIDPublicKey,
		privateKey: creds.VAPIDPrivateKey,
		// webpush-go adds the mailto: scheme itself for non-https subjects
		subscriber: strings.TrimPrefix(creds.VAPIDSubject, "mailto:"),
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func (s *WebPushSender) Send(ctx context.Context, recipient model.Recipient, payload model.Payload) model.DeliveryOutcome {
	if recipient.Subscription == nil {
		return model.DeliveryOutcome{Result: model.DeliveryUnknownError, Err: errors.New("recipient has no web push subscription")}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return model.DeliveryOutcome{Result: model.DeliveryUnknownError, Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	sub := &webpush.Subscription{
		Endpoint: recipient.Subscription.Endpoint,
		Keys: webpush.Keys{
			P256dh: recipient.Subscription.Keys.P256dh,
			Auth:   recipient.Subscription.Keys.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.subscriber,
		TTL:             int(payload.TTL / time.Second),
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
	})
	if err != nil {
		if errors.Is(err, webpush.ErrMaxPadExceeded) {
			return model.DeliveryOutcome{Result: model.DeliveryPayloadTooLarge, StatusCode: http.StatusRequestEntityTooLarge, Err: err}
		}
		return model.DeliveryOutcome{Result: model.DeliveryUnknownError, Err: err}
	}
	defer resp.Body.Close()

	result := OutcomeForStatus(resp.StatusCode)
	outcome := model.DeliveryOutcome{Result: result, StatusCode: resp.StatusCode}
	if result != model.DeliverySent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		outcome.Err = fmt.Errorf("push service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return outcome
}
