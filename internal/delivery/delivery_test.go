package delivery

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/jwalitptl/school-notify/internal/config"
	"github.com/jwalitptl/school-notify/internal/model"
	"github.com/jwalitptl/school-notify/pkg/metrics"
)

func TestOutcomeForStatus(t *testing.T) {
	tests := []struct {
		code int
		want model.DeliveryResult
	}{
		{http.StatusOK, model.DeliverySent},
		{http.StatusCreated, model.DeliverySent},
		{http.StatusNotFound, model.DeliveryExpired},
		{http.StatusGone, model.DeliveryExpired},
		{http.StatusRequestEntityTooLarge, model.DeliveryPayloadTooLarge},
		{http.StatusTooManyRequests, model.DeliveryRateLimited},
		{http.StatusBadRequest, model.DeliveryUnknownError},
		{http.StatusInternalServerError, model.DeliveryUnknownError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeForStatus(tt.code), "status %d", tt.code)
	}
}

func testCredentials(t *testing.T) config.Credentials {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return config.Credentials{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		VAPIDSubject:    "mailto:admin@school.test",
	}
}

func testSubscription(t *testing.T, endpoint string) *model.WebPushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return &model.WebPushSubscription{
		Endpoint: endpoint,
		Keys: model.WebPushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func TestWebPushSenderMapsProviderStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   model.DeliveryResult
	}{
		{"created", http.StatusCreated, model.DeliverySent},
		{"gone", http.StatusGone, model.DeliveryExpired},
		{"too large", http.StatusRequestEntityTooLarge, model.DeliveryPayloadTooLarge},
		{"rate limited", http.StatusTooManyRequests, model.DeliveryRateLimited},
		{"server error", http.StatusBadGateway, model.DeliveryUnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotTTL string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotTTL = r.Header.Get("TTL")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sender, err := NewWebPushSender(testCredentials(t), time.Second)
			require.NoError(t, err)

			recipient := model.Recipient{ID: "r1", Channel: model.ChannelWebPush, Subscription: testSubscription(t, srv.URL+"/push/abc")}
			payload := model.RenderPayload("Fees due", "Term 2 fees are due", model.PayloadOptions{}, time.Now())

			outcome := sender.Send(context.Background(), recipient, payload)
			assert.Equal(t, tt.want, outcome.Result)
			assert.Equal(t, tt.status, outcome.StatusCode)
			assert.True(t, strings.HasPrefix(gotAuth, "vapid "), "authorization header %q", gotAuth)
			assert.Equal(t, "86400", gotTTL)
		})
	}
}

func TestWebPushSenderOversizedPayload(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sender, err := NewWebPushSender(testCredentials(t), time.Second)
	require.NoError(t, err)

	recipient := model.Recipient{ID: "r1", Channel: model.ChannelWebPush, Subscription: testSubscription(t, srv.URL)}
	payload := model.RenderPayload("T", strings.Repeat("x", 5000), model.PayloadOptions{}, time.Now())

	outcome := sender.Send(context.Background(), recipient, payload)
	assert.Equal(t, model.DeliveryPayloadTooLarge, outcome.Result)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestNewWebPushSenderRequiresKeys(t *testing.T) {
	_, err := NewWebPushSender(config.Credentials{}, 0)
	assert.Error(t, err)
}

type fakeFCMClient struct {
	err  error
	sent []*messaging.Message
}

func (f *fakeFCMClient) Send(_ context.Context, msg *messaging.Message) (string, error) {
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return "", f.err
	}
	return "projects/test/messages/1", nil
}

func TestFCMSender(t *testing.T) {
	client := &fakeFCMClient{}
	sender := NewFCMSender(client)
	payload := model.RenderPayload("Closure", "School closed tomorrow", model.PayloadOptions{Tag: "closure", RequireInteraction: true}, time.Now())

	outcome := sender.Send(context.Background(), model.Recipient{ID: "r1", Channel: model.ChannelFCM, Token: "tok"}, payload)
	assert.Equal(t, model.DeliverySent, outcome.Result)

	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	assert.Equal(t, "tok", msg.Token)
	assert.Equal(t, "closure", msg.Android.CollapseKey)
	assert.Equal(t, "high", msg.Android.Priority)
	assert.Nil(t, msg.Webpush.FCMOptions, "relative links stay in data")
	assert.Equal(t, "true", msg.Data["requireInteraction"])

	linked := model.RenderPayload("Trip", "Forms due", model.PayloadOptions{URL: "https://school.example/trip"}, time.Now())
	sender.Send(context.Background(), model.Recipient{ID: "r2", Channel: model.ChannelFCM, Token: "tok"}, linked)
	require.Len(t, client.sent, 2)
	assert.Equal(t, "https://school.example/trip", client.sent[1].Webpush.FCMOptions.Link)
}

func TestFCMSenderFailures(t *testing.T) {
	client := &fakeFCMClient{err: errors.New("connection reset")}
	sender := NewFCMSender(client)
	payload := model.RenderPayload("T", "B", model.PayloadOptions{}, time.Now())

	outcome := sender.Send(context.Background(), model.Recipient{Channel: model.ChannelFCM, Token: "tok"}, payload)
	assert.Equal(t, model.DeliveryUnknownError, outcome.Result)
	assert.Error(t, outcome.Err)

	big := model.RenderPayload("T", strings.Repeat("y", MaxFCMPayloadBytes), model.PayloadOptions{}, time.Now())
	outcome = sender.Send(context.Background(), model.Recipient{Channel: model.ChannelFCM, Token: "tok"}, big)
	assert.Equal(t, model.DeliveryPayloadTooLarge, outcome.Result)
	assert.ErrorIs(t, outcome.Err, ErrFCMPayloadTooLarge)

	outcome = sender.Send(context.Background(), model.Recipient{Channel: model.ChannelFCM}, payload)
	assert.Equal(t, model.DeliveryUnknownError, outcome.Result)
}

// fcmServer answers every send with status and an FCM v1 error body.
func fcmServer(t *testing.T, status int, body string) *messaging.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: "test"},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	client, err := app.Messaging(ctx)
	require.NoError(t, err)
	return client
}

func TestClassifyFCMError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   model.DeliveryResult
	}{
		{"message too big", http.StatusBadRequest, `{"error":{"status":"INVALID_ARGUMENT","message":"Message is too big"}}`, model.DeliveryPayloadTooLarge},
		{"other invalid argument", http.StatusBadRequest, `{"error":{"status":"INVALID_ARGUMENT","message":"Invalid registration token"}}`, model.DeliveryUnknownError},
		{"unregistered", http.StatusNotFound, `{"error":{"status":"NOT_FOUND","message":"Requested entity was not found.","details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"UNREGISTERED"}]}}`, model.DeliveryExpired},
		{"quota", http.StatusTooManyRequests, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota"}}`, model.DeliveryRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fcmServer(t, tt.status, tt.body)
			outcome := NewFCMSender(client).Send(context.Background(),
				model.Recipient{ID: "r1", Channel: model.ChannelFCM, Token: "tok"},
				model.RenderPayload("T", "B", model.PayloadOptions{}, time.Now()))
			assert.Equal(t, tt.want, outcome.Result)
			assert.Error(t, outcome.Err)
		})
	}

	assert.Equal(t, model.DeliverySent, ClassifyFCMError(nil))
	assert.Equal(t, model.DeliveryUnknownError, ClassifyFCMError(errors.New("connection reset")))
}

type stubSender struct {
	result model.DeliveryResult
	calls  int32
}

func (s *stubSender) Send(context.Context, model.Recipient, model.Payload) model.DeliveryOutcome {
	atomic.AddInt32(&s.calls, 1)
	return model.DeliveryOutcome{Result: s.result}
}

func TestAdapterRoutesByChannel(t *testing.T) {
	web := &stubSender{result: model.DeliverySent}
	fcm := &stubSender{result: model.DeliveryExpired}
	m := metrics.New("test")
	adapter := NewAdapter(
		WithSender(model.ChannelWebPush, web),
		WithSender(model.ChannelFCM, fcm),
		WithRateLimit(model.ChannelFCM, 1000, 10),
		WithMetrics(m),
	)

	outcome := adapter.Deliver(context.Background(), model.Recipient{ID: "a", Channel: model.ChannelFCM, Token: "t"}, model.Payload{})
	assert.Equal(t, model.DeliveryExpired, outcome.Result)
	assert.True(t, outcome.ShouldInvalidate())
	assert.Equal(t, "a", outcome.RecipientID)
	assert.False(t, outcome.Timestamp.IsZero())

	outcome = adapter.PushOne(context.Background(), model.WebPushSubscription{Endpoint: "https://push.example.com/1"}, model.Payload{})
	assert.True(t, outcome.Sent())
	assert.Equal(t, int32(1), atomic.LoadInt32(&web.calls))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("fcm", "expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("web_push", "sent")))
}

func TestAdapterUnconfiguredChannel(t *testing.T) {
	adapter := NewAdapter()
	outcome := adapter.Deliver(context.Background(), model.Recipient{ID: "a", Channel: model.ChannelFCM}, model.Payload{})
	assert.Equal(t, model.DeliveryUnknownError, outcome.Result)
	assert.ErrorIs(t, outcome.Err, ErrChannelNotConfigured)
	assert.False(t, adapter.Supports(model.ChannelFCM))
}

func TestAdapterRateLimitHonoursContext(t *testing.T) {
	adapter := NewAdapter(
		WithSender(model.ChannelWebPush, &stubSender{result: model.DeliverySent}),
		WithRateLimit(model.ChannelWebPush, 0.001, 1),
	)
	recipient := model.Recipient{ID: "a", Channel: model.ChannelWebPush}

	first := adapter.Deliver(context.Background(), recipient, model.Payload{})
	assert.True(t, first.Sent())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	second := adapter.Deliver(ctx, recipient, model.Payload{})
	assert.Equal(t, model.DeliveryUnknownError, second.Result)
}
