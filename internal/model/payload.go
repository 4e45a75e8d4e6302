package model

import (
	"time"
)

const (
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
	DefaultURL   = "/"
	DefaultTag   = "school-notification"
	DefaultTTL   = 24 * time.Hour
)

// Action is a notification button shown by the browser.
type Action struct {
	Action string `json:"action" binding:"required"`
	Title  string `json:"title" binding:"required"`
	Icon   string `json:"icon,omitempty"`
}

// PayloadOptions are the optional presentation fields of a notification.
// Zero values fall back to the package defaults.
type PayloadOptions struct {
	Icon               string        `json:"icon,omitempty"`
	Badge              string        `json:"badge,omitempty"`
	Image              string        `json:"image,omitempty"`
	URL                string        `json:"url,omitempty"`
	Tag                string        `json:"tag,omitempty"`
	RequireInteraction bool          `json:"requireInteraction,omitempty"`
	Actions            []Action      `json:"actions,omitempty"`
	TTL                time.Duration `json:"-"`
}

// Payload is the rendered message handed to a delivery channel.
type Payload struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge"`
	Image              string   `json:"image,omitempty"`
	URL                string   `json:"url"`
	Tag                string   `json:"tag"`
	RequireInteraction bool     `json:"requireInteraction"`
	Actions            []Action `json:"actions,omitempty"`
	Timestamp          int64    `json:"timestamp"`

	TTL time.Duration `json:"-"`
}

// RenderPayload fills in defaults and stamps the payload with now (unix millis).
func RenderPayload(title, body string, opts PayloadOptions, now time.Time) Payload {
	p := Payload{
		Title:              title,
		Body:               body,
		Icon:               opts.Icon,
		Badge:              opts.Badge,
		Image:              opts.Image,
		URL:                opts.URL,
		Tag:                opts.Tag,
		RequireInteraction: opts.RequireInteraction,
		Actions:            opts.Actions,
		Timestamp:          now.UnixMilli(),
		TTL:                opts.TTL,
	}
	if p.Icon == "" {
		p.Icon = DefaultIcon
	}
	if p.Badge == "" {
		p.Badge = DefaultBadge
	}
	if p.URL == "" {
		p.URL = DefaultURL
	}
	if p.Tag == "" {
		p.Tag = DefaultTag
	}
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	return p
}

// Data flattens the payload into the string map FCM data messages carry.
func (p Payload) Data() map[string]string {
	data := map[string]string{
		"title":     p.Title,
		"body":      p.Body,
		"icon":      p.Icon,
		"badge":     p.Badge,
		"url":       p.URL,
		"tag":       p.Tag,
		"timestamp": time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339),
	}
	if p.Image != "" {
		data["image"] = p.Image
	}
	if p.RequireInteraction {
		data["requireInteraction"] = "true"
	}
	return data
}

// DeliveryOutcome is the result of one send attempt to one recipient.
type DeliveryOutcome struct {
	RecipientID string
	Result      DeliveryResult
	StatusCode  int
	Err         error
	Timestamp   time.Time
}

// ShouldInvalidate reports whether the recipient's subscription is gone
// and should be removed by the caller.
func (o DeliveryOutcome) ShouldInvalidate() bool {
	return o.Result == DeliveryExpired
}

func (o DeliveryOutcome) Sent() bool {
	return o.Result == DeliverySent
}

// PayloadRequest is the payload part of send-push and send-unified requests.
type PayloadRequest struct {
	Title              string   `json:"title" binding:"required"`
	Body               string   `json:"body"`
	Tag                string   `json:"tag,omitempty"`
	URL                string   `json:"url,omitempty"`
	Icon               string   `json:"icon,omitempty"`
	Badge              string   `json:"badge,omitempty"`
	Image              string   `json:"image,omitempty"`
	RequireInteraction bool     `json:"requireInteraction,omitempty"`
	Actions            []Action `json:"actions,omitempty" binding:"omitempty,max=2,dive"`
	TTL                int      `json:"ttl,omitempty" binding:"omitempty,min=0"`
}

func (p *PayloadRequest) Render(now time.Time) Payload {
	return RenderPayload(p.Title, p.Body, PayloadOptions{
		Icon:               p.Icon,
		Badge:              p.Badge,
		Image:              p.Image,
		URL:                p.URL,
		Tag:                p.Tag,
		RequireInteraction: p.RequireInteraction,
		Actions:            p.Actions,
		TTL:                time.Duration(p.TTL) * time.Second,
	}, now)
}

// PushRequest is the body of send-push.
type PushRequest struct {
	Subscription *WebPushSubscription `json:"subscription" binding:"required"`
	Payload      *PayloadRequest      `json:"payload" binding:"required"`
}

// UnifiedRequest is the body of send-unified.
type UnifiedRequest struct {
	Recipients RecipientSpec   `json:"recipients"`
	Payload    *PayloadRequest `json:"payload" binding:"required"`
}

// ChannelSummary counts the outcomes of one channel in a unified send.
type ChannelSummary struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

type TotalSummary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type UnifiedResult struct {
	WebPush ChannelSummary `json:"webPush"`
	FCM     ChannelSummary `json:"fcm"`
	Total   TotalSummary   `json:"total"`
}
