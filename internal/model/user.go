package model

import (
	"time"
)

// User roles
const (
	UserRoleAdmin   = "admin"
	UserRoleStaff   = "staff"
	UserRoleTeacher = "teacher"
	UserRoleParent  = "parent"
)

// User is an account in the school directory.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PushSubscription is a registered delivery address of a user. Web Push rows
// carry Endpoint, P256dh and Auth; FCM rows carry Token.
type PushSubscription struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Channel   Channel   `json:"channel" db:"channel"`
	Endpoint  string    `json:"endpoint,omitempty" db:"endpoint"`
	P256dh    string    `json:"p256dh,omitempty" db:"p256dh"`
	Auth      string    `json:"auth,omitempty" db:"auth"`
	Token     string    `json:"token,omitempty" db:"token"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Address returns the endpoint or token of the subscription.
func (s *PushSubscription) Address() string {
	if s.Channel == ChannelWebPush {
		return s.Endpoint
	}
	return s.Token
}

// Recipient converts the subscription into a dispatchable recipient.
func (s *PushSubscription) Recipient() Recipient {
	r := Recipient{
		ID:      Fingerprint(s.Channel, s.Address()),
		UserID:  s.UserID,
		Channel: s.Channel,
	}
	if s.Channel == ChannelWebPush {
		r.Subscription = &WebPushSubscription{
			Endpoint: s.Endpoint,
			Keys:     WebPushKeys{P256dh: s.P256dh, Auth: s.Auth},
		}
	} else {
		r.Token = s.Token
	}
	return r
}

// RegisterSubscriptionRequest registers a Web Push subscription or an FCM
// token for the calling user.
type RegisterSubscriptionRequest struct {
	Channel      Channel              `json:"channel" binding:"required,channel"`
	Subscription *WebPushSubscription `json:"subscription" binding:"required_if=Channel web_push,omitempty"`
	Token        string               `json:"token" binding:"required_if=Channel fcm"`
}

// Build returns the directory row for userID.
func (r *RegisterSubscriptionRequest) Build(userID string, now time.Time) *PushSubscription {
	sub := &PushSubscription{
		UserID:    userID,
		Channel:   r.Channel,
		CreatedAt: now,
	}
	if r.Channel == ChannelWebPush && r.Subscription != nil {
		sub.Endpoint = r.Subscription.Endpoint
		sub.P256dh = r.Subscription.Keys.P256dh
		sub.Auth = r.Subscription.Keys.Auth
	} else {
		sub.Token = r.Token
	}
	sub.ID = Fingerprint(sub.Channel, sub.Address())
	return sub
}

// UnregisterSubscriptionRequest removes a subscription by endpoint or token.
type UnregisterSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required_without=Token"`
	Token    string `json:"token" binding:"required_without=Endpoint"`
}
