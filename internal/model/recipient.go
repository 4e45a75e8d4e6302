package model

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type RecipientKind string

const (
	RecipientAllParents RecipientKind = "all_parents"
	RecipientAllUsers   RecipientKind = "all_users"
	RecipientUser       RecipientKind = "user"
	RecipientExplicit   RecipientKind = "explicit"
	RecipientClass      RecipientKind = "class"
)

// Valid reports whether k is a known kind.
func (k RecipientKind) Valid() bool {
	switch k {
	case RecipientAllParents, RecipientAllUsers, RecipientUser, RecipientExplicit, RecipientClass:
		return true
	}
	return false
}

var (
	ErrRecipientsMissing = errors.New("recipients are required")
	ErrRecipientsInvalid = errors.New("recipients are invalid")
)

// RecipientSpec names who a notification goes to.
//
// On the wire it is either an object {"kind": ..., "id" | "ids" | "classId"},
// one of the strings "all_parents", "all_users" or "all", or an array of
// user ids (an explicit list).
type RecipientSpec struct {
	Kind    RecipientKind `json:"kind"`
	ID      string        `json:"id,omitempty"`
	IDs     []string      `json:"ids,omitempty"`
	ClassID string        `json:"classId,omitempty"`

	present bool
}

// Present reports whether the spec was supplied at all. An explicit empty
// list is present.
func (s RecipientSpec) Present() bool {
	return s.present || s.Kind != ""
}

func (s *RecipientSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = RecipientSpec{}
		return nil
	}

	switch data[0] {
	case '"':
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		switch RecipientKind(name) {
		case RecipientAllParents, RecipientAllUsers:
			*s = RecipientSpec{Kind: RecipientKind(name), present: true}
		default:
			if name == "all" {
				*s = RecipientSpec{Kind: RecipientAllUsers, present: true}
				return nil
			}
			return fmt.Errorf("%w: unknown audience %q", ErrRecipientsInvalid, name)
		}
		return nil
	case '[':
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("%w: %v", ErrRecipientsInvalid, err)
		}
		*s = RecipientSpec{Kind: RecipientExplicit, IDs: ids, present: true}
		return nil
	case '{':
		type alias RecipientSpec
		var raw alias
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrRecipientsInvalid, err)
		}
		*s = RecipientSpec(raw)
		s.present = true
		return nil
	}
	return fmt.Errorf("%w: unsupported json type", ErrRecipientsInvalid)
}

// Validate checks the spec is complete for its kind.
func (s RecipientSpec) Validate() error {
	if !s.Present() {
		return ErrRecipientsMissing
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrRecipientsInvalid, s.Kind)
	}
	switch s.Kind {
	case RecipientUser:
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: user recipient requires id", ErrRecipientsInvalid)
		}
	case RecipientClass:
		if strings.TrimSpace(s.ClassID) == "" {
			return fmt.Errorf("%w: class recipient requires classId", ErrRecipientsInvalid)
		}
	}
	return nil
}

// UserIDs returns the deduplicated, sorted ids named by a user or explicit spec.
func (s RecipientSpec) UserIDs() []string {
	var ids []string
	switch s.Kind {
	case RecipientUser:
		ids = []string{s.ID}
	case RecipientExplicit:
		ids = s.IDs
	default:
		return nil
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Summary is the short human form stored on the notification record.
func (s RecipientSpec) Summary() string {
	switch s.Kind {
	case RecipientAllParents:
		return "all parents"
	case RecipientAllUsers:
		return "all users"
	case RecipientUser:
		return "user:" + s.ID
	case RecipientExplicit:
		return fmt.Sprintf("explicit:%d", len(s.UserIDs()))
	case RecipientClass:
		return "class:" + s.ClassID
	}
	return string(s.Kind)
}

type Channel string

const (
	ChannelWebPush Channel = "web_push"
	ChannelFCM     Channel = "fcm"
)

func (c Channel) Valid() bool {
	return c == ChannelWebPush || c == ChannelFCM
}

// WebPushKeys are the browser-generated subscription keys.
type WebPushKeys struct {
	P256dh string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

// WebPushSubscription is the PushSubscription object a browser hands out.
type WebPushSubscription struct {
	Endpoint string      `json:"endpoint" binding:"required,url"`
	Keys     WebPushKeys `json:"keys" binding:"required"`
}

// Recipient is one addressable push target. ID is the subscription
// fingerprint, so two users sharing a device still dedupe to one send.
type Recipient struct {
	ID           string
	UserID       string
	Channel      Channel
	Subscription *WebPushSubscription
	Token        string
}

// Address returns the endpoint or token the recipient is reached at.
func (r Recipient) Address() string {
	if r.Channel == ChannelWebPush && r.Subscription != nil {
		return r.Subscription.Endpoint
	}
	return r.Token
}

// Fingerprint derives a stable id for a channel address without exposing
// the address itself (push endpoints are bearer capabilities).
func Fingerprint(channel Channel, address string) string {
	sum := blake2b.Sum256([]byte(string(channel) + "\x00" + address))
	return hex.EncodeToString(sum[:16])
}

type DeliveryResult string

const (
	DeliverySent            DeliveryResult = "sent"
	DeliveryExpired         DeliveryResult = "expired"
	DeliveryPayloadTooLarge DeliveryResult = "payload_too_large"
	DeliveryRateLimited     DeliveryResult = "rate_limited"
	DeliveryUnknownError    DeliveryResult = "unknown_error"
)

// Retryable reports whether another attempt could plausibly succeed.
func (r DeliveryResult) Retryable() bool {
	return r == DeliveryRateLimited || r == DeliveryUnknownError
}
