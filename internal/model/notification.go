package model

import (
	"time"
)

type NotificationStatus string

const (
	NotificationStatusProcessing NotificationStatus = "processing"
	NotificationStatusCompleted  NotificationStatus = "completed"
	NotificationStatusFailed     NotificationStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s NotificationStatus) IsTerminal() bool {
	return s == NotificationStatusCompleted || s == NotificationStatusFailed
}

// NotificationRequest is the submission input. It is not persisted verbatim.
type NotificationRequest struct {
	Title              string        `json:"title"`
	Body               string        `json:"body"`
	Recipients         RecipientSpec `json:"recipients"`
	Tag                string        `json:"tag,omitempty"`
	URL                string        `json:"url,omitempty"`
	Icon               string        `json:"icon,omitempty"`
	Badge              string        `json:"badge,omitempty"`
	Image              string        `json:"image,omitempty"`
	RequireInteraction bool          `json:"requireInteraction,omitempty"`
	Actions            []Action      `json:"actions,omitempty"`
	// TTL in seconds; zero means DefaultTTL.
	TTL int `json:"ttl,omitempty"`
}

// PayloadOptions returns the optional payload fields of the request.
func (r *NotificationRequest) PayloadOptions() PayloadOptions {
	return PayloadOptions{
		Icon:               r.Icon,
		Badge:              r.Badge,
		Image:              r.Image,
		URL:                r.URL,
		Tag:                r.Tag,
		RequireInteraction: r.RequireInteraction,
		Actions:            r.Actions,
		TTL:                time.Duration(r.TTL) * time.Second,
	}
}

// Stats are the aggregate delivery counters of one notification.
// Total == Sent + Failed + Remaining at all times.
type Stats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Consistent reports whether the counters satisfy the total invariant.
func (s Stats) Consistent() bool {
	return s.Total == s.Sent+s.Failed+s.Remaining && s.Remaining >= 0
}

// NotificationRecord is the persisted aggregate of one logical notification.
type NotificationRecord struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Body             string             `json:"body"`
	RecipientSummary string             `json:"recipientSpecSummary"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	Stats            Stats              `json:"stats"`
	Status           NotificationStatus `json:"status"`
	FailureReason    string             `json:"failureReason,omitempty"`
}

// NewNotificationRecord builds the initial record for total resolved recipients.
// A record with nothing to send is completed from the start.
func NewNotificationRecord(id string, req *NotificationRequest, total int, now time.Time) *NotificationRecord {
	status := NotificationStatusProcessing
	if total == 0 {
		status = NotificationStatusCompleted
	}
	return &NotificationRecord{
		ID:               id,
		Title:            req.Title,
		Body:             req.Body,
		RecipientSummary: req.Recipients.Summary(),
		CreatedAt:        now,
		UpdatedAt:        now,
		Stats:            Stats{Total: total, Remaining: total},
		Status:           status,
	}
}

// StatusReport is what the status endpoint returns.
type StatusReport struct {
	ID       string             `json:"id"`
	Status   NotificationStatus `json:"status"`
	Progress int                `json:"progress"`
	Stats    Stats              `json:"stats"`
}

// Report derives the status report from a record.
func (r *NotificationRecord) Report() StatusReport {
	report := StatusReport{
		ID:     r.ID,
		Status: r.Status,
		Stats:  r.Stats,
	}
	if r.Stats.Total == 0 {
		report.Progress = 100
		if report.Status == NotificationStatusProcessing {
			report.Status = NotificationStatusCompleted
		}
		return report
	}

	done := r.Stats.Sent + r.Stats.Failed
	// integer round-half-up of 100*done/total
	progress := (200*done + r.Stats.Total) / (2 * r.Stats.Total)
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	report.Progress = progress
	return report
}
