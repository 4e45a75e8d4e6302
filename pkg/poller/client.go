package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jwalitptl/school-notify/internal/model"
)

var ErrNotFound = errors.New("notification not found")

const batchPath = "/api/v1/notifications/send-batch"

// Client talks to the notification API over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SubmitResponse is the acknowledgment of an accepted batch.
type SubmitResponse struct {
	Success        bool        `json:"success"`
	NotificationID string      `json:"notificationId"`
	Stats          model.Stats `json:"stats"`
	ProcessingTime string      `json:"processingTime"`
	Status         string      `json:"status"`
}

type statusResponse struct {
	Success bool               `json:"success"`
	Status  model.StatusReport `json:"status"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Submit posts a batch notification.
func (c *Client) Submit(ctx context.Context, req *model.NotificationRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+batchPath, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetch reads the status of a notification.
func (c *Client) Fetch(ctx context.Context, id string) (*model.StatusReport, error) {
	var out statusResponse
	err := c.do(ctx, http.MethodGet, c.baseURL+batchPath+"?id="+url.QueryEscape(id), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &out.Status, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Details: e.Details}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
