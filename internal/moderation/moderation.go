// Package moderation is the boundary to the content-moderation
// collaborator: it classifies a message body and may reject or rewrite it
// before the delivery pipeline proceeds.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable signals a transient infrastructure failure of the
// collaborator. The pipeline fails open on it (allow, no cleanup);
// explicit rejections fail closed.
var ErrUnavailable = errors.New("moderation service unavailable")

// Rejection is an explicit moderation veto.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "content rejected: " + r.Reason }

// Moderator classifies a text body. It returns the body to persist (the
// original, or a cleaned variant), a *Rejection error on veto, or
// ErrUnavailable when the collaborator cannot be reached.
type Moderator interface {
	Check(ctx context.Context, body string) (string, error)
}

// AllowAll passes every body through unchanged. Used when no moderation
// service is configured, and in tests.
type AllowAll struct{}

func (AllowAll) Check(_ context.Context, body string) (string, error) { return body, nil }

// Client calls the moderation collaborator over REST.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a REST moderation client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Cleaned string `json:"cleaned"`
}

// Check posts the body for classification. Network errors and 5xx
// responses map to ErrUnavailable; an explicit veto maps to *Rejection.
func (c *Client) Check(ctx context.Context, body string) (string, error) {
	payload, err := json.Marshal(classifyRequest{Text: body})
	if err != nil {
		return "", fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("moderation request failed", zap.Error(err))
		return "", ErrUnavailable
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		c.logger.Warn("moderation service error", zap.Int("status", resp.StatusCode))
		return "", ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("moderation status %d", resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Warn("moderation response malformed", zap.Error(err))
		return "", ErrUnavailable
	}

	if !result.Allowed {
		return "", &Rejection{Reason: result.Reason}
	}
	if result.Cleaned != "" {
		return result.Cleaned, nil
	}
	return body, nil
}
