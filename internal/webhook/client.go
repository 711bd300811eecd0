// Package webhook forwards accepted contact submissions to the
// workflow-automation backend.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SecretHeader carries the shared secret the backend checks.
const SecretHeader = "X-Webhook-Secret"

// DefaultSource is the fixed tag identifying where a submission came from.
const DefaultSource = "landing-contact-form"

// Submission is the form payload after validation. Token is the opaque
// verification-widget token, forwarded verbatim and omitted when the
// widget is disabled.
type Submission struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Message    string `json:"message"`
	Token      string `json:"turnstileToken,omitempty"`
}

type payload struct {
	Submission
	SubmittedAt string `json:"submittedAt"`
	Source      string `json:"source"`
}

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.Code)
}

// Client posts submissions to one site's webhook URL. Zero values for
// HTTPClient, Timeout and Source get defaults.
type Client struct {
	URL        string
	Secret     string
	Source     string
	HTTPClient *http.Client
	Timeout    time.Duration

	now func() time.Time
}

// NewClient returns a client with defaults applied.
func NewClient(url, secret string) *Client {
	return &Client{
		URL:    strings.TrimSpace(url),
		Secret: secret,
	}
}

// Configured reports whether both the URL and the shared secret are set.
// An unconfigured client must not be used; the caller surfaces this as a
// configuration fault rather than attempting the send.
func (c *Client) Configured() bool {
	return c != nil && c.URL != "" && c.Secret != ""
}

// Send posts the submission. Any transport error or non-2xx response is
// returned as an error; a *StatusError carries the upstream status code.
func (c *Client) Send(ctx context.Context, sub Submission) error {
	if !c.Configured() {
		return fmt.Errorf("webhook client not configured")
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	source := c.Source
	if source == "" {
		source = DefaultSource
	}

	body, err := json.Marshal(payload{
		Submission:  sub,
		SubmittedAt: now().UTC().Format(time.RFC3339),
		Source:      source,
	})
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.Secret)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post submission: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
