// Package address proxies the mapping service's autocomplete endpoint so
// the API key stays server-side. Results only prefill the form's address,
// city and postal-code fields; they are not validated beyond the form's
// own schema.
package address

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.geoapify.com/v1/geocode/autocomplete"

// Suggestion is one autocomplete candidate.
type Suggestion struct {
	Label      string `json:"label"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
}

// Client queries the mapping service. Outbound calls share one token
// bucket so a burst of keystrokes cannot burn the key's upstream quota.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration

	limiter *rate.Limiter
}

// NewClient returns a client throttled to rps outbound requests per
// second (with equal burst). rps <= 0 disables throttling.
func NewClient(baseURL, apiKey string, rps int) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		BaseURL: baseURL,
		APIKey:  strings.TrimSpace(apiKey),
	}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return c
}

// Enabled reports whether an API key is configured. A disabled client
// means the autocomplete route is absent, not broken.
func (c *Client) Enabled() bool {
	return c != nil && c.APIKey != ""
}

// geoapify feature/properties response shape.
type completeResponse struct {
	Features []struct {
		Properties struct {
			Formatted    string `json:"formatted"`
			AddressLine1 string `json:"address_line1"`
			City         string `json:"city"`
			Postcode     string `json:"postcode"`
		} `json:"properties"`
	} `json:"features"`
}

// Complete returns autocomplete suggestions for the partial text. Blocks
// on the shared throttle; a cancelled ctx aborts the wait.
func (c *Client) Complete(ctx context.Context, text string) ([]Suggestion, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("address autocomplete not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("throttle autocomplete: %w", err)
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q := url.Values{}
	q.Set("text", text)
	q.Set("apiKey", c.APIKey)
	q.Set("limit", "5")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build autocomplete request: %w", err)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("autocomplete request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("autocomplete: status %d", resp.StatusCode)
	}

	var decoded completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode autocomplete response: %w", err)
	}

	out := make([]Suggestion, 0, len(decoded.Features))
	for _, f := range decoded.Features {
		p := f.Properties
		out = append(out, Suggestion{
			Label:      p.Formatted,
			Address:    p.AddressLine1,
			City:       p.City,
			PostalCode: p.Postcode,
		})
	}
	return out, nil
}
