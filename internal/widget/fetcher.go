package widget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Scripts past this size are assumed to be an upstream error page, not the
// widget bundle.
const maxScriptBytes = 2 << 20

// Fetcher retrieves the widget script from its upstream URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the production Fetcher. Zero value is usable.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build script request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch widget script: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch widget script: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read widget script: %w", err)
	}
	if len(body) > maxScriptBytes {
		return nil, errors.New("widget script exceeds size cap")
	}
	return body, nil
}
