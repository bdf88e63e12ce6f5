package linkverify

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cuongbtq/node-events/shared/httpclient"
)

// Fetcher downloads the body behind a URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// StatusError reports an HTTP error status
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// HTTPFetcher reads at most maxBody bytes of a GET response
type HTTPFetcher struct {
	client  httpclient.Doer
	maxBody int64
}

// NewHTTPFetcher creates a fetcher
func NewHTTPFetcher(client httpclient.Doer, maxBody int64) *HTTPFetcher {
	if maxBody <= 0 {
		maxBody = 5 << 20
	}
	return &HTTPFetcher{client: client, maxBody: maxBody}
}

// Fetch implements Fetcher. The request is aborted when ctx ends.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", url, err)
	}
	req.Header.Set("Accept", "text/html,*/*")

	resp, err := f.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return body, nil
}
