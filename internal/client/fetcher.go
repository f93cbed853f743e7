package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"depot-go/internal/depot"
)

// Fetcher opens the byte stream behind a chunk URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// URLFetcher fetches http and https URLs with an HTTP GET and file URLs from
// the local filesystem.
type URLFetcher struct {
	HTTP *http.Client
}

func NewURLFetcher(hc *http.Client) *URLFetcher {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &URLFetcher{HTTP: hc}
}

func (f *URLFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing chunk URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "file":
		file, err := os.Open(u.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", u.Path, depot.ErrNotFound)
			}
			return nil, fmt.Errorf("opening %s: %w", u.Path, err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("unsupported chunk URL scheme %q", u.Scheme)
	}
}

func (f *URLFetcher) fetchHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", depot.ErrTransport, req.URL.Redacted(), err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %w", req.URL.Path, depot.ErrNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: unexpected status %s", depot.ErrTransport, req.URL.Path, resp.Status)
	}
}
