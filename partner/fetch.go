package partner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"opcuaproxy/logging"
)

// ErrBadStatus is returned when the configuration API answers with a
// non-2xx status.
var ErrBadStatus = errors.New("bad response status")

// Fetcher retrieves the complete desired set of partner configurations.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*Config, error)
}

// HTTPFetcher fetches partner records with a GET on a fixed URL.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher creates a fetcher for url. Each request is bounded by timeout.
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch returns the validated partner list. Any transport error, non-2xx
// status, malformed body or invalid record fails the whole fetch.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]*Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, res.StatusCode)
	}

	var cfgs []*Config
	if err := json.NewDecoder(res.Body).Decode(&cfgs); err != nil {
		return nil, fmt.Errorf("decoding error: %w", err)
	}
	if err := ValidateAll(cfgs); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.DebugLog("config", "fetched %d partner(s) from %s", len(cfgs), f.url)
	return cfgs, nil
}
