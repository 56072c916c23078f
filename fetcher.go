package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/adlens/adlens/models"
)

// HTTPFetcher pulls entities and metric rows from a provider-facing JSON
// API (the internal gateway that fronts the Meta/Google/Shopify clients).
// It translates HTTP status codes into the sync pipeline's error
// taxonomy: 429 becomes a RateLimitError, 401/403 a PermanentError.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) FetchEntities(ctx context.Context, conn models.Connection, scope models.EntityScope) ([]models.Entity, error) {
	url := fmt.Sprintf("%s/connections/%s/entities?scope=%s", f.baseURL, conn.ID, scope)
	var entities []models.Entity
	if err := f.getJSON(ctx, url, &entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func (f *HTTPFetcher) FetchMetrics(ctx context.Context, conn models.Connection, mode models.SyncMode) ([]models.FetchedRow, error) {
	url := fmt.Sprintf("%s/connections/%s/metrics?mode=%s", f.baseURL, conn.ID, mode)
	var rows []models.FetchedRow
	if err := f.getJSON(ctx, url, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *HTTPFetcher) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Reason: fmt.Sprintf("provider auth rejected: %s", resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("non-2xx: %d body=%s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
