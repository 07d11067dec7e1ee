// Package transport holds the HTTP clients for both partner APIs. Calls
// are synchronous with a small in-call retry for transient statuses;
// durable retry happens at job granularity in the dispatcher.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
)

// TogglAPI is the tracking-side surface the sync core consumes.
type TogglAPI interface {
	// CurrentEntry returns the running entry, nil if none.
	CurrentEntry(ctx context.Context, apiKey string) (*models.TimeEntry, error)
	// EntriesSince lists entries updated at or after since.
	EntriesSince(ctx context.Context, apiKey string, since time.Time) ([]models.TimeEntry, error)
	// Me resolves the user's default workspace.
	Me(ctx context.Context, apiKey string) (*models.TogglMe, error)
	// StartEntry creates a running entry (duration -1 convention).
	StartEntry(ctx context.Context, apiKey string, workspaceID int64, description string, start time.Time) (*models.TimeEntry, error)
	// StopEntry stops an entry; models.ErrEntryGone when the tracking
	// side reports it missing (callers treat that as success).
	StopEntry(ctx context.Context, apiKey string, workspaceID, entryID int64) error
}

// NotionAPI is the document-side surface the sync core consumes.
type NotionAPI interface {
	Page(ctx context.Context, token, pageID string) (*models.NotionPage, error)
	CreatePage(ctx context.Context, token, databaseID, title string) (*models.NotionPage, error)
	// SetTimerProperties mirrors a running entry: date prop + entry id.
	SetTimerProperties(ctx context.Context, token, pageID string, start time.Time, entryID string) error
	// ClearTimerProperties clears both mirrored properties.
	ClearTimerProperties(ctx context.Context, token, pageID string) error
	// SetEntryID writes only the tracking entry id (self-write after a
	// document-originated start).
	SetEntryID(ctx context.Context, token, pageID, entryID string) error
	ClearEntryID(ctx context.Context, token, pageID string) error
	// RefreshOAuthToken exchanges a refresh token for fresh credentials.
	RefreshOAuthToken(ctx context.Context, refreshToken string) (*models.OAuthToken, error)
}

// httpCore is the shared request machinery for both clients.
type httpCore struct {
	client     *http.Client
	baseURL    string
	maxRetries int
	retryDelay time.Duration
	logger     *events.Logger
}

func newHTTPCore(baseURL string, timeout time.Duration, maxRetries int, logger *events.Logger) *httpCore {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &httpCore{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		baseURL:    baseURL,
		maxRetries: maxRetries,
		retryDelay: time.Second,
		logger:     logger,
	}
}

// do executes one request with retries on network errors and transient
// statuses. Returns the final status and body; non-2xx statuses are the
// caller's to interpret.
func (c *httpCore) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"url":     url,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return 0, nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("execute request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if isTransient(resp.StatusCode) {
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, respBody)
			continue
		}

		return resp.StatusCode, respBody, nil
	}

	return 0, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isTransient(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

func apiError(service string, status int, body []byte) error {
	return &models.APIError{
		Service:    service,
		StatusCode: status,
		Body:       truncate(string(body), 512),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
