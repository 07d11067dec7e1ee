package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
)

// TogglClient speaks the Toggl Track v9 API with per-call Basic auth
// (`<apiKey>:api_token`).
type TogglClient struct {
	core *httpCore
}

// NewTogglClient creates a Toggl client.
func NewTogglClient(cfg *config.TogglConfig, logger *events.Logger) *TogglClient {
	return &TogglClient{
		core: newHTTPCore(cfg.BaseURL, cfg.Timeout, cfg.MaxRetries,
			logger.WithField("component", "toggl_client")),
	}
}

func basicAuth(apiKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":api_token"))
}

func (c *TogglClient) headers(apiKey string) map[string]string {
	return map[string]string{"Authorization": basicAuth(apiKey)}
}

// CurrentEntry reads the running entry; the API answers 204 or an empty
// body when nothing is running.
func (c *TogglClient) CurrentEntry(ctx context.Context, apiKey string) (*models.TimeEntry, error) {
	status, body, err := c.core.do(ctx, http.MethodGet,
		c.core.baseURL+"/me/time_entries/current", c.headers(apiKey), nil)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNoContent {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, apiError("toggl", status, body)
	}
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}

	var entry models.TimeEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("parse current entry: %w", err)
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

// EntriesSince lists entries updated since the cursor, expressed to the
// API as epoch seconds.
func (c *TogglClient) EntriesSince(ctx context.Context, apiKey string, since time.Time) ([]models.TimeEntry, error) {
	url := fmt.Sprintf("%s/me/time_entries?since=%d", c.core.baseURL, since.Unix())
	status, body, err := c.core.do(ctx, http.MethodGet, url, c.headers(apiKey), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError("toggl", status, body)
	}

	var entries []models.TimeEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}
	return entries, nil
}

// Me resolves the account, mainly for its default workspace.
func (c *TogglClient) Me(ctx context.Context, apiKey string) (*models.TogglMe, error) {
	status, body, err := c.core.do(ctx, http.MethodGet,
		c.core.baseURL+"/me", c.headers(apiKey), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError("toggl", status, body)
	}

	var me models.TogglMe
	if err := json.Unmarshal(body, &me); err != nil {
		return nil, fmt.Errorf("parse me: %w", err)
	}
	return &me, nil
}

// StartEntry creates a running entry. Duration -1 is the Toggl "still
// running" convention.
func (c *TogglClient) StartEntry(ctx context.Context, apiKey string, workspaceID int64, description string, start time.Time) (*models.TimeEntry, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"created_with": "timebridge",
		"description":  description,
		"start":        start.UTC().Format(time.RFC3339),
		"duration":     -1,
		"workspace_id": workspaceID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	url := fmt.Sprintf("%s/workspaces/%d/time_entries", c.core.baseURL, workspaceID)
	status, body, err := c.core.do(ctx, http.MethodPost, url, c.headers(apiKey), payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, apiError("toggl", status, body)
	}

	var entry models.TimeEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("parse created entry: %w", err)
	}
	return &entry, nil
}

// StopEntry stops an entry by id. A 404 becomes models.ErrEntryGone so
// the stop handler can treat "already gone" as idempotent success.
func (c *TogglClient) StopEntry(ctx context.Context, apiKey string, workspaceID, entryID int64) error {
	url := fmt.Sprintf("%s/workspaces/%d/time_entries/%d/stop",
		c.core.baseURL, workspaceID, entryID)
	status, body, err := c.core.do(ctx, http.MethodPatch, url, c.headers(apiKey), nil)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return models.ErrEntryGone
	default:
		return apiError("toggl", status, body)
	}
}
