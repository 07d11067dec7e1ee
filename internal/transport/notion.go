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

// NotionClient speaks the Notion API: Bearer token per call plus the
// versioned Notion-Version protocol header.
type NotionClient struct {
	core         *httpCore
	version      string
	clientID     string
	clientSecret string
	timerProp    string
	entryProp    string
}

// NewNotionClient creates a Notion client.
func NewNotionClient(cfg *config.NotionConfig, logger *events.Logger) *NotionClient {
	return &NotionClient{
		core: newHTTPCore(cfg.BaseURL, cfg.Timeout, cfg.MaxRetries,
			logger.WithField("component", "notion_client")),
		version:      cfg.Version,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timerProp:    cfg.TimerProperty,
		entryProp:    cfg.EntryProperty,
	}
}

func (c *NotionClient) headers(token string) map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + token,
		"Notion-Version": c.version,
	}
}

// Page fetches a page snapshot by id.
func (c *NotionClient) Page(ctx context.Context, token, pageID string) (*models.NotionPage, error) {
	status, body, err := c.core.do(ctx, http.MethodGet,
		c.core.baseURL+"/v1/pages/"+pageID, c.headers(token), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError("notion", status, body)
	}

	var page models.NotionPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return &page, nil
}

// CreatePage creates a page in a database with just a title. The "title"
// property id addresses whatever the database calls its title column.
func (c *NotionClient) CreatePage(ctx context.Context, token, databaseID, title string) (*models.NotionPage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"parent": map[string]string{"database_id": databaseID},
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"title": []map[string]interface{}{
					{"type": "text", "text": map[string]string{"content": title}},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal page: %w", err)
	}

	status, body, err := c.core.do(ctx, http.MethodPost,
		c.core.baseURL+"/v1/pages", c.headers(token), payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError("notion", status, body)
	}

	var page models.NotionPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parse created page: %w", err)
	}
	return &page, nil
}

func (c *NotionClient) patchProperties(ctx context.Context, token, pageID string, props map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"properties": props})
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	status, body, err := c.core.do(ctx, http.MethodPatch,
		c.core.baseURL+"/v1/pages/"+pageID, c.headers(token), payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError("notion", status, body)
	}
	return nil
}

// SetTimerProperties writes the mirrored running state: timer date set to
// start, entry id written as rich text.
func (c *NotionClient) SetTimerProperties(ctx context.Context, token, pageID string, start time.Time, entryID string) error {
	return c.patchProperties(ctx, token, pageID, map[string]interface{}{
		c.timerProp: map[string]interface{}{
			"date": map[string]string{"start": start.UTC().Format(time.RFC3339)},
		},
		c.entryProp: richText(entryID),
	})
}

// ClearTimerProperties clears both mirrored properties.
func (c *NotionClient) ClearTimerProperties(ctx context.Context, token, pageID string) error {
	return c.patchProperties(ctx, token, pageID, map[string]interface{}{
		c.timerProp: map[string]interface{}{"date": nil},
		c.entryProp: richText(""),
	})
}

// SetEntryID writes only the tracking entry id.
func (c *NotionClient) SetEntryID(ctx context.Context, token, pageID, entryID string) error {
	return c.patchProperties(ctx, token, pageID, map[string]interface{}{
		c.entryProp: richText(entryID),
	})
}

// ClearEntryID blanks the tracking entry id.
func (c *NotionClient) ClearEntryID(ctx context.Context, token, pageID string) error {
	return c.patchProperties(ctx, token, pageID, map[string]interface{}{
		c.entryProp: richText(""),
	})
}

func richText(content string) map[string]interface{} {
	if content == "" {
		return map[string]interface{}{"rich_text": []interface{}{}}
	}
	return map[string]interface{}{
		"rich_text": []map[string]interface{}{
			{"type": "text", "text": map[string]string{"content": content}},
		},
	}
}

// RefreshOAuthToken exchanges a refresh token at the OAuth endpoint,
// authenticated with Basic client-id:client-secret.
func (c *NotionClient) RefreshOAuthToken(ctx context.Context, refreshToken string) (*models.OAuthToken, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal grant: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	headers := map[string]string{"Authorization": "Basic " + basic}

	status, body, err := c.core.do(ctx, http.MethodPost,
		c.core.baseURL+"/v1/oauth/token", headers, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError("notion", status, body)
	}

	var token models.OAuthToken
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &token, nil
}
