package models

import (
	"strings"
	"time"
)

// SyncState tracks the per-user polling cursor against the tracking side.
type SyncState struct {
	UserID     string    `json:"user_id"`
	LastCursor time.Time `json:"last_cursor"` // zero value means never polled
	LastPollAt time.Time `json:"last_poll_at"`
}

// TaskMapping binds a class of tracked work (by content fingerprint) to a
// Notion page. Identity fields are immutable once created; only
// LastSyncedAt is refreshed on reuse.
type TaskMapping struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Fingerprint      string    `json:"fingerprint"`
	NotionPageID     string    `json:"notion_page_id"`
	NotionDatabaseID string    `json:"notion_database_id"`
	TogglWorkspaceID string    `json:"toggl_workspace_id"`
	TogglProjectID   string    `json:"toggl_project_id"`
	TogglTaskID      string    `json:"toggl_task_id"`
	TitleSnapshot    string    `json:"title_snapshot"`
	LastSyncedAt     time.Time `json:"last_synced_at"`
}

// LinkOrigin records which side first produced a time entry link.
type LinkOrigin string

const (
	OriginNotion LinkOrigin = "NOTION"
	OriginToggl  LinkOrigin = "TOGGL"
)

// LinkStatus is the mirrored running state of a tracking entry.
type LinkStatus string

const (
	StatusRunning LinkStatus = "RUNNING"
	StatusStopped LinkStatus = "STOPPED"
)

// TimeEntryLink joins one Toggl time entry to one Notion page. Unique per
// (user, toggl entry). At most one RUNNING link per (user, page) is
// meaningful; producers treat a second start as a no-op or replace.
type TimeEntryLink struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	TogglEntryID        string     `json:"toggl_entry_id"`
	MappingID           string     `json:"mapping_id,omitempty"`
	NotionPageID        string     `json:"notion_page_id"`
	Origin              LinkOrigin `json:"origin"`
	Status              LinkStatus `json:"status"`
	StartTs             time.Time  `json:"start_ts"`
	StopTs              *time.Time `json:"stop_ts,omitempty"`
	LastSeenAt          time.Time  `json:"last_seen_at"`
	TogglUpdatedAt      time.Time  `json:"toggl_updated_at"`
	DescriptionSnapshot string     `json:"description_snapshot,omitempty"`
	TogglWorkspaceID    string     `json:"toggl_workspace_id,omitempty"`
	TogglProjectID      string     `json:"toggl_project_id,omitempty"`
	TogglTaskID         string     `json:"toggl_task_id,omitempty"`
}

// Account holds a user's linked identities and credentials. Token refresh
// mechanics live in the creds package; this is just the stored shape.
type Account struct {
	UserID             string `json:"user_id"`
	NotionAccountID    string `json:"notion_account_id"`
	NotionAccessToken  string `json:"notion_access_token"`
	NotionRefreshToken string `json:"notion_refresh_token"`
	NotionExpiresAt    int64  `json:"notion_expires_at"` // unix seconds, 0 = no expiry recorded
	NotionDatabaseID   string `json:"notion_database_id"`
	TogglAPIKeySealed  string `json:"toggl_api_key_sealed"`
}

// HasTogglKey reports whether a Toggl credential is stored at all.
func (a *Account) HasTogglKey() bool {
	return a != nil && a.TogglAPIKeySealed != ""
}

// TimeEntry is a Toggl Track v9 time entry as observed over the API.
// Pointer fields are absent in some responses; a negative duration means
// the entry is still running.
type TimeEntry struct {
	ID          int64   `json:"id"`
	Description string  `json:"description"`
	Start       string  `json:"start"`
	Stop        string  `json:"stop"`
	Duration    int64   `json:"duration"`
	At          string  `json:"at"`
	ProjectID   *int64  `json:"project_id"`
	TaskID      *int64  `json:"task_id"`
	WorkspaceID *int64  `json:"workspace_id"`
	TagIDs      []int64 `json:"tag_ids"`
}

// Running reports the Toggl running convention.
func (e *TimeEntry) Running() bool {
	return e.Duration < 0
}

// UpdatedAt parses the entry's "at" timestamp, zero time if unparsable.
func (e *TimeEntry) UpdatedAt() time.Time {
	t, err := time.Parse(time.RFC3339, e.At)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseDate parses an RFC3339 date string, returning nil on empty or
// malformed input. Matches the lenient date handling on both API sides.
func ParseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// TogglMe is the subset of GET /me needed to resolve a workspace.
type TogglMe struct {
	ID                 int64  `json:"id"`
	Email              string `json:"email"`
	DefaultWorkspaceID int64  `json:"default_workspace_id"`
}

// NotionRichText is one fragment of a rich text value.
type NotionRichText struct {
	PlainText string `json:"plain_text"`
}

// NotionDate is a Notion date property value.
type NotionDate struct {
	Start string `json:"start"`
}

// NotionProperty is a page property in the few shapes this system reads.
type NotionProperty struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type"`
	Date     *NotionDate      `json:"date,omitempty"`
	RichText []NotionRichText `json:"rich_text,omitempty"`
	Title    []NotionRichText `json:"title,omitempty"`
}

// NotionPage is a page snapshot fetched after a webhook event.
type NotionPage struct {
	ID         string                    `json:"id"`
	Properties map[string]NotionProperty `json:"properties"`
}

// DateStart returns the start of the first present date property among the
// candidate names, empty if none is set.
func (p *NotionPage) DateStart(names ...string) string {
	for _, n := range names {
		prop, ok := p.Properties[n]
		if !ok {
			continue
		}
		if prop.Date != nil {
			return prop.Date.Start
		}
		return ""
	}
	return ""
}

// PlainText joins the rich text fragments of the first present property
// among the candidate names.
func (p *NotionPage) PlainText(names ...string) string {
	for _, n := range names {
		prop, ok := p.Properties[n]
		if !ok {
			continue
		}
		return joinRichText(prop.RichText)
	}
	return ""
}

// TitleText returns the page title from whichever property carries the
// title type.
func (p *NotionPage) TitleText() string {
	for _, prop := range p.Properties {
		if prop.Type == "title" {
			return joinRichText(prop.Title)
		}
	}
	return ""
}

func joinRichText(parts []NotionRichText) string {
	var sb strings.Builder
	for _, r := range parts {
		sb.WriteString(r.PlainText)
	}
	return strings.TrimSpace(sb.String())
}

// OAuthToken is a Notion OAuth token response.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	WorkspaceID  string `json:"workspace_id"`
}
