// Package mapper reconciles first-sight tracking entries with Notion
// pages. A content fingerprint identifies "the same logical task" across
// observations; the first observation of a fingerprint creates the page
// and the mapping, later ones reuse it.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/creds"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/fingerprint"
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/state"
	"github.com/timebridge/timebridge/internal/transport"
)

// fallbackTitle names pages created for entries with an empty description.
const fallbackTitle = "Untitled from Toggl"

// Result reports what Ensure did for one observation.
type Result struct {
	Mapping     *models.TaskMapping
	Link        *models.TimeEntryLink
	PageCreated bool
	JobEnqueued bool
}

// Service is the task mapper.
type Service struct {
	store  state.Store
	notion transport.NotionAPI
	creds  creds.Gateway
	cfg    *config.NotionConfig
	logger *events.Logger

	now func() time.Time
}

// New creates a mapper service.
func New(st state.Store, notion transport.NotionAPI, gateway creds.Gateway, cfg *config.NotionConfig, logger *events.Logger) *Service {
	return &Service{
		store:  st,
		notion: notion,
		creds:  gateway,
		cfg:    cfg,
		logger: logger.WithField("component", "mapper"),
		now:    time.Now,
	}
}

// Ensure maps a tracking observation to a Notion page, upserts the entry
// link, and enqueues the mirror job. Page creation failure fails the whole
// call so the triggering job retries as a unit; the link upsert and the
// keyed enqueue are both idempotent under replay.
func (s *Service) Ensure(ctx context.Context, userID string, entry *models.TimeEntry) (*Result, error) {
	fp := fingerprint.Fingerprint(entry.Description, entry.ProjectID, entry.TagIDs, entry.WorkspaceID)
	log := s.logger.WithFields(map[string]interface{}{
		"user_id":     userID,
		"entry_id":    entry.ID,
		"fingerprint": fp,
	})

	now := s.now()
	result := &Result{}

	mapping, err := s.store.FindMapping(userID, fp)
	switch {
	case err == nil:
		if err := s.store.TouchMapping(mapping.ID, now); err != nil {
			return nil, fmt.Errorf("touch mapping: %w", err)
		}
		log.WithField("page_id", mapping.NotionPageID).Debug("Reusing existing mapping")

	case errors.Is(err, state.ErrNotFound):
		mapping, err = s.createMapping(ctx, userID, fp, entry, now)
		if err != nil {
			return nil, err
		}
		result.PageCreated = true
		log.WithField("page_id", mapping.NotionPageID).Info("Created page for new task")

	default:
		return nil, fmt.Errorf("find mapping: %w", err)
	}
	result.Mapping = mapping

	link := linkFromObservation(userID, mapping, entry, now)
	if err := s.store.UpsertLink(link); err != nil {
		return nil, fmt.Errorf("upsert link: %w", err)
	}
	result.Link = link

	enqueued, err := s.enqueueMirror(userID, mapping.NotionPageID, entry, link)
	if err != nil {
		return nil, err
	}
	result.JobEnqueued = enqueued

	return result, nil
}

func (s *Service) createMapping(ctx context.Context, userID, fp string, entry *models.TimeEntry, now time.Time) (*models.TaskMapping, error) {
	token, err := s.creds.NotionToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	databaseID := s.cfg.TasksDatabaseID
	if acct, err := s.store.AccountByUser(userID); err == nil && acct.NotionDatabaseID != "" {
		databaseID = acct.NotionDatabaseID
	}
	if databaseID == "" {
		return nil, &models.ValidationError{Field: "tasks_database_id", Reason: "no target database configured"}
	}

	title := fingerprint.Normalize(entry.Description)
	if title == "" {
		title = fallbackTitle
	}

	page, err := s.notion.CreatePage(ctx, token, databaseID, title)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	mapping := &models.TaskMapping{
		ID:               uuid.NewString(),
		UserID:           userID,
		Fingerprint:      fp,
		NotionPageID:     page.ID,
		NotionDatabaseID: databaseID,
		TogglWorkspaceID: coerceID(entry.WorkspaceID),
		TogglProjectID:   coerceID(entry.ProjectID),
		TogglTaskID:      coerceID(entry.TaskID),
		TitleSnapshot:    title,
		LastSyncedAt:     now,
	}
	if err := s.store.CreateMapping(mapping); err != nil {
		return nil, fmt.Errorf("create mapping: %w", err)
	}
	return mapping, nil
}

// linkFromObservation builds the link row for an observed entry. Negative
// duration means running; a bad start date falls back to now, a bad stop
// date to nil.
func linkFromObservation(userID string, mapping *models.TaskMapping, entry *models.TimeEntry, now time.Time) *models.TimeEntryLink {
	status := models.StatusStopped
	if entry.Running() {
		status = models.StatusRunning
	}

	startTs := now
	if parsed := models.ParseDate(entry.Start); parsed != nil {
		startTs = *parsed
	}

	return &models.TimeEntryLink{
		ID:                  uuid.NewString(),
		UserID:              userID,
		TogglEntryID:        strconv.FormatInt(entry.ID, 10),
		MappingID:           mapping.ID,
		NotionPageID:        mapping.NotionPageID,
		Origin:              models.OriginToggl,
		Status:              status,
		StartTs:             startTs,
		StopTs:              models.ParseDate(entry.Stop),
		LastSeenAt:          now,
		TogglUpdatedAt:      entry.UpdatedAt(),
		DescriptionSnapshot: entry.Description,
		TogglWorkspaceID:    coerceID(entry.WorkspaceID),
		TogglProjectID:      coerceID(entry.ProjectID),
		TogglTaskID:         coerceID(entry.TaskID),
	}
}

func (s *Service) enqueueMirror(userID, pageID string, entry *models.TimeEntry, link *models.TimeEntryLink) (bool, error) {
	entryID := strconv.FormatInt(entry.ID, 10)
	at := entry.At
	if at == "" {
		at = "na"
	}

	var kind models.JobKind
	var payload models.JobPayload
	var direction string
	if entry.Running() {
		kind = models.KindMarkStartedInDoc
		direction = "start"
		payload = &models.MarkStartedPayload{
			UserID:       userID,
			PageID:       pageID,
			TogglEntryID: entryID,
			StartTs:      link.StartTs.UTC().Format(time.RFC3339),
			Origin:       string(models.OriginToggl),
		}
	} else {
		kind = models.KindMarkStoppedInDoc
		direction = "stop"
		stopTs := ""
		if link.StopTs != nil {
			stopTs = link.StopTs.UTC().Format(time.RFC3339)
		}
		payload = &models.MarkStoppedPayload{
			UserID:       userID,
			PageID:       pageID,
			TogglEntryID: entryID,
			StopTs:       stopTs,
			Origin:       string(models.OriginToggl),
		}
	}

	raw, err := models.EncodePayload(payload)
	if err != nil {
		return false, err
	}

	inserted, err := s.store.EnqueueJob(&models.OutboxJob{
		IdempotencyKey: fmt.Sprintf("ensured->doc:%s:%s:%s:%s", direction, userID, entryID, at),
		UserID:         userID,
		PageID:         pageID,
		Kind:           kind,
		Payload:        raw,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue mirror job: %w", err)
	}
	return inserted, nil
}

func coerceID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}
