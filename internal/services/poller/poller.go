// Package poller detects tracking-side changes with a per-user cursor
// over Toggl's since query, plus a current-entry check for entries that
// started before the cursor and never show up in it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/creds"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/state"
	"github.com/timebridge/timebridge/internal/transport"
)

// Summary reports one polling pass.
type Summary struct {
	UsersScanned   int       `json:"usersScanned"`
	UsersProcessed int       `json:"usersProcessed"`
	JobsEnqueued   int       `json:"jobsEnqueued"`
	PolledAt       time.Time `json:"polledAt"`
}

// Service is the poller.
type Service struct {
	store     state.Store
	toggl     transport.TogglAPI
	creds     creds.Gateway
	bootstrap time.Duration
	logger    *events.Logger

	now func() time.Time
}

// New creates a poller service.
func New(st state.Store, toggl transport.TogglAPI, gateway creds.Gateway, cfg *config.SyncConfig, logger *events.Logger) *Service {
	return &Service{
		store:     st,
		toggl:     toggl,
		creds:     gateway,
		bootstrap: cfg.CursorBootstrap,
		logger:    logger.WithField("component", "poller"),
		now:       time.Now,
	}
}

// Run polls every user with a stored tracking credential. Per-user
// failures are logged and skipped; one broken account never aborts the
// batch.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	polledAt := s.now().UTC()

	users, err := s.store.ListTogglUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	summary := &Summary{UsersScanned: len(users), PolledAt: polledAt}
	for _, userID := range users {
		enqueued, err := s.pollUser(ctx, userID, polledAt)
		if err != nil {
			s.logger.WithField("user_id", userID).WithError(err).Error("Poll failed for user")
			continue
		}
		summary.UsersProcessed++
		summary.JobsEnqueued += enqueued
	}
	return summary, nil
}

func (s *Service) pollUser(ctx context.Context, userID string, polledAt time.Time) (int, error) {
	log := s.logger.WithField("user_id", userID)

	apiKey, err := s.creds.TogglKey(ctx, userID)
	if err != nil {
		return 0, err
	}

	st, err := s.store.LoadSyncState(userID)
	if errors.Is(err, state.ErrNotFound) {
		st = &models.SyncState{UserID: userID}
	} else if err != nil {
		return 0, fmt.Errorf("load sync state: %w", err)
	}

	cursor := st.LastCursor
	if cursor.IsZero() {
		cursor = polledAt.Add(-s.bootstrap)
	}

	entries, err := s.toggl.EntriesSince(ctx, apiKey, cursor)
	if err != nil {
		return 0, fmt.Errorf("entries since: %w", err)
	}

	enqueued := 0
	maxAt := st.LastCursor
	for i := range entries {
		entry := &entries[i]
		if entry.ID == 0 {
			continue
		}
		if at := entry.UpdatedAt(); !at.IsZero() && at.After(maxAt) {
			maxAt = at
		}

		n, err := s.mirrorEntry(userID, entry)
		if err != nil {
			return enqueued, err
		}
		enqueued += n
	}

	// Entries running since before the cursor never appear in the since
	// query; the current-entry endpoint covers them. The key carries no
	// timestamp so repeated polls don't re-enqueue while it keeps running.
	current, err := s.toggl.CurrentEntry(ctx, apiKey)
	if err != nil {
		return enqueued, fmt.Errorf("current entry: %w", err)
	}
	if current != nil && current.ID != 0 {
		n, err := s.mirrorCurrent(userID, current)
		if err != nil {
			return enqueued, err
		}
		enqueued += n
	}

	// Cursor only moves forward; lastPollAt always records the pass.
	if maxAt.After(st.LastCursor) {
		st.LastCursor = maxAt
	}
	st.LastPollAt = polledAt
	if err := s.store.SaveSyncState(st); err != nil {
		return enqueued, fmt.Errorf("save sync state: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"entries":  len(entries),
		"enqueued": enqueued,
	}).Debug("Polled user")
	return enqueued, nil
}

// mirrorEntry enqueues the mirror job for a changed entry that already has
// a link; first-sight entries go through the mapper as an ensure job.
func (s *Service) mirrorEntry(userID string, entry *models.TimeEntry) (int, error) {
	entryID := strconv.FormatInt(entry.ID, 10)
	at := "na"
	if t := entry.UpdatedAt(); !t.IsZero() {
		at = t.UTC().Format(time.RFC3339)
	}

	link, err := s.store.FindLinkByEntry(userID, entryID)
	if errors.Is(err, state.ErrNotFound) {
		return s.enqueueEnsure(userID, entry, entryID, at)
	}
	if err != nil {
		return 0, fmt.Errorf("find link: %w", err)
	}

	key := fmt.Sprintf("toggl->doc:%s:%s:%s:%s", direction(entry), userID, entryID, at)
	return s.enqueueMirror(userID, link.NotionPageID, entry, key)
}

func (s *Service) mirrorCurrent(userID string, entry *models.TimeEntry) (int, error) {
	entryID := strconv.FormatInt(entry.ID, 10)

	link, err := s.store.FindLinkByEntry(userID, entryID)
	if errors.Is(err, state.ErrNotFound) {
		at := "na"
		if t := entry.UpdatedAt(); !t.IsZero() {
			at = t.UTC().Format(time.RFC3339)
		}
		return s.enqueueEnsure(userID, entry, entryID, at)
	}
	if err != nil {
		return 0, fmt.Errorf("find link: %w", err)
	}

	key := fmt.Sprintf("toggl->doc:current:%s:%s", userID, entryID)
	return s.enqueueMirror(userID, link.NotionPageID, entry, key)
}

func (s *Service) enqueueMirror(userID, pageID string, entry *models.TimeEntry, key string) (int, error) {
	entryID := strconv.FormatInt(entry.ID, 10)

	var kind models.JobKind
	var payload models.JobPayload
	if entry.Running() {
		kind = models.KindMarkStartedInDoc
		startTs := entry.Start
		if startTs == "" {
			startTs = s.now().UTC().Format(time.RFC3339)
		}
		payload = &models.MarkStartedPayload{
			UserID:       userID,
			PageID:       pageID,
			TogglEntryID: entryID,
			StartTs:      startTs,
			Origin:       string(models.OriginToggl),
		}
	} else {
		kind = models.KindMarkStoppedInDoc
		stopTs := entry.Stop
		if stopTs == "" {
			stopTs = s.now().UTC().Format(time.RFC3339)
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
		return 0, err
	}
	inserted, err := s.store.EnqueueJob(&models.OutboxJob{
		IdempotencyKey: key,
		UserID:         userID,
		PageID:         pageID,
		Kind:           kind,
		Payload:        raw,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue mirror: %w", err)
	}
	if inserted {
		return 1, nil
	}
	return 0, nil
}

func (s *Service) enqueueEnsure(userID string, entry *models.TimeEntry, entryID, at string) (int, error) {
	raw, err := models.EncodePayload(&models.EnsureMappingPayload{
		UserID:     userID,
		TogglEntry: *entry,
	})
	if err != nil {
		return 0, err
	}
	inserted, err := s.store.EnqueueJob(&models.OutboxJob{
		IdempotencyKey: fmt.Sprintf("toggl->ensure:%s:%s:%s", userID, entryID, at),
		UserID:         userID,
		Kind:           models.KindEnsureMapping,
		Payload:        raw,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue ensure: %w", err)
	}
	if inserted {
		return 1, nil
	}
	return 0, nil
}

func direction(entry *models.TimeEntry) string {
	if entry.Running() {
		return "start"
	}
	return "stop"
}
