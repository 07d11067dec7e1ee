// Package dispatch is the outbox consumer: the only place external
// mutating calls happen. Each invocation claims at most one due job,
// runs its kind handler, and commits success, a backoff retry, or a
// dead-letter.
package dispatch

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
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/services/mapper"
	"github.com/timebridge/timebridge/internal/state"
	"github.com/timebridge/timebridge/internal/transport"
)

// maxBackoff caps the retry delay.
const maxBackoff = 600 * time.Second

// Result reports one dispatcher invocation.
type Result struct {
	Processed    int
	Kind         models.JobKind
	Note         string
	Err          error
	RetryInSec   int64
	DeadLettered bool
}

// Service is the dispatcher.
type Service struct {
	store       state.Store
	toggl       transport.TogglAPI
	notion      transport.NotionAPI
	creds       creds.Gateway
	mapper      *mapper.Service
	maxAttempts int
	logger      *events.Logger

	now func() time.Time
}

// New creates a dispatcher.
func New(st state.Store, toggl transport.TogglAPI, notion transport.NotionAPI, gateway creds.Gateway, mp *mapper.Service, cfg *config.SyncConfig, logger *events.Logger) *Service {
	return &Service{
		store:       st,
		toggl:       toggl,
		notion:      notion,
		creds:       gateway,
		mapper:      mp,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger.WithField("component", "dispatch"),
		now:         time.Now,
	}
}

// Backoff is the retry delay after the given attempt count, capped at ten
// minutes.
func Backoff(attempt int) time.Duration {
	d := 5 * time.Second * (1 << attempt)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// RunOne claims and executes at most one due job. A nil claim is a no-op
// with Processed == 0. Handler errors never surface as RunOne errors;
// they are committed to the job row and reported in the Result.
func (s *Service) RunOne(ctx context.Context) (*Result, error) {
	now := s.now().UTC()

	job, err := s.store.ClaimNextJob(now)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return &Result{Processed: 0, Note: "no due jobs"}, nil
	}

	log := s.logger.WithFields(map[string]interface{}{
		"job_id":  job.ID,
		"kind":    string(job.Kind),
		"attempt": job.Attempt,
	})

	// Rows with a kind this build doesn't know (hand-inserted garbage,
	// rows from a newer deploy) complete immediately so they never block
	// the queue.
	if !job.Kind.Known() {
		note := fmt.Sprintf("ignored unknown kind: %s", job.Kind)
		if err := s.store.CompleteJob(job.ID, note); err != nil {
			return nil, fmt.Errorf("complete job: %w", err)
		}
		log.Warn("Ignored job with unknown kind")
		return &Result{Processed: 1, Kind: job.Kind, Note: note}, nil
	}

	payload, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		// Malformed payload fails closed: dead-letter, never retried.
		if dlErr := s.store.DeadLetterJob(job.ID, err.Error()); dlErr != nil {
			return nil, fmt.Errorf("dead-letter job: %w", dlErr)
		}
		log.WithError(err).Error("Dead-lettered job with invalid payload")
		return &Result{Processed: 1, Kind: job.Kind, Err: err, DeadLettered: true}, nil
	}

	if err := s.handle(ctx, job, payload); err != nil {
		return s.commitFailure(job, err, log)
	}

	if err := s.store.CompleteJob(job.ID, ""); err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	log.Info("Job completed")
	return &Result{Processed: 1, Kind: job.Kind}, nil
}

func (s *Service) commitFailure(job *models.OutboxJob, handlerErr error, log *events.Logger) (*Result, error) {
	res := &Result{Processed: 0, Kind: job.Kind, Err: handlerErr}

	// Missing credentials and validation failures can't be fixed by
	// retrying; everything else backs off and returns to the queue.
	terminal := models.IsNoCredential(handlerErr) || models.IsValidation(handlerErr)
	if terminal || job.Attempt >= s.maxAttempts {
		if err := s.store.DeadLetterJob(job.ID, handlerErr.Error()); err != nil {
			return nil, fmt.Errorf("dead-letter job: %w", err)
		}
		res.DeadLettered = true
		log.WithError(handlerErr).Error("Job dead-lettered")
		return res, nil
	}

	backoff := Backoff(job.Attempt)
	nextRunAt := s.now().UTC().Add(backoff)
	if err := s.store.RescheduleJob(job.ID, handlerErr.Error(), nextRunAt); err != nil {
		return nil, fmt.Errorf("reschedule job: %w", err)
	}
	res.RetryInSec = int64(backoff.Seconds())
	log.WithError(handlerErr).WithField("retry_in", backoff.String()).Warn("Job failed, scheduled retry")
	return res, nil
}

func (s *Service) handle(ctx context.Context, job *models.OutboxJob, payload models.JobPayload) error {
	switch p := payload.(type) {
	case *models.StartTrackingPayload:
		return s.handleStartTracking(ctx, p)
	case *models.StopTrackingPayload:
		return s.handleStopTracking(ctx, p)
	case *models.MarkStartedPayload:
		return s.handleMarkStarted(ctx, p)
	case *models.MarkStoppedPayload:
		return s.handleMarkStopped(ctx, p)
	case *models.EnsureMappingPayload:
		_, err := s.mapper.Ensure(ctx, p.UserID, &p.TogglEntry)
		return err
	default:
		return fmt.Errorf("no handler for kind %s", job.Kind)
	}
}

// handleStartTracking starts a Toggl entry for a page whose timer was set
// on the Notion side, then writes the entry id back onto the page.
func (s *Service) handleStartTracking(ctx context.Context, p *models.StartTrackingPayload) error {
	token, err := s.creds.NotionToken(ctx, p.UserID)
	if err != nil {
		return err
	}
	apiKey, err := s.creds.TogglKey(ctx, p.UserID)
	if err != nil {
		return err
	}

	page, err := s.notion.Page(ctx, token, p.PageID)
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	title := page.TitleText()
	if title == "" {
		title = "Untitled"
	}

	me, err := s.toggl.Me(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	start := s.now().UTC()
	if parsed := models.ParseDate(p.TimeStarted); parsed != nil {
		start = *parsed
	}

	entry, err := s.toggl.StartEntry(ctx, apiKey, me.DefaultWorkspaceID, title, start)
	if err != nil {
		return fmt.Errorf("start entry: %w", err)
	}
	entryID := strconv.FormatInt(entry.ID, 10)

	// Self-write: the webhook receiver must not read this back as a new
	// intent, which is why intent is judged against the persisted link.
	if err := s.notion.SetEntryID(ctx, token, p.PageID, entryID); err != nil {
		return fmt.Errorf("write entry id: %w", err)
	}

	return s.store.UpsertLink(&models.TimeEntryLink{
		ID:                  uuid.NewString(),
		UserID:              p.UserID,
		TogglEntryID:        entryID,
		NotionPageID:        p.PageID,
		Origin:              models.OriginNotion,
		Status:              models.StatusRunning,
		StartTs:             start,
		LastSeenAt:          s.now().UTC(),
		TogglUpdatedAt:      entry.UpdatedAt(),
		DescriptionSnapshot: title,
		TogglWorkspaceID:    strconv.FormatInt(me.DefaultWorkspaceID, 10),
	})
}

// handleStopTracking stops the mirrored Toggl entry. The entry id comes
// from the payload, else the page's stored id, else the most recent
// RUNNING link for the page. "Already gone" on the tracking side counts
// as success.
func (s *Service) handleStopTracking(ctx context.Context, p *models.StopTrackingPayload) error {
	token, err := s.creds.NotionToken(ctx, p.UserID)
	if err != nil {
		return err
	}
	apiKey, err := s.creds.TogglKey(ctx, p.UserID)
	if err != nil {
		return err
	}

	entryID := p.TogglEntryID
	if entryID == "" {
		page, err := s.notion.Page(ctx, token, p.PageID)
		if err != nil {
			return fmt.Errorf("read page: %w", err)
		}
		entryID = page.PlainText("Toggl Entry ID", "Toggl Entry Id")
	}
	if entryID == "" {
		link, err := s.store.FindRunningLinkByPage(p.UserID, p.PageID)
		if errors.Is(err, state.ErrNotFound) {
			// Nothing running for this page; stopping nothing is done.
			return s.notion.ClearEntryID(ctx, token, p.PageID)
		}
		if err != nil {
			return fmt.Errorf("find running link: %w", err)
		}
		entryID = link.TogglEntryID
	}

	entryNum, err := strconv.ParseInt(entryID, 10, 64)
	if err != nil {
		return &models.ValidationError{Field: "togglEntryId", Reason: "not numeric: " + entryID}
	}

	workspaceID, err := s.resolveWorkspace(ctx, apiKey, p.UserID, entryID)
	if err != nil {
		return err
	}

	if err := s.toggl.StopEntry(ctx, apiKey, workspaceID, entryNum); err != nil &&
		!errors.Is(err, models.ErrEntryGone) {
		return fmt.Errorf("stop entry: %w", err)
	}

	if err := s.markLinkStopped(p.UserID, entryID, p.PageID, s.now().UTC()); err != nil {
		return err
	}
	return s.notion.ClearEntryID(ctx, token, p.PageID)
}

// handleMarkStarted mirrors a running Toggl entry onto its page.
func (s *Service) handleMarkStarted(ctx context.Context, p *models.MarkStartedPayload) error {
	token, err := s.creds.NotionToken(ctx, p.UserID)
	if err != nil {
		return err
	}

	start := s.now().UTC()
	if parsed := models.ParseDate(p.StartTs); parsed != nil {
		start = *parsed
	}

	link := s.loadOrNewLink(p.UserID, p.TogglEntryID, p.PageID)
	link.Status = models.StatusRunning
	link.StartTs = start
	link.StopTs = nil
	link.LastSeenAt = s.now().UTC()
	if err := s.store.UpsertLink(link); err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}

	return s.notion.SetTimerProperties(ctx, token, p.PageID, start, p.TogglEntryID)
}

// handleMarkStopped mirrors a stopped Toggl entry onto its page.
func (s *Service) handleMarkStopped(ctx context.Context, p *models.MarkStoppedPayload) error {
	token, err := s.creds.NotionToken(ctx, p.UserID)
	if err != nil {
		return err
	}

	stop := s.now().UTC()
	if parsed := models.ParseDate(p.StopTs); parsed != nil {
		stop = *parsed
	}

	link := s.loadOrNewLink(p.UserID, p.TogglEntryID, p.PageID)
	link.Status = models.StatusStopped
	link.StopTs = &stop
	link.LastSeenAt = s.now().UTC()
	if err := s.store.UpsertLink(link); err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}

	return s.notion.ClearTimerProperties(ctx, token, p.PageID)
}

func (s *Service) loadOrNewLink(userID, entryID, pageID string) *models.TimeEntryLink {
	link, err := s.store.FindLinkByEntry(userID, entryID)
	if err == nil {
		return link
	}
	return &models.TimeEntryLink{
		ID:           uuid.NewString(),
		UserID:       userID,
		TogglEntryID: entryID,
		NotionPageID: pageID,
		Origin:       models.OriginToggl,
	}
}

func (s *Service) markLinkStopped(userID, entryID, pageID string, at time.Time) error {
	link, err := s.store.FindLinkByEntry(userID, entryID)
	if errors.Is(err, state.ErrNotFound) {
		link = &models.TimeEntryLink{
			ID:           uuid.NewString(),
			UserID:       userID,
			TogglEntryID: entryID,
			NotionPageID: pageID,
			Origin:       models.OriginNotion,
			StartTs:      at,
		}
	} else if err != nil {
		return fmt.Errorf("find link: %w", err)
	}

	link.Status = models.StatusStopped
	link.StopTs = &at
	link.LastSeenAt = at
	if err := s.store.UpsertLink(link); err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

// resolveWorkspace prefers the workspace recorded on the link, falling
// back to the account's default.
func (s *Service) resolveWorkspace(ctx context.Context, apiKey, userID, entryID string) (int64, error) {
	if link, err := s.store.FindLinkByEntry(userID, entryID); err == nil && link.TogglWorkspaceID != "" {
		if wid, err := strconv.ParseInt(link.TogglWorkspaceID, 10, 64); err == nil {
			return wid, nil
		}
	}
	me, err := s.toggl.Me(ctx, apiKey)
	if err != nil {
		return 0, fmt.Errorf("resolve workspace: %w", err)
	}
	return me.DefaultWorkspaceID, nil
}
