// Package webhook interprets signed push notifications from Notion and
// turns property edits into outbox intents. The receiver never performs
// side effects itself; it only enqueues.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/creds"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/state"
	"github.com/timebridge/timebridge/internal/transport"
)

// propertiesUpdated is the one event type carrying a page property edit.
const propertiesUpdated = "page.properties_updated"

// Response is what the HTTP layer writes back to the webhook sender.
type Response struct {
	Code int
	Body map[string]interface{}
}

type author struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Entity    struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"entity"`
	Authors      []author `json:"authors"`
	AccessibleBy []author `json:"accessible_by"`
}

// principal returns the first human identity on the event. Integration
// bots can be listed ahead of the person whose edit triggered it.
func (e *event) principal() string {
	for _, a := range e.Authors {
		if a.Type == "person" {
			return a.ID
		}
	}
	for _, a := range e.AccessibleBy {
		if a.Type == "person" {
			return a.ID
		}
	}
	return ""
}

// Service is the webhook receiver.
type Service struct {
	store      state.Store
	notion     transport.NotionAPI
	creds      creds.Gateway
	secret     string
	timerProps []string
	entryProps []string
	logger     *events.Logger
}

// New creates a webhook service. The property name lists tolerate the two
// spellings that have existed in production databases.
func New(st state.Store, notion transport.NotionAPI, gateway creds.Gateway, secret string, cfg *config.NotionConfig, logger *events.Logger) *Service {
	return &Service{
		store:      st,
		notion:     notion,
		creds:      gateway,
		secret:     secret,
		timerProps: nameVariants(cfg.TimerProperty, "Timer Started", "Time Started"),
		entryProps: nameVariants(cfg.EntryProperty, "Toggl Entry ID", "Toggl Entry Id"),
		logger:     logger.WithField("component", "webhook"),
	}
}

func nameVariants(names ...string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Process handles one delivery. rawBody must be the verbatim request body;
// the signature covers its exact bytes.
func (s *Service) Process(ctx context.Context, rawBody []byte, signatureHeader string) *Response {
	var ev event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return &Response{Code: http.StatusBadRequest,
			Body: map[string]interface{}{"error": "invalid body"}}
	}

	// Handshake round-trip: echo the challenge untouched, no signature
	// check, no writes. A challenge carries no mutating intent.
	if ev.Challenge != "" {
		return &Response{Code: http.StatusOK,
			Body: map[string]interface{}{"challenge": ev.Challenge}}
	}

	if err := s.verifySignature(rawBody, signatureHeader); err != nil {
		s.logger.WithError(err).Warn("Rejected webhook with bad signature")
		return &Response{Code: http.StatusUnauthorized,
			Body: map[string]interface{}{"error": "invalid signature"}}
	}

	acct, err := s.accountForPrincipal(ev.principal())
	if errors.Is(err, models.ErrUnknownUser) {
		// Unknown or missing sender identity: acknowledge so the sender
		// stops retrying, but do nothing.
		return &Response{Code: http.StatusAccepted,
			Body: map[string]interface{}{"skipped": "unknown-user"}}
	}
	if err != nil {
		return &Response{Code: http.StatusInternalServerError,
			Body: map[string]interface{}{"error": "account lookup failed"}}
	}
	userID := acct.UserID

	if ev.Type != propertiesUpdated {
		return &Response{Code: http.StatusOK,
			Body: map[string]interface{}{"ok": true, "ignored": ev.Type}}
	}

	pageID := ev.Entity.ID
	log := s.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"page_id": pageID,
		"event":   ev.ID,
	})

	// Webhook events are edge-triggered, not value-bearing; the page
	// snapshot is the source of truth.
	token, err := s.creds.NotionToken(ctx, userID)
	if err != nil {
		log.WithError(err).Error("No usable Notion token for webhook user")
		return &Response{Code: http.StatusBadGateway,
			Body: map[string]interface{}{"error": "page fetch failed"}}
	}
	page, err := s.notion.Page(ctx, token, pageID)
	if err != nil {
		log.WithError(err).Error("Follow-up page fetch failed")
		return &Response{Code: http.StatusBadGateway,
			Body: map[string]interface{}{"error": "page fetch failed"}}
	}

	startVal := page.DateStart(s.timerProps...)
	entryID := page.PlainText(s.entryProps...)

	// Intent is judged against persisted state, not property presence,
	// so the system's own prior writes don't echo back as new intents.
	runningLink, err := s.store.FindRunningLinkByPage(userID, pageID)
	hasRunning := err == nil
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return &Response{Code: http.StatusInternalServerError,
			Body: map[string]interface{}{"error": "link lookup failed"}}
	}

	var kind models.JobKind
	var payload models.JobPayload
	switch {
	case startVal != "" && !hasRunning:
		kind = models.KindStartTracking
		payload = &models.StartTrackingPayload{
			UserID:      userID,
			PageID:      pageID,
			TimeStarted: startVal,
			Origin:      string(models.OriginNotion),
		}
	case startVal == "" && hasRunning:
		kind = models.KindStopTracking
		stopEntry := entryID
		if stopEntry == "" && runningLink != nil {
			stopEntry = runningLink.TogglEntryID
		}
		payload = &models.StopTrackingPayload{
			UserID:       userID,
			PageID:       pageID,
			TogglEntryID: stopEntry,
			Origin:       string(models.OriginNotion),
		}
	default:
		// Covers entry-id-only writes, which are this system's own
		// self-writes after a start.
		return &Response{Code: http.StatusOK,
			Body: map[string]interface{}{"ok": true, "noop": true}}
	}

	// Same kind already in flight for this page: duplicate delivery with
	// a fresh event id, skip.
	active, err := s.store.HasActiveJob(userID, kind, pageID)
	if err != nil {
		return &Response{Code: http.StatusInternalServerError,
			Body: map[string]interface{}{"error": "queue lookup failed"}}
	}
	if active {
		log.WithField("kind", string(kind)).Debug("Duplicate delivery, job already in flight")
		return &Response{Code: http.StatusOK,
			Body: map[string]interface{}{"ok": true, "deduped": true}}
	}

	key := ev.ID
	if key == "" {
		key = fmt.Sprintf("%s:%s:%s:%s", userID, pageID, kind, startVal)
	}

	raw, err := models.EncodePayload(payload)
	if err != nil {
		return &Response{Code: http.StatusInternalServerError,
			Body: map[string]interface{}{"error": "encode payload failed"}}
	}
	inserted, err := s.store.EnqueueJob(&models.OutboxJob{
		IdempotencyKey: key,
		UserID:         userID,
		PageID:         pageID,
		Kind:           kind,
		Payload:        raw,
		NextRunAt:      time.Now().UTC(),
	})
	if err != nil {
		return &Response{Code: http.StatusInternalServerError,
			Body: map[string]interface{}{"error": "enqueue failed"}}
	}
	if !inserted {
		return &Response{Code: http.StatusOK,
			Body: map[string]interface{}{"ok": true, "deduped": true}}
	}

	log.WithField("kind", string(kind)).Info("Queued job from webhook")
	return &Response{Code: http.StatusOK,
		Body: map[string]interface{}{"queued": string(kind), "pageId": pageID}}
}

// accountForPrincipal resolves the event's human author to a linked
// account, models.ErrUnknownUser when there is none.
func (s *Service) accountForPrincipal(principal string) (*models.Account, error) {
	if principal == "" {
		return nil, models.ErrUnknownUser
	}
	acct, err := s.store.FindUserByNotionIdentity(principal)
	if errors.Is(err, state.ErrNotFound) {
		return nil, models.ErrUnknownUser
	}
	return acct, err
}

// verifySignature checks `sha256=<hex>` against HMAC-SHA256 of the raw
// body, in constant time.
func (s *Service) verifySignature(rawBody []byte, header string) error {
	if s.secret == "" || header == "" {
		return models.ErrInvalidSignature
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return models.ErrInvalidSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return models.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(rawBody)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return models.ErrInvalidSignature
	}
	return nil
}
