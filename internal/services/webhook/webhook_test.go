package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/creds"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/state"
	"github.com/timebridge/timebridge/internal/transport"
)

const testSecret = "hook-secret"

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestService(store *state.MockStore, notion *transport.MockNotion) *Service {
	gateway := &creds.StaticGateway{
		NotionTokens: map[string]string{"u1": "tok"},
	}
	cfg := &config.NotionConfig{
		TimerProperty: "Timer Started",
		EntryProperty: "Toggl Entry ID",
	}
	return New(store, notion, gateway, testSecret, cfg, events.Discard())
}

func linkedAccountStore() *state.MockStore {
	store := state.NewMockStore()
	store.Accounts["u1"] = &models.Account{
		UserID:            "u1",
		NotionAccountID:   "notion_person_1",
		NotionAccessToken: "tok",
	}
	return store
}

func propertiesEvent(eventID, pageID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "page.properties_updated",
		"entity": {"id": %q, "type": "page"},
		"authors": [{"id": "notion_person_1", "type": "person"}]
	}`, eventID, pageID)
}

func pageWithTimer(pageID, start, entryID string) *models.NotionPage {
	props := map[string]models.NotionProperty{}
	if start != "" {
		props["Timer Started"] = models.NotionProperty{
			Type: "date",
			Date: &models.NotionDate{Start: start},
		}
	} else {
		props["Timer Started"] = models.NotionProperty{Type: "date"}
	}
	if entryID != "" {
		props["Toggl Entry ID"] = models.NotionProperty{
			Type:     "rich_text",
			RichText: []models.NotionRichText{{PlainText: entryID}},
		}
	}
	return &models.NotionPage{ID: pageID, Properties: props}
}

func TestChallengeBypassesSignatureAndWrites(t *testing.T) {
	store := state.NewMockStore()
	svc := newTestService(store, transport.NewMockNotion())

	// No signature at all.
	resp := svc.Process(context.Background(), []byte(`{"challenge":"abc123"}`), "")

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "abc123", resp.Body["challenge"])
	assert.Zero(t, store.WriteCount)
}

func TestUnparsableBody(t *testing.T) {
	svc := newTestService(state.NewMockStore(), transport.NewMockNotion())
	resp := svc.Process(context.Background(), []byte(`{not json`), sign(`{not json`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestBadSignatureRejected(t *testing.T) {
	svc := newTestService(linkedAccountStore(), transport.NewMockNotion())
	body := propertiesEvent("evt_1", "page_42")

	for _, header := range []string{"", "sha256=deadbeef", "md5=abc", sign(body + " ")} {
		resp := svc.Process(context.Background(), []byte(body), header)
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	}
}

func TestUnknownPrincipalAcceptedAndSkipped(t *testing.T) {
	store := state.NewMockStore() // no accounts at all
	svc := newTestService(store, transport.NewMockNotion())
	body := propertiesEvent("evt_1", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, "unknown-user", resp.Body["skipped"])
	assert.Empty(t, store.Jobs)
}

func TestBotAuthorListedFirstStillResolvesPerson(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	notion.Pages["page_42"] = pageWithTimer("page_42", "2024-03-01T12:00:00Z", "")
	svc := newTestService(store, notion)
	body := `{
		"id": "evt_1",
		"type": "page.properties_updated",
		"entity": {"id": "page_42", "type": "page"},
		"authors": [
			{"id": "bot_99", "type": "bot"},
			{"id": "notion_person_1", "type": "person"}
		]
	}`

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "START_TRACKING", resp.Body["queued"])
	assert.Len(t, store.Jobs, 1)
}

func TestPersonResolvedFromAccessibleBy(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	notion.Pages["page_42"] = pageWithTimer("page_42", "2024-03-01T12:00:00Z", "")
	svc := newTestService(store, notion)
	body := `{
		"id": "evt_1",
		"type": "page.properties_updated",
		"entity": {"id": "page_42", "type": "page"},
		"authors": [{"id": "bot_99", "type": "bot"}],
		"accessible_by": [{"id": "notion_person_1", "type": "person"}]
	}`

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "START_TRACKING", resp.Body["queued"])
}

func TestBotOnlyEventSkipped(t *testing.T) {
	store := linkedAccountStore()
	svc := newTestService(store, transport.NewMockNotion())
	body := `{
		"id": "evt_1",
		"type": "page.properties_updated",
		"entity": {"id": "page_42", "type": "page"},
		"authors": [{"id": "bot_99", "type": "bot"}]
	}`

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, "unknown-user", resp.Body["skipped"])
	assert.Empty(t, store.Jobs)
}

func TestUnrelatedEventTypeIgnored(t *testing.T) {
	store := linkedAccountStore()
	svc := newTestService(store, transport.NewMockNotion())
	body := `{
		"id": "evt_1",
		"type": "page.created",
		"entity": {"id": "page_42", "type": "page"},
		"authors": [{"id": "notion_person_1", "type": "person"}]
	}`

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "page.created", resp.Body["ignored"])
	assert.Empty(t, store.Jobs)
}

func TestPageFetchFailureIsBadGateway(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	notion.Errors["Page"] = &models.APIError{Service: "notion", StatusCode: 500}
	svc := newTestService(store, notion)
	body := propertiesEvent("evt_1", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Empty(t, store.Jobs)
}

func TestTimerSetEnqueuesStart(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	notion.Pages["page_42"] = pageWithTimer("page_42", "2024-03-01T12:00:00Z", "")
	svc := newTestService(store, notion)
	body := propertiesEvent("evt_1", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "START_TRACKING", resp.Body["queued"])
	assert.Equal(t, "page_42", resp.Body["pageId"])

	require.Len(t, store.Jobs, 1)
	job := store.Jobs[0]
	assert.Equal(t, models.KindStartTracking, job.Kind)
	assert.Equal(t, "evt_1", job.IdempotencyKey)

	payload, err := models.DecodePayload(job.Kind, job.Payload)
	require.NoError(t, err)
	start := payload.(*models.StartTrackingPayload)
	assert.Equal(t, "2024-03-01T12:00:00Z", start.TimeStarted)
	assert.Equal(t, "NOTION", start.Origin)
}

func TestTimerClearedWithRunningLinkEnqueuesStop(t *testing.T) {
	store := linkedAccountStore()
	store.Links = append(store.Links, &models.TimeEntryLink{
		ID:           "l1",
		UserID:       "u1",
		TogglEntryID: "555",
		NotionPageID: "page_42",
		Status:       models.StatusRunning,
	})
	notion := transport.NewMockNotion()
	notion.Pages["page_42"] = pageWithTimer("page_42", "", "")
	svc := newTestService(store, notion)
	body := propertiesEvent("evt_stop_1", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "STOP_TRACKING", resp.Body["queued"])

	require.Len(t, store.Jobs, 1)
	payload, err := models.DecodePayload(store.Jobs[0].Kind, store.Jobs[0].Payload)
	require.NoError(t, err)
	stop := payload.(*models.StopTrackingPayload)
	// Entry id falls back to the persisted running link.
	assert.Equal(t, "555", stop.TogglEntryID)

	// Re-delivering the identical event yields no second job.
	resp = svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, resp.Body["deduped"])
	assert.Len(t, store.Jobs, 1)
}

func TestTimerSetWithRunningLinkIsNoop(t *testing.T) {
	store := linkedAccountStore()
	store.Links = append(store.Links, &models.TimeEntryLink{
		ID:           "l1",
		UserID:       "u1",
		TogglEntryID: "555",
		NotionPageID: "page_42",
		Status:       models.StatusRunning,
	})
	notion := transport.NewMockNotion()
	// Start value present but the link already runs: self-write echo.
	notion.Pages["page_42"] = pageWithTimer("page_42", "2024-03-01T12:00:00Z", "555")
	svc := newTestService(store, notion)
	body := propertiesEvent("evt_2", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, resp.Body["noop"])
	assert.Empty(t, store.Jobs)
}

func TestEntryIDOnlyWriteIsNoop(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	// No timer date, no running link, entry id present.
	notion.Pages["page_42"] = pageWithTimer("page_42", "", "555")
	svc := newTestService(store, notion)
	body := propertiesEvent("evt_3", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, resp.Body["noop"])
	assert.Empty(t, store.Jobs)
}

func TestDuplicateDeliveryDifferentEventIDDeduped(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	notion.Pages["page_42"] = pageWithTimer("page_42", "2024-03-01T12:00:00Z", "")
	svc := newTestService(store, notion)

	first := propertiesEvent("evt_a", "page_42")
	resp := svc.Process(context.Background(), []byte(first), sign(first))
	assert.Equal(t, "START_TRACKING", resp.Body["queued"])

	// Same edit redelivered under a fresh event id: the in-flight check
	// catches what the idempotency key cannot.
	second := propertiesEvent("evt_b", "page_42")
	resp = svc.Process(context.Background(), []byte(second), sign(second))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, resp.Body["deduped"])
	assert.Len(t, store.Jobs, 1)
}

func TestAlternatePropertyNames(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	notion.Pages["page_42"] = &models.NotionPage{
		ID: "page_42",
		Properties: map[string]models.NotionProperty{
			"Time Started": {
				Type: "date",
				Date: &models.NotionDate{Start: "2024-03-01T12:00:00Z"},
			},
		},
	}
	svc := newTestService(store, notion)
	body := propertiesEvent("evt_1", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, "START_TRACKING", resp.Body["queued"])
}

func TestMissingEventIDFallsBackToComposite(t *testing.T) {
	store := linkedAccountStore()
	notion := transport.NewMockNotion()
	notion.Pages["page_42"] = pageWithTimer("page_42", "2024-03-01T12:00:00Z", "")
	svc := newTestService(store, notion)
	body := propertiesEvent("", "page_42")

	resp := svc.Process(context.Background(), []byte(body), sign(body))
	assert.Equal(t, "START_TRACKING", resp.Body["queued"])
	require.Len(t, store.Jobs, 1)
	assert.Equal(t, "u1:page_42:START_TRACKING:2024-03-01T12:00:00Z",
		store.Jobs[0].IdempotencyKey)
}
