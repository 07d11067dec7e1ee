package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/events"
)

func newNotionTestClient(t *testing.T, handler http.Handler) *NotionClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewNotionClient(&config.NotionConfig{
		BaseURL:       srv.URL,
		Version:       "2022-06-28",
		ClientID:      "cid",
		ClientSecret:  "csecret",
		TimerProperty: "Timer Started",
		EntryProperty: "Toggl Entry ID",
		Timeout:       5 * time.Second,
		MaxRetries:    1,
	}, events.Discard())
}

func TestNotionHeaders(t *testing.T) {
	var gotAuth, gotVersion string
	client := newNotionTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Notion-Version")
		w.Write([]byte(`{"id":"page_1","properties":{}}`))
	}))

	page, err := client.Page(context.Background(), "tok-abc", "page_1")
	require.NoError(t, err)
	assert.Equal(t, "page_1", page.ID)
	assert.Equal(t, "Bearer tok-abc", gotAuth)
	assert.Equal(t, "2022-06-28", gotVersion)
}

func TestPageParsesProperties(t *testing.T) {
	client := newNotionTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "page_42",
			"properties": {
				"Name": {"type":"title","title":[{"plain_text":"Write report"}]},
				"Timer Started": {"type":"date","date":{"start":"2024-03-01T12:00:00.000Z"}},
				"Toggl Entry ID": {"type":"rich_text","rich_text":[{"plain_text":"555"}]}
			}
		}`))
	}))

	page, err := client.Page(context.Background(), "tok", "page_42")
	require.NoError(t, err)
	assert.Equal(t, "Write report", page.TitleText())
	assert.Equal(t, "2024-03-01T12:00:00.000Z", page.DateStart("Timer Started", "Time Started"))
	assert.Equal(t, "555", page.PlainText("Toggl Entry ID", "Toggl Entry Id"))
}

func TestSetTimerPropertiesBody(t *testing.T) {
	var body map[string]interface{}
	client := newNotionTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/pages/page_42", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Write([]byte(`{"id":"page_42","properties":{}}`))
	}))

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, client.SetTimerProperties(context.Background(), "tok", "page_42", start, "555"))

	props := body["properties"].(map[string]interface{})
	timer := props["Timer Started"].(map[string]interface{})
	date := timer["date"].(map[string]interface{})
	assert.Equal(t, "2024-03-01T12:00:00Z", date["start"])

	entry := props["Toggl Entry ID"].(map[string]interface{})
	rich := entry["rich_text"].([]interface{})
	require.Len(t, rich, 1)
}

func TestClearTimerPropertiesBody(t *testing.T) {
	var body map[string]interface{}
	client := newNotionTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Write([]byte(`{"id":"page_42","properties":{}}`))
	}))

	require.NoError(t, client.ClearTimerProperties(context.Background(), "tok", "page_42"))

	props := body["properties"].(map[string]interface{})
	timer := props["Timer Started"].(map[string]interface{})
	assert.Nil(t, timer["date"])

	entry := props["Toggl Entry ID"].(map[string]interface{})
	assert.Empty(t, entry["rich_text"])
}

func TestCreatePageUsesTitleKey(t *testing.T) {
	var body map[string]interface{}
	client := newNotionTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pages", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Write([]byte(`{"id":"page_new","properties":{}}`))
	}))

	page, err := client.CreatePage(context.Background(), "tok", "db_1", "write report")
	require.NoError(t, err)
	assert.Equal(t, "page_new", page.ID)

	parent := body["parent"].(map[string]interface{})
	assert.Equal(t, "db_1", parent["database_id"])
	props := body["properties"].(map[string]interface{})
	_, hasTitle := props["title"]
	assert.True(t, hasTitle)
}

func TestRefreshOAuthTokenBasicAuth(t *testing.T) {
	var gotAuth string
	var body map[string]string
	client := newNotionTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/oauth/token", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Write([]byte(`{"access_token":"fresh","refresh_token":"next","expires_in":3600}`))
	}))

	tok, err := client.RefreshOAuthToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "next", tok.RefreshToken)

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("cid:csecret"))
	assert.Equal(t, want, gotAuth)
	assert.Equal(t, "refresh_token", body["grant_type"])
	assert.Equal(t, "old-refresh", body["refresh_token"])
}
