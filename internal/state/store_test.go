package state_test

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/state"
)

func newTestStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, &buf)

	store, err := state.NewSQLiteStore(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSyncStateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadSyncState("u1")
	assert.ErrorIs(t, err, state.ErrNotFound)

	cursor := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	polled := cursor.Add(time.Minute)
	require.NoError(t, store.SaveSyncState(&models.SyncState{
		UserID:     "u1",
		LastCursor: cursor,
		LastPollAt: polled,
	}))

	st, err := store.LoadSyncState("u1")
	require.NoError(t, err)
	assert.Equal(t, cursor.Unix(), st.LastCursor.Unix())
	assert.Equal(t, polled.Unix(), st.LastPollAt.Unix())

	// Upsert overwrites.
	require.NoError(t, store.SaveSyncState(&models.SyncState{
		UserID:     "u1",
		LastCursor: cursor.Add(time.Hour),
		LastPollAt: polled.Add(time.Hour),
	}))
	st, err = store.LoadSyncState("u1")
	require.NoError(t, err)
	assert.Equal(t, cursor.Add(time.Hour).Unix(), st.LastCursor.Unix())
}

func TestMappingUniquePerFingerprint(t *testing.T) {
	store := newTestStore(t)

	m := &models.TaskMapping{
		UserID:       "u1",
		Fingerprint:  "fp-1",
		NotionPageID: "page-1",
		LastSyncedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateMapping(m))
	assert.NotEmpty(t, m.ID)

	dup := &models.TaskMapping{UserID: "u1", Fingerprint: "fp-1", NotionPageID: "page-2"}
	assert.Error(t, store.CreateMapping(dup))

	found, err := store.FindMapping("u1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "page-1", found.NotionPageID)

	// Same fingerprint for another user is a different row.
	other := &models.TaskMapping{UserID: "u2", Fingerprint: "fp-1", NotionPageID: "page-3"}
	assert.NoError(t, store.CreateMapping(other))
}

func TestLinkUpsertByEntry(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	l := &models.TimeEntryLink{
		UserID:       "u1",
		TogglEntryID: "555",
		NotionPageID: "page_42",
		Origin:       models.OriginToggl,
		Status:       models.StatusRunning,
		StartTs:      now,
		LastSeenAt:   now,
	}
	require.NoError(t, store.UpsertLink(l))

	// Second upsert for the same entry replaces, never duplicates.
	stop := now.Add(time.Hour)
	l2 := &models.TimeEntryLink{
		UserID:       "u1",
		TogglEntryID: "555",
		NotionPageID: "page_42",
		Origin:       models.OriginToggl,
		Status:       models.StatusStopped,
		StartTs:      now,
		StopTs:       &stop,
		LastSeenAt:   stop,
	}
	require.NoError(t, store.UpsertLink(l2))

	found, err := store.FindLinkByEntry("u1", "555")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, found.Status)
	require.NotNil(t, found.StopTs)
	assert.Equal(t, stop.Unix(), found.StopTs.Unix())

	_, err = store.FindRunningLinkByPage("u1", "page_42")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestFindRunningLinkByPage(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.UpsertLink(&models.TimeEntryLink{
		UserID: "u1", TogglEntryID: "1", NotionPageID: "p1",
		Origin: models.OriginNotion, Status: models.StatusStopped,
		StartTs: now, LastSeenAt: now,
	}))
	require.NoError(t, store.UpsertLink(&models.TimeEntryLink{
		UserID: "u1", TogglEntryID: "2", NotionPageID: "p1",
		Origin: models.OriginNotion, Status: models.StatusRunning,
		StartTs: now, LastSeenAt: now,
	}))

	link, err := store.FindRunningLinkByPage("u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "2", link.TogglEntryID)
}

func TestEnqueueJobIdempotent(t *testing.T) {
	store := newTestStore(t)

	job := &models.OutboxJob{
		IdempotencyKey: "key-1",
		UserID:         "u1",
		PageID:         "p1",
		Kind:           models.KindStartTracking,
		Payload:        []byte(`{"userId":"u1","pageId":"p1","origin":"NOTION"}`),
	}
	inserted, err := store.EnqueueJob(job)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same key, different payload: collapsed to zero work.
	dup := &models.OutboxJob{
		IdempotencyKey: "key-1",
		UserID:         "u1",
		PageID:         "p1",
		Kind:           models.KindStopTracking,
		Payload:        []byte(`{"different":true}`),
	}
	inserted, err = store.EnqueueJob(dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindStartTracking, stored.Kind)
	assert.Equal(t, models.JobPending, stored.Status)
	assert.Equal(t, 0, stored.Attempt)
}

func TestClaimNextJob(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	_, err := store.ClaimNextJob(now)
	require.NoError(t, err)

	early := &models.OutboxJob{
		IdempotencyKey: "k-early", UserID: "u1",
		Kind: models.KindMarkStartedInDoc, Payload: []byte(`{}`),
		NextRunAt: now.Add(-2 * time.Minute),
	}
	late := &models.OutboxJob{
		IdempotencyKey: "k-late", UserID: "u1",
		Kind: models.KindMarkStoppedInDoc, Payload: []byte(`{}`),
		NextRunAt: now.Add(-1 * time.Minute),
	}
	future := &models.OutboxJob{
		IdempotencyKey: "k-future", UserID: "u1",
		Kind: models.KindMarkStartedInDoc, Payload: []byte(`{}`),
		NextRunAt: now.Add(time.Hour),
	}
	for _, j := range []*models.OutboxJob{late, early, future} {
		_, err := store.EnqueueJob(j)
		require.NoError(t, err)
	}

	// Earliest due first, attempt incremented in the claim step.
	claimed, err := store.ClaimNextJob(now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "k-early", claimed.IdempotencyKey)
	assert.Equal(t, models.JobRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempt)

	// A RUNNING row is not claimable again.
	claimed2, err := store.ClaimNextJob(now)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, "k-late", claimed2.IdempotencyKey)

	// Future job is not due.
	claimed3, err := store.ClaimNextJob(now)
	require.NoError(t, err)
	assert.Nil(t, claimed3)
}

func TestRescheduleMakesJobClaimableAgain(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	job := &models.OutboxJob{
		IdempotencyKey: "k1", UserID: "u1",
		Kind: models.KindStartTracking, Payload: []byte(`{}`),
		NextRunAt: now.Add(-time.Minute),
	}
	_, err := store.EnqueueJob(job)
	require.NoError(t, err)

	claimed, err := store.ClaimNextJob(now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	retryAt := now.Add(10 * time.Second)
	require.NoError(t, store.RescheduleJob(claimed.ID, "toggl API error 503", retryAt))

	// Not yet due.
	got, err := store.ClaimNextJob(now)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Due again after the backoff elapses, carrying its attempt count.
	got, err = store.ClaimNextJob(retryAt.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.IdempotencyKey)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "toggl API error 503", got.LastError)
}

func TestDeadLetterIsTerminal(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	job := &models.OutboxJob{
		IdempotencyKey: "k1", UserID: "u1",
		Kind: models.KindStopTracking, Payload: []byte(`{}`),
		NextRunAt: now.Add(-time.Minute),
	}
	_, err := store.EnqueueJob(job)
	require.NoError(t, err)

	claimed, err := store.ClaimNextJob(now)
	require.NoError(t, err)
	require.NoError(t, store.DeadLetterJob(claimed.ID, "page deleted remotely"))

	got, err := store.ClaimNextJob(now.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := store.GetJob(claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
}

func TestHasActiveJob(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.HasActiveJob("u1", models.KindStartTracking, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.EnqueueJob(&models.OutboxJob{
		IdempotencyKey: "k1", UserID: "u1", PageID: "p1",
		Kind: models.KindStartTracking, Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	ok, err = store.HasActiveJob("u1", models.KindStartTracking, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Other kind or page does not match.
	ok, err = store.HasActiveJob("u1", models.KindStopTracking, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	// DONE jobs are no longer in flight.
	claimed, err := store.ClaimNextJob(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.CompleteJob(claimed.ID, ""))

	ok, err = store.HasActiveJob("u1", models.KindStartTracking, "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccounts(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AccountByUser("u1")
	assert.ErrorIs(t, err, state.ErrNotFound)

	require.NoError(t, store.SaveAccount(&models.Account{
		UserID:            "u1",
		NotionAccountID:   "person-1",
		NotionAccessToken: "tok",
	}))

	byIdentity, err := store.FindUserByNotionIdentity("person-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byIdentity.UserID)

	users, err := store.ListTogglUsers()
	require.NoError(t, err)
	assert.Empty(t, users)

	require.NoError(t, store.SetTogglKey("u1", "sealed-blob"))
	require.NoError(t, store.SetTogglKey("u2", "sealed-blob-2"))

	users, err = store.ListTogglUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	require.NoError(t, store.UpdateNotionTokens("u1", "tok2", "ref2", 12345))
	acct, err := store.AccountByUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", acct.NotionAccessToken)
	assert.Equal(t, "ref2", acct.NotionRefreshToken)
	assert.Equal(t, int64(12345), acct.NotionExpiresAt)
	// Identity untouched by token rotation.
	assert.Equal(t, "person-1", acct.NotionAccountID)
}
