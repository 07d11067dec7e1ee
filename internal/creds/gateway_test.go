package creds_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebridge/timebridge/internal/creds"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/state"
)

func testKey() [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey()

	sealed, err := creds.Seal("toggl-api-key-123", key)
	require.NoError(t, err)
	assert.Contains(t, sealed, "v1.nacl:")

	plain, err := creds.Open(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "toggl-api-key-123", plain)

	// Nonces differ per call.
	sealed2, err := creds.Seal("toggl-api-key-123", key)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestOpenRejectsBadInput(t *testing.T) {
	key := testKey()
	sealed, err := creds.Seal("secret", key)
	require.NoError(t, err)

	_, err = creds.Open("v2.other:abc:def", key)
	assert.ErrorIs(t, err, creds.ErrSealedFormat)

	_, err = creds.Open("not-sealed-at-all", key)
	assert.ErrorIs(t, err, creds.ErrSealedFormat)

	var wrong [32]byte
	_, err = creds.Open(sealed, wrong)
	assert.ErrorIs(t, err, creds.ErrSealOpen)
}

type fakeRefresher struct {
	token *models.OAuthToken
	err   error
	calls int
}

func (f *fakeRefresher) RefreshOAuthToken(_ context.Context, refreshToken string) (*models.OAuthToken, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func TestNotionTokenNoCredential(t *testing.T) {
	store := state.NewMockStore()
	gw := creds.NewStoreGateway(store, &fakeRefresher{}, testKey(), events.Discard())

	_, err := gw.NotionToken(context.Background(), "missing")
	assert.True(t, models.IsNoCredential(err))
}

func TestNotionTokenFreshPassthrough(t *testing.T) {
	store := state.NewMockStore()
	require.NoError(t, store.SaveAccount(&models.Account{
		UserID:            "u1",
		NotionAccessToken: "live-token",
		NotionExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}))

	ref := &fakeRefresher{}
	gw := creds.NewStoreGateway(store, ref, testKey(), events.Discard())

	tok, err := gw.NotionToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "live-token", tok)
	assert.Zero(t, ref.calls)
}

func TestNotionTokenRefreshesAndPersists(t *testing.T) {
	store := state.NewMockStore()
	require.NoError(t, store.SaveAccount(&models.Account{
		UserID:             "u1",
		NotionAccessToken:  "stale-token",
		NotionRefreshToken: "refresh-1",
		NotionExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))

	ref := &fakeRefresher{token: &models.OAuthToken{
		AccessToken:  "fresh-token",
		RefreshToken: "refresh-2",
		ExpiresIn:    3600,
	}}
	gw := creds.NewStoreGateway(store, ref, testKey(), events.Discard())

	tok, err := gw.NotionToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)
	assert.Equal(t, 1, ref.calls)

	acct, err := store.AccountByUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", acct.NotionAccessToken)
	assert.Equal(t, "refresh-2", acct.NotionRefreshToken)
	assert.Greater(t, acct.NotionExpiresAt, time.Now().Unix())
}

func TestNotionTokenRefreshFailureIsAuthError(t *testing.T) {
	store := state.NewMockStore()
	require.NoError(t, store.SaveAccount(&models.Account{
		UserID:             "u1",
		NotionAccessToken:  "stale-token",
		NotionRefreshToken: "refresh-1",
		NotionExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))

	ref := &fakeRefresher{err: errors.New("oauth endpoint down")}
	gw := creds.NewStoreGateway(store, ref, testKey(), events.Discard())

	_, err := gw.NotionToken(context.Background(), "u1")
	var authErr *models.AuthError
	require.ErrorAs(t, err, &authErr)
	// Refreshable failure, not a missing credential.
	assert.False(t, models.IsNoCredential(err))
}

func TestTogglKey(t *testing.T) {
	key := testKey()
	store := state.NewMockStore()
	gw := creds.NewStoreGateway(store, &fakeRefresher{}, key, events.Discard())

	_, err := gw.TogglKey(context.Background(), "u1")
	assert.True(t, models.IsNoCredential(err))

	sealed, err := creds.Seal("api-key-xyz", key)
	require.NoError(t, err)
	require.NoError(t, store.SetTogglKey("u1", sealed))

	got, err := gw.TogglKey(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "api-key-xyz", got)
}
