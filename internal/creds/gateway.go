package creds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
	"github.com/timebridge/timebridge/internal/state"
)

// refreshSkew refreshes tokens this long before their recorded expiry.
const refreshSkew = 60 * time.Second

// Gateway resolves live credentials per user. Handlers call it fresh for
// every job; nothing is cached across jobs, so a just-rotated token is
// always the one used.
type Gateway interface {
	// NotionToken returns a usable document-side token, refreshing and
	// persisting rotated tokens when the stored one is near expiry.
	// models.ErrNoCredential when the user never linked Notion.
	NotionToken(ctx context.Context, userID string) (string, error)

	// TogglKey returns the user's tracking-side API key.
	// models.ErrNoCredential when none is stored.
	TogglKey(ctx context.Context, userID string) (string, error)
}

// TokenRefresher exchanges a refresh token at the document side's OAuth
// endpoint. Implemented by the Notion transport client.
type TokenRefresher interface {
	RefreshOAuthToken(ctx context.Context, refreshToken string) (*models.OAuthToken, error)
}

// StoreGateway is the production Gateway backed by the state store.
type StoreGateway struct {
	store     state.Store
	refresher TokenRefresher
	key       [32]byte
	logger    *events.Logger

	now func() time.Time
}

// NewStoreGateway creates a gateway over the store and OAuth refresher.
func NewStoreGateway(st state.Store, refresher TokenRefresher, sealKey [32]byte, logger *events.Logger) *StoreGateway {
	return &StoreGateway{
		store:     st,
		refresher: refresher,
		key:       sealKey,
		logger:    logger.WithField("component", "creds"),
		now:       time.Now,
	}
}

func (g *StoreGateway) NotionToken(ctx context.Context, userID string) (string, error) {
	acct, err := g.store.AccountByUser(userID)
	if errors.Is(err, state.ErrNotFound) {
		return "", &models.AuthError{UserID: userID, Service: "notion", Err: models.ErrNoCredential}
	}
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if acct.NotionAccessToken == "" {
		return "", &models.AuthError{UserID: userID, Service: "notion", Err: models.ErrNoCredential}
	}

	if !g.expired(acct.NotionExpiresAt) || acct.NotionRefreshToken == "" {
		return acct.NotionAccessToken, nil
	}

	fresh, err := g.refresher.RefreshOAuthToken(ctx, acct.NotionRefreshToken)
	if err != nil {
		return "", &models.AuthError{UserID: userID, Service: "notion",
			Err: fmt.Errorf("refresh token: %w", err)}
	}

	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		refreshToken = acct.NotionRefreshToken
	}
	expiresAt := acct.NotionExpiresAt
	if fresh.ExpiresIn > 0 {
		expiresAt = g.now().Unix() + fresh.ExpiresIn
	}

	if err := g.store.UpdateNotionTokens(userID, fresh.AccessToken, refreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}

	g.logger.WithField("user_id", userID).Info("Refreshed Notion token")
	return fresh.AccessToken, nil
}

func (g *StoreGateway) TogglKey(ctx context.Context, userID string) (string, error) {
	acct, err := g.store.AccountByUser(userID)
	if errors.Is(err, state.ErrNotFound) {
		return "", &models.AuthError{UserID: userID, Service: "toggl", Err: models.ErrNoCredential}
	}
	if err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	if !acct.HasTogglKey() {
		return "", &models.AuthError{UserID: userID, Service: "toggl", Err: models.ErrNoCredential}
	}

	key, err := Open(acct.TogglAPIKeySealed, g.key)
	if err != nil {
		return "", &models.AuthError{UserID: userID, Service: "toggl",
			Err: fmt.Errorf("open sealed key: %w", err)}
	}
	return key, nil
}

func (g *StoreGateway) expired(expiresAt int64) bool {
	if expiresAt == 0 {
		return false
	}
	return g.now().Unix() >= expiresAt-int64(refreshSkew.Seconds())
}

// StaticGateway serves fixed credentials; test helper.
type StaticGateway struct {
	NotionTokens map[string]string
	TogglKeys    map[string]string
}

func (s *StaticGateway) NotionToken(_ context.Context, userID string) (string, error) {
	tok, ok := s.NotionTokens[userID]
	if !ok {
		return "", &models.AuthError{UserID: userID, Service: "notion", Err: models.ErrNoCredential}
	}
	return tok, nil
}

func (s *StaticGateway) TogglKey(_ context.Context, userID string) (string, error) {
	key, ok := s.TogglKeys[userID]
	if !ok {
		return "", &models.AuthError{UserID: userID, Service: "toggl", Err: models.ErrNoCredential}
	}
	return key, nil
}
