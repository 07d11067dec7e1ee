// Package client assembles the sync system: store, credential gateway,
// API transports, and the services on top of them.
package client

import (
	"fmt"

	"github.com/timebridge/timebridge/internal/config"
	"github.com/timebridge/timebridge/internal/creds"
	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/server"
	"github.com/timebridge/timebridge/internal/services/dispatch"
	"github.com/timebridge/timebridge/internal/services/mapper"
	"github.com/timebridge/timebridge/internal/services/poller"
	"github.com/timebridge/timebridge/internal/services/webhook"
	"github.com/timebridge/timebridge/internal/state"
	"github.com/timebridge/timebridge/internal/transport"
)

// Client provides the high-level API for timebridge operations.
type Client struct {
	Webhook    *webhook.Service
	Poller     *poller.Service
	Dispatcher *dispatch.Service
	Mapper     *mapper.Service
	Server     *server.Server
	Store      state.Store
	Toggl      transport.TogglAPI
	Notion     transport.NotionAPI
	Creds      creds.Gateway

	config *config.Config
	logger *events.Logger
}

// New creates a fully wired client.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	sealKey, err := cfg.SealingKey()
	if err != nil {
		return nil, fmt.Errorf("sealing key: %w", err)
	}

	store, err := state.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	togglClient := transport.NewTogglClient(&cfg.Toggl, logger)
	notionClient := transport.NewNotionClient(&cfg.Notion, logger)
	gateway := creds.NewStoreGateway(store, notionClient, sealKey, logger)

	mapperSvc := mapper.New(store, notionClient, gateway, &cfg.Notion, logger)
	webhookSvc := webhook.New(store, notionClient, gateway, cfg.Server.WebhookSecret, &cfg.Notion, logger)
	pollerSvc := poller.New(store, togglClient, gateway, &cfg.Sync, logger)
	dispatchSvc := dispatch.New(store, togglClient, notionClient, gateway, mapperSvc, &cfg.Sync, logger)

	srv := server.New(&cfg.Server, webhookSvc, pollerSvc, dispatchSvc, logger)

	return &Client{
		Webhook:    webhookSvc,
		Poller:     pollerSvc,
		Dispatcher: dispatchSvc,
		Mapper:     mapperSvc,
		Server:     srv,
		Store:      store,
		Toggl:      togglClient,
		Notion:     notionClient,
		Creds:      gateway,
		config:     cfg,
		logger:     logger,
	}, nil
}

// SealKey exposes the credential sealing key for the connect flow.
func (c *Client) SealKey() ([32]byte, error) {
	return c.config.SealingKey()
}

// Close releases the store.
func (c *Client) Close() error {
	return c.Store.Close()
}
