// Package state owns all durable state: the polling cursor, task
// mappings, time entry links, the outbox, and linked accounts. Producers
// write through upsert-on-key operations; the dispatcher is the only
// mutator of claimed jobs.
package state

import (
	"errors"
	"time"

	"github.com/timebridge/timebridge/internal/models"
)

// Store is the persistence boundary of the sync core.
type Store interface {
	// Sync state (poller cursor).
	LoadSyncState(userID string) (*models.SyncState, error)
	SaveSyncState(st *models.SyncState) error

	// Task mappings. Identity fields are write-once.
	FindMapping(userID, fingerprint string) (*models.TaskMapping, error)
	CreateMapping(m *models.TaskMapping) error
	TouchMapping(id string, at time.Time) error

	// Time entry links, unique per (user, toggl entry).
	FindLinkByEntry(userID, togglEntryID string) (*models.TimeEntryLink, error)
	FindRunningLinkByPage(userID, pageID string) (*models.TimeEntryLink, error)
	UpsertLink(l *models.TimeEntryLink) error

	// Outbox. EnqueueJob reports false when the idempotency key already
	// existed (duplicate collapsed to zero work). ClaimNextJob atomically
	// moves the earliest due PENDING row to RUNNING, incrementing its
	// attempt counter; nil means nothing is due.
	EnqueueJob(job *models.OutboxJob) (bool, error)
	HasActiveJob(userID string, kind models.JobKind, pageID string) (bool, error)
	ClaimNextJob(now time.Time) (*models.OutboxJob, error)
	CompleteJob(id, note string) error
	RescheduleJob(id, lastError string, nextRunAt time.Time) error
	DeadLetterJob(id, lastError string) error
	GetJob(id string) (*models.OutboxJob, error)

	// Accounts (linked identities and sealed credentials).
	SaveAccount(a *models.Account) error
	AccountByUser(userID string) (*models.Account, error)
	FindUserByNotionIdentity(notionAccountID string) (*models.Account, error)
	UpdateNotionTokens(userID, access, refresh string, expiresAt int64) error
	SetTogglKey(userID, sealed string) error
	ListTogglUsers() ([]string, error)

	Close() error
}

// Errors
var (
	ErrNotFound = errors.New("record not found")
)
