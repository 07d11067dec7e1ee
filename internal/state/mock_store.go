package state

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timebridge/timebridge/internal/models"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu sync.Mutex

	SyncStates map[string]*models.SyncState
	Mappings   []*models.TaskMapping
	Links      []*models.TimeEntryLink
	Jobs       []*models.OutboxJob
	Accounts   map[string]*models.Account

	// WriteCount increments on every mutating call; lets tests assert
	// that a code path produced zero writes.
	WriteCount int

	// Failures, keyed by method name, force errors.
	Failures map[string]error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		SyncStates: make(map[string]*models.SyncState),
		Accounts:   make(map[string]*models.Account),
		Failures:   make(map[string]error),
	}
}

func (m *MockStore) fail(method string) error {
	return m.Failures[method]
}

func (m *MockStore) LoadSyncState(userID string) (*models.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LoadSyncState"); err != nil {
		return nil, err
	}
	st, ok := m.SyncStates[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *MockStore) SaveSyncState(st *models.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveSyncState"); err != nil {
		return err
	}
	m.WriteCount++
	cp := *st
	m.SyncStates[st.UserID] = &cp
	return nil
}

func (m *MockStore) FindMapping(userID, fingerprint string) (*models.TaskMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindMapping"); err != nil {
		return nil, err
	}
	for _, tm := range m.Mappings {
		if tm.UserID == userID && tm.Fingerprint == fingerprint {
			cp := *tm
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) CreateMapping(tm *models.TaskMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateMapping"); err != nil {
		return err
	}
	m.WriteCount++
	if tm.ID == "" {
		tm.ID = uuid.NewString()
	}
	cp := *tm
	m.Mappings = append(m.Mappings, &cp)
	return nil
}

func (m *MockStore) TouchMapping(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCount++
	for _, tm := range m.Mappings {
		if tm.ID == id {
			tm.LastSyncedAt = at
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) FindLinkByEntry(userID, togglEntryID string) (*models.TimeEntryLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindLinkByEntry"); err != nil {
		return nil, err
	}
	for _, l := range m.Links {
		if l.UserID == userID && l.TogglEntryID == togglEntryID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) FindRunningLinkByPage(userID, pageID string) (*models.TimeEntryLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindRunningLinkByPage"); err != nil {
		return nil, err
	}
	var best *models.TimeEntryLink
	for _, l := range m.Links {
		if l.UserID == userID && l.NotionPageID == pageID && l.Status == models.StatusRunning {
			if best == nil || l.LastSeenAt.After(best.LastSeenAt) {
				best = l
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MockStore) UpsertLink(l *models.TimeEntryLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertLink"); err != nil {
		return err
	}
	m.WriteCount++
	for i, existing := range m.Links {
		if existing.UserID == l.UserID && existing.TogglEntryID == l.TogglEntryID {
			cp := *l
			cp.ID = existing.ID
			m.Links[i] = &cp
			return nil
		}
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	cp := *l
	m.Links = append(m.Links, &cp)
	return nil
}

func (m *MockStore) EnqueueJob(job *models.OutboxJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("EnqueueJob"); err != nil {
		return false, err
	}
	for _, j := range m.Jobs {
		if j.IdempotencyKey == job.IdempotencyKey {
			return false, nil
		}
	}
	m.WriteCount++
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = job.CreatedAt
	}
	cp := *job
	m.Jobs = append(m.Jobs, &cp)
	return true, nil
}

func (m *MockStore) HasActiveJob(userID string, kind models.JobKind, pageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("HasActiveJob"); err != nil {
		return false, err
	}
	for _, j := range m.Jobs {
		if j.UserID == userID && j.Kind == kind && j.PageID == pageID &&
			(j.Status == models.JobPending || j.Status == models.JobRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) ClaimNextJob(now time.Time) (*models.OutboxJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClaimNextJob"); err != nil {
		return nil, err
	}

	due := make([]*models.OutboxJob, 0)
	for _, j := range m.Jobs {
		if j.Status == models.JobPending && !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextRunAt.Before(due[k].NextRunAt) })

	job := due[0]
	job.Status = models.JobRunning
	job.Attempt++
	m.WriteCount++
	cp := *job
	return &cp, nil
}

func (m *MockStore) CompleteJob(id, note string) error {
	return m.setJobStatus(id, models.JobDone, note, nil)
}

func (m *MockStore) RescheduleJob(id, lastError string, nextRunAt time.Time) error {
	return m.setJobStatus(id, models.JobPending, lastError, &nextRunAt)
}

func (m *MockStore) DeadLetterJob(id, lastError string) error {
	return m.setJobStatus(id, models.JobFailed, lastError, nil)
}

func (m *MockStore) setJobStatus(id string, status models.JobStatus, note string, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCount++
	for _, j := range m.Jobs {
		if j.ID == id {
			j.Status = status
			j.LastError = note
			if nextRunAt != nil {
				j.NextRunAt = *nextRunAt
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStore) GetJob(id string) (*models.OutboxJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.Jobs {
		if j.ID == id {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) SaveAccount(a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCount++
	cp := *a
	m.Accounts[a.UserID] = &cp
	return nil
}

func (m *MockStore) AccountByUser(userID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockStore) FindUserByNotionIdentity(notionAccountID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindUserByNotionIdentity"); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m.Accounts))
	for id := range m.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if m.Accounts[id].NotionAccountID == notionAccountID {
			cp := *m.Accounts[id]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) UpdateNotionTokens(userID, access, refresh string, expiresAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCount++
	a, ok := m.Accounts[userID]
	if !ok {
		return ErrNotFound
	}
	a.NotionAccessToken = access
	a.NotionRefreshToken = refresh
	a.NotionExpiresAt = expiresAt
	return nil
}

func (m *MockStore) SetTogglKey(userID, sealed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCount++
	a, ok := m.Accounts[userID]
	if !ok {
		a = &models.Account{UserID: userID}
		m.Accounts[userID] = a
	}
	a.TogglAPIKeySealed = sealed
	return nil
}

func (m *MockStore) ListTogglUsers() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListTogglUsers"); err != nil {
		return nil, err
	}
	var ids []string
	for id, a := range m.Accounts {
		if a.TogglAPIKeySealed != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockStore) Close() error { return nil }
