package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timebridge/timebridge/internal/models"
)

// MockToggl is an in-memory TogglAPI for tests. Configure fields up
// front; calls are recorded for assertions.
type MockToggl struct {
	mu sync.Mutex

	Current     map[string]*models.TimeEntry  // apiKey -> running entry
	Entries     map[string][]models.TimeEntry // apiKey -> entries since cursor
	Accounts    map[string]*models.TogglMe    // apiKey -> /me
	StartResult *models.TimeEntry
	Errors      map[string]error // method name -> forced error

	StartedEntries []StartCall
	StoppedEntries []StopCall
}

// StartCall records one StartEntry invocation.
type StartCall struct {
	APIKey      string
	WorkspaceID int64
	Description string
	Start       time.Time
}

// StopCall records one StopEntry invocation.
type StopCall struct {
	APIKey      string
	WorkspaceID int64
	EntryID     int64
}

// NewMockToggl creates an empty mock.
func NewMockToggl() *MockToggl {
	return &MockToggl{
		Current:  make(map[string]*models.TimeEntry),
		Entries:  make(map[string][]models.TimeEntry),
		Accounts: make(map[string]*models.TogglMe),
		Errors:   make(map[string]error),
	}
}

func (m *MockToggl) CurrentEntry(_ context.Context, apiKey string) (*models.TimeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["CurrentEntry"]; err != nil {
		return nil, err
	}
	return m.Current[apiKey], nil
}

func (m *MockToggl) EntriesSince(_ context.Context, apiKey string, _ time.Time) ([]models.TimeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["EntriesSince"]; err != nil {
		return nil, err
	}
	return m.Entries[apiKey], nil
}

func (m *MockToggl) Me(_ context.Context, apiKey string) (*models.TogglMe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["Me"]; err != nil {
		return nil, err
	}
	me, ok := m.Accounts[apiKey]
	if !ok {
		return nil, &models.APIError{Service: "toggl", StatusCode: 403}
	}
	return me, nil
}

func (m *MockToggl) StartEntry(_ context.Context, apiKey string, workspaceID int64, description string, start time.Time) (*models.TimeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["StartEntry"]; err != nil {
		return nil, err
	}
	m.StartedEntries = append(m.StartedEntries, StartCall{
		APIKey:      apiKey,
		WorkspaceID: workspaceID,
		Description: description,
		Start:       start,
	})
	if m.StartResult != nil {
		return m.StartResult, nil
	}
	wid := workspaceID
	return &models.TimeEntry{
		ID:          int64(9000 + len(m.StartedEntries)),
		Description: description,
		Start:       start.UTC().Format(time.RFC3339),
		Duration:    -1,
		WorkspaceID: &wid,
	}, nil
}

func (m *MockToggl) StopEntry(_ context.Context, apiKey string, workspaceID, entryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["StopEntry"]; err != nil {
		return err
	}
	m.StoppedEntries = append(m.StoppedEntries, StopCall{
		APIKey:      apiKey,
		WorkspaceID: workspaceID,
		EntryID:     entryID,
	})
	return nil
}

// MockNotion is an in-memory NotionAPI for tests.
type MockNotion struct {
	mu sync.Mutex

	Pages        map[string]*models.NotionPage // pageID -> page
	RefreshToken *models.OAuthToken
	Errors       map[string]error

	CreatedPages []CreatePageCall
	TimerSets    []TimerSetCall
	TimerClears  []string // page ids
	EntrySets    []EntrySetCall
	EntryClears  []string // page ids
}

// CreatePageCall records one CreatePage invocation.
type CreatePageCall struct {
	DatabaseID string
	Title      string
	PageID     string
}

// TimerSetCall records one SetTimerProperties invocation.
type TimerSetCall struct {
	PageID  string
	Start   time.Time
	EntryID string
}

// EntrySetCall records one SetEntryID invocation.
type EntrySetCall struct {
	PageID  string
	EntryID string
}

// NewMockNotion creates an empty mock.
func NewMockNotion() *MockNotion {
	return &MockNotion{
		Pages:  make(map[string]*models.NotionPage),
		Errors: make(map[string]error),
	}
}

func (m *MockNotion) Page(_ context.Context, _, pageID string) (*models.NotionPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["Page"]; err != nil {
		return nil, err
	}
	page, ok := m.Pages[pageID]
	if !ok {
		return nil, &models.APIError{Service: "notion", StatusCode: 404}
	}
	return page, nil
}

func (m *MockNotion) CreatePage(_ context.Context, _, databaseID, title string) (*models.NotionPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["CreatePage"]; err != nil {
		return nil, err
	}
	pageID := fmt.Sprintf("page_created_%d", len(m.CreatedPages)+1)
	m.CreatedPages = append(m.CreatedPages, CreatePageCall{
		DatabaseID: databaseID,
		Title:      title,
		PageID:     pageID,
	})
	page := &models.NotionPage{
		ID: pageID,
		Properties: map[string]models.NotionProperty{
			"Name": {
				Type:  "title",
				Title: []models.NotionRichText{{PlainText: title}},
			},
		},
	}
	m.Pages[pageID] = page
	return page, nil
}

func (m *MockNotion) SetTimerProperties(_ context.Context, _, pageID string, start time.Time, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["SetTimerProperties"]; err != nil {
		return err
	}
	m.TimerSets = append(m.TimerSets, TimerSetCall{PageID: pageID, Start: start, EntryID: entryID})
	return nil
}

func (m *MockNotion) ClearTimerProperties(_ context.Context, _, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["ClearTimerProperties"]; err != nil {
		return err
	}
	m.TimerClears = append(m.TimerClears, pageID)
	return nil
}

func (m *MockNotion) SetEntryID(_ context.Context, _, pageID, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["SetEntryID"]; err != nil {
		return err
	}
	m.EntrySets = append(m.EntrySets, EntrySetCall{PageID: pageID, EntryID: entryID})
	return nil
}

func (m *MockNotion) ClearEntryID(_ context.Context, _, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["ClearEntryID"]; err != nil {
		return err
	}
	m.EntryClears = append(m.EntryClears, pageID)
	return nil
}

func (m *MockNotion) RefreshOAuthToken(_ context.Context, _ string) (*models.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Errors["RefreshOAuthToken"]; err != nil {
		return nil, err
	}
	if m.RefreshToken == nil {
		return nil, &models.APIError{Service: "notion", StatusCode: 401}
	}
	return m.RefreshToken, nil
}
