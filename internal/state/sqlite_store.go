package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/timebridge/timebridge/internal/events"
	"github.com/timebridge/timebridge/internal/models"
)

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStore opens (and initializes) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=ON")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS accounts (
        user_id TEXT PRIMARY KEY,
        notion_account_id TEXT NOT NULL DEFAULT '',
        notion_access_token TEXT NOT NULL DEFAULT '',
        notion_refresh_token TEXT NOT NULL DEFAULT '',
        notion_expires_at INTEGER NOT NULL DEFAULT 0,
        notion_database_id TEXT NOT NULL DEFAULT '',
        toggl_api_key_sealed TEXT NOT NULL DEFAULT '',
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_accounts_notion_identity
        ON accounts(notion_account_id);

    CREATE TABLE IF NOT EXISTS sync_states (
        user_id TEXT PRIMARY KEY,
        last_cursor TIMESTAMP,
        last_poll_at TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS task_mappings (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        fingerprint TEXT NOT NULL,
        notion_page_id TEXT NOT NULL,
        notion_database_id TEXT NOT NULL DEFAULT '',
        toggl_workspace_id TEXT NOT NULL DEFAULT '',
        toggl_project_id TEXT NOT NULL DEFAULT '',
        toggl_task_id TEXT NOT NULL DEFAULT '',
        title_snapshot TEXT NOT NULL DEFAULT '',
        last_synced_at TIMESTAMP,
        UNIQUE(user_id, fingerprint)
    );

    CREATE TABLE IF NOT EXISTS time_entry_links (
        id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        toggl_entry_id TEXT NOT NULL,
        mapping_id TEXT NOT NULL DEFAULT '',
        notion_page_id TEXT NOT NULL,
        origin TEXT NOT NULL,
        status TEXT NOT NULL,
        start_ts TIMESTAMP,
        stop_ts TIMESTAMP,
        last_seen_at TIMESTAMP,
        toggl_updated_at TIMESTAMP,
        description_snapshot TEXT NOT NULL DEFAULT '',
        toggl_workspace_id TEXT NOT NULL DEFAULT '',
        toggl_project_id TEXT NOT NULL DEFAULT '',
        toggl_task_id TEXT NOT NULL DEFAULT '',
        UNIQUE(user_id, toggl_entry_id)
    );

    CREATE INDEX IF NOT EXISTS idx_links_page
        ON time_entry_links(user_id, notion_page_id, status);

    CREATE TABLE IF NOT EXISTS outbox_jobs (
        id TEXT PRIMARY KEY,
        idempotency_key TEXT NOT NULL UNIQUE,
        user_id TEXT NOT NULL,
        page_id TEXT NOT NULL DEFAULT '',
        kind TEXT NOT NULL,
        payload TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'PENDING',
        attempt INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT '',
        next_run_at TIMESTAMP NOT NULL,
        created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_outbox_due
        ON outbox_jobs(status, next_run_at);

    CREATE INDEX IF NOT EXISTS idx_outbox_page
        ON outbox_jobs(user_id, page_id, kind, status);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Sync state

func (s *SQLiteStore) LoadSyncState(userID string) (*models.SyncState, error) {
	var st models.SyncState
	var cursor, polledAt sql.NullTime

	err := s.db.QueryRow(`
        SELECT last_cursor, last_poll_at FROM sync_states WHERE user_id = ?
    `, userID).Scan(&cursor, &polledAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}

	st.UserID = userID
	if cursor.Valid {
		st.LastCursor = cursor.Time
	}
	if polledAt.Valid {
		st.LastPollAt = polledAt.Time
	}
	return &st, nil
}

func (s *SQLiteStore) SaveSyncState(st *models.SyncState) error {
	_, err := s.db.Exec(`
        INSERT INTO sync_states (user_id, last_cursor, last_poll_at)
        VALUES (?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            last_cursor = excluded.last_cursor,
            last_poll_at = excluded.last_poll_at
    `, st.UserID, nullTime(st.LastCursor), nullTime(st.LastPollAt))

	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

// Task mappings

func (s *SQLiteStore) FindMapping(userID, fingerprint string) (*models.TaskMapping, error) {
	var m models.TaskMapping
	var syncedAt sql.NullTime

	err := s.db.QueryRow(`
        SELECT id, notion_page_id, notion_database_id, toggl_workspace_id,
               toggl_project_id, toggl_task_id, title_snapshot, last_synced_at
        FROM task_mappings
        WHERE user_id = ? AND fingerprint = ?
    `, userID, fingerprint).Scan(
		&m.ID, &m.NotionPageID, &m.NotionDatabaseID, &m.TogglWorkspaceID,
		&m.TogglProjectID, &m.TogglTaskID, &m.TitleSnapshot, &syncedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query mapping: %w", err)
	}

	m.UserID = userID
	m.Fingerprint = fingerprint
	if syncedAt.Valid {
		m.LastSyncedAt = syncedAt.Time
	}
	return &m, nil
}

func (s *SQLiteStore) CreateMapping(m *models.TaskMapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	_, err := s.db.Exec(`
        INSERT INTO task_mappings
            (id, user_id, fingerprint, notion_page_id, notion_database_id,
             toggl_workspace_id, toggl_project_id, toggl_task_id,
             title_snapshot, last_synced_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, m.ID, m.UserID, m.Fingerprint, m.NotionPageID, m.NotionDatabaseID,
		m.TogglWorkspaceID, m.TogglProjectID, m.TogglTaskID,
		m.TitleSnapshot, nullTime(m.LastSyncedAt))

	if err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchMapping(id string, at time.Time) error {
	_, err := s.db.Exec(`
        UPDATE task_mappings SET last_synced_at = ? WHERE id = ?
    `, at, id)
	if err != nil {
		return fmt.Errorf("touch mapping: %w", err)
	}
	return nil
}

// Time entry links

const linkColumns = `
    id, user_id, toggl_entry_id, mapping_id, notion_page_id, origin, status,
    start_ts, stop_ts, last_seen_at, toggl_updated_at, description_snapshot,
    toggl_workspace_id, toggl_project_id, toggl_task_id`

func (s *SQLiteStore) scanLink(row *sql.Row) (*models.TimeEntryLink, error) {
	var l models.TimeEntryLink
	var startTs, stopTs, seenAt, updatedAt sql.NullTime

	err := row.Scan(
		&l.ID, &l.UserID, &l.TogglEntryID, &l.MappingID, &l.NotionPageID,
		&l.Origin, &l.Status, &startTs, &stopTs, &seenAt, &updatedAt,
		&l.DescriptionSnapshot, &l.TogglWorkspaceID, &l.TogglProjectID,
		&l.TogglTaskID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}

	if startTs.Valid {
		l.StartTs = startTs.Time
	}
	if stopTs.Valid {
		t := stopTs.Time
		l.StopTs = &t
	}
	if seenAt.Valid {
		l.LastSeenAt = seenAt.Time
	}
	if updatedAt.Valid {
		l.TogglUpdatedAt = updatedAt.Time
	}
	return &l, nil
}

func (s *SQLiteStore) FindLinkByEntry(userID, togglEntryID string) (*models.TimeEntryLink, error) {
	row := s.db.QueryRow(`
        SELECT `+linkColumns+`
        FROM time_entry_links
        WHERE user_id = ? AND toggl_entry_id = ?
    `, userID, togglEntryID)
	return s.scanLink(row)
}

func (s *SQLiteStore) FindRunningLinkByPage(userID, pageID string) (*models.TimeEntryLink, error) {
	row := s.db.QueryRow(`
        SELECT `+linkColumns+`
        FROM time_entry_links
        WHERE user_id = ? AND notion_page_id = ? AND status = ?
        ORDER BY last_seen_at DESC
        LIMIT 1
    `, userID, pageID, models.StatusRunning)
	return s.scanLink(row)
}

func (s *SQLiteStore) UpsertLink(l *models.TimeEntryLink) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}

	var stopTs interface{}
	if l.StopTs != nil {
		stopTs = *l.StopTs
	}

	_, err := s.db.Exec(`
        INSERT INTO time_entry_links
            (id, user_id, toggl_entry_id, mapping_id, notion_page_id, origin,
             status, start_ts, stop_ts, last_seen_at, toggl_updated_at,
             description_snapshot, toggl_workspace_id, toggl_project_id,
             toggl_task_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id, toggl_entry_id) DO UPDATE SET
            mapping_id = excluded.mapping_id,
            notion_page_id = excluded.notion_page_id,
            origin = excluded.origin,
            status = excluded.status,
            start_ts = excluded.start_ts,
            stop_ts = excluded.stop_ts,
            last_seen_at = excluded.last_seen_at,
            toggl_updated_at = excluded.toggl_updated_at,
            description_snapshot = excluded.description_snapshot,
            toggl_workspace_id = excluded.toggl_workspace_id,
            toggl_project_id = excluded.toggl_project_id,
            toggl_task_id = excluded.toggl_task_id
    `, l.ID, l.UserID, l.TogglEntryID, l.MappingID, l.NotionPageID, l.Origin,
		l.Status, nullTime(l.StartTs), stopTs, nullTime(l.LastSeenAt),
		nullTime(l.TogglUpdatedAt), l.DescriptionSnapshot, l.TogglWorkspaceID,
		l.TogglProjectID, l.TogglTaskID)

	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

// Outbox

func (s *SQLiteStore) EnqueueJob(job *models.OutboxJob) (bool, error) {
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

	res, err := s.db.Exec(`
        INSERT INTO outbox_jobs
            (id, idempotency_key, user_id, page_id, kind, payload, status,
             attempt, last_error, next_run_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(idempotency_key) DO NOTHING
    `, job.ID, job.IdempotencyKey, job.UserID, job.PageID, string(job.Kind),
		string(job.Payload), string(job.Status), job.Attempt, job.LastError,
		job.NextRunAt, job.CreatedAt)

	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	inserted := n > 0
	if !inserted {
		s.logger.WithField("idempotency_key", job.IdempotencyKey).Debug("Duplicate job collapsed")
	}
	return inserted, nil
}

func (s *SQLiteStore) HasActiveJob(userID string, kind models.JobKind, pageID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
        SELECT COUNT(1) FROM outbox_jobs
        WHERE user_id = ? AND page_id = ? AND kind = ? AND status IN (?, ?)
    `, userID, pageID, string(kind), models.JobPending, models.JobRunning).Scan(&n)

	if err != nil {
		return false, fmt.Errorf("query active jobs: %w", err)
	}
	return n > 0, nil
}

const jobColumns = `
    id, idempotency_key, user_id, page_id, kind, payload, status, attempt,
    last_error, next_run_at, created_at`

func (s *SQLiteStore) scanJob(row *sql.Row) (*models.OutboxJob, error) {
	var j models.OutboxJob
	var payload string
	var nextRunAt, createdAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.IdempotencyKey, &j.UserID, &j.PageID, &j.Kind, &payload,
		&j.Status, &j.Attempt, &j.LastError, &nextRunAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Payload = []byte(payload)
	if nextRunAt.Valid {
		j.NextRunAt = nextRunAt.Time
	}
	if createdAt.Valid {
		j.CreatedAt = createdAt.Time
	}
	return &j, nil
}

// ClaimNextJob selects the earliest due PENDING row and conditionally
// flips it to RUNNING. The UPDATE keyed on (id, status=PENDING) is the
// claim; losing the race to a concurrent dispatcher just means another
// selection round.
func (s *SQLiteStore) ClaimNextJob(now time.Time) (*models.OutboxJob, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := s.db.QueryRow(`
            SELECT id FROM outbox_jobs
            WHERE status = ? AND next_run_at <= ?
            ORDER BY next_run_at ASC
            LIMIT 1
        `, models.JobPending, now).Scan(&id)

		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select due job: %w", err)
		}

		res, err := s.db.Exec(`
            UPDATE outbox_jobs
            SET status = ?, attempt = attempt + 1
            WHERE id = ? AND status = ?
        `, models.JobRunning, id, models.JobPending)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			// Lost to a concurrent claim; pick again.
			continue
		}

		return s.GetJob(id)
	}

	return nil, nil
}

func (s *SQLiteStore) CompleteJob(id, note string) error {
	_, err := s.db.Exec(`
        UPDATE outbox_jobs SET status = ?, last_error = ? WHERE id = ?
    `, models.JobDone, note, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a failed job to the claimable pool. The row goes
// back to PENDING so the claim query finds it once next_run_at elapses.
func (s *SQLiteStore) RescheduleJob(id, lastError string, nextRunAt time.Time) error {
	_, err := s.db.Exec(`
        UPDATE outbox_jobs SET status = ?, last_error = ?, next_run_at = ?
        WHERE id = ?
    `, models.JobPending, lastError, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// DeadLetterJob parks a job in the terminal FAILED state. Never reclaimed.
func (s *SQLiteStore) DeadLetterJob(id, lastError string) error {
	_, err := s.db.Exec(`
        UPDATE outbox_jobs SET status = ?, last_error = ? WHERE id = ?
    `, models.JobFailed, lastError, id)
	if err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.OutboxJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM outbox_jobs WHERE id = ?`, id)
	return s.scanJob(row)
}

// Accounts

func (s *SQLiteStore) SaveAccount(a *models.Account) error {
	_, err := s.db.Exec(`
        INSERT INTO accounts
            (user_id, notion_account_id, notion_access_token,
             notion_refresh_token, notion_expires_at, notion_database_id,
             toggl_api_key_sealed, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(user_id) DO UPDATE SET
            notion_account_id = excluded.notion_account_id,
            notion_access_token = excluded.notion_access_token,
            notion_refresh_token = excluded.notion_refresh_token,
            notion_expires_at = excluded.notion_expires_at,
            notion_database_id = excluded.notion_database_id,
            toggl_api_key_sealed = excluded.toggl_api_key_sealed,
            updated_at = CURRENT_TIMESTAMP
    `, a.UserID, a.NotionAccountID, a.NotionAccessToken,
		a.NotionRefreshToken, a.NotionExpiresAt, a.NotionDatabaseID,
		a.TogglAPIKeySealed)

	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanAccount(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.UserID, &a.NotionAccountID, &a.NotionAccessToken,
		&a.NotionRefreshToken, &a.NotionExpiresAt, &a.NotionDatabaseID,
		&a.TogglAPIKeySealed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

const accountColumns = `
    user_id, notion_account_id, notion_access_token, notion_refresh_token,
    notion_expires_at, notion_database_id, toggl_api_key_sealed`

func (s *SQLiteStore) AccountByUser(userID string) (*models.Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`, userID)
	return s.scanAccount(row)
}

func (s *SQLiteStore) FindUserByNotionIdentity(notionAccountID string) (*models.Account, error) {
	row := s.db.QueryRow(`
        SELECT `+accountColumns+` FROM accounts WHERE notion_account_id = ?
    `, notionAccountID)
	return s.scanAccount(row)
}

func (s *SQLiteStore) UpdateNotionTokens(userID, access, refresh string, expiresAt int64) error {
	_, err := s.db.Exec(`
        UPDATE accounts
        SET notion_access_token = ?, notion_refresh_token = ?,
            notion_expires_at = ?, updated_at = CURRENT_TIMESTAMP
        WHERE user_id = ?
    `, access, refresh, expiresAt, userID)
	if err != nil {
		return fmt.Errorf("update notion tokens: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetTogglKey(userID, sealed string) error {
	_, err := s.db.Exec(`
        INSERT INTO accounts (user_id, toggl_api_key_sealed)
        VALUES (?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            toggl_api_key_sealed = excluded.toggl_api_key_sealed,
            updated_at = CURRENT_TIMESTAMP
    `, userID, sealed)
	if err != nil {
		return fmt.Errorf("set toggl key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTogglUsers() ([]string, error) {
	rows, err := s.db.Query(`
        SELECT user_id FROM accounts
        WHERE toggl_api_key_sealed != ''
        ORDER BY user_id
    `)
	if err != nil {
		return nil, fmt.Errorf("query toggl users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
