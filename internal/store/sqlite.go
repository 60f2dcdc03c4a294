package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/overseer/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes the scheduler, the API server and CLI reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID generates a new ULID string. IDs created by one process sort in
// creation order, which the activity and chat listings rely on.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

const projectColumns = `id, name, path, description, created_at, updated_at`

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Description, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getProjectBy(ctx context.Context, column, value string) (*models.Project, error) {
	p := &models.Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE `+column+` = ?`, value,
	).Scan(&p.ID, &p.Name, &p.Path, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.getProjectBy(ctx, "id", id)
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	return s.getProjectBy(ctx, "name", name)
}

func (s *SQLiteStore) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	return s.getProjectBy(ctx, "path", path)
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		p := &models.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Agent Sessions ---

const sessionColumns = `id, project_id, worker_id, branch, work_dir, command, process_session_id, conversation_id, status, resume_count, created_at, last_active_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentSession(row rowScanner) (*models.AgentSession, error) {
	session := &models.AgentSession{}
	var status string
	var endedAt sql.NullTime
	err := row.Scan(&session.ID, &session.ProjectID, &session.WorkerID,
		&session.Branch, &session.WorkDir, &session.Command,
		&session.ProcessSessionID, &session.ConversationID,
		&status, &session.ResumeCount,
		&session.CreatedAt, &session.LastActiveAt, &endedAt)
	if err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return session, nil
}

func (s *SQLiteStore) CreateAgentSession(ctx context.Context, session *models.AgentSession) error {
	if session.ID == "" {
		session.ID = newULID()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActiveAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ProjectID, session.WorkerID, session.Branch,
		session.WorkDir, session.Command, session.ProcessSessionID,
		session.ConversationID, string(session.Status), session.ResumeCount,
		session.CreatedAt, session.LastActiveAt, session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentSession(ctx context.Context, id string) (*models.AgentSession, error) {
	session, err := scanAgentSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent session: %w", err)
	}
	return session, nil
}

// GetLiveSessionByWorker returns the single non-terminated session for a worker.
func (s *SQLiteStore) GetLiveSessionByWorker(ctx context.Context, projectID, workerID string) (*models.AgentSession, error) {
	session, err := scanAgentSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		WHERE project_id = ? AND worker_id = ? AND status != 'terminated'`, projectID, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("live session for worker %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get live session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListAgentSessions(ctx context.Context, filter SessionFilter) ([]*models.AgentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.WorkerID != "" {
		query += " AND worker_id = ?"
		args = append(args, filter.WorkerID)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.AgentSession
	for rows.Next() {
		session, err := scanAgentSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateAgentSession(ctx context.Context, session *models.AgentSession) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET branch=?, work_dir=?, command=?, process_session_id=?, conversation_id=?, status=?, resume_count=?, last_active_at=?, ended_at=?
		WHERE id=?`,
		session.Branch, session.WorkDir, session.Command, session.ProcessSessionID,
		session.ConversationID, string(session.Status), session.ResumeCount,
		session.LastActiveAt, session.EndedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("agent session %s: %w", session.ID, ErrNotFound)
	}
	return nil
}

// TouchAgentSession advances last_active_at; older timestamps are ignored.
func (s *SQLiteStore) TouchAgentSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET last_active_at = ? WHERE id = ? AND last_active_at < ?`,
		at.UTC(), id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch agent session: %w", err)
	}
	return nil
}

// DisconnectActiveSessions marks every active session of the project as disconnected.
func (s *SQLiteStore) DisconnectActiveSessions(ctx context.Context, projectID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET status = 'disconnected' WHERE project_id = ? AND status = 'active'`,
		projectID)
	if err != nil {
		return 0, fmt.Errorf("disconnect sessions: %w", err)
	}
	return result.RowsAffected()
}

// MarkSessionResumed flips a disconnected or resumed session to resumed in place,
// incrementing its resume counter and attaching the new process session id.
func (s *SQLiteStore) MarkSessionResumed(ctx context.Context, id, processSessionID string) (*models.AgentSession, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions
		SET status = 'resumed', resume_count = resume_count + 1, process_session_id = ?, last_active_at = ?
		WHERE id = ? AND status != 'terminated'`,
		processSessionID, now, id)
	if err != nil {
		return nil, fmt.Errorf("resume agent session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("resumable session %s: %w", id, ErrNotFound)
	}
	return s.GetAgentSession(ctx, id)
}

func (s *SQLiteStore) TerminateAgentSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET status = 'terminated', ended_at = ? WHERE id = ? AND status != 'terminated'`,
		now, id)
	if err != nil {
		return fmt.Errorf("terminate agent session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("live session %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeTerminatedSessions deletes terminated sessions that ended before the cutoff.
func (s *SQLiteStore) PurgeTerminatedSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE status = 'terminated' AND ended_at IS NOT NULL AND ended_at < ?`,
		before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge terminated sessions: %w", err)
	}
	return result.RowsAffected()
}

// --- Orchestrator Config ---

func (s *SQLiteStore) GetOrchestratorConfig(ctx context.Context, projectID string) (*models.OrchestratorConfig, error) {
	cfg := &models.OrchestratorConfig{}
	var provider string
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, enabled, provider, base_url, model, tick_interval_ms, max_consecutive_failures, auto_restart_dead_sessions, oracle_timeout_ms, updated_at
		FROM orchestrator_configs WHERE project_id = ?`, projectID,
	).Scan(&cfg.ProjectID, &cfg.Enabled, &provider, &cfg.BaseURL, &cfg.Model,
		&cfg.TickIntervalMs, &cfg.MaxConsecutiveFailures, &cfg.AutoRestartDeadSessions,
		&cfg.OracleTimeoutMs, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("orchestrator config %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get orchestrator config: %w", err)
	}
	cfg.Provider = models.OracleProvider(provider)
	return cfg, nil
}

// SaveOrchestratorConfig upserts the project's configuration row.
func (s *SQLiteStore) SaveOrchestratorConfig(ctx context.Context, cfg *models.OrchestratorConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orchestrator_configs (project_id, enabled, provider, base_url, model, tick_interval_ms, max_consecutive_failures, auto_restart_dead_sessions, oracle_timeout_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			enabled = excluded.enabled,
			provider = excluded.provider,
			base_url = excluded.base_url,
			model = excluded.model,
			tick_interval_ms = excluded.tick_interval_ms,
			max_consecutive_failures = excluded.max_consecutive_failures,
			auto_restart_dead_sessions = excluded.auto_restart_dead_sessions,
			oracle_timeout_ms = excluded.oracle_timeout_ms,
			updated_at = excluded.updated_at`,
		cfg.ProjectID, boolToInt(cfg.Enabled), string(cfg.Provider), cfg.BaseURL, cfg.Model,
		cfg.TickIntervalMs, cfg.MaxConsecutiveFailures, boolToInt(cfg.AutoRestartDeadSessions),
		cfg.OracleTimeoutMs, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save orchestrator config: %w", err)
	}
	return nil
}

// --- Activity ---

func (s *SQLiteStore) AppendActivity(ctx context.Context, a *models.Activity) error {
	if a.ID == "" {
		a.ID = newULID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Payload != nil && a.Kind == "" {
		a.Kind = a.Payload.Kind()
	}
	details, err := models.EncodeActivityPayload(a.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, project_id, kind, summary, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, string(a.Kind), a.Summary, details, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// ListActivity returns the most recent activity of a project, newest first.
func (s *SQLiteStore) ListActivity(ctx context.Context, projectID string, limit int) ([]*models.Activity, error) {
	query := `SELECT id, project_id, kind, summary, details, created_at FROM activity_log WHERE project_id = ? ORDER BY id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Activity
	for rows.Next() {
		a := &models.Activity{}
		var kind, details string
		if err := rows.Scan(&a.ID, &a.ProjectID, &kind, &a.Summary, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Kind = models.ActivityKind(kind)
		payload, err := models.DecodeActivityPayload(a.Kind, details)
		if err != nil {
			return nil, err
		}
		a.Payload = payload
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Chat ---

func (s *SQLiteStore) AppendChatMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, project_id, role, content, read, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, string(m.Role), m.Content, boolToInt(m.Read), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryChat(ctx context.Context, query string, args ...any) ([]*models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ChatMessage
	for rows.Next() {
		m := &models.ChatMessage{}
		var role string
		if err := rows.Scan(&m.ID, &m.ProjectID, &role, &m.Content, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Role = models.ChatRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListChatMessages returns the latest messages of a project in chronological order.
func (s *SQLiteStore) ListChatMessages(ctx context.Context, projectID string, limit int) ([]*models.ChatMessage, error) {
	query := `SELECT id, project_id, role, content, read, created_at FROM chat_messages WHERE project_id = ? ORDER BY id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	msgs, err := s.queryChat(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListUnreadChatMessages returns unread messages authored by role, oldest first.
func (s *SQLiteStore) ListUnreadChatMessages(ctx context.Context, projectID string, role models.ChatRole) ([]*models.ChatMessage, error) {
	return s.queryChat(ctx,
		`SELECT id, project_id, role, content, read, created_at FROM chat_messages
		WHERE project_id = ? AND role = ? AND read = 0 ORDER BY id`,
		projectID, string(role))
}

func (s *SQLiteStore) MarkChatMessagesRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_messages SET read = 1 WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark chat messages read: %w", err)
	}
	return result.RowsAffected()
}
