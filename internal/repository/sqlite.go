package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/lead"
)

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("repository: open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		owner_id    TEXT NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		owner_id    TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		auto_reply  INTEGER NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (owner_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS user_chat_settings (
		owner_id      TEXT PRIMARY KEY,
		system_prompt TEXT NOT NULL DEFAULT '',
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_knowledge_handles (
		owner_id    TEXT PRIMARY KEY,
		handle      TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leads (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		phone       TEXT NOT NULL,
		note        TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leads_session ON leads(session_id, created_at);

	CREATE TABLE IF NOT EXISTS visits (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		path        TEXT NOT NULL,
		user_agent  TEXT,
		referrer    TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_visits_session ON visits(session_id, created_at);

	CREATE TABLE IF NOT EXISTS survey (
		id             TEXT PRIMARY KEY,
		owner_id       TEXT NOT NULL,
		session_id     TEXT NOT NULL,
		payload        TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_survey_owner ON survey(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS user_survey_settings (
		owner_id    TEXT PRIMARY KEY,
		form        TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AppendMessage implements MessageWriter.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg chat.PersistedMessage) error {
	if msg.ID == "" {
		msg.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, owner_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.OwnerID, string(msg.Role), msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// ListMessages returns a session transcript in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.PersistedMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, owner_id, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	defer rows.Close()

	var out []chat.PersistedMessage
	for rows.Next() {
		var m chat.PersistedMessage
		var role, created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.OwnerID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("repository: ListMessages scan: %w", err)
		}
		m.Role = chat.Role(role)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SessionAutoReply implements Store.
func (s *SQLiteStore) SessionAutoReply(ctx context.Context, ownerID, sessionID string) (bool, bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT auto_reply FROM chat_sessions WHERE owner_id = ? AND session_id = ?`, ownerID, sessionID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("repository: SessionAutoReply: %w", err)
	}
	return enabled != 0, true, nil
}

// SetSessionAutoReply implements Store.
func (s *SQLiteStore) SetSessionAutoReply(ctx context.Context, ownerID, sessionID string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (owner_id, session_id, auto_reply, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner_id, session_id) DO UPDATE SET auto_reply = excluded.auto_reply, updated_at = excluded.updated_at`,
		ownerID, sessionID, flag, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("repository: SetSessionAutoReply: %w", err)
	}
	return nil
}

// ChatSettings implements Store.
func (s *SQLiteStore) ChatSettings(ctx context.Context, ownerID string) (chat.Settings, bool, error) {
	settings := chat.Settings{OwnerID: ownerID}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT system_prompt, updated_at FROM user_chat_settings WHERE owner_id = ?`, ownerID).Scan(&settings.SystemPrompt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, fmt.Errorf("repository: ChatSettings: %w", err)
	}
	settings.UpdatedAt = parseTime(updated)
	return settings, true, nil
}

// UpsertChatSettings implements Store.
func (s *SQLiteStore) UpsertChatSettings(ctx context.Context, settings chat.Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_chat_settings (owner_id, system_prompt, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET system_prompt = excluded.system_prompt, updated_at = excluded.updated_at`,
		settings.OwnerID, settings.SystemPrompt, formatTime(settings.UpdatedAt))
	if err != nil {
		return fmt.Errorf("repository: UpsertChatSettings: %w", err)
	}
	return nil
}

// KnowledgeHandle implements Store.
func (s *SQLiteStore) KnowledgeHandle(ctx context.Context, ownerID string) (string, bool, error) {
	var handle string
	err := s.db.QueryRowContext(ctx,
		`SELECT handle FROM user_knowledge_handles WHERE owner_id = ?`, ownerID).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("repository: KnowledgeHandle: %w", err)
	}
	return handle, handle != "", nil
}

// InsertKnowledgeHandle implements Store.
func (s *SQLiteStore) InsertKnowledgeHandle(ctx context.Context, ownerID, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_knowledge_handles (owner_id, handle, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO NOTHING`,
		ownerID, handle, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("repository: InsertKnowledgeHandle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: InsertKnowledgeHandle rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// AppendLead implements Store.
func (s *SQLiteStore) AppendLead(ctx context.Context, l lead.Lead) error {
	if l.ID == "" {
		l.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, owner_id, session_id, name, phone, note, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.OwnerID, l.SessionID, l.Name, l.Phone, l.Note, formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("repository: AppendLead: %w", err)
	}
	return nil
}

// AppendVisit implements Store.
func (s *SQLiteStore) AppendVisit(ctx context.Context, v lead.Visit) error {
	if v.ID == "" {
		v.ID = s.newID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (id, owner_id, session_id, path, user_agent, referrer, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.OwnerID, v.SessionID, v.Path, nullable(v.UserAgent), nullable(v.Referrer), formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("repository: AppendVisit: %w", err)
	}
	return nil
}

// AppendSurvey implements Store.
func (s *SQLiteStore) AppendSurvey(ctx context.Context, sv lead.Survey) error {
	if sv.ID == "" {
		sv.ID = s.newID()
	}
	payload, err := json.Marshal(sv.Answers)
	if err != nil {
		return fmt.Errorf("repository: AppendSurvey marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO survey (id, owner_id, session_id, payload, schema_version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sv.ID, sv.OwnerID, sv.SessionID, string(payload), sv.SchemaVersion, formatTime(sv.CreatedAt))
	if err != nil {
		return fmt.Errorf("repository: AppendSurvey: %w", err)
	}
	return nil
}

// SurveySettings implements Store.
func (s *SQLiteStore) SurveySettings(ctx context.Context, ownerID string) (lead.SurveySettings, bool, error) {
	settings := lead.SurveySettings{OwnerID: ownerID}
	var form, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT form, updated_at FROM user_survey_settings WHERE owner_id = ?`, ownerID).Scan(&form, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, fmt.Errorf("repository: SurveySettings: %w", err)
	}
	settings.Form = lead.NormalizeSurveyForm(json.RawMessage(form))
	settings.UpdatedAt = parseTime(updated)
	return settings, true, nil
}

// UpsertSurveySettings implements Store.
func (s *SQLiteStore) UpsertSurveySettings(ctx context.Context, settings lead.SurveySettings) error {
	form, err := json.Marshal(settings.Form)
	if err != nil {
		return fmt.Errorf("repository: UpsertSurveySettings marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_survey_settings (owner_id, form, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET form = excluded.form, updated_at = excluded.updated_at`,
		settings.OwnerID, string(form), formatTime(settings.UpdatedAt))
	if err != nil {
		return fmt.Errorf("repository: UpsertSurveySettings: %w", err)
	}
	return nil
}

// SessionOwner implements Store.
func (s *SQLiteStore) SessionOwner(ctx context.Context, sessionID string) (string, bool, error) {
	for _, table := range []string{"leads", "visits", "messages"} {
		var owner string
		err := s.db.QueryRowContext(ctx,
			`SELECT owner_id FROM `+table+` WHERE session_id = ? AND owner_id != '' ORDER BY created_at DESC LIMIT 1`,
			sessionID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("repository: SessionOwner %s: %w", table, err)
		}
		return owner, true, nil
	}
	return "", false, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
