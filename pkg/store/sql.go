package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
)

// SQLStore is the relational backend. Queries are written with ? markers and
// rebound to $n for postgres; DDL that differs per dialect is kept as
// variants.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const createMessagesSQLite = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    payload TEXT NOT NULL,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_num);
`

const createMessagesPostgres = `
CREATE TABLE IF NOT EXISTS messages (
    id SERIAL PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    payload TEXT NOT NULL,
    sequence_num BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence_num);
`

const createMessagesMySQL = `
CREATE TABLE IF NOT EXISTS messages (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    session_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    payload TEXT NOT NULL,
    sequence_num BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    INDEX idx_messages_session (session_id, sequence_num)
);
`

const createTemplatesSQL = `
CREATE TABLE IF NOT EXISTS prompt_templates (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    category VARCHAR(100) NOT NULL,
    content TEXT NOT NULL,
    is_default BOOLEAN NOT NULL,
    is_active BOOLEAN NOT NULL,
    owner_scope VARCHAR(50) NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const createAssignmentsSQL = `
CREATE TABLE IF NOT EXISTS prompt_assignments (
    user_id VARCHAR(255),
    group_id VARCHAR(255),
    template_id VARCHAR(255) NOT NULL,
    assigned_by VARCHAR(255) NOT NULL,
    active BOOLEAN NOT NULL,
    assigned_at TIMESTAMP NOT NULL
);
`

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    is_admin BOOLEAN NOT NULL,
    groups_json TEXT NOT NULL
);
`

const createCapabilitiesSQL = `
CREATE TABLE IF NOT EXISTS model_capabilities (
    model_id VARCHAR(255) PRIMARY KEY,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	messagesSQL := createMessagesSQLite
	switch s.dialect {
	case "postgres":
		messagesSQL = createMessagesPostgres
	case "mysql":
		messagesSQL = createMessagesMySQL
	}

	for _, ddl := range []string{
		createSessionsSQL, messagesSQL, createTemplatesSQL,
		createAssignmentsSQL, createUsersSQL, createCapabilitiesSQL,
	} {
		for _, stmt := range strings.Split(ddl, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg activity.Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("message session id cannot be empty")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now()
	var res sql.Result
	res, err = tx.ExecContext(ctx, s.bind(`UPDATE sessions SET updated_at = ? WHERE id = ?`), now, msg.SessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err = tx.ExecContext(ctx,
			s.bind(`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`),
			msg.SessionID, now, now,
		); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	}

	var seq int64
	if err = tx.QueryRowContext(ctx,
		s.bind(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE session_id = ?`),
		msg.SessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		s.bind(`INSERT INTO messages (session_id, message_id, role, payload, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		msg.SessionID, msg.ID, string(msg.Role), string(payload), seq, now,
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, sessionID string, limit int) ([]activity.Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	query := `SELECT payload FROM messages WHERE session_id = ? ORDER BY sequence_num ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Last N messages, oldest first.
		query = `SELECT payload FROM (
    SELECT payload, sequence_num FROM messages WHERE session_id = ?
    ORDER BY sequence_num DESC LIMIT ?
) sub ORDER BY sequence_num ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []activity.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg activity.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.id, s.created_at, s.updated_at, COUNT(m.session_id)
FROM sessions s
LEFT JOIN messages m ON m.session_id = s.id
GROUP BY s.id, s.created_at, s.updated_at
ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM sessions WHERE id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

const templateColumns = `id, name, category, content, is_default, is_active, owner_scope, updated_at`

func scanTemplate(scan func(...any) error) (*Template, error) {
	var t Template
	if err := scan(&t.ID, &t.Name, &t.Category, &t.Content, &t.IsDefault, &t.IsActive, &t.OwnerScope, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) Templates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLStore) TemplateByName(ctx context.Context, name string) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		s.bind(`SELECT `+templateColumns+` FROM prompt_templates WHERE name = ? AND is_active`), name)
	t, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template %q: %w", name, err)
	}
	return t, nil
}

func (s *SQLStore) DefaultTemplate(ctx context.Context) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM prompt_templates WHERE is_default AND is_active`)
	t, err := scanTemplate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default template: %w", err)
	}
	return t, nil
}

func (s *SQLStore) SaveTemplate(ctx context.Context, t Template) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("template id and name are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if t.IsDefault && t.IsActive {
		// The default invariant: at most one default+active template.
		if _, err = tx.ExecContext(ctx,
			s.bind(`UPDATE prompt_templates SET is_default = ? WHERE id <> ?`), false, t.ID); err != nil {
			return fmt.Errorf("failed to clear previous default: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx, s.bind(`DELETE FROM prompt_templates WHERE id = ?`), t.ID); err != nil {
		return fmt.Errorf("failed to replace template: %w", err)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	if _, err = tx.ExecContext(ctx,
		s.bind(`INSERT INTO prompt_templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Name, t.Category, t.Content, t.IsDefault, t.IsActive, t.OwnerScope, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	return nil
}

func (s *SQLStore) UserAssignment(ctx context.Context, userID string) (*Assignment, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`
SELECT user_id, group_id, template_id, assigned_by, active, assigned_at
FROM prompt_assignments
WHERE user_id = ? AND active
ORDER BY assigned_at DESC LIMIT 1`), userID)
	return scanAssignment(row)
}

func (s *SQLStore) GroupAssignment(ctx context.Context, groups []string) (*Assignment, error) {
	if len(groups) == 0 {
		return nil, ErrNotFound
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(groups)), ", ")
	args := make([]any, len(groups))
	for i, g := range groups {
		args[i] = g
	}
	row := s.db.QueryRowContext(ctx, s.bind(`
SELECT user_id, group_id, template_id, assigned_by, active, assigned_at
FROM prompt_assignments
WHERE group_id IN (`+placeholders+`) AND active
ORDER BY assigned_at DESC LIMIT 1`), args...)
	return scanAssignment(row)
}

func scanAssignment(row *sql.Row) (*Assignment, error) {
	var a Assignment
	var userID, groupID sql.NullString
	err := row.Scan(&userID, &groupID, &a.TemplateID, &a.AssignedBy, &a.Active, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan assignment: %w", err)
	}
	a.UserID = userID.String
	a.GroupID = groupID.String
	return &a, nil
}

func (s *SQLStore) SaveAssignment(ctx context.Context, a Assignment) error {
	if a.TemplateID == "" {
		return fmt.Errorf("assignment template id is required")
	}
	if (a.UserID == "") == (a.GroupID == "") {
		return fmt.Errorf("assignment must target exactly one of user or group")
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
INSERT INTO prompt_assignments (user_id, group_id, template_id, assigned_by, active, assigned_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		nullable(a.UserID), nullable(a.GroupID), a.TemplateID, a.AssignedBy, a.Active, a.AssignedAt)
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLStore) User(ctx context.Context, userID string) (*UserInfo, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT id, is_admin, groups_json FROM users WHERE id = ?`), userID)
	var u UserInfo
	var groupsJSON string
	err := row.Scan(&u.ID, &u.IsAdmin, &groupsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %q: %w", userID, err)
	}
	if groupsJSON != "" {
		if err := json.Unmarshal([]byte(groupsJSON), &u.Groups); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user groups: %w", err)
		}
	}
	return &u, nil
}

func (s *SQLStore) SaveUser(ctx context.Context, u UserInfo) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	groupsJSON, err := json.Marshal(u.Groups)
	if err != nil {
		return fmt.Errorf("failed to marshal user groups: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, s.bind(`DELETE FROM users WHERE id = ?`), u.ID); err != nil {
		return fmt.Errorf("failed to replace user: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		s.bind(`INSERT INTO users (id, is_admin, groups_json) VALUES (?, ?, ?)`),
		u.ID, u.IsAdmin, string(groupsJSON),
	); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveCapabilities(ctx context.Context, caps capability.Capabilities) error {
	if err := caps.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		s.bind(`DELETE FROM model_capabilities WHERE model_id = ?`), caps.ModelID); err != nil {
		return fmt.Errorf("failed to replace capabilities: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		s.bind(`INSERT INTO model_capabilities (model_id, payload, updated_at) VALUES (?, ?, ?)`),
		caps.ModelID, string(payload), time.Now(),
	); err != nil {
		return fmt.Errorf("failed to insert capabilities: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit capabilities: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadCapabilities(ctx context.Context) ([]capability.Capabilities, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM model_capabilities ORDER BY model_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load capabilities: %w", err)
	}
	defer rows.Close()

	var out []capability.Capabilities
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan capabilities: %w", err)
		}
		var caps capability.Capabilities
		if err := json.Unmarshal([]byte(payload), &caps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
		out = append(out, caps)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }
