// Package store persists chat history, prompt templates and assignments,
// user directory entries and capability overrides. Two backends implement
// the same façade: a relational one (postgres, mysql, sqlite) and a local
// JSONL log for single-node deployments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
	"github.com/agenticwork/activitycore/pkg/config"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// SessionInfo is one row of the session listing.
type SessionInfo struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Template is a stored system-prompt template. At most one template may be
// both default and active; category "admin" is security metadata and must
// never reach a non-administrator.
type Template struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Content    string    `json:"content"`
	IsDefault  bool      `json:"isDefault"`
	IsActive   bool      `json:"isActive"`
	OwnerScope string    `json:"ownerScope"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Assignment binds a template to a user or a group. Exactly one of UserID
// and GroupID is set.
type Assignment struct {
	UserID     string    `json:"userId,omitempty"`
	GroupID    string    `json:"groupId,omitempty"`
	TemplateID string    `json:"templateId"`
	AssignedBy string    `json:"assignedBy"`
	Active     bool      `json:"active"`
	AssignedAt time.Time `json:"assignedAt"`
}

// UserInfo is the directory record consulted by the administrator gate.
type UserInfo struct {
	ID      string   `json:"id"`
	IsAdmin bool     `json:"isAdmin"`
	Groups  []string `json:"groups,omitempty"`
}

// Store is the persistence façade. It doubles as the capability override
// store for the capability registry.
type Store interface {
	SaveMessage(ctx context.Context, msg activity.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]activity.Message, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error

	Templates(ctx context.Context) ([]Template, error)
	TemplateByName(ctx context.Context, name string) (*Template, error)
	DefaultTemplate(ctx context.Context) (*Template, error)
	SaveTemplate(ctx context.Context, t Template) error

	UserAssignment(ctx context.Context, userID string) (*Assignment, error)
	GroupAssignment(ctx context.Context, groups []string) (*Assignment, error)
	SaveAssignment(ctx context.Context, a Assignment) error

	User(ctx context.Context, userID string) (*UserInfo, error)
	SaveUser(ctx context.Context, u UserInfo) error

	capability.Store

	Close() error
}

// Open builds the backend selected by the configuration.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.Dir)
	case "postgres", "mysql", "sqlite":
		driver := cfg.Backend
		if driver == "sqlite" {
			driver = "sqlite3"
		}
		db, err := sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to %s store: %w", cfg.Backend, err)
		}
		return NewSQLStore(db, cfg.Backend)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
