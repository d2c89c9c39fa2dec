package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
)

func openLocal(t *testing.T, dir string) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLocalStoreMessageHistory(t *testing.T) {
	s := openLocal(t, t.TempDir())
	ctx := context.Background()

	for i, content := range []string{"hi", "hello", "bye"} {
		require.NoError(t, s.SaveMessage(ctx, activity.Message{
			ID:        string(rune('a' + i)),
			SessionID: "s1",
			Role:      activity.RoleUser,
			Content:   content,
			Timestamp: time.Now(),
		}))
	}

	history, err := s.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "hi", history[0].Content)

	tail, err := s.History(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "hello", tail[0].Content)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].MessageCount)
}

func TestLocalStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openLocal(t, dir)
	require.NoError(t, s.SaveMessage(ctx, activity.Message{
		ID: "m1", SessionID: "s1", Role: activity.RoleUser, Content: "persist me",
	}))
	require.NoError(t, s.SaveTemplate(ctx, Template{
		ID: "t1", Name: "Default Assistant", Category: "default",
		Content: "You are helpful.", IsDefault: true, IsActive: true,
	}))
	require.NoError(t, s.Close())

	reopened := openLocal(t, dir)
	history, err := reopened.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "persist me", history[0].Content)

	def, err := reopened.DefaultTemplate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Default Assistant", def.Name)
}

func TestLocalStoreSingleDefaultTemplate(t *testing.T) {
	s := openLocal(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.SaveTemplate(ctx, Template{
		ID: "t1", Name: "Old Default", Category: "default", IsDefault: true, IsActive: true,
	}))
	require.NoError(t, s.SaveTemplate(ctx, Template{
		ID: "t2", Name: "New Default", Category: "default", IsDefault: true, IsActive: true,
	}))

	def, err := s.DefaultTemplate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t2", def.ID)

	all, err := s.Templates(ctx)
	require.NoError(t, err)
	defaults := 0
	for _, tpl := range all {
		if tpl.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults, "at most one default+active template")
}

func TestLocalStoreDeleteSession(t *testing.T) {
	s := openLocal(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.SaveMessage(ctx, activity.Message{ID: "m1", SessionID: "s1", Role: activity.RoleUser}))
	require.NoError(t, s.DeleteSession(ctx, "s1"))

	history, err := s.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLocalStoreAssignmentPrecedence(t *testing.T) {
	s := openLocal(t, t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveAssignment(ctx, Assignment{
		UserID: "u1", TemplateID: "t-old", AssignedBy: "admin", Active: true, AssignedAt: base,
	}))
	require.NoError(t, s.SaveAssignment(ctx, Assignment{
		UserID: "u1", TemplateID: "t-new", AssignedBy: "admin", Active: true, AssignedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.SaveAssignment(ctx, Assignment{
		GroupID: "eng", TemplateID: "t-eng", AssignedBy: "admin", Active: true, AssignedAt: base,
	}))
	require.NoError(t, s.SaveAssignment(ctx, Assignment{
		GroupID: "ops", TemplateID: "t-ops", AssignedBy: "admin", Active: true, AssignedAt: base.Add(2 * time.Hour),
	}))

	ua, err := s.UserAssignment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "t-new", ua.TemplateID, "most recent user assignment wins")

	ga, err := s.GroupAssignment(ctx, []string{"eng", "ops"})
	require.NoError(t, err)
	assert.Equal(t, "t-ops", ga.TemplateID, "group tie-break by assignedAt desc")

	_, err = s.UserAssignment(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreAssignmentTargetValidation(t *testing.T) {
	s := openLocal(t, t.TempDir())
	ctx := context.Background()

	err := s.SaveAssignment(ctx, Assignment{TemplateID: "t1"})
	assert.Error(t, err, "neither user nor group")

	err = s.SaveAssignment(ctx, Assignment{TemplateID: "t1", UserID: "u1", GroupID: "g1"})
	assert.Error(t, err, "both user and group")
}

func TestLocalStoreUsersAndCapabilities(t *testing.T) {
	s := openLocal(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, UserInfo{ID: "u1", IsAdmin: true, Groups: []string{"admins"}}))
	u, err := s.User(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin)

	_, err = s.User(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCapabilities(ctx, capability.Capabilities{
		ModelID:          "claude-test",
		Family:           "anthropic",
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
		SupportsTools:    true,
	}))
	caps, err := s.LoadCapabilities(ctx)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "claude-test", caps[0].ModelID)

	err = s.SaveCapabilities(ctx, capability.Capabilities{ModelID: ""})
	assert.Error(t, err, "invalid capabilities are rejected")
}

func TestSQLBindRewritesPlaceholdersForPostgres(t *testing.T) {
	pg := &SQLStore{dialect: "postgres"}
	lite := &SQLStore{dialect: "sqlite"}

	q := `INSERT INTO t (a, b) VALUES (?, ?)`
	assert.Equal(t, `INSERT INTO t (a, b) VALUES ($1, $2)`, pg.bind(q))
	assert.Equal(t, q, lite.bind(q))
}
