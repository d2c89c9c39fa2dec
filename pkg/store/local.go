package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
)

// maxLogSize rotates the JSONL log when the current segment reaches 10 MB.
const maxLogSize = 10 << 20

// LocalStore is an append-only JSONL backend for single-node deployments.
// Every write appends one record to the current log segment; the full state
// is replayed into memory on open, so reads never touch the disk.
type LocalStore struct {
	dir string

	mu       sync.RWMutex
	file     *os.File
	fileSize int64
	segment  int

	messages    map[string][]activity.Message
	sessions    map[string]*SessionInfo
	templates   map[string]Template
	assignments []Assignment
	users       map[string]UserInfo
	caps        map[string]capability.Capabilities
}

// localRecord is one log line. Exactly one payload field is set, selected by
// Kind.
type localRecord struct {
	Kind           string                   `json:"kind"`
	TS             time.Time                `json:"ts"`
	Message        *activity.Message        `json:"message,omitempty"`
	Template       *Template                `json:"template,omitempty"`
	Assignment     *Assignment              `json:"assignment,omitempty"`
	User           *UserInfo                `json:"user,omitempty"`
	Capabilities   *capability.Capabilities `json:"capabilities,omitempty"`
	DeletedSession string                   `json:"deletedSession,omitempty"`
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = filepath.Join(".", "data")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &LocalStore{
		dir:       dir,
		messages:  make(map[string][]activity.Message),
		sessions:  make(map[string]*SessionInfo),
		templates: make(map[string]Template),
		users:     make(map[string]UserInfo),
		caps:      make(map[string]capability.Capabilities),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) segments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "store-") && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) replay() error {
	names, err := s.segments()
	if err != nil {
		return err
	}
	for _, name := range names {
		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("failed to open log segment %s: %w", name, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec localRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				f.Close()
				return fmt.Errorf("corrupt log segment %s: %w", name, err)
			}
			s.apply(rec)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return fmt.Errorf("failed to read log segment %s: %w", name, err)
		}
		f.Close()
	}
	s.segment = len(names)
	return nil
}

func (s *LocalStore) apply(rec localRecord) {
	switch rec.Kind {
	case "message":
		if rec.Message == nil {
			return
		}
		msg := *rec.Message
		s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
		info := s.sessions[msg.SessionID]
		if info == nil {
			info = &SessionInfo{ID: msg.SessionID, CreatedAt: rec.TS}
			s.sessions[msg.SessionID] = info
		}
		info.MessageCount++
		info.UpdatedAt = rec.TS
	case "template":
		if rec.Template == nil {
			return
		}
		t := *rec.Template
		if t.IsDefault && t.IsActive {
			for id, other := range s.templates {
				if id != t.ID && other.IsDefault {
					other.IsDefault = false
					s.templates[id] = other
				}
			}
		}
		s.templates[t.ID] = t
	case "assignment":
		if rec.Assignment != nil {
			s.assignments = append(s.assignments, *rec.Assignment)
		}
	case "user":
		if rec.User != nil {
			s.users[rec.User.ID] = *rec.User
		}
	case "capabilities":
		if rec.Capabilities != nil {
			s.caps[rec.Capabilities.ModelID] = *rec.Capabilities
		}
	case "session_deleted":
		delete(s.messages, rec.DeletedSession)
		delete(s.sessions, rec.DeletedSession)
	}
}

func (s *LocalStore) openSegment() error {
	name := filepath.Join(s.dir, fmt.Sprintf("store-%05d.jsonl", s.segment))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log segment: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log segment: %w", err)
	}
	s.file = f
	s.fileSize = stat.Size()
	return nil
}

// append writes one record and applies it to the in-memory state. Callers
// hold the write lock.
func (s *LocalStore) append(rec localRecord) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	line = append(line, '\n')

	if s.fileSize+int64(len(line)) > maxLogSize {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("failed to rotate log segment: %w", err)
		}
		s.segment++
		if err := s.openSegment(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(line)
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	s.fileSize += int64(n)
	s.apply(rec)
	return nil
}

func (s *LocalStore) SaveMessage(ctx context.Context, msg activity.Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("message session id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(localRecord{Kind: "message", Message: &msg})
}

func (s *LocalStore) History(ctx context.Context, sessionID string, limit int) ([]activity.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]activity.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *LocalStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *LocalStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(localRecord{Kind: "session_deleted", DeletedSession: sessionID})
}

func (s *LocalStore) Templates(ctx context.Context) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *LocalStore) TemplateByName(ctx context.Context, name string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templates {
		if t.Name == name && t.IsActive {
			tt := t
			return &tt, nil
		}
	}
	return nil, ErrNotFound
}

func (s *LocalStore) DefaultTemplate(ctx context.Context) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templates {
		if t.IsDefault && t.IsActive {
			tt := t
			return &tt, nil
		}
	}
	return nil, ErrNotFound
}

func (s *LocalStore) SaveTemplate(ctx context.Context, t Template) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("template id and name are required")
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(localRecord{Kind: "template", Template: &t})
}

func (s *LocalStore) UserAssignment(ctx context.Context, userID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Assignment
	for i := range s.assignments {
		a := s.assignments[i]
		if !a.Active || a.UserID != userID {
			continue
		}
		if best == nil || a.AssignedAt.After(best.AssignedAt) {
			aa := a
			best = &aa
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *LocalStore) GroupAssignment(ctx context.Context, groups []string) (*Assignment, error) {
	if len(groups) == 0 {
		return nil, ErrNotFound
	}
	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Assignment
	for i := range s.assignments {
		a := s.assignments[i]
		if !a.Active || !member[a.GroupID] {
			continue
		}
		if best == nil || a.AssignedAt.After(best.AssignedAt) {
			aa := a
			best = &aa
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *LocalStore) SaveAssignment(ctx context.Context, a Assignment) error {
	if a.TemplateID == "" {
		return fmt.Errorf("assignment template id is required")
	}
	if (a.UserID == "") == (a.GroupID == "") {
		return fmt.Errorf("assignment must target exactly one of user or group")
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(localRecord{Kind: "assignment", Assignment: &a})
}

func (s *LocalStore) User(ctx context.Context, userID string) (*UserInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *LocalStore) SaveUser(ctx context.Context, u UserInfo) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(localRecord{Kind: "user", User: &u})
}

func (s *LocalStore) SaveCapabilities(ctx context.Context, caps capability.Capabilities) error {
	if err := caps.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(localRecord{Kind: "capabilities", Capabilities: &caps})
}

func (s *LocalStore) LoadCapabilities(ctx context.Context) ([]capability.Capabilities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capability.Capabilities, 0, len(s.caps))
	for _, c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
