// Package session manages the registry of live Claude sessions: one per
// project, capped, idle-reaped, and persisted across restarts as resume
// hints.
package session

import (
	"sync"
	"time"

	"github.com/claudebridge/claudebridge/internal/claude"
	"github.com/claudebridge/claudebridge/internal/project"
)

// conversationLimit bounds the in-memory conversation log per session.
const conversationLimit = 200

// ConversationEntry is one message in a session's conversation log.
type ConversationEntry struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is one live Claude conversation bound to a project.
type Session struct {
	ID        string
	Project   project.Project
	CreatedAt time.Time

	handler Handler

	mu         sync.Mutex
	lastActive time.Time
	log        []ConversationEntry
}

func newSession(id string, p project.Project, h Handler) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Project:    p,
		CreatedAt:  now,
		handler:    h,
		lastActive: now,
	}
}

// LastActive returns the time of the last user or assistant activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) appendEntry(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, ConversationEntry{Role: role, Text: text, At: time.Now()})
	if over := len(s.log) - conversationLimit; over > 0 {
		s.log = append(s.log[:0:0], s.log[over:]...)
	}
}

// Conversation returns a copy of the session's conversation log.
func (s *Session) Conversation() []ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationEntry, len(s.log))
	copy(out, s.log)
	return out
}

// State returns the handler lifecycle state.
func (s *Session) State() claude.State {
	return s.handler.State()
}

// Health returns the handler health snapshot.
func (s *Session) Health() claude.Health {
	return s.handler.Health()
}

// Info is a read-only session summary for listings and the ops surface.
type Info struct {
	ID         string        `json:"id"`
	Project    string        `json:"project"`
	Path       string        `json:"path"`
	State      claude.State  `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
	Current    bool          `json:"current"`
	Messages   int           `json:"messages"`
	Health     claude.Health `json:"health"`
}

func (s *Session) info(current bool) Info {
	s.mu.Lock()
	lastActive := s.lastActive
	messages := len(s.log)
	s.mu.Unlock()

	return Info{
		ID:         s.ID,
		Project:    s.Project.Name,
		Path:       s.Project.Path,
		State:      s.handler.State(),
		CreatedAt:  s.CreatedAt,
		LastActive: lastActive,
		Current:    current,
		Messages:   messages,
		Health:     s.handler.Health(),
	}
}
