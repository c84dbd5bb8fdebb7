package session

import (
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/persistence"
)

// Record is the persisted trace of a project's session. Records outlive
// the process they describe: the external id is the resume hint a later
// switch hands back to the CLI.
type Record struct {
	Project    string    `json:"project"`
	Path       string    `json:"path"`
	SessionID  string    `json:"session_id"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

const storeVersion = 1

type storeDoc struct {
	Version        int      `json:"version"`
	CurrentProject string   `json:"current_project,omitempty"`
	Sessions       []Record `json:"sessions"`
}

// Store persists session records to sessions.json with debounced atomic
// writes.
type Store struct {
	logger *logger.Logger
	saver  *persistence.Saver

	mu  sync.Mutex
	doc storeDoc
}

// OpenStore loads sessions.json from path. A corrupt file is quarantined
// and the store starts empty.
func OpenStore(path string, debounce time.Duration, log *logger.Logger) (*Store, error) {
	s := &Store{logger: log.WithFields(zap.String("component", "session-store"))}

	var doc storeDoc
	err := persistence.LoadJSON(path, &doc)
	switch {
	case err == nil:
		s.doc = doc
	case errors.Is(err, os.ErrNotExist):
		// First run.
	default:
		var cerr *persistence.CorruptError
		if errors.As(err, &cerr) {
			q, qerr := persistence.Quarantine(path)
			if qerr != nil {
				return nil, qerr
			}
			s.logger.Warn("sessions file corrupt, starting fresh",
				zap.String("quarantined", q), zap.Error(err))
		} else {
			return nil, err
		}
	}

	s.saver = persistence.NewSaver(path, debounce, s.snapshot, log)
	return s, nil
}

func (s *Store) snapshot() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := storeDoc{Version: storeVersion, CurrentProject: s.doc.CurrentProject}
	doc.Sessions = make([]Record, len(s.doc.Sessions))
	copy(doc.Sessions, s.doc.Sessions)
	return doc
}

// Upsert records the latest state of a project's session.
func (s *Store) Upsert(rec Record) {
	s.mu.Lock()
	replaced := false
	for i := range s.doc.Sessions {
		if s.doc.Sessions[i].Project == rec.Project {
			s.doc.Sessions[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Sessions = append(s.doc.Sessions, rec)
	}
	s.mu.Unlock()
	s.saver.Request()
}

// SetCurrent remembers which project the user was driving.
func (s *Store) SetCurrent(projectName string) {
	s.mu.Lock()
	s.doc.CurrentProject = projectName
	s.mu.Unlock()
	s.saver.Request()
}

// CurrentProject returns the project that was current when the store was
// last written.
func (s *Store) CurrentProject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CurrentProject
}

// ResumeHint returns the external conversation id recorded for a project,
// or empty when none exists or the record is older than maxAge.
func (s *Store) ResumeHint(projectName string, maxAge time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.doc.Sessions {
		if rec.Project != projectName {
			continue
		}
		if maxAge > 0 && time.Since(rec.LastActive) > maxAge {
			return ""
		}
		return rec.ExternalID
	}
	return ""
}

// Records returns a copy of all persisted session records.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.doc.Sessions))
	copy(out, s.doc.Sessions)
	return out
}

// Flush writes pending changes immediately.
func (s *Store) Flush() error {
	return s.saver.Flush()
}

// Close flushes and stops the store.
func (s *Store) Close() error {
	return s.saver.Close()
}
