package persistence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/logger"
)

// Saver coalesces save requests into debounced atomic writes. The snapshot
// callback must return a copy safe to marshal outside the owner's lock.
type Saver struct {
	path     string
	debounce time.Duration
	snapshot func() interface{}
	logger   *logger.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewSaver creates a saver for path. debounce bounds how stale the on-disk
// document can be after a change.
func NewSaver(path string, debounce time.Duration, snapshot func() interface{}, log *logger.Logger) *Saver {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Saver{
		path:     path,
		debounce: debounce,
		snapshot: snapshot,
		logger:   log.WithFields(zap.String("component", "saver"), zap.String("path", path)),
	}
}

// Request schedules a save. Requests landing inside an already scheduled
// window collapse into its write.
func (s *Saver) Request() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

func (s *Saver) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	if err := SaveJSON(s.path, s.snapshot()); err != nil {
		s.logger.Error("debounced save failed", zap.Error(err))
	}
}

// Flush writes synchronously, cancelling any pending debounce.
func (s *Saver) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return SaveJSON(s.path, s.snapshot())
}

// Close flushes pending state and stops the saver for good.
func (s *Saver) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return SaveJSON(s.path, s.snapshot())
}
