package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/claude"
	"github.com/claudebridge/claudebridge/internal/common/config"
	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/events"
	"github.com/claudebridge/claudebridge/internal/events/bus"
	"github.com/claudebridge/claudebridge/internal/project"
)

var (
	// ErrNoSession is returned when an operation needs a current session.
	ErrNoSession = errors.New("no active session")

	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrLimitExceeded is returned when the session cap is reached.
	ErrLimitExceeded = errors.New("session limit reached")
)

// oneShotTimeout bounds fresh-process executions.
const oneShotTimeout = 5 * time.Minute

// Handler is the subprocess surface the registry drives. *claude.Handler
// implements it; tests substitute fakes.
type Handler interface {
	Start(ctx context.Context) error
	Turn(ctx context.Context, text string) (<-chan claude.Chunk, error)
	Execute(ctx context.Context, text string) (string, error)
	Terminate(ctx context.Context) error
	Health() claude.Health
	State() claude.State
	SessionID() string
}

// HandlerFactory builds the handler for a new session.
type HandlerFactory func(opts claude.Options) Handler

// Registry owns all live sessions: one per project, capped, idle-reaped.
type Registry struct {
	cfg      *config.Config
	projects *project.Set
	factory  HandlerFactory
	bus      bus.EventBus
	store    *Store
	logger   *logger.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	byProject map[string]string
	currentID string
	avail     func(projectName string) bool

	// createMu serializes find-or-create so two switches cannot race a
	// project into two sessions.
	createMu sync.Mutex

	slots chan struct{}

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates a registry. A nil factory means real claude handlers;
// store and eventBus may be nil in tests.
func NewRegistry(cfg *config.Config, projects *project.Set, store *Store, eventBus bus.EventBus, factory HandlerFactory, log *logger.Logger) *Registry {
	l := log.WithFields(zap.String("component", "session-registry"))
	if factory == nil {
		factory = func(opts claude.Options) Handler {
			return claude.NewHandler(opts, l)
		}
	}
	max := cfg.Sessions.MaxSessions
	if max <= 0 {
		max = 10
	}
	return &Registry{
		cfg:       cfg,
		projects:  projects,
		factory:   factory,
		bus:       eventBus,
		store:     store,
		logger:    l,
		sessions:  make(map[string]*Session),
		byProject: make(map[string]string),
		slots:     make(chan struct{}, max),
	}
}

// Start launches the idle reaper.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return nil
	}
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.reapLoop(ctx)
	r.running = true
	r.logger.Info("session registry started",
		zap.Int("max_sessions", cap(r.slots)),
		zap.Duration("idle_timeout", r.cfg.Sessions.IdleTimeout))
	return nil
}

// Stop terminates every session and flushes the store.
func (r *Registry) Stop(ctx context.Context) error {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return nil
	}
	close(r.stopCh)
	r.running = false
	r.runMu.Unlock()
	r.wg.Wait()

	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		if err := r.Terminate(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("terminating session on shutdown",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

// Switch makes the named project's session current, creating it if needed.
// A recreated session resumes the recorded conversation when a fresh
// enough hint exists. Reports whether a new session was created.
func (r *Registry) Switch(ctx context.Context, projectName string) (*Session, bool, error) {
	p, err := r.projects.Lookup(projectName)
	if err != nil {
		return nil, false, err
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if s := r.liveSession(p.Name); s != nil {
		r.mu.Lock()
		r.currentID = s.ID
		r.mu.Unlock()
		s.touch()
		if r.store != nil {
			r.store.SetCurrent(p.Name)
		}
		r.publish(events.SessionSwitched, events.SessionEventData{SessionID: s.ID, Project: p.Name})
		r.logger.Info("switched session",
			zap.String("session_id", s.ID), zap.String("project", p.Name))
		return s, false, nil
	}

	resume := ""
	if r.store != nil {
		resume = r.store.ResumeHint(p.Name, r.cfg.Sessions.IdleTimeout)
	}
	s, err := r.create(ctx, p, resume, true)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// NewSession starts a fresh conversation for the project, terminating any
// existing session for it. Empty projectName means the current project.
// The new session never resumes an old conversation.
func (r *Registry) NewSession(ctx context.Context, projectName string) (*Session, error) {
	if projectName == "" {
		cur := r.Current()
		if cur == nil {
			return nil, ErrNoSession
		}
		projectName = cur.Project.Name
	}
	p, err := r.projects.Lookup(projectName)
	if err != nil {
		return nil, err
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	r.mu.RLock()
	oldID, had := r.byProject[p.Name]
	r.mu.RUnlock()
	if had {
		if err := r.Terminate(ctx, oldID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	return r.create(ctx, p, "", true)
}

// EnsureSession returns the project's live session, creating one without
// making it current. Queue tasks run through here so background work does
// not steal the user's current session.
func (r *Registry) EnsureSession(ctx context.Context, projectName string) (*Session, error) {
	p, err := r.projects.Lookup(projectName)
	if err != nil {
		return nil, err
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if s := r.liveSession(p.Name); s != nil {
		return s, nil
	}
	resume := ""
	if r.store != nil {
		resume = r.store.ResumeHint(p.Name, r.cfg.Sessions.IdleTimeout)
	}
	return r.create(ctx, p, resume, false)
}

// liveSession returns the project's session if its handler is usable. A
// dead handler is removed so the caller can recreate with a resume hint.
func (r *Registry) liveSession(projectName string) *Session {
	r.mu.RLock()
	id, ok := r.byProject[projectName]
	s := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s == nil {
		return nil
	}

	switch s.State() {
	case claude.StateError, claude.StateTerminated:
		r.logger.Warn("dropping dead session",
			zap.String("session_id", s.ID),
			zap.String("project", projectName),
			zap.String("state", string(s.State())))
		if err := r.Terminate(context.Background(), s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("cleanup of dead session failed", zap.Error(err))
		}
		return nil
	}
	return s
}

func (r *Registry) create(ctx context.Context, p project.Project, resumeID string, makeCurrent bool) (*Session, error) {
	select {
	case r.slots <- struct{}{}:
	default:
		return nil, fmt.Errorf("%w (max %d)", ErrLimitExceeded, cap(r.slots))
	}

	h := r.factory(r.handlerOptions(p, resumeID))
	if err := h.Start(ctx); err != nil {
		<-r.slots
		r.publish(events.HandlerError, events.SessionEventData{Project: p.Name, Error: err.Error()})
		return nil, fmt.Errorf("starting claude for project %q: %w", p.Name, err)
	}

	s := newSession(uuid.New().String(), p, h)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.byProject[p.Name] = s.ID
	if makeCurrent || r.currentID == "" {
		r.currentID = s.ID
	}
	r.mu.Unlock()

	r.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("project", p.Name),
		zap.Bool("resumed", resumeID != ""))
	r.publish(events.SessionCreated, events.SessionEventData{SessionID: s.ID, Project: p.Name})
	r.publish(events.HandlerStarted, events.SessionEventData{SessionID: s.ID, Project: p.Name})
	r.persist(s)
	if makeCurrent && r.store != nil {
		r.store.SetCurrent(p.Name)
	}
	return s, nil
}

func (r *Registry) handlerOptions(p project.Project, resumeID string) claude.Options {
	c := r.cfg.Claude
	return claude.Options{
		CLIPath:      c.CLIPath,
		DefaultArgs:  c.DefaultArgs,
		OutputFormat: c.OutputFormat,
		Model:        c.Model,
		WorkDir:      p.Path,
		ResumeID:     resumeID,
		StartupProbe: c.StartupProbe,
		InputMax:     c.InputMax,
		StderrRing:   c.StderrRing,
		GracePeriod:  c.GracePeriod,
		QuietWindow:  c.QuietWindow,
		ChunkBuffer:  c.ChunkBuffer,
	}
}

// SetAvailability installs the probe consulted before each send. A nil
// probe treats every project as available.
func (r *Registry) SetAvailability(probe func(projectName string) bool) {
	r.mu.Lock()
	r.avail = probe
	r.mu.Unlock()
}

func (r *Registry) projectAvailable(name string) bool {
	r.mu.RLock()
	probe := r.avail
	r.mu.RUnlock()
	return probe == nil || probe(name)
}

// dropUnavailable closes a session whose project directory went missing,
// so the caller's failed send leaves no live process behind.
func (r *Registry) dropUnavailable(ctx context.Context, s *Session) {
	r.logger.Warn("project directory missing, closing session",
		zap.String("session_id", s.ID), zap.String("project", s.Project.Name))
	if err := r.Terminate(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("closing session for missing project", zap.Error(err))
	}
}

// Current returns the current session, or nil.
func (r *Registry) Current() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.currentID == "" {
		return nil
	}
	return r.sessions[r.currentID]
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns session summaries, most recently active first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	current := r.currentID
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info(s.ID == current))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActive.After(infos[j].LastActive)
	})
	return infos
}

// Send routes text to the current session as one turn and returns its
// chunk stream. The conversation log and activity clock update as the
// turn flows.
func (r *Registry) Send(ctx context.Context, text string) (<-chan claude.Chunk, error) {
	s := r.Current()
	if s == nil {
		return nil, ErrNoSession
	}
	return r.sendTurn(ctx, s, text)
}

func (r *Registry) sendTurn(ctx context.Context, s *Session, text string) (<-chan claude.Chunk, error) {
	if !r.projectAvailable(s.Project.Name) {
		r.dropUnavailable(ctx, s)
		return nil, fmt.Errorf("%w: %q", project.ErrUnavailable, s.Project.Name)
	}
	ch, err := s.handler.Turn(ctx, text)
	if err != nil {
		return nil, err
	}
	s.appendEntry("user", text)
	s.touch()

	out := make(chan claude.Chunk, 1)
	go func() {
		defer close(out)
		var sb strings.Builder
		for c := range ch {
			sb.WriteString(c.Text)
			select {
			case out <- c:
			case <-ctx.Done():
				// Consumer left; keep draining for the log.
			}
		}
		if reply := sb.String(); reply != "" {
			s.appendEntry("assistant", reply)
		}
		s.touch()
		r.persist(s)
	}()
	return out, nil
}

// ExecuteInProject runs one command in the project's session, creating it
// if needed, and returns the collected output. Queue tasks run through
// here so they share the project's conversation.
func (r *Registry) ExecuteInProject(ctx context.Context, projectName, command string) (string, error) {
	s, err := r.EnsureSession(ctx, projectName)
	if err != nil {
		return "", err
	}
	if !r.projectAvailable(s.Project.Name) {
		r.dropUnavailable(ctx, s)
		return "", fmt.Errorf("%w: %q", project.ErrUnavailable, s.Project.Name)
	}
	s.appendEntry("user", command)
	s.touch()

	out, err := s.handler.Execute(ctx, command)
	if out != "" {
		s.appendEntry("assistant", out)
	}
	s.touch()
	r.persist(s)
	return out, err
}

// ExecuteOneShot runs a prompt in a fresh CLI process for the project.
// The project's interactive session, if any, is untouched.
func (r *Registry) ExecuteOneShot(ctx context.Context, projectName, prompt string) (string, error) {
	p, err := r.projects.Lookup(projectName)
	if err != nil {
		return "", err
	}
	c := r.cfg.Claude
	return claude.RunOneShot(ctx, r.logger, claude.OneShot{
		CLIPath:     c.CLIPath,
		DefaultArgs: c.DefaultArgs,
		Model:       c.Model,
		WorkDir:     p.Path,
		Prompt:      prompt,
		Timeout:     oneShotTimeout,
	})
}

// Terminate ends a session and removes it. The persisted record survives
// as the project's resume hint.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	if r.byProject[s.Project.Name] == id {
		delete(r.byProject, s.Project.Name)
	}
	wasCurrent := r.currentID == id
	if wasCurrent {
		r.currentID = ""
		var best *Session
		for _, other := range r.sessions {
			if best == nil || other.LastActive().After(best.LastActive()) {
				best = other
			}
		}
		if best != nil {
			r.currentID = best.ID
		}
	}
	currentProject := ""
	if r.currentID != "" {
		if cur := r.sessions[r.currentID]; cur != nil {
			currentProject = cur.Project.Name
		}
	}
	r.mu.Unlock()

	err := s.handler.Terminate(ctx)
	<-r.slots

	r.persist(s)
	if wasCurrent && r.store != nil {
		r.store.SetCurrent(currentProject)
	}
	r.publish(events.SessionTerminated, events.SessionEventData{SessionID: s.ID, Project: s.Project.Name})
	r.logger.Info("session terminated",
		zap.String("session_id", s.ID), zap.String("project", s.Project.Name))
	return err
}

// TerminateCurrent ends the current session, returning it for reporting.
func (r *Registry) TerminateCurrent(ctx context.Context) (*Session, error) {
	s := r.Current()
	if s == nil {
		return nil, ErrNoSession
	}
	return s, r.Terminate(ctx, s.ID)
}

func (r *Registry) reapLoop(ctx context.Context) {
	defer r.wg.Done()
	// A panicking pass is logged and the loop restarted; only a clean stop
	// ends it.
	for {
		if r.reapUntilStopped(ctx) {
			return
		}
	}
}

func (r *Registry) reapUntilStopped(ctx context.Context) (stopped bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("session reaper panic, restarting", zap.Any("panic", rec))
			stopped = false
		}
	}()

	interval := r.cfg.Sessions.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-r.stopCh:
			return true
		case <-ticker.C:
			r.reapIdle(context.Background())
		}
	}
}

// reapIdle terminates sessions idle beyond the configured timeout and
// returns how many were reaped.
func (r *Registry) reapIdle(ctx context.Context) int {
	timeout := r.cfg.Sessions.IdleTimeout
	if timeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var victims []*Session
	for _, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			victims = append(victims, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range victims {
		r.logger.Info("reaping idle session",
			zap.String("session_id", s.ID),
			zap.String("project", s.Project.Name),
			zap.Duration("idle", time.Since(s.LastActive())))
		if err := r.Terminate(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("failed to reap session", zap.Error(err))
			continue
		}
		r.publish(events.SessionReaped, events.SessionEventData{
			SessionID: s.ID, Project: s.Project.Name, Reason: "idle",
		})
	}
	return len(victims)
}

func (r *Registry) persist(s *Session) {
	if r.store == nil {
		return
	}
	r.store.Upsert(Record{
		Project:    s.Project.Name,
		Path:       s.Project.Path,
		SessionID:  s.ID,
		ExternalID: s.handler.SessionID(),
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive(),
	})
}

func (r *Registry) publish(eventType string, data events.SessionEventData) {
	if r.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, events.SourceRegistry, events.ToMap(data))
	if err := r.bus.Publish(context.Background(), eventType, ev); err != nil {
		r.logger.Debug("event publish failed",
			zap.String("type", eventType), zap.Error(err))
	}
}
