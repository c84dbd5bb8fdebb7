package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/config"
	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/common/tracing"
	"github.com/claudebridge/claudebridge/internal/events"
	"github.com/claudebridge/claudebridge/internal/events/bus"
	"github.com/claudebridge/claudebridge/internal/persistence"
)

var (
	// ErrUnknownQueue is returned for operations on queues that do not exist.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrQueueBusy is returned when a run is requested while one is active.
	ErrQueueBusy = errors.New("queue run already in progress")

	// ErrNoActiveRun is returned by Cancel when nothing is running.
	ErrNoActiveRun = errors.New("no active run for queue")

	// ErrEmptyDescription rejects blank task descriptions.
	ErrEmptyDescription = errors.New("task description is empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue manager closed")
)

// Executor runs one task description inside a project session. The session
// registry satisfies this.
type Executor interface {
	ExecuteInProject(ctx context.Context, project, command string) (string, error)
}

// state is one named queue: its backlog, bounded history, and run flags.
// All fields are guarded by the manager mutex.
type state struct {
	name    string
	pending *pending
	history []*Task
	current *Task
	paused  bool
	running bool
	cancel  context.CancelFunc
}

// Manager owns all named task queues. Runs execute sequentially within a
// queue; different queues may run in parallel. State persists to
// queues.json with debounced atomic writes.
type Manager struct {
	cfg    *config.Config
	exec   Executor
	bus    bus.EventBus
	logger *logger.Logger
	saver  *persistence.Saver

	mu     sync.Mutex
	queues map[string]*state
	closed bool

	wg sync.WaitGroup
}

// NewManager loads queues.json from the data directory and returns a ready
// manager. A corrupt file is quarantined and the manager starts empty; any
// task recorded as running is put back to pending.
func NewManager(cfg *config.Config, exec Executor, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		exec:   exec,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "queue-manager")),
		queues: make(map[string]*state),
	}

	path := cfg.Data.QueuesFile()
	if err := m.load(path); err != nil {
		return nil, err
	}

	debounce := cfg.Queues.PersistDebounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	m.saver = persistence.NewSaver(path, debounce, m.snapshot, log)
	return m, nil
}

const storeVersion = 1

type storeDoc struct {
	Version int                 `json:"version"`
	Queues  map[string]queueDoc `json:"queues"`
}

type queueDoc struct {
	Pending []Task `json:"pending"`
	History []Task `json:"history"`
}

func (m *Manager) load(path string) error {
	var doc storeDoc
	err := persistence.LoadJSON(path, &doc)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		var cerr *persistence.CorruptError
		if !errors.As(err, &cerr) {
			return err
		}
		q, qerr := persistence.Quarantine(path)
		if qerr != nil {
			return qerr
		}
		m.logger.Warn("queues file corrupt, starting fresh",
			zap.String("quarantined", q), zap.Error(err))
		return nil
	}

	for name, qd := range doc.Queues {
		st := m.getOrCreateLocked(name)
		for i := range qd.Pending {
			t := qd.Pending[i]
			m.rehydrate(st, &t)
		}
		for i := range qd.History {
			t := qd.History[i]
			m.rehydrate(st, &t)
		}
		m.trimHistoryLocked(st)
	}
	m.logger.Info("queues loaded", zap.Int("queues", len(m.queues)))
	return nil
}

// rehydrate routes a loaded task back into the backlog or the history. A
// crash mid-run leaves a task marked running; that is indistinguishable
// from a cancellation, so it goes back to pending.
func (m *Manager) rehydrate(st *state, t *Task) {
	switch t.Status {
	case StatusPending, StatusRunning:
		t.Status = StatusPending
		t.StartedAt = nil
		st.pending.push(t)
	default:
		st.history = append(st.history, t)
	}
}

func (m *Manager) snapshot() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := storeDoc{Version: storeVersion, Queues: make(map[string]queueDoc, len(m.queues))}
	for name, st := range m.queues {
		qd := queueDoc{Pending: st.pending.list(), History: make([]Task, 0, len(st.history))}
		if st.current != nil {
			qd.Pending = append([]Task{st.current.clone()}, qd.Pending...)
		}
		for _, t := range st.history {
			qd.History = append(qd.History, t.clone())
		}
		doc.Queues[name] = qd
	}
	return doc
}

// Add enqueues a task. The queue is created on first use.
func (m *Manager) Add(queueName, project, description string, priority int) (Task, error) {
	if strings.TrimSpace(queueName) == "" {
		return Task{}, fmt.Errorf("%w: empty name", ErrUnknownQueue)
	}
	if strings.TrimSpace(description) == "" {
		return Task{}, ErrEmptyDescription
	}

	t := newTask(queueName, project, description, priority)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Task{}, ErrClosed
	}
	st := m.getOrCreateLocked(queueName)
	st.pending.push(t)
	snap := t.clone()
	m.mu.Unlock()

	m.saver.Request()
	m.publishTask(events.TaskQueued, snap)
	m.logger.Info("task queued",
		zap.String("task_id", snap.ID),
		zap.String("queue", queueName),
		zap.String("project", project),
		zap.Int("priority", priority))
	return snap, nil
}

// Run drains the queue's backlog through the executor, one task at a time.
// Each finished task is delivered on the returned channel as a snapshot;
// the channel closes when the run stops (backlog empty, first unretryable
// failure, or cancellation). At most one run per queue. The caller must
// drain the channel: the run blocks between deliveries.
func (m *Manager) Run(ctx context.Context, name string) (<-chan Task, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	st, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	if st.running {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrQueueBusy, name)
	}
	st.running = true
	st.paused = false
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	pendingCount := st.pending.len()
	m.mu.Unlock()

	results := make(chan Task, 1)
	m.wg.Add(1)
	go m.runQueue(runCtx, cancel, st, results)

	m.publishQueue(events.QueueRunStarted, events.QueueEventData{Queue: name, Pending: pendingCount})
	m.logger.Info("queue run started",
		zap.String("queue", name), zap.Int("pending", pendingCount))
	return results, nil
}

func (m *Manager) runQueue(ctx context.Context, cancel context.CancelFunc, st *state, results chan<- Task) {
	defer m.wg.Done()
	defer close(results)
	defer cancel()

	timeout := m.cfg.Queues.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	maxRetries := m.cfg.Queues.MaxRetries

	var completed, failed, cancelled int

	for ctx.Err() == nil {
		m.mu.Lock()
		t := st.pending.pop()
		if t == nil {
			m.mu.Unlock()
			break
		}
		st.current = t
		t.start()
		snap := t.clone()
		m.mu.Unlock()

		m.saver.Request()
		m.publishTask(events.TaskStarted, snap)
		m.logger.Info("task started",
			zap.String("task_id", snap.ID),
			zap.String("queue", st.name),
			zap.String("description", snap.Description))

		tctx, tcancel := context.WithTimeout(ctx, timeout)
		execCtx, span := tracing.Tracer("claudebridge-queue").Start(tctx, "queue.task.execute")
		span.SetAttributes(
			attribute.String("task_id", snap.ID),
			attribute.String("queue", st.name),
			attribute.String("project", snap.Project),
		)
		out, err := m.exec.ExecuteInProject(execCtx, t.Project, t.Description)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		timedOut := tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		tcancel()

		stop := false
		m.mu.Lock()
		st.current = nil
		switch {
		case err == nil:
			t.complete(out)
			m.appendHistoryLocked(st, t)
			completed++
		case ctx.Err() != nil:
			t.cancel()
			m.appendHistoryLocked(st, t)
			cancelled++
			stop = true
		case t.RetryCount < maxRetries:
			t.requeue()
			st.pending.push(t)
		default:
			msg := err.Error()
			if timedOut {
				msg = fmt.Sprintf("task timed out after %s", timeout)
			}
			t.fail(msg)
			m.appendHistoryLocked(st, t)
			st.paused = true
			failed++
			stop = true
		}
		snap = t.clone()
		m.mu.Unlock()

		m.saver.Request()

		switch snap.Status {
		case StatusCompleted:
			m.publishTask(events.TaskCompleted, snap)
			m.logger.Info("task completed", zap.String("task_id", snap.ID), zap.String("queue", st.name))
		case StatusFailed:
			m.publishTask(events.TaskFailed, snap)
			m.publishQueue(events.QueuePaused, events.QueueEventData{Queue: st.name, Reason: snap.Error})
			m.logger.Warn("task failed, queue paused",
				zap.String("task_id", snap.ID),
				zap.String("queue", st.name),
				zap.String("error", snap.Error))
		case StatusCancelled:
			m.publishTask(events.TaskCancelled, snap)
			m.logger.Info("task cancelled", zap.String("task_id", snap.ID), zap.String("queue", st.name))
		case StatusPending:
			m.logger.Info("task retrying",
				zap.String("task_id", snap.ID),
				zap.String("queue", st.name),
				zap.Int("retry", snap.RetryCount))
			continue
		}

		results <- snap

		if stop {
			break
		}
	}

	m.mu.Lock()
	st.running = false
	st.cancel = nil
	remaining := st.pending.len()
	m.mu.Unlock()

	m.saver.Request()
	m.publishQueue(events.QueueRunFinished, events.QueueEventData{
		Queue:     st.name,
		Pending:   remaining,
		Completed: completed,
		Failed:    failed,
		Cancelled: cancelled,
	})
	m.logger.Info("queue run finished",
		zap.String("queue", st.name),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled),
		zap.Int("remaining", remaining))
}

// Cancel stops the queue's active run. The in-flight task is marked
// cancelled.
func (m *Manager) Cancel(name string) error {
	m.mu.Lock()
	st, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	cancel := st.cancel
	m.mu.Unlock()

	if cancel == nil {
		return fmt.Errorf("%w: %q", ErrNoActiveRun, name)
	}
	cancel()
	return nil
}

// Clear empties the queue's backlog, keeping history. A paused queue is
// unpaused.
func (m *Manager) Clear(name string) (int, error) {
	m.mu.Lock()
	st, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	n := st.pending.clear()
	st.paused = false
	m.mu.Unlock()

	m.saver.Request()
	m.publishQueue(events.QueueCleared, events.QueueEventData{Queue: name, Pending: n})
	m.logger.Info("queue cleared", zap.String("queue", name), zap.Int("removed", n))
	return n, nil
}

// QueueStatus is a point-in-time summary of one queue.
type QueueStatus struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Running   bool   `json:"running"`
	Paused    bool   `json:"paused"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Current   *Task  `json:"current,omitempty"`
	Tasks     []Task `json:"tasks,omitempty"`
	History   []Task `json:"history,omitempty"`
}

// Status returns the full status of one queue, including task snapshots.
func (m *Manager) Status(name string) (QueueStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.queues[name]
	if !ok {
		return QueueStatus{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	qs := m.statusLocked(st)
	qs.Tasks = st.pending.list()
	qs.History = make([]Task, 0, len(st.history))
	for _, t := range st.history {
		qs.History = append(qs.History, t.clone())
	}
	return qs, nil
}

// StatusAll returns summaries for every queue, sorted by name.
func (m *Manager) StatusAll() []QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueueStatus, 0, len(m.queues))
	for _, st := range m.queues {
		out = append(out, m.statusLocked(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) statusLocked(st *state) QueueStatus {
	qs := QueueStatus{
		Name:    st.name,
		Pending: st.pending.len(),
		Running: st.running,
		Paused:  st.paused,
	}
	if st.current != nil {
		c := st.current.clone()
		qs.Current = &c
	}
	for _, t := range st.history {
		switch t.Status {
		case StatusCompleted:
			qs.Completed++
		case StatusFailed:
			qs.Failed++
		case StatusCancelled:
			qs.Cancelled++
		}
	}
	return qs
}

// Names returns the known queue names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close cancels active runs, waits for them, and flushes queues.json.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var cancels []context.CancelFunc
	for _, st := range m.queues {
		if st.cancel != nil {
			cancels = append(cancels, st.cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
	return m.saver.Close()
}

func (m *Manager) getOrCreateLocked(name string) *state {
	st, ok := m.queues[name]
	if !ok {
		st = &state{name: name, pending: newPending()}
		m.queues[name] = st
	}
	return st
}

func (m *Manager) appendHistoryLocked(st *state, t *Task) {
	st.history = append(st.history, t)
	m.trimHistoryLocked(st)
}

func (m *Manager) trimHistoryLocked(st *state) {
	limit := m.cfg.Queues.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	if len(st.history) > limit {
		st.history = append([]*Task(nil), st.history[len(st.history)-limit:]...)
	}
}

func (m *Manager) publishTask(eventType string, t Task) {
	if m.bus == nil {
		return
	}
	data := events.TaskEventData{
		TaskID:  t.ID,
		Queue:   t.Queue,
		Project: t.Project,
		Status:  string(t.Status),
		Error:   t.Error,
	}
	ev := bus.NewEvent(eventType, events.SourceQueue, events.ToMap(data))
	if err := m.bus.Publish(context.Background(), eventType, ev); err != nil {
		m.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

func (m *Manager) publishQueue(eventType string, data events.QueueEventData) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, events.SourceQueue, events.ToMap(data))
	if err := m.bus.Publish(context.Background(), eventType, ev); err != nil {
		m.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
