package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudebridge/claudebridge/internal/claude"
	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/cron"
	"github.com/claudebridge/claudebridge/internal/project"
	"github.com/claudebridge/claudebridge/internal/queue"
	"github.com/claudebridge/claudebridge/internal/session"
)

type fakeSessions struct {
	current    *session.Session
	infos      []session.Info
	switchErr  error
	newErr     error
	sendErr    error
	quitErr    error
	created    bool
	switched   []string
	fresh      []string
	sent       []string
	stream     chan claude.Chunk
	terminated int
}

func (f *fakeSessions) Switch(_ context.Context, name string) (*session.Session, bool, error) {
	if f.switchErr != nil {
		return nil, false, f.switchErr
	}
	f.switched = append(f.switched, name)
	s := &session.Session{ID: "s1", Project: project.Project{Name: name}}
	f.current = s
	return s, f.created, nil
}

func (f *fakeSessions) NewSession(_ context.Context, name string) (*session.Session, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	f.fresh = append(f.fresh, name)
	s := &session.Session{ID: "s2", Project: project.Project{Name: name}}
	f.current = s
	return s, nil
}

func (f *fakeSessions) TerminateCurrent(context.Context) (*session.Session, error) {
	if f.quitErr != nil {
		return nil, f.quitErr
	}
	if f.current == nil {
		return nil, session.ErrNoSession
	}
	s := f.current
	f.current = nil
	f.terminated++
	return s, nil
}

func (f *fakeSessions) Current() *session.Session { return f.current }

func (f *fakeSessions) List() []session.Info { return f.infos }

func (f *fakeSessions) Send(_ context.Context, text string) (<-chan claude.Chunk, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.current == nil {
		return nil, session.ErrNoSession
	}
	f.sent = append(f.sent, text)
	return f.stream, nil
}

type addCall struct {
	queue, project, description string
	priority                    int
}

type fakeQueues struct {
	added     []addCall
	addErr    error
	runErr    error
	runCh     chan queue.Task
	ran       []string
	status    map[string]queue.QueueStatus
	statusErr error
	all       []queue.QueueStatus
	cleared   []string
	clearN    int
	clearErr  error
}

func (f *fakeQueues) Add(queueName, projectName, description string, priority int) (queue.Task, error) {
	if f.addErr != nil {
		return queue.Task{}, f.addErr
	}
	f.added = append(f.added, addCall{queueName, projectName, description, priority})
	return queue.Task{ID: "t1", Queue: queueName, Project: projectName, Description: description}, nil
}

func (f *fakeQueues) Run(_ context.Context, name string) (<-chan queue.Task, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.ran = append(f.ran, name)
	return f.runCh, nil
}

func (f *fakeQueues) Status(name string) (queue.QueueStatus, error) {
	if f.statusErr != nil {
		return queue.QueueStatus{}, f.statusErr
	}
	st, ok := f.status[name]
	if !ok {
		return queue.QueueStatus{}, queue.ErrUnknownQueue
	}
	return st, nil
}

func (f *fakeQueues) StatusAll() []queue.QueueStatus { return f.all }

func (f *fakeQueues) Clear(name string) (int, error) {
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	f.cleared = append(f.cleared, name)
	return f.clearN, nil
}

type registerCall struct {
	pattern string
	tasks   []string
	project string
}

type fakeSchedules struct {
	calls []registerCall
	err   error
}

func (f *fakeSchedules) Register(pattern string, taskNames []string, projectName string) (cron.Schedule, error) {
	if f.err != nil {
		return cron.Schedule{}, f.err
	}
	f.calls = append(f.calls, registerCall{pattern, taskNames, projectName})
	return cron.Schedule{
		ID:      "sched-1",
		Pattern: pattern,
		Tasks:   taskNames,
		Project: projectName,
		Enabled: true,
		NextRun: time.Date(2024, 5, 6, 10, 1, 0, 0, time.UTC),
	}, nil
}

func newTestRouter(t *testing.T) (*Router, *fakeSessions, *fakeQueues, *fakeSchedules) {
	t.Helper()
	set, err := project.NewSet([]project.Project{
		{Name: "web", Path: "/tmp/web", Description: "Frontend app"},
		{Name: "api", Path: "/tmp/api"},
	})
	require.NoError(t, err)
	sessions := &fakeSessions{}
	queues := &fakeQueues{status: map[string]queue.QueueStatus{}}
	schedules := &fakeSchedules{}
	return NewRouter(set, sessions, queues, schedules, logger.Default()), sessions, queues, schedules
}

func TestDispatchProjectsSwitchConverse(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@projects")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "`web`")
	assert.Contains(t, res.Reply, "`api`")
	assert.Contains(t, res.Reply, "Frontend app")

	sessions.created = true
	res = r.Dispatch(ctx, "@@switch web")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "`web`")
	assert.Contains(t, res.Reply, "new session")
	assert.Equal(t, []string{"web"}, sessions.switched)

	stream := make(chan claude.Chunk, 2)
	stream <- claude.Chunk{Text: "hi "}
	stream <- claude.Chunk{Text: "there", Done: true}
	close(stream)
	sessions.stream = stream

	res = r.Dispatch(ctx, "hello")
	require.True(t, res.OK)
	require.NotNil(t, res.Stream)
	assert.Equal(t, []string{"hello"}, sessions.sent)

	var got []string
	for c := range res.Stream {
		got = append(got, c.Text)
	}
	assert.Equal(t, []string{"hi ", "there"}, got)
}

func TestDispatchSwitchReusesSession(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)
	sessions.created = false

	res := r.Dispatch(context.Background(), "@@switch web")
	assert.True(t, res.OK)
	assert.NotContains(t, res.Reply, "new session")
}

func TestDispatchSwitchErrors(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@switch")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Usage: `@@switch <project_name>`")

	sessions.switchErr = project.ErrUnknown
	res = r.Dispatch(ctx, "@@switch nope")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Unknown project: `nope`")

	sessions.switchErr = session.ErrLimitExceeded
	res = r.Dispatch(ctx, "@@switch web")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Could not switch")
}

func TestDispatchNew(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@new")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Usage: `@@new <project_name>`")

	res = r.Dispatch(ctx, "@@new api")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "fresh session")
	assert.Equal(t, []string{"api"}, sessions.fresh)
}

func TestDispatchSessions(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@sessions")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "No active sessions")

	at := time.Date(2024, 5, 6, 15, 4, 5, 0, time.UTC)
	sessions.infos = []session.Info{
		{Project: "web", State: claude.StateRunning, Messages: 5, LastActive: at, Current: true},
		{Project: "api", State: claude.StateProcessing, Messages: 2, LastActive: at.Add(-time.Minute)},
	}
	res = r.Dispatch(ctx, "@@sessions")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "`web` [running] 5 messages")
	assert.Contains(t, res.Reply, "(current)")
	assert.Contains(t, res.Reply, "`api` [processing] 2 messages")
}

func TestDispatchQuitThenNoSession(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)
	ctx := context.Background()

	sessions.current = &session.Session{ID: "s1", Project: project.Project{Name: "web"}}

	res := r.Dispatch(ctx, "@@quit")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "`web` terminated")
	assert.Equal(t, 1, sessions.terminated)

	// A conversational line after quit gets the standard notice.
	res = r.Dispatch(ctx, "hello again")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "No active session")

	res = r.Dispatch(ctx, "@@q")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "No active session to quit")
}

func TestDispatchUnknownCommand(t *testing.T) {
	r, _, _, _ := newTestRouter(t)

	res := r.Dispatch(context.Background(), "@@frobnicate now")
	assert.False(t, res.OK)
	assert.Equal(t, "Unknown command: `frobnicate`. Type `@@help` for available commands.", res.Reply)
}

func TestDispatchHelp(t *testing.T) {
	r, _, _, _ := newTestRouter(t)

	res := r.Dispatch(context.Background(), "@@help")
	assert.True(t, res.OK)
	for _, name := range []string{"@@projects", "@@switch", "@@new", "@@sessions", "@@quit", "@@queue_add", "@@queue", "@@queue_status", "@@queue_clear", "@@cron"} {
		assert.Contains(t, res.Reply, name)
	}
}

func TestDispatchQueueAdd(t *testing.T) {
	r, sessions, queues, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@queue_add feat")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Usage: `@@queue_add <queue_name> <task_description>`")

	// The task's project comes from the current session.
	res = r.Dispatch(ctx, `@@queue_add feat "do A"`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "No active session")

	sessions.current = &session.Session{ID: "s1", Project: project.Project{Name: "web"}}
	res = r.Dispatch(ctx, `@@queue_add feat "do A"`)
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "`feat`")
	assert.Contains(t, res.Reply, "do A")
	require.Len(t, queues.added, 1)
	assert.Equal(t, addCall{"feat", "web", "do A", 0}, queues.added[0])

	// Unquoted descriptions join the remaining tokens.
	res = r.Dispatch(ctx, "@@queue_add feat fix the login bug")
	assert.True(t, res.OK)
	require.Len(t, queues.added, 2)
	assert.Equal(t, "fix the login bug", queues.added[1].description)
}

func TestDispatchQueueRun(t *testing.T) {
	r, _, queues, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@queue")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Usage: `@@queue <queue_name>`")

	ch := make(chan queue.Task)
	close(ch)
	queues.runCh = ch
	res = r.Dispatch(ctx, "@@queue feat")
	require.True(t, res.OK)
	assert.Contains(t, res.Reply, "Running queue `feat`")
	assert.NotNil(t, res.Tasks)
	assert.Equal(t, "feat", res.QueueName)
	assert.Equal(t, []string{"feat"}, queues.ran)

	queues.runErr = queue.ErrQueueBusy
	res = r.Dispatch(ctx, "@@queue feat")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "already running")

	queues.runErr = queue.ErrUnknownQueue
	res = r.Dispatch(ctx, "@@queue ghost")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Unknown queue: `ghost`")
}

func TestDispatchQueueStatus(t *testing.T) {
	r, _, queues, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@queue_status")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "No queues")

	queues.all = []queue.QueueStatus{
		{Name: "feat", Pending: 2, Completed: 1},
		{Name: "fix", Failed: 1, Paused: true},
	}
	res = r.Dispatch(ctx, "@@queue_status")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "`feat`: 2 pending, 1 completed")
	assert.Contains(t, res.Reply, "[paused]")

	queues.status["feat"] = queue.QueueStatus{
		Name:    "feat",
		Pending: 1,
		Failed:  1,
		Paused:  true,
		Tasks:   []queue.Task{{Description: "do B"}},
		History: []queue.Task{{Description: "hang", Status: queue.StatusFailed, Error: "task timed out after 1s"}},
	}
	res = r.Dispatch(ctx, "@@queue_status feat")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "Queue `feat`")
	assert.Contains(t, res.Reply, "1 pending")
	assert.Contains(t, res.Reply, "1 failed")
	assert.Contains(t, res.Reply, "do B")
	assert.Contains(t, res.Reply, "task timed out after 1s")

	res = r.Dispatch(ctx, "@@queue_status ghost")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Unknown queue: `ghost`")
}

func TestDispatchQueueClear(t *testing.T) {
	r, _, queues, _ := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@queue_clear")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Usage: `@@queue_clear <queue_name>`")

	queues.clearN = 3
	res = r.Dispatch(ctx, "@@queue_clear feat")
	assert.True(t, res.OK)
	assert.Contains(t, res.Reply, "Cleared 3 pending task(s) from queue `feat`")
	assert.Equal(t, []string{"feat"}, queues.cleared)
}

func TestDispatchCron(t *testing.T) {
	r, sessions, _, schedules := newTestRouter(t)
	ctx := context.Background()

	res := r.Dispatch(ctx, "@@cron")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Usage: `@@cron")

	res = r.Dispatch(ctx, `@@cron "0 */2 * * *"`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Usage: `@@cron")

	sessions.current = &session.Session{ID: "s1", Project: project.Project{Name: "web"}}
	res = r.Dispatch(ctx, `@@cron "0 */2 * * *" clean_code,run_tests`)
	require.True(t, res.OK)
	assert.Contains(t, res.Reply, "clean_code, run_tests")
	assert.Contains(t, res.Reply, "`0 */2 * * *`")
	require.Len(t, schedules.calls, 1)
	assert.Equal(t, registerCall{"0 */2 * * *", []string{"clean_code", "run_tests"}, "web"}, schedules.calls[0])

	// Comma list with spaces still parses.
	res = r.Dispatch(ctx, `@@cron "0 * * * *" clean_code, run_tests`)
	require.True(t, res.OK)
	require.Len(t, schedules.calls, 2)
	assert.Equal(t, []string{"clean_code", "run_tests"}, schedules.calls[1].tasks)

	schedules.err = &cron.InvalidPatternError{Pattern: "bad", Reason: "expected 5 fields, got 1"}
	res = r.Dispatch(ctx, `@@cron "bad" run_tests`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "invalid cron pattern")

	schedules.err = cron.ErrUnknownTask
	res = r.Dispatch(ctx, `@@cron "* * * * *" mine_bitcoin`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Available tasks")
}

func TestDispatchCronUnterminatedPattern(t *testing.T) {
	r, _, _, _ := newTestRouter(t)

	res := r.Dispatch(context.Background(), `@@cron "0 */2 * * * run_tests`)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Malformed command")
	assert.Contains(t, res.Reply, "unterminated quote")
}

func TestDispatchConverseError(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)

	sessions.sendErr = errors.New("stdin write: broken pipe")
	res := r.Dispatch(context.Background(), "hello")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, "Could not reach Claude")
}

func TestDispatchConverseUnavailableProject(t *testing.T) {
	r, sessions, _, _ := newTestRouter(t)

	sessions.sendErr = fmt.Errorf("%w: %q", project.ErrUnavailable, "web")
	res := r.Dispatch(context.Background(), "hello")
	assert.False(t, res.OK)
	assert.Contains(t, res.Reply, `"web"`)
	assert.Contains(t, res.Reply, "session was closed")
	assert.Contains(t, res.Reply, "@@switch")
}

func TestProgressLine(t *testing.T) {
	started := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)

	completed := queue.Task{Queue: "feat", Description: "do A", Status: queue.StatusCompleted, StartedAt: &started, CompletedAt: &done}
	assert.Equal(t, "✅ [feat] do A (1.5s)", ProgressLine(completed))

	failed := queue.Task{Queue: "feat", Description: "hang", Status: queue.StatusFailed, Error: "task timed out after 1s"}
	assert.Equal(t, "❌ [feat] hang failed: task timed out after 1s", ProgressLine(failed))

	retrying := queue.Task{Queue: "feat", Description: "flaky", Status: queue.StatusPending, RetryCount: 1}
	assert.Contains(t, ProgressLine(retrying), "retrying (attempt 2)")

	cancelled := queue.Task{Queue: "feat", Description: "slow", Status: queue.StatusCancelled}
	assert.Contains(t, ProgressLine(cancelled), "cancelled")
}
