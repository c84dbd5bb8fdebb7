package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/queue"
)

type enqCall struct {
	queue       string
	project     string
	description string
	priority    int
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqCall
	err   error
}

func (f *fakeEnqueuer) Add(queueName, project, description string, priority int) (queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Task{}, f.err
	}
	f.calls = append(f.calls, enqCall{queueName, project, description, priority})
	return queue.Task{
		ID:          fmt.Sprintf("t%d", len(f.calls)),
		Queue:       queueName,
		Project:     project,
		Description: description,
	}, nil
}

func (f *fakeEnqueuer) snapshot() []enqCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqCall(nil), f.calls...)
}

var testBase = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *fakeEnqueuer) {
	t.Helper()
	enq := &fakeEnqueuer{}
	s := NewScheduler("cron", enq, nil, logger.Default())
	s.nowFn = func() time.Time { return testBase }
	return s, enq
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, err := s.Register("not a pattern", []string{"run_tests"}, "web")
	var perr *InvalidPatternError
	require.ErrorAs(t, err, &perr)

	_, err = s.Register("* * * * *", nil, "web")
	require.ErrorIs(t, err, ErrNoTasks)

	_, err = s.Register("* * * * *", []string{"run_tests", "nonsense"}, "web")
	require.ErrorIs(t, err, ErrUnknownTask)

	assert.Empty(t, s.List())
}

func TestRegisterComputesNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)

	sc, err := s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)
	assert.NotEmpty(t, sc.ID)
	assert.True(t, sc.Enabled)
	assert.Zero(t, sc.RunCount)
	assert.Nil(t, sc.LastRun)
	assert.Equal(t, testBase.Add(time.Minute), sc.NextRun)
}

func TestTickFiresDueSchedule(t *testing.T) {
	s, enq := newTestScheduler(t)

	_, err := s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)

	assert.Zero(t, s.tick(testBase))
	assert.Empty(t, enq.snapshot())

	due := testBase.Add(time.Minute)
	assert.Equal(t, 1, s.tick(due))

	calls := enq.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, enqCall{"cron-web", "web", "Run project test suite", 0}, calls[0])

	scs := s.List()
	require.Len(t, scs, 1)
	require.NotNil(t, scs[0].LastRun)
	assert.Equal(t, due, *scs[0].LastRun)
	assert.Equal(t, 1, scs[0].RunCount)
	assert.Equal(t, due.Add(time.Minute), scs[0].NextRun)

	// Not due again until the next minute boundary.
	assert.Zero(t, s.tick(due.Add(30*time.Second)))
}

func TestTickMissedWindowsFireOnce(t *testing.T) {
	s, enq := newTestScheduler(t)

	_, err := s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)

	late := testBase.Add(10 * time.Minute)
	assert.Equal(t, 1, s.tick(late))
	assert.Len(t, enq.snapshot(), 1)

	scs := s.List()
	require.Len(t, scs, 1)
	assert.Equal(t, 1, scs[0].RunCount)
	assert.Equal(t, late.Add(time.Minute), scs[0].NextRun)
}

func TestTickFiresTasksInOrder(t *testing.T) {
	s, enq := newTestScheduler(t)

	_, err := s.Register("*/1 * * * *", []string{"clean_code", "run_tests"}, "api")
	require.NoError(t, err)

	s.tick(testBase.Add(time.Minute))

	calls := enq.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "Clean and format code files", calls[0].description)
	assert.Equal(t, "Run project test suite", calls[1].description)
	assert.Equal(t, "cron-api", calls[0].queue)
	assert.Equal(t, "cron-api", calls[1].queue)
}

func TestDisableAndEnable(t *testing.T) {
	s, enq := newTestScheduler(t)

	sc, err := s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)

	require.NoError(t, s.Disable(sc.ID))
	assert.Zero(t, s.tick(testBase.Add(time.Minute)))
	assert.Empty(t, enq.snapshot())

	// Enabling recomputes the next run from the current clock.
	s.nowFn = func() time.Time { return testBase.Add(5 * time.Minute) }
	require.NoError(t, s.Enable(sc.ID))

	scs := s.List()
	require.Len(t, scs, 1)
	assert.Equal(t, testBase.Add(6*time.Minute), scs[0].NextRun)

	assert.Equal(t, 1, s.tick(testBase.Add(6*time.Minute)))
	assert.Len(t, enq.snapshot(), 1)

	require.ErrorIs(t, s.Disable("nope"), ErrUnknownSchedule)
	require.ErrorIs(t, s.Enable("nope"), ErrUnknownSchedule)
}

func TestTickOrderFollowsScheduleID(t *testing.T) {
	s, enq := newTestScheduler(t)

	a, err := s.Register("*/1 * * * *", []string{"run_tests"}, "alpha")
	require.NoError(t, err)
	b, err := s.Register("*/1 * * * *", []string{"run_tests"}, "beta")
	require.NoError(t, err)

	s.tick(testBase.Add(time.Minute))

	calls := enq.snapshot()
	require.Len(t, calls, 2)
	first, second := "cron-alpha", "cron-beta"
	if b.ID < a.ID {
		first, second = second, first
	}
	assert.Equal(t, first, calls[0].queue)
	assert.Equal(t, second, calls[1].queue)
}

func TestRemove(t *testing.T) {
	s, _ := newTestScheduler(t)

	sc, err := s.Register("0 0 * * *", []string{"security_scan"}, "web")
	require.NoError(t, err)

	require.NoError(t, s.Remove(sc.ID))
	assert.Empty(t, s.List())
	require.ErrorIs(t, s.Remove(sc.ID), ErrUnknownSchedule)
}

func TestEnqueueFailureStillAdvancesSchedule(t *testing.T) {
	s, enq := newTestScheduler(t)
	enq.err = errors.New("queue closed")

	_, err := s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)

	assert.Equal(t, 1, s.tick(testBase.Add(time.Minute)))
	assert.Empty(t, enq.snapshot())

	scs := s.List()
	require.Len(t, scs, 1)
	assert.Equal(t, 1, scs[0].RunCount)
	assert.Equal(t, testBase.Add(2*time.Minute), scs[0].NextRun)
}

func TestWakeIn(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.Equal(t, wakeCeiling, s.wakeIn())

	s.nowFn = func() time.Time { return testBase.Add(30 * time.Second) }
	sc, err := s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)
	// Next run is 10:01:00, thirty seconds out.
	assert.Equal(t, 30*time.Second, s.wakeIn())

	// Overdue schedules wake immediately.
	s.nowFn = func() time.Time { return testBase.Add(3 * time.Minute) }
	assert.Equal(t, time.Duration(0), s.wakeIn())

	// Disabled schedules do not shorten the wait.
	require.NoError(t, s.Disable(sc.ID))
	assert.Equal(t, wakeCeiling, s.wakeIn())
}

func TestListSortedByNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, err := s.Register("0 0 * * *", []string{"security_scan"}, "web")
	require.NoError(t, err)
	_, err = s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)

	scs := s.List()
	require.Len(t, scs, 2)
	assert.Equal(t, "*/1 * * * *", scs[0].Pattern)
	assert.Equal(t, "0 0 * * *", scs[1].Pattern)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))

	// Operations route through the loop while it runs.
	sc, err := s.Register("*/1 * * * *", []string{"run_tests"}, "web")
	require.NoError(t, err)
	assert.Len(t, s.List(), 1)
	require.NoError(t, s.Disable(sc.ID))

	s.Stop()
	s.Stop()

	// After Stop, operations apply directly.
	require.NoError(t, s.Remove(sc.ID))
	assert.Empty(t, s.List())
}

func TestLoopRestartsAfterPanic(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))

	// The panic unwinds this loop pass; the posted command still returns.
	s.do(func() { panic("boom") })

	// A restarted loop keeps serving commands.
	served := false
	s.do(func() { served = true })
	assert.True(t, served)

	s.Stop()
}
