package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/common/tracing"
	"github.com/claudebridge/claudebridge/internal/events"
	"github.com/claudebridge/claudebridge/internal/events/bus"
	"github.com/claudebridge/claudebridge/internal/queue"
)

var (
	// ErrUnknownSchedule is returned for operations on missing schedule ids.
	ErrUnknownSchedule = errors.New("unknown schedule")
	// ErrNoTasks is returned when a schedule names no catalog tasks.
	ErrNoTasks = errors.New("schedule needs at least one task")
)

// wakeCeiling bounds how long the loop sleeps between ticks so newly
// registered schedules are noticed promptly.
const wakeCeiling = time.Minute

// Enqueuer pushes synthesized task descriptions into a named queue. The
// queue manager satisfies this.
type Enqueuer interface {
	Add(queueName, project, description string, priority int) (queue.Task, error)
}

// Schedule is one wall-clock trigger: a cron pattern firing catalog tasks
// into the cron-owned queue of a project.
type Schedule struct {
	ID        string     `json:"schedule_id"`
	Pattern   string     `json:"pattern"`
	Tasks     []string   `json:"tasks"`
	Project   string     `json:"project"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	RunCount  int        `json:"run_count"`
}

func (s *Schedule) clone() Schedule {
	c := *s
	c.Tasks = append([]string(nil), s.Tasks...)
	if s.LastRun != nil {
		at := *s.LastRun
		c.LastRun = &at
	}
	return c
}

// Scheduler owns all cron schedules. While running, the loop goroutine is
// the sole writer of schedule state; operations post closures over a
// command channel. Schedules are not persisted: standing ones come back
// from configuration at startup.
type Scheduler struct {
	enq    Enqueuer
	bus    bus.EventBus
	logger *logger.Logger
	prefix string

	nowFn func() time.Time

	schedules map[string]*Schedule

	cmds   chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

// NewScheduler creates a scheduler feeding the given enqueuer. The queue
// prefix names the cron-owned queues ("<prefix>-<project>").
func NewScheduler(prefix string, enq Enqueuer, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	if prefix == "" {
		prefix = "cron"
	}
	return &Scheduler{
		enq:       enq,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "cron-scheduler")),
		prefix:    prefix,
		nowFn:     time.Now,
		schedules: make(map[string]*Schedule),
		cmds:      make(chan func(), 16),
	}
}

// Start launches the ticker loop. The loop runs until Stop.
func (s *Scheduler) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	s.running = true
	s.logger.Info("cron scheduler started", zap.String("queue_prefix", s.prefix))
	return nil
}

// Stop halts the loop. Registered schedules stay in memory but no longer
// fire.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.runMu.Unlock()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// do runs f with exclusive access to schedule state: on the loop goroutine
// while running, directly otherwise (setup and tests are single-threaded).
func (s *Scheduler) do(f func()) {
	s.runMu.Lock()
	if !s.running {
		defer s.runMu.Unlock()
		f()
		return
	}
	done := make(chan struct{})
	s.cmds <- func() {
		defer close(done)
		f()
	}
	s.runMu.Unlock()
	<-done
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	// A panicking pass is logged and the loop restarted; only Stop ends it.
	for {
		if s.runUntilStopped() {
			return
		}
	}
}

func (s *Scheduler) runUntilStopped() (stopped bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("scheduler loop panic, restarting", zap.Any("panic", rec))
			stopped = false
		}
	}()

	timer := time.NewTimer(s.wakeIn())
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			// Commands posted before Stop are already buffered; run them
			// so no caller is left waiting.
			for {
				select {
				case cmd := <-s.cmds:
					cmd()
				default:
					return true
				}
			}
		case cmd := <-s.cmds:
			cmd()
		case <-timer.C:
			s.tick(s.nowFn())
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.wakeIn())
	}
}

// wakeIn returns how long to sleep: until the nearest enabled next-run,
// capped at the ceiling.
func (s *Scheduler) wakeIn() time.Duration {
	now := s.nowFn()
	d := wakeCeiling
	for _, sc := range s.schedules {
		if !sc.Enabled || sc.NextRun.IsZero() {
			continue
		}
		if until := sc.NextRun.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// tick fires every enabled schedule whose next-run is due, in schedule-id
// order, and advances their clocks. Returns how many fired.
func (s *Scheduler) tick(now time.Time) int {
	ids := make([]string, 0, len(s.schedules))
	for id := range s.schedules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fired := 0
	for _, id := range ids {
		sc := s.schedules[id]
		if !sc.Enabled || sc.NextRun.IsZero() || sc.NextRun.After(now) {
			continue
		}

		s.fire(sc)

		at := now
		sc.LastRun = &at
		sc.RunCount++
		next, err := NextRun(sc.Pattern, now)
		if err != nil {
			sc.Enabled = false
			s.logger.Error("disabling schedule, pattern no longer computes",
				zap.String("schedule_id", sc.ID), zap.Error(err))
			continue
		}
		sc.NextRun = next
		fired++
	}
	return fired
}

// fire synthesizes the schedule's catalog tasks into the project's
// cron-owned queue. A missed window fires once, not per missed interval.
func (s *Scheduler) fire(sc *Schedule) {
	_, span := tracing.Tracer("claudebridge-cron").Start(context.Background(), "cron.schedule.fire")
	span.SetAttributes(
		attribute.String("schedule_id", sc.ID),
		attribute.String("project", sc.Project),
	)
	defer span.End()

	queueName := s.prefix + "-" + sc.Project
	for _, name := range sc.Tasks {
		desc, err := Describe(name)
		if err != nil {
			s.logger.Warn("skipping unknown catalog task",
				zap.String("schedule_id", sc.ID), zap.String("task", name))
			continue
		}
		if _, err := s.enq.Add(queueName, sc.Project, desc, 0); err != nil {
			s.logger.Error("cron enqueue failed",
				zap.String("schedule_id", sc.ID),
				zap.String("queue", queueName),
				zap.Error(err))
		}
	}

	s.publish(events.ScheduleFired, events.ScheduleEventData{
		ScheduleID: sc.ID,
		Pattern:    sc.Pattern,
		Project:    sc.Project,
		Tasks:      len(sc.Tasks),
	})
	s.logger.Info("schedule fired",
		zap.String("schedule_id", sc.ID),
		zap.String("pattern", sc.Pattern),
		zap.String("queue", queueName),
		zap.Strings("tasks", sc.Tasks))
}

// Register validates and stores a schedule, returning its snapshot.
func (s *Scheduler) Register(pattern string, taskNames []string, project string) (Schedule, error) {
	if err := ValidatePattern(pattern); err != nil {
		return Schedule{}, err
	}
	if len(taskNames) == 0 {
		return Schedule{}, ErrNoTasks
	}
	for _, name := range taskNames {
		if _, err := Describe(name); err != nil {
			return Schedule{}, err
		}
	}

	next, err := NextRun(pattern, s.nowFn())
	if err != nil {
		return Schedule{}, err
	}

	sc := &Schedule{
		ID:        uuid.New().String(),
		Pattern:   pattern,
		Tasks:     append([]string(nil), taskNames...),
		Project:   project,
		Enabled:   true,
		CreatedAt: s.nowFn(),
		NextRun:   next,
	}

	var snap Schedule
	s.do(func() {
		s.schedules[sc.ID] = sc
		snap = sc.clone()
	})

	s.publish(events.ScheduleRegistered, events.ScheduleEventData{
		ScheduleID: snap.ID,
		Pattern:    snap.Pattern,
		Project:    snap.Project,
		Tasks:      len(snap.Tasks),
	})
	s.logger.Info("schedule registered",
		zap.String("schedule_id", snap.ID),
		zap.String("pattern", snap.Pattern),
		zap.String("project", snap.Project),
		zap.Strings("tasks", snap.Tasks),
		zap.Time("next_run", snap.NextRun))
	return snap, nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	var err error
	var snap Schedule
	s.do(func() {
		sc, ok := s.schedules[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSchedule, id)
			return
		}
		snap = sc.clone()
		delete(s.schedules, id)
	})
	if err != nil {
		return err
	}

	s.publish(events.ScheduleRemoved, events.ScheduleEventData{
		ScheduleID: snap.ID,
		Pattern:    snap.Pattern,
		Project:    snap.Project,
	})
	s.logger.Info("schedule removed", zap.String("schedule_id", id))
	return nil
}

// Disable stops a schedule from firing without removing it.
func (s *Scheduler) Disable(id string) error {
	var err error
	s.do(func() {
		sc, ok := s.schedules[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSchedule, id)
			return
		}
		sc.Enabled = false
	})
	return err
}

// Enable re-arms a disabled schedule, recomputing its next run.
func (s *Scheduler) Enable(id string) error {
	var err error
	s.do(func() {
		sc, ok := s.schedules[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownSchedule, id)
			return
		}
		next, nerr := NextRun(sc.Pattern, s.nowFn())
		if nerr != nil {
			err = nerr
			return
		}
		sc.Enabled = true
		sc.NextRun = next
	})
	return err
}

// List returns schedule snapshots ordered by next run time.
func (s *Scheduler) List() []Schedule {
	var out []Schedule
	s.do(func() {
		out = make([]Schedule, 0, len(s.schedules))
		for _, sc := range s.schedules {
			out = append(out, sc.clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) publish(eventType string, data events.ScheduleEventData) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, events.SourceScheduler, events.ToMap(data))
	if err := s.bus.Publish(context.Background(), eventType, ev); err != nil {
		s.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
