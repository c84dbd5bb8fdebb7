package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is one queued work item: a free-form description executed through
// a project session. Priority ties break on creation order.
type Task struct {
	ID          string     `json:"task_id"`
	Queue       string     `json:"queue_name"`
	Description string     `json:"description"`
	Project     string     `json:"project"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

func newTask(queueName, project, description string, priority int) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Description: description,
		Project:     project,
		Status:      StatusPending,
		Priority:    priority,
		CreatedAt:   time.Now(),
	}
}

func (t *Task) start() {
	now := time.Now()
	t.Status = StatusRunning
	t.StartedAt = &now
}

func (t *Task) complete(result string) {
	now := time.Now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.Result = result
	t.Error = ""
}

func (t *Task) fail(errMsg string) {
	now := time.Now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	t.Error = errMsg
}

func (t *Task) cancel() {
	now := time.Now()
	t.Status = StatusCancelled
	t.CompletedAt = &now
}

// requeue returns a failed task to pending for a retry, preserving its id.
func (t *Task) requeue() {
	t.Status = StatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Error = ""
	t.RetryCount++
}

// clone returns a detached copy safe to hand across goroutines.
func (t *Task) clone() Task {
	c := *t
	if t.StartedAt != nil {
		at := *t.StartedAt
		c.StartedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}
