// Package events defines the event types published on the bridge event bus
// and their payloads.
package events

import "encoding/json"

// ToMap flattens a typed payload through JSON for bus publication.
func ToMap(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// DecodeData converts event data back into a typed payload.
func DecodeData(data interface{}, target interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}

// Event types for sessions
const (
	SessionCreated    = "session.created"
	SessionSwitched   = "session.switched"
	SessionTerminated = "session.terminated"
	SessionReaped     = "session.reaped"
)

// Event types for handlers
const (
	HandlerStarted = "handler.started"
	HandlerError   = "handler.error"
)

// Event types for queued tasks
const (
	TaskQueued    = "task.queued"
	TaskStarted   = "task.started"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
)

// Event types for queues
const (
	QueueRunStarted  = "queue.run_started"
	QueueRunFinished = "queue.run_finished"
	QueuePaused      = "queue.paused"
	QueueCleared     = "queue.cleared"
)

// Event types for cron schedules
const (
	ScheduleRegistered = "schedule.registered"
	ScheduleRemoved    = "schedule.removed"
	ScheduleFired      = "schedule.fired"
)

// Event types for project availability
const (
	ProjectAvailable   = "project.available"
	ProjectUnavailable = "project.unavailable"
)

// Source names attached to published events.
const (
	SourceRegistry  = "session-registry"
	SourceQueue     = "queue-manager"
	SourceScheduler = "cron-scheduler"
	SourceBridge    = "bridge"
	SourceProjects  = "project-watcher"
)

// SessionEventData is the payload of session.* and handler.* events.
type SessionEventData struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskEventData is the payload of task.* events.
type TaskEventData struct {
	TaskID  string `json:"task_id"`
	Queue   string `json:"queue"`
	Project string `json:"project,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// QueueEventData is the payload of queue.* events.
type QueueEventData struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending,omitempty"`
	Completed int    `json:"completed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Cancelled int    `json:"cancelled,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ScheduleEventData is the payload of schedule.* events.
type ScheduleEventData struct {
	ScheduleID string `json:"schedule_id"`
	Pattern    string `json:"pattern"`
	Project    string `json:"project,omitempty"`
	Tasks      int    `json:"tasks,omitempty"`
}

// ProjectEventData is the payload of project.* events.
type ProjectEventData struct {
	Project   string `json:"project"`
	Available bool   `json:"available"`
}
