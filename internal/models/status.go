// internal/models/status.go
package models

import (
	"time"
)

// TaskMessage is published on the tasks subject whenever a task becomes waiting
type TaskMessage struct {
	TaskID string   `json:"taskId"`
	Type   TaskType `json:"type"`
}

// StatusMessage represents a status update of a runner or a task
type StatusMessage struct {
	Type      string      `json:"type"`      // "runner" or "task"
	ID        string      `json:"id"`        // runner id or task id
	Status    string      `json:"status"`    // current status of the entity
	Timestamp time.Time   `json:"timestamp"` // when the status was updated
	Metadata  interface{} `json:"metadata"`  // additional entity-specific information
}

// SystemState summarises the tasks known to the system
type SystemState struct {
	Tasks     map[TaskState]int `json:"tasks"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type RunnerEventType string

const (
	RunnerStarted  RunnerEventType = "STARTED"
	RunnerStopping RunnerEventType = "STOPPING"
	RunnerStopped  RunnerEventType = "STOPPED"
	RunnerHealthy  RunnerEventType = "HEALTHY"
)

type RunnerStatus struct {
	ID          string          `json:"id"`
	Worker      string          `json:"worker"`
	Event       RunnerEventType `json:"event"`
	Timestamp   time.Time       `json:"timestamp"`
	WorkerCount int             `json:"workerCount"`
	ActiveTasks int             `json:"activeTasks"`
}
