// internal/models/task.go
package models

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/strftime"
	"github.com/pkg/errors"
)

// TaskType identifies the kind of work a task performs
type TaskType string

const (
	TaskTypeSyncPackage   TaskType = "sync_package"
	TaskTypeChangesStream TaskType = "changes_stream"
	TaskTypeSyncBinary    TaskType = "sync_binary"
)

// TaskState represents the lifecycle state of a task.
// Factories only ever produce TaskStateWaiting, the runner owns every other transition.
type TaskState string

const (
	TaskStateWaiting    TaskState = "waiting"
	TaskStateProcessing TaskState = "processing"
	TaskStateSuccess    TaskState = "success"
	TaskStateFail       TaskState = "fail"
	TaskStateTimeout    TaskState = "timeout"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrPayloadMismatch = errors.New("payload does not match task type")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskSuperseded  = errors.New("task superseded by another attempt")
)

var (
	validate = validator.New()

	// creation stamp for new log paths, e.g. 2026/10/191530
	logDirStamp = mustStrftime("%Y/%m/%d%H%M")
	// rotation stamp, e.g. 191530
	logRotateStamp = mustStrftime("%d%H%M")
)

func mustStrftime(pattern string) *strftime.Strftime {
	f, err := strftime.New(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

// Task represents a single unit of registry maintenance work
type Task struct {
	Meta             EntityMeta `json:"meta"`
	TaskID           string     `json:"taskId"`
	Type             TaskType   `json:"type"`
	State            TaskState  `json:"state"`
	TargetName       string     `json:"targetName"`
	AuthorID         string     `json:"authorId"`
	AuthorIP         string     `json:"authorIp"`
	Data             Payload    `json:"data"`
	LogPath          string     `json:"logPath"`
	LogStorePosition string     `json:"logStorePosition"`
	Attempts         int        `json:"attempts"`
	Error            string     `json:"error"`
	BizID            *string    `json:"bizId,omitempty"`
}

// TaskData is the input of NewTask. Pointer fields are optional and
// defaulted by NewTask.
type TaskData struct {
	Meta       EntityMeta
	TaskID     string    `validate:"required"`
	Type       TaskType  `validate:"required,oneof=sync_package changes_stream sync_binary"`
	State      TaskState `validate:"required"`
	TargetName string    `validate:"required"`
	AuthorID   string
	AuthorIP   string
	Data       Payload `validate:"required"`

	LogPath          *string
	LogStorePosition *string
	Attempts         *int `validate:"omitempty,min=0"`
	Error            *string
	BizID            *string
}

// NewTask builds a task from data, filling every optional field with its default.
// A missing required field fails with the validator error.
func NewTask(data TaskData) (*Task, error) {
	if err := validate.Struct(data); err != nil {
		return nil, err
	}
	if data.Data.Kind() != data.Type {
		return nil, errors.Wrapf(ErrPayloadMismatch, "%s task with %s payload", data.Type, data.Data.Kind())
	}

	return &Task{
		Meta:             data.Meta,
		TaskID:           data.TaskID,
		Type:             data.Type,
		State:            data.State,
		TargetName:       data.TargetName,
		AuthorID:         data.AuthorID,
		AuthorIP:         data.AuthorIP,
		Data:             data.Data,
		LogPath:          valueOr(data.LogPath, ""),
		LogStorePosition: valueOr(data.LogStorePosition, ""),
		Attempts:         valueOr(data.Attempts, 0),
		Error:            valueOr(data.Error, ""),
		BizID:            data.BizID,
	}, nil
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

// RotateLogPath points the task at a fresh log file in the same directory.
// The file name embeds now and the current attempts, so every attempt writes
// its own log. The log store position belongs to the old file and is cleared.
func (t *Task) RotateLogPath(now time.Time) {
	t.LogPath = fmt.Sprintf("%s/%s-%s-%d.log", path.Dir(t.LogPath), logRotateStamp.FormatString(now), t.TaskID, t.Attempts)
	t.LogStorePosition = ""
}

// BindExecutionWorker records host as the owner of the current attempt
func (t *Task) BindExecutionWorker(host HostIdentity) {
	t.Data.setWorker(host.Worker())
}

// IsFinished reports whether the task reached a terminal state
func (t *Task) IsFinished() bool {
	switch t.State {
	case TaskStateSuccess, TaskStateFail, TaskStateTimeout:
		return true
	default:
		return false
	}
}

// ToJSON converts the task to JSON
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalJSON decodes the data document according to the task type
func (t *Task) UnmarshalJSON(b []byte) error {
	type taskAlias Task
	aux := struct {
		*taskAlias
		Data json.RawMessage `json:"data"`
	}{taskAlias: (*taskAlias)(t)}

	if err := json.Unmarshal(b, &aux); err != nil {
		return errors.WithStack(err)
	}

	payload, err := DecodePayload(t.Type, aux.Data)
	if err != nil {
		return err
	}
	t.Data = payload
	return nil
}

func syncLogPath(area, targetName string, createdAt time.Time, taskID string) string {
	return fmt.Sprintf("/%s/%s/syncs/%s-%s.log", area, targetName, logDirStamp.FormatString(createdAt), taskID)
}
