// internal/models/factory.go
package models

import (
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// IDGenerator assigns the external identity of new tasks
type IDGenerator interface {
	NewTaskID() string
}

// XIDGenerator generates globally unique, lexically sortable task ids
type XIDGenerator struct{}

func (XIDGenerator) NewTaskID() string {
	return xid.New().String()
}

// HostIdentity identifies the current process among all workers
type HostIdentity struct {
	HostName string `json:"hostName"`
	PID      int    `json:"pid"`
}

// CurrentHost reads the identity of the running process
func CurrentHost() (HostIdentity, error) {
	hostName, err := os.Hostname()
	if err != nil {
		return HostIdentity{}, errors.Wrap(err, "failed to resolve host name")
	}
	return HostIdentity{HostName: hostName, PID: os.Getpid()}, nil
}

// Worker returns the "<hostName>:<pid>" worker binding
func (h HostIdentity) Worker() string {
	return fmt.Sprintf("%s:%d", h.HostName, h.PID)
}

// AuthorID returns the author id of tasks created by the system itself
func (h HostIdentity) AuthorID() string {
	return fmt.Sprintf("pid_%d", h.PID)
}

// SyncPackageOptions are the optional inputs of a package sync.
// Empty author fields mean the task was not attributed.
type SyncPackageOptions struct {
	AuthorID         string
	AuthorIP         string
	Tips             *string
	SkipDependencies *bool
	SyncDownloadData *bool
	ForceSyncHistory *bool
}

// TaskFactory creates new waiting tasks of every kind
type TaskFactory struct {
	ids   IDGenerator
	clock clockwork.Clock
	host  HostIdentity
}

func NewTaskFactory(ids IDGenerator, clock clockwork.Clock, host HostIdentity) *TaskFactory {
	return &TaskFactory{
		ids:   ids,
		clock: clock,
		host:  host,
	}
}

// create assigns the task id and lifecycle timestamps before building the task
func (f *TaskFactory) create(data TaskData) (*Task, error) {
	now := f.clock.Now()
	data.TaskID = f.ids.NewTaskID()
	data.State = TaskStateWaiting
	data.Meta.CreatedAt = now
	data.Meta.UpdatedAt = now
	return NewTask(data)
}

// CreateSyncPackage creates a task syncing the metadata of package fullName
func (f *TaskFactory) CreateSyncPackage(fullName string, opts *SyncPackageOptions) (*Task, error) {
	if opts == nil {
		opts = &SyncPackageOptions{}
	}

	task, err := f.create(TaskData{
		Type:       TaskTypeSyncPackage,
		TargetName: fullName,
		AuthorID:   opts.AuthorID,
		AuthorIP:   opts.AuthorIP,
		Data: &SyncPackagePayload{
			TaskWorker:       "",
			Tips:             opts.Tips,
			SkipDependencies: opts.SkipDependencies,
			SyncDownloadData: opts.SyncDownloadData,
			ForceSyncHistory: opts.ForceSyncHistory,
		},
	})
	if err != nil {
		return nil, err
	}

	task.LogPath = syncLogPath("packages", fullName, task.Meta.CreatedAt, task.TaskID)
	return task, nil
}

// CreateChangesStream creates the system task tailing the change stream of targetName
func (f *TaskFactory) CreateChangesStream(targetName string) (*Task, error) {
	return f.create(TaskData{
		Type:       TaskTypeChangesStream,
		TargetName: targetName,
		AuthorID:   f.host.AuthorID(),
		AuthorIP:   f.host.HostName,
		Data: &ChangesStreamPayload{
			TaskWorker: "",
			Since:      "",
		},
	})
}

// CreateSyncBinary creates the system task syncing binary targetName.
// lastData is carried over from the previous run; the map is copied.
func (f *TaskFactory) CreateSyncBinary(targetName string, lastData map[string]any) (*Task, error) {
	payload := &SyncBinaryPayload{
		TaskWorker: "",
		LastData:   make(map[string]any, len(lastData)),
	}
	payload.merge(lastData)

	task, err := f.create(TaskData{
		Type:       TaskTypeSyncBinary,
		TargetName: targetName,
		AuthorID:   f.host.AuthorID(),
		AuthorIP:   f.host.HostName,
		Data:       payload,
	})
	if err != nil {
		return nil, err
	}

	task.LogPath = syncLogPath("binaries", targetName, task.Meta.CreatedAt, task.TaskID)
	return task, nil
}
