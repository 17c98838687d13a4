// internal/models/payload.go
package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Payload is the kind specific data of a task. The set of implementations is
// closed: SyncPackagePayload, ChangesStreamPayload and SyncBinaryPayload.
type Payload interface {
	// Kind returns the task type the payload belongs to
	Kind() TaskType
	// Worker returns the worker bound to the current attempt, empty when unbound
	Worker() string

	setWorker(worker string)
}

// SyncPackagePayload carries the options of a package sync.
// Nil options were not supplied and are omitted on the wire.
type SyncPackagePayload struct {
	TaskWorker       string  `json:"taskWorker"`
	Tips             *string `json:"tips,omitempty"`
	SkipDependencies *bool   `json:"skipDependencies,omitempty"`
	SyncDownloadData *bool   `json:"syncDownloadData,omitempty"`
	// ForceSyncHistory re-syncs versions that are already present
	ForceSyncHistory *bool `json:"forceSyncHistory,omitempty"`
}

func (p *SyncPackagePayload) Kind() TaskType          { return TaskTypeSyncPackage }
func (p *SyncPackagePayload) Worker() string          { return p.TaskWorker }
func (p *SyncPackagePayload) setWorker(worker string) { p.TaskWorker = worker }

// ChangesStreamPayload carries the resume cursor of a changes stream.
type ChangesStreamPayload struct {
	TaskWorker string `json:"taskWorker"`
	Since      string `json:"since"`
}

func (p *ChangesStreamPayload) Kind() TaskType          { return TaskTypeChangesStream }
func (p *ChangesStreamPayload) Worker() string          { return p.TaskWorker }
func (p *ChangesStreamPayload) setWorker(worker string) { p.TaskWorker = worker }

// SyncBinaryPayload carries the data left by the previous binary sync run.
// It is stored flat: the taskWorker field next to the LastData fields.
type SyncBinaryPayload struct {
	TaskWorker string
	LastData   map[string]any
}

func (p *SyncBinaryPayload) Kind() TaskType          { return TaskTypeSyncBinary }
func (p *SyncBinaryPayload) Worker() string          { return p.TaskWorker }
func (p *SyncBinaryPayload) setWorker(worker string) { p.TaskWorker = worker }

// Get returns a carried over field
func (p *SyncBinaryPayload) Get(key string) (any, bool) {
	v, ok := p.LastData[key]
	return v, ok
}

func (p *SyncBinaryPayload) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(p.LastData)+1)
	for k, v := range p.LastData {
		flat[k] = v
	}
	flat[taskWorkerField] = p.TaskWorker
	return json.Marshal(flat)
}

func (p *SyncBinaryPayload) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return errors.WithStack(err)
	}
	p.TaskWorker = ""
	p.LastData = make(map[string]any, len(flat))
	p.merge(flat)
	return nil
}

// merge copies fields into LastData. A string taskWorker field replaces the
// bound worker instead of being carried over. Any other taskWorker value
// cannot name a worker and is dropped, so the seed stays "".
func (p *SyncBinaryPayload) merge(fields map[string]any) {
	for k, v := range fields {
		if k == taskWorkerField {
			if worker, ok := v.(string); ok {
				p.TaskWorker = worker
			}
			continue
		}
		p.LastData[k] = v
	}
}

const taskWorkerField = "taskWorker"

// DecodePayload decodes the stored data document of a task of the given type.
func DecodePayload(taskType TaskType, raw []byte) (Payload, error) {
	var payload Payload
	switch taskType {
	case TaskTypeSyncPackage:
		payload = &SyncPackagePayload{}
	case TaskTypeChangesStream:
		payload = &ChangesStreamPayload{}
	case TaskTypeSyncBinary:
		payload = &SyncBinaryPayload{LastData: map[string]any{}}
	default:
		return nil, errors.Wrapf(ErrUnknownTaskType, "type %q", taskType)
	}

	if len(raw) == 0 || string(raw) == "null" {
		return payload, nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s payload", taskType)
	}
	return payload, nil
}
