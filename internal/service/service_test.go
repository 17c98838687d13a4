// internal/service/service_test.go
package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/models"
)

type memoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	order  []string
	nextID int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tasks: make(map[string]*models.Task)}
}

func (s *memoryStore) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task.Meta.ID = s.nextID
	s.tasks[task.TaskID] = task
	s.order = append(s.order, task.TaskID)
	return nil
}

func (s *memoryStore) FindTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return task, nil
}

func (s *memoryStore) FindTaskByTarget(_ context.Context, taskType models.TaskType, targetName string, states ...models.TaskState) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		task := s.tasks[s.order[i]]
		if task.Type != taskType || task.TargetName != targetName {
			continue
		}
		for _, state := range states {
			if task.State == state {
				return task, nil
			}
		}
	}
	return nil, models.ErrTaskNotFound
}

func (s *memoryStore) CountTasksByState(_ context.Context) (map[models.TaskState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.TaskState]int)
	for _, task := range s.tasks {
		counts[task.State]++
	}
	return counts, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []models.TaskMessage
	err      error
}

func (p *recordingPublisher) PublishTask(_ context.Context, msg models.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

type staticLogs map[string]string

func (l staticLogs) Read(logPath string, after string) ([]byte, string, error) {
	return []byte(l[logPath]), "00000000000000000001", nil
}

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewTaskID() string {
	s.next++
	return fmt.Sprintf("task%04d", s.next)
}

type fixture struct {
	service   *Service
	store     *memoryStore
	publisher *recordingPublisher
	clock     *clockwork.FakeClock
}

func newFixture(t *testing.T, logs LogReader) *fixture {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC))
	factory := models.NewTaskFactory(&sequenceIDs{}, clk, models.HostIdentity{HostName: "api-a", PID: 7})
	store := newMemoryStore()
	publisher := &recordingPublisher{}
	return &fixture{
		service:   New(factory, store, publisher, logs, clk, zap.NewNop()),
		store:     store,
		publisher: publisher,
		clock:     clk,
	}
}

func TestService_CreateSyncPackageTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	task, err := f.service.CreateSyncPackageTask(ctx, "@scope/pkg", &models.SyncPackageOptions{AuthorID: "alice", AuthorIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "task0001", task.TaskID)
	assert.NotZero(t, task.Meta.ID)
	assert.Equal(t, "/packages/@scope/pkg/syncs/2026/10/191530-task0001.log", task.LogPath)
	assert.Equal(t, []models.TaskMessage{{TaskID: "task0001", Type: models.TaskTypeSyncPackage}}, f.publisher.messages)

	again, err := f.service.CreateSyncPackageTask(ctx, "@scope/pkg", nil)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, again.TaskID)
	assert.Len(t, f.publisher.messages, 1)

	// a running sync does not block a new one
	task.State = models.TaskStateProcessing
	next, err := f.service.CreateSyncPackageTask(ctx, "@scope/pkg", nil)
	require.NoError(t, err)
	assert.Equal(t, "task0002", next.TaskID)
}

func TestService_CreateSyncPackageTask_DuplicateWaitingTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.service.CreateSyncPackageTask(ctx, "pkg", nil)
	require.NoError(t, err)
	first.State = models.TaskStateProcessing
	second, err := f.service.CreateSyncPackageTask(ctx, "pkg", nil)
	require.NoError(t, err)

	// a retried attempt returns to waiting next to the newer task
	first.State = models.TaskStateWaiting
	again, err := f.service.CreateSyncPackageTask(ctx, "pkg", nil)
	require.NoError(t, err)
	assert.Equal(t, second.TaskID, again.TaskID)
	assert.Len(t, f.store.tasks, 2)
	assert.Len(t, f.publisher.messages, 2)
}

func TestService_CreateSyncBinaryTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	task, err := f.service.CreateSyncBinaryTask(ctx, "node", map[string]any{"lastVersion": "v22.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "pid_7", task.AuthorID)
	lastVersion, ok := task.Data.(*models.SyncBinaryPayload).Get("lastVersion")
	assert.True(t, ok)
	assert.Equal(t, "v22.0.0", lastVersion)

	task.State = models.TaskStateProcessing
	again, err := f.service.CreateSyncBinaryTask(ctx, "node", nil)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, again.TaskID)

	task.State = models.TaskStateSuccess
	next, err := f.service.CreateSyncBinaryTask(ctx, "node", nil)
	require.NoError(t, err)
	assert.NotEqual(t, task.TaskID, next.TaskID)
}

func TestService_EnsureChangesStreamTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	task, err := f.service.EnsureChangesStreamTask(ctx, "registry-a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskTypeChangesStream, task.Type)
	assert.Empty(t, task.LogPath)

	again, err := f.service.EnsureChangesStreamTask(ctx, "registry-a")
	require.NoError(t, err)
	assert.Same(t, task, again)

	other, err := f.service.EnsureChangesStreamTask(ctx, "registry-b")
	require.NoError(t, err)
	assert.NotEqual(t, task.TaskID, other.TaskID)
}

func TestService_PublishFailureKeepsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.publisher.err = errors.New("nats down")

	task, err := f.service.CreateSyncPackageTask(context.Background(), "pkg", nil)
	require.NoError(t, err)

	stored, err := f.store.FindTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateWaiting, stored.State)
}

func TestService_ReadTaskLog(t *testing.T) {
	t.Parallel()
	f := newFixture(t, staticLogs{"/packages/pkg/syncs/2026/10/191530-task0001.log": "hello\n"})
	ctx := context.Background()

	task, err := f.service.CreateSyncPackageTask(ctx, "pkg", nil)
	require.NoError(t, err)

	data, position, err := f.service.ReadTaskLog(ctx, task.TaskID, "")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.Equal(t, "00000000000000000001", position)

	stream, err := f.service.EnsureChangesStreamTask(ctx, "registry-a")
	require.NoError(t, err)
	data, position, err = f.service.ReadTaskLog(ctx, stream.TaskID, "")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Empty(t, position)

	_, _, err = f.service.ReadTaskLog(ctx, "missing", "")
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestService_SystemStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.service.CreateSyncPackageTask(ctx, "a", nil)
	require.NoError(t, err)
	b, err := f.service.CreateSyncPackageTask(ctx, "b", nil)
	require.NoError(t, err)
	b.State = models.TaskStateSuccess

	state, err := f.service.SystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.TaskState]int{
		models.TaskStateWaiting: 1,
		models.TaskStateSuccess: 1,
	}, state.Tasks)
	assert.Equal(t, f.clock.Now(), state.UpdatedAt)
}
