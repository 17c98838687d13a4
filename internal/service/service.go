// internal/service/service.go
package service

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/models"
)

// TaskStore persists tasks
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	FindTask(ctx context.Context, taskID string) (*models.Task, error)
	FindTaskByTarget(ctx context.Context, taskType models.TaskType, targetName string, states ...models.TaskState) (*models.Task, error)
	CountTasksByState(ctx context.Context) (map[models.TaskState]int, error)
}

// TaskPublisher hands waiting tasks to the runners
type TaskPublisher interface {
	PublishTask(ctx context.Context, msg models.TaskMessage) error
}

// LogReader reads task logs
type LogReader interface {
	Read(logPath string, after string) ([]byte, string, error)
}

// Service creates tasks and answers questions about them
type Service struct {
	factory   *models.TaskFactory
	store     TaskStore
	publisher TaskPublisher
	logs      LogReader
	clock     clockwork.Clock
	logger    *zap.Logger
}

func New(factory *models.TaskFactory, store TaskStore, publisher TaskPublisher, logs LogReader, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{
		factory:   factory,
		store:     store,
		publisher: publisher,
		logs:      logs,
		clock:     clock,
		logger:    logger,
	}
}

// CreateSyncPackageTask queues a sync of package fullName. A sync that is
// still waiting for the same package is returned instead of a new one.
//
// The lookup and the insert are separate statements, so concurrent requests
// for the same target can each create a task. A duplicate sync only repeats
// work: the runner claims every task on its own. A unique index cannot back
// this because a retried task returns to waiting next to a newer one.
func (s *Service) CreateSyncPackageTask(ctx context.Context, fullName string, opts *models.SyncPackageOptions) (*models.Task, error) {
	existing, err := s.findActive(ctx, models.TaskTypeSyncPackage, fullName, models.TaskStateWaiting)
	if err != nil || existing != nil {
		return existing, err
	}

	task, err := s.factory.CreateSyncPackage(fullName, opts)
	if err != nil {
		return nil, err
	}
	return task, s.createTask(ctx, task)
}

// CreateSyncBinaryTask queues a sync of binary targetName unless one is
// already waiting or running. Like CreateSyncPackageTask the check is best effort.
func (s *Service) CreateSyncBinaryTask(ctx context.Context, targetName string, lastData map[string]any) (*models.Task, error) {
	existing, err := s.findActive(ctx, models.TaskTypeSyncBinary, targetName, models.TaskStateWaiting, models.TaskStateProcessing)
	if err != nil || existing != nil {
		return existing, err
	}

	task, err := s.factory.CreateSyncBinary(targetName, lastData)
	if err != nil {
		return nil, err
	}
	return task, s.createTask(ctx, task)
}

// EnsureChangesStreamTask returns the live changes stream task of
// targetName, creating it when there is none
func (s *Service) EnsureChangesStreamTask(ctx context.Context, targetName string) (*models.Task, error) {
	existing, err := s.findActive(ctx, models.TaskTypeChangesStream, targetName, models.TaskStateWaiting, models.TaskStateProcessing)
	if err != nil || existing != nil {
		return existing, err
	}

	task, err := s.factory.CreateChangesStream(targetName)
	if err != nil {
		return nil, err
	}
	return task, s.createTask(ctx, task)
}

func (s *Service) findActive(ctx context.Context, taskType models.TaskType, targetName string, states ...models.TaskState) (*models.Task, error) {
	task, err := s.store.FindTaskByTarget(ctx, taskType, targetName, states...)
	if errors.Is(err, models.ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up %s task for %s", taskType, targetName)
	}

	s.logger.Info("reusing active task",
		zap.String("task_id", task.TaskID),
		zap.String("task_type", string(taskType)),
		zap.String("target", targetName),
		zap.String("state", string(task.State)),
	)
	return task, nil
}

// createTask stores the task and publishes it. A failed publish is only
// logged: the task is stored as waiting and the runners requeue it once it
// goes stale.
func (s *Service) createTask(ctx context.Context, task *models.Task) error {
	if err := s.store.CreateTask(ctx, task); err != nil {
		return errors.Wrapf(err, "failed to store task %s", task.TaskID)
	}

	logger := s.logger.With(zap.String("task_id", task.TaskID), zap.String("task_type", string(task.Type)))
	if err := s.publisher.PublishTask(ctx, models.TaskMessage{TaskID: task.TaskID, Type: task.Type}); err != nil {
		logger.Warn("failed to publish task", zap.Error(err))
		return nil
	}

	logger.Info("task created", zap.String("target", task.TargetName), zap.String("log_path", task.LogPath))
	return nil
}

func (s *Service) FindTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.store.FindTask(ctx, taskID)
}

// ReadTaskLog returns the log of the current attempt written after position
func (s *Service) ReadTaskLog(ctx context.Context, taskID string, after string) ([]byte, string, error) {
	task, err := s.store.FindTask(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	if task.LogPath == "" {
		return nil, after, nil
	}
	return s.logs.Read(task.LogPath, after)
}

// SystemStatus counts tasks per state
func (s *Service) SystemStatus(ctx context.Context) (*models.SystemState, error) {
	counts, err := s.store.CountTasksByState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tasks")
	}
	return &models.SystemState{
		Tasks:     counts,
		UpdatedAt: s.clock.Now(),
	}, nil
}
