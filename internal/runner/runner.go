// internal/runner/runner.go
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/config"
	"github.com/fawad-mazhar/regsync/internal/models"
	"github.com/fawad-mazhar/regsync/internal/queue"
	"github.com/fawad-mazhar/regsync/internal/worker"
)

const (
	healthCheckInterval = 1 * time.Minute
	ackProgressInterval = 10 * time.Second
	busyRedeliveryDelay = 1 * time.Second
	saveTimeout         = 10 * time.Second
	staleBatchSize      = 100
)

// TaskStore persists tasks
type TaskStore interface {
	FindTask(ctx context.Context, taskID string) (*models.Task, error)
	SaveTask(ctx context.Context, task *models.Task, ownedAttempts int) error
	ClaimTask(ctx context.Context, taskID string) (bool, error)
	FindStaleTasks(ctx context.Context, state models.TaskState, staleAfter time.Duration, limit int) ([]*models.Task, error)
	ResetStaleTask(ctx context.Context, taskID string, state models.TaskState, updatedAt time.Time) (bool, error)
	TouchTask(ctx context.Context, taskID string, attempts int) error
}

// TaskQueue delivers task messages and carries runner status
type TaskQueue interface {
	PublishTask(ctx context.Context, msg models.TaskMessage) error
	ConsumeTasks(ctx context.Context) (<-chan queue.Delivery, error)
	PublishStatus(ctx context.Context, status *models.StatusMessage) error
}

// LogStore receives task log chunks
type LogStore interface {
	Append(logPath string, data []byte) (string, error)
}

type Runner struct {
	id           string
	host         models.HostIdentity
	config       config.WorkerConfig
	store        TaskStore
	queue        TaskQueue
	logs         LogStore
	registry     *worker.Registry
	clock        clockwork.Clock
	logger       *zap.Logger
	retry        *backoff.ExponentialBackOff
	taskTimeout  time.Duration
	staleAfter   time.Duration
	workerPool   chan struct{}
	workers      sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
	isShutdown   bool
	shutdownLock sync.RWMutex
	ongoingTasks sync.Map
}

// settlement tells how the delivery of a processed task is settled
type settlement struct {
	requeue bool
	delay   time.Duration
}

func NewRunner(cfg config.WorkerConfig, host models.HostIdentity, store TaskStore, queue TaskQueue, logs LogStore, registry *worker.Registry, clock clockwork.Clock, logger *zap.Logger) *Runner {
	id := uuid.New().String()
	staleAfter := config.Seconds(cfg.StaleAfter)
	return &Runner{
		id:          id,
		host:        host,
		config:      cfg,
		store:       store,
		queue:       queue,
		logs:        logs,
		registry:    registry,
		clock:       clock,
		logger:      logger.With(zap.String("runner_id", id), zap.String("worker", host.Worker())),
		retry:       newRetryBackoff(config.Seconds(cfg.RetryDelay), staleAfter),
		taskTimeout: config.Seconds(cfg.TaskTimeout),
		staleAfter:  staleAfter,
		workerPool:  make(chan struct{}, cfg.MaxWorkers),
		stopChan:    make(chan struct{}),
	}
}

// Start consumes task messages until ctx is done or the runner is shut down
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("starting runner", zap.Int("max_workers", r.config.MaxWorkers))

	if err := r.publishStatus(models.RunnerStarted); err != nil {
		r.logger.Warn("failed to publish start status", zap.Error(err))
	}

	deliveries, err := r.queue.ConsumeTasks(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to start consuming tasks")
	}

	// Tasks left behind by runners that died
	r.recoverStaleTasks(ctx)

	go r.runHealthChecks()
	go r.runStaleChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopChan:
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("tasks channel closed")
			}
			r.dispatch(ctx, delivery)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, delivery queue.Delivery) {
	var msg models.TaskMessage
	if err := json.Unmarshal(delivery.Data(), &msg); err != nil || msg.TaskID == "" {
		// Redelivering a malformed message cannot help
		r.logger.Warn("dropping malformed task message", zap.Error(err), zap.ByteString("data", delivery.Data()))
		r.settle(delivery, msg.TaskID, settlement{})
		return
	}

	select {
	case r.workerPool <- struct{}{}:
		r.workers.Add(1)
		go func() {
			defer func() {
				<-r.workerPool
				r.workers.Done()
			}()
			r.handleDelivery(ctx, msg, delivery)
		}()
	default:
		if err := delivery.Nak(busyRedeliveryDelay); err != nil {
			r.logger.Warn("failed to nak task message", zap.String("task_id", msg.TaskID), zap.Error(err))
		}
	}
}

func (r *Runner) handleDelivery(ctx context.Context, msg models.TaskMessage, delivery queue.Delivery) {
	done := make(chan struct{})
	defer close(done)
	go r.keepInProgress(delivery, done)

	result, err := r.processTask(ctx, msg.TaskID)
	if err != nil {
		r.logger.Error("failed to process task", zap.String("task_id", msg.TaskID), zap.Error(err))
		result = settlement{requeue: true, delay: retryDelay(r.retry, 1)}
	}
	r.settle(delivery, msg.TaskID, result)
}

// keepInProgress stops the queue from redelivering a message whose task is still running
func (r *Runner) keepInProgress(delivery queue.Delivery, done <-chan struct{}) {
	ticker := r.clock.NewTicker(ackProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if err := delivery.InProgress(); err != nil {
				r.logger.Warn("failed to extend task message", zap.Error(err))
			}
		}
	}
}

func (r *Runner) settle(delivery queue.Delivery, taskID string, result settlement) {
	var err error
	if result.requeue {
		err = delivery.Nak(result.delay)
	} else {
		err = delivery.Ack()
	}
	if err != nil {
		r.logger.Warn("failed to settle task message", zap.String("task_id", taskID), zap.Error(err))
	}
}

// processTask runs one attempt of the task. Messages of tasks that are gone,
// no longer waiting or claimed by another runner are settled without work.
func (r *Runner) processTask(ctx context.Context, taskID string) (settlement, error) {
	logger := r.logger.With(zap.String("task_id", taskID))

	task, err := r.store.FindTask(ctx, taskID)
	if errors.Is(err, models.ErrTaskNotFound) {
		logger.Warn("task not found")
		return settlement{}, nil
	}
	if err != nil {
		return settlement{}, errors.Wrap(err, "failed to load task")
	}
	if task.State != models.TaskStateWaiting {
		logger.Debug("task is not waiting", zap.String("state", string(task.State)))
		return settlement{}, nil
	}

	claimed, err := r.store.ClaimTask(ctx, taskID)
	if err != nil {
		return settlement{}, errors.Wrap(err, "failed to claim task")
	}
	if !claimed {
		logger.Debug("task claimed by another runner")
		return settlement{}, nil
	}

	task.State = models.TaskStateProcessing
	task.Attempts++

	r.ongoingTasks.Store(task.TaskID, task.Attempts)
	defer r.ongoingTasks.Delete(task.TaskID)

	if task.Attempts > 1 || task.LogPath == "" {
		task.RotateLogPath(r.clock.Now())
	}
	task.Error = ""
	task.BindExecutionWorker(r.host)
	if err := r.store.SaveTask(ctx, task, task.Attempts-1); errors.Is(err, models.ErrTaskSuperseded) {
		logger.Warn("task taken over before it started", zap.Error(err))
		return settlement{}, nil
	} else if err != nil {
		return settlement{}, errors.Wrap(err, "failed to save processing task")
	}

	logger = logger.With(zap.String("task_type", string(task.Type)), zap.Int("attempt", task.Attempts))
	logger.Info("processing task", zap.String("target", task.TargetName), zap.String("log_path", task.LogPath))

	log := newTaskLog(r.logs, task.LogPath, task.LogStorePosition)
	execErr := r.execute(ctx, task, log)

	result := settlement{}
	switch {
	case execErr == nil:
		task.State = models.TaskStateSuccess
	case ctx.Err() != nil:
		// the runner is going away, another one takes over right away
		task.State = models.TaskStateWaiting
		result = settlement{requeue: true}
	case errors.Is(execErr, context.DeadlineExceeded):
		task.State = models.TaskStateTimeout
	case errors.Is(execErr, worker.ErrHandlerNotFound):
		task.State = models.TaskStateFail
	case task.Attempts < r.config.MaxAttempts:
		task.State = models.TaskStateWaiting
		result = settlement{requeue: true, delay: retryDelay(r.retry, task.Attempts)}
	default:
		task.State = models.TaskStateFail
	}
	if execErr != nil {
		task.Error = execErr.Error()
	}

	r.writeFooter(log, task, result)
	task.LogStorePosition = log.Position()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := r.store.SaveTask(saveCtx, task, task.Attempts); errors.Is(err, models.ErrTaskSuperseded) {
		// Another runner recovered the task meanwhile, its attempt owns the row and the queue message
		logger.Warn("dropping result of superseded attempt", zap.String("state", string(task.State)), zap.Error(execErr))
		return settlement{}, nil
	} else if err != nil {
		return settlement{}, errors.Wrapf(err, "failed to save %s task", task.State)
	}

	if execErr != nil {
		logger.Warn("task attempt failed", zap.String("state", string(task.State)), zap.Duration("retry_in", result.delay), zap.Error(execErr))
	} else {
		logger.Info("task succeeded")
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, task *models.Task, log io.Writer) error {
	handler, err := r.registry.Get(task.Type)
	if err != nil {
		fmt.Fprintf(log, "[%s] %v\n", r.timestamp(), err)
		return err
	}

	// The changes stream follows the registry for as long as it is allowed to
	if task.Type != models.TaskTypeChangesStream && r.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		defer cancel()
	}

	fmt.Fprintf(log, "[%s] %s %s attempt %d started on %s\n", r.timestamp(), task.Type, task.TargetName, task.Attempts, r.host.Worker())
	return handler.Handle(ctx, task, log)
}

func (r *Runner) writeFooter(log io.Writer, task *models.Task, result settlement) {
	switch {
	case task.State == models.TaskStateSuccess:
		fmt.Fprintf(log, "[%s] attempt %d succeeded\n", r.timestamp(), task.Attempts)
	case result.requeue:
		fmt.Fprintf(log, "[%s] attempt %d failed: %s, retry in %s\n", r.timestamp(), task.Attempts, task.Error, result.delay)
	default:
		fmt.Fprintf(log, "[%s] attempt %d finished as %s: %s\n", r.timestamp(), task.Attempts, task.State, task.Error)
	}
}

func (r *Runner) timestamp() string {
	return r.clock.Now().UTC().Format(time.RFC3339)
}

// recoverStaleTasks requeues processing tasks whose runner stopped updating
// them and waiting tasks whose message got lost
func (r *Runner) recoverStaleTasks(ctx context.Context) {
	for _, state := range []models.TaskState{models.TaskStateProcessing, models.TaskStateWaiting} {
		tasks, err := r.store.FindStaleTasks(ctx, state, r.staleAfter, staleBatchSize)
		if err != nil {
			r.logger.Error("failed to find stale tasks", zap.String("state", string(state)), zap.Error(err))
			continue
		}

		for _, task := range tasks {
			if _, ongoing := r.ongoingTasks.Load(task.TaskID); ongoing {
				continue
			}

			reset, err := r.store.ResetStaleTask(ctx, task.TaskID, state, task.Meta.UpdatedAt)
			if err != nil {
				r.logger.Error("failed to reset stale task", zap.String("task_id", task.TaskID), zap.Error(err))
				continue
			}
			if !reset {
				// Another runner recovered it or its worker came back
				continue
			}

			if err := r.queue.PublishTask(ctx, models.TaskMessage{TaskID: task.TaskID, Type: task.Type}); err != nil {
				r.logger.Error("failed to requeue stale task", zap.String("task_id", task.TaskID), zap.Error(err))
				continue
			}
			r.logger.Info("recovered stale task", zap.String("task_id", task.TaskID), zap.String("state", string(state)))
		}
	}
}

// touchOngoingTasks keeps long running tasks of this runner from going stale
func (r *Runner) touchOngoingTasks(ctx context.Context) {
	r.ongoingTasks.Range(func(key, value any) bool {
		taskID := key.(string)
		if err := r.store.TouchTask(ctx, taskID, value.(int)); err != nil {
			r.logger.Warn("failed to touch task", zap.String("task_id", taskID), zap.Error(err))
		}
		return true
	})
}

func (r *Runner) runStaleChecks(ctx context.Context) {
	ticker := r.clock.NewTicker(config.Seconds(r.config.StaleCheckInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			r.touchOngoingTasks(ctx)
			r.recoverStaleTasks(ctx)
		}
	}
}

func (r *Runner) runHealthChecks() {
	ticker := r.clock.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			if err := r.publishStatus(models.RunnerHealthy); err != nil {
				r.logger.Warn("failed to publish health status", zap.Error(err))
			}
		}
	}
}

func (r *Runner) activeTasks() int {
	active := 0
	r.ongoingTasks.Range(func(_, _ any) bool {
		active++
		return true
	})
	return active
}

func (r *Runner) publishStatus(event models.RunnerEventType) error {
	now := r.clock.Now()
	status := &models.StatusMessage{
		Type:      "runner",
		ID:        r.id,
		Status:    string(event),
		Timestamp: now,
		Metadata: &models.RunnerStatus{
			ID:          r.id,
			Worker:      r.host.Worker(),
			Event:       event,
			Timestamp:   now,
			WorkerCount: r.config.MaxWorkers,
			ActiveTasks: r.activeTasks(),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return r.queue.PublishStatus(ctx, status)
}

// Shutdown stops consuming and waits up to timeout for running tasks
func (r *Runner) Shutdown(timeout time.Duration) error {
	if err := r.publishStatus(models.RunnerStopping); err != nil {
		r.logger.Warn("failed to publish stopping status", zap.Error(err))
	}

	r.shutdownLock.Lock()
	r.isShutdown = true
	r.shutdownLock.Unlock()

	r.stopOnce.Do(func() { close(r.stopChan) })

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
	case <-r.clock.After(timeout):
		shutdownErr = errors.Errorf("shutdown timed out after %v", timeout)
	}

	if err := r.publishStatus(models.RunnerStopped); err != nil {
		r.logger.Warn("failed to publish stopped status", zap.Error(err))
	}

	return shutdownErr
}

// Wait blocks until every running task has been settled
func (r *Runner) Wait() {
	r.workers.Wait()
}

// IsShutdown returns the current shutdown status
func (r *Runner) IsShutdown() bool {
	r.shutdownLock.RLock()
	defer r.shutdownLock.RUnlock()
	return r.isShutdown
}
