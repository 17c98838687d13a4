// internal/storage/postgres/client.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fawad-mazhar/regsync/internal/config"
	"github.com/fawad-mazhar/regsync/internal/models"
)

type Client struct {
	db *sql.DB
}

func NewClient(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS tasks (
		id                 BIGSERIAL PRIMARY KEY,
		task_id            VARCHAR(24) NOT NULL UNIQUE,
		type               VARCHAR(32) NOT NULL,
		state              VARCHAR(16) NOT NULL,
		target_name        VARCHAR(214) NOT NULL,
		author_id          VARCHAR(64) NOT NULL DEFAULT '',
		author_ip          VARCHAR(100) NOT NULL DEFAULT '',
		data               JSONB NOT NULL DEFAULT '{}',
		log_path           VARCHAR(512) NOT NULL DEFAULT '',
		log_store_position VARCHAR(64) NOT NULL DEFAULT '',
		attempts           INTEGER NOT NULL DEFAULT 0,
		error              TEXT NOT NULL DEFAULT '',
		biz_id             VARCHAR(100),
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS tasks_type_state_target_idx ON tasks (type, state, target_name);
	CREATE INDEX IF NOT EXISTS tasks_state_updated_at_idx ON tasks (state, updated_at);
	CREATE UNIQUE INDEX IF NOT EXISTS tasks_biz_id_idx ON tasks (biz_id) WHERE biz_id IS NOT NULL;`

// Migrate creates the tasks table when it does not exist yet
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate tasks table")
	}
	return nil
}

const taskColumns = `id, task_id, type, state, target_name, author_id, author_ip, data,
	log_path, log_store_position, attempts, error, biz_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		meta     models.EntityMeta
		data     models.TaskData
		dataJSON []byte
		bizID    sql.NullString
		logPath  string
		position string
		attempts int
		errMsg   string
	)

	err := row.Scan(
		&meta.ID,
		&data.TaskID,
		&data.Type,
		&data.State,
		&data.TargetName,
		&data.AuthorID,
		&data.AuthorIP,
		&dataJSON,
		&logPath,
		&position,
		&attempts,
		&errMsg,
		&bizID,
		&meta.CreatedAt,
		&meta.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrTaskNotFound
		}
		return nil, err
	}

	payload, err := models.DecodePayload(data.Type, dataJSON)
	if err != nil {
		return nil, errors.Wrapf(err, "task %s", data.TaskID)
	}

	data.Meta = meta
	data.Data = payload
	data.LogPath = &logPath
	data.LogStorePosition = &position
	data.Attempts = &attempts
	data.Error = &errMsg
	if bizID.Valid {
		data.BizID = &bizID.String
	}
	return models.NewTask(data)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// CreateTask inserts a new task and stores the assigned row id on it
func (c *Client) CreateTask(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task.Data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task data")
	}

	query := `
		INSERT INTO tasks
		(task_id, type, state, target_name, author_id, author_ip, data,
		 log_path, log_store_position, attempts, error, biz_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	return c.db.QueryRowContext(ctx, query,
		task.TaskID,
		task.Type,
		task.State,
		task.TargetName,
		task.AuthorID,
		task.AuthorIP,
		data,
		task.LogPath,
		task.LogStorePosition,
		task.Attempts,
		task.Error,
		nullString(task.BizID),
		task.Meta.CreatedAt,
		task.Meta.UpdatedAt,
	).Scan(&task.Meta.ID)
}

// SaveTask writes every mutable field of a task owned by the caller. The
// caller owns the task while it is processing at ownedAttempts; once another
// runner reset or claimed it, nothing is written and ErrTaskSuperseded is returned.
func (c *Client) SaveTask(ctx context.Context, task *models.Task, ownedAttempts int) error {
	data, err := json.Marshal(task.Data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task data")
	}

	query := `
		UPDATE tasks
		SET state = $1,
			data = $2,
			log_path = $3,
			log_store_position = $4,
			attempts = $5,
			error = $6,
			updated_at = NOW()
		WHERE task_id = $7 AND state = $8 AND attempts = $9
		RETURNING updated_at`

	err = c.db.QueryRowContext(ctx, query,
		task.State,
		data,
		task.LogPath,
		task.LogStorePosition,
		task.Attempts,
		task.Error,
		task.TaskID,
		models.TaskStateProcessing,
		ownedAttempts,
	).Scan(&task.Meta.UpdatedAt)
	if err == sql.ErrNoRows {
		return errors.Wrapf(models.ErrTaskSuperseded, "task %s", task.TaskID)
	}
	return err
}

func (c *Client) FindTask(ctx context.Context, taskID string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`
	return scanTask(c.db.QueryRowContext(ctx, query, taskID))
}

// FindTaskByTarget returns the most recent task of taskType for targetName in one of states
func (c *Client) FindTaskByTarget(ctx context.Context, taskType models.TaskType, targetName string, states ...models.TaskState) (*models.Task, error) {
	names := make([]string, len(states))
	for i, state := range states {
		names[i] = string(state)
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE type = $1 AND target_name = $2 AND state = ANY($3)
		ORDER BY id DESC
		LIMIT 1`

	return scanTask(c.db.QueryRowContext(ctx, query, taskType, targetName, pq.Array(names)))
}

// ClaimTask moves a waiting task to processing. It returns false when
// another runner claimed the task first or the task is no longer waiting.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (bool, error) {
	query := `
		UPDATE tasks
		SET state = $1, updated_at = NOW()
		WHERE task_id = $2 AND state = $3
		RETURNING task_id`

	var id string
	err := c.db.QueryRowContext(ctx, query,
		models.TaskStateProcessing,
		taskID,
		models.TaskStateWaiting,
	).Scan(&id)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindStaleTasks returns tasks in state that were not updated within
// staleAfter. The cut-off is taken from the database clock that also sets
// updated_at.
func (c *Client) FindStaleTasks(ctx context.Context, state models.TaskState, staleAfter time.Duration, limit int) ([]*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE state = $1 AND updated_at < NOW() - $2 * INTERVAL '1 second'
		ORDER BY updated_at
		LIMIT $3`

	rows, err := c.db.QueryContext(ctx, query, state, staleAfter.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ResetStaleTask moves a task last seen in state at updatedAt back to
// waiting. The update only applies while updated_at still matches, so a
// task whose worker came back to life in the meantime is left alone.
func (c *Client) ResetStaleTask(ctx context.Context, taskID string, state models.TaskState, updatedAt time.Time) (bool, error) {
	query := `
		UPDATE tasks
		SET state = $1, updated_at = NOW()
		WHERE task_id = $2 AND state = $3 AND updated_at = $4
		RETURNING task_id`

	var id string
	err := c.db.QueryRowContext(ctx, query,
		models.TaskStateWaiting,
		taskID,
		state,
		updatedAt,
	).Scan(&id)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TouchTask marks a processing task as alive while it is still at attempts
func (c *Client) TouchTask(ctx context.Context, taskID string, attempts int) error {
	query := `
		UPDATE tasks
		SET updated_at = NOW()
		WHERE task_id = $1 AND state = $2 AND attempts = $3`

	_, err := c.db.ExecContext(ctx, query, taskID, models.TaskStateProcessing, attempts)
	return err
}

// CountTasksByState returns the number of tasks per state
func (c *Client) CountTasksByState(ctx context.Context) (map[models.TaskState]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.TaskState]int)
	for rows.Next() {
		var state models.TaskState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}
