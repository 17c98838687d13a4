// internal/api/routes/routes_test.go
package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/api/handlers"
	"github.com/fawad-mazhar/regsync/internal/config"
	"github.com/fawad-mazhar/regsync/internal/models"
	"github.com/fawad-mazhar/regsync/internal/storage/leveldb"
)

type fakeService struct {
	fullName string
	options  *models.SyncPackageOptions
	binary   string
	lastData map[string]any
	tasks    map[string]*models.Task
	logErr   error
}

func (s *fakeService) newTask(taskType models.TaskType, target string, payload models.Payload) *models.Task {
	logPath := "/packages/" + target + "/syncs/2026/10/191530-task0001.log"
	task, err := models.NewTask(models.TaskData{
		TaskID:     "task0001",
		Type:       taskType,
		State:      models.TaskStateWaiting,
		TargetName: target,
		Data:       payload,
		LogPath:    &logPath,
	})
	if err != nil {
		panic(err)
	}
	return task
}

func (s *fakeService) CreateSyncPackageTask(_ context.Context, fullName string, opts *models.SyncPackageOptions) (*models.Task, error) {
	s.fullName = fullName
	s.options = opts
	return s.newTask(models.TaskTypeSyncPackage, fullName, &models.SyncPackagePayload{}), nil
}

func (s *fakeService) CreateSyncBinaryTask(_ context.Context, targetName string, lastData map[string]any) (*models.Task, error) {
	s.binary = targetName
	s.lastData = lastData
	return s.newTask(models.TaskTypeSyncBinary, targetName, &models.SyncBinaryPayload{}), nil
}

func (s *fakeService) FindTask(_ context.Context, taskID string) (*models.Task, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return task, nil
}

func (s *fakeService) ReadTaskLog(ctx context.Context, taskID string, after string) ([]byte, string, error) {
	if _, err := s.FindTask(ctx, taskID); err != nil {
		return nil, "", err
	}
	if s.logErr != nil {
		return nil, "", s.logErr
	}
	return []byte("line " + after + "\n"), "00000000000000000007", nil
}

func (s *fakeService) SystemStatus(_ context.Context) (*models.SystemState, error) {
	return &models.SystemState{
		Tasks:     map[models.TaskState]int{models.TaskStateWaiting: 2},
		UpdatedAt: time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC),
	}, nil
}

func newTestRouter(svc *fakeService) http.Handler {
	cfg := &config.Config{Server: config.ServerConfig{WriteTimeout: 5}}
	return SetupRouter(cfg, svc, zap.NewNop())
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_SyncPackage(t *testing.T) {
	t.Parallel()
	svc := &fakeService{}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/packages/@scope/pkg/syncs", strings.NewReader(`{"tips":"manual","skipDependencies":true}`))
	req.Header.Set(handlers.AuthorHeader, "alice")
	req.RemoteAddr = "10.1.2.3:5555"
	rec := serve(router, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "@scope/pkg", svc.fullName)
	assert.Equal(t, "alice", svc.options.AuthorID)
	assert.Equal(t, "10.1.2.3", svc.options.AuthorIP)
	assert.Equal(t, "manual", *svc.options.Tips)
	assert.True(t, *svc.options.SkipDependencies)
	assert.Nil(t, svc.options.SyncDownloadData)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "task0001", body["id"])
	assert.Equal(t, "sync_package", body["type"])
	assert.Equal(t, "waiting", body["state"])

	// unscoped, without a body
	rec = serve(router, httptest.NewRequest(http.MethodPut, "/api/v1/packages/lodash/syncs", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "lodash", svc.fullName)
	assert.Nil(t, svc.options.Tips)

	rec = serve(router, httptest.NewRequest(http.MethodPut, "/api/v1/packages/lodash/syncs", strings.NewReader(`{"tips":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodPut, "/api/v1/packages/"+strings.Repeat("a", 215)+"/syncs", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SyncBinary(t *testing.T) {
	t.Parallel()
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := serve(router, httptest.NewRequest(http.MethodPut, "/api/v1/binaries/node/syncs", strings.NewReader(`{"lastVersion":"v22.0.0"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "node", svc.binary)
	assert.Equal(t, map[string]any{"lastVersion": "v22.0.0"}, svc.lastData)
}

func TestRouter_GetTask(t *testing.T) {
	t.Parallel()
	svc := &fakeService{}
	task := svc.newTask(models.TaskTypeSyncPackage, "pkg", &models.SyncPackagePayload{})
	svc.tasks = map[string]*models.Task{task.TaskID: task}
	router := newTestRouter(svc)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task0001", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var decoded models.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, task.LogPath, decoded.LogPath)
	assert.Equal(t, models.TaskTypeSyncPackage, decoded.Data.Kind())

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_GetTaskLog(t *testing.T) {
	t.Parallel()
	svc := &fakeService{}
	task := svc.newTask(models.TaskTypeSyncPackage, "pkg", &models.SyncPackagePayload{})
	svc.tasks = map[string]*models.Task{task.TaskID: task}
	router := newTestRouter(svc)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task0001/log?after=00000000000000000003", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "line 00000000000000000003\n", rec.Body.String())
	assert.Equal(t, "00000000000000000007", rec.Header().Get(handlers.LogPositionHeader))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	svc.logErr = errors.Wrapf(leveldb.ErrInvalidPosition, "%q", "abc")
	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task0001/log?after=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing/log", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_StatusAndHealth(t *testing.T) {
	t.Parallel()
	router := newTestRouter(&fakeService{})

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/system/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tasks":{"waiting":2},"updatedAt":"2026-10-19T15:30:00Z"}`, rec.Body.String())

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
