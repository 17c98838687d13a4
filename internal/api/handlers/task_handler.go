// internal/api/handlers/task_handler.go
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/models"
	"github.com/fawad-mazhar/regsync/internal/storage/leveldb"
)

// AuthorHeader carries the id of the user requesting a sync
const AuthorHeader = "X-Author-Id"

// LogPositionHeader carries the position of the last log chunk returned
const LogPositionHeader = "X-Log-Position"

type TaskService interface {
	CreateSyncPackageTask(ctx context.Context, fullName string, opts *models.SyncPackageOptions) (*models.Task, error)
	CreateSyncBinaryTask(ctx context.Context, targetName string, lastData map[string]any) (*models.Task, error)
	FindTask(ctx context.Context, taskID string) (*models.Task, error)
	ReadTaskLog(ctx context.Context, taskID string, after string) ([]byte, string, error)
}

type TaskHandler struct {
	service  TaskService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewTaskHandler(service TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

type syncPackageRequest struct {
	FullName         string  `json:"-" validate:"required,max=214"`
	AuthorID         string  `json:"-" validate:"max=64"`
	Tips             *string `json:"tips" validate:"omitempty,max=1024"`
	SkipDependencies *bool   `json:"skipDependencies"`
	SyncDownloadData *bool   `json:"syncDownloadData"`
	ForceSyncHistory *bool   `json:"forceSyncHistory"`
}

type taskCreatedResponse struct {
	ID      string           `json:"id"`
	Type    models.TaskType  `json:"type"`
	State   models.TaskState `json:"state"`
	LogPath string           `json:"logPath,omitempty"`
}

// decodeOptional decodes the request body into v, an empty body is allowed
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SyncPackage queues a metadata sync of an unscoped or scoped package
func (h *TaskHandler) SyncPackage(w http.ResponseWriter, r *http.Request) {
	fullName := chi.URLParam(r, "name")
	if scope := chi.URLParam(r, "scope"); scope != "" {
		fullName = scope + "/" + fullName
	}

	req := syncPackageRequest{}
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.FullName = fullName
	req.AuthorID = r.Header.Get(AuthorHeader)

	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := h.service.CreateSyncPackageTask(r.Context(), req.FullName, &models.SyncPackageOptions{
		AuthorID:         req.AuthorID,
		AuthorIP:         clientIP(r),
		Tips:             req.Tips,
		SkipDependencies: req.SkipDependencies,
		SyncDownloadData: req.SyncDownloadData,
		ForceSyncHistory: req.ForceSyncHistory,
	})
	if err != nil {
		h.logger.Error("failed to create sync package task", zap.String("target", req.FullName), zap.Error(err))
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	h.writeCreated(w, task)
}

// SyncBinary queues a sync of a binary mirror. The body is the lastData
// document handed over to the new task.
func (h *TaskHandler) SyncBinary(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var lastData map[string]any
	if err := decodeOptional(r, &lastData); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task, err := h.service.CreateSyncBinaryTask(r.Context(), name, lastData)
	if err != nil {
		h.logger.Error("failed to create sync binary task", zap.String("target", name), zap.Error(err))
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	h.writeCreated(w, task)
}

func (h *TaskHandler) writeCreated(w http.ResponseWriter, task *models.Task) {
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(taskCreatedResponse{
		ID:      task.TaskID,
		Type:    task.Type,
		State:   task.State,
		LogPath: task.LogPath,
	})
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.FindTask(r.Context(), chi.URLParam(r, "taskId"))
	if errors.Is(err, models.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get task", zap.Error(err))
		http.Error(w, "failed to get task", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(task)
}

// GetTaskLog returns the log of the current attempt, starting after the
// position given in the "after" query parameter
func (h *TaskHandler) GetTaskLog(w http.ResponseWriter, r *http.Request) {
	data, position, err := h.service.ReadTaskLog(r.Context(), chi.URLParam(r, "taskId"), r.URL.Query().Get("after"))
	switch {
	case errors.Is(err, models.ErrTaskNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
		return
	case errors.Is(err, leveldb.ErrInvalidPosition):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("failed to read task log", zap.Error(err))
		http.Error(w, "failed to read task log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(LogPositionHeader, position)
	w.Write(data)
}
