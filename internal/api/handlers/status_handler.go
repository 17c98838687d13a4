// internal/api/handlers/status_handler.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/fawad-mazhar/regsync/internal/models"
)

type StatusService interface {
	SystemStatus(ctx context.Context) (*models.SystemState, error)
}

type StatusHandler struct {
	service StatusService
	logger  *zap.Logger
}

func NewStatusHandler(service StatusService, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		service: service,
		logger:  logger,
	}
}

func (h *StatusHandler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.SystemStatus(r.Context())
	if err != nil {
		h.logger.Error("failed to get system status", zap.Error(err))
		http.Error(w, "failed to get system status", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(status)
}
