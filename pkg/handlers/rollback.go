package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/rollback"
)

// Rollbacker starts and tracks rollbacks. *rollback.Engine implements it.
type Rollbacker interface {
	CanRollback(ctx context.Context, deploymentID uuid.UUID) (models.RollbackCapability, error)
	Start(ctx context.Context, deploymentID uuid.UUID, opts rollback.Options, progress rollback.ProgressFunc) (uuid.UUID, error)
	Status(rollbackID uuid.UUID) (*models.RollbackStatus, bool)
}

var _ Rollbacker = (*rollback.Engine)(nil)

// ExecuteRollbackRequest for POST /api/rollback/{id}/execute
type ExecuteRollbackRequest struct {
	Confirm bool             `json:"confirm"`
	Options rollback.Options `json:"options"`
}

// ExecuteRollbackResponse is returned with 202 Accepted.
type ExecuteRollbackResponse struct {
	Success      bool   `json:"success"`
	RollbackID   string `json:"rollbackId"`
	DeploymentID string `json:"deploymentId"`
	StatusURL    string `json:"statusUrl"`
}

// RollbackHandler serves rollback capability checks, execution and status.
type RollbackHandler struct {
	rollbacks Rollbacker
	logger    *zap.Logger
}

// NewRollbackHandler creates a new rollback handler.
func NewRollbackHandler(rollbacks Rollbacker, logger *zap.Logger) *RollbackHandler {
	return &RollbackHandler{rollbacks: rollbacks, logger: logger}
}

// RegisterRoutes registers the rollback handler's routes on the given mux.
func (h *RollbackHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rollback/{id}/can-rollback", h.CanRollback)
	mux.HandleFunc("POST /api/rollback/{id}/execute", h.Execute)
	mux.HandleFunc("GET /api/rollback/{id}/status", h.Status)
}

// CanRollback handles GET /api/rollback/{id}/can-rollback
func (h *RollbackHandler) CanRollback(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := ParseDeploymentID(w, r, h.logger)
	if !ok {
		return
	}

	capability, err := h.rollbacks.CanRollback(r.Context(), deploymentID)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, capability); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Execute handles POST /api/rollback/{id}/execute.
// The rollback runs in the background; poll the returned status URL.
func (h *RollbackHandler) Execute(w http.ResponseWriter, r *http.Request) {
	deploymentID, ok := ParseDeploymentID(w, r, h.logger)
	if !ok {
		return
	}

	var req ExecuteRollbackRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if !req.Confirm {
		if err := ErrorResponse(w, http.StatusBadRequest, "confirmation_required",
			"Rollback deletes deployed components; set confirm to true"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	rollbackID, err := h.rollbacks.Start(r.Context(), deploymentID, req.Options, nil)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	h.logger.Info("Rollback accepted",
		zap.String("deployment_id", deploymentID.String()),
		zap.String("rollback_id", rollbackID.String()),
		zap.Bool("keep_publisher", req.Options.KeepPublisher),
		zap.Bool("keep_solution", req.Options.KeepSolution))

	if err := WriteJSON(w, http.StatusAccepted, ExecuteRollbackResponse{
		Success:      true,
		RollbackID:   rollbackID.String(),
		DeploymentID: deploymentID.String(),
		StatusURL:    "/api/rollback/" + rollbackID.String() + "/status",
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Status handles GET /api/rollback/{id}/status
func (h *RollbackHandler) Status(w http.ResponseWriter, r *http.Request) {
	rollbackID, ok := ParseRollbackID(w, r, h.logger)
	if !ok {
		return
	}

	status, found := h.rollbacks.Status(rollbackID)
	if !found {
		if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Rollback not found or expired"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if err := WriteJSON(w, http.StatusOK, status); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
