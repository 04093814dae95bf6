package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/services"
)

// DeploymentsHandler serves deployment history and cancellation.
type DeploymentsHandler struct {
	historyService    services.HistoryService
	deploymentService services.DeploymentService
	logger            *zap.Logger
}

// NewDeploymentsHandler creates a new deployments handler.
func NewDeploymentsHandler(
	historyService services.HistoryService,
	deploymentService services.DeploymentService,
	logger *zap.Logger,
) *DeploymentsHandler {
	return &DeploymentsHandler{
		historyService:    historyService,
		deploymentService: deploymentService,
		logger:            logger,
	}
}

// RegisterRoutes registers the deployments handler's routes on the given mux.
func (h *DeploymentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/deployments/history", h.History)
	mux.HandleFunc("GET /api/deployments/compare", h.Compare)
	mux.HandleFunc("GET /api/deployments/{id}/details", h.Details)
	mux.HandleFunc("POST /api/deployments/{id}/cancel", h.Cancel)
}

// History handles GET /api/deployments/history?environment=&status=&limit=&offset=
func (h *DeploymentsHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := models.DeploymentHistoryFilters{
		Environment: q.Get("environment"),
		Status:      models.DeploymentStatus(q.Get("status")),
	}
	for param, dst := range map[string]*int{"limit": &filters.Limit, "offset": &filters.Offset} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_"+param, param+" must be a non-negative integer"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		*dst = n
	}

	page, err := h.historyService.List(r.Context(), filters)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, page); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Details handles GET /api/deployments/{id}/details
func (h *DeploymentsHandler) Details(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDeploymentID(w, r, h.logger)
	if !ok {
		return
	}

	record, err := h.historyService.Get(r.Context(), id)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"deployment": record,
		"running":    h.deploymentService.IsRunning(id),
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Compare handles GET /api/deployments/compare?from=&to=
func (h *DeploymentsHandler) Compare(w http.ResponseWriter, r *http.Request) {
	from, ok := parseQueryID(w, r, "from", h.logger)
	if !ok {
		return
	}
	to, ok := parseQueryID(w, r, "to", h.logger)
	if !ok {
		return
	}

	cmp, err := h.historyService.Compare(r.Context(), from, to)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, cmp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Cancel handles POST /api/deployments/{id}/cancel.
// Cancellation is cooperative: the deployment stops at its next checkpoint.
func (h *DeploymentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDeploymentID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.deploymentService.Cancel(id); err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"deploymentId": id.String(),
		"message":      "Cancellation requested",
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
