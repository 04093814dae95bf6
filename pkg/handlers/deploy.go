package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/services"
)

// DeployResponse is the final outcome of a deployment.
type DeployResponse struct {
	Success      bool                     `json:"success"`
	DeploymentID string                   `json:"deploymentId"`
	Status       models.DeploymentStatus  `json:"status"`
	Summary      models.DeploymentSummary `json:"summary"`
	Record       *models.DeploymentRecord `json:"record"`
	Error        string                   `json:"error,omitempty"`
}

// DeployHandlerConfig tunes the deploy endpoint.
type DeployHandlerConfig struct {
	// TestMode answers with one JSON document instead of a progress stream.
	TestMode          bool
	HeartbeatInterval time.Duration
}

// DeployHandler runs deployments and streams their progress.
type DeployHandler struct {
	deploymentService services.DeploymentService
	config            DeployHandlerConfig
	logger            *zap.Logger
}

// NewDeployHandler creates a new deploy handler.
func NewDeployHandler(deploymentService services.DeploymentService, config DeployHandlerConfig, logger *zap.Logger) *DeployHandler {
	return &DeployHandler{
		deploymentService: deploymentService,
		config:            config,
		logger:            logger,
	}
}

// RegisterRoutes registers the deploy handler's routes on the given mux.
func (h *DeployHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", h.Deploy)
	mux.HandleFunc("GET /api/environments", h.Environments)
}

// Deploy handles POST /upload.
// Request errors are answered before the stream opens. Once the stream is
// open every outcome, including failure, arrives as the final event.
func (h *DeployHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req services.DeployRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	prepared, err := h.deploymentService.Prepare(r.Context(), req)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	if h.config.TestMode || r.URL.Query().Get("stream") == "false" {
		h.deploySync(w, r, prepared)
		return
	}
	h.deployStream(w, r, prepared)
}

func (h *DeployHandler) deploySync(w http.ResponseWriter, r *http.Request, prepared *services.PreparedDeployment) {
	record, err := h.deploymentService.Run(r.Context(), prepared, nil)
	if record == nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, deployResponse(record, err)); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *DeployHandler) deployStream(w http.ResponseWriter, r *http.Request, prepared *services.PreparedDeployment) {
	deploymentID := prepared.Plan.DeploymentID.String()
	stream := newNDJSONStream(w, h.logger.With(zap.String("deployment_id", deploymentID)))

	stream.send(StreamEvent{
		Type:    EventConnected,
		Message: "Deployment started",
		Data: map[string]any{
			"deploymentId": deploymentID,
			"environment":  prepared.Plan.Environment.Name,
			"entities":     len(prepared.Plan.Schema.CustomEntities()),
		},
	})

	stop := make(chan struct{})
	defer close(stop)
	go stream.heartbeat(h.config.HeartbeatInterval, stop)

	// Step transitions become progress events; repeated messages within a
	// step are per-item log lines. Calls are serialized by the orchestrator.
	var current models.DeploymentStep
	progress := func(step models.DeploymentStep, message string, details map[string]any) {
		ev := StreamEvent{Type: EventLog, Step: string(step), Message: message, Details: details}
		if step != current {
			current = step
			ev.Type = EventProgress
			pct := stepPercent(step)
			ev.Progress = &pct
		}
		stream.send(ev)
	}

	record, err := h.deploymentService.Run(r.Context(), prepared, progress)
	if record == nil {
		stream.send(StreamEvent{Type: EventFinal, Data: DeployResponse{
			DeploymentID: deploymentID,
			Status:       models.DeploymentStatusFailed,
			Error:        err.Error(),
		}})
		return
	}
	stream.send(StreamEvent{Type: EventFinal, Step: string(record.Step), Data: deployResponse(record, err)})
}

func deployResponse(record *models.DeploymentRecord, saveErr error) DeployResponse {
	resp := DeployResponse{
		Success:      record.Status.IsSuccess(),
		DeploymentID: record.ID.String(),
		Status:       record.Status,
		Summary:      record.Summary,
		Record:       record,
	}
	if saveErr != nil {
		resp.Error = saveErr.Error()
	}
	return resp
}

// stepPercent maps a step to overall completion. Terminal failure steps
// report 100 since nothing further will happen.
func stepPercent(step models.DeploymentStep) int {
	if step.IsTerminal() {
		return 100
	}
	order, ok := models.DeploymentStepOrder[step]
	if !ok {
		return 0
	}
	return order * 100 / models.DeploymentStepOrder[models.StepCompleted]
}

// Environments handles GET /api/environments
func (h *DeployHandler) Environments(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"environments": h.deploymentService.Environments(),
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
