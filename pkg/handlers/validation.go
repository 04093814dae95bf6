package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/autofix"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// ValidateRequest for POST /api/validate-erd
type ValidateRequest struct {
	MermaidContent string                     `json:"mermaidContent"`
	Options        services.ValidationOptions `json:"options"`
}

// BulkFixRequest for POST /api/validation/bulk-fix
type BulkFixRequest struct {
	MermaidContent string                     `json:"mermaidContent"`
	Warnings       []models.Warning           `json:"warnings"`
	FixTypes       autofix.Selection          `json:"fixTypes"`
	Options        services.ValidationOptions `json:"options"`
}

// FixWarningRequest for POST /api/validation/fix-warning
type FixWarningRequest struct {
	MermaidContent string                     `json:"mermaidContent"`
	WarningID      string                     `json:"warningId"`
	Options        services.ValidationOptions `json:"options"`
}

// ============================================================================
// Handler
// ============================================================================

// ValidationHandler serves diagram validation and auto-fix.
type ValidationHandler struct {
	validationService services.ValidationService
	logger            *zap.Logger
}

// NewValidationHandler creates a new validation handler.
func NewValidationHandler(validationService services.ValidationService, logger *zap.Logger) *ValidationHandler {
	return &ValidationHandler{
		validationService: validationService,
		logger:            logger,
	}
}

// RegisterRoutes registers the validation handler's routes on the given mux.
func (h *ValidationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/validate-erd", h.Validate)
	mux.HandleFunc("POST /api/validation/bulk-fix", h.BulkFix)
	mux.HandleFunc("POST /api/validation/fix-warning", h.FixWarning)
}

// Validate handles POST /api/validate-erd.
// Responds 422 with the full result when the diagram has blocking errors.
func (h *ValidationHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	result, err := h.validationService.Validate(req.MermaidContent, req.Options)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	if err := WriteJSON(w, status, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// BulkFix handles POST /api/validation/bulk-fix
func (h *ValidationHandler) BulkFix(w http.ResponseWriter, r *http.Request) {
	var req BulkFixRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	result, err := h.validationService.BulkFix(req.MermaidContent, req.Warnings, req.FixTypes, req.Options)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// FixWarning handles POST /api/validation/fix-warning
func (h *ValidationHandler) FixWarning(w http.ResponseWriter, r *http.Request) {
	var req FixWarningRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	result, err := h.validationService.FixWarning(req.MermaidContent, req.WarningID, req.Options)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
