package services

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/autofix"
	"github.com/ekaya-inc/erd2dataverse/pkg/cdm"
	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/schema"
	"github.com/ekaya-inc/erd2dataverse/pkg/validation"
)

// ValidationOptions carries the user's CDM decision.
type ValidationOptions struct {
	// EntityChoice "cdm" reuses matched standard tables; anything else
	// treats every entity as custom.
	EntityChoice        cdm.EntityChoice `json:"entityChoice,omitempty"`
	SelectedCDMEntities []string         `json:"selectedCdmEntities,omitempty"`
}

// ValidationDetail splits the findings by severity.
type ValidationDetail struct {
	IsValid  bool             `json:"isValid"`
	Errors   []models.Warning `json:"errors"`
	Warnings []models.Warning `json:"warnings"`
	Info     []models.Warning `json:"info"`
}

// ValidationResult is the response of a validation call.
type ValidationResult struct {
	Success       bool                     `json:"success"`
	Validation    ValidationDetail         `json:"validation"`
	Entities      []models.Entity          `json:"entities"`
	Relationships []models.Relationship    `json:"relationships"`
	Warnings      []models.Warning         `json:"warnings"`
	CorrectedERD  string                   `json:"correctedERD"`
	Summary       models.ValidationSummary `json:"summary"`
	CDMDetection  *models.CDMDetection     `json:"cdmDetection"`
}

// Analysis is a parsed and validated document.
type Analysis struct {
	Document  *erd.Document
	Detection *models.CDMDetection
	Warnings  []models.Warning
}

// ValidationService parses, validates and fixes ERD content.
type ValidationService interface {
	// Analyze parses content, applies the CDM choice and validates.
	Analyze(content string, opts ValidationOptions) *Analysis

	// Validate returns the full validation response including the
	// auto-corrected content.
	Validate(content string, opts ValidationOptions) (*ValidationResult, error)

	// BulkFix applies the selected fixes and re-validates.
	BulkFix(content string, warnings []models.Warning, sel autofix.Selection, opts ValidationOptions) (*autofix.BulkResult, error)

	// FixWarning fixes one warning by id.
	FixWarning(content, warningID string, opts ValidationOptions) (*autofix.SingleResult, error)

	// GenerateSchema builds the Dataverse schema for valid content.
	GenerateSchema(content string, opts ValidationOptions, schemaOpts schema.Options) (*schema.Schema, *Analysis, error)
}

// CDMDetector finds standard tables among parsed entities. *cdm.Matcher
// implements it.
type CDMDetector interface {
	Detect(entities []models.Entity) *models.CDMDetection
}

type validationService struct {
	validator *validation.Validator
	matcher   CDMDetector
	logger    *zap.Logger
}

// NewValidationService creates a validation service. matcher may be nil to
// disable CDM detection.
func NewValidationService(validator *validation.Validator, matcher CDMDetector, logger *zap.Logger) ValidationService {
	return &validationService{
		validator: validator,
		matcher:   matcher,
		logger:    logger.Named("validation"),
	}
}

var _ ValidationService = (*validationService)(nil)

// analyzer adapts the service to autofix.Analyzer so re-validation after each
// fix applies the same CDM choice.
type analyzer struct {
	s    *validationService
	opts ValidationOptions
}

func (a analyzer) Analyze(content string) (*erd.Document, []models.Warning) {
	an := a.s.Analyze(content, a.opts)
	return an.Document, an.Warnings
}

func (s *validationService) Analyze(content string, opts ValidationOptions) *Analysis {
	doc := erd.Parse(content)

	var detection *models.CDMDetection
	if s.matcher != nil {
		detection = s.matcher.Detect(doc.Entities)
	}
	cdm.Apply(doc.Entities, detection, opts.EntityChoice, opts.SelectedCDMEntities)

	return &Analysis{
		Document:  doc,
		Detection: detection,
		Warnings:  s.validator.Validate(doc, detection),
	}
}

func (s *validationService) fixer(opts ValidationOptions) *autofix.Engine {
	return autofix.New(analyzer{s: s, opts: opts}, s.logger)
}

func requireContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: mermaidContent is required", apperrors.ErrValidationFailed)
	}
	return nil
}

func (s *validationService) Validate(content string, opts ValidationOptions) (*ValidationResult, error) {
	if err := requireContent(content); err != nil {
		return nil, err
	}

	an := s.Analyze(content, opts)
	doc := an.Document
	summary := models.Summarize(len(doc.Entities), len(doc.Relationships), an.Warnings)

	corrected := content
	if summary.AutoFixable > 0 {
		fixed := s.fixer(opts).BulkFix(content, an.Warnings, autofix.AutoFixableOnly())
		corrected = fixed.FixedContent
	}

	detail := ValidationDetail{
		IsValid:  summary.IsValid,
		Errors:   []models.Warning{},
		Warnings: []models.Warning{},
		Info:     []models.Warning{},
	}
	for _, w := range an.Warnings {
		switch w.Severity {
		case models.SeverityError:
			detail.Errors = append(detail.Errors, w)
		case models.SeverityWarning:
			detail.Warnings = append(detail.Warnings, w)
		default:
			detail.Info = append(detail.Info, w)
		}
	}

	s.logger.Debug("Validated ERD",
		zap.Int("entities", summary.TotalEntities),
		zap.Int("relationships", summary.TotalRelationships),
		zap.Int("errors", summary.Errors),
		zap.Int("warnings", summary.Warnings))

	return &ValidationResult{
		Success:       summary.IsValid,
		Validation:    detail,
		Entities:      nonNil(doc.Entities),
		Relationships: nonNil(doc.Relationships),
		Warnings:      nonNil(an.Warnings),
		CorrectedERD:  corrected,
		Summary:       summary,
		CDMDetection:  an.Detection,
	}, nil
}

func (s *validationService) BulkFix(content string, warnings []models.Warning, sel autofix.Selection, opts ValidationOptions) (*autofix.BulkResult, error) {
	if err := requireContent(content); err != nil {
		return nil, err
	}
	result := s.fixer(opts).BulkFix(content, warnings, sel)
	s.logger.Info("Bulk fix applied",
		zap.String("mode", string(sel.Mode)),
		zap.Int("applied", len(result.AppliedFixes)),
		zap.Int("failed", len(result.FailedFixes)),
		zap.Int("remaining", len(result.RemainingWarnings)))
	return result, nil
}

func (s *validationService) FixWarning(content, warningID string, opts ValidationOptions) (*autofix.SingleResult, error) {
	if err := requireContent(content); err != nil {
		return nil, err
	}
	if warningID == "" {
		return nil, fmt.Errorf("%w: warningId is required", apperrors.ErrValidationFailed)
	}
	return s.fixer(opts).FixWarning(content, warningID), nil
}

func (s *validationService) GenerateSchema(content string, opts ValidationOptions, schemaOpts schema.Options) (*schema.Schema, *Analysis, error) {
	if err := requireContent(content); err != nil {
		return nil, nil, err
	}

	an := s.Analyze(content, opts)
	if models.HasErrors(an.Warnings) {
		summary := models.Summarize(len(an.Document.Entities), len(an.Document.Relationships), an.Warnings)
		return nil, an, fmt.Errorf("%w: %d blocking errors", apperrors.ErrValidationFailed, summary.Errors)
	}

	schemaOpts.CDM = an.Detection
	gen, err := schema.NewGenerator(schemaOpts)
	if err != nil {
		return nil, an, fmt.Errorf("%w: %v", apperrors.ErrValidationFailed, err)
	}
	return gen.Generate(an.Document.Entities, an.Document.Relationships), an, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
