// Package autofix rewrites ERD text to resolve validation warnings. Fixes are
// line edits on the parsed document; untouched lines keep their formatting.
package autofix

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/validation"
)

// maxFixIterations bounds one bulk fix run.
const maxFixIterations = 500

// Priority is the order fix types are applied in. Structural fixes come
// before renames because renames may target entities the structural fixes add.
var Priority = []models.WarningType{
	models.WarningMissingEntity,
	models.WarningUnclosedEntityBlock,
	models.WarningDuplicateColumns,
	models.WarningMultiplePrimaryKeys,
	models.WarningMissingPrimaryKey,
	models.WarningManyToMany,
	models.WarningUnknownCardinality,
	models.WarningMissingForeignKey,
	models.WarningSystemAttribute,
	models.WarningNamingConflict,
	models.WarningInvalidEntityName,
	models.WarningInvalidAttributeName,
	models.WarningReservedEntityName,
	models.WarningSQLReservedWord,
	models.WarningEntityNameTooLong,
	models.WarningAttributeNameTooLong,
	models.WarningInvalidRelationName,
	models.WarningRelationNameTooLong,
	models.WarningEntityNamingStyle,
}

// Analyzer parses and validates content. The service layer supplies one that
// applies the request's CDM choice before validating.
type Analyzer interface {
	Analyze(content string) (*erd.Document, []models.Warning)
}

// ValidatorAnalyzer validates without CDM detection.
type ValidatorAnalyzer struct {
	Validator *validation.Validator
}

// Analyze implements Analyzer.
func (a ValidatorAnalyzer) Analyze(content string) (*erd.Document, []models.Warning) {
	doc := erd.Parse(content)
	return doc, a.Validator.Validate(doc, nil)
}

// AppliedFix describes one successful rewrite.
type AppliedFix struct {
	WarningID   string             `json:"warningId"`
	Type        models.WarningType `json:"type"`
	Entity      string             `json:"entity,omitempty"`
	Attribute   string             `json:"attribute,omitempty"`
	Description string             `json:"description"`
}

// FailedFix describes a warning that could not be fixed.
type FailedFix struct {
	WarningID string             `json:"warningId"`
	Type      models.WarningType `json:"type"`
	Entity    string             `json:"entity,omitempty"`
	Attribute string             `json:"attribute,omitempty"`
	Reason    string             `json:"reason"`
}

// BulkResult is the outcome of BulkFix.
type BulkResult struct {
	FixedContent      string                   `json:"fixedContent"`
	MermaidContent    string                   `json:"mermaidContent"`
	AppliedFixes      []AppliedFix             `json:"appliedFixes"`
	FailedFixes       []FailedFix              `json:"failedFixes"`
	RemainingWarnings []models.Warning         `json:"remainingWarnings"`
	Summary           models.ValidationSummary `json:"summary"`
}

// SingleResult is the outcome of FixWarning.
type SingleResult struct {
	Success           bool             `json:"success"`
	FixedContent      string           `json:"fixedContent"`
	MermaidContent    string           `json:"mermaidContent"`
	AppliedFix        *AppliedFix      `json:"appliedFix,omitempty"`
	Message           string           `json:"message,omitempty"`
	RemainingWarnings []models.Warning `json:"remainingWarnings"`
}

// Engine applies fixes and re-validates.
type Engine struct {
	analyzer Analyzer
	logger   *zap.Logger
}

// New creates an Engine.
func New(analyzer Analyzer, logger *zap.Logger) *Engine {
	return &Engine{analyzer: analyzer, logger: logger.Named("autofix")}
}

// BulkFix applies the selected fixes in priority order, one warning at a
// time, re-parsing after each so line positions stay accurate. When warnings
// is non-empty only the types present in it are considered. Failures are
// collected and never abort the run.
func (e *Engine) BulkFix(content string, warnings []models.Warning, sel Selection) *BulkResult {
	if sel.Mode == "" {
		sel.Mode = ModeAutoFixableOnly
	}
	result := &BulkResult{AppliedFixes: []AppliedFix{}, FailedFixes: []FailedFix{}}
	candidates := candidateTypes(warnings, sel)

	attempted := make(map[string]bool)
	iterations := 0

	for _, wt := range Priority {
		if !candidates[wt] {
			continue
		}
		for iterations < maxFixIterations {
			doc, current := e.analyzer.Analyze(content)
			w, ok := nextWarning(current, wt, attempted)
			if !ok {
				break
			}
			iterations++
			attempted[w.ID] = true

			if !w.AutoFixable {
				if sel.Mode == ModeAutoFixableOnly {
					continue
				}
				result.FailedFixes = append(result.FailedFixes, failed(w, "no automatic fix is available for this warning"))
				continue
			}

			fixed, desc, err := apply(doc, w)
			if err != nil {
				e.logger.Debug("Fix failed",
					zap.String("type", string(w.Type)),
					zap.String("entity", w.Entity),
					zap.Error(err))
				result.FailedFixes = append(result.FailedFixes, failed(w, err.Error()))
				continue
			}
			content = fixed
			result.AppliedFixes = append(result.AppliedFixes, applied(w, desc))
		}
	}

	_, remaining := e.analyzer.Analyze(content)

	// Requested warnings without a fixer are reported as failed.
	if sel.Mode != ModeAutoFixableOnly {
		for _, w := range remaining {
			if !candidates[w.Type] || attempted[w.ID] || hasFixer(w.Type) {
				continue
			}
			attempted[w.ID] = true
			result.FailedFixes = append(result.FailedFixes, failed(w, "no automatic fix is available for this warning"))
		}
	}

	doc := erd.Parse(content)
	result.FixedContent = content
	result.MermaidContent = Normalize(content)
	result.RemainingWarnings = remaining
	result.Summary = models.Summarize(len(doc.Entities), len(doc.Relationships), remaining)

	e.logger.Debug("Bulk fix finished",
		zap.Int("applied", len(result.AppliedFixes)),
		zap.Int("failed", len(result.FailedFixes)),
		zap.Int("remaining", len(remaining)))
	return result
}

// FixWarning fixes a single warning by id. An id that no longer appears is
// treated as already resolved and succeeds without changes.
func (e *Engine) FixWarning(content, warningID string) *SingleResult {
	doc, current := e.analyzer.Analyze(content)
	w, ok := validation.FindByID(current, warningID)
	if !ok {
		return &SingleResult{
			Success:           true,
			FixedContent:      content,
			MermaidContent:    Normalize(content),
			Message:           "Warning is no longer present; nothing to fix",
			RemainingWarnings: current,
		}
	}

	if !w.AutoFixable || !hasFixer(w.Type) {
		return &SingleResult{
			Success:           false,
			FixedContent:      content,
			MermaidContent:    Normalize(content),
			Message:           fmt.Sprintf("Warning %s (%s) cannot be fixed automatically", w.ID, w.Type),
			RemainingWarnings: current,
		}
	}

	fixed, desc, err := apply(doc, w)
	if err != nil {
		return &SingleResult{
			Success:           false,
			FixedContent:      content,
			MermaidContent:    Normalize(content),
			Message:           err.Error(),
			RemainingWarnings: current,
		}
	}

	_, remaining := e.analyzer.Analyze(fixed)
	fix := applied(w, desc)
	return &SingleResult{
		Success:           true,
		FixedContent:      fixed,
		MermaidContent:    Normalize(fixed),
		AppliedFix:        &fix,
		RemainingWarnings: remaining,
	}
}

func candidateTypes(warnings []models.Warning, sel Selection) map[models.WarningType]bool {
	candidates := make(map[models.WarningType]bool)
	switch sel.Mode {
	case ModeTypes:
		for _, t := range sel.Types {
			candidates[t] = true
		}
	case ModeAll:
		for _, t := range Priority {
			candidates[t] = true
		}
		for _, t := range unfixableTypes {
			candidates[t] = true
		}
	default:
		for _, t := range Priority {
			candidates[t] = true
		}
	}

	if len(warnings) == 0 {
		return candidates
	}
	present := make(map[models.WarningType]bool)
	for _, w := range warnings {
		present[w.Type] = true
	}
	for t := range candidates {
		if !present[t] {
			delete(candidates, t)
		}
	}
	return candidates
}

// unfixableTypes have no rewrite; "all" reports them as failed.
var unfixableTypes = []models.WarningType{
	models.WarningDuplicateEntity,
	models.WarningInvalidAttribute,
	models.WarningUnknownType,
	models.WarningStatusColumnIgnored,
	models.WarningAttributeNamingStyle,
	models.WarningSelfReference,
	models.WarningForeignKeyNaming,
	models.WarningCircularDependency,
	models.WarningCDMEntityDetected,
}

// nextWarning returns the first unattempted warning of type wt.
func nextWarning(warnings []models.Warning, wt models.WarningType, attempted map[string]bool) (models.Warning, bool) {
	for _, w := range warnings {
		if w.Type == wt && !attempted[w.ID] {
			return w, true
		}
	}
	return models.Warning{}, false
}

func applied(w models.Warning, desc string) AppliedFix {
	return AppliedFix{
		WarningID:   w.ID,
		Type:        w.Type,
		Entity:      w.Entity,
		Attribute:   w.Attribute,
		Description: desc,
	}
}

func failed(w models.Warning, reason string) FailedFix {
	return FailedFix{
		WarningID: w.ID,
		Type:      w.Type,
		Entity:    w.Entity,
		Attribute: w.Attribute,
		Reason:    reason,
	}
}
