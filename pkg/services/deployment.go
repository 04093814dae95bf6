package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/dataverse"
	"github.com/ekaya-inc/erd2dataverse/pkg/deploy"
	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/repositories"
	"github.com/ekaya-inc/erd2dataverse/pkg/schema"
)

// DeployRequest is the body of a deployment request.
type DeployRequest struct {
	MermaidContent       string                `json:"mermaidContent"`
	SolutionName         string                `json:"solutionName"`
	SolutionDisplayName  string                `json:"solutionDisplayName,omitempty"`
	PublisherName        string                `json:"publisherName"`
	PublisherDisplayName string                `json:"publisherDisplayName,omitempty"`
	PublisherPrefix      string                `json:"publisherPrefix"`
	SelectedChoices      []string              `json:"selectedChoices,omitempty"`
	CustomChoices        []models.GlobalChoice `json:"customChoices,omitempty"`
	TargetEnvironment    string                `json:"targetEnvironment,omitempty"`
	ValidationOptions
}

// PreparedDeployment is a validated request bound to its environment.
type PreparedDeployment struct {
	Plan deploy.Plan
	api  dataverse.API
}

// DeploymentService validates deployment requests, runs them and records the
// outcome in the history store.
type DeploymentService interface {
	// Prepare validates the request and builds the plan without touching
	// the remote environment. Errors wrap apperrors.ErrValidationFailed or
	// apperrors.ErrInvalidEnvironment.
	Prepare(ctx context.Context, req DeployRequest) (*PreparedDeployment, error)

	// Run executes a prepared deployment and persists its record. The run
	// is detached from ctx cancellation; use Cancel to stop it.
	Run(ctx context.Context, d *PreparedDeployment, progress deploy.ProgressFunc) (*models.DeploymentRecord, error)

	// Cancel requests cooperative cancellation of a running deployment.
	Cancel(id uuid.UUID) error

	// IsRunning reports whether the deployment is executing in this process.
	IsRunning(id uuid.UUID) bool

	// RecoverInterrupted marks records still running from a previous process
	// as failed and returns how many were changed.
	RecoverInterrupted(ctx context.Context) (int, error)

	// Environments lists the configured target environments.
	Environments() []string
}

type deploymentService struct {
	validation   ValidationService
	environments EnvironmentResolver
	orchestrator *deploy.Orchestrator
	repo         repositories.DeploymentRepository
	logger       *zap.Logger
}

// NewDeploymentService creates a deployment service.
func NewDeploymentService(
	validation ValidationService,
	environments EnvironmentResolver,
	orchestrator *deploy.Orchestrator,
	repo repositories.DeploymentRepository,
	logger *zap.Logger,
) DeploymentService {
	return &deploymentService{
		validation:   validation,
		environments: environments,
		orchestrator: orchestrator,
		repo:         repo,
		logger:       logger.Named("deployment"),
	}
}

var _ DeploymentService = (*deploymentService)(nil)

var uniqueNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrValidationFailed, fmt.Sprintf(format, args...))
}

func (s *deploymentService) Prepare(ctx context.Context, req DeployRequest) (*PreparedDeployment, error) {
	if !uniqueNamePattern.MatchString(req.SolutionName) {
		return nil, invalid("solutionName must start with a letter and contain only letters, digits and underscores")
	}
	if !uniqueNamePattern.MatchString(req.PublisherName) {
		return nil, invalid("publisherName must start with a letter and contain only letters, digits and underscores")
	}
	prefix := strings.ToLower(strings.TrimSpace(req.PublisherPrefix))
	if err := schema.ValidatePrefix(prefix); err != nil {
		return nil, invalid("%v", err)
	}
	for _, c := range req.CustomChoices {
		if strings.TrimSpace(c.Name) == "" || len(c.Options) == 0 {
			return nil, invalid("custom choice %q needs a name and at least one option", c.Name)
		}
	}

	sch, _, err := s.validation.GenerateSchema(req.MermaidContent, req.ValidationOptions, schema.Options{
		PublisherPrefix: prefix,
		GlobalChoices:   req.CustomChoices,
	})
	if err != nil {
		return nil, err
	}
	if len(sch.CustomEntities()) == 0 && len(sch.GlobalChoices) == 0 {
		return nil, invalid("nothing to deploy: the diagram has no custom entities")
	}

	api, env, err := s.environments.Resolve(ctx, req.TargetEnvironment)
	if err != nil {
		return nil, err
	}

	plan := deploy.Plan{
		DeploymentID: uuid.New(),
		Environment:  env,
		Publisher: deploy.PublisherSpec{
			UniqueName:        req.PublisherName,
			FriendlyName:      orDefault(req.PublisherDisplayName, erd.DisplayName(req.PublisherName)),
			Prefix:            prefix,
			OptionValuePrefix: schema.DefaultOptionValuePrefix,
		},
		Solution: deploy.SolutionSpec{
			UniqueName:   req.SolutionName,
			FriendlyName: orDefault(req.SolutionDisplayName, erd.DisplayName(req.SolutionName)),
		},
		Schema:          sch,
		SelectedChoices: req.SelectedChoices,
		MermaidContent:  req.MermaidContent,
	}
	return &PreparedDeployment{Plan: plan, api: api}, nil
}

func (s *deploymentService) Run(ctx context.Context, d *PreparedDeployment, progress deploy.ProgressFunc) (*models.DeploymentRecord, error) {
	ctx = context.WithoutCancel(ctx)
	plan := d.Plan
	logger := s.logger.With(zap.String("deployment_id", plan.DeploymentID.String()))

	// A running stub makes the deployment visible in history and blocks
	// rollback until it finishes.
	stub := &models.DeploymentRecord{
		ID:             plan.DeploymentID,
		Environment:    plan.Environment,
		SolutionName:   plan.Solution.UniqueName,
		Status:         models.DeploymentStatusRunning,
		Step:           models.StepPending,
		Entities:       []string{},
		Relationships:  []models.RelationshipRef{},
		GlobalChoices:  []string{},
		MermaidContent: plan.MermaidContent,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.repo.Save(ctx, stub); err != nil {
		logger.Error("Failed to record deployment start", zap.Error(err))
		return nil, fmt.Errorf("failed to record deployment: %w", err)
	}

	record := s.orchestrator.Deploy(ctx, d.api, plan, progress)

	if err := s.repo.Save(ctx, record); err != nil {
		logger.Error("Failed to save deployment record",
			zap.String("status", string(record.Status)),
			zap.Error(err))
		return record, fmt.Errorf("failed to save deployment record: %w", err)
	}

	logger.Info("Deployment recorded",
		zap.String("status", string(record.Status)),
		zap.Int("entities_created", record.Summary.EntitiesCreated),
		zap.Int("errors", len(record.Summary.Errors)))
	return record, nil
}

func (s *deploymentService) Cancel(id uuid.UUID) error {
	if !s.orchestrator.Cancels().Cancel(id) {
		return fmt.Errorf("deployment %s is not running: %w", id, apperrors.ErrNotFound)
	}
	s.logger.Info("Deployment cancellation requested", zap.String("deployment_id", id.String()))
	return nil
}

func (s *deploymentService) IsRunning(id uuid.UUID) bool {
	return s.orchestrator.Cancels().IsRunning(id)
}

const interruptedMessage = "deployment was interrupted before its result was recorded; components it created may need manual cleanup"

func (s *deploymentService) RecoverInterrupted(ctx context.Context) (int, error) {
	const page = 100
	recovered, skipped := 0, 0
	for {
		records, _, err := s.repo.List(ctx, models.DeploymentHistoryFilters{
			Status: models.DeploymentStatusRunning,
			Limit:  page,
			Offset: skipped,
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to list running deployments: %w", err)
		}
		if len(records) == 0 {
			return recovered, nil
		}

		for _, record := range records {
			if s.IsRunning(record.ID) {
				skipped++
				continue
			}
			now := time.Now().UTC()
			record.Status = models.DeploymentStatusFailed
			record.Step = models.StepFailed
			record.CompletedAt = &now
			record.Rollbackable = record.HasArtifacts()
			record.Summary.Errors = append(record.Summary.Errors, interruptedMessage)
			if err := s.repo.Save(ctx, record); err != nil {
				return recovered, fmt.Errorf("failed to mark deployment %s interrupted: %w", record.ID, err)
			}
			recovered++
			s.logger.Warn("Marked interrupted deployment as failed",
				zap.String("deployment_id", record.ID.String()),
				zap.Time("started_at", record.StartedAt))
		}
	}
}

func (s *deploymentService) Environments() []string {
	return s.environments.Names()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// IsClientError reports whether err was caused by the request rather than
// the server.
func IsClientError(err error) bool {
	return errors.Is(err, apperrors.ErrValidationFailed) || errors.Is(err, apperrors.ErrInvalidEnvironment)
}
