// Package rollback removes what a deployment created, in reverse order.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/dataverse"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/retry"
)

// RecordStore loads and saves deployment records.
type RecordStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error)
	Save(ctx context.Context, record *models.DeploymentRecord) error
}

// RunningChecker reports deployments that are still executing.
type RunningChecker interface {
	IsRunning(id uuid.UUID) bool
}

// ClientResolver returns the API for the environment a deployment targeted.
type ClientResolver func(ctx context.Context, env models.EnvironmentRef) (dataverse.API, error)

// ProgressFunc receives phase transitions.
type ProgressFunc func(phase models.RollbackPhase, message string)

// Options narrows what a rollback deletes.
type Options struct {
	KeepPublisher bool `json:"keepPublisher"`
	KeepSolution  bool `json:"keepSolution"`
}

// Config tunes the engine.
type Config struct {
	Retry *retry.Config
	// Sleep performs retry backoff. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine runs rollbacks in the background and tracks their status.
type Engine struct {
	store   RecordStore
	clients ClientResolver
	running RunningChecker
	tracker *Tracker
	config  Config
	logger  *zap.Logger
	wg      sync.WaitGroup

	// startMu serializes eligibility checks with tracker registration.
	startMu sync.Mutex
}

// NewEngine creates an engine. running may be nil.
func NewEngine(store RecordStore, clients ClientResolver, running RunningChecker, tracker *Tracker, config Config, logger *zap.Logger) *Engine {
	if tracker == nil {
		tracker = NewTracker(0, 0)
	}
	if config.Retry == nil {
		config.Retry = retry.RemoteConfig()
	}
	return &Engine{
		store:   store,
		clients: clients,
		running: running,
		tracker: tracker,
		config:  config,
		logger:  logger.Named("rollback"),
	}
}

// ============================================================================
// Capability
// ============================================================================

// check loads the record and returns a sentinel error when it cannot be
// rolled back.
func (e *Engine) check(ctx context.Context, deploymentID uuid.UUID) (*models.DeploymentRecord, error) {
	record, err := e.store.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	switch {
	case record.Status == models.DeploymentStatusRolledBack:
		return nil, apperrors.ErrAlreadyRolledBack
	case record.Status == models.DeploymentStatusRunning,
		e.running != nil && e.running.IsRunning(deploymentID),
		e.tracker.ActiveFor(deploymentID):
		return nil, apperrors.ErrDeploymentInProgress
	case !record.Rollbackable || !record.HasArtifacts():
		return nil, apperrors.ErrNotRollbackEligible
	}
	return record, nil
}

// CanRollback reports whether a deployment can be rolled back, and why not.
// Only unexpected store failures are returned as errors.
func (e *Engine) CanRollback(ctx context.Context, deploymentID uuid.UUID) (models.RollbackCapability, error) {
	_, err := e.check(ctx, deploymentID)
	switch {
	case err == nil:
		return models.RollbackCapability{CanRollback: true}, nil
	case errors.Is(err, apperrors.ErrNotFound):
		return models.RollbackCapability{Reason: "deployment record not found"}, nil
	case errors.Is(err, apperrors.ErrAlreadyRolledBack):
		return models.RollbackCapability{Reason: "deployment has already been rolled back"}, nil
	case errors.Is(err, apperrors.ErrDeploymentInProgress):
		return models.RollbackCapability{Reason: "deployment or rollback is still in progress"}, nil
	case errors.Is(err, apperrors.ErrNotRollbackEligible):
		return models.RollbackCapability{Reason: "deployment created nothing that can be rolled back"}, nil
	default:
		return models.RollbackCapability{}, err
	}
}

// ============================================================================
// Execution
// ============================================================================

// Start validates the request and runs the rollback in the background. The
// returned id is used to poll Status.
func (e *Engine) Start(ctx context.Context, deploymentID uuid.UUID, opts Options, progress ProgressFunc) (uuid.UUID, error) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	record, err := e.check(ctx, deploymentID)
	if err != nil {
		return uuid.Nil, err
	}
	api, err := e.clients(ctx, record.Environment)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidEnvironment, err)
	}

	rollbackID := uuid.New()
	if err := e.tracker.Start(rollbackID, deploymentID, len(models.AllRollbackPhases())); err != nil {
		return uuid.Nil, err
	}
	e.logger.Info("Starting rollback",
		zap.String("rollback_id", rollbackID.String()),
		zap.String("deployment_id", deploymentID.String()))

	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(bg, rollbackID, record, api, opts, progress)
	}()
	return rollbackID, nil
}

// Status returns the tracked status of a rollback.
func (e *Engine) Status(rollbackID uuid.UUID) (*models.RollbackStatus, bool) {
	return e.tracker.Get(rollbackID)
}

// Wait blocks until all background rollbacks finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, rollbackID uuid.UUID, record *models.DeploymentRecord, api dataverse.API, opts Options, progress ProgressFunc) {
	summary := e.Execute(ctx, api, record, opts, func(phase models.RollbackPhase, message string) {
		e.tracker.SetPhase(rollbackID, phase, slices.Index(models.AllRollbackPhases(), phase), message)
		if progress != nil {
			progress(phase, message)
		}
	})

	state := outcome(summary)
	message := fmt.Sprintf("Rollback %s", state)
	if n := len(summary.Errors); n > 0 {
		message = fmt.Sprintf("Rollback %s with %d errors", state, n)
	}

	if state != models.RollbackStateFailed {
		now := time.Now().UTC()
		record.Rollback = &models.RollbackInfo{RollbackID: rollbackID, CompletedAt: now, Summary: summary}
		if state == models.RollbackStateCompleted {
			record.Status = models.DeploymentStatusRolledBack
			record.Rollbackable = false
		}
		if err := e.store.Save(ctx, record); err != nil {
			e.logger.Error("Failed to save rollback result",
				zap.String("deployment_id", record.ID.String()),
				zap.Error(err))
			summary.Errors = append(summary.Errors, "failed to save rollback result: "+err.Error())
		}
	}

	e.tracker.Finish(rollbackID, state, summary, message)
	e.logger.Info("Rollback finished",
		zap.String("rollback_id", rollbackID.String()),
		zap.String("state", string(state)),
		zap.Int("errors", len(summary.Errors)))
}

// outcome: completed when nothing failed, failed when nothing could be
// deleted, partial otherwise.
func outcome(s *models.RollbackSummary) models.RollbackState {
	if len(s.Errors) == 0 {
		return models.RollbackStateCompleted
	}
	deleted := s.RelationshipsDeleted + s.EntitiesDeleted + s.GlobalChoicesDeleted
	if deleted == 0 && !s.SolutionDeleted && !s.PublisherDeleted {
		return models.RollbackStateFailed
	}
	return models.RollbackStatePartial
}

// Execute deletes the deployment's artifacts synchronously: relationships,
// entities, global choices, solution, publisher. A failure in one phase
// never stops the later phases. Objects that are already gone count as
// deleted.
func (e *Engine) Execute(ctx context.Context, api dataverse.API, record *models.DeploymentRecord, opts Options, progress ProgressFunc) *models.RollbackSummary {
	s := &models.RollbackSummary{Errors: []string{}}
	logger := e.logger.With(zap.String("deployment_id", record.ID.String()))
	report := func(phase models.RollbackPhase, message string) {
		logger.Info(message, zap.String("phase", string(phase)))
		if progress != nil {
			progress(phase, message)
		}
	}
	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		logger.Warn("Rollback step failed", zap.String("error", msg))
		s.Errors = append(s.Errors, msg)
	}

	// Relationships first: a table with lookups pointing at it cannot be
	// deleted.
	report(models.RollbackPhaseRelationships, fmt.Sprintf("Deleting %d relationships", len(record.Relationships)))
	for i := len(record.Relationships) - 1; i >= 0; i-- {
		rel := record.Relationships[i]
		if err := e.delete(ctx, func() error { return api.DeleteRelationship(ctx, rel.SchemaName) }); err != nil {
			fail("relationship %s: %v", rel.SchemaName, err)
			continue
		}
		s.RelationshipsDeleted++
	}

	report(models.RollbackPhaseEntities, fmt.Sprintf("Deleting %d entities", len(record.Entities)))
	for i := len(record.Entities) - 1; i >= 0; i-- {
		name := record.Entities[i]
		if err := e.delete(ctx, func() error { return api.DeleteEntity(ctx, name) }); err != nil {
			fail("entity %s: %v", name, err)
			continue
		}
		s.EntitiesDeleted++
	}

	report(models.RollbackPhaseGlobalChoices, fmt.Sprintf("Deleting %d global choices", len(record.GlobalChoices)))
	for i := len(record.GlobalChoices) - 1; i >= 0; i-- {
		name := record.GlobalChoices[i]
		if err := e.delete(ctx, func() error { return api.DeleteGlobalChoice(ctx, name) }); err != nil {
			fail("global choice %s: %v", name, err)
			continue
		}
		s.GlobalChoicesDeleted++
	}

	switch sol := record.Solution; {
	case sol == nil || !sol.Created:
		report(models.RollbackPhaseSolution, "Solution was not created by this deployment, keeping it")
	case opts.KeepSolution:
		report(models.RollbackPhaseSolution, "Keeping solution "+sol.UniqueName)
	default:
		report(models.RollbackPhaseSolution, "Deleting solution "+sol.UniqueName)
		if err := e.delete(ctx, func() error { return api.DeleteSolution(ctx, sol.ID) }); err != nil {
			fail("solution %s: %v", sol.UniqueName, err)
		} else {
			s.SolutionDeleted = true
		}
	}

	switch pub := record.Publisher; {
	case pub == nil || !pub.Created:
		report(models.RollbackPhasePublisher, "Publisher was not created by this deployment, keeping it")
	case opts.KeepPublisher:
		report(models.RollbackPhasePublisher, "Keeping publisher "+pub.UniqueName)
	case record.Solution != nil && record.Solution.Created && !s.SolutionDeleted:
		report(models.RollbackPhasePublisher, "Keeping publisher "+pub.UniqueName+" because its solution still exists")
	default:
		report(models.RollbackPhasePublisher, "Deleting publisher "+pub.UniqueName)
		if err := e.delete(ctx, func() error { return api.DeletePublisher(ctx, pub.ID) }); err != nil {
			fail("publisher %s: %v", pub.UniqueName, err)
		} else {
			s.PublisherDeleted = true
		}
	}

	return s
}

// delete runs one deletion with retry and treats not_found as success.
func (e *Engine) delete(ctx context.Context, fn func() error) error {
	cfg := *e.config.Retry
	if e.config.Sleep != nil {
		cfg.Sleep = e.config.Sleep
	}
	err := retry.DoIfRetryable(ctx, &cfg, fn)
	if dataverse.IsNotFound(err) {
		return nil
	}
	return err
}
