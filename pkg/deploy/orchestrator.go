// Package deploy provisions a generated schema in a Dataverse environment:
// publisher, solution, global choices, tables, columns and relationships.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/dataverse"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/retry"
	"github.com/ekaya-inc/erd2dataverse/pkg/schema"
	"github.com/ekaya-inc/erd2dataverse/pkg/workerpool"
)

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	EntityConcurrency       int
	RelationshipConcurrency int
	Retry                   *retry.Config
	// SettleDelay follows every successful table creation.
	SettleDelay       time.Duration
	ReadinessInterval time.Duration
	ReadinessTimeout  time.Duration
	// RelationshipWait precedes the first relationship batch.
	RelationshipWait time.Duration
	// Sleep performs every fixed wait, including retry backoff. Tests
	// replace it to run without delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		EntityConcurrency:       3,
		RelationshipConcurrency: 5,
		Retry:                   retry.RemoteConfig(),
		SettleDelay:             2 * time.Second,
		ReadinessInterval:       2 * time.Second,
		ReadinessTimeout:        60 * time.Second,
		RelationshipWait:        15 * time.Second,
		Sleep:                   Sleep,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.EntityConcurrency < 1 {
		c.EntityConcurrency = d.EntityConcurrency
	}
	if c.RelationshipConcurrency < 1 {
		c.RelationshipConcurrency = d.RelationshipConcurrency
	}
	if c.Retry == nil {
		c.Retry = d.Retry
	}
	if c.ReadinessInterval <= 0 {
		c.ReadinessInterval = d.ReadinessInterval
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = d.ReadinessTimeout
	}
	if c.Sleep == nil {
		c.Sleep = d.Sleep
	}
	return c
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProgressFunc receives every state transition and per-item progress.
// It may be called from several goroutines, but never concurrently.
type ProgressFunc func(step models.DeploymentStep, message string, details map[string]any)

// PublisherSpec describes the publisher to find or create.
type PublisherSpec struct {
	UniqueName        string
	FriendlyName      string
	Prefix            string
	OptionValuePrefix int
}

// SolutionSpec describes the solution to find or create.
type SolutionSpec struct {
	UniqueName   string
	FriendlyName string
}

// Plan is everything one deployment needs.
type Plan struct {
	DeploymentID    uuid.UUID
	Environment     models.EnvironmentRef
	Publisher       PublisherSpec
	Solution        SolutionSpec
	Schema          *schema.Schema
	SelectedChoices []string // existing global choices to add to the solution
	MermaidContent  string
}

// Orchestrator runs deployments.
type Orchestrator struct {
	config           Config
	cancels          *CancelRegistry
	entityPool       *workerpool.Pool
	relationshipPool *workerpool.Pool
	logger           *zap.Logger
}

// New creates an orchestrator. A nil registry creates a private one.
func New(config Config, cancels *CancelRegistry, logger *zap.Logger) *Orchestrator {
	config = config.withDefaults()
	if cancels == nil {
		cancels = NewCancelRegistry()
	}
	logger = logger.Named("deploy")
	return &Orchestrator{
		config:           config,
		cancels:          cancels,
		entityPool:       workerpool.New("entities", workerpool.Config{MaxConcurrent: config.EntityConcurrency}, logger),
		relationshipPool: workerpool.New("relationships", workerpool.Config{MaxConcurrent: config.RelationshipConcurrency}, logger),
		logger:           logger,
	}
}

// Cancels returns the registry used to cancel running deployments.
func (o *Orchestrator) Cancels() *CancelRegistry {
	return o.cancels
}

// Deploy runs the state machine to completion and returns the record of
// what was created. Per-item failures are collected in the summary; the
// record's status tells whether the deployment as a whole succeeded.
func (o *Orchestrator) Deploy(ctx context.Context, api dataverse.API, plan Plan, progress ProgressFunc) *models.DeploymentRecord {
	if plan.DeploymentID == uuid.Nil {
		plan.DeploymentID = uuid.New()
	}
	unregister := o.cancels.Register(plan.DeploymentID)
	defer unregister()

	r := newRun(o, api, plan, progress)
	r.logger.Info("Starting deployment",
		zap.String("solution", plan.Solution.UniqueName),
		zap.Int("entities", len(plan.Schema.CustomEntities())),
		zap.Int("relationships", len(plan.Schema.Relationships)))

	r.emit(models.StepPending, "Starting deployment", map[string]any{
		"deploymentId":  plan.DeploymentID.String(),
		"entities":      len(plan.Schema.CustomEntities()),
		"relationships": len(plan.Schema.Relationships),
	})

	r.finish(r.execute(ctx))
	return r.record
}

// ============================================================================
// Run state
// ============================================================================

type run struct {
	o        *Orchestrator
	api      dataverse.API
	plan     Plan
	progress ProgressFunc
	logger   *zap.Logger

	emitMu sync.Mutex

	mu        sync.Mutex
	record    *models.DeploymentRecord
	available map[string]bool // logical names usable as relationship endpoints
}

func newRun(o *Orchestrator, api dataverse.API, plan Plan, progress ProgressFunc) *run {
	record := &models.DeploymentRecord{
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
		Summary: models.DeploymentSummary{
			EntitiesRequested:      len(plan.Schema.CustomEntities()),
			RelationshipsRequested: len(plan.Schema.Relationships),
			Errors:                 []string{},
			Warnings:               append([]string(nil), plan.Schema.Warnings...),
		},
	}
	return &run{
		o:         o,
		api:       api,
		plan:      plan,
		progress:  progress,
		logger:    o.logger.With(zap.String("deployment_id", plan.DeploymentID.String())),
		record:    record,
		available: make(map[string]bool),
	}
}

func (r *run) emit(step models.DeploymentStep, message string, details map[string]any) {
	r.mu.Lock()
	r.record.Step = step
	r.mu.Unlock()

	if r.progress == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.progress(step, message, details)
}

func (r *run) update(fn func(rec *models.DeploymentRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.record)
}

func (r *run) addError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.update(func(rec *models.DeploymentRecord) {
		rec.Summary.Errors = append(rec.Summary.Errors, msg)
	})
}

func (r *run) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.update(func(rec *models.DeploymentRecord) {
		rec.Summary.Warnings = append(rec.Summary.Warnings, msg)
	})
}

func (r *run) markAvailable(logicalName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[logicalName] = true
}

func (r *run) isAvailable(logicalName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available[logicalName]
}

// checkStop returns the reason to stop starting new work, if any.
func (r *run) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.o.cancels.IsCancelled(r.plan.DeploymentID) {
		return apperrors.ErrCancelled
	}
	return nil
}

// retryConfig returns the remote retry policy for one operation.
func (r *run) retryConfig(op, target string) *retry.Config {
	cfg := *r.o.config.Retry
	cfg.Sleep = r.o.config.Sleep
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("Retrying Dataverse operation",
			zap.String("operation", op),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return &cfg
}

func (r *run) call(ctx context.Context, op, target string, fn func() error) error {
	return retry.DoIfRetryable(ctx, r.retryConfig(op, target), fn)
}

func (r *run) callID(ctx context.Context, op, target string, fn func() (string, error)) (string, error) {
	return retry.DoIfRetryableWithResult(ctx, r.retryConfig(op, target), fn)
}

func (r *run) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return r.o.config.Sleep(ctx, d)
}

// ============================================================================
// State machine
// ============================================================================

func (r *run) execute(ctx context.Context) error {
	if err := r.ensurePublisher(ctx); err != nil {
		return err
	}
	if err := r.checkStop(ctx); err != nil {
		return err
	}
	if err := r.ensureSolution(ctx); err != nil {
		return err
	}
	if err := r.checkStop(ctx); err != nil {
		return err
	}
	r.createGlobalChoices(ctx)

	created, err := r.createEntities(ctx)
	if err != nil {
		return err
	}
	if err := r.waitForEntities(ctx, created); err != nil {
		return err
	}
	if err := r.createAttributes(ctx, created); err != nil {
		return err
	}
	if err := r.checkStop(ctx); err != nil {
		return err
	}
	r.linkSolution(ctx)

	if err := r.createRelationships(ctx); err != nil {
		return err
	}
	r.publish(ctx)
	return nil
}

func (r *run) finish(err error) {
	now := time.Now().UTC()
	var step models.DeploymentStep
	var message string

	r.update(func(rec *models.DeploymentRecord) {
		rec.CompletedAt = &now
		switch {
		case errors.Is(err, apperrors.ErrCancelled) || errors.Is(err, context.Canceled):
			rec.Status = models.DeploymentStatusCancelled
			step = models.StepCancelled
			message = "Deployment cancelled"
			rec.Summary.Errors = append(rec.Summary.Errors, "deployment cancelled")
		case err != nil:
			rec.Status = models.DeploymentStatusFailed
			step = models.StepFailed
			message = "Deployment failed: " + err.Error()
			rec.Summary.Errors = append(rec.Summary.Errors, err.Error())
		case rec.Summary.EntitiesRequested > 0 && rec.Summary.EntitiesCreated == 0:
			rec.Status = models.DeploymentStatusFailed
			step = models.StepFailed
			message = "Deployment failed: no entities were created"
		case len(rec.Summary.Errors) > 0:
			rec.Status = models.DeploymentStatusPartial
			step = models.StepCompleted
			message = fmt.Sprintf("Deployment completed with %d errors", len(rec.Summary.Errors))
		default:
			rec.Status = models.DeploymentStatusSucceeded
			step = models.StepCompleted
			message = "Deployment completed"
		}
		rec.Rollbackable = rec.HasArtifacts()
	})

	r.logger.Info("Deployment finished",
		zap.String("status", string(r.record.Status)),
		zap.Int("entities_created", r.record.Summary.EntitiesCreated),
		zap.Int("relationships_created", r.record.Summary.RelationshipsCreated),
		zap.Int("relationships_failed", r.record.Summary.RelationshipsFailed),
		zap.Int("errors", len(r.record.Summary.Errors)))

	r.emit(step, message, map[string]any{
		"status":  r.record.Status,
		"summary": r.record.Summary,
	})
}

// ============================================================================
// Publisher and solution
// ============================================================================

func (r *run) ensurePublisher(ctx context.Context) error {
	spec := r.plan.Publisher

	find := func() (*dataverse.Publisher, error) {
		return retry.DoIfRetryableWithResult(ctx, r.retryConfig("find publisher", spec.UniqueName), func() (*dataverse.Publisher, error) {
			return r.api.FindPublisher(ctx, spec.UniqueName)
		})
	}

	existing, err := find()
	if err != nil {
		return fmt.Errorf("failed to look up publisher %s: %w", spec.UniqueName, err)
	}
	if existing != nil {
		if !strings.EqualFold(existing.CustomizationPrefix, spec.Prefix) {
			return fmt.Errorf("publisher %s uses prefix %q, not %q", spec.UniqueName, existing.CustomizationPrefix, spec.Prefix)
		}
		r.update(func(rec *models.DeploymentRecord) {
			rec.Publisher = &models.ArtifactRef{ID: existing.ID, UniqueName: existing.UniqueName}
		})
		r.emit(models.StepPublisherEnsured, "Using existing publisher "+spec.UniqueName, map[string]any{
			"publisher": spec.UniqueName,
			"created":   false,
		})
		return nil
	}

	id, err := r.callID(ctx, "create publisher", spec.UniqueName, func() (string, error) {
		return r.api.CreatePublisher(ctx, dataverse.Publisher{
			UniqueName:               spec.UniqueName,
			FriendlyName:             spec.FriendlyName,
			CustomizationPrefix:      spec.Prefix,
			CustomizationOptionValue: spec.OptionValuePrefix,
		})
	})
	if dataverse.IsConflict(err) {
		// A timed out attempt may have created it.
		if p, ferr := find(); ferr == nil && p != nil {
			id, err = p.ID, nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create publisher %s: %w", spec.UniqueName, err)
	}

	r.update(func(rec *models.DeploymentRecord) {
		rec.Publisher = &models.ArtifactRef{ID: id, UniqueName: spec.UniqueName, Created: true}
	})
	r.emit(models.StepPublisherEnsured, "Created publisher "+spec.UniqueName, map[string]any{
		"publisher": spec.UniqueName,
		"created":   true,
	})
	return nil
}

func (r *run) ensureSolution(ctx context.Context) error {
	spec := r.plan.Solution

	find := func() (*dataverse.Solution, error) {
		return retry.DoIfRetryableWithResult(ctx, r.retryConfig("find solution", spec.UniqueName), func() (*dataverse.Solution, error) {
			return r.api.FindSolution(ctx, spec.UniqueName)
		})
	}

	existing, err := find()
	if err != nil {
		return fmt.Errorf("failed to look up solution %s: %w", spec.UniqueName, err)
	}
	if existing != nil {
		r.update(func(rec *models.DeploymentRecord) {
			rec.Solution = &models.ArtifactRef{ID: existing.ID, UniqueName: existing.UniqueName}
		})
		r.emit(models.StepSolutionEnsured, "Using existing solution "+spec.UniqueName, map[string]any{
			"solution": spec.UniqueName,
			"created":  false,
		})
		return nil
	}

	publisherID := r.record.Publisher.ID
	id, err := r.callID(ctx, "create solution", spec.UniqueName, func() (string, error) {
		return r.api.CreateSolution(ctx, dataverse.Solution{
			UniqueName:   spec.UniqueName,
			FriendlyName: spec.FriendlyName,
			PublisherID:  publisherID,
		})
	})
	if dataverse.IsConflict(err) {
		if s, ferr := find(); ferr == nil && s != nil {
			id, err = s.ID, nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create solution %s: %w", spec.UniqueName, err)
	}

	r.update(func(rec *models.DeploymentRecord) {
		rec.Solution = &models.ArtifactRef{ID: id, UniqueName: spec.UniqueName, Created: true}
	})
	r.emit(models.StepSolutionEnsured, "Created solution "+spec.UniqueName, map[string]any{
		"solution": spec.UniqueName,
		"created":  true,
	})
	return nil
}

// ============================================================================
// Global choices
// ============================================================================

func (r *run) createGlobalChoices(ctx context.Context) {
	custom := r.plan.Schema.GlobalChoices
	if len(custom) == 0 && len(r.plan.SelectedChoices) == 0 {
		return
	}
	solution := r.plan.Solution.UniqueName
	lang := r.plan.Schema.LanguageCode

	r.emit(models.StepChoicesCreating, fmt.Sprintf("Creating %d global choices", len(custom)), map[string]any{
		"custom":   len(custom),
		"selected": len(r.plan.SelectedChoices),
	})

	items := make([]workerpool.WorkItem[string], len(custom))
	for i, choice := range custom {
		items[i] = workerpool.WorkItem[string]{
			ID: choice.Name,
			Execute: func(ctx context.Context) (string, error) {
				return r.callID(ctx, "create global choice", choice.Name, func() (string, error) {
					return r.api.CreateGlobalChoice(ctx, schema.GlobalChoicePayload(choice, lang), solution)
				})
			},
		}
	}

	// Results come back in plan order, so the record lists choices as declared.
	for _, res := range workerpool.Process(ctx, r.o.entityPool, items, nil) {
		switch {
		case res.Err == nil:
			r.update(func(rec *models.DeploymentRecord) {
				rec.GlobalChoices = append(rec.GlobalChoices, res.ID)
				rec.Summary.GlobalChoicesCreated++
			})
			r.emit(models.StepChoicesCreating, "Created global choice "+res.ID, map[string]any{"choice": res.ID})
		case res.Skipped:
			r.addError("global choice %s was not created: %v", res.ID, res.Err)
		case dataverse.IsConflict(res.Err):
			r.addWarning("global choice %s already exists and was reused", res.ID)
			r.addChoiceToSolution(ctx, res.ID)
		default:
			r.addError("global choice %s: %v", res.ID, res.Err)
		}
	}

	for _, name := range r.plan.SelectedChoices {
		r.addChoiceToSolution(ctx, name)
	}
}

func (r *run) addChoiceToSolution(ctx context.Context, name string) {
	id, err := r.callID(ctx, "get global choice", name, func() (string, error) {
		return r.api.GetGlobalChoiceID(ctx, name)
	})
	if err == nil {
		err = r.call(ctx, "add solution component", name, func() error {
			return r.api.AddSolutionComponent(ctx, r.plan.Solution.UniqueName, id, dataverse.ComponentTypeOptionSet)
		})
	}
	if err != nil {
		r.addError("global choice %s could not be added to the solution: %v", name, err)
		return
	}
	r.emit(models.StepChoicesCreating, "Added global choice "+name+" to solution", map[string]any{"choice": name})
}

// ============================================================================
// Tables
// ============================================================================

// createEntities creates every custom table in sequential batches and
// returns the ones this deployment created.
func (r *run) createEntities(ctx context.Context) ([]schema.EntityDefinition, error) {
	entities := r.plan.Schema.CustomEntities()
	if len(entities) == 0 {
		return nil, nil
	}
	solution := r.plan.Solution.UniqueName
	lang := r.plan.Schema.LanguageCode
	total := len(entities)

	r.emit(models.StepEntitiesCreating, fmt.Sprintf("Creating %d entities", total), map[string]any{"total": total})

	items := make([]workerpool.WorkItem[bool], len(entities))
	for i, e := range entities {
		items[i] = workerpool.WorkItem[bool]{
			ID: e.LogicalName,
			Execute: func(ctx context.Context) (bool, error) {
				_, err := r.callID(ctx, "create entity", e.LogicalName, func() (string, error) {
					return r.api.CreateEntity(ctx, schema.EntityPayload(e, lang), solution)
				})
				if dataverse.IsConflict(err) {
					r.markAvailable(e.LogicalName)
					r.addWarning("entity %s already exists and was not modified", e.SchemaName)
					return false, nil
				}
				if err != nil {
					r.update(func(rec *models.DeploymentRecord) { rec.Summary.EntitiesFailed++ })
					r.addError("entity %s: %v", e.SchemaName, err)
					r.emit(models.StepEntitiesCreating, "Failed to create entity "+e.SchemaName, map[string]any{
						"entity": e.SchemaName,
						"error":  err.Error(),
					})
					return false, err
				}

				r.markAvailable(e.LogicalName)
				var done int
				r.update(func(rec *models.DeploymentRecord) {
					rec.Entities = append(rec.Entities, e.LogicalName)
					rec.Summary.EntitiesCreated++
					done = rec.Summary.EntitiesCreated
				})
				r.emit(models.StepEntitiesCreating, "Created entity "+e.SchemaName, map[string]any{
					"entity":  e.SchemaName,
					"created": done,
					"total":   total,
				})
				return true, r.sleep(ctx, r.o.config.SettleDelay)
			},
		}
	}

	results := workerpool.ProcessBatches(ctx, r.o.entityPool, items, workerpool.BatchHooks{
		BeforeBatch: func(batch, batches int) error {
			if err := r.checkStop(ctx); err != nil {
				return err
			}
			r.logger.Debug("Creating entity batch", zap.Int("batch", batch), zap.Int("batches", batches))
			return nil
		},
	})

	var created []schema.EntityDefinition
	for i, res := range results {
		if res.Skipped {
			return created, res.Err
		}
		if res.Result {
			created = append(created, entities[i])
		}
	}
	return created, nil
}

// ============================================================================
// Columns
// ============================================================================

// createAttributes creates the columns of each new table in one batch call,
// falling back to one call per column when the batch fails.
func (r *run) createAttributes(ctx context.Context, created []schema.EntityDefinition) error {
	var pending []schema.EntityDefinition
	for _, e := range created {
		if len(e.Attributes) > 0 {
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	solution := r.plan.Solution.UniqueName
	lang := r.plan.Schema.LanguageCode

	r.emit(models.StepAttributesCreating, fmt.Sprintf("Creating attributes for %d entities", len(pending)), map[string]any{
		"entities": len(pending),
	})

	items := make([]workerpool.WorkItem[int], len(pending))
	for i, e := range pending {
		items[i] = workerpool.WorkItem[int]{
			ID: e.LogicalName,
			Execute: func(ctx context.Context) (int, error) {
				payloads := make([]map[string]any, len(e.Attributes))
				for j, a := range e.Attributes {
					payloads[j] = schema.AttributePayload(a, lang)
				}

				err := r.call(ctx, "create attributes batch", e.LogicalName, func() error {
					return r.api.CreateAttributesBatch(ctx, e.LogicalName, payloads, solution)
				})
				if err == nil {
					r.update(func(rec *models.DeploymentRecord) { rec.Summary.AttributesCreated += len(payloads) })
					r.emit(models.StepAttributesCreating, fmt.Sprintf("Created %d attributes on %s", len(payloads), e.SchemaName), map[string]any{
						"entity":     e.SchemaName,
						"attributes": len(payloads),
					})
					return len(payloads), nil
				}

				r.logger.Warn("Attribute batch failed, creating attributes one at a time",
					zap.String("entity", e.LogicalName),
					zap.Error(err))
				ok := 0
				for j, a := range e.Attributes {
					err := r.call(ctx, "create attribute", e.LogicalName+"."+a.LogicalName, func() error {
						return r.api.CreateAttribute(ctx, e.LogicalName, payloads[j], solution)
					})
					if err != nil {
						r.update(func(rec *models.DeploymentRecord) { rec.Summary.AttributesFailed++ })
						r.addError("attribute %s.%s: %v", e.SchemaName, a.SchemaName, err)
						continue
					}
					ok++
					r.update(func(rec *models.DeploymentRecord) { rec.Summary.AttributesCreated++ })
				}
				r.emit(models.StepAttributesCreating, fmt.Sprintf("Created %d of %d attributes on %s", ok, len(payloads), e.SchemaName), map[string]any{
					"entity":     e.SchemaName,
					"attributes": ok,
					"fallback":   true,
				})
				return ok, nil
			},
		}
	}

	results := workerpool.ProcessBatches(ctx, r.o.entityPool, items, workerpool.BatchHooks{
		BeforeBatch: func(_, _ int) error { return r.checkStop(ctx) },
	})
	for _, res := range results {
		if res.Skipped {
			return res.Err
		}
	}
	return nil
}

// ============================================================================
// Solution linking
// ============================================================================

// linkSolution adds the referenced standard tables to the solution. New
// tables joined it on creation through the solution header.
func (r *run) linkSolution(ctx context.Context) {
	var cdm []schema.EntityDefinition
	for _, e := range r.plan.Schema.Entities {
		if e.IsCdm {
			cdm = append(cdm, e)
		}
	}

	r.emit(models.StepSolutionLinking, fmt.Sprintf("Linking %d CDM entities to solution", len(cdm)), map[string]any{
		"cdmEntities": len(cdm),
	})

	for _, e := range cdm {
		id, err := r.callID(ctx, "get entity", e.LogicalName, func() (string, error) {
			return r.api.GetEntityMetadataID(ctx, e.LogicalName)
		})
		if err != nil {
			r.addError("CDM entity %s: %v", e.LogicalName, err)
			continue
		}
		r.markAvailable(e.LogicalName)

		err = r.call(ctx, "add solution component", e.LogicalName, func() error {
			return r.api.AddSolutionComponent(ctx, r.plan.Solution.UniqueName, id, dataverse.ComponentTypeEntity)
		})
		if err != nil {
			r.addWarning("CDM entity %s could not be added to the solution: %v", e.LogicalName, err)
			continue
		}
		r.update(func(rec *models.DeploymentRecord) { rec.Summary.CDMEntitiesLinked++ })
	}
}

// ============================================================================
// Relationships
// ============================================================================

func (r *run) createRelationships(ctx context.Context) error {
	var ready []schema.RelationshipDefinition
	for _, rel := range r.plan.Schema.Relationships {
		missing := ""
		switch {
		case !r.isAvailable(rel.ReferencedEntity):
			missing = rel.ReferencedEntity
		case !r.isAvailable(rel.ReferencingEntity):
			missing = rel.ReferencingEntity
		}
		if missing != "" {
			r.update(func(rec *models.DeploymentRecord) { rec.Summary.RelationshipsFailed++ })
			r.addError("relationship %s skipped: entity %s is not available", rel.SchemaName, missing)
			continue
		}
		ready = append(ready, rel)
	}
	if len(ready) == 0 {
		return nil
	}
	solution := r.plan.Solution.UniqueName
	lang := r.plan.Schema.LanguageCode
	total := len(ready)

	r.emit(models.StepRelationshipsCreating, fmt.Sprintf("Waiting for entity metadata before creating %d relationships", total), map[string]any{
		"total":   total,
		"waitSec": int(r.o.config.RelationshipWait.Seconds()),
	})
	if err := r.checkStop(ctx); err != nil {
		return err
	}
	if err := r.sleep(ctx, r.o.config.RelationshipWait); err != nil {
		return err
	}

	items := make([]workerpool.WorkItem[struct{}], len(ready))
	for i, rel := range ready {
		items[i] = workerpool.WorkItem[struct{}]{
			ID: rel.SchemaName,
			Execute: func(ctx context.Context) (struct{}, error) {
				id, err := r.callID(ctx, "create relationship", rel.SchemaName, func() (string, error) {
					return r.api.CreateRelationship(ctx, schema.RelationshipPayload(rel, lang), solution)
				})
				if dataverse.IsConflict(err) {
					r.addWarning("relationship %s already exists", rel.SchemaName)
					return struct{}{}, nil
				}
				if err != nil {
					r.update(func(rec *models.DeploymentRecord) { rec.Summary.RelationshipsFailed++ })
					r.addError("relationship %s: %v", rel.SchemaName, err)
					r.emit(models.StepRelationshipsCreating, "Failed to create relationship "+rel.SchemaName, map[string]any{
						"relationship": rel.SchemaName,
						"error":        err.Error(),
					})
					return struct{}{}, err
				}

				var done int
				r.update(func(rec *models.DeploymentRecord) {
					rec.Relationships = append(rec.Relationships, models.RelationshipRef{
						SchemaName:        rel.SchemaName,
						ReferencedEntity:  rel.ReferencedEntity,
						ReferencingEntity: rel.ReferencingEntity,
						ID:                id,
					})
					rec.Summary.RelationshipsCreated++
					done = rec.Summary.RelationshipsCreated
				})
				r.emit(models.StepRelationshipsCreating, "Created relationship "+rel.SchemaName, map[string]any{
					"relationship": rel.SchemaName,
					"created":      done,
					"total":        total,
				})
				return struct{}{}, nil
			},
		}
	}

	results := workerpool.ProcessBatches(ctx, r.o.relationshipPool, items, workerpool.BatchHooks{
		BeforeBatch: func(_, _ int) error { return r.checkStop(ctx) },
	})
	for _, res := range results {
		if res.Skipped {
			return res.Err
		}
	}
	return nil
}

// publish makes the new metadata visible to apps. Failure leaves the tables
// usable but unpublished, so it is only a warning.
func (r *run) publish(ctx context.Context) {
	r.mu.Lock()
	names := append([]string(nil), r.record.Entities...)
	r.mu.Unlock()
	if len(names) == 0 {
		return
	}

	err := r.call(ctx, "publish entities", strings.Join(names, ","), func() error {
		return r.api.PublishEntities(ctx, names)
	})
	if err != nil {
		r.addWarning("publishing customizations failed: %v", err)
	}
}
