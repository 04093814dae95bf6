package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Deployment Steps
// ============================================================================

// DeploymentStep is a state of the deployment state machine.
type DeploymentStep string

const (
	StepPending               DeploymentStep = "pending"
	StepPublisherEnsured      DeploymentStep = "publisher-ensured"
	StepSolutionEnsured       DeploymentStep = "solution-ensured"
	StepChoicesCreating       DeploymentStep = "choices-creating"
	StepEntitiesCreating      DeploymentStep = "entities-creating"
	StepAttributesCreating    DeploymentStep = "attributes-creating"
	StepSolutionLinking       DeploymentStep = "solution-linking"
	StepRelationshipsCreating DeploymentStep = "relationships-creating"
	StepCompleted             DeploymentStep = "completed"
	StepFailed                DeploymentStep = "failed"
	StepCancelled             DeploymentStep = "cancelled"
)

// DeploymentStepOrder defines the forward order of non-terminal steps.
var DeploymentStepOrder = map[DeploymentStep]int{
	StepPending:               0,
	StepPublisherEnsured:      1,
	StepSolutionEnsured:       2,
	StepChoicesCreating:       3,
	StepEntitiesCreating:      4,
	StepAttributesCreating:    5,
	StepSolutionLinking:       6,
	StepRelationshipsCreating: 7,
	StepCompleted:             8,
}

// IsTerminal returns true if the step ends the deployment.
func (s DeploymentStep) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

// ============================================================================
// Deployment Status
// ============================================================================

// DeploymentStatus is the persisted outcome of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusRunning    DeploymentStatus = "running"
	DeploymentStatusSucceeded  DeploymentStatus = "succeeded"
	DeploymentStatusPartial    DeploymentStatus = "partial"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusCancelled  DeploymentStatus = "cancelled"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// IsSuccess reports whether the deployment counts as successful. A partial
// deployment created at least one entity.
func (s DeploymentStatus) IsSuccess() bool {
	return s == DeploymentStatusSucceeded || s == DeploymentStatusPartial
}

// ============================================================================
// Deployment Record
// ============================================================================

// EnvironmentRef identifies the Dataverse environment a deployment targeted.
type EnvironmentRef struct {
	Name      string `json:"name"`
	ServerURL string `json:"serverUrl"`
	ClientID  string `json:"clientId,omitempty"`
}

// ArtifactRef identifies one created remote artifact.
type ArtifactRef struct {
	ID         string `json:"id,omitempty"`
	UniqueName string `json:"uniqueName"`
	Created    bool   `json:"created"` // false when the artifact pre-existed
}

// RelationshipRef describes a created relationship.
type RelationshipRef struct {
	SchemaName        string `json:"schemaName"`
	ReferencedEntity  string `json:"referencedEntity"`
	ReferencingEntity string `json:"referencingEntity"`
	ID                string `json:"id,omitempty"`
}

// DeploymentSummary is the user-visible outcome counters.
type DeploymentSummary struct {
	EntitiesRequested      int      `json:"entitiesRequested"`
	EntitiesCreated        int      `json:"entitiesCreated"`
	EntitiesFailed         int      `json:"entitiesFailed"`
	AttributesCreated      int      `json:"attributesCreated"`
	AttributesFailed       int      `json:"attributesFailed"`
	RelationshipsRequested int      `json:"relationshipsRequested"`
	RelationshipsCreated   int      `json:"relationshipsCreated"`
	RelationshipsFailed    int      `json:"relationshipsFailed"`
	GlobalChoicesCreated   int      `json:"globalChoicesCreated"`
	CDMEntitiesLinked      int      `json:"cdmEntitiesLinked"`
	Errors                 []string `json:"errors"`
	Warnings               []string `json:"warnings,omitempty"`
}

// RollbackInfo is attached to a record once a rollback finished.
type RollbackInfo struct {
	RollbackID  uuid.UUID        `json:"rollbackId"`
	CompletedAt time.Time        `json:"completedAt"`
	Summary     *RollbackSummary `json:"summary"`
}

// DeploymentRecord captures what one deployment created, in creation order.
type DeploymentRecord struct {
	ID             uuid.UUID         `json:"id"`
	Environment    EnvironmentRef    `json:"environment"`
	SolutionName   string            `json:"solutionName"`
	Status         DeploymentStatus  `json:"status"`
	Step           DeploymentStep    `json:"step"`
	Publisher      *ArtifactRef      `json:"publisher,omitempty"`
	Solution       *ArtifactRef      `json:"solution,omitempty"`
	Entities       []string          `json:"entities"`
	Relationships  []RelationshipRef `json:"relationships"`
	GlobalChoices  []string          `json:"globalChoices"`
	Summary        DeploymentSummary `json:"summary"`
	Rollbackable   bool              `json:"rollbackable"`
	Rollback       *RollbackInfo     `json:"rollback,omitempty"`
	MermaidContent string            `json:"mermaidContent,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// HasArtifacts returns true if the deployment created anything worth rolling back.
func (r *DeploymentRecord) HasArtifacts() bool {
	if len(r.Entities) > 0 || len(r.Relationships) > 0 || len(r.GlobalChoices) > 0 {
		return true
	}
	if r.Solution != nil && r.Solution.Created {
		return true
	}
	return r.Publisher != nil && r.Publisher.Created
}

// DeploymentHistoryFilters narrows a history listing.
type DeploymentHistoryFilters struct {
	Environment string
	Status      DeploymentStatus
	Limit       int
	Offset      int
}

// DeploymentComparison lists what differs between two deployments.
type DeploymentComparison struct {
	From                 uuid.UUID `json:"from"`
	To                   uuid.UUID `json:"to"`
	EntitiesAdded        []string  `json:"entitiesAdded"`
	EntitiesRemoved      []string  `json:"entitiesRemoved"`
	EntitiesCommon       []string  `json:"entitiesCommon"`
	RelationshipsAdded   []string  `json:"relationshipsAdded"`
	RelationshipsRemoved []string  `json:"relationshipsRemoved"`
	RelationshipsCommon  []string  `json:"relationshipsCommon"`
}
