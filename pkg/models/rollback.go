package models

import (
	"time"

	"github.com/google/uuid"
)

// RollbackPhase names one deletion phase. Order is the reverse of creation.
type RollbackPhase string

const (
	RollbackPhaseRelationships RollbackPhase = "relationships"
	RollbackPhaseEntities      RollbackPhase = "entities"
	RollbackPhaseGlobalChoices RollbackPhase = "global-choices"
	RollbackPhaseSolution      RollbackPhase = "solution"
	RollbackPhasePublisher     RollbackPhase = "publisher"
)

// AllRollbackPhases returns the phases in execution order.
func AllRollbackPhases() []RollbackPhase {
	return []RollbackPhase{
		RollbackPhaseRelationships,
		RollbackPhaseEntities,
		RollbackPhaseGlobalChoices,
		RollbackPhaseSolution,
		RollbackPhasePublisher,
	}
}

// RollbackState is the lifecycle of one rollback execution.
type RollbackState string

const (
	RollbackStatePending   RollbackState = "pending"
	RollbackStateRunning   RollbackState = "running"
	RollbackStateCompleted RollbackState = "completed"
	RollbackStatePartial   RollbackState = "partial"
	RollbackStateFailed    RollbackState = "failed"
)

// IsTerminal returns true if the rollback is no longer running.
func (s RollbackState) IsTerminal() bool {
	return s == RollbackStateCompleted || s == RollbackStatePartial || s == RollbackStateFailed
}

// RollbackCapability answers canRollback.
type RollbackCapability struct {
	CanRollback bool   `json:"canRollback"`
	Reason      string `json:"reason,omitempty"`
}

// RollbackSummary counts what was deleted.
type RollbackSummary struct {
	RelationshipsDeleted int      `json:"relationshipsDeleted"`
	EntitiesDeleted      int      `json:"entitiesDeleted"`
	GlobalChoicesDeleted int      `json:"globalChoicesDeleted"`
	SolutionDeleted      bool     `json:"solutionDeleted"`
	PublisherDeleted     bool     `json:"publisherDeleted"`
	Errors               []string `json:"errors"`
}

// RollbackStatus is the polled view of a background rollback.
type RollbackStatus struct {
	RollbackID   uuid.UUID        `json:"rollbackId"`
	DeploymentID uuid.UUID        `json:"deploymentId"`
	State        RollbackState    `json:"state"`
	CurrentPhase RollbackPhase    `json:"currentPhase,omitempty"`
	PhaseIndex   int              `json:"phaseIndex"`
	TotalPhases  int              `json:"totalPhases"`
	Progress     float64          `json:"progress"`
	Message      string           `json:"message,omitempty"`
	Summary      *RollbackSummary `json:"summary,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
}
