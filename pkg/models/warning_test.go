package models

import "testing"

func TestSummarize(t *testing.T) {
	warnings := []Warning{
		{Type: WarningMissingPrimaryKey, Severity: SeverityError, AutoFixable: true},
		{Type: WarningManyToMany, Severity: SeverityError, AutoFixable: true},
		{Type: WarningNamingConflict, Severity: SeverityWarning, AutoFixable: true},
		{Type: WarningForeignKeyNaming, Severity: SeverityInfo},
		{Type: WarningCDMEntityDetected, Severity: SeverityInfo},
	}

	s := Summarize(3, 2, warnings)

	if s.TotalEntities != 3 || s.TotalRelationships != 2 {
		t.Errorf("expected 3 entities and 2 relationships, got %d and %d", s.TotalEntities, s.TotalRelationships)
	}
	if s.Errors != 2 || s.Warnings != 1 || s.Info != 2 {
		t.Errorf("unexpected severity counts: %+v", s)
	}
	if s.AutoFixable != 3 {
		t.Errorf("expected 3 auto-fixable, got %d", s.AutoFixable)
	}
	if s.IsValid {
		t.Error("expected summary with errors to be invalid")
	}
	if !HasErrors(warnings) {
		t.Error("expected HasErrors to be true")
	}
}

func TestSummarize_NoErrorsIsValid(t *testing.T) {
	warnings := []Warning{{Type: WarningNamingConflict, Severity: SeverityWarning}}

	if s := Summarize(1, 0, warnings); !s.IsValid {
		t.Error("expected warnings alone to keep the diagram valid")
	}
	if HasErrors(warnings) {
		t.Error("expected HasErrors to be false")
	}
	if s := Summarize(0, 0, nil); !s.IsValid || s.Errors != 0 {
		t.Errorf("expected empty input to be valid, got %+v", s)
	}
}

func TestDeploymentStep_IsTerminal(t *testing.T) {
	tests := []struct {
		step     DeploymentStep
		terminal bool
	}{
		{StepPending, false},
		{StepEntitiesCreating, false},
		{StepRelationshipsCreating, false},
		{StepCompleted, true},
		{StepFailed, true},
		{StepCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.step.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.step, got, tt.terminal)
		}
	}
}

func TestDeploymentStatus_IsSuccess(t *testing.T) {
	for status, want := range map[DeploymentStatus]bool{
		DeploymentStatusSucceeded:  true,
		DeploymentStatusPartial:    true,
		DeploymentStatusFailed:     false,
		DeploymentStatusCancelled:  false,
		DeploymentStatusRolledBack: false,
	} {
		if got := status.IsSuccess(); got != want {
			t.Errorf("%s.IsSuccess() = %v, want %v", status, got, want)
		}
	}
}

func TestAllRollbackPhases_ReverseCreationOrder(t *testing.T) {
	phases := AllRollbackPhases()
	if len(phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(phases))
	}
	if phases[0] != RollbackPhaseRelationships || phases[len(phases)-1] != RollbackPhasePublisher {
		t.Errorf("expected relationships first and publisher last, got %v", phases)
	}
	if !RollbackStatePartial.IsTerminal() || RollbackStateRunning.IsTerminal() {
		t.Error("unexpected rollback terminal states")
	}
}
