package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/autofix"
	"github.com/ekaya-inc/erd2dataverse/pkg/cdm"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/schema"
	"github.com/ekaya-inc/erd2dataverse/pkg/validation"
)

const missingKeyERD = `erDiagram
    Customer {
        string email
    }`

const contactERD = `erDiagram
    Contact {
        string id PK
        string email
    }
    Ticket {
        string id PK
        string contact_id FK
    }
    Contact ||--o{ Ticket : "raises"`

func TestValidationService_ValidateValid(t *testing.T) {
	svc := testValidationService()

	result, err := svc.Validate(shopERD, ValidationOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Validation.IsValid)
	assert.Empty(t, result.Validation.Errors)
	assert.Len(t, result.Entities, 2)
	assert.Len(t, result.Relationships, 1)
	assert.Equal(t, 2, result.Summary.TotalEntities)
	assert.NotNil(t, result.Warnings)
}

func TestValidationService_ValidateBlockingErrorsAreCorrected(t *testing.T) {
	svc := testValidationService()

	result, err := svc.Validate(missingKeyERD, ValidationOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotEmpty(t, result.Validation.Errors)
	assert.Equal(t, models.WarningMissingPrimaryKey, result.Validation.Errors[0].Type)
	assert.NotEqual(t, missingKeyERD, result.CorrectedERD)
	assert.Contains(t, result.CorrectedERD, "PK")

	again, err := svc.Validate(result.CorrectedERD, ValidationOptions{})
	require.NoError(t, err)
	assert.Empty(t, again.Validation.Errors)
}

func TestValidationService_RequiresContent(t *testing.T) {
	svc := testValidationService()

	_, err := svc.Validate(" \n", ValidationOptions{})
	assert.ErrorIs(t, err, apperrors.ErrValidationFailed)

	_, err = svc.FixWarning(shopERD, "", ValidationOptions{})
	assert.ErrorIs(t, err, apperrors.ErrValidationFailed)

	_, err = svc.BulkFix("", nil, autofix.AutoFixableOnly(), ValidationOptions{})
	assert.ErrorIs(t, err, apperrors.ErrValidationFailed)
}

func TestValidationService_FixWarning(t *testing.T) {
	svc := testValidationService()

	result, err := svc.Validate(missingKeyERD, ValidationOptions{})
	require.NoError(t, err)
	id := result.Validation.Errors[0].ID

	fixed, err := svc.FixWarning(missingKeyERD, id, ValidationOptions{})
	require.NoError(t, err)
	assert.True(t, fixed.Success)
	require.NotNil(t, fixed.AppliedFix)
	assert.Equal(t, models.WarningMissingPrimaryKey, fixed.AppliedFix.Type)
	assert.False(t, models.HasErrors(fixed.RemainingWarnings))
}

func TestValidationService_CDMChoice(t *testing.T) {
	svc := NewValidationService(validation.New(validation.Options{}), cdm.NewMatcher(cdm.DefaultThreshold, zap.NewNop()), zap.NewNop())

	custom := svc.Analyze(contactERD, ValidationOptions{})
	require.NotNil(t, custom.Detection)
	assert.False(t, custom.Document.Entities[0].IsCdm)

	reuse := svc.Analyze(contactERD, ValidationOptions{EntityChoice: cdm.ChoiceCDM})
	assert.True(t, reuse.Document.Entities[0].IsCdm)
	assert.False(t, reuse.Document.Entities[1].IsCdm)

	sch, _, err := svc.GenerateSchema(contactERD, ValidationOptions{EntityChoice: cdm.ChoiceCDM}, schema.Options{PublisherPrefix: "cr"})
	require.NoError(t, err)
	custom2 := sch.CustomEntities()
	require.Len(t, custom2, 1)
	assert.Equal(t, "cr_ticket", custom2[0].LogicalName)
	require.Len(t, sch.Relationships, 1)
	assert.Equal(t, "contact", sch.Relationships[0].ReferencedEntity)
}

func TestValidationService_GenerateSchemaRejectsErrors(t *testing.T) {
	svc := testValidationService()

	sch, an, err := svc.GenerateSchema(missingKeyERD, ValidationOptions{}, schema.Options{PublisherPrefix: "cr"})
	assert.ErrorIs(t, err, apperrors.ErrValidationFailed)
	assert.Nil(t, sch)
	require.NotNil(t, an)
	assert.True(t, models.HasErrors(an.Warnings))
}
