package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

func sampleRecord(env string, status models.DeploymentStatus, started time.Time) *models.DeploymentRecord {
	return &models.DeploymentRecord{
		ID:           uuid.New(),
		Environment:  models.EnvironmentRef{Name: env, ServerURL: "https://" + env + ".crm.dynamics.com"},
		SolutionName: "store",
		Status:       status,
		Step:         models.StepCompleted,
		Entities:     []string{"cr_customer", "cr_invoice"},
		Relationships: []models.RelationshipRef{
			{SchemaName: "cr_customer_invoice", ReferencedEntity: "cr_customer", ReferencingEntity: "cr_invoice"},
		},
		Rollbackable: true,
		StartedAt:    started,
	}
}

// ============================================================================
// Postgres
// ============================================================================

func TestDeploymentRepository_Save(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	record := sampleRecord("dev", models.DeploymentStatusSucceeded, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	payload, err := json.Marshal(record)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO deployments .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(record.ID, "dev", "https://dev.crm.dynamics.com", "store", "succeeded", true, payload, record.StartedAt, record.CompletedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewDeploymentRepository(mock)
	require.NoError(t, repo.Save(context.Background(), record))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeploymentRepository_SaveError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO deployments`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	repo := NewDeploymentRepository(mock)
	err = repo.Save(context.Background(), sampleRecord("dev", models.DeploymentStatusFailed, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save deployment record")
}

func TestDeploymentRepository_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	record := sampleRecord("dev", models.DeploymentStatusPartial, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	payload, err := json.Marshal(record)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT record FROM deployments WHERE id = \$1`).
		WithArgs(record.ID).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(payload))

	repo := NewDeploymentRepository(mock)
	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.Entities, got.Entities)
	assert.Equal(t, models.DeploymentStatusPartial, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeploymentRepository_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT record FROM deployments`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	repo := NewDeploymentRepository(mock)
	_, err = repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeploymentRepository_ListWithFilters(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	newer := sampleRecord("prod", models.DeploymentStatusSucceeded, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	older := sampleRecord("prod", models.DeploymentStatusSucceeded, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	newerJSON, _ := json.Marshal(newer)
	olderJSON, _ := json.Marshal(older)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM deployments WHERE environment = \$1 AND status = \$2`).
		WithArgs("prod", "succeeded").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT record FROM deployments\s+WHERE environment = \$1 AND status = \$2\s+ORDER BY started_at DESC\s+LIMIT \$3 OFFSET \$4`).
		WithArgs("prod", "succeeded", 2, 0).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(newerJSON).AddRow(olderJSON))

	repo := NewDeploymentRepository(mock)
	records, total, err := repo.List(context.Background(), models.DeploymentHistoryFilters{
		Environment: "prod",
		Status:      models.DeploymentStatusSucceeded,
		Limit:       2,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, records, 2)
	assert.Equal(t, newer.ID, records[0].ID)
	assert.Equal(t, older.ID, records[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeploymentRepository_ListDefaults(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM deployments`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT record FROM deployments\s+ORDER BY`).
		WithArgs(defaultListLimit, 0).
		WillReturnRows(pgxmock.NewRows([]string{"record"}))

	repo := NewDeploymentRepository(mock)
	records, total, err := repo.List(context.Background(), models.DeploymentHistoryFilters{Offset: -3})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, records)
	assert.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Memory
// ============================================================================

func TestMemoryDeploymentRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDeploymentRepository()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := sampleRecord("dev", models.DeploymentStatusSucceeded, base)
	second := sampleRecord("dev", models.DeploymentStatusFailed, base.Add(time.Hour))
	third := sampleRecord("prod", models.DeploymentStatusSucceeded, base.Add(2*time.Hour))
	for _, r := range []*models.DeploymentRecord{first, second, third} {
		require.NoError(t, repo.Save(ctx, r))
	}

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := repo.Get(ctx, first.ID)
		require.NoError(t, err)
		got.Entities[0] = "changed"

		again, err := repo.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "cr_customer", again.Entities[0])
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("newest first", func(t *testing.T) {
		records, total, err := repo.List(ctx, models.DeploymentHistoryFilters{})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, records, 3)
		assert.Equal(t, third.ID, records[0].ID)
		assert.Equal(t, first.ID, records[2].ID)
	})

	t.Run("filters and paging", func(t *testing.T) {
		records, total, err := repo.List(ctx, models.DeploymentHistoryFilters{Environment: "dev", Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, records, 1)
		assert.Equal(t, first.ID, records[0].ID)

		records, total, err = repo.List(ctx, models.DeploymentHistoryFilters{Status: models.DeploymentStatusFailed})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, second.ID, records[0].ID)
	})

	t.Run("save replaces", func(t *testing.T) {
		second.Status = models.DeploymentStatusRolledBack
		require.NoError(t, repo.Save(ctx, second))

		records, _, err := repo.List(ctx, models.DeploymentHistoryFilters{Status: models.DeploymentStatusRolledBack})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, second.ID, records[0].ID)
	})
}
