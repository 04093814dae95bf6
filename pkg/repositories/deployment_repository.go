package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/database"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// DeploymentRepository stores deployment records.
type DeploymentRepository interface {
	// Save inserts the record or replaces the stored copy.
	Save(ctx context.Context, record *models.DeploymentRecord) error
	// Get returns apperrors.ErrNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error)
	// List returns records newest first plus the total matching count.
	List(ctx context.Context, filters models.DeploymentHistoryFilters) ([]*models.DeploymentRecord, int, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

// ============================================================================
// Postgres
// ============================================================================

type deploymentRepository struct {
	db database.Querier
}

// NewDeploymentRepository returns a Postgres-backed repository. The full
// record is kept as JSONB; filterable fields are duplicated into columns.
func NewDeploymentRepository(db database.Querier) DeploymentRepository {
	return &deploymentRepository{db: db}
}

var _ DeploymentRepository = (*deploymentRepository)(nil)

func (r *deploymentRepository) Save(ctx context.Context, record *models.DeploymentRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment record: %w", err)
	}

	query := `
		INSERT INTO deployments (
			id, environment, server_url, solution_name,
			status, rollbackable, record, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			rollbackable = EXCLUDED.rollbackable,
			record = EXCLUDED.record,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()`

	_, err = r.db.Exec(ctx, query,
		record.ID,
		record.Environment.Name,
		record.Environment.ServerURL,
		record.SolutionName,
		string(record.Status),
		record.Rollbackable,
		payload,
		record.StartedAt,
		record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save deployment record: %w", err)
	}
	return nil
}

func (r *deploymentRepository) Get(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT record FROM deployments WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment record: %w", err)
	}
	return decodeRecord(payload)
}

func (r *deploymentRepository) List(ctx context.Context, filters models.DeploymentHistoryFilters) ([]*models.DeploymentRecord, int, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filters.Environment != "" {
		conditions = append(conditions, fmt.Sprintf("environment = $%d", argIdx))
		args = append(args, filters.Environment)
		argIdx++
	}
	if filters.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filters.Status))
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM deployments %s`, where)
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count deployment records: %w", err)
	}

	dataQuery := fmt.Sprintf(`
		SELECT record FROM deployments
		%s
		ORDER BY started_at DESC
		LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, listLimit(filters.Limit), max(filters.Offset, 0))

	rows, err := r.db.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list deployment records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.DeploymentRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		record, err := decodeRecord(payload)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating deployment records: %w", err)
	}

	return records, total, nil
}

func decodeRecord(payload []byte) (*models.DeploymentRecord, error) {
	var record models.DeploymentRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment record: %w", err)
	}
	return &record, nil
}
