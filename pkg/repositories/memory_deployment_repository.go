package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// memoryDeploymentRepository keeps records in process memory. Used when no
// database is configured; history is lost on restart.
type memoryDeploymentRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]byte
	started map[uuid.UUID]models.DeploymentRecord
}

// NewMemoryDeploymentRepository returns an in-memory repository.
func NewMemoryDeploymentRepository() DeploymentRepository {
	return &memoryDeploymentRepository{
		records: make(map[uuid.UUID][]byte),
		started: make(map[uuid.UUID]models.DeploymentRecord),
	}
}

var _ DeploymentRepository = (*memoryDeploymentRepository)(nil)

// Records are stored encoded so callers never share slices with the store.
func (r *memoryDeploymentRepository) Save(_ context.Context, record *models.DeploymentRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID] = payload
	r.started[record.ID] = models.DeploymentRecord{
		ID:          record.ID,
		Environment: record.Environment,
		Status:      record.Status,
		StartedAt:   record.StartedAt,
	}
	return nil
}

func (r *memoryDeploymentRepository) Get(_ context.Context, id uuid.UUID) (*models.DeploymentRecord, error) {
	r.mu.RLock()
	payload, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, apperrors.ErrNotFound)
	}
	return decodeRecord(payload)
}

func (r *memoryDeploymentRepository) List(ctx context.Context, filters models.DeploymentHistoryFilters) ([]*models.DeploymentRecord, int, error) {
	r.mu.RLock()
	var matched []models.DeploymentRecord
	for _, meta := range r.started {
		if filters.Environment != "" && meta.Environment.Name != filters.Environment {
			continue
		}
		if filters.Status != "" && meta.Status != filters.Status {
			continue
		}
		matched = append(matched, meta)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	start := min(max(filters.Offset, 0), total)
	end := min(start+listLimit(filters.Limit), total)

	records := make([]*models.DeploymentRecord, 0, end-start)
	for _, meta := range matched[start:end] {
		record, err := r.Get(ctx, meta.ID)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, record)
	}
	return records, total, nil
}
