package services

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/repositories"
)

// HistoryPage is one page of deployment history.
type HistoryPage struct {
	Deployments []*models.DeploymentRecord `json:"deployments"`
	Total       int                        `json:"total"`
	Limit       int                        `json:"limit"`
	Offset      int                        `json:"offset"`
}

// HistoryService reads past deployments.
type HistoryService interface {
	// List returns records newest first without their diagram content.
	List(ctx context.Context, filters models.DeploymentHistoryFilters) (*HistoryPage, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error)
	// Compare lists the entities and relationships added or removed going
	// from one deployment to another.
	Compare(ctx context.Context, from, to uuid.UUID) (*models.DeploymentComparison, error)
}

type historyService struct {
	repo   repositories.DeploymentRepository
	logger *zap.Logger
}

// NewHistoryService creates a history service.
func NewHistoryService(repo repositories.DeploymentRepository, logger *zap.Logger) HistoryService {
	return &historyService{repo: repo, logger: logger.Named("history")}
}

var _ HistoryService = (*historyService)(nil)

func (s *historyService) List(ctx context.Context, filters models.DeploymentHistoryFilters) (*HistoryPage, error) {
	records, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	for _, r := range records {
		r.MermaidContent = ""
	}
	return &HistoryPage{
		Deployments: records,
		Total:       total,
		Limit:       filters.Limit,
		Offset:      max(filters.Offset, 0),
	}, nil
}

func (s *historyService) Get(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error) {
	return s.repo.Get(ctx, id)
}

func (s *historyService) Compare(ctx context.Context, from, to uuid.UUID) (*models.DeploymentComparison, error) {
	a, err := s.repo.Get(ctx, from)
	if err != nil {
		return nil, err
	}
	b, err := s.repo.Get(ctx, to)
	if err != nil {
		return nil, err
	}

	cmp := &models.DeploymentComparison{From: from, To: to}
	cmp.EntitiesAdded, cmp.EntitiesRemoved, cmp.EntitiesCommon = diff(a.Entities, b.Entities)
	cmp.RelationshipsAdded, cmp.RelationshipsRemoved, cmp.RelationshipsCommon = diff(
		relationshipNames(a.Relationships), relationshipNames(b.Relationships))
	return cmp, nil
}

func relationshipNames(refs []models.RelationshipRef) []string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.SchemaName)
	}
	return names
}

// diff returns sorted sets: in to only, in from only, and in both.
func diff(from, to []string) (added, removed, common []string) {
	added, removed, common = []string{}, []string{}, []string{}
	inFrom := make(map[string]bool, len(from))
	for _, v := range from {
		inFrom[v] = true
	}
	inTo := make(map[string]bool, len(to))
	for _, v := range to {
		inTo[v] = true
	}
	for v := range inTo {
		if inFrom[v] {
			common = append(common, v)
		} else {
			added = append(added, v)
		}
	}
	for v := range inFrom {
		if !inTo[v] {
			removed = append(removed, v)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	slices.Sort(common)
	return added, removed, common
}
