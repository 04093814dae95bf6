package rollback

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/dataverse"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/retry"
)

type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]models.DeploymentRecord
	saves   int
}

func newMemStore(records ...*models.DeploymentRecord) *memStore {
	s := &memStore{records: make(map[uuid.UUID]models.DeploymentRecord)}
	for _, r := range records {
		s.records[r.ID] = *r
	}
	return s
}

func (s *memStore) Get(_ context.Context, id uuid.UUID) (*models.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) Save(_ context.Context, record *models.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.records[record.ID] = *record
	return nil
}

type runningSet map[uuid.UUID]bool

func (r runningSet) IsRunning(id uuid.UUID) bool { return r[id] }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testEngine(store RecordStore, api dataverse.API, running RunningChecker) *Engine {
	return NewEngine(store, func(context.Context, models.EnvironmentRef) (dataverse.API, error) {
		return api, nil
	}, running, NewTracker(10, time.Hour), Config{
		Retry: &retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1},
		Sleep: noSleep,
	}, zap.NewNop())
}

// deployedEnvironment seeds the mock with what a finished deployment leaves
// behind and returns the matching record.
func deployedEnvironment(t *testing.T, api *dataverse.MockAPI) *models.DeploymentRecord {
	t.Helper()
	ctx := context.Background()

	pubID, err := api.CreatePublisher(ctx, dataverse.Publisher{UniqueName: "contoso", CustomizationPrefix: "cr"})
	require.NoError(t, err)
	solID, err := api.CreateSolution(ctx, dataverse.Solution{UniqueName: "store"})
	require.NoError(t, err)
	api.SeedEntity("cr_customer")
	api.SeedEntity("cr_invoice")
	_, err = api.CreateRelationship(ctx, map[string]any{
		"SchemaName":        "cr_customer_invoice",
		"ReferencedEntity":  "cr_customer",
		"ReferencingEntity": "cr_invoice",
	}, "store")
	require.NoError(t, err)
	api.SeedGlobalChoice("cr_priority")

	return &models.DeploymentRecord{
		ID:           uuid.New(),
		Environment:  models.EnvironmentRef{Name: "dev", ServerURL: "https://dev.crm.dynamics.com"},
		SolutionName: "store",
		Status:       models.DeploymentStatusSucceeded,
		Step:         models.StepCompleted,
		Publisher:    &models.ArtifactRef{ID: pubID, UniqueName: "contoso", Created: true},
		Solution:     &models.ArtifactRef{ID: solID, UniqueName: "store", Created: true},
		Entities:     []string{"cr_customer", "cr_invoice"},
		Relationships: []models.RelationshipRef{
			{SchemaName: "cr_customer_invoice", ReferencedEntity: "cr_customer", ReferencingEntity: "cr_invoice"},
		},
		GlobalChoices: []string{"cr_priority"},
		Rollbackable:  true,
		StartedAt:     time.Now().UTC(),
	}
}

func TestExecute_DeletesEverythingInReverseOrder(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)

	var order []string
	api.FailFunc = func(op, target string) error {
		order = append(order, op+":"+target)
		return nil
	}

	var phases []models.RollbackPhase
	e := testEngine(newMemStore(record), api, nil)
	summary := e.Execute(context.Background(), api, record, Options{}, func(phase models.RollbackPhase, _ string) {
		phases = append(phases, phase)
	})

	assert.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.RelationshipsDeleted)
	assert.Equal(t, 2, summary.EntitiesDeleted)
	assert.Equal(t, 1, summary.GlobalChoicesDeleted)
	assert.True(t, summary.SolutionDeleted)
	assert.True(t, summary.PublisherDeleted)
	assert.Equal(t, models.AllRollbackPhases(), phases)

	assert.Equal(t, []string{
		"DeleteRelationship:cr_customer_invoice",
		"DeleteEntity:cr_invoice",
		"DeleteEntity:cr_customer",
		"DeleteGlobalChoice:cr_priority",
		"DeleteSolution:" + record.Solution.ID,
		"DeletePublisher:" + record.Publisher.ID,
	}, order)

	assert.False(t, api.HasEntity("cr_customer"))
	assert.False(t, api.HasRelationship("cr_customer_invoice"))
	assert.False(t, api.HasGlobalChoice("cr_priority"))
	assert.False(t, api.HasSolution("store"))
	assert.False(t, api.HasPublisher("contoso"))
}

func TestExecute_MissingObjectsCountAsDeleted(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	require.NoError(t, api.DeleteEntity(context.Background(), "cr_invoice"))

	e := testEngine(newMemStore(record), api, nil)
	summary := e.Execute(context.Background(), api, record, Options{}, nil)

	assert.Empty(t, summary.Errors)
	assert.Equal(t, 2, summary.EntitiesDeleted)
}

func TestExecute_ContinuesAfterFailures(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	api.FailFunc = func(op, target string) error {
		if op == "DeleteEntity" && target == "cr_customer" {
			return &dataverse.Error{Class: dataverse.ClassFatal, StatusCode: http.StatusBadRequest, Message: "entity is referenced"}
		}
		return nil
	}

	e := testEngine(newMemStore(record), api, nil)
	summary := e.Execute(context.Background(), api, record, Options{}, nil)

	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "entity cr_customer")
	assert.Equal(t, 1, summary.EntitiesDeleted)
	assert.Equal(t, 1, summary.GlobalChoicesDeleted)
	assert.True(t, summary.SolutionDeleted)
	assert.True(t, summary.PublisherDeleted)
	assert.Equal(t, models.RollbackStatePartial, outcome(summary))
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	var failures int
	api.FailFunc = func(op, _ string) error {
		if op == "DeleteGlobalChoice" && failures < 2 {
			failures++
			return &dataverse.Error{Class: dataverse.ClassTransient, StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}

	e := testEngine(newMemStore(record), api, nil)
	summary := e.Execute(context.Background(), api, record, Options{}, nil)

	assert.Empty(t, summary.Errors)
	assert.Equal(t, 3, api.Calls("DeleteGlobalChoice"))
	assert.False(t, api.HasGlobalChoice("cr_priority"))
}

func TestExecute_KeepOptionsAndPreexistingArtifacts(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	record.Publisher.Created = false

	e := testEngine(newMemStore(record), api, nil)
	summary := e.Execute(context.Background(), api, record, Options{KeepSolution: true}, nil)

	assert.Empty(t, summary.Errors)
	assert.False(t, summary.SolutionDeleted)
	assert.False(t, summary.PublisherDeleted)
	assert.True(t, api.HasSolution("store"))
	assert.True(t, api.HasPublisher("contoso"))
	assert.Equal(t, 0, api.Calls("DeletePublisher"))
}

func TestExecute_PublisherKeptWhileSolutionRemains(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)

	e := testEngine(newMemStore(record), api, nil)
	summary := e.Execute(context.Background(), api, record, Options{KeepSolution: true}, nil)

	assert.False(t, summary.PublisherDeleted)
	assert.True(t, api.HasPublisher("contoso"))
}

func TestCanRollback(t *testing.T) {
	eligible := &models.DeploymentRecord{ID: uuid.New(), Status: models.DeploymentStatusPartial, Entities: []string{"cr_a"}, Rollbackable: true}
	rolledBack := &models.DeploymentRecord{ID: uuid.New(), Status: models.DeploymentStatusRolledBack, Entities: []string{"cr_a"}}
	empty := &models.DeploymentRecord{ID: uuid.New(), Status: models.DeploymentStatusFailed, Rollbackable: false}
	running := &models.DeploymentRecord{ID: uuid.New(), Status: models.DeploymentStatusSucceeded, Entities: []string{"cr_a"}, Rollbackable: true}

	e := testEngine(newMemStore(eligible, rolledBack, empty, running), dataverse.NewMockAPI(), runningSet{running.ID: true})
	ctx := context.Background()

	tests := []struct {
		name   string
		id     uuid.UUID
		can    bool
		reason string
	}{
		{"eligible", eligible.ID, true, ""},
		{"already rolled back", rolledBack.ID, false, "already been rolled back"},
		{"nothing created", empty.ID, false, "created nothing"},
		{"still running", running.ID, false, "in progress"},
		{"unknown", uuid.New(), false, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capability, err := e.CanRollback(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.can, capability.CanRollback)
			assert.Contains(t, capability.Reason, tt.reason)
		})
	}
}

func TestStart_RunsInBackgroundAndMarksRecord(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	store := newMemStore(record)
	e := testEngine(store, api, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rollbackID, err := e.Start(ctx, record.ID, Options{}, nil)
	require.NoError(t, err)
	// The rollback must outlive the request that started it.
	cancel()
	e.Wait()

	status, ok := e.Status(rollbackID)
	require.True(t, ok)
	assert.Equal(t, models.RollbackStateCompleted, status.State)
	assert.Equal(t, 1.0, status.Progress)
	assert.Equal(t, record.ID, status.DeploymentID)
	require.NotNil(t, status.Summary)
	assert.Equal(t, 2, status.Summary.EntitiesDeleted)

	saved, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusRolledBack, saved.Status)
	assert.False(t, saved.Rollbackable)
	require.NotNil(t, saved.Rollback)
	assert.Equal(t, rollbackID, saved.Rollback.RollbackID)

	_, err = e.Start(context.Background(), record.ID, Options{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRolledBack)
}

func TestStart_FailedRollbackLeavesRecordRetryable(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	api.FailFunc = func(op, _ string) error {
		if strings.HasPrefix(op, "Delete") {
			return &dataverse.Error{Class: dataverse.ClassFatal, StatusCode: http.StatusForbidden, Message: "insufficient privileges"}
		}
		return nil
	}
	store := newMemStore(record)
	e := testEngine(store, api, nil)

	rollbackID, err := e.Start(context.Background(), record.ID, Options{}, nil)
	require.NoError(t, err)
	e.Wait()

	status, ok := e.Status(rollbackID)
	require.True(t, ok)
	assert.Equal(t, models.RollbackStateFailed, status.State)
	assert.Equal(t, 0, store.saves)

	capability, err := e.CanRollback(context.Background(), record.ID)
	require.NoError(t, err)
	assert.True(t, capability.CanRollback)
}

func TestStart_ConcurrentRequestsStartOneRollback(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	release := make(chan struct{})
	api.FailFunc = func(op, _ string) error {
		if strings.HasPrefix(op, "Delete") {
			<-release
		}
		return nil
	}
	e := testEngine(newMemStore(record), api, nil)

	const callers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		started    int
		refused    int
		unexpected []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Start(context.Background(), record.ID, Options{}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, apperrors.ErrDeploymentInProgress):
				refused++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()
	close(release)
	e.Wait()

	assert.Empty(t, unexpected)
	assert.Equal(t, 1, started)
	assert.Equal(t, callers-1, refused)
}

func TestStart_RejectsIneligible(t *testing.T) {
	record := &models.DeploymentRecord{ID: uuid.New(), Status: models.DeploymentStatusRunning, Entities: []string{"cr_a"}, Rollbackable: true}
	e := testEngine(newMemStore(record), dataverse.NewMockAPI(), nil)

	_, err := e.Start(context.Background(), record.ID, Options{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrDeploymentInProgress)

	_, err = e.Start(context.Background(), uuid.New(), Options{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStart_UnknownEnvironment(t *testing.T) {
	api := dataverse.NewMockAPI()
	record := deployedEnvironment(t, api)
	e := NewEngine(newMemStore(record), func(context.Context, models.EnvironmentRef) (dataverse.API, error) {
		return nil, errors.New("no credentials for dev")
	}, nil, nil, Config{}, zap.NewNop())

	_, err := e.Start(context.Background(), record.ID, Options{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidEnvironment)
}
