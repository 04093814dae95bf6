package rollback

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker(5, time.Hour)
	id, dep := uuid.New(), uuid.New()

	require.NoError(t, tr.Start(id, dep, 5))
	s, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.RollbackStatePending, s.State)
	assert.True(t, tr.ActiveFor(dep))

	tr.SetPhase(id, models.RollbackPhaseEntities, 1, "Deleting 2 entities")
	s, _ = tr.Get(id)
	assert.Equal(t, models.RollbackStateRunning, s.State)
	assert.Equal(t, models.RollbackPhaseEntities, s.CurrentPhase)
	assert.InDelta(t, 0.2, s.Progress, 1e-9)

	tr.Finish(id, models.RollbackStateCompleted, &models.RollbackSummary{EntitiesDeleted: 2}, "Rollback completed")
	s, _ = tr.Get(id)
	assert.Equal(t, models.RollbackStateCompleted, s.State)
	assert.Equal(t, 1.0, s.Progress)
	assert.NotNil(t, s.CompletedAt)
	assert.False(t, tr.ActiveFor(dep))
}

func TestTracker_StartRefusesSecondActiveRollback(t *testing.T) {
	tr := NewTracker(5, time.Hour)
	dep := uuid.New()
	first := uuid.New()

	require.NoError(t, tr.Start(first, dep, 5))
	err := tr.Start(uuid.New(), dep, 5)
	assert.ErrorIs(t, err, apperrors.ErrDeploymentInProgress)
	assert.NoError(t, tr.Start(uuid.New(), uuid.New(), 5), "other deployments are unaffected")

	tr.Finish(first, models.RollbackStateFailed, nil, "Rollback failed")
	assert.NoError(t, tr.Start(uuid.New(), dep, 5), "a finished rollback can be retried")
}

func TestTracker_GetReturnsCopy(t *testing.T) {
	tr := NewTracker(5, time.Hour)
	id := uuid.New()
	require.NoError(t, tr.Start(id, uuid.New(), 5))

	s, _ := tr.Get(id)
	s.Message = "changed"

	again, _ := tr.Get(id)
	assert.Empty(t, again.Message)
}

func TestTracker_EvictsOldest(t *testing.T) {
	tr := NewTracker(2, time.Hour)
	first, second, third := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, tr.Start(first, uuid.New(), 5))
	require.NoError(t, tr.Start(second, uuid.New(), 5))
	require.NoError(t, tr.Start(third, uuid.New(), 5))

	_, ok := tr.Get(first)
	assert.False(t, ok)
	_, ok = tr.Get(second)
	assert.True(t, ok)
	_, ok = tr.Get(third)
	assert.True(t, ok)
}

func TestTracker_Expires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(5, time.Minute)
	tr.now = func() time.Time { return now }

	id := uuid.New()
	require.NoError(t, tr.Start(id, uuid.New(), 5))
	now = now.Add(2 * time.Minute)

	_, ok := tr.Get(id)
	assert.False(t, ok)
}

func TestTracker_UnknownIDIsIgnored(t *testing.T) {
	tr := NewTracker(0, 0)
	tr.SetPhase(uuid.New(), models.RollbackPhaseSolution, 3, "x")
	tr.Finish(uuid.New(), models.RollbackStateFailed, nil, "x")
	_, ok := tr.Get(uuid.New())
	assert.False(t, ok)
}
