package rollback

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/erd2dataverse/pkg/apperrors"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

const (
	// DefaultTrackerCapacity is the number of rollbacks kept for polling.
	DefaultTrackerCapacity = 100
	// DefaultTrackerTTL is how long a rollback stays visible.
	DefaultTrackerTTL = time.Hour
)

// Tracker keeps the status of recent rollbacks in a fixed-size ring. The
// oldest entry is evicted when the ring is full; entries also expire after
// the TTL.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	ring    []uuid.UUID
	next    int
	entries map[uuid.UUID]*models.RollbackStatus
	now     func() time.Time
}

// NewTracker creates a tracker. Non-positive values take the defaults.
func NewTracker(capacity int, ttl time.Duration) *Tracker {
	if capacity < 1 {
		capacity = DefaultTrackerCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTrackerTTL
	}
	return &Tracker{
		ttl:     ttl,
		ring:    make([]uuid.UUID, capacity),
		entries: make(map[uuid.UUID]*models.RollbackStatus),
		now:     time.Now,
	}
}

// Start registers a pending rollback. It fails with
// apperrors.ErrDeploymentInProgress when a rollback of the same deployment is
// still active.
func (t *Tracker) Start(rollbackID, deploymentID uuid.UUID, totalPhases int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeLocked(deploymentID) {
		return fmt.Errorf("%w: rollback of deployment %s already running", apperrors.ErrDeploymentInProgress, deploymentID)
	}

	if old := t.ring[t.next]; old != uuid.Nil {
		delete(t.entries, old)
	}
	t.ring[t.next] = rollbackID
	t.next = (t.next + 1) % len(t.ring)

	now := t.now().UTC()
	t.entries[rollbackID] = &models.RollbackStatus{
		RollbackID:   rollbackID,
		DeploymentID: deploymentID,
		State:        models.RollbackStatePending,
		TotalPhases:  totalPhases,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

// SetPhase records entry into a phase. index is zero-based.
func (t *Tracker) SetPhase(rollbackID uuid.UUID, phase models.RollbackPhase, index int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[rollbackID]
	if !ok {
		return
	}
	s.State = models.RollbackStateRunning
	s.CurrentPhase = phase
	s.PhaseIndex = index
	if s.TotalPhases > 0 {
		s.Progress = float64(index) / float64(s.TotalPhases)
	}
	s.Message = message
	s.UpdatedAt = t.now().UTC()
}

// Finish records the outcome.
func (t *Tracker) Finish(rollbackID uuid.UUID, state models.RollbackState, summary *models.RollbackSummary, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[rollbackID]
	if !ok {
		return
	}
	now := t.now().UTC()
	s.State = state
	s.PhaseIndex = s.TotalPhases
	s.Progress = 1
	s.Summary = summary
	s.Message = message
	s.UpdatedAt = now
	s.CompletedAt = &now
}

// Get returns a copy of the status, or false if unknown or expired.
func (t *Tracker) Get(rollbackID uuid.UUID) (*models.RollbackStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[rollbackID]
	if !ok {
		return nil, false
	}
	if t.now().Sub(s.UpdatedAt) > t.ttl {
		delete(t.entries, rollbackID)
		return nil, false
	}
	c := *s
	return &c, true
}

// ActiveFor reports whether a rollback of the deployment is still running.
func (t *Tracker) ActiveFor(deploymentID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(deploymentID)
}

func (t *Tracker) activeLocked(deploymentID uuid.UUID) bool {
	for _, s := range t.entries {
		if s.DeploymentID == deploymentID && !s.State.IsTerminal() {
			return true
		}
	}
	return false
}
