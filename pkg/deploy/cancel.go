package deploy

import (
	"sync"

	"github.com/google/uuid"
)

// CancelRegistry tracks running deployments so they can be cancelled from a
// separate request. Cancellation is cooperative: the orchestrator checks the
// flag before each phase and batch, in-flight calls run to completion.
type CancelRegistry struct {
	mu      sync.Mutex
	running map[uuid.UUID]bool // value is the cancelled flag
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{running: make(map[uuid.UUID]bool)}
}

// Register marks a deployment as running and returns a function that removes
// it again.
func (r *CancelRegistry) Register(id uuid.UUID) func() {
	r.mu.Lock()
	r.running[id] = false
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
	}
}

// Cancel flags a running deployment. It returns false if the deployment is
// not running.
func (r *CancelRegistry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[id]; !ok {
		return false
	}
	r.running[id] = true
	return true
}

// IsCancelled reports whether a cancel was requested.
func (r *CancelRegistry) IsCancelled(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[id]
}

// IsRunning reports whether the deployment is registered.
func (r *CancelRegistry) IsRunning(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}
