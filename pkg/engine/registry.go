package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry is the in-memory bookkeeping of one orchestrator instance: the
// cancellation source of every executing request and the environment each
// execution occupies. It does not survive a restart; crash recovery relies
// on the durable process records instead.
type Registry struct {
	mu           sync.Mutex
	executions   map[int64]*Registration
	environments map[string]int64
}

// Registration is a request's entry in the registry.
type Registration struct {
	registry  *Registry
	requestID int64
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executions:   make(map[int64]*Registration),
		environments: make(map[string]int64),
	}
}

// Register records the cancellation source of an executing request.
// A request can be registered at most once at a time.
func (r *Registry) Register(requestID int64, cancel context.CancelFunc) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[requestID]; exists {
		return nil, fmt.Errorf("request %d is already executing", requestID)
	}
	reg := &Registration{
		registry:  r,
		requestID: requestID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.executions[requestID] = reg
	return reg, nil
}

// Done removes the registration and releases its cancellation source.
// It is called by the execution task when it finishes for any reason.
func (g *Registration) Done() {
	g.once.Do(func() {
		g.registry.mu.Lock()
		if g.registry.executions[g.requestID] == g {
			delete(g.registry.executions, g.requestID)
		}
		g.registry.mu.Unlock()
		g.cancel()
		close(g.done)
	})
}

// Cancel fires the cancellation source of a request and removes it from the
// registry. The returned channel is closed once the execution task has
// finished; it is already closed when the request was not registered.
func (r *Registry) Cancel(requestID int64) <-chan struct{} {
	r.mu.Lock()
	reg, exists := r.executions[requestID]
	if exists {
		delete(r.executions, requestID)
	}
	r.mu.Unlock()

	if !exists {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	reg.cancel()
	return reg.done
}

// IsRegistered reports whether a request is executing in this instance.
func (r *Registry) IsRegistered(requestID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.executions[requestID]
	return exists
}

// Executing returns the ids of every registered request in ascending order.
func (r *Registry) Executing() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.executions))
	for id := range r.executions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Occupy marks an environment as running requestID. It returns false when
// the environment is already occupied.
func (r *Registry) Occupy(environment string, requestID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.environments[environment]; busy {
		return false
	}
	r.environments[environment] = requestID
	return true
}

// Vacate releases an environment if requestID still occupies it.
func (r *Registry) Vacate(environment string, requestID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.environments[environment] == requestID {
		delete(r.environments, environment)
	}
}

// Occupant returns the request occupying an environment.
func (r *Registry) Occupant(environment string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, busy := r.environments[environment]
	return id, busy
}
