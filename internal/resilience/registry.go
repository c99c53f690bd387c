package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// breakerView is the part of an Executor the registry reads.
type breakerView interface {
	State() gobreaker.State
	Counts() gobreaker.Counts
}

// Health is the status of one registered executor.
type Health struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Requests      uint32     `json:"requests"`
	TotalFailures uint32     `json:"totalFailures"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`

	Circuit gobreaker.State `json:"-"`
}

// IsHealthy reports a closed circuit.
func (h Health) IsHealthy() bool {
	return h.Circuit == gobreaker.StateClosed
}

// IsDegraded reports a half-open circuit.
func (h Health) IsDegraded() bool {
	return h.Circuit == gobreaker.StateHalfOpen
}

// IsUnhealthy reports an open circuit.
func (h Health) IsUnhealthy() bool {
	return h.Circuit == gobreaker.StateOpen
}

// Registry tracks executors and their last outcomes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	view          breakerView
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds or replaces an executor.
func (r *Registry) Register(name string, view breakerView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{view: view}
}

// Unregister removes an executor.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// RecordSuccess stamps a successful operation.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		now := time.Now()
		e.lastSuccessAt = &now
	}
}

// RecordFailure stamps a failed operation.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		now := time.Now()
		e.lastFailureAt = &now
		if err != nil {
			e.lastError = err.Error()
		}
	}
}

// Get returns the health of one executor.
func (r *Registry) Get(name string) (Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Health{}, false
	}
	return e.health(name), true
}

// All returns the health of every executor sorted by name.
func (r *Registry) All() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Health, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.health(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered executors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (e *entry) health(name string) Health {
	state := e.view.State()
	counts := e.view.Counts()
	return Health{
		Name:          name,
		State:         state.String(),
		Requests:      counts.Requests,
		TotalFailures: counts.TotalFailures,
		LastSuccessAt: e.lastSuccessAt,
		LastFailureAt: e.lastFailureAt,
		LastError:     e.lastError,
		Circuit:       state,
	}
}
