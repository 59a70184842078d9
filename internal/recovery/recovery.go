// Package recovery restores FieldSync's runtime state after a restart. Components register
// a Recoverable; at startup the manager runs each one and reports what was repaired.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FieldSync/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context, registry *RecoveryRegistry) error

func (f RecoverableFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// RecoveryRegistry provides services that components can use during recovery and collects
// how many items each component repaired.
type RecoveryRegistry struct {
	store store.Store

	mu        sync.Mutex
	recovered map[string]int
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(store store.Store) *RecoveryRegistry {
	return &RecoveryRegistry{
		store:     store,
		recovered: make(map[string]int),
	}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// RecordRecovered adds n repaired items to component's tally.
func (r *RecoveryRegistry) RecordRecovered(component string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovered[component] += n
}

// Recovered returns a copy of the per-component tallies.
func (r *RecoveryRegistry) Recovered() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.recovered))
	for k, v := range r.recovered {
		out[k] = v
	}
	return out
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(store store.Store) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(store),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components in registration order.
// A failing component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
