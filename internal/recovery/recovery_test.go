package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/FieldSync/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	name          string
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.recoverCalled = true
	return m.recoverError
}

func TestNewRecoveryRegistry(t *testing.T) {
	store := store.NewInMemoryStore()

	registry := NewRecoveryRegistry(store)

	if registry == nil {
		t.Fatal("NewRecoveryRegistry returned nil")
	}

	if registry.GetStore() != store {
		t.Error("Registry store not set correctly")
	}

	if len(registry.Recovered()) != 0 {
		t.Error("New registry should have no tallies")
	}
}

func TestRecordRecovered(t *testing.T) {
	registry := NewRecoveryRegistry(store.NewInMemoryStore())
	registry.RecordRecovered("a", 2)
	registry.RecordRecovered("a", 3)
	registry.RecordRecovered("b", 0)

	got := registry.Recovered()
	if got["a"] != 5 || got["b"] != 0 || len(got) != 2 {
		t.Errorf("Unexpected tallies: %v", got)
	}

	got["a"] = 100
	if registry.Recovered()["a"] != 5 {
		t.Error("Recovered should return a copy")
	}
}

func TestRecoveryManagerRecoverAll(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())

	r1 := &mockRecoverable{name: "first"}
	r2 := &mockRecoverable{name: "second"}
	manager.RegisterRecoverable(r1)
	manager.RegisterRecoverable(r2)

	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}

	if !r1.recoverCalled || !r2.recoverCalled {
		t.Error("Not all recoverables were called")
	}
}

func TestRecoveryManagerWithErrors(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())

	failing := &mockRecoverable{name: "failing", recoverError: errors.New("recovery failed")}
	after := &mockRecoverable{name: "after"}
	manager.RegisterRecoverable(failing)
	manager.RegisterRecoverable(after)

	err := manager.RecoverAll(context.Background())
	if err == nil {
		t.Error("Expected error from RecoverAll")
	}

	if !after.recoverCalled {
		t.Error("A failing component must not stop later ones")
	}
}

func TestRecoveryManagerEmpty(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())
	if err := manager.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll with no components failed: %v", err)
	}
	if manager.GetRegistry() == nil {
		t.Error("GetRegistry returned nil")
	}
}
