package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/FieldSync/internal/models"
)

// TestQueueSurvivesRestart simulates a crash in the middle of a replay pass.
// One row is claimed (syncing) when the process dies; after reopening the same
// database both rows are still present and the claimed row is requeued.
func TestQueueSurvivesRestart(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "restart_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "test.db")
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	// Phase 1: queue two mutations, claim the first, then "crash"
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	first, err := s1.InsertMutation(ctx, newMutation("data/saveVisit", now))
	if err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	if _, err := s1.InsertMutation(ctx, newMutation("data/deleteVisit", now.Add(time.Second))); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	if err := s1.MarkMutationSyncing(ctx, first); err != nil {
		t.Fatalf("MarkMutationSyncing failed: %v", err)
	}
	if err := s1.ReplaceReferenceItems(ctx, "sites", []models.ReferenceItem{{Value: "s1", Label: "Site 1"}},
		models.CacheMeta{UpdatedAt: now, ExpiresAt: now.Add(4 * time.Hour)}); err != nil {
		t.Fatalf("ReplaceReferenceItems failed: %v", err)
	}
	s1.Close()

	// Phase 2: reopen, recover, verify nothing was lost
	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	n, err := s2.RequeueSyncingMutations(ctx)
	if err != nil {
		t.Fatalf("RequeueSyncingMutations failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 requeued mutation, got %d", n)
	}

	pending, err := s2.ListMutations(ctx, models.MutationStatusPending)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending mutations after restart, got %d", len(pending))
	}
	if pending[0].ID != first || pending[0].Method != "data/saveVisit" {
		t.Errorf("Expected claimed mutation to keep its place, got %+v", pending[0])
	}

	items, err := s2.ListReferenceItems(ctx, "sites")
	if err != nil {
		t.Fatalf("ListReferenceItems failed: %v", err)
	}
	if len(items) != 1 || items[0].Label != "Site 1" {
		t.Errorf("Expected cached site to survive restart, got %+v", items)
	}
}

// TestMigrationsAreIdempotent reopens an existing database several times.
func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	for i := 0; i < 3; i++ {
		s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
		if err != nil {
			t.Fatalf("open #%d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected InMemoryStore, got %T", s)
	}
	s.Close()

	s, err = Open(filepath.Join(t.TempDir(), "fs.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected SQLiteStore, got %T", s)
	}
	s.Close()
}
