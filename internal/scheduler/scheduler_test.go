package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FieldSync/internal/refcache"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

type fakeCleaner struct {
	retention time.Duration
	err       error
}

func (f *fakeCleaner) ClearSyncedItems(_ context.Context, olderThan time.Duration) (int, error) {
	f.retention = olderThan
	return 3, f.err
}

type fakePrefetcher struct{ calls int }

func (f *fakePrefetcher) PrefetchAll(context.Context) refcache.Report {
	f.calls++
	return refcache.Report{Failed: map[string]error{"units": errors.New("offline")}}
}

func TestAddJobsSkipsDisabled(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	err := s.AddJobs(context.Background(),
		GCJob(DefaultGCSpec, &fakeCleaner{}, time.Hour),
		PrefetchJob("", &fakePrefetcher{}),
	)
	if err != nil {
		t.Fatalf("AddJobs failed: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 scheduled job, got %d", s.Len())
	}
}

func TestAddJobsInvalidSpec(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJobs(context.Background(), GCJob("every hour", &fakeCleaner{}, time.Hour)); err == nil {
		t.Error("Expected error for invalid spec")
	}
}

func TestMaintenanceJobsRun(t *testing.T) {
	cleaner := &fakeCleaner{}
	if err := GCJob(DefaultGCSpec, cleaner, 2*time.Hour).Run(context.Background()); err != nil {
		t.Fatalf("GC job failed: %v", err)
	}
	if cleaner.retention != 2*time.Hour {
		t.Errorf("Expected retention 2h, got %v", cleaner.retention)
	}

	cleaner.err = errors.New("locked")
	if err := GCJob(DefaultGCSpec, cleaner, time.Hour).Run(context.Background()); err == nil {
		t.Error("Expected GC error to propagate")
	}

	p := &fakePrefetcher{}
	if err := PrefetchJob(DefaultPrefetchSpec, p).Run(context.Background()); err != nil {
		t.Errorf("Prefetch failures are reported, not returned: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("Expected 1 prefetch, got %d", p.calls)
	}
}
