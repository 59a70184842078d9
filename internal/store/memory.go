package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FieldSync/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. It is used in tests and when no
// DSN is configured; nothing survives a restart.
type InMemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	mutations  map[int64]models.QueuedMutation
	references map[string][]models.ReferenceItem
	meta       map[string]models.CacheMeta
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mutations:  make(map[int64]models.QueuedMutation),
		references: make(map[string][]models.ReferenceItem),
		meta:       make(map[string]models.CacheMeta),
	}
}

func (s *InMemoryStore) InsertMutation(_ context.Context, m models.QueuedMutation) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	if m.Status == "" {
		m.Status = models.MutationStatusPending
	}
	m.SyncedAt = nil
	s.mutations[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) GetMutation(_ context.Context, id int64) (*models.QueuedMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mutations[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) ListMutations(_ context.Context, status models.MutationStatus) ([]models.QueuedMutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QueuedMutation
	for _, m := range s.mutations {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) CountMutations(_ context.Context, status models.MutationStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.mutations {
		if status == "" || m.Status == status {
			n++
		}
	}
	return n, nil
}

// transition applies fn to the row with the given id if it is currently in state from.
func (s *InMemoryStore) transition(id int64, from models.MutationStatus, op string, fn func(*models.QueuedMutation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[id]
	if !ok || m.Status != from {
		return fmt.Errorf("%s id=%d: %w", op, id, ErrStaleMutation)
	}
	fn(&m)
	s.mutations[id] = m
	return nil
}

func (s *InMemoryStore) MarkMutationSyncing(_ context.Context, id int64) error {
	return s.transition(id, models.MutationStatusPending, "mark mutation syncing", func(m *models.QueuedMutation) {
		m.Status = models.MutationStatusSyncing
	})
}

func (s *InMemoryStore) MarkMutationSynced(_ context.Context, id int64, syncedAt time.Time) error {
	return s.transition(id, models.MutationStatusSyncing, "mark mutation synced", func(m *models.QueuedMutation) {
		t := syncedAt.UTC()
		m.Status = models.MutationStatusSynced
		m.SyncedAt = &t
		m.ErrorMessage = ""
	})
}

func (s *InMemoryStore) FailMutation(_ context.Context, id int64, errMsg string) error {
	return s.transition(id, models.MutationStatusSyncing, "fail mutation", func(m *models.QueuedMutation) {
		m.Status = models.MutationStatusPending
		m.RetryCount++
		m.ErrorMessage = errMsg
	})
}

func (s *InMemoryStore) DeleteSyncedMutations(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.mutations {
		if m.Status == models.MutationStatusSynced && m.SyncedAt != nil && m.SyncedAt.Before(cutoff) {
			delete(s.mutations, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueSyncingMutations(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.mutations {
		if m.Status == models.MutationStatusSyncing {
			m.Status = models.MutationStatusPending
			s.mutations[id] = m
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetCacheMeta(_ context.Context, key string) (*models.CacheMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) ListCacheMeta(_ context.Context) ([]models.CacheMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CacheMeta, 0, len(s.meta))
	for _, m := range s.meta {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryStore) ListReferenceItems(_ context.Context, collection string) ([]models.ReferenceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.references[collection]
	return append([]models.ReferenceItem(nil), items...), nil
}

func (s *InMemoryStore) ReplaceReferenceItems(_ context.Context, collection string, items []models.ReferenceItem, meta models.CacheMeta) error {
	if collection == "" {
		return models.ErrEmptyCollection
	}
	// A repeated value replaces the earlier entry and takes its later position,
	// matching the SQL upsert.
	last := make(map[string]int, len(items))
	for i, item := range items {
		last[item.Value] = i
	}
	deduped := make([]models.ReferenceItem, 0, len(last))
	for i, item := range items {
		if last[item.Value] == i {
			deduped = append(deduped, item)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[collection] = deduped
	meta.Key = collection
	s.meta[collection] = meta
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
