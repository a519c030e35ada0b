package scenario

import (
	"context"
	"sort"
	"sync"

	"github.com/turnloop/conductor/internal/apperrors"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

type scenarioEntry struct {
	active   int
	versions map[int]v1.Scenario
}

// MemoryStore is an in-memory Scenario Store.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*scenarioEntry
}

// NewMemoryStore constructs an empty in-memory Scenario Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*scenarioEntry)}
}

func (s *MemoryStore) Put(ctx context.Context, sc v1.Scenario) (v1.Scenario, error) {
	if err := validateSchemas(sc); err != nil {
		return v1.Scenario{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[sc.Metadata.ID]
	if !ok {
		entry = &scenarioEntry{versions: make(map[int]v1.Scenario)}
		s.byID[sc.Metadata.ID] = entry
	}

	version := len(entry.versions) + 1
	sc.Version = version
	sc.IsActive = true
	entry.versions[version] = sc
	entry.active = version

	return sc, nil
}

func (s *MemoryStore) GetActive(ctx context.Context, scenarioID string) (v1.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[scenarioID]
	if !ok || entry.active == 0 {
		return v1.Scenario{}, apperrors.ErrNotFound
	}
	return entry.versions[entry.active], nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, scenarioID string, version int) (v1.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[scenarioID]
	if !ok {
		return v1.Scenario{}, apperrors.ErrNotFound
	}
	sc, ok := entry.versions[version]
	if !ok {
		return v1.Scenario{}, apperrors.ErrNotFound
	}
	return sc, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]v1.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]v1.Scenario, 0, len(s.byID))
	for _, entry := range s.byID {
		if entry.active == 0 {
			continue
		}
		out = append(out, entry.versions[entry.active])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.ID < out[j].Metadata.ID })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, scenarioID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[scenarioID]; !ok {
		return apperrors.ErrNotFound
	}
	delete(s.byID, scenarioID)
	return nil
}
