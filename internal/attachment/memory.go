package attachment

import (
	"context"
	"sync"

	"github.com/turnloop/conductor/internal/apperrors"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// MemoryStore is an in-memory Attachment Store, indexed both by id and by
// content hash for dedup.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]v1.Attachment
	byHash map[string]string // content hash -> attachment id
}

// NewMemoryStore constructs an empty in-memory Attachment Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]v1.Attachment),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Put(ctx context.Context, name, contentType string, content []byte, summary string) (v1.Attachment, error) {
	hash := contentHash(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byHash[hash]; ok {
		return s.byID[existingID], nil
	}

	att := v1.Attachment{
		ID:          hash,
		Name:        name,
		ContentType: contentType,
		Content:     append([]byte(nil), content...),
		Summary:     summary,
		DocID:       hash,
	}
	s.byID[att.ID] = att
	s.byHash[hash] = att.ID
	return att, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (v1.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	att, ok := s.byID[id]
	if !ok {
		return v1.Attachment{}, apperrors.ErrNotFound
	}
	return att, nil
}
