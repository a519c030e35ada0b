package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

type key struct {
	conv    int64
	agentID string
}

// MemoryRegistry is an in-memory Lifecycle Registry, used with
// database.driver=memory. Intent does not survive a restart in this mode,
// matching the fact that the in-memory Event Store doesn't either.
type MemoryRegistry struct {
	mu   sync.RWMutex
	rows map[key]v1.LifecycleRow
}

// NewMemoryRegistry constructs an empty in-memory Lifecycle Registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{rows: make(map[key]v1.LifecycleRow)}
}

func (r *MemoryRegistry) Ensure(ctx context.Context, conv int64, agentID string) (v1.LifecycleRow, error) {
	k := key{conv, agentID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[k]; ok {
		return row, nil
	}
	row := v1.LifecycleRow{ConversationID: conv, AgentID: agentID, StartedAt: time.Now()}
	r.rows[k] = row
	return row, nil
}

func (r *MemoryRegistry) Stop(ctx context.Context, conv int64, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, key{conv, agentID})
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]v1.LifecycleRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.LifecycleRow, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (r *MemoryRegistry) ListForConversation(ctx context.Context, conv int64) ([]v1.LifecycleRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []v1.LifecycleRow
	for k, row := range r.rows {
		if k.conv == conv {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
