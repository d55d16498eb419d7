package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps checkpoints in process memory. Used for
// development and tests.
type MemoryRepository struct {
	threads map[string][]*Checkpoint
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		threads: make(map[string][]*Checkpoint),
		now:     time.Now,
	}
}

func (r *MemoryRepository) Get(_ context.Context, threadID string) (*Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.threads[threadID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return chain[len(chain)-1].Clone(), nil
}

func (r *MemoryRepository) Put(_ context.Context, threadID string, messages []Message, meta Metadata) (*Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var parent int64
	if chain := r.threads[threadID]; len(chain) > 0 {
		parent = chain[len(chain)-1].Step
	}
	cp := &Checkpoint{
		ThreadID:   threadID,
		Step:       parent + 1,
		ParentStep: parent,
		Messages:   CloneMessages(messages),
		Metadata:   meta,
		CreatedAt:  r.now().UTC(),
	}
	r.threads[threadID] = append(r.threads[threadID], cp)
	return cp.Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, threadID string) ([]*Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.threads[threadID]
	out := make([]*Checkpoint, len(chain))
	for i, cp := range chain {
		out[i] = cp.Clone()
	}
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, threadID)
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }
