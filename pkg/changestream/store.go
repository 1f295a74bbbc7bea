package changestream

import (
	"context"
	"sort"
	"sync"
)

// PartitionState is the persisted form of a partition. Retired partitions are
// kept so a restored pipeline does not read them again.
type PartitionState struct {
	Partition
	// Drained is set on a finished partition once all of its records were released.
	Drained bool `json:"drained,omitempty"`
	Retired bool `json:"retired,omitempty"`
}

// MetadataStore persists partition lifecycle state and confirmed positions.
type MetadataStore interface {
	// Load returns every saved partition state.
	Load(ctx context.Context) ([]PartitionState, error)
	// Save upserts the state of one partition keyed by its token.
	Save(ctx context.Context, state PartitionState) error
	// Close releases the store's resources.
	Close() error
}

// MemoryStore is a MetadataStore backed by a map. It does not survive a
// process restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]PartitionState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]PartitionState),
	}
}

// Load implements MetadataStore.
func (s *MemoryStore) Load(ctx context.Context) ([]PartitionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]PartitionState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, cloneState(state))
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Token < states[j].Token
	})
	return states, nil
}

// Save implements MetadataStore.
func (s *MemoryStore) Save(ctx context.Context, state PartitionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Token] = cloneState(state)
	return nil
}

// Get returns the saved state of token.
func (s *MemoryStore) Get(token string) (PartitionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[token]
	if !ok {
		return PartitionState{}, false
	}
	return cloneState(state), true
}

// Close implements MetadataStore.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneState(state PartitionState) PartitionState {
	state.Partition = *state.Partition.clone()
	return state
}
