package causalchain

import (
	"context"
	"sync"
)

// StoredAction is one persisted ledger entry. Sequence starts at 1 and
// increases by one per append.
type StoredAction struct {
	Sequence  uint64
	Action    *Action
	ChainHash string
}

// Store persists the ledger. The hash chain must be recomputable purely from
// the stored action sequence.
type Store interface {
	Append(ctx context.Context, rec StoredAction) error
	// Load returns every stored action in sequence order.
	Load(ctx context.Context) ([]StoredAction, error)
	// LoadSession returns the actions of one session in sequence order.
	LoadSession(ctx context.Context, sessionID string) ([]StoredAction, error)
	Close() error
}

// MemoryStore keeps persisted actions in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []StoredAction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec StoredAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Action = rec.Action.Clone()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]StoredAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredAction, len(s.records))
	for i, r := range s.records {
		r.Action = r.Action.Clone()
		out[i] = r
	}
	return out, nil
}

func (s *MemoryStore) LoadSession(_ context.Context, sessionID string) ([]StoredAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredAction
	for _, r := range s.records {
		if r.Action.SessionID == sessionID {
			r.Action = r.Action.Clone()
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// ActionSink is notified after an action is appended, outside the ledger lock.
type ActionSink interface {
	OnActionAppended(a *Action)
}

// SinkFunc adapts a function into an ActionSink.
type SinkFunc func(a *Action)

func (f SinkFunc) OnActionAppended(a *Action) { f(a) }
