package capabilities

import (
	"context"
	"reflect"
	"sync"

	"github.com/Mindburn-Labs/ccos/pkg/runtime"
)

// stateStore backs the ccos.state.* built-ins. Process-local; plans that need
// durable state use a marketplace provider instead.
type stateStore struct {
	mu       sync.Mutex
	kv       map[string]any
	counters map[string]int64
	events   map[string][]any
}

func newStateStore() *stateStore {
	return &stateStore{
		kv:       make(map[string]any),
		counters: make(map[string]int64),
		events:   make(map[string][]any),
	}
}

func stateKey(op string, v any) (string, error) {
	k, ok := runtime.AsString(v)
	if !ok {
		return "", runtime.TypeError(op, "string key", v)
	}
	return k, nil
}

func (s *stateStore) get(_ context.Context, args []any) (any, error) {
	k, err := stateKey("ccos.state.kv.get", args[0])
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[k], nil
}

func (s *stateStore) put(_ context.Context, args []any) (any, error) {
	k, err := stateKey("ccos.state.kv.put", args[0])
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[k] = args[1]
	return true, nil
}

// casPut stores args[2] only when the current value equals args[1].
func (s *stateStore) casPut(_ context.Context, args []any) (any, error) {
	k, err := stateKey("ccos.state.kv.cas-put", args[0])
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !reflect.DeepEqual(s.kv[k], args[1]) {
		return false, nil
	}
	s.kv[k] = args[2]
	return true, nil
}

func (s *stateStore) inc(_ context.Context, args []any) (any, error) {
	k, err := stateKey("ccos.state.counter.inc", args[0])
	if err != nil {
		return nil, err
	}
	delta := int64(1)
	if len(args) == 2 {
		d, ok := runtime.AsInt(args[1])
		if !ok {
			return nil, runtime.TypeError("ccos.state.counter.inc", "integer", args[1])
		}
		delta = d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[k] += delta
	return s.counters[k], nil
}

func (s *stateStore) appendEvent(_ context.Context, args []any) (any, error) {
	k, err := stateKey("ccos.state.event.append", args[0])
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[k] = append(s.events[k], args[1])
	return int64(len(s.events[k])), nil
}
