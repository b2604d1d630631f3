package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var timeNow = time.Now

// Gate bounds in-flight calls per key. Acquire never blocks: it admits the
// call or fails with ErrConcurrencyLimit.
type Gate interface {
	Acquire(ctx context.Context, key string, limit int) (release func(), err error)
	InFlight(key string) int
}

// LocalGate counts in-flight calls in memory.
type LocalGate struct {
	mu       sync.Mutex
	inFlight map[string]int
}

// NewLocalGate creates an in-process gate.
func NewLocalGate() *LocalGate {
	return &LocalGate{inFlight: make(map[string]int)}
}

// Acquire admits a call when fewer than limit are in flight. limit <= 0 is unbounded.
func (g *LocalGate) Acquire(_ context.Context, key string, limit int) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit > 0 && g.inFlight[key] >= limit {
		return nil, fmt.Errorf("%w for %s (limit %d)", ErrConcurrencyLimit, key, limit)
	}
	g.inFlight[key]++
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.inFlight[key] <= 1 {
				delete(g.inFlight, key)
				return
			}
			g.inFlight[key]--
		})
	}, nil
}

// InFlight returns the number of admitted, unreleased calls for key.
func (g *LocalGate) InFlight(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key]
}
