package ledger

import (
	"context"
	"sync"
)

// Guard serializes work per key inside one process. Waiters give up when
// their context is cancelled. Cross-process exclusion is the store's job
// (WithTx); the guard keeps same-process callers from piling onto the
// database lock and turning into conflicts.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // holds one token while the key is held
	refs int
}

func NewGuard() *Guard {
	return &Guard{slots: make(map[string]*slot)}
}

// Do runs fn while holding key.
func (g *Guard) Do(ctx context.Context, key string, fn func() error) error {
	s := g.acquire(key)
	defer g.release(key, s)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (g *Guard) acquire(key string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *Guard) release(key string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}

// settlementKey is the guard key for a (participation, scope) pair.
func settlementKey(pid ParticipationID, scope Scope) string {
	return string(pid) + "/" + string(scope)
}
