// Package locking provides cooperative keyed mutual exclusion for sync runs.
// A lock scopes one (entity, identity) pair; "already held" is a normal
// outcome, not an error, so contending runs back off instead of queuing.
package locking

import (
	"context"
	"sync"
)

// Release frees a held lock. Safe to call exactly once.
type Release func()

// Locker is a keyed try-lock: acquire fails fast when the key is held
// elsewhere. Implementations may span processes (a DB advisory-lock row, a
// file lock) or stay in-process.
type Locker interface {
	// TryAcquire attempts to take the lock for key. held=false means the
	// key is locked by another holder; err is reserved for infrastructure
	// failures.
	TryAcquire(ctx context.Context, key string) (release Release, held bool, err error)
}

// Mutex is an in-process Locker for single-process embedders and tests.
type Mutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = (*Mutex)(nil)

// NewMutex creates an in-process keyed locker.
func NewMutex() *Mutex {
	return &Mutex{held: make(map[string]struct{})}
}

// TryAcquire implements Locker.
func (m *Mutex) TryAcquire(_ context.Context, key string) (Release, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.held[key]; taken {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}
	return release, true, nil
}

// Key builds the canonical lock key for an (entity, identity) pair.
func Key(entity, identity string) string {
	return "sync:" + entity + ":" + identity
}
