package escrow

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// keyedLock serialises operations per transaction id. Waiting is cancellable.
type keyedLock struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[uuid.UUID]*lockEntry)}
}

func (k *keyedLock) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	k.mu.Lock()
	entry := k.locks[id]
	if entry == nil {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			k.release(id, entry)
		}, nil
	case <-ctx.Done():
		k.release(id, entry)
		return nil, ctx.Err()
	}
}

func (k *keyedLock) release(id uuid.UUID, entry *lockEntry) {
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()
}
