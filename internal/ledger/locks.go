package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// workspaceWeight is the capacity of a workspace lock; shared holders take 1, exclusive takes all.
const workspaceWeight = 1 << 20

// lockTable hands out semaphores by key. An entry is dropped once no unit holds or waits on it,
// so the table only grows with the number of keys in use.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

func (lt *lockTable) get(key string, size int64) *semaphore.Weighted {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.locks[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(size)}
		lt.locks[key] = e
	}
	e.refs++
	return e.sem
}

func (lt *lockTable) put(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e, ok := lt.locks[key]
	if !ok {
		return
	}
	if e.refs--; e.refs <= 0 {
		delete(lt.locks, key)
	}
}

func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}

type heldLock struct {
	key    string
	sem    *semaphore.Weighted
	weight int64
}

// acquire takes the workspace lock, then account locks, then card locks, each in ascending id order.
// A wait longer than wait yields ErrConflict; cancellation of ctx yields ctx.Err().
func (lt *lockTable) acquire(ctx context.Context, scope Scope, wait time.Duration) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var held []heldLock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].sem.Release(held[i].weight)
			lt.put(held[i].key)
		}
		held = nil
	}
	take := func(key string, size, weight int64) error {
		sem := lt.get(key, size)
		if err := sem.Acquire(waitCtx, weight); err != nil {
			lt.put(key)
			release()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: lock %s not acquired within %s", ErrConflict, key, wait)
		}
		held = append(held, heldLock{key: key, sem: sem, weight: weight})
		return nil
	}

	weight := int64(1)
	if scope.Exclusive {
		weight = workspaceWeight
	}
	if err := take(fmt.Sprintf("w:%d", scope.Workspace), workspaceWeight, weight); err != nil {
		return nil, err
	}
	for _, id := range scope.Accounts {
		if err := take(fmt.Sprintf("a:%d", id), 1, 1); err != nil {
			return nil, err
		}
	}
	for _, id := range scope.Cards {
		if err := take(fmt.Sprintf("c:%d", id), 1, 1); err != nil {
			return nil, err
		}
	}
	return release, nil
}
