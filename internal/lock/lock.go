// Package lock serializes state transitions on the same pair.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrLockHeld is returned when a lock could not be obtained before the
// context expired.
var ErrLockHeld = errors.New("lock: held")

// Locker acquires a set of keys. Keys are always taken in sorted order so
// that overlapping batches cannot deadlock. The returned release func is safe
// to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// sortedUnique returns keys sorted with duplicates removed.
func sortedUnique(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	j := 0
	for i, k := range out {
		if i > 0 && k == out[j-1] {
			continue
		}
		out[j] = k
		j++
	}
	return out[:j]
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, e)
		return errors.Join(ErrLockHeld, ctx.Err())
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	e := l.locks[key]
	l.mu.Unlock()
	<-e.ch
	l.drop(key, e)
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	held := make([]string, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
		held = held[:0]
	}
	for _, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

var _ Locker = (*Local)(nil)
