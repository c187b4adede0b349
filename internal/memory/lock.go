package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rag-agent/backend/pkg/apperr"
)

// Locker serialises work per session. The returned func releases the lock
// and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, name string) (func(), error)
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. Entries are reference counted
// and dropped when nobody holds or waits for them.
type LocalLocker struct {
	wait time.Duration

	mu      sync.Mutex
	entries map[string]*lockEntry
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &LocalLocker{wait: wait, entries: map[string]*lockEntry{}}
}

func (l *LocalLocker) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[name]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[name] = e
	}
	e.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(name, e)
		return nil, ctx.Err()
	case <-timer.C:
		l.release(name, e)
		return nil, fmt.Errorf("%w: %s", apperr.ErrLockTimeout, name)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(name, e)
		})
	}, nil
}

func (l *LocalLocker) release(name string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, name)
	}
}

// Held returns how many keys currently have holders or waiters.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
