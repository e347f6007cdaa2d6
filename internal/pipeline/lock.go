package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// runLocks serializes runs per (subject, run date). Phases read their inputs
// back from the record store, so overlapping runs of one key must not
// interleave.
type runLocks struct {
	mu   sync.Mutex
	held map[string]*runLock
}

type runLock struct {
	sem  chan struct{}
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{held: make(map[string]*runLock)}
}

func runKey(subject, runDate string) string {
	return subject + "|" + runDate
}

// acquire blocks until key is free or ctx is done. The returned func
// releases the key.
func (l *runLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.held[key]
	if !ok {
		lk = &runLock{sem: make(chan struct{}, 1)}
		l.held[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lk.sem
				l.release(key, lk)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, lk)
		return nil, eris.Wrapf(ctx.Err(), "pipeline: wait for run of %s", key)
	}
}

func (l *runLocks) release(key string, lk *runLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.held, key)
	}
}

// size returns the number of keys held or awaited.
func (l *runLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
