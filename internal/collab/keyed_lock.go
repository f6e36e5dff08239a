package collab

import (
	"context"
	"sync"
)

type gate struct {
	ch   chan struct{}
	refs int
}

// keyedLock is a set of mutexes created on demand per key and dropped once
// no goroutine holds or waits for them.
type keyedLock struct {
	mu    sync.Mutex
	gates map[string]*gate
}

func newKeyedLock() *keyedLock {
	return &keyedLock{gates: make(map[string]*gate)}
}

// Lock blocks until key is held and returns its release function.
func (k *keyedLock) Lock(key string) func() {
	release, _ := k.Acquire(context.Background(), key)
	return release
}

// Acquire is Lock with cancellation.
func (k *keyedLock) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	g := k.gates[key]
	if g == nil {
		g = &gate{ch: make(chan struct{}, 1)}
		k.gates[key] = g
	}
	g.refs++
	k.mu.Unlock()

	select {
	case g.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-g.ch
				k.drop(key, g)
			})
		}, nil
	case <-ctx.Done():
		k.drop(key, g)
		return nil, ctx.Err()
	}
}

func (k *keyedLock) drop(key string, g *gate) {
	k.mu.Lock()
	defer k.mu.Unlock()

	g.refs--
	if g.refs == 0 {
		delete(k.gates, key)
	}
}

func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.gates)
}
