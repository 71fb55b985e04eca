package session

import (
	"io"
	"sync"
	"sync/atomic"
)

type connCloser interface {
	comparable
	io.Closer
}

// connTracker keeps the set of open connections so a stopping server can close them.
type connTracker[T connCloser] struct {
	mu          sync.Mutex
	connections map[T]struct{}
	connCount   atomic.Int64
}

func newConnTracker[T connCloser]() *connTracker[T] {
	return &connTracker[T]{
		connections: make(map[T]struct{}),
	}
}

// tryAdd registers conn unless limit connections are already tracked. A limit of zero
// or less means unlimited.
func (t *connTracker[T]) tryAdd(conn T, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit > 0 && len(t.connections) >= limit {
		return false
	}
	t.connections[conn] = struct{}{}
	t.connCount.Add(1)
	return true
}

// remove is safe to call more than once for the same connection.
func (t *connTracker[T]) remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connections[conn]; exists {
		delete(t.connections, conn)
		t.connCount.Add(-1)
	}
}

func (t *connTracker[T]) count() int64 {
	return t.connCount.Load()
}

func (t *connTracker[T]) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.connections {
		conn.Close()
	}
	t.connections = make(map[T]struct{})
	t.connCount.Store(0)
}
