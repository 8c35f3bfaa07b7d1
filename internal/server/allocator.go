// Package server implements the tunnel server: it accepts control channels
// on a WebSocket endpoint, assigns each client a public TCP port from a
// bounded range, and forwards HTTP traffic arriving on that port through the
// client's control channel.
package server

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPortAvailable is returned by Allocate when every port in the
// configured range is taken.
var ErrNoPortAvailable = errors.New("server: no public port available")

// allocator hands out public ports from a fixed inclusive range. The
// smallest free port wins, so a fresh server fills the range from the bottom
// and released ports are reused promptly.
type allocator struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]bool
}

func newAllocator(min, max int) *allocator {
	return &allocator{
		min:   min,
		max:   max,
		inUse: make(map[int]bool),
	}
}

// Allocate reserves the smallest free port in the range.
func (a *allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w (%d-%d fully allocated)", ErrNoPortAvailable, a.min, a.max)
}

// Release returns a port to the free set. Releasing an already-free port is
// a no-op, so teardown paths may call it without tracking ownership.
func (a *allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse reports how many ports are currently allocated.
func (a *allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Capacity reports the total number of ports in the range.
func (a *allocator) Capacity() int {
	return a.max - a.min + 1
}
