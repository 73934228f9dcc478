// Package registry holds the set of display names currently online.
package registry

import (
	"sort"
	"sync"
)

// Names is the set of display names that belong to live, joined sessions.
// A name is held by at most one session at a time. It is safe for
// concurrent use, although both engines also serialize access themselves:
// the event loop by running on one goroutine, the process engine by routing
// every mutation through its coordinator.
type Names struct {
	m map[string]struct{}
	sync.RWMutex
}

// NewNames creates an empty registry.
func NewNames() *Names {
	return &Names{m: make(map[string]struct{})}
}

// Join reserves name. The check and the insert happen under one lock, so of
// two concurrent joins for the same name exactly one succeeds.
//
// Parameters:
//   - name: The display name to reserve
//
// Returns:
//   - true if name was free and now belongs to the caller, false if taken
func (n *Names) Join(name string) bool {
	n.Lock()
	defer n.Unlock()
	if _, taken := n.m[name]; taken {
		return false
	}

	n.m[name] = struct{}{}
	return true
}

// Leave releases name. Releasing a name that is not held is a no-op.
func (n *Names) Leave(name string) {
	n.Lock()
	defer n.Unlock()
	delete(n.m, name)
}

// Contains reports whether name is currently online.
func (n *Names) Contains(name string) bool {
	n.RLock()
	defer n.RUnlock()
	_, ok := n.m[name]
	return ok
}

// Len returns the number of names online.
func (n *Names) Len() int {
	n.RLock()
	defer n.RUnlock()
	return len(n.m)
}

// Snapshot returns the names online, sorted. The result is a copy taken
// under the read lock and never changes afterwards.
//
// Returns:
//   - A sorted slice of names; empty (not nil) when nobody is online
func (n *Names) Snapshot() []string {
	n.RLock()
	out := make([]string, 0, len(n.m))
	for name := range n.m {
		out = append(out, name)
	}
	n.RUnlock()

	sort.Strings(out)
	return out
}

// Reset forgets every name.
func (n *Names) Reset() {
	n.Lock()
	defer n.Unlock()
	n.m = make(map[string]struct{})
}
