// Package tasktracker tracks the background goroutines a tunnel owns
// (TCP proxy acceptors, body-stream pumps) so they can be cancelled
// when the tunnel disconnects or re-registers: one cancel handle per
// tunnel ID, where registering a new one aborts whatever was
// previously registered first.
package tasktracker

import (
	"context"
	"sync"
)

// Tracker maps tunnel ID to the cancel function for that tunnel's
// current background task group.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{tasks: make(map[string]context.CancelFunc)}
}

// Track registers cancel as tunnelID's current task group, aborting
// whatever was previously registered for tunnelID first — this is
// what makes re-registration for the same tunnel ID abort the
// previous task group before installing the new one.
func (t *Tracker) Track(tunnelID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.tasks[tunnelID]; ok {
		old()
	}
	t.tasks[tunnelID] = cancel
}

// Abort cancels and removes tunnelID's task group, if any.
func (t *Tracker) Abort(tunnelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cancel, ok := t.tasks[tunnelID]; ok {
		cancel()
		delete(t.tasks, tunnelID)
	}
}

// Len reports how many tunnels currently have a tracked task group.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
