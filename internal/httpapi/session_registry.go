package httpapi

import (
	"context"
	"errors"
	"sync"
)

var (
	errSessionActive = errors.New("a session is already active")
	errDraining      = errors.New("server is shutting down")
)

// SessionRegistry tracks bridged sessions and supports graceful draining.
// When draining is enabled, new sessions are rejected while in-flight sessions
// are cancelled and allowed to tear down.
//
// The mu mutex makes the draining check and wg.Add atomic in Add(), preventing
// a TOCTOU race where StartDraining+Wait could be called between the draining
// check and wg.Add.
type SessionRegistry struct {
	mu       sync.Mutex
	limit    int
	draining bool
	active   map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewSessionRegistry creates a registry that admits at most limit concurrent
// sessions. A limit below one is treated as one.
func NewSessionRegistry(limit int) *SessionRegistry {
	if limit < 1 {
		limit = 1
	}
	return &SessionRegistry{limit: limit, active: make(map[string]context.CancelFunc)}
}

// Add registers a new session. cancel is invoked by CancelAll.
func (sr *SessionRegistry) Add(id string, cancel context.CancelFunc) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return errDraining
	}
	if len(sr.active) >= sr.limit {
		return errSessionActive
	}
	sr.active[id] = cancel
	sr.wg.Add(1)
	return nil
}

// Done marks a session as finished. Must be called exactly once per successful Add.
func (sr *SessionRegistry) Done(id string) {
	sr.mu.Lock()
	delete(sr.active, id)
	sr.mu.Unlock()
	sr.wg.Done()
}

// StartDraining sets the draining flag so that future Add calls fail.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// CancelAll cancels every active session.
func (sr *SessionRegistry) CancelAll() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for _, cancel := range sr.active {
		cancel()
	}
}

// ActiveCount returns the number of currently active sessions.
func (sr *SessionRegistry) ActiveCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.active)
}

// Wait blocks until all active sessions have completed or ctx is done.
func (sr *SessionRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
