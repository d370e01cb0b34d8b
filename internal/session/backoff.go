package session

import "time"

// Backoff computes reconnect delays as min(Base*2^attempt, Cap).
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the service's recommended reconnect schedule.
var DefaultBackoff = Backoff{
	Base:        500 * time.Millisecond,
	Cap:         8 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Reconnector tracks reconnect attempts and the resumption handle carried
// across connections. It is owned by the session loop.
type Reconnector struct {
	policy  Backoff
	attempt int
	handle  string
}

// NewReconnector creates a Reconnector starting from a previously stored handle.
func NewReconnector(policy Backoff, handle string) *Reconnector {
	return &Reconnector{policy: policy, handle: handle}
}

// Next returns the delay before the next attempt and consumes it. ok is false
// once MaxAttempts attempts were used.
func (r *Reconnector) Next() (delay time.Duration, ok bool) {
	if r.attempt >= r.policy.MaxAttempts {
		return 0, false
	}
	delay = r.policy.Delay(r.attempt)
	r.attempt++
	return delay, true
}

// Reset clears the attempt counter.
func (r *Reconnector) Reset() { r.attempt = 0 }

// Attempt returns the number of attempts consumed since the last Reset.
func (r *Reconnector) Attempt() int { return r.attempt }

// UpdateHandle stores a new handle. Updates the server did not mark resumable
// are ignored. It reports whether the handle changed.
func (r *Reconnector) UpdateHandle(handle string, resumable bool) bool {
	if !resumable || handle == "" || handle == r.handle {
		return false
	}
	r.handle = handle
	return true
}

// Handle returns the current resumption handle.
func (r *Reconnector) Handle() string { return r.handle }
