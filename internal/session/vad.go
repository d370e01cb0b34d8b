package session

import (
	"sync"
	"time"
)

// SilenceDetector fires once when no audio has arrived for the configured
// timeout while armed. Each Reset restarts the countdown.
type SilenceDetector struct {
	clock   Clock
	onFire  func(epoch uint64)
	mu      sync.Mutex
	timeout time.Duration
	timer   Timer
	armed   bool
	epoch   uint64
}

// NewSilenceDetector creates a disarmed detector. onFire receives the epoch of
// the countdown that expired.
func NewSilenceDetector(clock Clock, timeout time.Duration, onFire func(epoch uint64)) *SilenceDetector {
	if clock == nil {
		clock = SystemClock
	}
	return &SilenceDetector{clock: clock, timeout: timeout, onFire: onFire}
}

// SetTimeout changes the timeout used from the next Arm or Reset.
func (d *SilenceDetector) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	d.timeout = timeout
	d.mu.Unlock()
}

// Arm starts the countdown.
func (d *SilenceDetector) Arm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = true
	d.restartLocked()
}

// Reset restarts the countdown after audio arrives. No-op while disarmed.
func (d *SilenceDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return
	}
	d.restartLocked()
}

// Disarm cancels any pending fire.
func (d *SilenceDetector) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = false
	d.epoch++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Current reports whether epoch still names the latest countdown. A fire
// handled after the detector was disarmed or re-armed is stale.
func (d *SilenceDetector) Current(epoch uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return epoch == d.epoch
}

// Armed reports whether a countdown is running.
func (d *SilenceDetector) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

func (d *SilenceDetector) restartLocked() {
	d.epoch++
	if d.timer != nil {
		d.timer.Stop()
	}
	epoch := d.epoch
	d.timer = d.clock.AfterFunc(d.timeout, func() { d.fire(epoch) })
}

// fire runs on the clock's goroutine; a stale epoch means the countdown was
// restarted or cancelled after this timer was scheduled.
func (d *SilenceDetector) fire(epoch uint64) {
	d.mu.Lock()
	if !d.armed || epoch != d.epoch {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.mu.Unlock()

	if d.onFire != nil {
		d.onFire(epoch)
	}
}
