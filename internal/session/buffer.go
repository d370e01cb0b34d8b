package session

import "sync"

// AudioBuffer accumulates PCM chunks for the current utterance. The capture
// producer appends while the session loop drains.
type AudioBuffer struct {
	mu   sync.Mutex
	data []byte
	open bool
}

// Begin clears the buffer and starts accepting chunks.
func (b *AudioBuffer) Begin() {
	b.mu.Lock()
	b.data = b.data[:0]
	b.open = true
	b.mu.Unlock()
}

// Append adds a chunk. It reports false when the buffer is closed or the
// chunk is empty.
func (b *AudioBuffer) Append(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return false
	}
	b.data = append(b.data, chunk...)
	return true
}

// Drain closes the buffer and returns the accumulated bytes.
func (b *AudioBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	b.data = b.data[:0]
	return out
}

// Len returns the number of buffered bytes.
func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Open reports whether chunks are being accepted.
func (b *AudioBuffer) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
