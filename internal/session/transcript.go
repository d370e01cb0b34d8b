package session

import (
	"strings"
	"sync"
)

// Direction tells which side of the conversation a transcription belongs to.
type Direction int

const (
	Input Direction = iota
	Output
)

// TranscriptEvent is one streamed transcription fragment.
type TranscriptEvent struct {
	Direction Direction
	Text      string
	Partial   bool
}

// Speaker identifies the author of a finalized turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Turn is a finalized transcript entry. Seq is strictly increasing within a
// session.
type Turn struct {
	Speaker Speaker
	Text    string
	Seq     int
}

// IsUser reports whether the turn was spoken or typed by the user.
func (t Turn) IsUser() bool { return t.Speaker == SpeakerUser }

// Assembler merges streamed transcription fragments into ordered turns.
//
// Output fragments accumulate in arrival order. A non-blank input fragment is
// the turn boundary: pending model text is finalized first, then the input is
// recorded as a user turn. The service does not reliably mark the end of a
// model turn, so the boundary is inferred from the next input.
type Assembler struct {
	mu      sync.Mutex
	pending strings.Builder
	seq     int
}

// Observe feeds one fragment and returns the turns it finalized, in order.
func (a *Assembler) Observe(ev TranscriptEvent) []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Direction {
	case Output:
		a.pending.WriteString(ev.Text)
		return nil
	case Input:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return nil
		}
		turns := a.flushLocked()
		return append(turns, a.nextLocked(SpeakerUser, text))
	}
	return nil
}

// RecordUser finalizes pending model text and records text typed by the user.
func (a *Assembler) RecordUser(text string) []Turn {
	return a.Observe(TranscriptEvent{Direction: Input, Text: text})
}

// Flush finalizes pending model text, if any.
func (a *Assembler) Flush() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Pending returns the model text not yet finalized.
func (a *Assembler) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending.String()
}

// Reset discards pending text and restarts numbering.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.pending.Reset()
	a.seq = 0
	a.mu.Unlock()
}

func (a *Assembler) flushLocked() []Turn {
	text := strings.TrimSpace(a.pending.String())
	a.pending.Reset()
	if text == "" {
		return nil
	}
	return []Turn{a.nextLocked(SpeakerModel, text)}
}

func (a *Assembler) nextLocked(speaker Speaker, text string) Turn {
	a.seq++
	return Turn{Speaker: speaker, Text: text, Seq: a.seq}
}
