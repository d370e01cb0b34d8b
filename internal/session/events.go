package session

import "github.com/BWC4WIFE/Trans2Thai/internal/gemini"

// event is anything processed by the session loop. Events tagged with a
// generation are dropped once the transport they belong to was replaced.
type event interface{}

type (
	connectRequested    struct{}
	disconnectRequested struct{ done chan struct{} }
	toggleMicRequested  struct{}
	sendTextRequested   struct{ text string }

	dialResult struct {
		gen uint64
		t   Transport
		err error
	}
	inbound struct {
		gen uint64
		ev  gemini.Event
	}
	protocolViolation struct {
		gen uint64
		err error
	}
	transportFailed struct {
		gen uint64
		err error
	}

	connectDeadline struct{ gen uint64 }
	retryDue        struct{ gen uint64 }
	silenceFired    struct{ epoch uint64 }
)
