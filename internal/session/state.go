package session

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingSetup
	Ready
	Listening
	Processing
	Reconnecting
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingSetup:
		return "awaiting_setup"
	case Ready:
		return "ready"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// Connected reports whether a transport is open and set up.
func (s State) Connected() bool {
	return s == Ready || s == Listening || s == Processing
}

// Status messages shown to the user.
const (
	StatusConnecting       = "Connecting..."
	StatusReady            = "Ready"
	StatusListening        = "Listening..."
	StatusTranslatingAudio = "Translating audio..."
	StatusTranslatingText  = "Translating text..."
	StatusDisconnected     = "Disconnected"
	StatusEmptyText        = "Please enter text to translate."
	StatusNotConnected     = "Not connected."
)
