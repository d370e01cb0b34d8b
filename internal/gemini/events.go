package gemini

import "time"

// Event is a decoded inbound frame from the live service. The concrete type is
// one of SetupComplete, ServerContent, ResumptionUpdate or GoAway.
type Event interface {
	isEvent()
}

// SetupComplete acknowledges the setup frame.
type SetupComplete struct{}

// ServerContent carries model output and the transcriptions of both sides.
type ServerContent struct {
	Parts               []Part
	InputTranscription  *Transcription
	OutputTranscription *Transcription
	TurnComplete        bool
	GenerationComplete  bool
	Interrupted         bool
}

// ResumptionUpdate announces a new session resumption handle.
type ResumptionUpdate struct {
	Handle    string
	Resumable bool
}

// GoAway warns that the server will close the connection after TimeLeft.
type GoAway struct {
	TimeLeft time.Duration
}

func (SetupComplete) isEvent()    {}
func (ServerContent) isEvent()    {}
func (ResumptionUpdate) isEvent() {}
func (GoAway) isEvent()           {}

// Part is one piece of a model turn. Audio stays base64-encoded until playback.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob is inline media.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Transcription is a streamed fragment of recognized speech.
type Transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

// HasModelOutput reports whether the frame carries anything produced by the model.
func (c ServerContent) HasModelOutput() bool {
	if len(c.Parts) > 0 || c.TurnComplete || c.GenerationComplete {
		return true
	}
	return c.OutputTranscription != nil && c.OutputTranscription.Text != ""
}
