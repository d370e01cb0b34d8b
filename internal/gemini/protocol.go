package gemini

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the service rejects the API key.
var ErrUnauthorized = errors.New("gemini: credentials rejected")

// ProtocolError wraps an inbound frame that could not be decoded or was not
// recognized. The connection stays usable.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gemini: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Setup is the first frame of every connection.
type Setup struct {
	Model             string
	SystemInstruction string
	ResumptionHandle  string
}

// Outbound frames.

type clientMessage struct {
	Setup         *wireSetup         `json:"setup,omitempty"`
	ClientContent *wireClientContent `json:"clientContent,omitempty"`
	RealtimeInput *wireRealtimeInput `json:"realtimeInput,omitempty"`
}

type wireSetup struct {
	Model                    string                 `json:"model"`
	GenerationConfig         wireGenerationConfig   `json:"generationConfig"`
	SystemInstruction        *wireContent           `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}              `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}              `json:"outputAudioTranscription,omitempty"`
	SessionResumption        *wireSessionResumption `json:"sessionResumption,omitempty"`
}

type wireGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type wireSessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type wireContent struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type wireClientContent struct {
	Turns        []wireContent `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type wireRealtimeInput struct {
	Audio          *Blob `json:"audio,omitempty"`
	AudioStreamEnd bool  `json:"audioStreamEnd,omitempty"`
}

// Inbound frames.

type serverMessage struct {
	SetupComplete           *struct{}             `json:"setupComplete"`
	ServerContent           *wireServerContent    `json:"serverContent"`
	SessionResumptionUpdate *wireResumptionUpdate `json:"sessionResumptionUpdate"`
	GoAway                  *wireGoAway           `json:"goAway"`
	UsageMetadata           json.RawMessage       `json:"usageMetadata"`
}

type wireServerContent struct {
	ModelTurn           *wireContent   `json:"modelTurn"`
	InputTranscription  *Transcription `json:"inputTranscription"`
	OutputTranscription *Transcription `json:"outputTranscription"`
	TurnComplete        bool           `json:"turnComplete"`
	GenerationComplete  bool           `json:"generationComplete"`
	Interrupted         bool           `json:"interrupted"`
}

type wireResumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

type wireGoAway struct {
	TimeLeft string `json:"timeLeft"`
}

// EncodeSetup builds the setup frame. Resumption is always requested so the
// server keeps issuing handles; a prior handle is attached when present.
func EncodeSetup(s Setup) ([]byte, error) {
	model := strings.TrimSpace(s.Model)
	if model == "" {
		return nil, errors.New("gemini: model is required")
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	setup := &wireSetup{
		Model:                    model,
		GenerationConfig:         wireGenerationConfig{ResponseModalities: []string{"AUDIO"}},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
		SessionResumption:        &wireSessionResumption{Handle: s.ResumptionHandle},
	}
	if s.SystemInstruction != "" {
		setup.SystemInstruction = &wireContent{Parts: []Part{{Text: s.SystemInstruction}}}
	}
	return json.Marshal(clientMessage{Setup: setup})
}

// EncodeAudio builds the realtime input frame carrying one utterance.
func EncodeAudio(mimeType string, pcm []byte) ([]byte, error) {
	return json.Marshal(clientMessage{RealtimeInput: &wireRealtimeInput{
		Audio: &Blob{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(pcm)},
	}})
}

// EncodeAudioStreamEnd marks the end of the current audio stream.
func EncodeAudioStreamEnd() ([]byte, error) {
	return json.Marshal(clientMessage{RealtimeInput: &wireRealtimeInput{AudioStreamEnd: true}})
}

// EncodeText builds a complete user turn holding typed text.
func EncodeText(text string) ([]byte, error) {
	return json.Marshal(clientMessage{ClientContent: &wireClientContent{
		Turns:        []wireContent{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// Decode parses one inbound frame. It returns (nil, nil) for frames that carry
// nothing the session acts on, such as usage-only updates.
func Decode(data []byte) (Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Frame: snippet(data), Err: err}
	}

	switch {
	case msg.SetupComplete != nil:
		return SetupComplete{}, nil

	case msg.ServerContent != nil:
		sc := msg.ServerContent
		ev := ServerContent{
			InputTranscription:  sc.InputTranscription,
			OutputTranscription: sc.OutputTranscription,
			TurnComplete:        sc.TurnComplete,
			GenerationComplete:  sc.GenerationComplete,
			Interrupted:         sc.Interrupted,
		}
		if sc.ModelTurn != nil {
			ev.Parts = sc.ModelTurn.Parts
		}
		return ev, nil

	case msg.SessionResumptionUpdate != nil:
		return ResumptionUpdate{
			Handle:    msg.SessionResumptionUpdate.NewHandle,
			Resumable: msg.SessionResumptionUpdate.Resumable,
		}, nil

	case msg.GoAway != nil:
		left, err := parseTimeLeft(msg.GoAway.TimeLeft)
		if err != nil {
			return nil, &ProtocolError{Frame: snippet(data), Err: err}
		}
		return GoAway{TimeLeft: left}, nil

	case len(msg.UsageMetadata) > 0:
		return nil, nil
	}

	return nil, &ProtocolError{Frame: snippet(data), Err: errors.New("unrecognized server message")}
}

func parseTimeLeft(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid goAway timeLeft %q: %w", s, err)
	}
	return d, nil
}

// snippet keeps log lines short when frames carry audio.
func snippet(data []byte) string {
	const max = 200
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
