package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/BWC4WIFE/Trans2Thai/internal/eventlog"
	"github.com/BWC4WIFE/Trans2Thai/internal/gemini"
	"github.com/BWC4WIFE/Trans2Thai/internal/metrics"
)

const (
	DefaultVADTimeout     = 1200 * time.Millisecond
	DefaultConnectTimeout = 15 * time.Second
	DefaultModel          = "gemini-live-2.5-flash-preview"

	sendTimeout     = 5 * time.Second
	settingsTimeout = 3 * time.Second
)

// Transport is one open connection to the live service.
type Transport interface {
	SendSetup(ctx context.Context, setup gemini.Setup) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
	Receive() (gemini.Event, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, apiKey string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, apiKey string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, apiKey string) (Transport, error) {
	return f(ctx, apiKey)
}

// Microphone captures audio. Chunks are delivered to the handler registered
// with OnChunk while recording.
type Microphone interface {
	StartRecording() error
	StopRecording()
	OnChunk(func(chunk []byte))
}

// Settings are read once per connect.
type Settings struct {
	ModelName        string
	VADTimeout       time.Duration
	APIKey           string
	ResumptionHandle string
	SourceLanguage   string
	TargetLanguage   string
}

// SettingsStore persists settings and the latest resumption handle.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (Settings, error)
	SaveResumptionHandle(ctx context.Context, handle string) error
}

// Listener receives user-facing updates. Calls are made from the session loop
// and must not block.
type Listener interface {
	StatusChanged(message string)
	TranslationAppended(text string, isUser bool)
	ErrorRaised(message string, kind ErrorKind)
}

// TurnRecorder persists finalized turns.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, sessionID string, turn Turn) error
}

// Config holds a session's collaborators and tuning.
type Config struct {
	Dialer   Dialer
	Mic      Microphone
	Output   AudioOutput
	Settings SettingsStore
	Listener Listener

	Turns   TurnRecorder     // optional
	Events  *eventlog.Logger // optional
	Metrics *metrics.Metrics // optional
	Logger  *log.Logger
	Clock   Clock

	Backoff             Backoff
	ConnectTimeout      time.Duration
	MaxBufferedPlayback time.Duration
}

// Snapshot is a consistent view of the session taken between events.
type Snapshot struct {
	ID      string
	State   State
	Attempt int
	Handle  string
	Pending int
}

// Session drives one translation conversation. All state changes happen on
// the goroutine running Run; public methods only enqueue events.
type Session struct {
	cfg    Config
	logger *log.Logger
	clock  Clock

	events  chan event
	control chan event // disconnects, served ahead of events
	done    chan struct{}
	ctx     context.Context

	buffer    AudioBuffer
	vad       *SilenceDetector
	assembler Assembler
	player    *Scheduler

	// Owned by the loop.
	state         State
	id            string
	settings      Settings
	reconn        *Reconnector
	transport     Transport
	gen           uint64
	pending       []byte
	dialCancel    context.CancelFunc
	dialStart     time.Time
	deadlineTimer Timer
	retryTimer    Timer

	// Playback overload within the current model turn.
	overloaded   bool
	droppedCount int
	droppedAudio time.Duration

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a session. Call Run to start processing events.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Dialer == nil:
		return nil, errors.New("session: dialer is required")
	case cfg.Mic == nil:
		return nil, errors.New("session: microphone is required")
	case cfg.Output == nil:
		return nil, errors.New("session: audio output is required")
	case cfg.Settings == nil:
		return nil, errors.New("session: settings store is required")
	case cfg.Listener == nil:
		return nil, errors.New("session: listener is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		events:  make(chan event, 256),
		control: make(chan event),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		reconn:  NewReconnector(cfg.Backoff, ""),
	}
	s.vad = NewSilenceDetector(cfg.Clock, DefaultVADTimeout, func(epoch uint64) {
		s.post(silenceFired{epoch: epoch})
	})
	// Fragments are only enqueued from the loop, so drops are handled inline.
	s.player = NewScheduler(cfg.Output, PlaybackConfig{
		MaxBuffered: cfg.MaxBufferedPlayback,
		OnDrop:      s.fragmentDropped,
	}, cfg.Logger, cfg.Metrics)
	cfg.Mic.OnChunk(s.handleChunk)
	return s, nil
}

// Run processes events until ctx is cancelled. An active connection is torn
// down on exit.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)
	defer s.player.Close()

	for {
		select {
		case ev := <-s.control:
			s.handle(ev)
			s.publish()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			if s.state != Disconnected {
				s.teardown()
				s.setState(Disconnected, "")
			}
			return nil
		case ev := <-s.control:
			s.handle(ev)
			s.publish()
		case ev := <-s.events:
			s.handle(ev)
			s.publish()
		}
	}
}

// Connect starts a connection. It is a no-op unless disconnected.
func (s *Session) Connect() { s.post(connectRequested{}) }

// ToggleMic starts capture when ready and ends the utterance when listening.
func (s *Session) ToggleMic() { s.post(toggleMicRequested{}) }

// SendText submits typed text for translation.
func (s *Session) SendText(text string) { s.post(sendTextRequested{text: text}) }

// Disconnect ends the session and waits until the loop has processed it. It
// is served ahead of queued events.
func (s *Session) Disconnect(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.control <- disconnectRequested{done: done}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the state as of the last processed event.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// State returns the current state.
func (s *Session) State() State { return s.Snapshot().State }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// handleChunk runs on the capture goroutine.
func (s *Session) handleChunk(chunk []byte) {
	if s.buffer.Append(chunk) {
		s.vad.Reset()
	}
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) publish() {
	snap := Snapshot{
		ID:      s.id,
		State:   s.state,
		Attempt: s.reconn.Attempt(),
		Handle:  s.reconn.Handle(),
		Pending: len(s.pending),
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case connectRequested:
		s.connect()
	case disconnectRequested:
		s.disconnect()
		close(ev.done)
	case toggleMicRequested:
		s.toggleMic()
	case sendTextRequested:
		s.sendText(ev.text)
	case dialResult:
		s.dialFinished(ev)
	case inbound:
		if ev.gen != s.gen {
			return
		}
		s.inbound(ev.ev)
	case protocolViolation:
		if ev.gen != s.gen {
			return
		}
		s.logger.Warn("dropping malformed frame", "session", s.id, "err", ev.err)
		s.cfg.Metrics.ProtocolError()
		s.cfg.Events.LogAsync(s.id, eventlog.EventProtocolError, map[string]any{"error": ev.err.Error()})
	case transportFailed:
		if ev.gen != s.gen || s.state == Disconnected {
			return
		}
		s.logger.Warn("transport closed", "session", s.id, "state", s.state, "err", ev.err)
		s.failConnection(ev.err)
	case connectDeadline:
		if ev.gen != s.gen || (s.state != Connecting && s.state != AwaitingSetup) {
			return
		}
		s.failConnection(fmt.Errorf("connection not ready within %s", s.cfg.ConnectTimeout))
	case retryDue:
		if ev.gen != s.gen || s.state != Reconnecting {
			return
		}
		s.startDial()
		s.setState(Connecting, StatusConnecting)
	case silenceFired:
		if s.state != Listening || !s.vad.Current(ev.epoch) {
			return
		}
		s.logger.Debug("silence detected", "session", s.id, "buffered", s.buffer.Len())
		s.segment()
	}
}

// fragmentDropped raises ResourceExhaustion once per model turn; later drops
// in the same turn are only counted.
func (s *Session) fragmentDropped(f Fragment) {
	s.droppedCount++
	s.droppedAudio += f.Duration
	if s.overloaded {
		return
	}
	s.overloaded = true
	s.cfg.Events.LogAsync(s.id, eventlog.EventFragmentDropped, map[string]any{
		"seq":         f.Seq,
		"duration_ms": f.Duration.Milliseconds(),
	})
	s.raise(&Error{Kind: KindResourceExhaustion, Err: fmt.Errorf("playback fell behind, dropped %s of audio", f.Duration)})
}

// endOverload closes the current overload episode.
func (s *Session) endOverload() {
	if s.overloaded {
		s.logger.Info("playback overload ended", "session", s.id, "dropped", s.droppedCount, "audio", s.droppedAudio)
	}
	s.overloaded = false
	s.droppedCount = 0
	s.droppedAudio = 0
}

func (s *Session) connect() {
	if s.state != Disconnected {
		s.logger.Info("connect ignored", "state", s.state)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, settingsTimeout)
	settings, err := s.cfg.Settings.LoadSettings(ctx)
	cancel()
	if err != nil {
		s.raise(&Error{Kind: KindConnectivity, Err: fmt.Errorf("failed to load settings: %w", err)})
		return
	}
	if strings.TrimSpace(settings.APIKey) == "" {
		s.raise(&Error{Kind: KindAuth, Err: ErrMissingAPIKey})
		return
	}
	if settings.ModelName == "" {
		settings.ModelName = DefaultModel
	}
	if settings.VADTimeout <= 0 {
		settings.VADTimeout = DefaultVADTimeout
	}

	s.settings = settings
	s.id = uuid.NewString()
	s.vad.SetTimeout(settings.VADTimeout)
	s.reconn = NewReconnector(s.cfg.Backoff, settings.ResumptionHandle)
	s.assembler.Reset()
	s.pending = nil

	s.logger.Info("session starting", "session", s.id, "model", settings.ModelName, "resuming", settings.ResumptionHandle != "")
	s.cfg.Events.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{
		"model":    settings.ModelName,
		"source":   settings.SourceLanguage,
		"target":   settings.TargetLanguage,
		"resuming": settings.ResumptionHandle != "",
	})

	s.startDial()
	s.setState(Connecting, StatusConnecting)
}

// startDial opens a new transport in the background and arms the connect
// deadline. Results from earlier generations are discarded.
func (s *Session) startDial() {
	s.gen++
	gen := s.gen

	ctx, cancel := context.WithCancel(s.ctx)
	s.dialCancel = cancel
	s.dialStart = s.clock.Now()
	s.deadlineTimer = s.clock.AfterFunc(s.cfg.ConnectTimeout, func() { s.post(connectDeadline{gen: gen}) })
	s.cfg.Metrics.ConnectAttempt()

	setup := gemini.Setup{
		Model:             s.settings.ModelName,
		SystemInstruction: SystemPrompt(s.settings.SourceLanguage, s.settings.TargetLanguage),
		ResumptionHandle:  s.reconn.Handle(),
	}
	apiKey := s.settings.APIKey

	go func() {
		t, err := s.cfg.Dialer.Dial(ctx, apiKey)
		if err == nil {
			if err = t.SendSetup(ctx, setup); err != nil {
				_ = t.Close()
				t = nil
			}
		}
		if !s.post(dialResult{gen: gen, t: t, err: err}) && t != nil {
			_ = t.Close()
		}
	}()
}

func (s *Session) dialFinished(ev dialResult) {
	if ev.gen != s.gen {
		if ev.t != nil {
			go ev.t.Close()
		}
		return
	}
	if ev.err != nil {
		s.logger.Warn("dial failed", "session", s.id, "err", ev.err)
		s.failConnection(ev.err)
		return
	}

	s.transport = ev.t
	s.setState(AwaitingSetup, "")
	go s.pump(ev.gen, ev.t)
}

// pump forwards inbound events from t until it fails.
func (s *Session) pump(gen uint64, t Transport) {
	for {
		ev, err := t.Receive()
		if err != nil {
			var pe *gemini.ProtocolError
			if errors.As(err, &pe) {
				if !s.post(protocolViolation{gen: gen, err: err}) {
					return
				}
				continue
			}
			s.post(transportFailed{gen: gen, err: err})
			return
		}
		if !s.post(inbound{gen: gen, ev: ev}) {
			return
		}
	}
}

func (s *Session) inbound(ev gemini.Event) {
	switch ev := ev.(type) {
	case gemini.SetupComplete:
		s.setupComplete()
	case gemini.ServerContent:
		s.content(ev)
	case gemini.ResumptionUpdate:
		s.resumptionUpdate(ev)
	case gemini.GoAway:
		s.goAway(ev)
	}
}

func (s *Session) setupComplete() {
	switch s.state {
	case AwaitingSetup:
		s.stopTimer(&s.deadlineTimer)
		s.reconn.Reset()
		s.cfg.Metrics.SetupCompleted(s.clock.Now().Sub(s.dialStart).Seconds())
		s.cfg.Events.LogAsync(s.id, eventlog.EventSetupComplete, map[string]any{"resumed": s.reconn.Handle() != ""})
		s.logger.Info("session ready", "session", s.id)
		s.setState(Ready, StatusReady)

		if pcm := s.pending; len(pcm) > 0 {
			s.pending = nil
			s.logger.Info("resubmitting held utterance", "session", s.id, "bytes", len(pcm))
			s.submitUtterance(pcm)
		}
	case Processing:
		s.setState(Ready, StatusReady)
	}
}

func (s *Session) content(c gemini.ServerContent) {
	if c.Interrupted {
		s.player.Flush()
		s.cfg.Events.LogAsync(s.id, eventlog.EventInterrupted, nil)
	}

	if c.InputTranscription != nil {
		s.emit(s.assembler.Observe(TranscriptEvent{
			Direction: Input,
			Text:      c.InputTranscription.Text,
			Partial:   !c.InputTranscription.Finished,
		}))
	}
	if c.OutputTranscription != nil {
		s.assembler.Observe(TranscriptEvent{
			Direction: Output,
			Text:      c.OutputTranscription.Text,
			Partial:   !c.OutputTranscription.Finished,
		})
	}

	for _, p := range c.Parts {
		if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/") {
			s.player.Enqueue(p.InlineData.MimeType, p.InlineData.Data)
		}
		// Text parts only stand in for the transcript when the service is
		// not transcribing its own audio.
		if p.Text != "" && c.OutputTranscription == nil {
			s.assembler.Observe(TranscriptEvent{Direction: Output, Text: p.Text, Partial: true})
		}
	}

	if c.TurnComplete || c.Interrupted {
		s.endOverload()
	}
	if s.state == Processing && c.HasModelOutput() {
		s.setState(Ready, StatusReady)
	}
}

func (s *Session) resumptionUpdate(u gemini.ResumptionUpdate) {
	if !s.reconn.UpdateHandle(u.Handle, u.Resumable) {
		return
	}
	s.cfg.Events.LogAsync(s.id, eventlog.EventHandleUpdated, nil)

	ctx, cancel := context.WithTimeout(s.ctx, settingsTimeout)
	defer cancel()
	if err := s.cfg.Settings.SaveResumptionHandle(ctx, u.Handle); err != nil {
		s.logger.Warn("failed to save resumption handle", "session", s.id, "err", err)
	}
}

// goAway dials a replacement right away with the current handle, ahead of
// the server's forced close. It does not consume a backoff attempt.
func (s *Session) goAway(g gemini.GoAway) {
	if !s.state.Connected() && s.state != AwaitingSetup {
		return
	}
	s.logger.Info("server going away, reconnecting", "session", s.id, "time_left", g.TimeLeft)
	s.cfg.Metrics.Reconnect("go_away")
	s.cfg.Events.LogAsync(s.id, eventlog.EventGoAway, map[string]any{"time_left_ms": g.TimeLeft.Milliseconds()})

	s.detach()
	s.startDial()
	s.setState(Connecting, "Reconnecting...")
}

func (s *Session) toggleMic() {
	switch s.state {
	case Ready:
		s.buffer.Begin()
		if err := s.cfg.Mic.StartRecording(); err != nil {
			s.buffer.Drain()
			s.logger.Error("failed to start recording", "session", s.id, "err", err)
			s.cfg.Listener.StatusChanged("Microphone unavailable")
			return
		}
		s.vad.Arm()
		s.cfg.Events.LogAsync(s.id, eventlog.EventListeningStarted, nil)
		s.setState(Listening, StatusListening)
	case Listening:
		s.segment()
	case Disconnected:
		s.cfg.Listener.StatusChanged(StatusNotConnected)
	default:
		s.logger.Info("toggle mic ignored", "session", s.id, "state", s.state)
	}
}

// segment ends the current utterance and submits it.
func (s *Session) segment() {
	s.stopCapture()
	pcm := s.buffer.Drain()
	if len(pcm) == 0 {
		s.logger.Info("audio buffer is empty, not sending", "session", s.id)
		s.cfg.Metrics.EmptyUtterance()
		s.cfg.Events.LogAsync(s.id, eventlog.EventUtteranceEmpty, nil)
		s.setState(Ready, StatusReady)
		return
	}
	s.submitUtterance(pcm)
}

func (s *Session) submitUtterance(pcm []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	err := s.transport.SendAudio(ctx, pcm)
	cancel()
	if err != nil {
		s.pending = pcm
		s.failConnection(err)
		return
	}

	s.cfg.Metrics.UtteranceSent(len(pcm))
	s.cfg.Events.LogAsync(s.id, eventlog.EventUtteranceSent, map[string]any{"bytes": len(pcm)})
	s.setState(Processing, StatusTranslatingAudio)
}

func (s *Session) sendText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		s.cfg.Listener.StatusChanged(StatusEmptyText)
		return
	}
	if s.state != Ready {
		if !s.state.Connected() {
			s.cfg.Listener.StatusChanged(StatusNotConnected)
		}
		s.logger.Info("send text ignored", "session", s.id, "state", s.state)
		return
	}

	s.emit(s.assembler.RecordUser(text))

	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	err := s.transport.SendText(ctx, text)
	cancel()
	if err != nil {
		s.failConnection(err)
		return
	}

	s.cfg.Metrics.TextTurnSent()
	s.cfg.Events.LogAsync(s.id, eventlog.EventTextSent, map[string]any{"chars": len(text)})
	s.setState(Processing, StatusTranslatingText)
}

// failConnection routes a transport failure through the backoff policy.
func (s *Session) failConnection(err error) {
	se := classify(err)
	if se.Kind == KindUserCancellation {
		s.logger.Debug("connection cancelled", "session", s.id)
		return
	}

	s.detach()

	if se.Kind == KindAuth {
		s.shutdown()
		s.raise(se)
		return
	}

	delay, ok := s.reconn.Next()
	if !ok {
		s.shutdown()
		s.raise(&Error{
			Kind: KindConnectivity,
			Err:  fmt.Errorf("gave up after %d reconnect attempts: %w", s.cfg.Backoff.MaxAttempts, err),
		})
		return
	}

	s.logger.Info("reconnecting", "session", s.id, "attempt", s.reconn.Attempt(), "delay", delay)
	s.cfg.Metrics.Reconnect("failure")
	s.cfg.Events.LogAsync(s.id, eventlog.EventReconnecting, map[string]any{
		"attempt":  s.reconn.Attempt(),
		"delay_ms": delay.Milliseconds(),
		"error":    err.Error(),
	})
	s.setState(Reconnecting, fmt.Sprintf("Reconnecting in %s...", delay))
	s.scheduleRetry(delay)
}

func (s *Session) scheduleRetry(delay time.Duration) {
	gen := s.gen
	s.stopTimer(&s.retryTimer)
	s.retryTimer = s.clock.AfterFunc(delay, func() { s.post(retryDue{gen: gen}) })
}

// detach abandons the current transport and any dial in flight. A partially
// captured utterance is held for the next connection.
func (s *Session) detach() {
	s.gen++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.stopTimer(&s.deadlineTimer)
	s.stopTimer(&s.retryTimer)

	if s.state == Listening {
		s.stopCapture()
		if pcm := s.buffer.Drain(); len(pcm) > 0 {
			s.pending = pcm
		}
	}
	if t := s.transport; t != nil {
		s.transport = nil
		go t.Close()
	}
}

func (s *Session) stopCapture() {
	s.vad.Disarm()
	s.cfg.Mic.StopRecording()
}

// teardown releases everything tied to the session and discards held audio.
func (s *Session) teardown() {
	s.detach()
	if s.buffer.Open() {
		s.stopCapture()
		s.buffer.Drain()
	}
	s.pending = nil
	s.player.Flush()
	s.endOverload()
	s.emit(s.assembler.Flush())
}

// shutdown ends the session after an unrecoverable error.
func (s *Session) shutdown() {
	s.teardown()
	s.reconn.Reset()
	s.cfg.Events.LogAsync(s.id, eventlog.EventSessionEnded, map[string]any{"reason": "error"})
	s.setState(Disconnected, StatusDisconnected)
}

func (s *Session) disconnect() {
	if s.state == Disconnected {
		return
	}
	s.setState(Closing, "")
	s.teardown()
	s.reconn.Reset()
	s.logger.Info("session disconnected", "session", s.id)
	s.cfg.Events.LogAsync(s.id, eventlog.EventSessionEnded, map[string]any{"reason": "user"})
	s.setState(Disconnected, StatusDisconnected)
}

func (s *Session) emit(turns []Turn) {
	for _, t := range turns {
		s.cfg.Listener.TranslationAppended(t.Text, t.IsUser())
		s.cfg.Metrics.TurnAssembled(string(t.Speaker))
		s.cfg.Events.LogAsync(s.id, eventlog.EventTurnFinalized, map[string]any{
			"seq":     t.Seq,
			"speaker": string(t.Speaker),
		})
		if s.cfg.Turns != nil {
			go s.recordTurn(s.id, t)
		}
	}
}

func (s *Session) recordTurn(sessionID string, t Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Turns.RecordTurn(ctx, sessionID, t); err != nil {
		s.logger.Warn("failed to record turn", "session", sessionID, "seq", t.Seq, "err", err)
	}
}

func (s *Session) raise(se *Error) {
	s.logger.Error("session error", "session", s.id, "kind", se.Kind, "err", se.Err)
	s.cfg.Metrics.Error(se.Kind.String())
	s.cfg.Events.LogAsync(s.id, eventlog.EventSessionError, map[string]any{
		"kind":  se.Kind.String(),
		"error": se.Err.Error(),
	})
	s.cfg.Listener.ErrorRaised(errorMessage(se), se.Kind)
}

func (s *Session) setState(st State, status string) {
	if s.state != st {
		s.logger.Debug("state", "session", s.id, "from", s.state, "to", st)
		s.cfg.Metrics.Transition(st.String())
	}
	s.state = st
	if status != "" {
		s.cfg.Listener.StatusChanged(status)
	}
}

func (s *Session) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func errorMessage(se *Error) string {
	switch {
	case errors.Is(se.Err, ErrMissingAPIKey):
		return "API Key is not set. Please configure it in Settings."
	case se.Kind == KindAuth:
		return "The API key was rejected. Please check it in Settings."
	case se.Kind == KindConnectivity:
		return "Connection lost: " + se.Err.Error()
	}
	return se.Err.Error()
}
