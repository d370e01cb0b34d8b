package session

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/BWC4WIFE/Trans2Thai/internal/gemini"
)

var errTransportClosed = errors.New("transport closed")

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, running due callbacks in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Active returns the number of timers that have neither fired nor stopped.
func (c *manualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type recvResult struct {
	ev  gemini.Event
	err error
}

type fakeTransport struct {
	mu     sync.Mutex
	setups []gemini.Setup
	audio  [][]byte
	texts  []string

	sendErr   error
	inbox     chan recvResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan recvResult, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) SendSetup(_ context.Context, s gemini.Setup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setups = append(f.setups, s)
	return nil
}

func (f *fakeTransport) SendAudio(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) Receive() (gemini.Event, error) {
	select {
	case r := <-f.inbox:
		return r.ev, r.err
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(ev gemini.Event) { f.inbox <- recvResult{ev: ev} }
func (f *fakeTransport) fail(err error)          { f.inbox <- recvResult{err: err} }

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) sentAudio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeTransport) sentSetups() []gemini.Setup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gemini.Setup(nil), f.setups...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	keys       []string
	err        error
}

func (d *fakeDialer) Dial(_ context.Context, apiKey string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, apiKey)
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

type fakeMic struct {
	mu        sync.Mutex
	handler   func([]byte)
	recording bool
	starts    int
	stops     int
}

func (m *fakeMic) OnChunk(f func([]byte)) {
	m.mu.Lock()
	m.handler = f
	m.mu.Unlock()
}

func (m *fakeMic) StartRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = true
	m.starts++
	return nil
}

func (m *fakeMic) StopRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = false
	m.stops++
}

func (m *fakeMic) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *fakeMic) isRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// feed delivers a chunk the way a capture goroutine would.
func (m *fakeMic) feed(chunk []byte) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(chunk)
}

type playedFragment struct {
	pcm      []byte
	mimeType string
}

type fakeOutput struct {
	mu     sync.Mutex
	played []playedFragment
	block  chan struct{} // when set, Play waits for a receive or ctx
}

func (o *fakeOutput) Play(ctx context.Context, pcm []byte, mimeType string) error {
	if o.block != nil {
		select {
		case <-o.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.mu.Lock()
	o.played = append(o.played, playedFragment{pcm: pcm, mimeType: mimeType})
	o.mu.Unlock()
	return nil
}

func (o *fakeOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.played)
}

type fakeSettings struct {
	mu       sync.Mutex
	settings Settings
	saved    []string
}

func (s *fakeSettings) LoadSettings(context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *fakeSettings) SaveResumptionHandle(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, handle)
	s.settings.ResumptionHandle = handle
	return nil
}

func (s *fakeSettings) savedHandles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

type appendedTurn struct {
	text   string
	isUser bool
}

type raisedError struct {
	message string
	kind    ErrorKind
}

type recordingListener struct {
	mu       sync.Mutex
	statuses []string
	turns    []appendedTurn
	errors   []raisedError
}

func (l *recordingListener) StatusChanged(message string) {
	l.mu.Lock()
	l.statuses = append(l.statuses, message)
	l.mu.Unlock()
}

func (l *recordingListener) TranslationAppended(text string, isUser bool) {
	l.mu.Lock()
	l.turns = append(l.turns, appendedTurn{text: text, isUser: isUser})
	l.mu.Unlock()
}

func (l *recordingListener) ErrorRaised(message string, kind ErrorKind) {
	l.mu.Lock()
	l.errors = append(l.errors, raisedError{message: message, kind: kind})
	l.mu.Unlock()
}

func (l *recordingListener) hasStatus(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, st := range l.statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (l *recordingListener) raised() []raisedError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]raisedError(nil), l.errors...)
}

func (l *recordingListener) appended() []appendedTurn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]appendedTurn(nil), l.turns...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	s        *Session
	clock    *manualClock
	dialer   *fakeDialer
	mic      *fakeMic
	out      *fakeOutput
	settings *fakeSettings
	listener *recordingListener
}

func newHarness(t *testing.T, backoff Backoff, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:  newManualClock(),
		dialer: &fakeDialer{},
		mic:    &fakeMic{},
		out:    &fakeOutput{},
		settings: &fakeSettings{settings: Settings{
			ModelName:      "test-model",
			VADTimeout:     1200 * time.Millisecond,
			APIKey:         "key",
			SourceLanguage: "en",
			TargetLanguage: "th",
		}},
		listener: &recordingListener{},
	}

	cfg := Config{
		Dialer:         h.dialer,
		Mic:            h.mic,
		Output:         h.out,
		Settings:       h.settings,
		Listener:       h.listener,
		Logger:         testLogger(),
		Clock:          h.clock,
		Backoff:        backoff,
		ConnectTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.s = s

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.s.State() == want })
}

// connectReady drives the session to Ready on the first transport.
func (h *harness) connectReady(t *testing.T) *fakeTransport {
	t.Helper()
	n := h.dialer.dials()
	h.s.Connect()
	waitFor(t, "dial", func() bool { return h.dialer.dials() > n })
	tr := h.dialer.transport(n)
	h.waitState(t, AwaitingSetup)
	tr.deliver(gemini.SetupComplete{})
	h.waitState(t, Ready)
	return tr
}

// floodTransport acknowledges setup and then streams audio until closed.
type floodTransport struct {
	served    atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

func newFloodTransport() *floodTransport {
	return &floodTransport{closed: make(chan struct{})}
}

func (f *floodTransport) SendSetup(context.Context, gemini.Setup) error { return nil }
func (f *floodTransport) SendAudio(context.Context, []byte) error      { return nil }
func (f *floodTransport) SendText(context.Context, string) error       { return nil }

func (f *floodTransport) Receive() (gemini.Event, error) {
	select {
	case <-f.closed:
		return nil, errTransportClosed
	default:
	}
	if f.served.Add(1) == 1 {
		return gemini.SetupComplete{}, nil
	}
	// 4800 bytes of 24kHz PCM is 100ms of audio.
	return gemini.ServerContent{Parts: []gemini.Part{{InlineData: &gemini.Blob{
		MimeType: "audio/pcm;rate=24000",
		Data:     floodChunk,
	}}}}, nil
}

func (f *floodTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

var floodChunk = base64.StdEncoding.EncodeToString(make([]byte, 4800))
