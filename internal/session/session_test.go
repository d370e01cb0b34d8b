package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/BWC4WIFE/Trans2Thai/internal/gemini"
)

var testBackoff = Backoff{Base: 500 * time.Millisecond, Cap: 8 * time.Second, MaxAttempts: 3}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with no collaborators should fail")
	}
}

func TestConnect_SendsSetupAndReachesReady(t *testing.T) {
	h := newHarness(t, testBackoff)
	h.settings.settings.ResumptionHandle = "stored-handle"

	tr := h.connectReady(t)

	setups := tr.sentSetups()
	if len(setups) != 1 {
		t.Fatalf("setups sent = %d, want 1", len(setups))
	}
	if setups[0].Model != "test-model" {
		t.Errorf("setup model = %q, want %q", setups[0].Model, "test-model")
	}
	if setups[0].ResumptionHandle != "stored-handle" {
		t.Errorf("setup handle = %q, want %q", setups[0].ResumptionHandle, "stored-handle")
	}
	if !strings.Contains(setups[0].SystemInstruction, "from English to Thai") {
		t.Errorf("system instruction = %q, want English to Thai", setups[0].SystemInstruction)
	}
	if !h.listener.hasStatus(StatusConnecting) || !h.listener.hasStatus(StatusReady) {
		t.Errorf("statuses = %v, want Connecting and Ready", h.listener.statuses)
	}
	if h.s.Snapshot().ID == "" {
		t.Error("session ID should be assigned on connect")
	}
}

func TestConnect_IdempotentWhileConnected(t *testing.T) {
	h := newHarness(t, testBackoff)
	h.connectReady(t)

	h.s.Connect()
	h.s.ToggleMic()
	h.waitState(t, Listening)

	if n := h.dialer.dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestConnect_MissingAPIKey(t *testing.T) {
	h := newHarness(t, testBackoff)
	h.settings.settings.APIKey = ""

	h.s.Connect()
	waitFor(t, "error", func() bool { return len(h.listener.raised()) == 1 })

	got := h.listener.raised()[0]
	if got.kind != KindAuth {
		t.Errorf("kind = %v, want %v", got.kind, KindAuth)
	}
	if got.message != "API Key is not set. Please configure it in Settings." {
		t.Errorf("message = %q", got.message)
	}
	if h.dialer.dials() != 0 {
		t.Error("no dial should happen without an API key")
	}
	if h.s.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", h.s.State())
	}
}

func TestAuthErrorIsFatal(t *testing.T) {
	h := newHarness(t, testBackoff)
	h.dialer.err = fmt.Errorf("handshake: %w", gemini.ErrUnauthorized)

	h.s.Connect()
	waitFor(t, "auth error", func() bool { return len(h.listener.raised()) == 1 })
	h.waitState(t, Disconnected)

	if got := h.listener.raised()[0].kind; got != KindAuth {
		t.Errorf("kind = %v, want %v", got, KindAuth)
	}
	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if n := h.dialer.dials(); n != 1 {
		t.Errorf("dials = %d, want 1 (no retry after auth failure)", n)
	}
}

// Three chunks followed by silence longer than the timeout produce exactly
// one utterance holding all the audio.
func TestSilenceFlushesUtteranceOnce(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.ToggleMic()
	h.waitState(t, Listening)
	if !h.mic.isRecording() {
		t.Fatal("microphone should be recording")
	}

	for i := 0; i < 3; i++ {
		h.mic.feed(bytes.Repeat([]byte{byte(i + 1)}, 200))
		h.clock.Advance(100 * time.Millisecond)
	}
	h.clock.Advance(1300 * time.Millisecond)

	h.waitState(t, Processing)
	waitFor(t, "utterance", func() bool { return len(tr.sentAudio()) == 1 })

	h.clock.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)

	audio := tr.sentAudio()
	if len(audio) != 1 {
		t.Fatalf("utterances sent = %d, want 1", len(audio))
	}
	if len(audio[0]) != 600 {
		t.Errorf("utterance length = %d, want 600", len(audio[0]))
	}
	if audio[0][0] != 1 || audio[0][200] != 2 || audio[0][400] != 3 {
		t.Error("utterance should concatenate chunks in capture order")
	}
	if h.mic.isRecording() {
		t.Error("microphone should stop at the segmentation boundary")
	}
	if !h.listener.hasStatus(StatusTranslatingAudio) {
		t.Errorf("statuses = %v, want %q", h.listener.statuses, StatusTranslatingAudio)
	}
}

func TestExplicitStopSegmentsImmediately(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.ToggleMic()
	h.waitState(t, Listening)
	h.mic.feed(make([]byte, 320))
	h.s.ToggleMic()

	waitFor(t, "utterance", func() bool { return len(tr.sentAudio()) == 1 })
	h.waitState(t, Processing)
	if got := len(tr.sentAudio()[0]); got != 320 {
		t.Errorf("utterance length = %d, want 320", got)
	}
}

func TestEmptyUtteranceIsDiscarded(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.ToggleMic()
	h.waitState(t, Listening)
	h.s.ToggleMic()
	h.waitState(t, Ready)

	if n := len(tr.sentAudio()); n != 0 {
		t.Errorf("utterances sent = %d, want 0", n)
	}
}

func TestModelOutputReturnsToReady(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.ToggleMic()
	h.waitState(t, Listening)
	h.mic.feed(make([]byte, 100))
	h.s.ToggleMic()
	h.waitState(t, Processing)

	pcm := []byte{1, 2, 3, 4}
	tr.deliver(gemini.ServerContent{
		InputTranscription: &gemini.Transcription{Text: "hello"},
	})
	tr.deliver(gemini.ServerContent{
		Parts: []gemini.Part{{InlineData: &gemini.Blob{
			MimeType: "audio/pcm;rate=24000",
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}}},
		OutputTranscription: &gemini.Transcription{Text: "สวัสดี"},
	})
	h.waitState(t, Ready)

	waitFor(t, "playback", func() bool { return h.out.count() == 1 })
	if got := h.out.played[0].pcm; !bytes.Equal(got, pcm) {
		t.Errorf("played = %v, want %v", got, pcm)
	}

	turns := h.listener.appended()
	if len(turns) != 1 || turns[0] != (appendedTurn{text: "hello", isUser: true}) {
		t.Errorf("turns = %+v, want user turn only", turns)
	}

	if err := h.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	turns = h.listener.appended()
	if len(turns) != 2 || turns[1] != (appendedTurn{text: "สวัสดี", isUser: false}) {
		t.Errorf("turns after disconnect = %+v, want pending model turn flushed", turns)
	}
}

func TestSendText(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.SendText("   ")
	waitFor(t, "empty text status", func() bool { return h.listener.hasStatus(StatusEmptyText) })

	h.s.SendText("good morning")
	h.waitState(t, Processing)

	if got := tr.sentTexts(); len(got) != 1 || got[0] != "good morning" {
		t.Errorf("texts = %v, want [good morning]", got)
	}
	turns := h.listener.appended()
	if len(turns) != 1 || !turns[0].isUser || turns[0].text != "good morning" {
		t.Errorf("turns = %+v, want user turn", turns)
	}
	if !h.listener.hasStatus(StatusTranslatingText) {
		t.Errorf("statuses = %v, want %q", h.listener.statuses, StatusTranslatingText)
	}
}

func TestSendText_NotConnected(t *testing.T) {
	h := newHarness(t, testBackoff)

	h.s.SendText("hello")
	waitFor(t, "status", func() bool { return h.listener.hasStatus(StatusNotConnected) })
}

// Four consecutive failures with base 500ms, cap 8s and three attempts wait
// 500ms, 1s and 2s, then give up.
func TestBackoffScheduleThenGiveUp(t *testing.T) {
	h := newHarness(t, testBackoff)

	h.s.Connect()
	delays := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

	for i, delay := range delays {
		waitFor(t, "dial", func() bool { return h.dialer.dials() == i+1 })
		tr := h.dialer.transport(i)
		h.waitState(t, AwaitingSetup)
		tr.fail(errors.New("connection reset"))

		status := fmt.Sprintf("Reconnecting in %s...", delay)
		waitFor(t, status, func() bool { return h.listener.hasStatus(status) })
		h.waitState(t, Reconnecting)
		if got := h.s.Snapshot().Attempt; got != i+1 {
			t.Errorf("attempt = %d, want %d", got, i+1)
		}

		h.clock.Advance(delay - time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		if n := h.dialer.dials(); n != i+1 {
			t.Fatalf("dialed early: dials = %d, want %d", n, i+1)
		}
		h.clock.Advance(time.Millisecond)
	}

	waitFor(t, "fourth dial", func() bool { return h.dialer.dials() == 4 })
	h.waitState(t, AwaitingSetup)
	h.dialer.transport(3).fail(errors.New("connection reset"))

	h.waitState(t, Disconnected)
	errs := h.listener.raised()
	if len(errs) != 1 || errs[0].kind != KindConnectivity {
		t.Fatalf("errors = %+v, want one connectivity error", errs)
	}
	if got := h.s.Snapshot().Attempt; got != 0 {
		t.Errorf("attempt after giving up = %d, want 0", got)
	}
}

func TestAttemptResetOnReady(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	tr.fail(errors.New("connection reset"))
	h.waitState(t, Reconnecting)
	if got := h.s.Snapshot().Attempt; got != 1 {
		t.Fatalf("attempt = %d, want 1", got)
	}
	waitFor(t, "old transport closed", tr.isClosed)

	h.clock.Advance(500 * time.Millisecond)
	waitFor(t, "redial", func() bool { return h.dialer.dials() == 2 })
	h.waitState(t, AwaitingSetup)
	h.dialer.transport(1).deliver(gemini.SetupComplete{})
	h.waitState(t, Ready)

	if got := h.s.Snapshot().Attempt; got != 0 {
		t.Errorf("attempt after Ready = %d, want 0", got)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	tr.fail(errors.New("connection reset"))
	h.waitState(t, Reconnecting)

	if err := h.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	snap := h.s.Snapshot()
	if snap.State != Disconnected {
		t.Errorf("state = %v, want disconnected", snap.State)
	}
	if snap.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", snap.Attempt)
	}

	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if n := h.dialer.dials(); n != 1 {
		t.Errorf("dials = %d, want 1 (retry cancelled)", n)
	}
	if h.clock.Active() != 0 {
		t.Errorf("active timers = %d, want 0", h.clock.Active())
	}
}

func TestDisconnectStopsCapture(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.ToggleMic()
	h.waitState(t, Listening)
	h.mic.feed(make([]byte, 100))

	if err := h.s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if h.mic.isRecording() {
		t.Error("microphone should stop on disconnect")
	}
	waitFor(t, "transport closed", tr.isClosed)

	h.clock.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if n := len(tr.sentAudio()); n != 0 {
		t.Errorf("utterances sent = %d, want 0", n)
	}
	if !h.listener.hasStatus(StatusDisconnected) {
		t.Errorf("statuses = %v, want %q", h.listener.statuses, StatusDisconnected)
	}
}

func TestGoAwayReconnectsWithHandle(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	tr.deliver(gemini.ResumptionUpdate{Handle: "ignored", Resumable: false})
	tr.deliver(gemini.ResumptionUpdate{Handle: "handle-1", Resumable: true})
	waitFor(t, "handle", func() bool { return h.s.Snapshot().Handle == "handle-1" })

	tr.deliver(gemini.GoAway{TimeLeft: 10 * time.Second})
	waitFor(t, "redial", func() bool { return h.dialer.dials() == 2 })

	next := h.dialer.transport(1)
	waitFor(t, "setup", func() bool { return len(next.sentSetups()) == 1 })
	if got := next.sentSetups()[0].ResumptionHandle; got != "handle-1" {
		t.Errorf("reconnect handle = %q, want %q", got, "handle-1")
	}
	if got := h.settings.savedHandles(); len(got) != 1 || got[0] != "handle-1" {
		t.Errorf("saved handles = %v, want [handle-1]", got)
	}
	if got := h.s.Snapshot().Attempt; got != 0 {
		t.Errorf("attempt = %d, want 0 (go away does not consume backoff)", got)
	}
	waitFor(t, "old transport closed", tr.isClosed)

	next.deliver(gemini.SetupComplete{})
	h.waitState(t, Ready)
}

func TestHeldUtteranceResubmittedAfterReconnect(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.ToggleMic()
	h.waitState(t, Listening)
	h.mic.feed(make([]byte, 400))
	tr.fail(errors.New("connection reset"))
	h.waitState(t, Reconnecting)

	if got := h.s.Snapshot().Pending; got != 400 {
		t.Fatalf("pending = %d, want 400", got)
	}

	h.clock.Advance(500 * time.Millisecond)
	waitFor(t, "redial", func() bool { return h.dialer.dials() == 2 })
	next := h.dialer.transport(1)
	h.waitState(t, AwaitingSetup)
	next.deliver(gemini.SetupComplete{})

	waitFor(t, "resubmitted utterance", func() bool { return len(next.sentAudio()) == 1 })
	if got := len(next.sentAudio()[0]); got != 400 {
		t.Errorf("utterance length = %d, want 400", got)
	}
	h.waitState(t, Processing)
}

func TestProtocolErrorKeepsSession(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	tr.fail(&gemini.ProtocolError{Frame: "{}", Err: errors.New("unrecognized server message")})
	tr.deliver(gemini.ServerContent{InputTranscription: &gemini.Transcription{Text: "still here"}})

	waitFor(t, "turn", func() bool { return len(h.listener.appended()) == 1 })
	if h.s.State() != Ready {
		t.Errorf("state = %v, want ready", h.s.State())
	}
	if len(h.listener.raised()) != 0 {
		t.Errorf("errors = %+v, want none", h.listener.raised())
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, testBackoff)

	h.s.Connect()
	waitFor(t, "dial", func() bool { return h.dialer.dials() == 1 })
	h.waitState(t, AwaitingSetup)

	h.clock.Advance(time.Minute)
	h.waitState(t, Reconnecting)
	waitFor(t, "transport closed", h.dialer.transport(0).isClosed)
}

func TestInterruptedFlushesPlayback(t *testing.T) {
	h := newHarness(t, testBackoff)
	h.out.block = make(chan struct{})
	tr := h.connectReady(t)

	data := base64.StdEncoding.EncodeToString(make([]byte, 480))
	for i := 0; i < 3; i++ {
		tr.deliver(gemini.ServerContent{Parts: []gemini.Part{{InlineData: &gemini.Blob{MimeType: "audio/pcm;rate=24000", Data: data}}}})
	}
	waitFor(t, "queued", func() bool { return h.s.player.Len() == 2 })

	tr.deliver(gemini.ServerContent{Interrupted: true})
	waitFor(t, "flushed", func() bool { return h.s.player.Len() == 0 })

	if n := h.out.count(); n != 0 {
		t.Errorf("played = %d, want 0", n)
	}
}

// Audio arriving faster than it can be played must not wedge the loop, and a
// user disconnect still goes through.
func TestDisconnectWhilePlaybackOverloaded(t *testing.T) {
	ft := newFloodTransport()
	h := newHarness(t, testBackoff, func(c *Config) {
		c.Dialer = DialerFunc(func(context.Context, string) (Transport, error) { return ft, nil })
		c.MaxBufferedPlayback = 50 * time.Millisecond
	})
	h.out.block = make(chan struct{})

	h.s.Connect()
	h.waitState(t, Ready)
	waitFor(t, "audio flood", func() bool { return ft.served.Load() > 1000 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() = %v, want nil", err)
	}
	h.waitState(t, Disconnected)

	var exhausted int
	for _, e := range h.listener.raised() {
		if e.kind == KindResourceExhaustion {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Errorf("resource exhaustion raised %d times, want once per turn", exhausted)
	}
}

func TestOverloadRaisedAgainAfterTurnComplete(t *testing.T) {
	h := newHarness(t, testBackoff, func(c *Config) {
		c.MaxBufferedPlayback = 50 * time.Millisecond
	})
	h.out.block = make(chan struct{})
	tr := h.connectReady(t)

	audio := gemini.ServerContent{Parts: []gemini.Part{{InlineData: &gemini.Blob{
		MimeType: "audio/pcm;rate=24000",
		Data:     floodChunk,
	}}}}
	countExhausted := func() int {
		n := 0
		for _, e := range h.listener.raised() {
			if e.kind == KindResourceExhaustion {
				n++
			}
		}
		return n
	}

	for i := 0; i < 10; i++ {
		tr.deliver(audio)
	}
	waitFor(t, "first overload", func() bool { return countExhausted() == 1 })

	tr.deliver(gemini.ServerContent{TurnComplete: true})
	for i := 0; i < 10; i++ {
		tr.deliver(audio)
	}
	waitFor(t, "second overload", func() bool { return countExhausted() == 2 })

	time.Sleep(20 * time.Millisecond)
	if n := countExhausted(); n != 2 {
		t.Errorf("resource exhaustion raised %d times, want 2", n)
	}
}

// A silence fire queued behind a stop and restart of the microphone belongs
// to the previous recording and must not cut the new one short.
func TestStaleSilenceFireIgnored(t *testing.T) {
	h := newHarness(t, testBackoff)
	tr := h.connectReady(t)

	h.s.ToggleMic()
	h.waitState(t, Listening)

	h.s.vad.mu.Lock()
	stale := h.s.vad.epoch
	h.s.vad.mu.Unlock()

	h.s.ToggleMic()
	h.s.ToggleMic()
	h.s.post(silenceFired{epoch: stale})
	waitFor(t, "restart", func() bool { return h.mic.startCount() == 2 })
	time.Sleep(20 * time.Millisecond)

	if st := h.s.State(); st != Listening {
		t.Fatalf("state = %v, want listening", st)
	}
	if !h.mic.isRecording() {
		t.Fatal("microphone should still be recording")
	}

	h.mic.feed(make([]byte, 200))
	h.clock.Advance(1300 * time.Millisecond)
	waitFor(t, "utterance", func() bool { return len(tr.sentAudio()) == 1 })
	if n := len(tr.sentAudio()[0]); n != 200 {
		t.Errorf("utterance bytes = %d, want 200", n)
	}
}
