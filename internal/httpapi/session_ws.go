package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BWC4WIFE/Trans2Thai/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait        = 5 * time.Second
	maxFrameSize     = 1 << 20
	disconnectWait   = 5 * time.Second
	closeGracePeriod = time.Second
	outboundQueue    = 256
)

var errClientBackedUp = errors.New("client is not reading")

// Client commands.
const (
	cmdConnect    = "connect"
	cmdDisconnect = "disconnect"
	cmdToggleMic  = "toggle_mic"
	cmdSendText   = "send_text"
)

type clientCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type translationMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	IsUser bool   `json:"is_user"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

type micMessage struct {
	Type      string `json:"type"`
	Recording bool   `json:"recording"`
}

type audioMessage struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // Base64 PCM
}

// clearMessage tells the client to drop audio it has not played yet.
type clearMessage struct {
	Type string `json:"type"`
}

// bridge adapts one websocket to the session's microphone, audio output and
// listener. Binary frames are microphone PCM; text frames are commands.
// Outbound messages go through a queue drained by writeLoop, so callbacks
// from the session loop never wait on the client. A client that lets the
// queue fill up is disconnected.
type bridge struct {
	id     string
	conn   *websocket.Conn
	logger *log.Logger

	out        chan any
	quit       chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
	slowOnce   sync.Once

	micMu     sync.Mutex
	recording bool
	onChunk   func([]byte)

	// report forwards errors to external alerting. Only called from the
	// session loop.
	report         func(message string, kind session.ErrorKind)
	behindReported bool
}

// newBridge starts the writer goroutine. Call stop when done.
func newBridge(id string, conn *websocket.Conn, logger *log.Logger) *bridge {
	b := &bridge{
		id:         id,
		conn:       conn,
		logger:     logger,
		out:        make(chan any, outboundQueue),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go b.writeLoop()
	return b
}

func (r *Router) handleSessionWS(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Session.Dialer == nil || r.cfg.Session.Settings == nil {
		r.logger.Error("session_ws: session dependencies not configured")
		captureError(req, errors.New("session bridge not configured"), "session_ws: configuration error")
		http.Error(w, "translation not configured", http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.sessions.Add(id, cancel); err != nil {
		status := http.StatusConflict
		if errors.Is(err, errDraining) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	defer r.sessions.Done(id)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("session_ws: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	b := newBridge(id, conn, r.logger)
	defer b.stop()

	cfg := r.cfg.Session
	cfg.Mic = b
	cfg.Output = b
	cfg.Listener = b
	sess, err := session.New(cfg)
	if err != nil {
		r.logger.Error("session_ws: failed to create session", "err", err)
		captureError(req, err, "session_ws: session init")
		b.enqueue(errorMessage{Type: "error", Message: "Session could not be started.", Kind: session.KindConnectivity.String()})
		b.flush(closeGracePeriod)
		return
	}
	b.report = func(message string, kind session.ErrorKind) {
		r.reportSessionError(sess.Snapshot().ID, message, kind)
	}

	subject := ""
	if client := getAuthClient(req.Context()); client != nil {
		subject = client.Subject
	}
	r.logger.Info("session_ws: bridge opened", "bridge", id, "client", subject)

	go func() {
		_ = sess.Run(ctx)
	}()
	go func() {
		<-ctx.Done()
		b.close()
	}()

	b.run(ctx, sess)

	cancel()
	<-sess.Done()
	r.logger.Info("session_ws: bridge closed", "bridge", id)
}

// run reads frames until the socket closes.
func (b *bridge) run(ctx context.Context, sess *session.Session) {
	b.conn.SetReadLimit(maxFrameSize)
	for {
		mt, msg, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				b.logger.Info("session_ws: connection closed", "bridge", b.id)
			} else {
				b.logger.Warn("session_ws: read error", "bridge", b.id, "err", err)
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			b.deliver(msg)
		case websocket.TextMessage:
			var cmd clientCommand
			if err := json.Unmarshal(msg, &cmd); err != nil {
				b.logger.Warn("session_ws: failed to parse command", "bridge", b.id, "err", err)
				continue
			}
			b.dispatch(ctx, sess, cmd)
		}
	}
}

func (b *bridge) dispatch(ctx context.Context, sess *session.Session, cmd clientCommand) {
	switch cmd.Type {
	case cmdConnect:
		sess.Connect()
	case cmdToggleMic:
		sess.ToggleMic()
	case cmdSendText:
		sess.SendText(cmd.Text)
	case cmdDisconnect:
		dctx, cancel := context.WithTimeout(ctx, disconnectWait)
		defer cancel()
		if err := sess.Disconnect(dctx); err != nil {
			b.logger.Warn("session_ws: disconnect did not complete", "bridge", b.id, "err", err)
		}
	default:
		b.logger.Warn("session_ws: unknown command", "bridge", b.id, "type", cmd.Type)
		b.enqueue(errorMessage{Type: "error", Message: "Unknown command: " + cmd.Type, Kind: session.KindProtocol.String()})
	}
}

// enqueue queues v for the writer without blocking. When the queue is full
// the client is considered gone and the connection is closed.
func (b *bridge) enqueue(v any) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.out <- v:
		return true
	default:
		b.slowOnce.Do(func() {
			b.logger.Warn("session_ws: client not reading, closing", "bridge", b.id, "queued", len(b.out))
			go b.close()
		})
		return false
	}
}

// writeLoop is the only writer of data frames.
func (b *bridge) writeLoop() {
	defer close(b.writerDone)
	for {
		select {
		case <-b.quit:
			return
		case v := <-b.out:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteJSON(v); err != nil {
				b.logger.Debug("session_ws: write failed", "bridge", b.id, "err", err)
				go b.close()
				return
			}
		}
	}
}

// flush waits up to d for queued messages to be written.
func (b *bridge) flush(d time.Duration) {
	deadline := time.Now().Add(d)
	for len(b.out) > 0 && time.Now().Before(deadline) {
		select {
		case <-b.writerDone:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// stop ends the writer goroutine and waits for it.
func (b *bridge) stop() {
	b.stopOnce.Do(func() { close(b.quit) })
	<-b.writerDone
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(closeGracePeriod))
		_ = b.conn.Close()
	})
}

// deliver hands a microphone chunk to the session while recording.
func (b *bridge) deliver(chunk []byte) {
	b.micMu.Lock()
	fn := b.onChunk
	recording := b.recording
	b.micMu.Unlock()
	if recording && fn != nil {
		fn(chunk)
	}
}

// StartRecording implements session.Microphone.
func (b *bridge) StartRecording() error {
	b.micMu.Lock()
	b.recording = true
	b.micMu.Unlock()
	if !b.enqueue(micMessage{Type: "mic", Recording: true}) {
		b.micMu.Lock()
		b.recording = false
		b.micMu.Unlock()
		return errClientBackedUp
	}
	return nil
}

// StopRecording implements session.Microphone.
func (b *bridge) StopRecording() {
	b.micMu.Lock()
	was := b.recording
	b.recording = false
	b.micMu.Unlock()
	if !was {
		return
	}
	b.enqueue(micMessage{Type: "mic", Recording: false})
}

// OnChunk implements session.Microphone.
func (b *bridge) OnChunk(fn func([]byte)) {
	b.micMu.Lock()
	b.onChunk = fn
	b.micMu.Unlock()
}

// Play implements session.AudioOutput. The fragment is forwarded at once and
// Play returns after its playback duration, so the client never holds more
// than one fragment ahead of the scheduler.
func (b *bridge) Play(ctx context.Context, pcm []byte, mimeType string) error {
	msg := audioMessage{
		Type:     "audio",
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
	if !b.enqueue(msg) {
		return errClientBackedUp
	}

	t := time.NewTimer(session.PlaybackDuration(mimeType, len(pcm)))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		// Barge-in or teardown: stop whatever the client is still playing.
		b.enqueue(clearMessage{Type: "clear"})
		return ctx.Err()
	}
}

// StatusChanged implements session.Listener.
func (b *bridge) StatusChanged(message string) {
	b.enqueue(statusMessage{Type: "status", Message: message})
}

// TranslationAppended implements session.Listener.
func (b *bridge) TranslationAppended(text string, isUser bool) {
	if !b.enqueue(translationMessage{Type: "translation", Text: text, IsUser: isUser}) {
		b.logger.Warn("session_ws: translation not delivered", "bridge", b.id)
	}
}

// ErrorRaised implements session.Listener.
func (b *bridge) ErrorRaised(message string, kind session.ErrorKind) {
	b.enqueue(errorMessage{Type: "error", Message: message, Kind: kind.String()})
	if kind == session.KindResourceExhaustion {
		if b.behindReported {
			return
		}
		b.behindReported = true
	}
	if b.report != nil {
		b.report(message, kind)
	}
}

// reportSessionError forwards session failures that need operator attention.
func (r *Router) reportSessionError(sessionID, message string, kind session.ErrorKind) {
	switch kind {
	case session.KindConnectivity, session.KindProtocol:
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("session_id", sessionID)
			scope.SetTag("kind", kind.String())
			sentry.CaptureMessage(message)
		})
		r.discord.NotifySessionFailed(context.Background(), sessionID, kind.String(), message)
	case session.KindResourceExhaustion:
		r.discord.NotifyPlaybackBehind(context.Background(), sessionID, message)
	}
}
