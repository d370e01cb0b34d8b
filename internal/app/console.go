package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/BWC4WIFE/Trans2Thai/internal/session"
)

const (
	replyTimeout = 60 * time.Second
	replySettle  = 1500 * time.Millisecond
)

var errNoMicrophone = errors.New("no microphone in text mode")

// RunText connects once, translates each text in order and prints the
// transcript to out. Reply audio is written to audio as raw PCM.
func (a *App) RunText(ctx context.Context, texts []string, out, audio io.Writer) error {
	if audio == nil {
		audio = io.Discard
	}
	l := newConsoleListener(out, a.logger)

	cfg := a.SessionConfig()
	cfg.Mic = noMicrophone{}
	cfg.Output = &writerOutput{w: audio}
	cfg.Listener = l
	sess, err := session.New(cfg)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-sess.Done()
	}()
	go func() {
		_ = sess.Run(runCtx)
	}()

	sess.Connect()
	attempts := time.Duration(a.cfg.ReconnectMaxAttempts)
	if err := l.waitReady(ctx, a.cfg.ConnectTimeout*(attempts+1)+a.cfg.ReconnectCap*attempts); err != nil {
		return err
	}

	for _, text := range texts {
		sess.SendText(text)
		if err := l.waitReady(ctx, replyTimeout); err != nil {
			return err
		}
		// Ready arrives with the first reply fragment; let the rest stream in.
		select {
		case <-time.After(replySettle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	return sess.Disconnect(dctx)
}

// consoleListener prints turns and forwards status and fatal errors to the
// caller. Errors the session recovers from are only logged.
type consoleListener struct {
	mu     sync.Mutex
	out    io.Writer
	logger *log.Logger

	status chan string
	errs   chan error
}

func newConsoleListener(out io.Writer, logger *log.Logger) *consoleListener {
	return &consoleListener{
		out:    out,
		logger: logger,
		status: make(chan string, 64),
		errs:   make(chan error, 8),
	}
}

func (l *consoleListener) StatusChanged(message string) {
	select {
	case l.status <- message:
	default:
	}
}

func (l *consoleListener) TranslationAppended(text string, isUser bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := "<"
	if isUser {
		prefix = ">"
	}
	fmt.Fprintf(l.out, "%s %s\n", prefix, text)
}

func (l *consoleListener) ErrorRaised(message string, kind session.ErrorKind) {
	if kind != session.KindAuth && kind != session.KindConnectivity {
		l.logger.Warn("session error", "kind", kind, "message", message)
		return
	}
	select {
	case l.errs <- fmt.Errorf("%s: %s", kind, message):
	default:
	}
}

func (l *consoleListener) waitReady(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case s := <-l.status:
			switch s {
			case session.StatusReady:
				return nil
			case session.StatusNotConnected, session.StatusDisconnected:
				// A fatal error is raised right after the state change.
				select {
				case err := <-l.errs:
					return err
				case <-time.After(100 * time.Millisecond):
				}
				return errors.New("session is not connected")
			}
		case err := <-l.errs:
			return err
		case <-t.C:
			return fmt.Errorf("no reply within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type noMicrophone struct{}

func (noMicrophone) StartRecording() error      { return errNoMicrophone }
func (noMicrophone) StopRecording()             {}
func (noMicrophone) OnChunk(func(chunk []byte)) {}

// writerOutput writes PCM as fast as it arrives.
type writerOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *writerOutput) Play(ctx context.Context, pcm []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.w.Write(pcm)
	return err
}
