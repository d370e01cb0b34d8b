package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// DefaultURL is the BidiGenerateContent websocket endpoint.
const DefaultURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// DefaultInputMimeType describes microphone audio: 16-bit little-endian mono PCM.
const DefaultInputMimeType = "audio/pcm;rate=16000"

// DialerConfig holds configuration for connecting to the live service.
type DialerConfig struct {
	URL              string // defaults to DefaultURL
	InputMimeType    string // defaults to DefaultInputMimeType
	HandshakeTimeout time.Duration
}

// Dialer opens live connections.
type Dialer struct {
	url       string
	inputMime string
	ws        *websocket.Dialer
	logger    *log.Logger
}

// NewDialer creates a new Dialer.
func NewDialer(cfg DialerConfig, logger *log.Logger) *Dialer {
	u := cfg.URL
	if u == "" {
		u = DefaultURL
	}
	mime := cfg.InputMimeType
	if mime == "" {
		mime = DefaultInputMimeType
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialer{
		url:       u,
		inputMime: mime,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		logger: logger,
	}
}

// Dial opens a websocket to the service authenticated with apiKey.
func (d *Dialer) Dial(ctx context.Context, apiKey string) (*Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("invalid live url: %w", err)
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()

	conn, resp, err := d.ws.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to live service: %w", err)
	}

	return &Conn{
		conn:      conn,
		inputMime: d.inputMime,
		logger:    d.logger,
	}, nil
}

// Conn is one live connection. Sends are serialized; Receive must be called
// from a single goroutine.
type Conn struct {
	conn      *websocket.Conn
	inputMime string
	logger    *log.Logger

	mu        sync.Mutex
	closeOnce sync.Once
}

// SendSetup sends the setup frame.
func (c *Conn) SendSetup(ctx context.Context, s Setup) error {
	frame, err := EncodeSetup(s)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

// SendAudio submits a complete utterance followed by an end-of-stream marker.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	frame, err := EncodeAudio(c.inputMime, pcm)
	if err != nil {
		return fmt.Errorf("failed to encode audio: %w", err)
	}
	if err := c.write(ctx, frame); err != nil {
		return err
	}
	end, err := EncodeAudioStreamEnd()
	if err != nil {
		return err
	}
	return c.write(ctx, end)
}

// SendText submits typed text as a complete user turn.
func (c *Conn) SendText(ctx context.Context, text string) error {
	frame, err := EncodeText(text)
	if err != nil {
		return fmt.Errorf("failed to encode text: %w", err)
	}
	return c.write(ctx, frame)
}

func (c *Conn) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Receive blocks for the next event. A *ProtocolError means the frame was
// dropped and the caller may keep reading; any other error is terminal.
func (c *Conn) Receive() (Event, error) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, classifyReadError(err)
		}

		ev, err := Decode(msg)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("dropping frame", "err", err)
			}
			return nil, err
		}
		if ev == nil {
			continue
		}
		return ev, nil
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason := strings.ToLower(ce.Text)
		if ce.Code == websocket.ClosePolicyViolation ||
			(ce.Code == websocket.CloseInvalidFramePayloadData && strings.Contains(reason, "api key")) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, ce.Text)
		}
		return fmt.Errorf("connection closed (%d): %w", ce.Code, err)
	}
	return fmt.Errorf("read error: %w", err)
}
