package session

import (
	"context"
	"encoding/base64"
	"mime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/BWC4WIFE/Trans2Thai/internal/metrics"
)

// AudioOutput plays decoded audio. Play blocks until the fragment finished
// playing or ctx is cancelled.
type AudioOutput interface {
	Play(ctx context.Context, pcm []byte, mimeType string) error
}

// Fragment is one inbound audio chunk, still base64-encoded.
type Fragment struct {
	Seq      int
	MimeType string
	Data     string
	Duration time.Duration
}

// PlaybackConfig configures a Scheduler.
type PlaybackConfig struct {
	// MaxBuffered bounds the total duration of queued fragments. Zero means
	// unbounded.
	MaxBuffered time.Duration
	// OnDrop is called from the enqueuing goroutine for each dropped fragment.
	OnDrop func(Fragment)
}

// Scheduler plays fragments strictly in arrival order on its own goroutine.
type Scheduler struct {
	out     AudioOutput
	cfg     PlaybackConfig
	logger  *log.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	queue      []Fragment
	buffered   time.Duration
	seq        int
	flushes    uint64
	playCancel context.CancelFunc
	closed     bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler starts the playback goroutine.
func NewScheduler(out AudioOutput, cfg PlaybackConfig, logger *log.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		out:     out,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue appends a base64 fragment. When the queue would exceed the
// configured duration the oldest queued fragments are dropped.
func (s *Scheduler) Enqueue(mimeType, data string) {
	if data == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	f := Fragment{
		Seq:      s.seq,
		MimeType: mimeType,
		Data:     data,
		Duration: PlaybackDuration(mimeType, decodedLen(data)),
	}

	var dropped []Fragment
	if limit := s.cfg.MaxBuffered; limit > 0 {
		for len(s.queue) > 0 && s.buffered+f.Duration > limit {
			old := s.queue[0]
			s.queue = s.queue[1:]
			s.buffered -= old.Duration
			dropped = append(dropped, old)
		}
	}
	s.queue = append(s.queue, f)
	s.buffered += f.Duration
	n := len(s.queue)
	s.mu.Unlock()

	s.metrics.SetPlaybackQueue(n)
	for _, d := range dropped {
		s.logger.Warn("playback behind, dropping fragment", "seq", d.Seq, "duration", d.Duration)
		s.metrics.FragmentDropped()
		if s.cfg.OnDrop != nil {
			s.cfg.OnDrop(d)
		}
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush discards queued fragments and interrupts the one playing.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.queue = nil
	s.buffered = 0
	s.flushes++
	if s.playCancel != nil {
		s.playCancel()
	}
	s.mu.Unlock()
	s.metrics.SetPlaybackQueue(0)
}

// Len returns the number of queued fragments, excluding the one playing.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops playback and waits for the playback goroutine to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Flush()
	s.cancel()
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		f, gen, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		s.play(f, gen)
	}
}

func (s *Scheduler) next() (Fragment, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.ctx.Err() != nil {
		return Fragment{}, 0, false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	s.buffered -= f.Duration
	return f, s.flushes, true
}

// play decodes and plays f unless a Flush happened since it was dequeued.
func (s *Scheduler) play(f Fragment, gen uint64) {
	pcm, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		s.logger.Warn("undecodable audio fragment", "seq", f.Seq, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.flushes != gen {
		s.mu.Unlock()
		cancel()
		return
	}
	s.playCancel = cancel
	s.mu.Unlock()

	err = s.out.Play(ctx, pcm, f.MimeType)

	s.mu.Lock()
	s.playCancel = nil
	n := len(s.queue)
	s.mu.Unlock()
	cancel()

	s.metrics.SetPlaybackQueue(n)
	switch {
	case ctx.Err() != nil:
		s.logger.Debug("playback interrupted", "seq", f.Seq)
	case err != nil:
		s.logger.Warn("audio output failed", "seq", f.Seq, "err", err)
	default:
		s.metrics.FragmentPlayed()
	}
}

// PlaybackDuration estimates playback time. Raw PCM is 16-bit at the rate
// named in the MIME parameters; other encodings assume 128 kbit/s.
func PlaybackDuration(mimeType string, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	bytesPerSecond := 16000

	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err == nil && (mediaType == "audio/pcm" || mediaType == "audio/l16") {
		rate := 24000
		if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
			rate = r
		}
		channels := 1
		if c, err := strconv.Atoi(params["channels"]); err == nil && c > 0 {
			channels = c
		}
		bytesPerSecond = rate * channels * 2
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

func decodedLen(data string) int {
	n := len(data) / 4 * 3
	n -= strings.Count(data[max(0, len(data)-2):], "=")
	return n
}
