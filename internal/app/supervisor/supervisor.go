package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

var ErrConnectionFailed = errors.New("upstream connection failed")

type Config struct {
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64
	MaxDelay    time.Duration
	MaxAttempts int
	OutboxSize  int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 5,
		OutboxSize:  64,
	}
}

// Delay returns the wait before reconnect attempt k (1-based). u in [0,1) picks the jitter
// factor uniformly from [1-Jitter, 1+Jitter].
func (c Config) Delay(k int, u float64) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(k-1))
	d *= 1 - c.Jitter + 2*c.Jitter*u
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Lifecycle is the slice of the session registry the supervisor drives.
type Lifecycle interface {
	MarkConnecting() error
	MarkActive() error
	MarkDegraded(reason string) error
	Close(reason string)
}

type Option func(*Supervisor)

// WithAfter replaces time.After for backoff waits.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Supervisor) { s.after = after }
}

// WithRand replaces the jitter source; it must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(s *Supervisor) { s.rand = fn }
}

// Supervisor keeps one session connected to its upstream. It publishes every upstream
// event, reconnects with backoff and buffers outbound frames while disconnected.
type Supervisor struct {
	sid     domain.SessionID
	session domain.SessionConfig
	cfg     Config
	dialer  core.Dialer
	pub     core.Publisher
	life    Lifecycle

	after func(time.Duration) <-chan time.Time
	rand  func() float64

	mu       sync.Mutex
	conn     core.UpstreamConn // nil while disconnected or replaying
	outbox   []core.Frame
	lossOpen bool
	lost     int

	logger zerolog.Logger
}

func New(sid domain.SessionID, session domain.SessionConfig, cfg Config, dialer core.Dialer,
	pub core.Publisher, life Lifecycle, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	s := &Supervisor{
		sid:     sid,
		session: session.Clone(),
		cfg:     cfg,
		dialer:  dialer,
		pub:     pub,
		life:    life,
		after:   time.After,
		rand:    rand.Float64,
		logger:  log.With().Str("module", "supervisor").Str("sid", string(sid)).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the session until ctx is cancelled or the reconnect budget is exhausted.
// It returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.life.MarkConnecting(); err != nil {
		return err
	}

	initial := true
	for {
		conn, attempts, err := s.dial(ctx, initial)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return s.giveUp(attempts, err)
		}
		if err := s.life.MarkActive(); err != nil {
			_ = conn.Close()
			return err
		}
		if !initial {
			s.logger.Info().Int("attempts", attempts).Msg("upstream reconnected")
			s.publish(domain.NewStateChange(domain.StateKindReconnected, map[string]any{"attempts": attempts}))
		} else {
			s.logger.Info().Msg("upstream connected")
		}
		initial = false

		err = s.replay(ctx, conn)
		if err == nil {
			err = s.receive(ctx, conn)
		}
		s.detach(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn().Err(err).Msg("upstream lost")
		if err := s.life.MarkDegraded(err.Error()); err != nil {
			return err
		}
	}
}

// dial connects, retrying up to MaxAttempts times with backoff. The first try of the
// initial connection is immediate.
func (s *Supervisor) dial(ctx context.Context, immediate bool) (core.UpstreamConn, int, error) {
	var lastErr error
	if immediate {
		conn, err := s.dialer.Dial(ctx, s.sid, s.session)
		if err == nil {
			return conn, 0, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Msg("initial dial failed")
	}

	for k := 1; k <= s.cfg.MaxAttempts; k++ {
		delay := s.cfg.Delay(k, s.rand())
		select {
		case <-s.after(delay):
		case <-ctx.Done():
			return nil, k - 1, ctx.Err()
		}
		conn, err := s.dialer.Dial(ctx, s.sid, s.session)
		if err == nil {
			return conn, k, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", k).Dur("delay", delay).Msg("dial failed")
	}
	if lastErr == nil {
		lastErr = core.ErrTransport
	}
	return nil, s.cfg.MaxAttempts, lastErr
}

func (s *Supervisor) giveUp(attempts int, cause error) error {
	s.logger.Error().Err(cause).Int("attempts", attempts).Msg("reconnect budget exhausted")
	s.publish(domain.NewStateChange(domain.StateKindConnectionFailed, map[string]any{
		"attempts": attempts,
		"error":    cause.Error(),
	}))
	s.life.Close(domain.StateKindConnectionFailed)
	return fmt.Errorf("%w: %w", ErrConnectionFailed, cause)
}

func (s *Supervisor) receive(ctx context.Context, conn core.UpstreamConn) error {
	for {
		ev, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		s.publish(ev)
	}
}

func (s *Supervisor) publish(ev domain.Event) {
	if err := s.pub.Publish(ev); err != nil {
		s.logger.Debug().Err(err).Str("event", string(ev.Type())).Msg("publish rejected")
	}
}

// replay flushes the outbox in order and only then marks conn as current, so frames sent
// during the replay queue up behind it.
func (s *Supervisor) replay(ctx context.Context, conn core.UpstreamConn) error {
	sent := 0
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.conn = conn
			s.lossOpen = false
			s.mu.Unlock()
			if sent > 0 {
				s.logger.Info().Int("frames", sent).Msg("outbox replayed")
			}
			return nil
		}
		f := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.mu.Unlock()

		if err := conn.Send(ctx, f); err != nil {
			s.mu.Lock()
			if len(s.outbox) < s.cfg.OutboxSize {
				s.outbox = append([]core.Frame{f}, s.outbox...)
				s.mu.Unlock()
			} else {
				lossStarted := s.dropLocked()
				s.mu.Unlock()
				s.reportLoss(lossStarted)
			}
			return err
		}
		sent++
	}
}

func (s *Supervisor) detach(conn core.UpstreamConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// Send writes f upstream, or queues it while the session is not connected.
func (s *Supervisor) Send(ctx context.Context, f core.Frame) error {
	f = bytes.Clone(f)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		lossStarted := s.enqueueLocked(f)
		s.mu.Unlock()
		s.reportLoss(lossStarted)
		return nil
	}
	s.mu.Unlock()

	if err := conn.Send(ctx, f); err != nil {
		s.logger.Warn().Err(err).Msg("upstream send failed, queueing")
		s.mu.Lock()
		lossStarted := s.enqueueLocked(f)
		s.mu.Unlock()
		s.reportLoss(lossStarted)
	}
	return nil
}

// enqueueLocked appends f, dropping the oldest frame when full. It reports whether this
// drop opened a new loss episode.
func (s *Supervisor) enqueueLocked(f core.Frame) bool {
	started := false
	if len(s.outbox) >= s.cfg.OutboxSize {
		s.outbox[0] = nil
		s.outbox = s.outbox[1:]
		started = s.dropLocked()
	}
	s.outbox = append(s.outbox, f)
	return started
}

func (s *Supervisor) dropLocked() bool {
	s.lost++
	if s.lossOpen {
		return false
	}
	s.lossOpen = true
	return true
}

func (s *Supervisor) reportLoss(started bool) {
	if !started {
		return
	}
	s.logger.Warn().Int("outbox_size", s.cfg.OutboxSize).Msg("outbox overflow, dropping oldest frames")
	s.publish(domain.NewStateChange(domain.StateKindDataLoss, map[string]any{
		"outbox_size": s.cfg.OutboxSize,
	}))
}

// Connected reports whether frames currently go straight upstream.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Pending returns the number of queued outbound frames.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// Lost returns the number of frames dropped from the outbox so far.
func (s *Supervisor) Lost() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}
