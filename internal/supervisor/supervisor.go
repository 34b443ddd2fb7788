// Package supervisor owns the single live connection of a chat session and
// reconnects it with exponential backoff when it drops.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"ephemeral-chat/internal/loop"
	"ephemeral-chat/internal/timers"
	"ephemeral-chat/internal/wire"
)

// Defaults match what the chat UI has always used.
const (
	DefaultBackoffBase  = time.Second
	DefaultBackoffCap   = 15 * time.Second
	DefaultMaxAttempts  = 5
	DefaultGrace        = 750 * time.Millisecond
	DefaultPingInterval = 25 * time.Second
	DefaultReadTimeout  = 60 * time.Second
)

const (
	keyPrefix    = "supervisor:"
	pingKey      = keyPrefix + "ping"
	graceKey     = keyPrefix + "grace"
	reconnectKey = keyPrefix + "reconnect"
)

// ErrAttemptsExhausted is passed to OnFatal when the retry budget runs out.
var ErrAttemptsExhausted = errors.New("supervisor: reconnect attempts exhausted")

var errJoinNotQueued = errors.New("supervisor: join frame not queued")

// Config describes where to connect and how hard to try.
type Config struct {
	URL    string
	Header http.Header

	// Join is sent on every successful open.
	Join wire.Frame

	BackoffBase  time.Duration
	BackoffCap   time.Duration
	MaxAttempts  int           // negative means retry forever
	Grace        time.Duration // negative disables the grace window
	PingInterval time.Duration
	ReadTimeout  time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case c.Grace == 0:
		c.Grace = DefaultGrace
	case c.Grace < 0:
		c.Grace = 0
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Callbacks receive everything the supervisor reports. They run on the
// session loop, in order.
type Callbacks struct {
	OnStatus func(Status)
	OnFrame  func([]byte)
	OnFatal  func(error)
}

// Supervisor keeps at most one connection alive. Every method must be called
// on the session loop it was built with.
type Supervisor struct {
	cfg     Config
	cb      Callbacks
	loop    *loop.Loop
	timers  *timers.Registry
	backoff *backoff.ExponentialBackOff
	log     *slog.Logger

	status  Status
	attempt int
	stopped bool

	// gen identifies the current connection attempt. Events from an older
	// generation come from a detached connection and are dropped.
	gen        uint64
	conn       *connection
	cancelDial context.CancelFunc
}

// New builds a supervisor in StatusConnecting. Nothing is dialed until Start.
func New(cfg Config, cb Callbacks, l *loop.Loop, registry *timers.Registry) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		cfg:     cfg,
		cb:      cb,
		loop:    l,
		timers:  registry,
		backoff: newBackoff(cfg.BackoffBase, cfg.BackoffCap),
		log:     cfg.Logger.With("component", "supervisor"),
		status:  StatusConnecting,
	}
}

// newBackoff yields base, 2*base, 4*base, ... capped at limit, with no jitter.
func newBackoff(base, limit time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         limit,
	}
	b.Reset()
	return b
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	return s.status
}

// Attempt returns the number of reconnects scheduled since the last open.
func (s *Supervisor) Attempt() int {
	return s.attempt
}

// Connected reports whether frames can be sent right now.
func (s *Supervisor) Connected() bool {
	return s.conn != nil && s.status == StatusConnected
}

// Start opens a connection unless one is open or being dialed.
func (s *Supervisor) Start() {
	if s.stopped || s.conn != nil || s.cancelDial != nil {
		return
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel

	s.log.Debug("dialing", "url", s.cfg.URL, "gen", gen, "attempt", s.attempt)
	go func() {
		ws, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		if !s.loop.Post(func() { s.opened(gen, ws, err) }) && ws != nil {
			ws.Close()
		}
	}()
}

func (s *Supervisor) opened(gen uint64, ws *websocket.Conn, err error) {
	if gen != s.gen || s.stopped {
		if ws != nil {
			ws.Close()
		}
		return
	}
	s.cancelDial()
	s.cancelDial = nil
	if err != nil {
		s.log.Warn("dial failed", "gen", gen, "error", err)
		s.lost(gen, err)
		return
	}

	conn := newConnection(ws, s.cfg.ReadTimeout)
	s.conn = conn
	// The join is queued before the pumps start so it is the first frame out.
	if !s.Send(s.cfg.Join) {
		if s.conn == conn {
			s.lost(gen, errJoinNotQueued)
		}
		return
	}
	conn.start(
		func(data []byte) {
			s.loop.Post(func() { s.received(gen, data) })
		},
		func(err error) {
			s.loop.Post(func() { s.lost(gen, err) })
		},
	)

	s.attempt = 0
	s.backoff.Reset()
	s.timers.Clear(graceKey)
	s.setStatus(StatusConnected)
	s.log.Info("connected", "gen", gen)

	s.timers.Interval(pingKey, s.cfg.PingInterval, func() {
		if s.status == StatusConnected {
			s.Send(wire.Ping())
		}
	})
}

func (s *Supervisor) received(gen uint64, data []byte) {
	if gen != s.gen || s.stopped {
		return
	}
	if s.cb.OnFrame != nil {
		s.cb.OnFrame(data)
	}
}

// lost handles a connection that ended without Stop: retry after a backoff
// delay, or give up once the attempt budget is spent.
func (s *Supervisor) lost(gen uint64, err error) {
	if gen != s.gen || s.stopped {
		return
	}
	s.detach(0)

	if s.cfg.MaxAttempts > 0 && s.attempt >= s.cfg.MaxAttempts {
		s.log.Error("giving up", "attempts", s.attempt, "error", err)
		s.stopped = true
		s.timers.ClearPrefix(keyPrefix)
		s.setStatus(StatusDisconnected)
		if s.cb.OnFatal != nil {
			s.cb.OnFatal(ErrAttemptsExhausted)
		}
		return
	}

	delay := s.backoff.NextBackOff()
	s.attempt++
	s.log.Warn("connection lost", "gen", gen, "attempt", s.attempt, "retry_in", delay, "error", err)
	s.timers.Timeout(reconnectKey, delay, s.Start)

	// Sub-second blips should not flash a reconnect indicator.
	if s.status != StatusReconnecting && !s.timers.Pending(graceKey) {
		if s.cfg.Grace > 0 {
			s.timers.Timeout(graceKey, s.cfg.Grace, func() {
				s.setStatus(StatusReconnecting)
			})
		} else {
			s.setStatus(StatusReconnecting)
		}
	}
}

// Send queues one frame on the live connection. Without one it does nothing
// and reports false.
func (s *Supervisor) Send(f wire.Frame) bool {
	if s.conn == nil {
		return false
	}
	data, err := wire.Encode(f)
	if err != nil {
		s.log.Error("encode frame", "type", f.Type, "error", err)
		return false
	}
	if err := s.conn.enqueue(data); err != nil {
		s.lost(s.gen, err)
		return false
	}
	return true
}

// Stop closes the session for good. Pending timers are cancelled and event
// handlers detached before the socket closes, so nothing fires afterwards.
// An open connection gets a leave frame first. Stop is idempotent.
func (s *Supervisor) Stop() {
	if s.stopped && s.conn == nil && s.cancelDial == nil {
		return
	}
	s.stopped = true
	s.timers.ClearPrefix(keyPrefix)
	if s.conn != nil {
		if data, err := wire.Encode(wire.Leave()); err == nil {
			s.conn.enqueue(data)
		}
	}
	s.detach(closeWait)
	s.setStatus(StatusDisconnected)
	s.log.Info("stopped")
}

// detach cancels any dial, stops the keep-alive and closes the current
// connection. Bumping gen turns every event still in flight for it stale.
func (s *Supervisor) detach(wait time.Duration) {
	s.gen++
	s.timers.Clear(pingKey)
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.conn != nil {
		s.conn.close(wait)
		s.conn = nil
	}
}

func (s *Supervisor) setStatus(next Status) {
	if next == s.status {
		return
	}
	s.log.Debug("status", "from", s.status, "to", next)
	s.status = next
	if s.cb.OnStatus != nil {
		s.cb.OnStatus(next)
	}
}
