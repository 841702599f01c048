// Package engine drives a single AMQP 0-9-1 connection from the caller's
// goroutine. Step reads what the transport has available, feeds it to the
// codec and dispatches completed deliveries to the queue handlers. Every
// failure is logged and answered with a reconnect; nothing is returned to
// the caller.
//
// An Engine is not safe for concurrent use. New, Step, Run, Close and every
// ReplyFunc must be called from the same goroutine.
package engine

import (
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ericogr/amqp-engine/pkg/amqp"
	"github.com/ericogr/amqp-engine/pkg/buffer"
	"github.com/ericogr/amqp-engine/pkg/transport"
)

// State is the connection state of an Engine.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrHeartbeatTimeout means nothing arrived for five heartbeat intervals.
	ErrHeartbeatTimeout = errors.New("engine: heartbeat timeout")
	// ErrChannelClosed is logged when a reply targets a channel that was
	// replaced by a reconnect.
	ErrChannelClosed = errors.New("engine: channel closed")
	// errConnectionClosed is recorded when the codec reports a close we did
	// not ask for.
	errConnectionClosed = errors.New("engine: connection closed")
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for liveness checks and reconnect
// delays.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dial = d }
}

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithExchanges declares exchanges on every connect, before the queues.
func WithExchanges(exchanges ...ExchangeConfig) Option {
	return func(e *Engine) { e.exchanges = append(e.exchanges, exchanges...) }
}

// Engine owns one transport, one codec and one receive buffer. All three are
// replaced together on reconnect.
type Engine struct {
	cfg       Config
	queues    []QueueConfig
	exchanges []ExchangeConfig
	clock     clock.Clock
	dial      transport.Dialer
	log       zerolog.Logger

	state   State
	conn    transport.Transport
	codec   *amqp.Codec
	channel *amqp.Channel
	buf     *buffer.Buffer
	sized   bool
	// failure holds the first error raised from a codec callback; Step
	// picks it up once control is back in the loop.
	failure error

	heartbeat     time.Duration
	lastReceived  time.Time
	lastHeartbeat time.Time
	connects      int
}

// New builds an Engine. It does not touch the network; the first Step
// connects.
func New(cfg Config, queues []QueueConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		queues: append([]QueueConfig(nil), queues...),
		clock:  clock.NewClock(),
		dial:   transport.Dial,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, q := range e.queues {
		if int64(q.TTL) > MaxMessageTTL {
			e.log.Warn().Str("queue", q.Name).Int("ttl", q.TTL).Int64("max", MaxMessageTTL).Msg("message ttl capped")
		}
	}
	e.buf = buffer.New(0, e.cfg.MaxBufferSize)
	return e
}

// State returns the current connection state.
func (e *Engine) State() State { return e.state }

// Heartbeat returns the heartbeat interval in use. Zero disables liveness
// checks.
func (e *Engine) Heartbeat() time.Duration { return e.heartbeat }

// LastReceived returns when bytes last arrived from the broker.
func (e *Engine) LastReceived() time.Time { return e.lastReceived }

// LastHeartbeat returns when a heartbeat was last sent.
func (e *Engine) LastHeartbeat() time.Time { return e.lastHeartbeat }

// Buffer exposes the receive buffer for inspection.
func (e *Engine) Buffer() *buffer.Buffer { return e.buf }

// Connects returns how many connections have been established.
func (e *Engine) Connects() int { return e.connects }

// Step performs one unit of work and reports whether it made progress. A
// false return means the caller may idle before stepping again.
func (e *Engine) Step() bool {
	switch e.state {
	case StateClosed:
		return false
	case StateUninitialized:
		e.reconnect()
		return true
	}
	progress, err := e.step()
	if err != nil {
		e.log.Error().Err(err).Str("status", transport.Classify(err).String()).Msg("connection failed, reconnecting")
		e.state = StateError
		e.reconnect()
		return false
	}
	return progress
}

// Run calls Step until idle returns false. idle runs after every step that
// made no progress. A nil idle never stops.
func (e *Engine) Run(idle func() bool) {
	for e.state != StateClosed {
		if e.Step() {
			continue
		}
		if idle != nil && !idle() {
			return
		}
	}
}

// Close sends connection.close and closes the transport. The engine cannot
// be used afterwards.
func (e *Engine) Close() error {
	if e.state == StateClosed {
		return nil
	}
	var err error
	if e.codec != nil {
		e.codec.Close()
	}
	if e.conn != nil {
		err = e.conn.Close()
	}
	e.conn = nil
	e.codec = nil
	e.channel = nil
	e.state = StateClosed
	return errors.Wrap(err, "close transport")
}

func (e *Engine) step() (bool, error) {
	if err := e.takeFailure(); err != nil {
		return false, err
	}
	// Size for two negotiated frames once tune is done; the handshake
	// itself only grows the buffer by the shortfall.
	if !e.sized && e.codec.Ready() {
		target := min(2*e.codec.MaxFrameSize(), e.buf.Limit())
		if n := target - e.buf.WriteOffset(); n > 0 {
			if err := e.buf.Grow(n); err != nil {
				return false, errors.Wrap(err, "size receive buffer")
			}
		}
		e.sized = true
	}

	expected := e.codec.ExpectedBytes()
	idle := false
	if short := expected - e.buf.Len(); short > 0 {
		if err := e.buf.Grow(short); err != nil {
			return false, errors.Wrap(err, "grow receive buffer")
		}
		avail, err := e.conn.Available()
		if err != nil {
			return false, err
		}
		if n := min(avail, short); n > 0 {
			if err := e.conn.Read(e.buf.Free()[:n]); err != nil {
				return false, err
			}
			if err := e.buf.Commit(n); err != nil {
				return false, err
			}
			e.lastReceived = e.clock.Now()
		} else {
			idle = true
		}
	}

	parsed := 0
	if n := min(expected, e.buf.Len()); n > 0 {
		used, err := e.codec.Parse(e.buf.Unread()[:n])
		if cerr := e.buf.Consume(used); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return false, errors.Wrap(err, "parse")
		}
		e.buf.Compact()
		parsed = used
	}
	if err := e.takeFailure(); err != nil {
		return false, err
	}

	if parsed == 0 && idle {
		return false, e.verifyTimeouts()
	}
	return true, nil
}

// fail records err unless an earlier failure is already pending.
func (e *Engine) fail(err error) {
	if e.failure == nil {
		e.failure = err
	}
}

func (e *Engine) takeFailure() error {
	err := e.failure
	e.failure = nil
	return err
}

func (e *Engine) handlers() amqp.ConnectionHandlers {
	return amqp.ConnectionHandlers{
		OnData: func(data []byte) {
			if e.conn == nil {
				return
			}
			if err := e.conn.Write(data); err != nil {
				e.fail(errors.Wrap(err, "write"))
			}
		},
		OnReady: func() {
			e.log.Info().Str("host", e.cfg.Host).Int("port", e.cfg.Port).Str("vhost", e.cfg.VHost).
				Int("frame_max", e.codec.MaxFrameSize()).Dur("heartbeat", e.heartbeat).Msg("connected")
		},
		OnError: func(err error) {
			e.fail(err)
		},
		OnClosed: func() {
			e.fail(errConnectionClosed)
		},
		OnHeartbeatNegotiate: func(proposed uint16) uint16 {
			e.heartbeat = time.Duration(proposed) * time.Second
			return proposed
		},
		OnHeartbeat: func() {
			e.log.Debug().Msg("heartbeat received")
		},
	}
}
