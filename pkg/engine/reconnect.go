package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ericogr/amqp-engine/pkg/amqp"
	"github.com/ericogr/amqp-engine/pkg/buffer"
	"github.com/ericogr/amqp-engine/pkg/transport"
)

const (
	// CooldownDelay is slept after tearing down a live connection.
	CooldownDelay = 1 * time.Second
	// RetryDelay is slept between failed connection attempts.
	RetryDelay = 10 * time.Second
	// livenessFactor is how many heartbeat intervals may pass without any
	// inbound data before the connection is considered dead.
	livenessFactor = 5
)

// reconnect replaces transport, codec and buffer. It retries until a
// connection is established.
func (e *Engine) reconnect() {
	if e.conn != nil {
		e.teardown()
		e.clock.Sleep(CooldownDelay)
	}
	e.state = StateConnecting
	for attempt := 1; ; attempt++ {
		err := e.connect()
		if err == nil {
			break
		}
		e.teardown()
		e.log.Warn().Err(err).Int("attempt", attempt).Str("status", transport.Classify(err).String()).
			Str("host", e.cfg.Host).Int("port", e.cfg.Port).Dur("retry_in", RetryDelay).Msg("connect failed")
		e.clock.Sleep(RetryDelay)
	}
	e.connects++
	e.state = StateConnected
	e.log.Debug().Int("connects", e.connects).Msg("transport connected, handshake pending")
}

// connect dials and queues the handshake and topology on a fresh codec. The
// codec writes synchronously, so only the broker's answers remain to be read
// by Step.
func (e *Engine) connect() error {
	conn, err := e.dial(e.cfg.Host, e.cfg.Port)
	if err != nil {
		return err
	}
	e.conn = conn
	e.failure = nil
	e.heartbeat = time.Duration(e.cfg.Heartbeat) * time.Second
	e.codec = amqp.NewCodec(amqp.ConnectionConfig{
		Username:  e.cfg.Username,
		Password:  e.cfg.Password,
		VHost:     e.cfg.VHost,
		FrameMax:  e.cfg.FrameMax,
		Heartbeat: e.cfg.Heartbeat,
	}, e.handlers())
	ch, err := e.codec.OpenChannel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	e.channel = ch
	if err := e.setupTopology(ch); err != nil {
		return err
	}
	if err := e.takeFailure(); err != nil {
		return err
	}
	e.buf = buffer.New(0, e.cfg.MaxBufferSize)
	e.sized = false
	now := e.clock.Now()
	e.lastReceived = now
	e.lastHeartbeat = now
	return nil
}

// teardown closes the codec first so every channel handed to a ReplyFunc
// stops being usable, then drops the transport.
func (e *Engine) teardown() {
	if e.codec != nil {
		e.codec.Close()
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.log.Debug().Err(err).Msg("close transport")
		}
	}
	e.conn = nil
	e.codec = nil
	e.channel = nil
	e.failure = nil
}

// verifyTimeouts runs on idle steps only. It reports ErrHeartbeatTimeout once
// nothing has arrived for more than five intervals, otherwise it sends a
// heartbeat when one interval has passed since the last one.
func (e *Engine) verifyTimeouts() error {
	if e.heartbeat <= 0 {
		return nil
	}
	now := e.clock.Now()
	if idle := now.Sub(e.lastReceived); idle > livenessFactor*e.heartbeat {
		return errors.Wrapf(ErrHeartbeatTimeout, "nothing received for %s", idle)
	}
	if now.Sub(e.lastHeartbeat) < e.heartbeat || !e.codec.Ready() {
		return nil
	}
	if err := e.codec.Heartbeat(); err != nil {
		return err
	}
	if err := e.takeFailure(); err != nil {
		return err
	}
	e.lastHeartbeat = now
	e.log.Debug().Dur("interval", e.heartbeat).Msg("heartbeat sent")
	return nil
}
