package amqp

import (
	"encoding/binary"
	"fmt"
	"runtime"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned by operations on a closed codec or channel.
var ErrClosed = amqp091.ErrClosed

// ConnectionConfig carries what the client offers during the handshake.
type ConnectionConfig struct {
	Username string
	Password string
	VHost    string
	// FrameMax is the largest frame the client accepts, 0 means DefaultFrameMax.
	FrameMax uint32
	// ChannelMax 0 accepts whatever the server offers.
	ChannelMax uint16
	// Heartbeat is used when no OnHeartbeatNegotiate hook is set.
	Heartbeat uint16
	// Properties are sent as client-properties in connection.start-ok.
	Properties amqp091.Table
}

// ConnectionHandlers receives connection level events from the codec. Every
// callback runs synchronously inside Parse or the operation that caused it.
type ConnectionHandlers struct {
	// OnData receives bytes that must be written to the peer, in order.
	OnData func(data []byte)
	// OnReady fires once connection.open-ok arrives.
	OnReady func()
	// OnError reports a channel or connection failure raised by the server.
	OnError func(err error)
	// OnClosed fires when the connection is closed by either side's close
	// handshake.
	OnClosed func()
	// OnHeartbeatNegotiate receives the server's proposed interval in
	// seconds and returns the interval to send back in tune-ok.
	OnHeartbeatNegotiate func(proposed uint16) uint16
	// OnHeartbeat fires for every heartbeat frame received.
	OnHeartbeat func()
}

type connState int

const (
	connAwaitStart connState = iota
	connAwaitTune
	connAwaitOpenOk
	connOpen
	connClosed
)

// Codec is an incremental AMQP 0-9-1 client protocol engine. Bytes read from
// the peer are handed to Parse; bytes to send come out of OnData. It does no
// IO of its own and is not safe for concurrent use.
type Codec struct {
	cfg      ConnectionConfig
	h        ConnectionHandlers
	state    connState
	frameMax uint32
	expected int

	channels    map[uint16]*Channel
	order       []uint16
	nextChannel uint16
}

// NewCodec creates a codec and immediately emits the protocol header.
func NewCodec(cfg ConnectionConfig, h ConnectionHandlers) *Codec {
	if cfg.FrameMax == 0 {
		cfg.FrameMax = DefaultFrameMax
	}
	if cfg.FrameMax < FrameMinSize {
		cfg.FrameMax = FrameMinSize
	}
	c := &Codec{
		cfg:      cfg,
		h:        h,
		frameMax: cfg.FrameMax,
		expected: FrameOverhead,
		channels: map[uint16]*Channel{},
	}
	c.emit(ProtocolHeader)
	return c
}

// ExpectedBytes is the number of bytes Parse needs to make progress: a bare
// frame overhead between frames, the whole frame once its header is known.
func (c *Codec) ExpectedBytes() int { return c.expected }

// MaxFrameSize returns the negotiated frame-max, or the client offer before
// the server's tune arrives.
func (c *Codec) MaxFrameSize() int { return int(c.frameMax) }

// Ready reports whether the connection handshake has completed.
func (c *Codec) Ready() bool { return c.state == connOpen }

// Closed reports whether the codec has been closed.
func (c *Codec) Closed() bool { return c.state == connClosed }

// Parse consumes as many complete frames from buf as it holds and returns
// the number of bytes used. Partial frames are left in buf; ExpectedBytes
// then reports the size required. buf is never retained.
func (c *Codec) Parse(buf []byte) (int, error) {
	if c.state == connClosed {
		return 0, ErrClosed
	}
	consumed := 0
	for c.state != connClosed {
		rest := buf[consumed:]
		if len(rest) < FrameHeaderSize {
			c.expected = FrameOverhead
			return consumed, nil
		}
		size := binary.BigEndian.Uint32(rest[3:7])
		total := int(size) + FrameOverhead
		if total > int(c.frameMax) {
			return consumed, protocolError(amqp091.FrameError, "frame size %d exceeds frame-max %d", total, c.frameMax)
		}
		if len(rest) < total {
			c.expected = total
			return consumed, nil
		}
		if rest[total-1] != FrameEnd {
			return consumed, protocolError(amqp091.FrameError, "invalid frame end 0x%02x", rest[total-1])
		}
		f := Frame{
			Type:    rest[0],
			Channel: binary.BigEndian.Uint16(rest[1:3]),
			Payload: append([]byte(nil), rest[FrameHeaderSize:total-1]...),
		}
		consumed += total
		c.expected = FrameOverhead
		if err := c.handleFrame(f); err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}

func (c *Codec) handleFrame(f Frame) error {
	switch f.Type {
	case FrameHeartbeat:
		if f.Channel != 0 {
			return protocolError(amqp091.CommandInvalid, "heartbeat on channel %d", f.Channel)
		}
		if c.h.OnHeartbeat != nil {
			c.h.OnHeartbeat()
		}
		return nil
	case FrameMethod:
		classID, methodID, args, err := ParseMethod(f.Payload)
		if err != nil {
			return protocolError(amqp091.FrameError, "%v", err)
		}
		logger.Debug().Uint16("chan", f.Channel).Int("class", int(classID)).Int("method", int(methodID)).Int("args", len(args)).Msg("recv method")
		if f.Channel == 0 {
			return c.handleConnectionMethod(classID, methodID, args)
		}
		ch, ok := c.channels[f.Channel]
		if !ok {
			return protocolError(amqp091.ChannelError, "method on unknown channel %d", f.Channel)
		}
		return ch.handleMethod(classID, methodID, args)
	case FrameHeader, FrameBody:
		ch, ok := c.channels[f.Channel]
		if !ok {
			return protocolError(amqp091.ChannelError, "content on unknown channel %d", f.Channel)
		}
		return ch.handleContent(f)
	default:
		return protocolError(amqp091.FrameError, "unknown frame type %d", f.Type)
	}
}

func (c *Codec) handleConnectionMethod(classID, methodID uint16, args []byte) error {
	if classID != ClassConnection {
		return protocolError(amqp091.CommandInvalid, "class %d on channel 0", classID)
	}
	switch methodID {
	case MethodConnStart:
		if c.state != connAwaitStart {
			return protocolError(amqp091.UnexpectedFrame, "connection.start in state %d", c.state)
		}
		r := NewArgReader(args)
		major, minor := r.Octet(), r.Octet()
		r.Table()
		mechanisms := r.LongStr()
		if r.err != nil {
			return protocolError(amqp091.SyntaxError, "connection.start: %v", r.err)
		}
		logger.Debug().Int("major", int(major)).Int("minor", int(minor)).Str("mechanisms", string(mechanisms)).Msg("connection.start")
		startOk, err := buildStartOkArgs(c.clientProperties(), c.cfg.Username, c.cfg.Password)
		if err != nil {
			return err
		}
		c.state = connAwaitTune
		c.sendMethod(0, ClassConnection, MethodConnStartOk, startOk)
		return nil

	case MethodConnTune:
		if c.state != connAwaitTune {
			return protocolError(amqp091.UnexpectedFrame, "connection.tune in state %d", c.state)
		}
		r := NewArgReader(args)
		channelMax, frameMax, heartbeat := r.Short(), r.Long(), r.Short()
		if r.err != nil {
			return protocolError(amqp091.SyntaxError, "connection.tune: %v", r.err)
		}
		c.frameMax = pickLong(c.cfg.FrameMax, frameMax)
		if c.frameMax < FrameMinSize {
			c.frameMax = FrameMinSize
		}
		channelMax = pickShort(c.cfg.ChannelMax, channelMax)
		accepted := c.cfg.Heartbeat
		if c.h.OnHeartbeatNegotiate != nil {
			accepted = c.h.OnHeartbeatNegotiate(heartbeat)
		}
		logger.Debug().Uint32("frame_max", c.frameMax).Uint16("channel_max", channelMax).Uint16("heartbeat", accepted).Msg("connection.tune")
		c.state = connAwaitOpenOk
		c.sendMethod(0, ClassConnection, MethodConnTuneOk, buildTuneOkArgs(channelMax, c.frameMax, accepted))
		c.sendMethod(0, ClassConnection, MethodConnOpen, buildOpenArgs(c.cfg.VHost))
		return nil

	case MethodConnOpenOk:
		if c.state != connAwaitOpenOk {
			return protocolError(amqp091.UnexpectedFrame, "connection.open-ok in state %d", c.state)
		}
		c.state = connOpen
		for _, id := range c.order {
			c.sendMethod(id, ClassChannel, MethodChannelOpen, EncodeShortStr(""))
		}
		if c.h.OnReady != nil {
			c.h.OnReady()
		}
		return nil

	case MethodConnClose:
		r := NewArgReader(args)
		code := r.Short()
		text := r.ShortStr()
		failedClass, failedMethod := r.Short(), r.Short()
		logger.Debug().Int("reply_code", int(code)).Str("reply_text", text).Int("class", int(failedClass)).Int("method", int(failedMethod)).Msg("recv connection.close")
		c.sendMethod(0, ClassConnection, MethodConnCloseOk, nil)
		c.shutdown()
		if c.h.OnError != nil {
			c.h.OnError(&amqp091.Error{Code: int(code), Reason: text, Server: true})
		}
		if c.h.OnClosed != nil {
			c.h.OnClosed()
		}
		return nil

	case MethodConnCloseOk:
		c.shutdown()
		if c.h.OnClosed != nil {
			c.h.OnClosed()
		}
		return nil
	}
	logger.Debug().Int("method", int(methodID)).Msg("ignoring connection method")
	return nil
}

// OpenChannel allocates the next channel. Operations issued before the
// server confirms the channel are buffered and sent in order afterwards.
func (c *Codec) OpenChannel() (*Channel, error) {
	if c.state == connClosed {
		return nil, ErrClosed
	}
	c.nextChannel++
	ch := newChannel(c, c.nextChannel)
	c.channels[ch.id] = ch
	c.order = append(c.order, ch.id)
	if c.state == connOpen {
		c.sendMethod(ch.id, ClassChannel, MethodChannelOpen, EncodeShortStr(""))
	}
	return ch, nil
}

// Heartbeat sends a heartbeat frame.
func (c *Codec) Heartbeat() error {
	if c.state == connClosed {
		return ErrClosed
	}
	c.send(Frame{Type: FrameHeartbeat})
	return nil
}

// Close sends connection.close when the handshake has progressed far enough
// and invalidates every channel. It does not wait for close-ok.
func (c *Codec) Close() error {
	if c.state == connClosed {
		return nil
	}
	if c.state != connAwaitStart {
		c.sendMethod(0, ClassConnection, MethodConnClose, buildCloseArgs(ReplySuccess, "goodbye", 0, 0))
	}
	c.shutdown()
	return nil
}

func (c *Codec) shutdown() {
	c.state = connClosed
	for _, id := range c.order {
		c.channels[id].invalidate()
	}
}

func (c *Codec) clientProperties() amqp091.Table {
	props := amqp091.Table{
		"product":  "amqp-engine",
		"platform": "Go " + runtime.Version(),
		"capabilities": amqp091.Table{
			"connection.blocked":     false,
			"consumer_cancel_notify": true,
		},
	}
	for k, v := range c.cfg.Properties {
		props[k] = v
	}
	return props
}

func (c *Codec) sendMethod(channel uint16, classID, methodID uint16, args []byte) {
	logger.Debug().Uint16("chan", channel).Int("class", int(classID)).Int("method", int(methodID)).Msg("send method")
	c.send(Frame{Type: FrameMethod, Channel: channel, Payload: MethodPayload(classID, methodID, args)})
}

func (c *Codec) send(frames ...Frame) {
	var out []byte
	for _, f := range frames {
		out = AppendFrame(out, f)
	}
	c.emit(out)
}

func (c *Codec) emit(b []byte) {
	if c.h.OnData != nil && len(b) > 0 {
		c.h.OnData(b)
	}
}

// pickLong returns the smaller non-zero value; zero means "no limit".
func pickLong(client, server uint32) uint32 {
	if client == 0 || (server != 0 && server < client) {
		return server
	}
	return client
}

func pickShort(client, server uint16) uint16 {
	if client == 0 || (server != 0 && server < client) {
		return server
	}
	return client
}

func protocolError(code int, format string, args ...interface{}) error {
	return &amqp091.Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}
