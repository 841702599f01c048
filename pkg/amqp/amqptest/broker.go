// Package amqptest provides a scripted, in-memory AMQP 0-9-1 broker that
// implements transport.Transport. The client writes frames into it and reads
// the broker's answers back, all on the calling goroutine, so tests can drive
// an engine step by step without sockets or timers.
package amqptest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"syscall"

	"github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/ericogr/amqp-engine/pkg/amqp"
	"github.com/ericogr/amqp-engine/pkg/transport"
)

// Config controls what the broker offers during connection.tune.
type Config struct {
	// Heartbeat is the interval proposed in connection.tune, in seconds.
	Heartbeat uint16
	// FrameMax proposed in connection.tune, 0 means amqp.DefaultFrameMax.
	FrameMax uint32
	// ChannelMax proposed in connection.tune.
	ChannelMax uint16
	// MaxRead caps what Available reports, to force frames to arrive in
	// pieces. 0 reports everything that is pending.
	MaxRead int
}

// StartOk is the client's connection.start-ok.
type StartOk struct {
	Properties amqp091.Table
	Mechanism  string
	Response   []byte
	Locale     string
}

// TuneOk is the client's connection.tune-ok.
type TuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

type ExchangeDeclare struct {
	Channel    uint16
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp091.Table
}

type QueueDeclare struct {
	Channel    uint16
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       amqp091.Table
}

type Binding struct {
	Channel  uint16
	Queue    string
	Exchange string
	Key      string
}

type Consumer struct {
	Channel uint16
	Queue   string
	Tag     string
}

// Message is a basic.publish received from the client.
type Message struct {
	Channel    uint16
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Properties amqp.BasicProperties
	Body       []byte
}

type Ack struct {
	Channel  uint16
	Tag      uint64
	Multiple bool
}

// Broker is a single accepted connection. It is not safe for concurrent use.
type Broker struct {
	cfg Config

	in     bytes.Buffer
	out    bytes.Buffer
	header bool
	closed bool
	failed error

	frameMax    uint32
	channels    map[uint16]bool
	publishing  map[uint16]*Message
	remaining   map[uint16]uint64
	deliveryTag uint64
	queueSeq    int

	// Ops lists every method received from the client, in order, as
	// "class.method" names such as "basic.publish".
	Ops []string

	StartOk          *StartOk
	TuneOk           *TuneOk
	VHost            string
	Qos              []uint16
	Exchanges        []ExchangeDeclare
	Queues           []QueueDeclare
	Bindings         []Binding
	Consumers        []Consumer
	Published        []Message
	Acks             []Ack
	BodyFrames       int
	Heartbeats       int
	ClientClosed     bool
	ClientCloseCode  uint16
	CancelOks        []string
	ChannelCloseOks  []uint16
	ConnectionCloses int
}

// NewBroker returns a broker waiting for the client's protocol header.
func NewBroker(cfg Config) *Broker {
	if cfg.FrameMax == 0 {
		cfg.FrameMax = amqp.DefaultFrameMax
	}
	return &Broker{
		cfg:        cfg,
		frameMax:   cfg.FrameMax,
		channels:   map[uint16]bool{},
		publishing: map[uint16]*Message{},
		remaining:  map[uint16]uint64{},
	}
}

// Available reports how many reply bytes are pending.
func (b *Broker) Available() (int, error) {
	if err := b.usable("available"); err != nil {
		return 0, err
	}
	n := b.out.Len()
	if b.cfg.MaxRead > 0 && n > b.cfg.MaxRead {
		n = b.cfg.MaxRead
	}
	return n, nil
}

// Read fills p from the pending reply bytes. Asking for more than is
// pending is an error since a real peer would block forever.
func (b *Broker) Read(p []byte) error {
	if err := b.usable("read"); err != nil {
		return err
	}
	if len(p) > b.out.Len() {
		return &transport.Error{Op: "read", Status: transport.StatusAborted, Err: io.ErrUnexpectedEOF}
	}
	_, err := io.ReadFull(&b.out, p)
	return err
}

// Write feeds client bytes to the broker, which answers synchronously.
func (b *Broker) Write(p []byte) error {
	if err := b.usable("write"); err != nil {
		return err
	}
	b.in.Write(p)
	return b.process()
}

// Close marks the connection closed; later calls fail as aborted.
func (b *Broker) Close() error {
	b.closed = true
	return nil
}

// Closed reports whether the client closed the transport.
func (b *Broker) Closed() bool { return b.closed }

// Fail makes every later transport call return a *transport.Error with
// status.
func (b *Broker) Fail(status transport.Status) {
	b.failed = &transport.Error{Op: "broker", Status: status, Err: syscall.ECONNRESET}
}

// Pending returns the number of reply bytes the client has not read yet.
func (b *Broker) Pending() int { return b.out.Len() }

// Inject queues raw bytes for the client, for malformed-frame tests.
func (b *Broker) Inject(raw []byte) { b.out.Write(raw) }

// SendHeartbeat queues a heartbeat frame.
func (b *Broker) SendHeartbeat() {
	b.send(amqp.Frame{Type: amqp.FrameHeartbeat})
}

// CloseConnection queues a server initiated connection.close.
func (b *Broker) CloseConnection(code uint16, text string) {
	b.sendMethod(0, amqp.ClassConnection, amqp.MethodConnClose, closeArgs(code, text))
}

// CloseChannel queues a server initiated channel.close.
func (b *Broker) CloseChannel(channel uint16, code uint16, text string) {
	b.sendMethod(channel, amqp.ClassChannel, amqp.MethodChannelClose, closeArgs(code, text))
}

// Deliver queues a basic.deliver for the first consumer on queue and
// returns the delivery tag it used.
func (b *Broker) Deliver(queue string, props amqp.BasicProperties, body []byte) (uint64, error) {
	for _, c := range b.Consumers {
		if c.Queue == queue {
			return b.DeliverTo(c, props, body)
		}
	}
	return 0, errors.Errorf("amqptest: no consumer on queue %q", queue)
}

// CancelConsumer sends basic.cancel for c, the notification a broker gives
// when it drops a consumer on its own.
func (b *Broker) CancelConsumer(c Consumer, noWait bool) {
	var bits byte
	if noWait {
		bits = 1
	}
	args := append(amqp.EncodeShortStr(c.Tag), bits)
	b.sendMethod(c.Channel, amqp.ClassBasic, amqp.MethodBasicCancel, args)
}

// DeliverTo queues a basic.deliver for consumer c. The body is split into
// frames that fit the negotiated frame-max.
func (b *Broker) DeliverTo(c Consumer, props amqp.BasicProperties, body []byte) (uint64, error) {
	header, err := amqp.BuildContentHeaderPayload(amqp.ClassBasic, uint64(len(body)), props)
	if err != nil {
		return 0, err
	}
	b.deliveryTag++
	var args bytes.Buffer
	args.Write(amqp.EncodeShortStr(c.Tag))
	args.Write(amqp.EncodeLongLong(b.deliveryTag))
	args.WriteByte(0)
	args.Write(amqp.EncodeShortStr(""))
	args.Write(amqp.EncodeShortStr(c.Queue))
	b.sendMethod(c.Channel, amqp.ClassBasic, amqp.MethodBasicDeliver, args.Bytes())
	b.send(amqp.Frame{Type: amqp.FrameHeader, Channel: c.Channel, Payload: header})
	chunk := int(b.frameMax) - amqp.FrameOverhead
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		b.send(amqp.Frame{Type: amqp.FrameBody, Channel: c.Channel, Payload: body[off:end]})
	}
	return b.deliveryTag, nil
}

func (b *Broker) usable(op string) error {
	if b.failed != nil {
		return b.failed
	}
	if b.closed {
		return &transport.Error{Op: op, Status: transport.StatusAborted, Err: io.ErrClosedPipe}
	}
	return nil
}

func (b *Broker) process() error {
	if !b.header {
		if b.in.Len() < len(amqp.ProtocolHeader) {
			return nil
		}
		hdr := b.in.Next(len(amqp.ProtocolHeader))
		if !bytes.Equal(hdr, amqp.ProtocolHeader) {
			return errors.Errorf("amqptest: bad protocol header %q", hdr)
		}
		b.header = true
		b.sendMethod(0, amqp.ClassConnection, amqp.MethodConnStart, startArgs())
	}
	for b.in.Len() >= amqp.FrameHeaderSize {
		size := binary.BigEndian.Uint32(b.in.Bytes()[3:7])
		if b.in.Len() < int(size)+amqp.FrameOverhead {
			return nil
		}
		f, err := amqp.ReadFrame(&b.in)
		if err != nil {
			return err
		}
		if err := b.handleFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) handleFrame(f amqp.Frame) error {
	switch f.Type {
	case amqp.FrameHeartbeat:
		b.Heartbeats++
		return nil
	case amqp.FrameHeader:
		m, ok := b.publishing[f.Channel]
		if !ok {
			return errors.Errorf("amqptest: content header without publish on channel %d", f.Channel)
		}
		h, err := amqp.ParseContentHeader(f.Payload)
		if err != nil {
			return err
		}
		m.Properties = h.Properties
		b.remaining[f.Channel] = h.BodySize
		b.completePublish(f.Channel)
		return nil
	case amqp.FrameBody:
		m, ok := b.publishing[f.Channel]
		if !ok {
			return errors.Errorf("amqptest: body without publish on channel %d", f.Channel)
		}
		m.Body = append(m.Body, f.Payload...)
		b.BodyFrames++
		b.remaining[f.Channel] -= uint64(len(f.Payload))
		b.completePublish(f.Channel)
		return nil
	case amqp.FrameMethod:
		classID, methodID, args, err := amqp.ParseMethod(f.Payload)
		if err != nil {
			return err
		}
		return b.handleMethod(f.Channel, classID, methodID, args)
	}
	return errors.Errorf("amqptest: unknown frame type %d", f.Type)
}

func (b *Broker) completePublish(channel uint16) {
	if b.remaining[channel] != 0 {
		return
	}
	b.Published = append(b.Published, *b.publishing[channel])
	delete(b.publishing, channel)
	delete(b.remaining, channel)
}

func (b *Broker) handleMethod(channel, classID, methodID uint16, args []byte) error {
	op := methodName(classID, methodID)
	b.Ops = append(b.Ops, op)
	r := amqp.NewArgReader(args)
	switch op {
	case "connection.start-ok":
		s := &StartOk{Properties: r.Table(), Mechanism: r.ShortStr(), Response: r.LongStr(), Locale: r.ShortStr()}
		if r.Err() != nil {
			return r.Err()
		}
		b.StartOk = s
		var tune bytes.Buffer
		tune.Write(amqp.EncodeShort(b.cfg.ChannelMax))
		tune.Write(amqp.EncodeLong(b.cfg.FrameMax))
		tune.Write(amqp.EncodeShort(b.cfg.Heartbeat))
		b.sendMethod(0, amqp.ClassConnection, amqp.MethodConnTune, tune.Bytes())

	case "connection.tune-ok":
		t := &TuneOk{ChannelMax: r.Short(), FrameMax: r.Long(), Heartbeat: r.Short()}
		if r.Err() != nil {
			return r.Err()
		}
		b.TuneOk = t
		if t.FrameMax != 0 && t.FrameMax < b.frameMax {
			b.frameMax = t.FrameMax
		}

	case "connection.open":
		b.VHost = r.ShortStr()
		b.sendMethod(0, amqp.ClassConnection, amqp.MethodConnOpenOk, amqp.EncodeShortStr(""))

	case "connection.close":
		b.ClientClosed = true
		b.ClientCloseCode = r.Short()
		b.sendMethod(0, amqp.ClassConnection, amqp.MethodConnCloseOk, nil)

	case "connection.close-ok":
		b.ConnectionCloses++

	case "channel.open":
		b.channels[channel] = true
		b.sendMethod(channel, amqp.ClassChannel, amqp.MethodChannelOpenOk, amqp.EncodeLongStr(""))

	case "channel.close":
		delete(b.channels, channel)
		b.sendMethod(channel, amqp.ClassChannel, amqp.MethodChannelCloseOk, nil)

	case "channel.close-ok":
		delete(b.channels, channel)
		b.ChannelCloseOks = append(b.ChannelCloseOks, channel)

	case "basic.qos":
		r.Long()
		b.Qos = append(b.Qos, r.Short())
		b.sendMethod(channel, amqp.ClassBasic, amqp.MethodBasicQosOk, nil)

	case "exchange.declare":
		r.Short()
		e := ExchangeDeclare{Channel: channel, Name: r.ShortStr(), Kind: r.ShortStr()}
		bits := r.Octet()
		e.Durable, e.AutoDelete, e.Internal = bits&2 != 0, bits&4 != 0, bits&8 != 0
		e.Args = r.Table()
		if r.Err() != nil {
			return r.Err()
		}
		b.Exchanges = append(b.Exchanges, e)
		if bits&16 == 0 {
			b.sendMethod(channel, amqp.ClassExchange, amqp.MethodExchangeDeclareOk, nil)
		}

	case "queue.declare":
		r.Short()
		q := QueueDeclare{Channel: channel, Name: r.ShortStr()}
		bits := r.Octet()
		q.Durable, q.Exclusive, q.AutoDelete = bits&2 != 0, bits&4 != 0, bits&8 != 0
		q.Args = r.Table()
		if r.Err() != nil {
			return r.Err()
		}
		if q.Name == "" {
			b.queueSeq++
			q.Name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
		}
		b.Queues = append(b.Queues, q)
		if bits&16 == 0 {
			var ok bytes.Buffer
			ok.Write(amqp.EncodeShortStr(q.Name))
			ok.Write(amqp.EncodeLong(0))
			ok.Write(amqp.EncodeLong(0))
			b.sendMethod(channel, amqp.ClassQueue, amqp.MethodQueueDeclareOk, ok.Bytes())
		}

	case "queue.bind":
		r.Short()
		bind := Binding{Channel: channel, Queue: r.ShortStr(), Exchange: r.ShortStr(), Key: r.ShortStr()}
		if r.Err() != nil {
			return r.Err()
		}
		b.Bindings = append(b.Bindings, bind)
		b.sendMethod(channel, amqp.ClassQueue, amqp.MethodQueueBindOk, nil)

	case "basic.consume":
		r.Short()
		c := Consumer{Channel: channel, Queue: r.ShortStr(), Tag: r.ShortStr()}
		if r.Err() != nil {
			return r.Err()
		}
		b.Consumers = append(b.Consumers, c)
		b.sendMethod(channel, amqp.ClassBasic, amqp.MethodBasicConsumeOk, amqp.EncodeShortStr(c.Tag))

	case "basic.cancel-ok":
		tag := r.ShortStr()
		if r.Err() != nil {
			return r.Err()
		}
		b.CancelOks = append(b.CancelOks, tag)

	case "basic.publish":
		r.Short()
		m := &Message{Channel: channel, Exchange: r.ShortStr(), RoutingKey: r.ShortStr()}
		m.Mandatory = r.Octet()&1 != 0
		if r.Err() != nil {
			return r.Err()
		}
		b.publishing[channel] = m

	case "basic.ack":
		a := Ack{Channel: channel, Tag: r.LongLong(), Multiple: r.Octet()&1 != 0}
		if r.Err() != nil {
			return r.Err()
		}
		b.Acks = append(b.Acks, a)

	default:
		return errors.Errorf("amqptest: unsupported method %s", op)
	}
	return nil
}

func (b *Broker) sendMethod(channel, classID, methodID uint16, args []byte) {
	// writes to a bytes.Buffer cannot fail
	_ = amqp.WriteMethod(&b.out, channel, classID, methodID, args)
}

func (b *Broker) send(f amqp.Frame) {
	_ = amqp.WriteFrame(&b.out, f)
}

func startArgs() []byte {
	props, _ := amqp.EncodeTable(amqp091.Table{
		"product": "amqptest",
		"capabilities": amqp091.Table{
			"publisher_confirms": false,
		},
	})
	var buf bytes.Buffer
	buf.WriteByte(0)
	buf.WriteByte(9)
	buf.Write(props)
	buf.Write(amqp.EncodeLongStr("PLAIN"))
	buf.Write(amqp.EncodeLongStr("en_US"))
	return buf.Bytes()
}

func closeArgs(code uint16, text string) []byte {
	var buf bytes.Buffer
	buf.Write(amqp.EncodeShort(code))
	buf.Write(amqp.EncodeShortStr(text))
	buf.Write(amqp.EncodeShort(0))
	buf.Write(amqp.EncodeShort(0))
	return buf.Bytes()
}

var methodNames = map[[2]uint16]string{
	{amqp.ClassConnection, amqp.MethodConnStartOk}:   "connection.start-ok",
	{amqp.ClassConnection, amqp.MethodConnTuneOk}:    "connection.tune-ok",
	{amqp.ClassConnection, amqp.MethodConnOpen}:      "connection.open",
	{amqp.ClassConnection, amqp.MethodConnClose}:     "connection.close",
	{amqp.ClassConnection, amqp.MethodConnCloseOk}:   "connection.close-ok",
	{amqp.ClassChannel, amqp.MethodChannelOpen}:      "channel.open",
	{amqp.ClassChannel, amqp.MethodChannelClose}:     "channel.close",
	{amqp.ClassChannel, amqp.MethodChannelCloseOk}:   "channel.close-ok",
	{amqp.ClassExchange, amqp.MethodExchangeDeclare}: "exchange.declare",
	{amqp.ClassQueue, amqp.MethodQueueDeclare}:       "queue.declare",
	{amqp.ClassQueue, amqp.MethodQueueBind}:          "queue.bind",
	{amqp.ClassBasic, amqp.MethodBasicQos}:           "basic.qos",
	{amqp.ClassBasic, amqp.MethodBasicConsume}:       "basic.consume",
	{amqp.ClassBasic, amqp.MethodBasicCancelOk}:      "basic.cancel-ok",
	{amqp.ClassBasic, amqp.MethodBasicPublish}:       "basic.publish",
	{amqp.ClassBasic, amqp.MethodBasicAck}:           "basic.ack",
}

func methodName(classID, methodID uint16) string {
	if n, ok := methodNames[[2]uint16{classID, methodID}]; ok {
		return n
	}
	return fmt.Sprintf("%d.%d", classID, methodID)
}
