package amqp

import (
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Delivery is a message pushed to a consumer.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  BasicProperties
	Body        []byte
}

// ReplyTo is a shortcut for Properties.ReplyTo.
func (d Delivery) ReplyTo() string { return d.Properties.ReplyTo }

// CorrelationId is a shortcut for Properties.CorrelationId.
func (d Delivery) CorrelationId() string { return d.Properties.CorrelationId }

// expectation is a pending synchronous reply. Replies on a channel arrive in
// request order, so they are matched first-in first-out.
type expectation struct {
	classID  uint16
	methodID uint16
	fn       func(r *ArgReader) error
}

// incoming tracks a delivery or return whose content is still arriving.
type incoming struct {
	returned   bool
	replyCode  uint16
	replyText  string
	delivery   Delivery
	haveHeader bool
	bodySize   uint64
}

// Channel is one AMQP channel on a Codec.
type Channel struct {
	c       *Codec
	id      uint16
	open    bool
	closed  bool
	pending []func()
	waiting []expectation

	consumers map[string]func(Delivery)
	nextTag   int
	msg       *incoming
}

func newChannel(c *Codec, id uint16) *Channel {
	return &Channel{c: c, id: id, consumers: map[string]func(Delivery){}}
}

// ID returns the channel number.
func (ch *Channel) ID() uint16 { return ch.id }

// Usable reports whether operations on the channel can still reach the
// server. It turns false once the channel or its connection closes.
func (ch *Channel) Usable() bool { return !ch.closed }

// SetQos limits unacknowledged deliveries on this channel.
func (ch *Channel) SetQos(prefetchCount uint16) error {
	return ch.call(ClassBasic, MethodBasicQos, buildQosArgs(prefetchCount, false),
		ClassBasic, MethodBasicQosOk, nil)
}

// DeclareExchange issues exchange.declare. onOk may be nil.
func (ch *Channel) DeclareExchange(name, kind string, flags ExchangeFlags, args amqp091.Table, onOk func()) error {
	a, err := buildExchangeDeclareArgs(name, kind, flags, args)
	if err != nil {
		return err
	}
	if flags.NoWait {
		return ch.call(ClassExchange, MethodExchangeDeclare, a, 0, 0, nil)
	}
	return ch.call(ClassExchange, MethodExchangeDeclare, a, ClassExchange, MethodExchangeDeclareOk,
		func(*ArgReader) error {
			if onOk != nil {
				onOk()
			}
			return nil
		})
}

// DeclareQueue issues queue.declare. onOk receives the queue name assigned by
// the server together with its message and consumer counts.
func (ch *Channel) DeclareQueue(name string, flags QueueFlags, args amqp091.Table, onOk func(name string, messages, consumers uint32)) error {
	a, err := buildQueueDeclareArgs(name, flags, args)
	if err != nil {
		return err
	}
	if flags.NoWait {
		return ch.call(ClassQueue, MethodQueueDeclare, a, 0, 0, nil)
	}
	return ch.call(ClassQueue, MethodQueueDeclare, a, ClassQueue, MethodQueueDeclareOk,
		func(r *ArgReader) error {
			q, messages, consumers := r.ShortStr(), r.Long(), r.Long()
			if r.err != nil {
				return protocolError(amqp091.SyntaxError, "queue.declare-ok: %v", r.err)
			}
			if onOk != nil {
				onOk(q, messages, consumers)
			}
			return nil
		})
}

// BindQueue issues queue.bind. onOk may be nil.
func (ch *Channel) BindQueue(queue, exchange, key string, args amqp091.Table, onOk func()) error {
	a, err := buildQueueBindArgs(queue, exchange, key, args)
	if err != nil {
		return err
	}
	return ch.call(ClassQueue, MethodQueueBind, a, ClassQueue, MethodQueueBindOk,
		func(*ArgReader) error {
			if onOk != nil {
				onOk()
			}
			return nil
		})
}

// Consume subscribes to queue with explicit acknowledgements. fn runs for
// every delivery, inside Parse. The returned tag identifies the consumer.
func (ch *Channel) Consume(queue string, fn func(Delivery)) (string, error) {
	if ch.closed {
		return "", ErrClosed
	}
	ch.nextTag++
	tag := fmt.Sprintf("ctag-%d.%d", ch.id, ch.nextTag)
	args, err := buildConsumeArgs(queue, tag)
	if err != nil {
		return "", err
	}
	ch.consumers[tag] = fn
	err = ch.call(ClassBasic, MethodBasicConsume, args, ClassBasic, MethodBasicConsumeOk,
		func(r *ArgReader) error {
			if got := r.ShortStr(); r.err == nil && got != tag {
				logger.Warn().Str("want", tag).Str("got", got).Msg("consume-ok for unexpected consumer tag")
			}
			return nil
		})
	if err != nil {
		delete(ch.consumers, tag)
		return "", err
	}
	return tag, nil
}

// Publish sends one message. The body is split into frames that fit the
// frame-max negotiated when the message is actually written.
func (ch *Channel) Publish(exchange, key string, props BasicProperties, body []byte, mandatory bool) error {
	if ch.closed {
		return ErrClosed
	}
	header, err := BuildContentHeaderPayload(ClassBasic, uint64(len(body)), props)
	if err != nil {
		return err
	}
	args, err := buildPublishArgs(exchange, key, mandatory)
	if err != nil {
		return err
	}
	method := MethodPayload(ClassBasic, MethodBasicPublish, args)
	body = append([]byte(nil), body...)
	ch.write(func() {
		frames := []Frame{
			{Type: FrameMethod, Channel: ch.id, Payload: method},
			{Type: FrameHeader, Channel: ch.id, Payload: header},
		}
		chunk := int(ch.c.frameMax) - FrameOverhead
		for off := 0; off < len(body); off += chunk {
			end := min(off+chunk, len(body))
			frames = append(frames, Frame{Type: FrameBody, Channel: ch.id, Payload: body[off:end]})
		}
		ch.c.send(frames...)
	})
	return nil
}

// Ack acknowledges deliveryTag.
func (ch *Channel) Ack(deliveryTag uint64, multiple bool) error {
	return ch.call(ClassBasic, MethodBasicAck, buildAckArgs(deliveryTag, multiple), 0, 0, nil)
}

// call writes a method and, when replyClass is non-zero, queues the handler
// for its synchronous reply.
func (ch *Channel) call(classID, methodID uint16, args []byte, replyClass, replyMethod uint16, fn func(r *ArgReader) error) error {
	if ch.closed {
		return ErrClosed
	}
	if replyClass != 0 {
		ch.waiting = append(ch.waiting, expectation{classID: replyClass, methodID: replyMethod, fn: fn})
	}
	ch.write(func() { ch.c.sendMethod(ch.id, classID, methodID, args) })
	return nil
}

func (ch *Channel) write(fn func()) {
	if !ch.open {
		ch.pending = append(ch.pending, fn)
		return
	}
	fn()
}

func (ch *Channel) invalidate() {
	ch.closed = true
	ch.open = false
	ch.pending = nil
	ch.waiting = nil
	ch.msg = nil
}

func (ch *Channel) handleMethod(classID, methodID uint16, args []byte) error {
	switch {
	case classID == ClassChannel && methodID == MethodChannelOpenOk:
		ch.open = true
		pending := ch.pending
		ch.pending = nil
		for _, fn := range pending {
			fn()
		}
		return nil

	case classID == ClassChannel && methodID == MethodChannelClose:
		r := NewArgReader(args)
		code, text := r.Short(), r.ShortStr()
		ch.c.sendMethod(ch.id, ClassChannel, MethodChannelCloseOk, nil)
		ch.invalidate()
		if ch.c.h.OnError != nil {
			ch.c.h.OnError(&amqp091.Error{Code: int(code), Reason: text, Server: true})
		}
		return nil

	case classID == ClassChannel && methodID == MethodChannelCloseOk:
		ch.invalidate()
		return nil

	case classID == ClassBasic && methodID == MethodBasicDeliver:
		if ch.msg != nil {
			return protocolError(amqp091.UnexpectedFrame, "basic.deliver while content pending on channel %d", ch.id)
		}
		r := NewArgReader(args)
		d := Delivery{ConsumerTag: r.ShortStr(), DeliveryTag: r.LongLong()}
		d.Redelivered = r.Octet()&1 == 1
		d.Exchange = r.ShortStr()
		d.RoutingKey = r.ShortStr()
		if r.err != nil {
			return protocolError(amqp091.SyntaxError, "basic.deliver: %v", r.err)
		}
		ch.msg = &incoming{delivery: d}
		return nil

	case classID == ClassBasic && methodID == MethodBasicReturn:
		if ch.msg != nil {
			return protocolError(amqp091.UnexpectedFrame, "basic.return while content pending on channel %d", ch.id)
		}
		r := NewArgReader(args)
		in := &incoming{returned: true, replyCode: r.Short(), replyText: r.ShortStr()}
		in.delivery.Exchange = r.ShortStr()
		in.delivery.RoutingKey = r.ShortStr()
		if r.err != nil {
			return protocolError(amqp091.SyntaxError, "basic.return: %v", r.err)
		}
		ch.msg = in
		return nil

	case classID == ClassBasic && methodID == MethodBasicCancel:
		// consumer_cancel_notify: the broker dropped one of our consumers,
		// for example because its queue was deleted.
		r := NewArgReader(args)
		tag := r.ShortStr()
		noWait := r.Octet()&1 == 1
		if r.err != nil {
			return protocolError(amqp091.SyntaxError, "basic.cancel: %v", r.err)
		}
		delete(ch.consumers, tag)
		if !noWait {
			ch.c.sendMethod(ch.id, ClassBasic, MethodBasicCancelOk, EncodeShortStr(tag))
		}
		logger.Warn().Uint16("chan", ch.id).Str("consumer_tag", tag).Msg("consumer cancelled by broker")
		if ch.c.h.OnError != nil {
			ch.c.h.OnError(&amqp091.Error{Code: amqp091.ChannelError, Reason: "consumer " + tag + " cancelled by broker", Server: true})
		}
		return nil

	case classID == ClassBasic && methodID == MethodBasicAck:
		// publisher confirms are not enabled; nothing to match
		return nil
	}

	if len(ch.waiting) == 0 {
		logger.Debug().Uint16("chan", ch.id).Int("class", int(classID)).Int("method", int(methodID)).Msg("ignoring unsolicited method")
		return nil
	}
	next := ch.waiting[0]
	if next.classID != classID || next.methodID != methodID {
		return protocolError(amqp091.UnexpectedFrame, "expected %d.%d, got %d.%d on channel %d",
			next.classID, next.methodID, classID, methodID, ch.id)
	}
	ch.waiting = ch.waiting[1:]
	if next.fn == nil {
		return nil
	}
	return next.fn(NewArgReader(args))
}

func (ch *Channel) handleContent(f Frame) error {
	if ch.msg == nil {
		return protocolError(amqp091.UnexpectedFrame, "content frame without method on channel %d", ch.id)
	}
	m := ch.msg
	if f.Type == FrameHeader {
		if m.haveHeader {
			return protocolError(amqp091.UnexpectedFrame, "duplicate content header on channel %d", ch.id)
		}
		h, err := ParseContentHeader(f.Payload)
		if err != nil {
			return protocolError(amqp091.FrameError, "content header: %v", err)
		}
		m.haveHeader = true
		m.bodySize = h.BodySize
		m.delivery.Properties = h.Properties
		m.delivery.Body = make([]byte, 0, min(h.BodySize, uint64(MaxFrameSize)))
	} else {
		if !m.haveHeader {
			return protocolError(amqp091.UnexpectedFrame, "body frame before header on channel %d", ch.id)
		}
		m.delivery.Body = append(m.delivery.Body, f.Payload...)
		if uint64(len(m.delivery.Body)) > m.bodySize {
			return protocolError(amqp091.FrameError, "body exceeds declared size %d on channel %d", m.bodySize, ch.id)
		}
	}
	if uint64(len(m.delivery.Body)) < m.bodySize {
		return nil
	}
	ch.msg = nil
	if m.returned {
		logger.Warn().Int("reply_code", int(m.replyCode)).Str("reply_text", m.replyText).
			Str("exchange", m.delivery.Exchange).Str("routing_key", m.delivery.RoutingKey).Msg("message returned by broker")
		return nil
	}
	fn, ok := ch.consumers[m.delivery.ConsumerTag]
	if !ok {
		logger.Warn().Str("consumer_tag", m.delivery.ConsumerTag).Uint64("delivery_tag", m.delivery.DeliveryTag).Msg("delivery for unknown consumer dropped")
		return nil
	}
	fn(m.delivery)
	return nil
}
