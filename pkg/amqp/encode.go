package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ErrShortStrTooLong is returned when a name or property does not fit the
// 255 bytes of a shortstr.
var ErrShortStrTooLong = errors.New("shortstr longer than 255 bytes")

func checkShortStr(ss ...string) error {
	for _, s := range ss {
		if len(s) > 255 {
			return errors.Wrapf(ErrShortStrTooLong, "%d bytes", len(s))
		}
	}
	return nil
}

// encode helpers
func EncodeShort(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
func EncodeLong(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
func EncodeLongLong(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
func EncodeLongStr(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(s)))
	copy(b[4:], []byte(s))
	return b
}

// shortstr: 1-byte length + bytes. Longer strings are cut at 255 bytes;
// the method builders reject them with ErrShortStrTooLong instead.
func EncodeShortStr(s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b := make([]byte, 1+len(s))
	b[0] = byte(len(s))
	copy(b[1:], []byte(s))
	return b
}

// EncodeTable encodes a field table. The table is validated first so only
// types amqp091 would accept reach the wire.
func EncodeTable(t amqp091.Table) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return writeFieldTable(t), nil
}

// writeFieldTable encodes t with sorted keys so output is deterministic.
func writeFieldTable(t map[string]interface{}) []byte {
	var body bytes.Buffer
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body.Write(EncodeShortStr(k))
		writeFieldValue(&body, t[k])
	}
	out := make([]byte, 0, 4+body.Len())
	out = append(out, EncodeLong(uint32(body.Len()))...)
	return append(out, body.Bytes()...)
}

func writeFieldValue(buf *bytes.Buffer, v interface{}) {
	switch v := v.(type) {
	case bool:
		buf.WriteByte('t')
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case byte:
		buf.WriteByte('B')
		buf.WriteByte(v)
	case int8:
		buf.WriteByte('b')
		buf.WriteByte(byte(v))
	case int16:
		buf.WriteByte('s')
		buf.Write(EncodeShort(uint16(v)))
	case int:
		buf.WriteByte('l')
		buf.Write(EncodeLongLong(uint64(v)))
	case int32:
		buf.WriteByte('I')
		buf.Write(EncodeLong(uint32(v)))
	case int64:
		buf.WriteByte('l')
		buf.Write(EncodeLongLong(uint64(v)))
	case float32:
		buf.WriteByte('f')
		buf.Write(EncodeLong(math.Float32bits(v)))
	case float64:
		buf.WriteByte('d')
		buf.Write(EncodeLongLong(math.Float64bits(v)))
	case string:
		buf.WriteByte('S')
		buf.Write(EncodeLongStr(v))
	case []byte:
		buf.WriteByte('x')
		buf.Write(EncodeLong(uint32(len(v))))
		buf.Write(v)
	case amqp091.Decimal:
		buf.WriteByte('D')
		buf.WriteByte(v.Scale)
		buf.Write(EncodeLong(uint32(v.Value)))
	case time.Time:
		buf.WriteByte('T')
		buf.Write(EncodeLongLong(uint64(v.Unix())))
	case amqp091.Table:
		buf.WriteByte('F')
		buf.Write(writeFieldTable(v))
	case map[string]interface{}:
		buf.WriteByte('F')
		buf.Write(writeFieldTable(v))
	case []interface{}:
		var arr bytes.Buffer
		for _, e := range v {
			writeFieldValue(&arr, e)
		}
		buf.WriteByte('A')
		buf.Write(EncodeLong(uint32(arr.Len())))
		buf.Write(arr.Bytes())
	case nil:
		buf.WriteByte('V')
	default:
		// Validate rejects everything else before we get here.
		panic(fmt.Sprintf("amqp: unsupported field value %T", v))
	}
}

// QueueFlags are the bit flags of queue.declare.
type QueueFlags struct {
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
}

func (f QueueFlags) bits() byte {
	var b byte
	if f.Passive {
		b |= 1
	}
	if f.Durable {
		b |= 2
	}
	if f.Exclusive {
		b |= 4
	}
	if f.AutoDelete {
		b |= 8
	}
	if f.NoWait {
		b |= 16
	}
	return b
}

// ExchangeFlags are the bit flags of exchange.declare.
type ExchangeFlags struct {
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
}

func (f ExchangeFlags) bits() byte {
	var b byte
	if f.Passive {
		b |= 1
	}
	if f.Durable {
		b |= 2
	}
	if f.AutoDelete {
		b |= 4
	}
	if f.Internal {
		b |= 8
	}
	if f.NoWait {
		b |= 16
	}
	return b
}

// Build connection.start-ok args using the PLAIN mechanism.
func buildStartOkArgs(props amqp091.Table, user, pass string) ([]byte, error) {
	tbl, err := EncodeTable(props)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(tbl)
	buf.Write(EncodeShortStr("PLAIN"))
	buf.Write(EncodeLongStr("\x00" + user + "\x00" + pass))
	buf.Write(EncodeShortStr("en_US"))
	return buf.Bytes(), nil
}

// Build a connection.tune-ok args
func buildTuneOkArgs(channelMax uint16, frameMax uint32, heartbeat uint16) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeShort(channelMax))
	buf.Write(EncodeLong(frameMax))
	buf.Write(EncodeShort(heartbeat))
	return buf.Bytes()
}

// connection.open: virtual-host, reserved-1 shortstr, reserved-2 bit
func buildOpenArgs(vhost string) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeShortStr(vhost))
	buf.Write(EncodeShortStr(""))
	buf.WriteByte(0)
	return buf.Bytes()
}

// connection.close / channel.close: reply-code, reply-text, class-id, method-id
func buildCloseArgs(code uint16, text string, classID, methodID uint16) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeShort(code))
	buf.Write(EncodeShortStr(text))
	buf.Write(EncodeShort(classID))
	buf.Write(EncodeShort(methodID))
	return buf.Bytes()
}

// basic.qos: prefetch-size (long), prefetch-count (short), global (bit)
func buildQosArgs(prefetchCount uint16, global bool) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeLong(0))
	buf.Write(EncodeShort(prefetchCount))
	if global {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func buildExchangeDeclareArgs(name, kind string, flags ExchangeFlags, args amqp091.Table) ([]byte, error) {
	if err := checkShortStr(name, kind); err != nil {
		return nil, errors.Wrap(err, "exchange.declare")
	}
	tbl, err := EncodeTable(args)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(EncodeShort(0))
	buf.Write(EncodeShortStr(name))
	buf.Write(EncodeShortStr(kind))
	buf.WriteByte(flags.bits())
	buf.Write(tbl)
	return buf.Bytes(), nil
}

func buildQueueDeclareArgs(name string, flags QueueFlags, args amqp091.Table) ([]byte, error) {
	if err := checkShortStr(name); err != nil {
		return nil, errors.Wrap(err, "queue.declare")
	}
	tbl, err := EncodeTable(args)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(EncodeShort(0))
	buf.Write(EncodeShortStr(name))
	buf.WriteByte(flags.bits())
	buf.Write(tbl)
	return buf.Bytes(), nil
}

func buildQueueBindArgs(queue, exchange, key string, args amqp091.Table) ([]byte, error) {
	if err := checkShortStr(queue, exchange, key); err != nil {
		return nil, errors.Wrap(err, "queue.bind")
	}
	tbl, err := EncodeTable(args)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(EncodeShort(0))
	buf.Write(EncodeShortStr(queue))
	buf.Write(EncodeShortStr(exchange))
	buf.Write(EncodeShortStr(key))
	buf.WriteByte(0)
	buf.Write(tbl)
	return buf.Bytes(), nil
}

// basic.consume: no-local, no-ack, exclusive and no-wait all cleared.
func buildConsumeArgs(queue, tag string) ([]byte, error) {
	if err := checkShortStr(queue, tag); err != nil {
		return nil, errors.Wrap(err, "basic.consume")
	}
	var buf bytes.Buffer
	buf.Write(EncodeShort(0))
	buf.Write(EncodeShortStr(queue))
	buf.Write(EncodeShortStr(tag))
	buf.WriteByte(0)
	buf.Write(encodeFieldTableEmpty())
	return buf.Bytes(), nil
}

func buildPublishArgs(exchange, key string, mandatory bool) ([]byte, error) {
	if err := checkShortStr(exchange, key); err != nil {
		return nil, errors.Wrap(err, "basic.publish")
	}
	var buf bytes.Buffer
	buf.Write(EncodeShort(0))
	buf.Write(EncodeShortStr(exchange))
	buf.Write(EncodeShortStr(key))
	if mandatory {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// Build an ack method args: delivery-tag (longlong) + bit for multiple
func buildAckArgs(deliveryTag uint64, multiple bool) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeLongLong(deliveryTag))
	var b byte
	if multiple {
		b = 1
	}
	buf.WriteByte(b)
	return buf.Bytes()
}

func encodeFieldTableEmpty() []byte {
	return []byte{0, 0, 0, 0}
}

// property flag bits, most significant first
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
	flagClusterId       = 0x0004
)

// BuildContentHeaderPayload builds a content header frame payload for
// classID and bodySize carrying props.
func BuildContentHeaderPayload(classID uint16, bodySize uint64, props BasicProperties) ([]byte, error) {
	err := checkShortStr(props.ContentType, props.ContentEncoding, props.CorrelationId, props.ReplyTo,
		props.Expiration, props.MessageId, props.Type, props.UserId, props.AppId, props.ClusterId)
	if err != nil {
		return nil, errors.Wrap(err, "content header")
	}
	var flags uint16
	var list bytes.Buffer
	str := func(flag uint16, s string) {
		if s != "" {
			flags |= flag
			list.Write(EncodeShortStr(s))
		}
	}
	str(flagContentType, props.ContentType)
	str(flagContentEncoding, props.ContentEncoding)
	if len(props.Headers) > 0 {
		tbl, err := EncodeTable(props.Headers)
		if err != nil {
			return nil, err
		}
		flags |= flagHeaders
		list.Write(tbl)
	}
	if props.DeliveryMode != 0 {
		flags |= flagDeliveryMode
		list.WriteByte(props.DeliveryMode)
	}
	if props.Priority != 0 {
		flags |= flagPriority
		list.WriteByte(props.Priority)
	}
	str(flagCorrelationId, props.CorrelationId)
	str(flagReplyTo, props.ReplyTo)
	str(flagExpiration, props.Expiration)
	str(flagMessageId, props.MessageId)
	if !props.Timestamp.IsZero() {
		flags |= flagTimestamp
		list.Write(EncodeLongLong(uint64(props.Timestamp.Unix())))
	}
	str(flagType, props.Type)
	str(flagUserId, props.UserId)
	str(flagAppId, props.AppId)
	str(flagClusterId, props.ClusterId)

	// class-id (short), weight (short=0), body-size (longlong), property-flags (short)
	var buf bytes.Buffer
	buf.Write(EncodeShort(classID))
	buf.Write(EncodeShort(0))
	buf.Write(EncodeLongLong(bodySize))
	buf.Write(EncodeShort(flags))
	buf.Write(list.Bytes())
	return buf.Bytes(), nil
}
