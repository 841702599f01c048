package amqp

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// BasicProperties represents parsed content header properties from a content header frame.
type BasicProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         amqp091.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

// ContentHeader is a decoded content header frame.
type ContentHeader struct {
	ClassID    uint16
	BodySize   uint64
	Properties BasicProperties
}

// ArgReader walks method arguments. The first short read sets err and every
// later read returns zero values, so callers check Err once at the end.
type ArgReader struct {
	buf []byte
	pos int
	err error
}

func NewArgReader(b []byte) *ArgReader { return &ArgReader{buf: b} }

// Err returns the first decoding error, if any.
func (r *ArgReader) Err() error { return r.err }

// Rest returns the bytes not yet consumed.
func (r *ArgReader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.buf[r.pos:]
}

func (r *ArgReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = errors.Errorf("truncated arguments: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *ArgReader) Octet() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *ArgReader) Short() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *ArgReader) Long() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *ArgReader) LongLong() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *ArgReader) ShortStr() string {
	n := int(r.Octet())
	return string(r.take(n))
}

func (r *ArgReader) LongStr() []byte {
	n := int(r.Long())
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *ArgReader) Table() amqp091.Table {
	if r.err != nil {
		return nil
	}
	t, n, err := parseFieldTable(r.buf[r.pos:])
	if err != nil {
		r.err = err
		return nil
	}
	r.pos += n
	return t
}

// parseFieldTable decodes a length-prefixed field table and reports how many
// bytes it consumed.
func parseFieldTable(b []byte) (amqp091.Table, int, error) {
	if len(b) < 4 {
		return nil, 0, errors.Errorf("field table: missing length")
	}
	size := int(binary.BigEndian.Uint32(b[0:4]))
	if 4+size > len(b) {
		return nil, 0, errors.Errorf("field table: truncated (%d > %d)", size, len(b)-4)
	}
	r := NewArgReader(b[4 : 4+size])
	t := amqp091.Table{}
	for r.pos < len(r.buf) && r.err == nil {
		k := r.ShortStr()
		v := r.fieldValue()
		if r.err == nil {
			t[k] = v
		}
	}
	if r.err != nil {
		return nil, 0, r.err
	}
	return t, 4 + size, nil
}

func (r *ArgReader) fieldValue() interface{} {
	switch kind := r.Octet(); kind {
	case 't':
		return r.Octet() != 0
	case 'b':
		return int8(r.Octet())
	case 'B':
		return r.Octet()
	case 's':
		return int16(r.Short())
	case 'u':
		return r.Short()
	case 'I':
		return int32(r.Long())
	case 'i':
		return r.Long()
	case 'l':
		return int64(r.LongLong())
	case 'f':
		return math.Float32frombits(r.Long())
	case 'd':
		return math.Float64frombits(r.LongLong())
	case 'D':
		scale := r.Octet()
		return amqp091.Decimal{Scale: scale, Value: int32(r.Long())}
	case 'S':
		return string(r.LongStr())
	case 'x':
		return r.LongStr()
	case 'T':
		return time.Unix(int64(r.LongLong()), 0)
	case 'F':
		return r.Table()
	case 'A':
		n := int(r.Long())
		sub := NewArgReader(r.take(n))
		var arr []interface{}
		for sub.pos < len(sub.buf) && sub.err == nil {
			arr = append(arr, sub.fieldValue())
		}
		if sub.err != nil && r.err == nil {
			r.err = sub.err
		}
		return arr
	case 'V':
		return nil
	default:
		if r.err == nil {
			r.err = errors.Errorf("field table: unsupported value type %q", kind)
		}
		return nil
	}
}

// ParseContentHeader decodes a content header frame payload.
func ParseContentHeader(payload []byte) (ContentHeader, error) {
	r := NewArgReader(payload)
	h := ContentHeader{ClassID: r.Short()}
	r.Short() // weight
	h.BodySize = r.LongLong()
	flags := r.Short()
	if r.err != nil {
		return ContentHeader{}, r.err
	}
	p := &h.Properties
	if flags&flagContentType != 0 {
		p.ContentType = r.ShortStr()
	}
	if flags&flagContentEncoding != 0 {
		p.ContentEncoding = r.ShortStr()
	}
	if flags&flagHeaders != 0 {
		p.Headers = r.Table()
	}
	if flags&flagDeliveryMode != 0 {
		p.DeliveryMode = r.Octet()
	}
	if flags&flagPriority != 0 {
		p.Priority = r.Octet()
	}
	if flags&flagCorrelationId != 0 {
		p.CorrelationId = r.ShortStr()
	}
	if flags&flagReplyTo != 0 {
		p.ReplyTo = r.ShortStr()
	}
	if flags&flagExpiration != 0 {
		p.Expiration = r.ShortStr()
	}
	if flags&flagMessageId != 0 {
		p.MessageId = r.ShortStr()
	}
	if flags&flagTimestamp != 0 {
		p.Timestamp = time.Unix(int64(r.LongLong()), 0)
	}
	if flags&flagType != 0 {
		p.Type = r.ShortStr()
	}
	if flags&flagUserId != 0 {
		p.UserId = r.ShortStr()
	}
	if flags&flagAppId != 0 {
		p.AppId = r.ShortStr()
	}
	if flags&flagClusterId != 0 {
		p.ClusterId = r.ShortStr()
	}
	if r.err != nil {
		return ContentHeader{}, r.err
	}
	return h, nil
}
