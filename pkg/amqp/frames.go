package amqp

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 0xCE

	// FrameHeaderSize is type(1) + channel(2) + size(4).
	FrameHeaderSize = 7
	// FrameOverhead is the header plus the frame-end octet.
	FrameOverhead = FrameHeaderSize + 1
)

// package logger used for SDK logs. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the AMQP codec. Callers should
// pass a configured `zerolog.Logger` (for example one created with
// `zerolog.New(os.Stderr).With().Timestamp().Logger()`).
func SetLogger(l zerolog.Logger) { logger = l }

// limits and well-known classes/methods
const (
	// MaxFrameSize is the largest frame the stream helpers accept.
	MaxFrameSize = 1 << 20 // 1MB
	// FrameMinSize is the smallest frame-max a peer may negotiate.
	FrameMinSize = 4096
	// DefaultFrameMax is offered during tune when the caller sets none.
	DefaultFrameMax = 131072
	// ReplySuccess is the reply code of a normal connection.close.
	ReplySuccess = 200

	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60

	MethodConnStart   = 10
	MethodConnStartOk = 11
	MethodConnTune    = 30
	MethodConnTuneOk  = 31
	MethodConnOpen    = 40
	MethodConnOpenOk  = 41
	MethodConnClose   = 50
	MethodConnCloseOk = 51

	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41

	// exchange methods (class 40)
	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11

	// queue methods (class 50)
	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21

	// basic methods (class 60)
	MethodBasicQos       = 10
	MethodBasicQosOk     = 11
	MethodBasicConsume   = 20
	MethodBasicConsumeOk = 21
	MethodBasicCancel    = 30
	MethodBasicCancelOk  = 31
	MethodBasicPublish   = 40
	MethodBasicReturn    = 50
	MethodBasicDeliver   = 60
	MethodBasicAck       = 80
)

// ProtocolHeader opens every AMQP 0-9-1 connection.
var ProtocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Frame represents a raw AMQP frame
type Frame struct {
	Type    uint8
	Channel uint16
	Payload []byte
}

// ReadFrame reads a single frame from r
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := hdr[0]
	ch := binary.BigEndian.Uint16(hdr[1:3])
	size := binary.BigEndian.Uint32(hdr[3:7])
	if size > MaxFrameSize {
		return Frame{}, errors.Errorf("frame size %d exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	// read frame-end octet
	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, err
	}
	if end[0] != FrameEnd {
		return Frame{}, errors.New("invalid frame end")
	}
	return Frame{Type: t, Channel: ch, Payload: payload}, nil
}

// AppendFrame appends the wire form of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var hdr [FrameHeaderSize]byte
	hdr[0] = f.Type
	binary.BigEndian.PutUint16(hdr[1:3], f.Channel)
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	return append(dst, FrameEnd)
}

// WriteFrame writes a frame to w
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(AppendFrame(nil, f))
	return err
}

// MethodPayload builds a method frame payload. args does NOT include
// class/method ids.
func MethodPayload(classID, methodID uint16, args []byte) []byte {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	copy(payload[4:], args)
	return payload
}

// helper to write a method frame (type 1). args does NOT include class/method ids.
func WriteMethod(w io.Writer, channel uint16, classID, methodID uint16, args []byte) error {
	return WriteFrame(w, Frame{Type: FrameMethod, Channel: channel, Payload: MethodPayload(classID, methodID, args)})
}

// ParseMethod parses a method frame payload and returns class, method and remaining args
func ParseMethod(payload []byte) (classID, methodID uint16, args []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, errors.New("method payload too short")
	}
	classID = binary.BigEndian.Uint16(payload[0:2])
	methodID = binary.BigEndian.Uint16(payload[2:4])
	args = payload[4:]
	return classID, methodID, args, nil
}
