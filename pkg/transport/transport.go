// Package transport provides the blocking byte-stream the connection engine
// reads from and writes to.
package transport

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Transport is a connected, blocking byte stream. All methods are called
// from one goroutine.
type Transport interface {
	// Available reports how many bytes can be read without blocking.
	Available() (int, error)
	// Read fills p completely.
	Read(p []byte) error
	// Write sends all of p.
	Write(p []byte) error
	Close() error
}

// Dialer opens a Transport to host:port.
type Dialer func(host string, port int) (Transport, error)

// Status classifies the outcome of a transport operation.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusAborted
	StatusRefused
	StatusUnreachable
	StatusPortInUse
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusAborted:
		return "connection-aborted"
	case StatusRefused:
		return "connection-refused"
	case StatusUnreachable:
		return "host-unreachable"
	case StatusPortInUse:
		return "port-in-use"
	default:
		return "unknown"
	}
}

// Error is a failed transport operation tagged with its Status.
type Error struct {
	Op     string
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Status.String()
	}
	return e.Op + ": " + e.Status.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err for op, classifying it. A nil err yields nil.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Status: Classify(err), Err: err}
}

// Classify maps an error returned by the net package or a Transport to a
// Status.
func Classify(err error) Status {
	if err == nil {
		return StatusOK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return StatusRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return StatusUnreachable
	case errors.Is(err, syscall.EADDRINUSE):
		return StatusPortInUse
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return StatusAborted
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return StatusTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return StatusUnreachable
	}
	return StatusUnknown
}
