package transport

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultDialTimeout bounds a single connect attempt.
	DefaultDialTimeout = 30 * time.Second
	// DefaultPollInterval is how long Available waits on an idle socket.
	DefaultPollInterval = 10 * time.Millisecond

	readBufferSize = 64 << 10
)

// TCPOptions tunes the TCP transport.
type TCPOptions struct {
	DialTimeout  time.Duration
	PollInterval time.Duration
}

type tcpTransport struct {
	conn net.Conn
	r    *bufio.Reader
	poll time.Duration
}

// Dial connects to host:port over TCP with default options.
func Dial(host string, port int) (Transport, error) {
	return TCPDialer(TCPOptions{})(host, port)
}

// TCPDialer returns a Dialer using opts.
func TCPDialer(opts TCPOptions) Dialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return func(host string, port int) (Transport, error) {
		d := net.Dialer{Timeout: opts.DialTimeout}
		conn, err := d.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, NewError("connect", err)
		}
		return NewConn(conn, opts.PollInterval), nil
	}
}

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn, poll time.Duration) Transport {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &tcpTransport{conn: conn, r: bufio.NewReaderSize(conn, readBufferSize), poll: poll}
}

// Available returns the bytes already staged in the read buffer. With an
// empty buffer it waits at most the poll interval for the socket to become
// readable.
func (t *tcpTransport) Available() (int, error) {
	if n := t.r.Buffered(); n > 0 {
		return n, nil
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, NewError("available", err)
	}
	_, err := t.r.Peek(1)
	if derr := t.conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		if Classify(err) == StatusTimeout {
			return 0, nil
		}
		return 0, NewError("available", err)
	}
	return t.r.Buffered(), nil
}

func (t *tcpTransport) Read(p []byte) error {
	if _, err := io.ReadFull(t.r, p); err != nil {
		return NewError("read", errors.Wrapf(err, "read %d bytes", len(p)))
	}
	return nil
}

func (t *tcpTransport) Write(p []byte) error {
	for len(p) > 0 {
		n, err := t.conn.Write(p)
		if err != nil {
			return NewError("write", err)
		}
		p = p[n:]
	}
	return nil
}

func (t *tcpTransport) Close() error {
	return NewError("close", t.conn.Close())
}
