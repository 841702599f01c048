package amqptest

import (
	"fmt"
	"syscall"

	"github.com/ericogr/amqp-engine/pkg/transport"
)

// Dialer hands out a fresh Broker on every dial.
type Dialer struct {
	// Config is used for every broker created.
	Config Config
	// Refuse makes the next Refuse dials fail with StatusRefused.
	Refuse int
	// Dials counts every dial attempt, refused or not.
	Dials int
	// Addrs records the host:port of every attempt.
	Addrs []string
	// Brokers holds every broker handed out, oldest first.
	Brokers []*Broker
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(host string, port int) (transport.Transport, error) {
	d.Dials++
	d.Addrs = append(d.Addrs, fmt.Sprintf("%s:%d", host, port))
	if d.Refuse > 0 {
		d.Refuse--
		return nil, &transport.Error{Op: "dial", Status: transport.StatusRefused, Err: syscall.ECONNREFUSED}
	}
	b := NewBroker(d.Config)
	d.Brokers = append(d.Brokers, b)
	return b, nil
}

// Last returns the most recent broker, or nil before the first dial.
func (d *Dialer) Last() *Broker {
	if len(d.Brokers) == 0 {
		return nil
	}
	return d.Brokers[len(d.Brokers)-1]
}
